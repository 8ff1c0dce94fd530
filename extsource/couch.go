package extsource

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/metasvc/corehub/manifest"
	"github.com/metasvc/corehub/resterr"
)

// MangoSelector is a Predicate holding a raw CouchDB Mango selector
// fragment, merged into the model's external.prepare base selector.
type MangoSelector map[string]interface{}

func (MangoSelector) isPredicate() {}

// CouchReader projects rows from a CouchDB database reached through
// Kivik's couch driver, using Mango queries built from each model's
// external binding.
type CouchReader struct {
	client    *kivik.Client
	db        *kivik.DB
	projector *Projector
}

// NewCouchReader connects to url and opens dbName, creating the database
// if it does not already exist.
func NewCouchReader(ctx context.Context, url, dbName string, projector *Projector) (*CouchReader, error) {
	client, err := kivik.New("couch", url)
	if err != nil {
		return nil, fmt.Errorf("extsource: failed to connect to couchdb: %w", err)
	}

	exists, err := client.DBExists(ctx, dbName)
	if err != nil {
		return nil, fmt.Errorf("extsource: failed to check database existence: %w", err)
	}
	if !exists {
		if err := client.CreateDB(ctx, dbName); err != nil {
			return nil, fmt.Errorf("extsource: failed to create database: %w", err)
		}
	}

	return &CouchReader{client: client, db: client.DB(dbName), projector: projector}, nil
}

// Close releases the underlying Kivik client.
func (r *CouchReader) Close() error {
	return r.client.Close()
}

// Stream runs a Mango find against the model's external binding table
// merged with extra's selector, projecting each document as it is read.
func (r *CouchReader) Stream(ctx context.Context, model *manifest.Model, extra Predicate, fn func(Row) error) error {
	selector := baseSelector(model)
	if ms, ok := extra.(MangoSelector); ok {
		for k, v := range ms {
			selector[k] = v
		}
	}

	var rows *kivik.ResultSet
	if model.Page != nil && len(model.Page.Properties) > 0 {
		sort := make([]map[string]string, len(model.Page.Properties))
		for i, propName := range model.Page.Properties {
			sort[i] = map[string]string{sourceKey(model.Properties[propName]): "asc"}
		}
		rows = r.db.Find(ctx, selector, kivik.Params(map[string]interface{}{"sort": sort}))
	} else {
		rows = r.db.Find(ctx, selector)
	}
	defer rows.Close()

	for rows.Next() {
		var doc map[string]interface{}
		if err := rows.ScanDoc(&doc); err != nil {
			return fmt.Errorf("extsource: failed to scan document: %w", err)
		}
		projected, err := r.projector.Project(model, SourceRow(doc))
		if err != nil {
			return err
		}
		if err := fn(projected); err != nil {
			return err
		}
	}
	return rows.Err()
}

// GetOne decodes id back to its natural key via KeyMap and fetches the
// single matching document by the model's primary-key columns.
func (r *CouchReader) GetOne(ctx context.Context, model *manifest.Model, id string) (Row, error) {
	naturalKey, err := r.projector.keymap.Decode(model.KeymapNamespace, id)
	if err != nil {
		return Row{}, err
	}
	if len(naturalKey) != len(model.PrimaryKey) {
		return Row{}, resterr.New(resterr.KindInvalidValue, "extsource: primary key arity mismatch for %q", model.Name)
	}

	selector := baseSelector(model)
	for i, propName := range model.PrimaryKey {
		prop := model.Properties[propName]
		selector[sourceKey(prop)] = naturalKey[i]
	}

	rows := r.db.Find(ctx, selector, kivik.Params(map[string]interface{}{"limit": 1}))
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Row{}, fmt.Errorf("extsource: find failed: %w", err)
		}
		return Row{}, resterr.New(resterr.KindItemDoesNotExist, "extsource: no document matches %q", id)
	}

	var doc map[string]interface{}
	if err := rows.ScanDoc(&doc); err != nil {
		return Row{}, fmt.Errorf("extsource: failed to scan document: %w", err)
	}
	return r.projector.Project(model, SourceRow(doc))
}

// ResumePredicate builds a Mango selector equivalent to the keyset
// comparison SQLReader expresses as a row-wise tuple: "sorts strictly after
// cursor". Mango has no native row comparison, so it is expanded into the
// standard keyset disjunction: for properties p0..pn-1, match either p0 >
// v0, or (p0 = v0 and p1 > v1), or (p0 = v0 and p1 = v1 and p2 > v2), and
// so on — exactly the rows a composite ORDER BY p0, p1, ... ASC would place
// after cursor.
func (r *CouchReader) ResumePredicate(model *manifest.Model, cursor map[string]string) (Predicate, error) {
	if model.Page == nil || len(cursor) == 0 {
		return nil, nil
	}

	var fields []string
	for _, propName := range model.Page.Properties {
		if _, ok := cursor[propName]; !ok {
			return nil, nil
		}
		fields = append(fields, sourceKey(model.Properties[propName]))
	}

	if len(fields) == 1 {
		return MangoSelector{fields[0]: map[string]interface{}{"$gt": cursor[model.Page.Properties[0]]}}, nil
	}

	var clauses []interface{}
	for i := range fields {
		clause := map[string]interface{}{}
		for j := 0; j < i; j++ {
			clause[fields[j]] = cursor[model.Page.Properties[j]]
		}
		clause[fields[i]] = map[string]interface{}{"$gt": cursor[model.Page.Properties[i]]}
		clauses = append(clauses, clause)
	}
	return MangoSelector{"$or": clauses}, nil
}

// baseSelector returns the model's external.prepare formula as a Mango
// selector, or an empty selector (matching every document in the
// database) when none is configured.
func baseSelector(model *manifest.Model) map[string]interface{} {
	if model.External == nil || model.External.Prepare == "" {
		return map[string]interface{}{}
	}
	var selector map[string]interface{}
	if err := json.Unmarshal([]byte(model.External.Prepare), &selector); err != nil {
		return map[string]interface{}{}
	}
	return selector
}
