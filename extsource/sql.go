package extsource

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/metasvc/corehub/manifest"
	"github.com/metasvc/corehub/resterr"
)

// SQLPredicate is a Predicate holding a raw WHERE fragment (with
// positional placeholders starting at $1) and its argument list, merged
// after the model's external.prepare base condition.
type SQLPredicate struct {
	Where string
	Args  []interface{}
}

func (SQLPredicate) isPredicate() {}

// SQLReader projects rows from a foreign relational source reached
// through database/sql with the pgx stdlib driver, using the model's
// external.Table and external.Prepare as the base query.
type SQLReader struct {
	db        *sql.DB
	projector *Projector
}

// NewSQLReader opens a pgx stdlib connection to dsn.
func NewSQLReader(ctx context.Context, dsn string, projector *Projector) (*SQLReader, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("extsource: failed to open sql source: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("extsource: failed to reach sql source: %w", err)
	}
	return &SQLReader{db: db, projector: projector}, nil
}

// Close releases the underlying connection pool.
func (r *SQLReader) Close() error {
	return r.db.Close()
}

// Stream runs a SELECT against the model's external table, merging its
// base prepare formula with extra's WHERE fragment, and projects each
// row as it streams back.
func (r *SQLReader) Stream(ctx context.Context, model *manifest.Model, extra Predicate, fn func(Row) error) error {
	if model.External == nil {
		return resterr.New(resterr.KindInvalidValue, "model %q has no external binding", model.Name)
	}

	query, args := buildSelect(model, extra)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("extsource: query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("extsource: failed to read columns: %w", err)
	}

	for rows.Next() {
		src, err := scanRow(rows, cols)
		if err != nil {
			return err
		}
		projected, err := r.projector.Project(model, src)
		if err != nil {
			return err
		}
		if err := fn(projected); err != nil {
			return err
		}
	}
	return rows.Err()
}

// GetOne decodes id to its natural key via KeyMap, then fetches the
// single row matching the model's primary-key columns.
func (r *SQLReader) GetOne(ctx context.Context, model *manifest.Model, id string) (Row, error) {
	if model.External == nil {
		return Row{}, resterr.New(resterr.KindInvalidValue, "model %q has no external binding", model.Name)
	}
	naturalKey, err := r.projector.keymap.Decode(model.KeymapNamespace, id)
	if err != nil {
		return Row{}, err
	}
	if len(naturalKey) != len(model.PrimaryKey) {
		return Row{}, resterr.New(resterr.KindInvalidValue, "extsource: primary key arity mismatch for %q", model.Name)
	}

	var conditions []string
	var args []interface{}
	for i, propName := range model.PrimaryKey {
		prop := model.Properties[propName]
		args = append(args, naturalKey[i])
		conditions = append(conditions, fmt.Sprintf("%s = $%d", sourceKey(prop), len(args)))
	}

	query, args := buildSelect(model, SQLPredicate{Where: strings.Join(conditions, " AND "), Args: args})
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Row{}, fmt.Errorf("extsource: query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Row{}, fmt.Errorf("extsource: failed to read columns: %w", err)
	}

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Row{}, fmt.Errorf("extsource: query failed: %w", err)
		}
		return Row{}, resterr.New(resterr.KindItemDoesNotExist, "extsource: no row matches %q", id)
	}

	src, err := scanRow(rows, cols)
	if err != nil {
		return Row{}, err
	}
	return r.projector.Project(model, src)
}

// buildSelect composes the SELECT * FROM <table> [WHERE ...] [ORDER BY ...]
// statement for model, merging its external.Prepare base condition with
// extra. A paginated model (model.Page != nil) is always ordered by its
// page properties, ascending, so a row's cursor only ever advances: without
// a deterministic order, persisting "the last row seen" is meaningless.
func buildSelect(model *manifest.Model, extra Predicate) (string, []interface{}) {
	query := fmt.Sprintf("SELECT * FROM %s", model.External.Table)

	var conditions []string
	var args []interface{}
	if model.External.Prepare != "" {
		conditions = append(conditions, model.External.Prepare)
	}
	if sp, ok := extra.(SQLPredicate); ok && sp.Where != "" {
		offset := len(args)
		conditions = append(conditions, rebind(sp.Where, offset))
		args = append(args, sp.Args...)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	if model.Page != nil && len(model.Page.Properties) > 0 {
		cols := make([]string, len(model.Page.Properties))
		for i, propName := range model.Page.Properties {
			cols[i] = sourceKey(model.Properties[propName])
		}
		query += " ORDER BY " + strings.Join(cols, ", ") + " ASC"
	}
	return query, args
}

// ResumePredicate builds a row-wise tuple comparison restricting the query
// to rows that sort strictly after cursor: `(a, b) > ($1, $2)`, evaluated
// lexicographically by Postgres the same way ORDER BY a, b ASC would, so it
// composes exactly with buildSelect's page ordering.
func (r *SQLReader) ResumePredicate(model *manifest.Model, cursor map[string]string) (Predicate, error) {
	if model.Page == nil || len(cursor) == 0 {
		return nil, nil
	}

	var cols []string
	var args []interface{}
	for _, propName := range model.Page.Properties {
		value, ok := cursor[propName]
		if !ok {
			// Only a prefix of the page properties has a stored cursor;
			// nothing to resume from yet.
			return nil, nil
		}
		cols = append(cols, sourceKey(model.Properties[propName]))
		args = append(args, value)
	}

	placeholders := make([]string, len(args))
	for i := range placeholders {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	where := fmt.Sprintf("(%s) > (%s)", strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	return SQLPredicate{Where: where, Args: args}, nil
}

// rebind shifts a WHERE fragment's $1-style placeholders by offset, so
// fragments built independently (the model's base prepare condition and
// a caller's extra predicate) can be concatenated into one statement.
func rebind(where string, offset int) string {
	if offset == 0 {
		return where
	}
	var b strings.Builder
	for i := 0; i < len(where); i++ {
		if where[i] == '$' && i+1 < len(where) && where[i+1] >= '0' && where[i+1] <= '9' {
			j := i + 1
			for j < len(where) && where[j] >= '0' && where[j] <= '9' {
				j++
			}
			var n int
			fmt.Sscanf(where[i+1:j], "%d", &n)
			fmt.Fprintf(&b, "$%d", n+offset)
			i = j - 1
			continue
		}
		b.WriteByte(where[i])
	}
	return b.String()
}

// scanRow reads the current row into a SourceRow keyed by column name.
func scanRow(rows *sql.Rows, cols []string) (SourceRow, error) {
	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("extsource: failed to scan row: %w", err)
	}
	src := make(SourceRow, len(cols))
	for i, col := range cols {
		if b, ok := values[i].([]byte); ok {
			src[col] = string(b)
		} else {
			src[col] = values[i]
		}
	}
	return src, nil
}
