// Package extsource is the external SQL/Couch reader: it projects rows from
// a foreign relational or document source into a Model's shape, applying
// enum translation, KeyMap-driven primary-key synthesis, reference
// resolution, and list-path aggregation.
package extsource

import (
	"context"

	"github.com/metasvc/corehub/keymap"
	"github.com/metasvc/corehub/manifest"
)

// Row is one projected source row, shaped into nested form the way a
// Model's flat properties describe, plus its synthesised `_id`.
type Row struct {
	ID   string
	Data map[string]interface{}
	// Page is the resumable cursor for this row when the model declares a
	// PageSpec; nil otherwise.
	Page map[string]interface{}
}

// SourceRow is one raw record read from the foreign source, keyed by
// column name (Sql) or field name (Couch) before projection.
type SourceRow map[string]interface{}

// Reader streams rows from a foreign source, already filtered by the
// model's `external.prepare` formula merged with the user's query, and
// projects each into Model shape.
type Reader interface {
	// Stream calls fn for each row matching the model's external binding
	// merged with extra, until fn returns an error or the source is
	// exhausted.
	Stream(ctx context.Context, model *manifest.Model, extra Predicate, fn func(Row) error) error
	// GetOne resolves id (a KeyMap-encoded uuid or natural key) to its
	// single row, shaped as Stream would yield it.
	GetOne(ctx context.Context, model *manifest.Model, id string) (Row, error)
	// ResumePredicate builds a Predicate restricting Stream to rows that
	// sort strictly after cursor, a map from model.Page.Properties name to
	// its last-seen value, so a paginated source can resume a prior run
	// instead of starting over. Returns a nil Predicate when model has no
	// PageSpec or cursor is empty (nothing to resume from).
	ResumePredicate(model *manifest.Model, cursor map[string]string) (Predicate, error)
	Close() error
}

// Predicate is an opaque filter fragment a caller passes through to a
// Reader's native query builder (SQL WHERE fragment for Sql, Mango
// selector for Couch); constructing one is the rql package's job once it
// lowers a query against this model's external binding.
type Predicate interface {
	isPredicate()
}

// Projector applies the common projection rules (enum, ref, list
// aggregation, pk synthesis) shared by every Reader variant, given a raw
// SourceRow from whichever driver fetched it.
type Projector struct {
	manifest *manifest.Manifest
	keymap   *keymap.KeyMap
}

// NewProjector returns a Projector bound to the Manifest (for ref-target
// lookups) and KeyMap (for pk synthesis) every Reader variant shares.
func NewProjector(mf *manifest.Manifest, km *keymap.KeyMap) *Projector {
	return &Projector{manifest: mf, keymap: km}
}
