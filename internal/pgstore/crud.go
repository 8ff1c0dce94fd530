package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/metasvc/corehub/manifest"
	"github.com/metasvc/corehub/resterr"
	"github.com/metasvc/corehub/rql"
)

// Backend binds a Store to one Model's physical tables and drives its
// CRUD, search, changes-feed and wipe operations.
type Backend struct {
	store  *Store
	model  *manifest.Model
	tables *ModelTables
	lists  map[string]bool // dotted names under an array, from manifest.PropsInLists
}

// NewBackend ensures model's schema exists and returns a Backend bound to
// it. mf is the owning Manifest, used to resolve flat/list properties.
func NewBackend(ctx context.Context, store *Store, mf *manifest.Manifest, model *manifest.Model) (*Backend, error) {
	lists, err := mf.PropsInLists(model)
	if err != nil {
		return nil, err
	}
	tables, err := store.EnsureModelSchema(ctx, model.Name, len(lists) > 0)
	if err != nil {
		return nil, err
	}
	return &Backend{store: store, model: model, tables: tables, lists: lists}, nil
}

func (b *Backend) listsTableName() string {
	if len(b.lists) == 0 {
		return ""
	}
	return b.tables.Lists
}

// Insert appends row to the main table, mirrors any list subtrees into the
// lists table, and appends an `insert` changes entry. Returns the
// generated row with its assigned `_id`/`_revision` filled in when absent.
func (b *Backend) Insert(ctx context.Context, wtx *WriteTransaction, data map[string]interface{}) (*Row, error) {
	if err := b.checkUnique(ctx, wtx, data, ""); err != nil {
		return nil, err
	}

	row := &Row{
		ID:          stringOr(data["_id"], uuid.New().String()),
		Revision:    uuid.New().String(),
		Type:        b.model.Name,
		Transaction: wtx.ID,
		Created:     time.Now().UTC(),
		Updated:     time.Now().UTC(),
		Data:        withoutReserved(data),
	}

	payload, err := json.Marshal(row.Data)
	if err != nil {
		return nil, fmt.Errorf("pgstore: failed to marshal row: %w", err)
	}

	_, err = wtx.Tx().Exec(ctx, fmt.Sprintf(`
		INSERT INTO %q (_id, _revision, _transaction, _created, _updated, data)
		VALUES ($1, $2, $3, $4, $5, $6)`, b.tables.Main),
		row.ID, row.Revision, row.Transaction, row.Created, row.Updated, payload)
	if err != nil {
		return nil, fmt.Errorf("pgstore: failed to insert row into %s: %w", b.tables.Main, err)
	}

	if err := b.mirrorLists(ctx, wtx, row.ID, row.Data); err != nil {
		return nil, err
	}
	if err := b.appendChange(ctx, wtx, row, ActionInsert); err != nil {
		return nil, err
	}
	return row, nil
}

// Update replaces data wholesale, enforcing the optimistic `_revision`
// match. A rowcount of 0 is a conflict error; >1 is an internal invariant
// violation.
func (b *Backend) Update(ctx context.Context, wtx *WriteTransaction, id, expectedRevision string, data map[string]interface{}) (*Row, error) {
	return b.write(ctx, wtx, id, expectedRevision, ActionUpdate, func(existing map[string]interface{}) map[string]interface{} {
		return withoutReserved(data)
	})
}

// Patch merges data into the saved row: for a nested object property, the
// saved object's sibling keys are copied first and then overlaid with the
// patch, so patching one nested field never drops its neighbours (SPEC
// supplement, spinta's `update` merge rule).
func (b *Backend) Patch(ctx context.Context, wtx *WriteTransaction, id, expectedRevision string, patch map[string]interface{}) (*Row, error) {
	for name := range patch {
		if IsReserved(name) {
			return nil, resterr.New(resterr.KindManagedProperty, "field %q is managed and cannot be patched", name)
		}
	}
	return b.write(ctx, wtx, id, expectedRevision, ActionPatch, func(existing map[string]interface{}) map[string]interface{} {
		return mergePatch(existing, patch)
	})
}

// mergePatch overlays patch onto existing, recursively for nested objects,
// so omitted sibling keys under a patched object survive.
func mergePatch(existing, patch map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(existing))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range patch {
		if nested, ok := v.(map[string]interface{}); ok {
			if existingNested, ok := merged[k].(map[string]interface{}); ok {
				merged[k] = mergePatch(existingNested, nested)
				continue
			}
		}
		merged[k] = v
	}
	return merged
}

func (b *Backend) write(ctx context.Context, wtx *WriteTransaction, id, expectedRevision, action string, apply func(map[string]interface{}) map[string]interface{}) (*Row, error) {
	existing, err := b.getOneTx(ctx, wtx.Tx(), id)
	if err != nil {
		return nil, err
	}

	newData := apply(existing.Data)
	if err := b.checkUnique(ctx, wtx, newData, id); err != nil {
		return nil, err
	}

	row := &Row{
		ID:          id,
		Revision:    uuid.New().String(),
		Type:        b.model.Name,
		Transaction: wtx.ID,
		Created:     existing.Created,
		Updated:     time.Now().UTC(),
		Data:        newData,
	}
	payload, err := json.Marshal(row.Data)
	if err != nil {
		return nil, fmt.Errorf("pgstore: failed to marshal row: %w", err)
	}

	tag, err := wtx.Tx().Exec(ctx, fmt.Sprintf(`
		UPDATE %q SET _revision = $1, _transaction = $2, _updated = $3, data = $4
		WHERE _id = $5 AND _revision = $6`, b.tables.Main),
		row.Revision, row.Transaction, row.Updated, payload, id, expectedRevision)
	if err != nil {
		return nil, fmt.Errorf("pgstore: failed to update row in %s: %w", b.tables.Main, err)
	}
	switch tag.RowsAffected() {
	case 0:
		return nil, resterr.New(resterr.KindUniqueConstraint, "revision mismatch for %s/%s", b.model.Name, id)
	case 1:
	default:
		return nil, fmt.Errorf("pgstore: invariant violation: %d rows affected updating %s/%s", tag.RowsAffected(), b.model.Name, id)
	}

	if err := b.refreshLists(ctx, wtx, id, row.Data); err != nil {
		return nil, err
	}
	if err := b.appendChange(ctx, wtx, row, action); err != nil {
		return nil, err
	}
	return row, nil
}

// Delete removes the row and its list mirror, and appends a `delete`
// changes entry.
func (b *Backend) Delete(ctx context.Context, wtx *WriteTransaction, id string) error {
	existing, err := b.getOneTx(ctx, wtx.Tx(), id)
	if err != nil {
		return err
	}

	if _, err := wtx.Tx().Exec(ctx, fmt.Sprintf(`DELETE FROM %q WHERE _id = $1`, b.tables.Main), id); err != nil {
		return fmt.Errorf("pgstore: failed to delete row from %s: %w", b.tables.Main, err)
	}
	if listsTable := b.listsTableName(); listsTable != "" {
		if _, err := wtx.Tx().Exec(ctx, fmt.Sprintf(`DELETE FROM %q WHERE _id = $1`, listsTable), id); err != nil {
			return fmt.Errorf("pgstore: failed to delete list rows from %s: %w", listsTable, err)
		}
	}

	existing.Transaction = wtx.ID
	existing.Updated = time.Now().UTC()
	return b.appendChange(ctx, wtx, existing, ActionDelete)
}

// GetOne fetches a single row by id using a ReadTransaction.
func (b *Backend) GetOne(ctx context.Context, rtx *ReadTransaction, id string) (*Row, error) {
	return b.getOneTx(ctx, rtx.Tx(), id)
}

func (b *Backend) getOneTx(ctx context.Context, tx pgx.Tx, id string) (*Row, error) {
	row := &Row{}
	var payload []byte
	err := tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT _id, _revision, _transaction, _created, _updated, data FROM %q WHERE _id = $1`, b.tables.Main), id).
		Scan(&row.ID, &row.Revision, &row.Transaction, &row.Created, &row.Updated, &payload)
	if err == pgx.ErrNoRows {
		return nil, resterr.New(resterr.KindItemDoesNotExist, "%s/%s does not exist", b.model.Name, id)
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: failed to get %s/%s: %w", b.model.Name, id, err)
	}
	row.Type = b.model.Name
	if err := json.Unmarshal(payload, &row.Data); err != nil {
		return nil, fmt.Errorf("pgstore: failed to unmarshal row data: %w", err)
	}
	return row, nil
}

// GetAll streams rows matching plan, returning them as a finite slice
// (the lazy-generator contract is satisfied by the caller paging through
// successive GetAll calls using plan.Offset).
func (b *Backend) GetAll(ctx context.Context, rtx *ReadTransaction, plan *rql.QueryPlan) ([]*Row, error) {
	var args []interface{}
	where, err := renderGroup(plan.Root, b.listsTableName(), &args)
	if err != nil {
		return nil, err
	}
	orderBy, joins := renderOrderBy(plan.Sorts, b.listsTableName())

	query := fmt.Sprintf(`SELECT DISTINCT m._id, m._revision, m._transaction, m._created, m._updated, m.data
		FROM %q m %s WHERE %s %s`, b.tables.Main, joinClause(joins), where, orderBy)
	if plan.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", plan.Limit)
	}
	if plan.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", plan.Offset)
	}

	rows, err := rtx.Tx().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: failed to query %s: %w", b.tables.Main, err)
	}
	defer rows.Close()

	var results []*Row
	for rows.Next() {
		r := &Row{Type: b.model.Name}
		var payload []byte
		if err := rows.Scan(&r.ID, &r.Revision, &r.Transaction, &r.Created, &r.Updated, &payload); err != nil {
			return nil, fmt.Errorf("pgstore: failed to scan row: %w", err)
		}
		if err := json.Unmarshal(payload, &r.Data); err != nil {
			return nil, fmt.Errorf("pgstore: failed to unmarshal row data: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func joinClause(joins []string) string {
	out := ""
	for _, j := range joins {
		out += " " + j
	}
	return out
}

// Changes returns change-log entries for model, optionally scoped to id.
// A negative offset counts back from the current maximum change:
// -n means "from max(change)-n".
func (b *Backend) Changes(ctx context.Context, rtx *ReadTransaction, id string, limit, offset int) ([]*ChangeEntry, error) {
	args := []interface{}{}
	where := "TRUE"
	if id != "" {
		args = append(args, id)
		where = fmt.Sprintf("_id = $%d", len(args))
	}

	if offset < 0 {
		var maxChange int64
		if err := rtx.Tx().QueryRow(ctx, fmt.Sprintf(`SELECT COALESCE(MAX(_change), 0) FROM %q`, b.tables.Changes)).Scan(&maxChange); err != nil {
			return nil, fmt.Errorf("pgstore: failed to read max change for %s: %w", b.tables.Changes, err)
		}
		offset = int(maxChange) + offset
		if offset < 0 {
			offset = 0
		}
	}

	query := fmt.Sprintf(`SELECT _change, _revision, _transaction, _id, _datetime, _action, data
		FROM %q WHERE %s ORDER BY _change`, b.tables.Changes, where)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	query += fmt.Sprintf(" OFFSET %d", offset)

	rows, err := rtx.Tx().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: failed to query changes for %s: %w", b.tables.Changes, err)
	}
	defer rows.Close()

	var entries []*ChangeEntry
	for rows.Next() {
		e := &ChangeEntry{}
		var payload []byte
		if err := rows.Scan(&e.Change, &e.Revision, &e.Transaction, &e.ID, &e.DateTime, &e.Action, &payload); err != nil {
			return nil, fmt.Errorf("pgstore: failed to scan change entry: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Data); err != nil {
			return nil, fmt.Errorf("pgstore: failed to unmarshal change data: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Wipe truncates lists, then changes, then main, in that order so no
// in-flight reader ever observes an orphaned lists/changes row.
func (b *Backend) Wipe(ctx context.Context, wtx *WriteTransaction) error {
	if listsTable := b.listsTableName(); listsTable != "" {
		if _, err := wtx.Tx().Exec(ctx, fmt.Sprintf(`TRUNCATE %q`, listsTable)); err != nil {
			return fmt.Errorf("pgstore: failed to truncate %s: %w", listsTable, err)
		}
	}
	if _, err := wtx.Tx().Exec(ctx, fmt.Sprintf(`TRUNCATE %q`, b.tables.Changes)); err != nil {
		return fmt.Errorf("pgstore: failed to truncate %s: %w", b.tables.Changes, err)
	}
	if _, err := wtx.Tx().Exec(ctx, fmt.Sprintf(`TRUNCATE %q`, b.tables.Main)); err != nil {
		return fmt.Errorf("pgstore: failed to truncate %s: %w", b.tables.Main, err)
	}
	return nil
}

// checkUnique enforces a unique constraint on each top-level property
// named in model.PrimaryKey (reserved names excluded); no other property
// is checked. excludeID is skipped on update/patch.
func (b *Backend) checkUnique(ctx context.Context, wtx *WriteTransaction, data map[string]interface{}, excludeID string) error {
	for _, propName := range b.model.PrimaryKey {
		if IsReserved(propName) {
			continue
		}
		val, ok := data[propName]
		if !ok {
			continue
		}
		query := fmt.Sprintf(`SELECT _id FROM %q WHERE data->>'%s' = $1`, b.tables.Main, propName)
		args := []interface{}{fmt.Sprint(val)}
		if excludeID != "" {
			query += " AND _id <> $2"
			args = append(args, excludeID)
		}
		var foundID string
		err := wtx.Tx().QueryRow(ctx, query, args...).Scan(&foundID)
		if err == nil {
			return resterr.New(resterr.KindUniqueConstraint, "%s.%s: value already exists", b.model.Name, propName)
		}
		if err != pgx.ErrNoRows {
			return fmt.Errorf("pgstore: failed to check unique constraint on %s: %w", propName, err)
		}
	}
	return nil
}

// mirrorLists writes one lists-table row per array/object-with-list
// subtree found at the model's list-prop dotted paths.
func (b *Backend) mirrorLists(ctx context.Context, wtx *WriteTransaction, id string, data map[string]interface{}) error {
	listsTable := b.listsTableName()
	if listsTable == "" {
		return nil
	}
	for key := range b.lists {
		values := extractListValues(data, key)
		for _, v := range values {
			payload, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("pgstore: failed to marshal list value for %s: %w", key, err)
			}
			if _, err := wtx.Tx().Exec(ctx, fmt.Sprintf(`
				INSERT INTO %q (_transaction, _id, _key, data) VALUES ($1, $2, $3, $4)`, listsTable),
				wtx.ID, id, key, payload); err != nil {
				return fmt.Errorf("pgstore: failed to insert list row for %s: %w", key, err)
			}
		}
	}
	return nil
}

// refreshLists replaces a row's list mirror wholesale: delete then
// re-insert, the same way update/patch does.
func (b *Backend) refreshLists(ctx context.Context, wtx *WriteTransaction, id string, data map[string]interface{}) error {
	listsTable := b.listsTableName()
	if listsTable == "" {
		return nil
	}
	if _, err := wtx.Tx().Exec(ctx, fmt.Sprintf(`DELETE FROM %q WHERE _id = $1`, listsTable), id); err != nil {
		return fmt.Errorf("pgstore: failed to clear list rows for %s: %w", id, err)
	}
	return b.mirrorLists(ctx, wtx, id, data)
}

// extractListValues walks data to the array found at a dotted list-prop
// path and returns its leaf element values (scalars or nested objects).
func extractListValues(data map[string]interface{}, dottedPath string) []interface{} {
	segments := splitDotted(dottedPath)
	var collect func(interface{}, []string) []interface{}
	collect = func(node interface{}, remaining []string) []interface{} {
		if len(remaining) == 0 {
			if arr, ok := node.([]interface{}); ok {
				return arr
			}
			return []interface{}{node}
		}
		if arr, ok := node.([]interface{}); ok {
			var out []interface{}
			for _, item := range arr {
				out = append(out, collect(item, remaining)...)
			}
			return out
		}
		m, ok := node.(map[string]interface{})
		if !ok {
			return nil
		}
		child, ok := m[remaining[0]]
		if !ok {
			return nil
		}
		if arr, ok := child.([]interface{}); ok && len(remaining) == 1 {
			return arr
		}
		return collect(child, remaining[1:])
	}
	root, ok := data[segments[0]]
	if !ok {
		return nil
	}
	return collect(root, segments[1:])
}

func splitDotted(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func (b *Backend) appendChange(ctx context.Context, wtx *WriteTransaction, row *Row, action string) error {
	payload, err := json.Marshal(row.Data)
	if err != nil {
		return fmt.Errorf("pgstore: failed to marshal change payload: %w", err)
	}
	_, err = wtx.Tx().Exec(ctx, fmt.Sprintf(`
		INSERT INTO %q (_revision, _transaction, _id, _datetime, _action, data)
		VALUES ($1, $2, $3, $4, $5, $6)`, b.tables.Changes),
		row.Revision, row.Transaction, row.ID, row.Updated, action, payload)
	if err != nil {
		return fmt.Errorf("pgstore: failed to append change for %s: %w", b.model.Name, err)
	}
	return nil
}

func withoutReserved(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		if IsReserved(k) {
			continue
		}
		out[k] = v
	}
	return out
}

func stringOr(v interface{}, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}
