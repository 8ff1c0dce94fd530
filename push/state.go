package push

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/metasvc/corehub/resterr"
)

// RowState is one model's persisted push state for a single row.
type RowState struct {
	ID       string
	Revision string
	Checksum string
	Pushed   time.Time
	Error    bool
	Data     []byte // last attempted payload, for diagnosing a remote rejection
}

// StateStore persists push progress in an embedded sqlite database: one
// table per model plus a shared `_page` cursor table, so a restarted run
// can skip unchanged rows and resume paginated sources where they left
// off.
type StateStore struct {
	db *sql.DB
}

// OpenStateStore opens (creating if absent) the sqlite database at path.
func OpenStateStore(path string) (*StateStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("push: failed to open state store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("push: failed to reach state store: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS _page (
		model TEXT NOT NULL,
		property TEXT NOT NULL,
		value TEXT,
		PRIMARY KEY (model, property)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("push: failed to create page table: %w", err)
	}
	return &StateStore{db: db}, nil
}

// Close releases the underlying sqlite connection.
func (s *StateStore) Close() error {
	return s.db.Close()
}

// tableName returns the per-model state table name, escaping the rare
// characters a qualified model name might contain.
func tableName(model string) string {
	out := make([]byte, 0, len(model)+6)
	out = append(out, "push__"...)
	for i := 0; i < len(model); i++ {
		c := model[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// EnsureModelTable creates the per-model state table if it does not
// already exist.
func (s *StateStore) EnsureModelTable(ctx context.Context, model string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		id TEXT PRIMARY KEY,
		revision TEXT,
		checksum TEXT,
		pushed TIMESTAMP,
		error INTEGER NOT NULL DEFAULT 0,
		data BLOB
	)`, tableName(model)))
	if err != nil {
		return fmt.Errorf("push: failed to create state table for %q: %w", model, err)
	}
	return nil
}

// Get returns the persisted state for id, or (RowState{}, false) if this
// row has never been pushed.
func (s *StateStore) Get(ctx context.Context, model, id string) (RowState, bool, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, revision, checksum, pushed, error, data FROM %q WHERE id = ?`, tableName(model)), id)

	var st RowState
	var errInt int
	var pushed sql.NullTime
	err := row.Scan(&st.ID, &st.Revision, &st.Checksum, &pushed, &errInt, &st.Data)
	if err == sql.ErrNoRows {
		return RowState{}, false, nil
	}
	if err != nil {
		return RowState{}, false, fmt.Errorf("push: failed to read state for %s/%s: %w", model, id, err)
	}
	st.Error = errInt != 0
	if pushed.Valid {
		st.Pushed = pushed.Time
	}
	return st, true, nil
}

// Upsert persists a row's successful push outcome.
func (s *StateStore) Upsert(ctx context.Context, model string, st RowState) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %q (id, revision, checksum, pushed, error, data)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			revision = excluded.revision,
			checksum = excluded.checksum,
			pushed = excluded.pushed,
			error = 0,
			data = excluded.data
	`, tableName(model)), st.ID, st.Revision, st.Checksum, time.Now().UTC(), st.Data)
	if err != nil {
		return fmt.Errorf("push: failed to commit state for %s/%s: %w", model, st.ID, err)
	}
	return nil
}

// MarkError flags id as errored and stores payload as its data. An
// existing row keeps its previously committed revision and checksum; a
// new row is inserted with both empty.
func (s *StateStore) MarkError(ctx context.Context, model, id string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %q (id, revision, checksum, pushed, error, data)
		VALUES (?, '', '', ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET error = 1, data = excluded.data
	`, tableName(model)), id, time.Now().UTC(), payload)
	if err != nil {
		return fmt.Errorf("push: failed to mark error for %s/%s: %w", model, id, err)
	}
	return nil
}

// ErroredIDs returns every row id flagged error=true for model, so the
// resume pipeline can retry them before fresh rows.
func (s *StateStore) ErroredIDs(ctx context.Context, model string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id FROM %q WHERE error = 1`, tableName(model)))
	if err != nil {
		return nil, fmt.Errorf("push: failed to list errored rows for %q: %w", model, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AllIDs returns every row id this state store has ever recorded for
// model, used to detect rows that disappeared from the source (delete
// semantics).
func (s *StateStore) AllIDs(ctx context.Context, model string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id FROM %q`, tableName(model)))
	if err != nil {
		return nil, fmt.Errorf("push: failed to list state rows for %q: %w", model, err)
	}
	defer rows.Close()

	ids := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// Delete removes a row's state entirely, once its delete has been
// accepted by the remote.
func (s *StateStore) Delete(ctx context.Context, model, id string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, tableName(model)), id)
	if err != nil {
		return fmt.Errorf("push: failed to delete state for %s/%s: %w", model, id, err)
	}
	return nil
}

// GetPage returns the resumable cursor value for model/property, or
// ("", false) if this source has never been paginated.
func (s *StateStore) GetPage(ctx context.Context, model, property string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM _page WHERE model = ? AND property = ?`, model, property)
	var value string
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("push: failed to read page cursor for %s/%s: %w", model, property, err)
	}
	return value, true, nil
}

// SetPage persists the resumable cursor value for model/property.
func (s *StateStore) SetPage(ctx context.Context, model, property, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _page (model, property, value) VALUES (?, ?, ?)
		ON CONFLICT(model, property) DO UPDATE SET value = excluded.value
	`, model, property, value)
	if err != nil {
		return fmt.Errorf("push: failed to persist page cursor for %s/%s: %w", model, property, err)
	}
	return nil
}

// ErrMaxErrors is returned by Engine.Run when a failed row brings the
// ErrorCounter to its configured threshold, or on the first failed row
// when Options.StopOnError is set.
var ErrMaxErrors = resterr.New(resterr.KindInvalidValue, "push: maximum error count exceeded")
