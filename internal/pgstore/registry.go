package pgstore

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// maxIdentifierLength is PostgreSQL's NAMEDATALEN-derived limit.
const maxIdentifierLength = 63

// ModelTables names the three physical tables backing one model.
type ModelTables struct {
	Main    string
	Lists   string
	Changes string
}

// TableRegistry assigns and persists short numeric ids for qualified model
// names, so a name transformation that would otherwise collide or exceed
// PostgreSQL's identifier length limit stays both short and stable across
// restarts.
type TableRegistry struct {
	pool *pgxpool.Pool
}

func newTableRegistry(pool *pgxpool.Pool) *TableRegistry {
	return &TableRegistry{pool: pool}
}

func (r *TableRegistry) ensureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS _table_registry (
			short_id BIGSERIAL PRIMARY KEY,
			qualified_name TEXT UNIQUE NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("pgstore: failed to create table registry: %w", err)
	}
	return nil
}

// allocate returns the short id for qualifiedName, assigning a new one
// atomically on first use. The upsert-then-return idiom makes concurrent
// callers for the same name converge on the same id instead of racing.
func (r *TableRegistry) allocate(ctx context.Context, qualifiedName string) (int64, error) {
	var shortID int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO _table_registry (qualified_name) VALUES ($1)
		ON CONFLICT (qualified_name) DO UPDATE SET qualified_name = EXCLUDED.qualified_name
		RETURNING short_id`, qualifiedName).Scan(&shortID)
	if err != nil {
		return 0, fmt.Errorf("pgstore: failed to allocate table id for %s: %w", qualifiedName, err)
	}
	return shortID, nil
}

// tablesFor returns the (main, lists, changes) table names for a qualified
// model name, allocating its short id on first use.
func (r *TableRegistry) tablesFor(ctx context.Context, qualifiedName string) (*ModelTables, error) {
	shortID, err := r.allocate(ctx, qualifiedName)
	if err != nil {
		return nil, err
	}
	base := foldName(qualifiedName)
	return &ModelTables{
		Main:    tableName(base, shortID, "M"),
		Lists:   tableName(base, shortID, "L"),
		Changes: tableName(base, shortID, "C"),
	}, nil
}

var nonAlnum = regexp.MustCompile(`[^A-Za-z0-9]+`)

// foldName collapses each run of characters outside [A-Za-z0-9] in a
// qualified name to a single underscore, trims leading and trailing
// underscores, and upper-cases the result. Non-ASCII letters are not
// transliterated: they are treated like any other non-alphanumeric
// character and become part of an underscore run.
func foldName(qualifiedName string) string {
	folded := nonAlnum.ReplaceAllString(qualifiedName, "_")
	folded = strings.Trim(folded, "_")
	return strings.ToUpper(folded)
}

// tableName appends the allocated short id and one-letter table type to a
// folded base name, truncating the base so the total stays within
// PostgreSQL's identifier length limit.
func tableName(base string, shortID int64, tableType string) string {
	suffix := "_" + strconv.FormatInt(shortID, 10) + tableType
	maxBase := maxIdentifierLength - len(suffix)
	if len(base) > maxBase {
		base = base[:maxBase]
	}
	return base + suffix
}
