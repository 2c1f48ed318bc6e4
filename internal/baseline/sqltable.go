package baseline

import (
	"context"
	"fmt"

	"github.com/picostuff/lockstep/internal/db"
	"github.com/picostuff/lockstep/internal/item"
)

// SQLTable is a Table persisted in SQLite. Every row is loaded into an
// in-memory cache on open; Put and Delete write the database first and
// update the cache only once the write succeeded.
type SQLTable struct {
	db    *db.DB
	owned bool
	cache *MemoryTable
}

var _ Table = (*SQLTable)(nil)

// OpenSQL opens (creating if needed) the baseline database at path and
// replays it.
func OpenSQL(ctx context.Context, path string) (*SQLTable, error) {
	database, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	t, err := NewSQLTable(ctx, database)
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	t.owned = true
	return t, nil
}

// NewSQLTable uses an already open database. The caller keeps ownership of
// database.
func NewSQLTable(ctx context.Context, database *db.DB) (*SQLTable, error) {
	t := &SQLTable{db: database, cache: NewMemoryTable()}
	if err := t.InitSchemaContext(ctx); err != nil {
		return nil, err
	}
	if err := t.replay(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// InitSchemaContext creates the baseline table. This is idempotent.
func (t *SQLTable) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS baseline (
		path TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		version TEXT NOT NULL,
		synced_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
	);
	`
	if err := t.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize baseline schema: %w", err)
	}
	return nil
}

func (t *SQLTable) replay(ctx context.Context) error {
	rows, err := t.db.RawDB().QueryContext(ctx, `SELECT path, name, version FROM baseline`)
	if err != nil {
		return fmt.Errorf("failed to load baseline: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e item.Baseline
		if err := rows.Scan(&e.Path, &e.Name, &e.Version); err != nil {
			return fmt.Errorf("failed to scan baseline row: %w", err)
		}
		_ = t.cache.Put(ctx, e)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to load baseline: %w", err)
	}
	return nil
}

// Close releases the database if the table opened it.
func (t *SQLTable) Close() error {
	if !t.owned {
		return nil
	}
	return t.db.Close()
}

// Get implements Table.
func (t *SQLTable) Get(path string) (*item.Baseline, bool) {
	return t.cache.Get(path)
}

// Put implements Table.
func (t *SQLTable) Put(ctx context.Context, entry item.Baseline) error {
	query := `
	INSERT INTO baseline (path, name, version) VALUES (?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET
		name = excluded.name,
		version = excluded.version,
		synced_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
	`
	if _, err := t.db.RawDB().ExecContext(ctx, query, entry.Path, entry.Name, entry.Version); err != nil {
		return fmt.Errorf("failed to save baseline %s: %w", entry.Path, err)
	}
	return t.cache.Put(ctx, entry)
}

// Delete implements Table.
func (t *SQLTable) Delete(ctx context.Context, path string) error {
	if _, err := t.db.RawDB().ExecContext(ctx, `DELETE FROM baseline WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to delete baseline %s: %w", path, err)
	}
	return t.cache.Delete(ctx, path)
}

// Paths implements Table.
func (t *SQLTable) Paths() []string {
	return t.cache.Paths()
}

// Len implements Table.
func (t *SQLTable) Len() int {
	return t.cache.Len()
}
