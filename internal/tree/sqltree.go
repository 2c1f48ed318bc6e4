package tree

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/picostuff/lockstep/internal/db"
	"github.com/picostuff/lockstep/internal/item"
	"github.com/picostuff/lockstep/internal/itempath"
	"github.com/picostuff/lockstep/internal/syncerr"
)

// SQLTree is a Store backed by a SQLite table. Each node is one row keyed
// by its canonical path; the parent column makes child listing an index
// scan.
//
// Every mutating operation runs in its own immediate transaction, so the
// compare and the write are atomic across processes sharing the file.
type SQLTree struct {
	db    *db.DB
	owned bool
}

var _ Store = (*SQLTree)(nil)

// OpenSQL opens (creating if needed) the tree database at path.
func OpenSQL(ctx context.Context, path string) (*SQLTree, error) {
	database, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	t, err := NewSQLTree(ctx, database)
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	t.owned = true
	return t, nil
}

// NewSQLTree uses an already open database. The caller keeps ownership of
// database; Close on the returned tree does not close it.
func NewSQLTree(ctx context.Context, database *db.DB) (*SQLTree, error) {
	t := &SQLTree{db: database}
	if err := t.InitSchemaContext(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// InitSchemaContext creates the nodes table and the root row. This is
// idempotent.
func (t *SQLTree) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		path TEXT PRIMARY KEY,
		parent TEXT,  -- NULL only for the root
		name TEXT NOT NULL,
		version TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent, name);
	`
	if err := t.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize tree schema: %w", err)
	}

	_, err := t.db.RawDB().ExecContext(ctx,
		`INSERT OR IGNORE INTO nodes (path, parent, name, version) VALUES (?, NULL, '', ?)`,
		itempath.Root, item.DirVersion)
	if err != nil {
		return fmt.Errorf("failed to create root node: %w", err)
	}
	return nil
}

// Close releases the database if the tree opened it.
func (t *SQLTree) Close() error {
	if !t.owned {
		return nil
	}
	return t.db.Close()
}

// canonical validates path and returns its normalized form, without any
// trailing "/".
func canonical(path string) (string, error) {
	segments, err := itempath.Split(path)
	if err != nil {
		return "", err
	}
	return itempath.FromSegments(segments), nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readNode(ctx context.Context, q querier, path string) (Node, error) {
	var n Node
	err := q.QueryRowContext(ctx,
		`SELECT name, version FROM nodes WHERE path = ?`, path).Scan(&n.Name, &n.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, syncerr.MissingNode("resolve", path)
	}
	if err != nil {
		return Node{}, fmt.Errorf("failed to read node %s: %w", path, err)
	}
	return n, nil
}

func removeSubtree(ctx context.Context, tx *sql.Tx, path string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM nodes WHERE path = ? OR path LIKE ? ESCAPE '\'`,
		path, db.LikePrefix(path))
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// Read implements Store.
func (t *SQLTree) Read(ctx context.Context, path string) (Node, error) {
	p, err := canonical(path)
	if err != nil {
		return Node{}, err
	}
	return readNode(ctx, t.db.RawDB(), p)
}

// ChildNames implements Store.
func (t *SQLTree) ChildNames(ctx context.Context, path string) ([]string, error) {
	p, err := canonical(path)
	if err != nil {
		return nil, err
	}

	var names []string
	err = t.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := readNode(ctx, tx, p); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx,
			`SELECT name FROM nodes WHERE parent = ? ORDER BY name`, p)
		if err != nil {
			return fmt.Errorf("failed to list children of %s: %w", p, err)
		}
		defer rows.Close()

		names = make([]string, 0)
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return fmt.Errorf("failed to scan child name: %w", err)
			}
			names = append(names, name)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// AddChild implements Store.
func (t *SQLTree) AddChild(ctx context.Context, path, name, version string) error {
	if err := checkChildName(path, name); err != nil {
		return err
	}
	p, err := canonical(path)
	if err != nil {
		return err
	}
	child := itempath.Join(p, name)

	return t.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := readNode(ctx, tx, p); err != nil {
			return err
		}
		if _, err := readNode(ctx, tx, child); err == nil {
			return syncerr.AddDuplicate("add", child)
		} else if !errors.Is(err, syncerr.ErrMissingNode) {
			return err
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO nodes (path, parent, name, version) VALUES (?, ?, ?, ?)`,
			child, p, name, version)
		if err != nil {
			return fmt.Errorf("failed to add %s: %w", child, err)
		}
		return nil
	})
}

// RemoveChild implements Store.
func (t *SQLTree) RemoveChild(ctx context.Context, path, name string) error {
	p, err := canonical(path)
	if err != nil {
		return err
	}

	return t.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := readNode(ctx, tx, p); err != nil {
			return err
		}
		if name == "" || strings.Contains(name, "/") {
			return nil
		}
		return removeSubtree(ctx, tx, itempath.Join(p, name))
	})
}

// CompareAndUpdate implements Store.
func (t *SQLTree) CompareAndUpdate(ctx context.Context, path string, expected, replacement Node) error {
	p, err := canonical(path)
	if err != nil {
		return err
	}

	return t.db.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := readNode(ctx, tx, p)
		if err != nil {
			return err
		}
		if err := checkCAS(path, current, expected, &replacement); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE nodes SET version = ? WHERE path = ?`, replacement.Version, p)
		if err != nil {
			return fmt.Errorf("failed to update %s: %w", p, err)
		}
		return nil
	})
}

// CompareAndRemove implements Store. The root cannot be removed.
func (t *SQLTree) CompareAndRemove(ctx context.Context, path string, expected Node) error {
	p, err := canonical(path)
	if err != nil {
		return err
	}
	if p == itempath.Root {
		return syncerr.BadPath("remove", path)
	}

	return t.db.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := readNode(ctx, tx, p)
		if err != nil {
			return err
		}
		if err := checkCAS(path, current, expected, nil); err != nil {
			return err
		}
		return removeSubtree(ctx, tx, p)
	})
}

// Count returns the number of stored nodes, root included.
func (t *SQLTree) Count(ctx context.Context) (int, error) {
	var n int
	if err := t.db.RawDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	return n, nil
}
