package tree_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/picostuff/lockstep/internal/db"
	"github.com/picostuff/lockstep/internal/tree"
	"github.com/picostuff/lockstep/internal/tree/treetest"
)

// openSQLTree opens a tree in a fresh temp database and closes it with the test
func openSQLTree(t *testing.T) *tree.SQLTree {
	t.Helper()
	st, err := tree.OpenSQL(context.Background(), filepath.Join(t.TempDir(), "remote.db"))
	if err != nil {
		t.Fatalf("OpenSQL failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLTree_Conformance(t *testing.T) {
	treetest.TestSuite(t, func(t *testing.T) tree.Store {
		return openSQLTree(t)
	})
}

func TestSQLTree_Persistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "remote.db")

	st, err := tree.OpenSQL(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQL failed: %v", err)
	}
	if err := tree.EnsureDirs(ctx, st, "/docs/readme"); err != nil {
		t.Fatalf("EnsureDirs failed: %v", err)
	}
	if err := st.AddChild(ctx, "/docs", "readme", "v1"); err != nil {
		t.Fatalf("AddChild failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	st, err = tree.OpenSQL(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer st.Close()

	n, err := st.Read(ctx, "/docs/readme")
	if err != nil {
		t.Fatalf("Read after reopen failed: %v", err)
	}
	if n.Version != "v1" {
		t.Errorf("version = %q, want v1", n.Version)
	}

	count, err := st.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 3 {
		t.Errorf("Count() = %d, want 3", count)
	}
}

func TestSQLTree_LikeMetacharacters(t *testing.T) {
	ctx := context.Background()
	st := openSQLTree(t)

	// "a_c" must not match "abc" when removing a subtree
	for _, name := range []string{"a_c", "abc"} {
		if err := tree.AddDir(ctx, st, "/", name); err != nil {
			t.Fatalf("AddDir(%s) failed: %v", name, err)
		}
		if err := st.AddChild(ctx, "/"+name, "f", "v"); err != nil {
			t.Fatalf("AddChild failed: %v", err)
		}
	}

	if err := st.RemoveChild(ctx, "/", "a_c"); err != nil {
		t.Fatalf("RemoveChild failed: %v", err)
	}
	if _, err := st.Read(ctx, "/abc/f"); err != nil {
		t.Errorf("sibling subtree removed: %v", err)
	}
}

func TestSQLTree_SharedDatabase(t *testing.T) {
	ctx := context.Background()
	database, err := db.Open(filepath.Join(t.TempDir(), "shared.db"))
	if err != nil {
		t.Fatalf("db.Open failed: %v", err)
	}
	defer database.Close()

	st, err := tree.NewSQLTree(ctx, database)
	if err != nil {
		t.Fatalf("NewSQLTree failed: %v", err)
	}
	// Close must leave a borrowed database open
	if err := st.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := database.RawDB().PingContext(ctx); err != nil {
		t.Errorf("database closed by tree: %v", err)
	}
}
