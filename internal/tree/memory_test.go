package tree_test

import (
	"context"
	"errors"
	"testing"

	"github.com/picostuff/lockstep/internal/item"
	"github.com/picostuff/lockstep/internal/syncerr"
	"github.com/picostuff/lockstep/internal/tree"
	"github.com/picostuff/lockstep/internal/tree/treetest"
)

func TestMemoryTree_Conformance(t *testing.T) {
	treetest.TestSuite(t, func(t *testing.T) tree.Store {
		return tree.NewMemoryTree()
	})
}

func TestMemoryTree_RemoveDiscardsSubtree(t *testing.T) {
	ctx := context.Background()
	mt := tree.NewMemoryTree()

	if err := tree.EnsureDirs(ctx, mt, "/a/b/c/leaf"); err != nil {
		t.Fatalf("EnsureDirs failed: %v", err)
	}
	if err := mt.AddChild(ctx, "/a/b/c", "leaf", "v1"); err != nil {
		t.Fatalf("AddChild failed: %v", err)
	}
	if got := mt.Len(); got != 5 {
		t.Fatalf("Len() = %d, want 5", got)
	}

	ref, err := mt.Resolve("/a/b")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if err := mt.RemoveChild(ctx, "/a", "b"); err != nil {
		t.Fatalf("RemoveChild failed: %v", err)
	}
	if got := mt.Len(); got != 2 {
		t.Errorf("Len() after remove = %d, want 2", got)
	}

	// Re-adding allocates a new ref; the old one is never reused
	if err := tree.AddDir(ctx, mt, "/a", "b"); err != nil {
		t.Fatalf("AddDir failed: %v", err)
	}
	ref2, err := mt.Resolve("/a/b")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if ref2 == ref {
		t.Errorf("ref reused after discard: %d", ref)
	}
}

func TestMemoryTree_ResolveRoot(t *testing.T) {
	mt := tree.NewMemoryTree()
	ref, err := mt.Resolve("/")
	if err != nil {
		t.Fatalf("Resolve(/) failed: %v", err)
	}
	if ref == 0 {
		t.Errorf("root ref is zero")
	}

	if _, err := mt.Resolve("a/b"); !errors.Is(err, syncerr.ErrBadPath) {
		t.Errorf("Resolve(a/b) error = %v, want ErrBadPath", err)
	}
}

func TestMemoryTree_ReadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	mt := tree.NewMemoryTree()
	if err := mt.AddChild(ctx, "/", "f", "v1"); err != nil {
		t.Fatalf("AddChild failed: %v", err)
	}

	n, _ := mt.Read(ctx, "/f")
	n.Version = "tampered"

	it, err := tree.ReadItem(ctx, mt, "/f")
	if err != nil {
		t.Fatalf("ReadItem failed: %v", err)
	}
	if it.Version != "v1" || it.IsDir() {
		t.Errorf("store state changed through copy: %+v", it)
	}
	if it.Version == item.DirVersion {
		t.Errorf("file carries directory token")
	}
}
