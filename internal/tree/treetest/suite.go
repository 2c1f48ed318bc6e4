// Package treetest provides a conformance test suite for tree.Store
// implementations.
//
// Example usage:
//
//	func TestMyStore(t *testing.T) {
//	    treetest.TestSuite(t, func(t *testing.T) tree.Store {
//	        return mystore.New()
//	    })
//	}
package treetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/picostuff/lockstep/internal/item"
	"github.com/picostuff/lockstep/internal/syncerr"
	"github.com/picostuff/lockstep/internal/tree"
)

// TestSuite runs every conformance test. newStore must return a fresh
// store holding only the root for each call.
func TestSuite(t *testing.T, newStore func(t *testing.T) tree.Store) {
	t.Run("Resolve", func(t *testing.T) { TestResolve(t, newStore(t)) })
	t.Run("AddChild", func(t *testing.T) { TestAddChild(t, newStore(t)) })
	t.Run("ChildNames", func(t *testing.T) { TestChildNames(t, newStore(t)) })
	t.Run("RemoveChild", func(t *testing.T) { TestRemoveChild(t, newStore(t)) })
	t.Run("CompareAndUpdate", func(t *testing.T) { TestCompareAndUpdate(t, newStore(t)) })
	t.Run("CompareAndRemove", func(t *testing.T) { TestCompareAndRemove(t, newStore(t)) })
	t.Run("Helpers", func(t *testing.T) { TestHelpers(t, newStore(t)) })
	t.Run("ConcurrentCAS", func(t *testing.T) { TestConcurrentCAS(t, newStore(t)) })
}

// seed builds /a (dir), /a/b (file "mydata") and /a/c (dir) with /a/c/d.
func seed(t *testing.T, s tree.Store) {
	t.Helper()
	ctx := context.Background()
	steps := []struct{ path, name, version string }{
		{"/", "a", item.DirVersion},
		{"/a", "b", "mydata"},
		{"/a", "c", item.DirVersion},
		{"/a/c", "d", "deep"},
	}
	for _, st := range steps {
		if err := s.AddChild(ctx, st.path, st.name, st.version); err != nil {
			t.Fatalf("AddChild(%q, %q): got error %v, want nil", st.path, st.name, err)
		}
	}
}

func mustRead(t *testing.T, s tree.Store, path string) tree.Node {
	t.Helper()
	n, err := s.Read(context.Background(), path)
	if err != nil {
		t.Fatalf("Read(%q): got error %v, want nil", path, err)
	}
	return n
}

func wantErr(t *testing.T, op string, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Errorf("%s: got error %v, want %v", op, err, target)
	}
}

// TestResolve covers path validation and lookup.
func TestResolve(t *testing.T, s tree.Store) {
	ctx := context.Background()
	seed(t, s)

	root := mustRead(t, s, "/")
	if !root.IsDir() {
		t.Errorf("root version = %q, want directory", root.Version)
	}

	if got := mustRead(t, s, "/a/b"); got != (tree.Node{Name: "b", Version: "mydata"}) {
		t.Errorf("Read(/a/b) = %+v", got)
	}
	if got := mustRead(t, s, "/a/"); got.Name != "a" {
		t.Errorf("Read(/a/) name = %q, want a", got.Name)
	}

	for _, bad := range []string{"", "a/b", "/a//b", "//"} {
		_, err := s.Read(ctx, bad)
		wantErr(t, fmt.Sprintf("Read(%q)", bad), err, syncerr.ErrBadPath)
	}

	for _, missing := range []string{"/x", "/a/x", "/x/y", "/a/b/z"} {
		_, err := s.Read(ctx, missing)
		wantErr(t, fmt.Sprintf("Read(%q)", missing), err, syncerr.ErrMissingNode)
		if errors.Is(err, syncerr.ErrBadPath) {
			t.Errorf("Read(%q): missing node reported as bad path", missing)
		}
	}
}

// TestAddChild covers creation, duplicates, and bad arguments.
func TestAddChild(t *testing.T, s tree.Store) {
	ctx := context.Background()
	seed(t, s)

	err := s.AddChild(ctx, "/a", "b", "other")
	wantErr(t, "AddChild duplicate", err, syncerr.ErrAddDuplicate)
	if got := mustRead(t, s, "/a/b"); got.Version != "mydata" {
		t.Errorf("duplicate add overwrote version: got %q", got.Version)
	}

	err = s.AddChild(ctx, "/missing", "x", "v")
	wantErr(t, "AddChild under missing parent", err, syncerr.ErrMissingNode)

	for _, name := range []string{"", "x/y"} {
		err = s.AddChild(ctx, "/a", name, "v")
		wantErr(t, fmt.Sprintf("AddChild name %q", name), err, syncerr.ErrBadPath)
	}

	err = s.AddChild(ctx, "a", "x", "v")
	wantErr(t, "AddChild relative parent", err, syncerr.ErrBadPath)
}

// TestChildNames covers enumeration order and leaves.
func TestChildNames(t *testing.T, s tree.Store) {
	ctx := context.Background()
	seed(t, s)
	if err := s.AddChild(ctx, "/a", "a0", "v"); err != nil {
		t.Fatalf("AddChild: got error %v, want nil", err)
	}

	got, err := s.ChildNames(ctx, "/a")
	if err != nil {
		t.Fatalf("ChildNames(/a): got error %v, want nil", err)
	}
	if diff := cmp.Diff([]string{"a0", "b", "c"}, got); diff != "" {
		t.Errorf("ChildNames(/a) mismatch (-want +got):\n%s", diff)
	}

	got, err = s.ChildNames(ctx, "/a/b")
	if err != nil {
		t.Fatalf("ChildNames(/a/b): got error %v, want nil", err)
	}
	if len(got) != 0 {
		t.Errorf("ChildNames(/a/b) = %v, want empty", got)
	}

	_, err = s.ChildNames(ctx, "/nope")
	wantErr(t, "ChildNames missing", err, syncerr.ErrMissingNode)
}

// TestRemoveChild covers subtree removal and idempotence.
func TestRemoveChild(t *testing.T, s tree.Store) {
	ctx := context.Background()
	seed(t, s)

	if err := s.RemoveChild(ctx, "/a", "c"); err != nil {
		t.Fatalf("RemoveChild(/a, c): got error %v, want nil", err)
	}
	for _, p := range []string{"/a/c", "/a/c/d"} {
		_, err := s.Read(ctx, p)
		wantErr(t, fmt.Sprintf("Read(%q) after remove", p), err, syncerr.ErrMissingNode)
	}
	mustRead(t, s, "/a/b")

	if err := s.RemoveChild(ctx, "/a", "c"); err != nil {
		t.Errorf("second RemoveChild: got error %v, want nil", err)
	}

	// A fresh child with the old name starts empty
	if err := tree.AddDir(ctx, s, "/a", "c"); err != nil {
		t.Fatalf("re-add /a/c: got error %v, want nil", err)
	}
	names, err := s.ChildNames(ctx, "/a/c")
	if err != nil || len(names) != 0 {
		t.Errorf("ChildNames(/a/c) after re-add = %v, %v; want empty", names, err)
	}

	err = s.RemoveChild(ctx, "/gone", "x")
	wantErr(t, "RemoveChild under missing parent", err, syncerr.ErrMissingNode)
}

// TestCompareAndUpdate covers the CAS identity rule.
func TestCompareAndUpdate(t *testing.T, s tree.Store) {
	ctx := context.Background()
	seed(t, s)

	orig := mustRead(t, s, "/a/b")
	if err := s.CompareAndUpdate(ctx, "/a/b", orig, tree.Node{Name: "b", Version: "v2"}); err != nil {
		t.Fatalf("CompareAndUpdate: got error %v, want nil", err)
	}
	if got := mustRead(t, s, "/a/b"); got.Version != "v2" {
		t.Errorf("version after update = %q, want v2", got.Version)
	}

	tests := []struct {
		name        string
		expected    tree.Node
		replacement tree.Node
	}{
		{"stale version", orig, tree.Node{Name: "b", Version: "v3"}},
		{"wrong expected name", tree.Node{Name: "x", Version: "v2"}, tree.Node{Name: "x", Version: "v3"}},
		{"rename in replacement", tree.Node{Name: "b", Version: "v2"}, tree.Node{Name: "bb", Version: "v3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.CompareAndUpdate(ctx, "/a/b", tt.expected, tt.replacement)
			wantErr(t, "CompareAndUpdate", err, syncerr.ErrSaveConflict)
			if got := mustRead(t, s, "/a/b"); got != (tree.Node{Name: "b", Version: "v2"}) {
				t.Errorf("node changed after failed CAS: %+v", got)
			}
		})
	}

	err := s.CompareAndUpdate(ctx, "/a/zz", orig, orig)
	wantErr(t, "CompareAndUpdate missing", err, syncerr.ErrMissingNode)
}

// TestCompareAndRemove covers conditional detach.
func TestCompareAndRemove(t *testing.T, s tree.Store) {
	ctx := context.Background()
	seed(t, s)

	err := s.CompareAndRemove(ctx, "/a/c", tree.Node{Name: "c", Version: "stale"})
	wantErr(t, "CompareAndRemove stale", err, syncerr.ErrSaveConflict)
	mustRead(t, s, "/a/c/d")

	err = s.CompareAndRemove(ctx, "/a/c", tree.Node{Name: "x", Version: item.DirVersion})
	wantErr(t, "CompareAndRemove wrong name", err, syncerr.ErrSaveConflict)

	if err := s.CompareAndRemove(ctx, "/a/c", mustRead(t, s, "/a/c")); err != nil {
		t.Fatalf("CompareAndRemove: got error %v, want nil", err)
	}
	_, err = s.Read(ctx, "/a/c/d")
	wantErr(t, "Read removed subtree", err, syncerr.ErrMissingNode)

	err = s.CompareAndRemove(ctx, "/", mustRead(t, s, "/"))
	wantErr(t, "CompareAndRemove root", err, syncerr.ErrBadPath)
}

// TestHelpers covers EnsureDirs, ReadItem and Flatten on top of the store.
func TestHelpers(t *testing.T, s tree.Store) {
	ctx := context.Background()

	if err := tree.EnsureDirs(ctx, s, "/x/y/z"); err != nil {
		t.Fatalf("EnsureDirs: got error %v, want nil", err)
	}
	if err := tree.EnsureDirs(ctx, s, "/x/y/z"); err != nil {
		t.Fatalf("EnsureDirs again: got error %v, want nil", err)
	}
	if err := s.AddChild(ctx, "/x/y", "z", "v1"); err != nil {
		t.Fatalf("AddChild: got error %v, want nil", err)
	}

	err := tree.EnsureDirs(ctx, s, "/x/y/z/w")
	wantErr(t, "EnsureDirs through file", err, syncerr.ErrPathShapeConflict)
	wantErr(t, "EnsureDirs through file", err, syncerr.ErrSaveConflict)

	it, err := tree.ReadItem(ctx, s, "/x/y/z")
	if err != nil {
		t.Fatalf("ReadItem: got error %v, want nil", err)
	}
	if diff := cmp.Diff(item.New("z", "v1"), it); diff != "" {
		t.Errorf("ReadItem mismatch (-want +got):\n%s", diff)
	}
	it, err = tree.ReadItem(ctx, s, "/x/nope/deeper")
	if err != nil || it != nil {
		t.Errorf("ReadItem(missing) = %v, %v; want nil, nil", it, err)
	}

	flat, err := tree.Flatten(ctx, s, "/")
	if err != nil {
		t.Fatalf("Flatten: got error %v, want nil", err)
	}
	want := map[string]tree.Node{
		"/x":     {Name: "x", Version: item.DirVersion},
		"/x/y":   {Name: "y", Version: item.DirVersion},
		"/x/y/z": {Name: "z", Version: "v1"},
	}
	if diff := cmp.Diff(want, flat); diff != "" {
		t.Errorf("Flatten mismatch (-want +got):\n%s", diff)
	}
}

// TestConcurrentCAS races writers that all read the same version. Exactly
// one may win; the rest must see a conflict.
func TestConcurrentCAS(t *testing.T, s tree.Store) {
	ctx := context.Background()
	if err := s.AddChild(ctx, "/", "hot", "v0"); err != nil {
		t.Fatalf("AddChild: got error %v, want nil", err)
	}
	expected := mustRead(t, s, "/hot")

	const writers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      []string
		conflicts int
		others    []error
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v := fmt.Sprintf("w%d", i)
			err := s.CompareAndUpdate(ctx, "/hot", expected, tree.Node{Name: "hot", Version: v})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins = append(wins, v)
			case errors.Is(err, syncerr.ErrSaveConflict):
				conflicts++
			default:
				others = append(others, err)
			}
		}(i)
	}
	wg.Wait()

	if len(others) > 0 {
		t.Fatalf("unexpected errors: %v", others)
	}
	if len(wins) != 1 || conflicts != writers-1 {
		t.Fatalf("wins = %v, conflicts = %d; want exactly one winner", wins, conflicts)
	}
	if got := mustRead(t, s, "/hot"); got.Version != wins[0] {
		t.Errorf("final version = %q, want winner %q", got.Version, wins[0])
	}
}
