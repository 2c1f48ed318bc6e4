// Package tree provides the versioned hierarchical store that stands in for
// the remote replica.
//
// Every node has a name and an opaque version token. Mutation follows an
// optimistic-concurrency discipline: callers read a copy, then write with
// CompareAndUpdate or CompareAndRemove, passing the copy they read as the
// expected state. If anyone changed the node in between, the write fails
// with syncerr.ErrSaveConflict and the caller starts over.
//
// Two backends implement Store: MemoryTree, an in-process arena, and
// SQLTree, which keeps nodes in a SQLite table so several processes can
// share one remote.
package tree

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/picostuff/lockstep/internal/item"
	"github.com/picostuff/lockstep/internal/itempath"
	"github.com/picostuff/lockstep/internal/syncerr"
)

// Node is a value copy of a tree node. Holding a Node never gives access
// to store internals.
type Node struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

// IsDir reports whether the node carries the directory token.
func (n Node) IsDir() bool {
	return n.Version == item.DirVersion
}

// Item converts the node to an item snapshot.
func (n Node) Item() *item.Item {
	return &item.Item{Name: n.Name, Version: n.Version}
}

// FromItem converts an item snapshot to a node value.
func FromItem(i *item.Item) Node {
	return Node{Name: i.Name, Version: i.Version}
}

// Store is the contract every remote tree backend implements.
//
// Paths are absolute and "/"-delimited; see itempath.Split for the accepted
// forms. Malformed paths fail with syncerr.ErrBadPath, and a path whose
// segments do not resolve fails with syncerr.ErrMissingNode.
type Store interface {
	// Read returns a copy of the node at path.
	Read(ctx context.Context, path string) (Node, error)

	// ChildNames returns the names of the node's direct children in
	// lexical order.
	ChildNames(ctx context.Context, path string) ([]string, error)

	// AddChild creates a child under path. Fails with
	// syncerr.ErrAddDuplicate if name is already present.
	AddChild(ctx context.Context, path, name, version string) error

	// RemoveChild detaches and discards the named child and its subtree.
	// Removing an absent child is not an error.
	RemoveChild(ctx context.Context, path, name string) error

	// CompareAndUpdate replaces the version of the node at path. It fails
	// with syncerr.ErrSaveConflict unless expected.Name, the current name
	// and replacement.Name all agree and expected.Version equals the
	// current version. Only the version is carried over from replacement.
	CompareAndUpdate(ctx context.Context, path string, expected, replacement Node) error

	// CompareAndRemove detaches the node at path, subject to the same
	// name and version check as CompareAndUpdate.
	CompareAndRemove(ctx context.Context, path string, expected Node) error
}

// checkChildName validates a name passed to AddChild.
func checkChildName(path, name string) error {
	if name == "" || strings.Contains(name, "/") {
		return syncerr.BadPath("add", itempath.Join(path, name))
	}
	return nil
}

// checkCAS applies the compare-and-swap identity rule shared by backends.
func checkCAS(path string, current, expected Node, replacement *Node) error {
	if expected.Name != current.Name {
		return syncerr.Conflict(path, expected.Version, current.Version,
			fmt.Sprintf("expected name %q, found %q", expected.Name, current.Name))
	}
	if replacement != nil && replacement.Name != expected.Name {
		return syncerr.Conflict(path, expected.Version, current.Version,
			fmt.Sprintf("replacement renames %q to %q", expected.Name, replacement.Name))
	}
	if expected.Version != current.Version {
		return syncerr.Conflict(path, expected.Version, current.Version, "")
	}
	return nil
}

// ReadItem returns the item at path, or nil when nothing exists there.
// Unlike Read it treats syncerr.ErrMissingNode as absence.
func ReadItem(ctx context.Context, s Store, path string) (*item.Item, error) {
	n, err := s.Read(ctx, path)
	if errors.Is(err, syncerr.ErrMissingNode) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return n.Item(), nil
}

// AddDir adds a directory child under path.
func AddDir(ctx context.Context, s Store, path, name string) error {
	return s.AddChild(ctx, path, name, item.DirVersion)
}

// EnsureDirs creates every missing ancestor directory of the item key p.
//
// A concurrent writer adding the same directory is tolerated. An ancestor
// that exists with a content version fails with
// syncerr.ErrPathShapeConflict.
func EnsureDirs(ctx context.Context, s Store, p string) error {
	ancestors, err := itempath.Ancestors(p)
	if err != nil {
		return err
	}

	for _, dir := range ancestors {
		n, err := s.Read(ctx, dir)
		switch {
		case err == nil:
			if !n.IsDir() {
				return syncerr.ShapeConflict(p, dir, n.Version)
			}
			continue
		case !errors.Is(err, syncerr.ErrMissingNode):
			return err
		}

		err = AddDir(ctx, s, itempath.Parent(dir), itempath.Name(dir))
		if errors.Is(err, syncerr.ErrAddDuplicate) {
			// Someone else created it; make sure they created a directory
			n, err = s.Read(ctx, dir)
			if err != nil {
				return err
			}
			if !n.IsDir() {
				return syncerr.ShapeConflict(p, dir, n.Version)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// WalkFunc is called for each node visited by Walk.
type WalkFunc func(path string, n Node) error

// Walk visits every node below root depth-first, children in lexical
// order, parents before children. Only directories are descended into.
// The root itself is visited unless it is the tree root. Nodes removed
// concurrently are skipped.
func Walk(ctx context.Context, s Store, root string, fn WalkFunc) error {
	n, err := s.Read(ctx, root)
	if err != nil {
		return err
	}
	segments, _ := itempath.Split(root)
	return walk(ctx, s, itempath.FromSegments(segments), n, fn)
}

func walk(ctx context.Context, s Store, p string, n Node, fn WalkFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p != itempath.Root {
		if err := fn(p, n); err != nil {
			return err
		}
	}
	if !n.IsDir() {
		return nil
	}

	names, err := s.ChildNames(ctx, p)
	if errors.Is(err, syncerr.ErrMissingNode) {
		return nil
	}
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		child := itempath.Join(p, name)
		cn, err := s.Read(ctx, child)
		if errors.Is(err, syncerr.ErrMissingNode) {
			continue
		}
		if err != nil {
			return err
		}
		if err := walk(ctx, s, child, cn, fn); err != nil {
			return err
		}
	}
	return nil
}

// Flatten returns every node below root keyed by path.
func Flatten(ctx context.Context, s Store, root string) (map[string]Node, error) {
	result := make(map[string]Node)
	err := Walk(ctx, s, root, func(p string, n Node) error {
		result[p] = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
