package tree

import (
	"context"
	"sort"
	"sync"

	"github.com/picostuff/lockstep/internal/item"
	"github.com/picostuff/lockstep/internal/itempath"
	"github.com/picostuff/lockstep/internal/syncerr"
)

// NodeRef identifies a node inside a MemoryTree. Refs are never reused.
type NodeRef uint64

// memNode is an arena slot. parent is consulted only when detaching.
type memNode struct {
	name     string
	version  string
	parent   NodeRef
	children map[string]NodeRef
}

// MemoryTree is an in-process Store. Nodes live in an arena keyed by
// NodeRef; a node refers to its parent by ref, so there are no pointer
// cycles and detaching is a map delete.
//
// MemoryTree is safe for concurrent use. Each operation holds the tree
// lock for its whole read-compare-write, which is what makes the CAS
// operations atomic.
type MemoryTree struct {
	mu    sync.RWMutex
	nodes map[NodeRef]*memNode
	root  NodeRef
	next  NodeRef
}

var _ Store = (*MemoryTree)(nil)

// NewMemoryTree returns an empty tree holding only the root directory.
func NewMemoryTree() *MemoryTree {
	t := &MemoryTree{
		nodes: make(map[NodeRef]*memNode),
	}
	t.root = t.alloc("", item.DirVersion, 0)
	return t
}

func (t *MemoryTree) alloc(name, version string, parent NodeRef) NodeRef {
	t.next++
	t.nodes[t.next] = &memNode{
		name:     name,
		version:  version,
		parent:   parent,
		children: make(map[string]NodeRef),
	}
	return t.next
}

// Resolve walks path from the root and returns the ref of the node found.
func (t *MemoryTree) Resolve(path string) (NodeRef, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.resolveLocked(path)
}

func (t *MemoryTree) resolveLocked(path string) (NodeRef, error) {
	segments, err := itempath.Split(path)
	if err != nil {
		return 0, err
	}

	ref := t.root
	for i, seg := range segments {
		child, ok := t.nodes[ref].children[seg]
		if !ok {
			return 0, syncerr.MissingNode("resolve", itempath.FromSegments(segments[:i+1]))
		}
		ref = child
	}
	return ref, nil
}

// Read implements Store.
func (t *MemoryTree) Read(_ context.Context, path string) (Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ref, err := t.resolveLocked(path)
	if err != nil {
		return Node{}, err
	}
	n := t.nodes[ref]
	return Node{Name: n.name, Version: n.version}, nil
}

// ChildNames implements Store.
func (t *MemoryTree) ChildNames(_ context.Context, path string) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ref, err := t.resolveLocked(path)
	if err != nil {
		return nil, err
	}
	children := t.nodes[ref].children
	names := make([]string, 0, len(children))
	for name := range children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// AddChild implements Store.
func (t *MemoryTree) AddChild(_ context.Context, path, name, version string) error {
	if err := checkChildName(path, name); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ref, err := t.resolveLocked(path)
	if err != nil {
		return err
	}
	parent := t.nodes[ref]
	if _, exists := parent.children[name]; exists {
		return syncerr.AddDuplicate("add", itempath.Join(path, name))
	}
	parent.children[name] = t.alloc(name, version, ref)
	return nil
}

// RemoveChild implements Store.
func (t *MemoryTree) RemoveChild(_ context.Context, path, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ref, err := t.resolveLocked(path)
	if err != nil {
		return err
	}
	if child, ok := t.nodes[ref].children[name]; ok {
		t.detachLocked(child)
	}
	return nil
}

// CompareAndUpdate implements Store.
func (t *MemoryTree) CompareAndUpdate(_ context.Context, path string, expected, replacement Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ref, err := t.resolveLocked(path)
	if err != nil {
		return err
	}
	n := t.nodes[ref]
	if err := checkCAS(path, Node{Name: n.name, Version: n.version}, expected, &replacement); err != nil {
		return err
	}
	n.version = replacement.Version
	return nil
}

// CompareAndRemove implements Store. The root cannot be removed.
func (t *MemoryTree) CompareAndRemove(_ context.Context, path string, expected Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ref, err := t.resolveLocked(path)
	if err != nil {
		return err
	}
	if ref == t.root {
		return syncerr.BadPath("remove", path)
	}
	n := t.nodes[ref]
	if err := checkCAS(path, Node{Name: n.name, Version: n.version}, expected, nil); err != nil {
		return err
	}
	t.detachLocked(ref)
	return nil
}

// detachLocked unlinks ref from its parent and discards its subtree.
func (t *MemoryTree) detachLocked(ref NodeRef) {
	n := t.nodes[ref]
	if p, ok := t.nodes[n.parent]; ok {
		delete(p.children, n.name)
	}
	t.discardLocked(ref)
}

func (t *MemoryTree) discardLocked(ref NodeRef) {
	for _, child := range t.nodes[ref].children {
		t.discardLocked(child)
	}
	delete(t.nodes, ref)
}

// Len returns the number of live nodes, root included.
func (t *MemoryTree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}
