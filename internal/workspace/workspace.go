// Package workspace holds the local replica: an index of item paths to
// versions, fed by local change detection and updated by reconciliation.
//
// Content transfer is not part of lockstep; the index is the replica. The
// Scanner and Watcher turn on-disk changes into RefreshLocalItem and
// RemoveLocalItem calls, while reconciliation writes remote versions with
// Write and Delete.
package workspace

import (
	"io"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/picostuff/lockstep/internal/item"
	"github.com/picostuff/lockstep/internal/itempath"
	"github.com/picostuff/lockstep/internal/syncerr"
)

// Listener is notified of local changes. Callbacks run synchronously with
// the workspace lock released.
type Listener interface {
	ItemAddedLocally(path string)
	ItemChangedLocally(path string, old item.Item)
	ItemDeletedLocally(path string, old item.Item)
}

// Entry is a snapshot of one indexed item.
type Entry struct {
	Path    string `json:"path" yaml:"path"`
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
	Changed bool   `json:"changed" yaml:"changed"`
}

type entry struct {
	name    string
	version string
}

// Workspace is the local item index. It is safe for concurrent use.
// Reconciliation writes go through CompareAndWrite and CompareAndDelete so
// that a local change recorded after the item was read is never
// overwritten.
type Workspace struct {
	mu        sync.RWMutex
	items     map[string]*entry
	changed   map[string]struct{}
	listeners []Listener
	logger    *log.Logger
}

// New creates an empty workspace. A nil logger discards output.
func New(logger *log.Logger) *Workspace {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Workspace{
		items:   make(map[string]*entry),
		changed: make(map[string]struct{}),
		logger:  logger,
	}
}

// AddListener registers l for local change notifications.
func (w *Workspace) AddListener(l Listener) {
	w.mu.Lock()
	w.listeners = append(w.listeners, l)
	w.mu.Unlock()
}

// notification is a deferred listener callback, fired after unlocking.
type notification func(Listener)

func (w *Workspace) fire(notes []notification) {
	if len(notes) == 0 {
		return
	}
	w.mu.RLock()
	listeners := append([]Listener(nil), w.listeners...)
	w.mu.RUnlock()

	for _, note := range notes {
		for _, l := range listeners {
			note(l)
		}
	}
}

// Read returns the item at path, or nil when it is absent.
func (w *Workspace) Read(path string) (*item.Item, error) {
	if err := itempath.Validate(path); err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()

	e, ok := w.items[path]
	if !ok {
		return nil, nil
	}
	return item.New(e.name, e.version), nil
}

// IsChanged reports whether path has local changes not yet synced.
func (w *Workspace) IsChanged(path string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.changed[path]
	return ok
}

// ensureParentsLocked makes sure every ancestor of path exists as a
// directory. New directories are marked changed when local is true.
func (w *Workspace) ensureParentsLocked(path string, local bool) ([]notification, error) {
	ancestors, err := itempath.Ancestors(path)
	if err != nil {
		return nil, err
	}

	var notes []notification
	for _, dir := range ancestors {
		if e, ok := w.items[dir]; ok {
			if e.version != item.DirVersion {
				return nil, syncerr.ShapeConflict(path, dir, e.version)
			}
			continue
		}
		w.items[dir] = &entry{name: itempath.Name(dir), version: item.DirVersion}
		if local {
			w.changed[dir] = struct{}{}
			p := dir
			notes = append(notes, func(l Listener) { l.ItemAddedLocally(p) })
		}
	}
	return notes, nil
}

// hasChildrenLocked reports whether any item lives below path.
func (w *Workspace) hasChildrenLocked(path string) bool {
	prefix := path + "/"
	for p := range w.items {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// checkShapeLocked rejects turning a directory with children into a file.
func (w *Workspace) checkShapeLocked(path, version string) error {
	old, ok := w.items[path]
	if ok && old.version == item.DirVersion && version != item.DirVersion && w.hasChildrenLocked(path) {
		return syncerr.ShapeConflict(path, path, version)
	}
	return nil
}

// RefreshLocalItem records a local add or change of path to version,
// creating implicit parent directories. Listeners hear about every item
// that is new or whose version differs; refreshing to the same version is
// a no-op.
func (w *Workspace) RefreshLocalItem(path, version string) error {
	w.mu.Lock()
	notes, err := w.refreshLocked(path, version)
	w.mu.Unlock()
	if err != nil {
		return err
	}
	w.fire(notes)
	return nil
}

func (w *Workspace) refreshLocked(path, version string) ([]notification, error) {
	if err := itempath.Validate(path); err != nil {
		return nil, err
	}
	if err := w.checkShapeLocked(path, version); err != nil {
		return nil, err
	}
	notes, err := w.ensureParentsLocked(path, true)
	if err != nil {
		return nil, err
	}

	old, ok := w.items[path]
	switch {
	case !ok:
		w.items[path] = &entry{name: itempath.Name(path), version: version}
		w.changed[path] = struct{}{}
		notes = append(notes, func(l Listener) { l.ItemAddedLocally(path) })
	case old.version != version:
		prev := item.Item{Name: old.name, Version: old.version}
		w.items[path] = &entry{name: old.name, version: version}
		w.changed[path] = struct{}{}
		notes = append(notes, func(l Listener) { l.ItemChangedLocally(path, prev) })
	}
	return notes, nil
}

// RemoveLocalItem records a local deletion of path and everything below it.
func (w *Workspace) RemoveLocalItem(path string) error {
	if err := itempath.Validate(path); err != nil {
		return err
	}

	w.mu.Lock()
	removed := w.removeLocked(path)
	w.mu.Unlock()

	notes := make([]notification, 0, len(removed))
	for _, r := range removed {
		r := r
		notes = append(notes, func(l Listener) { l.ItemDeletedLocally(r.Path, item.Item{Name: r.Name, Version: r.Version}) })
	}
	w.fire(notes)
	return nil
}

// removeLocked drops path and its descendants, returning what was removed
// deepest first.
func (w *Workspace) removeLocked(path string) []Entry {
	var removed []Entry
	prefix := path + "/"
	for p, e := range w.items {
		if p == path || strings.HasPrefix(p, prefix) {
			removed = append(removed, Entry{Path: p, Name: e.name, Version: e.version})
			delete(w.items, p)
			delete(w.changed, p)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Path > removed[j].Path })
	return removed
}

// Write stores a remote version of path locally, creating parent
// directories. The item is not marked changed.
func (w *Workspace) Write(path string, it *item.Item) error {
	if err := itempath.Validate(path); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLocked(path, it)
}

// CompareAndWrite is Write guarded by the local item the caller last read:
// it fails with syncerr.ErrLocalChanged, writing nothing, unless path still
// holds expected's version (or is absent when expected is nil).
func (w *Workspace) CompareAndWrite(path string, expected, it *item.Item) error {
	if err := itempath.Validate(path); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkCurrentLocked(path, expected); err != nil {
		return err
	}
	return w.writeLocked(path, it)
}

func (w *Workspace) writeLocked(path string, it *item.Item) error {
	if err := w.checkShapeLocked(path, it.Version); err != nil {
		return err
	}
	if _, err := w.ensureParentsLocked(path, false); err != nil {
		return err
	}
	w.items[path] = &entry{name: itempath.Name(path), version: it.Version}
	delete(w.changed, path)
	return nil
}

// checkCurrentLocked returns syncerr.ErrLocalChanged unless path holds
// expected's version, or nothing when expected is nil.
func (w *Workspace) checkCurrentLocked(path string, expected *item.Item) error {
	cur, ok := w.items[path]
	switch {
	case !ok && expected == nil:
		return nil
	case ok && expected != nil && cur.version == expected.Version:
		return nil
	}

	var want, found string
	if expected != nil {
		want = expected.Version
	}
	if ok {
		found = cur.version
	}
	return syncerr.LocalChanged(path, want, found)
}

// Delete removes path and its descendants on behalf of a remote deletion.
// Deleting an absent item is not an error.
func (w *Workspace) Delete(path string) error {
	if err := itempath.Validate(path); err != nil {
		return err
	}
	w.mu.Lock()
	w.removeLocked(path)
	w.mu.Unlock()
	return nil
}

// CompareAndDelete is Delete guarded the same way as CompareAndWrite.
func (w *Workspace) CompareAndDelete(path string, expected *item.Item) error {
	if err := itempath.Validate(path); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkCurrentLocked(path, expected); err != nil {
		return err
	}
	w.removeLocked(path)
	return nil
}

// Reject discards the local item at path, along with anything below it,
// so the remote version can take its place.
func (w *Workspace) Reject(path string) error {
	if err := itempath.Validate(path); err != nil {
		return err
	}
	w.mu.Lock()
	removed := w.removeLocked(path)
	w.mu.Unlock()

	for _, r := range removed {
		w.logger.Printf("Rejected local item %s (version %s)", r.Path, r.Version)
	}
	return nil
}

// MarkSynced clears the changed flag of path.
func (w *Workspace) MarkSynced(path string) {
	w.mu.Lock()
	delete(w.changed, path)
	w.mu.Unlock()
}

// ChangedPaths returns up to max changed paths, shallowest first so
// parents are synced before their children. max <= 0 means no limit.
func (w *Workspace) ChangedPaths(max int) []string {
	w.mu.RLock()
	paths := make([]string, 0, len(w.changed))
	for p := range w.changed {
		paths = append(paths, p)
	}
	w.mu.RUnlock()

	itempath.SortShallowFirst(paths)
	if max > 0 && len(paths) > max {
		paths = paths[:max]
	}
	return paths
}

// Paths returns every indexed path, sorted.
func (w *Workspace) Paths() []string {
	w.mu.RLock()
	paths := make([]string, 0, len(w.items))
	for p := range w.items {
		paths = append(paths, p)
	}
	w.mu.RUnlock()
	sort.Strings(paths)
	return paths
}

// Entries returns a sorted snapshot of the index.
func (w *Workspace) Entries() []Entry {
	w.mu.RLock()
	out := make([]Entry, 0, len(w.items))
	for p, e := range w.items {
		_, changed := w.changed[p]
		out = append(out, Entry{Path: p, Name: e.name, Version: e.version, Changed: changed})
	}
	w.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Len returns the number of indexed items.
func (w *Workspace) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.items)
}
