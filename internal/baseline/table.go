// Package baseline stores the last version of each item confirmed
// identical on both replicas.
//
// Reads are served from memory. The SQL-backed table writes through to
// SQLite and replays every row into memory when it is opened, so a
// restarted process picks up where it left off instead of treating every
// item as new.
package baseline

import (
	"context"
	"sort"
	"sync"

	"github.com/picostuff/lockstep/internal/item"
)

// Table is the baseline store consulted by the reconciliation engine.
// Callers serialize access per path; the table itself only guarantees
// that concurrent operations on different paths are safe.
type Table interface {
	// Get returns the entry for path, if any.
	Get(path string) (*item.Baseline, bool)

	// Put records entry, replacing any previous entry for its path.
	Put(ctx context.Context, entry item.Baseline) error

	// Delete drops the entry for path. Deleting an absent entry is not an
	// error.
	Delete(ctx context.Context, path string) error

	// Paths returns every path with an entry, sorted.
	Paths() []string

	// Len returns the number of entries.
	Len() int
}

// MemoryTable is a Table held entirely in memory.
type MemoryTable struct {
	mu      sync.RWMutex
	entries map[string]item.Baseline
}

var _ Table = (*MemoryTable)(nil)

// NewMemoryTable returns an empty table.
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{entries: make(map[string]item.Baseline)}
}

// Get implements Table.
func (m *MemoryTable) Get(path string) (*item.Baseline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[path]
	if !ok {
		return nil, false
	}
	return &e, true
}

// Put implements Table.
func (m *MemoryTable) Put(_ context.Context, entry item.Baseline) error {
	m.mu.Lock()
	m.entries[entry.Path] = entry
	m.mu.Unlock()
	return nil
}

// Delete implements Table.
func (m *MemoryTable) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	delete(m.entries, path)
	m.mu.Unlock()
	return nil
}

// Paths implements Table.
func (m *MemoryTable) Paths() []string {
	m.mu.RLock()
	paths := make([]string, 0, len(m.entries))
	for p := range m.entries {
		paths = append(paths, p)
	}
	m.mu.RUnlock()
	sort.Strings(paths)
	return paths
}

// Len implements Table.
func (m *MemoryTable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Entries returns a sorted snapshot of every entry in t.
func Entries(t Table) []item.Baseline {
	paths := t.Paths()
	out := make([]item.Baseline, 0, len(paths))
	for _, p := range paths {
		if e, ok := t.Get(p); ok {
			out = append(out, *e)
		}
	}
	return out
}
