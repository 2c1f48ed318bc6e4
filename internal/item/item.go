// Package item holds the value types shared by the local workspace, the
// remote tree, and the baseline table.
package item

// DirVersion is the reserved version token marking a directory. Content
// versions must never use it.
const DirVersion = "dir"

// Item is a named entry with an opaque version token. Two items are the
// same version iff their tokens are equal; tokens carry no ordering.
//
// A nil *Item stands for "absent" wherever a snapshot is passed around.
type Item struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// New returns a file item.
func New(name, version string) *Item {
	return &Item{Name: name, Version: version}
}

// Dir returns a directory item.
func Dir(name string) *Item {
	return &Item{Name: name, Version: DirVersion}
}

// IsDir reports whether the item is a directory marker.
func (i *Item) IsDir() bool {
	return i != nil && i.Version == DirVersion
}

// Clone returns a copy of i, or nil for nil.
func (i *Item) Clone() *Item {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

// SameVersion reports whether a and b are both present with equal tokens.
func SameVersion(a, b *Item) bool {
	return a != nil && b != nil && a.Version == b.Version
}

// Baseline is the last version of an item confirmed identical on both
// replicas, keyed by path.
type Baseline struct {
	Path    string `json:"path"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Item returns the baseline as an item value.
func (b *Baseline) Item() *Item {
	if b == nil {
		return nil
	}
	return &Item{Name: b.Name, Version: b.Version}
}
