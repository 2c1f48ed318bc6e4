// Package state classifies one side of a sync pair against the shared
// baseline.
//
// Both sides are classified by the same function against the same
// baseline entry, which is what limits the reachable (remote, local) pairs
// to thirteen.
package state

import (
	"fmt"

	"github.com/picostuff/lockstep/internal/item"
)

// Role names a replica.
type Role int

const (
	Local Role = iota
	Remote
)

func (r Role) String() string {
	switch r {
	case Local:
		return "LOCAL"
	case Remote:
		return "REMOTE"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Kind is the symbolic state of one side relative to the baseline.
type Kind int

const (
	Nothing Kind = iota
	New
	Unchanged
	Changed
	Deleted
)

var kindNames = [...]string{
	Nothing:   "NOTHING",
	New:       "NEW",
	Unchanged: "UNCHANGED",
	Changed:   "CHANGED",
	Deleted:   "DELETED",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Kinds lists every kind in declaration order.
var Kinds = []Kind{Nothing, New, Unchanged, Changed, Deleted}

// State is a kind tagged with the side it describes.
type State struct {
	Role Role
	Kind Kind
}

// String renders e.g. "LOCAL_CHANGED".
func (s State) String() string {
	return s.Role.String() + "_" + s.Kind.String()
}

// Classify maps the current item and the baseline (either may be nil) to a
// kind. It is total.
func Classify(current, baseline *item.Item) Kind {
	if current == nil {
		if baseline == nil {
			return Nothing
		}
		return Deleted
	}
	switch {
	case baseline == nil:
		return New
	case current.Version != baseline.Version:
		return Changed
	default:
		return Unchanged
	}
}

// Of classifies current for the given side.
func Of(role Role, current, baseline *item.Item) State {
	return State{Role: role, Kind: Classify(current, baseline)}
}

// Pair is the classification of both sides against one baseline.
type Pair struct {
	Remote Kind
	Local  Kind
}

// ClassifyPair classifies both sides against the same baseline.
func ClassifyPair(remote, local, baseline *item.Item) Pair {
	return Pair{
		Remote: Of(Remote, remote, baseline).Kind,
		Local:  Of(Local, local, baseline).Kind,
	}
}

// States returns the pair as role-tagged states.
func (p Pair) States() (remote, local State) {
	return State{Role: Remote, Kind: p.Remote}, State{Role: Local, Kind: p.Local}
}

func (p Pair) String() string {
	r, l := p.States()
	return fmt.Sprintf("(%s, %s)", r, l)
}

// withoutBaseline reports whether k can be produced with no baseline entry.
func withoutBaseline(k Kind) bool {
	return k == Nothing || k == New
}

// withBaseline reports whether k can be produced with a baseline entry.
func withBaseline(k Kind) bool {
	return k == Deleted || k == Changed || k == Unchanged
}

// Reachable reports whether two classifications sharing a baseline can
// produce p: both sides drawn from {NOTHING, NEW}, or both from
// {DELETED, CHANGED, UNCHANGED}.
func (p Pair) Reachable() bool {
	return (withoutBaseline(p.Remote) && withoutBaseline(p.Local)) ||
		(withBaseline(p.Remote) && withBaseline(p.Local))
}

// ReachablePairs enumerates the thirteen reachable pairs.
func ReachablePairs() []Pair {
	var pairs []Pair
	for _, r := range Kinds {
		for _, l := range Kinds {
			if p := (Pair{Remote: r, Local: l}); p.Reachable() {
				pairs = append(pairs, p)
			}
		}
	}
	return pairs
}
