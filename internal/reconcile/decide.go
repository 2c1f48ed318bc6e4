package reconcile

import (
	"fmt"

	"github.com/picostuff/lockstep/internal/state"
)

// Action is what reconciliation does for one (remote, local) pair.
type Action int

const (
	// ActionNone leaves both replicas and the baseline alone.
	ActionNone Action = iota
	// ActionUpdateLocal writes the remote item locally and records it as
	// the baseline.
	ActionUpdateLocal
	// ActionUpdateBaseline records the version both sides already agree on.
	ActionUpdateBaseline
	// ActionPush asks the caller to push the local item upstream.
	ActionPush
	// ActionPushDelete asks the caller to remove the remote item.
	ActionPushDelete
	// ActionRemoveLocal deletes the local item and its baseline entry.
	ActionRemoveLocal
	// ActionDropBaseline deletes a stale baseline entry.
	ActionDropBaseline
	// ActionConflict means the sides diverged incompatibly.
	ActionConflict
)

var actionNames = [...]string{
	ActionNone:           "none",
	ActionUpdateLocal:    "update-local",
	ActionUpdateBaseline: "update-baseline",
	ActionPush:           "push",
	ActionPushDelete:     "push-delete",
	ActionRemoveLocal:    "remove-local",
	ActionDropBaseline:   "drop-baseline",
	ActionConflict:       "conflict",
}

func (a Action) String() string {
	if a >= 0 && int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// MarshalText renders the action name for JSON and YAML output.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// rule is one row of the transition table. When the two sides hold the
// same version, same applies instead of action.
type rule struct {
	action Action
	same   *Action
}

func act(a Action) rule { return rule{action: a} }

func sameOr(same, otherwise Action) rule { return rule{action: otherwise, same: &same} }

// transitions maps every reachable pair to its rule. The (CHANGED, NOTHING)
// row cannot be produced by the classifier; it is kept so Decide stays
// total over the documented table.
var transitions = map[state.Pair]rule{
	{Remote: state.Changed, Local: state.Unchanged}: act(ActionUpdateLocal),
	{Remote: state.Changed, Local: state.Nothing}:   act(ActionUpdateLocal),
	{Remote: state.Changed, Local: state.Changed}:   sameOr(ActionUpdateBaseline, ActionConflict),
	{Remote: state.Changed, Local: state.Deleted}:   act(ActionUpdateLocal),

	{Remote: state.New, Local: state.Nothing}: act(ActionUpdateLocal),
	{Remote: state.New, Local: state.New}:     sameOr(ActionUpdateBaseline, ActionConflict),

	{Remote: state.Nothing, Local: state.New}:     act(ActionPush),
	{Remote: state.Nothing, Local: state.Nothing}: act(ActionDropBaseline),

	{Remote: state.Unchanged, Local: state.Changed}:   act(ActionPush),
	{Remote: state.Unchanged, Local: state.Unchanged}: act(ActionNone),
	{Remote: state.Unchanged, Local: state.Deleted}:   act(ActionPushDelete),

	{Remote: state.Deleted, Local: state.Unchanged}: act(ActionRemoveLocal),
	{Remote: state.Deleted, Local: state.Changed}:   act(ActionConflict),
	{Remote: state.Deleted, Local: state.Deleted}:   act(ActionDropBaseline),
}

// Decide returns the action for p. sameVersion reports whether both sides
// are present with equal version tokens. ok is false for pairs the table
// does not cover.
func Decide(p state.Pair, sameVersion bool) (a Action, ok bool) {
	r, ok := transitions[p]
	if !ok {
		return ActionNone, false
	}
	if sameVersion && r.same != nil {
		return *r.same, true
	}
	return r.action, true
}
