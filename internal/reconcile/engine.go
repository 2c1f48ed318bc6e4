// Package reconcile decides and applies the synchronization action for one
// path at a time.
//
// The engine classifies the remote snapshot and the local item against the
// shared baseline, looks the pair up in the transition table, and applies
// the local half of the result. Pushing to the remote is left to the
// caller: a push result means "write this upstream, then call Reconcile
// again with what the remote now holds".
//
// The engine does no locking of its own. Callers must serialize calls for
// the same path; different paths may be reconciled concurrently.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/picostuff/lockstep/internal/baseline"
	"github.com/picostuff/lockstep/internal/item"
	"github.com/picostuff/lockstep/internal/itempath"
	"github.com/picostuff/lockstep/internal/state"
	"github.com/picostuff/lockstep/internal/syncerr"
)

// ErrDeleteRemote is returned by ProcessItem when the local item is gone
// and the remote one is unchanged. The caller must remove the remote item
// and call ProcessItem again with a nil snapshot.
var ErrDeleteRemote = errors.New("remote item must be deleted")

// Replica is the local replica as the engine sees it.
type Replica interface {
	// Read returns the item at path, or nil if absent.
	Read(path string) (*item.Item, error)
	// CompareAndWrite stores item at path, creating parent directories,
	// provided path still holds expected (nil meaning absent). Otherwise
	// it returns syncerr.ErrLocalChanged and writes nothing.
	CompareAndWrite(path string, expected, it *item.Item) error
	// CompareAndDelete removes path and everything below it under the
	// same guard.
	CompareAndDelete(path string, expected *item.Item) error
	// Reject discards the local item at path and everything below it.
	Reject(path string) error
	// MarkSynced clears any pending-change flag on path.
	MarkSynced(path string)
	// Paths lists every local item path.
	Paths() []string
}

// Decision describes one reconciliation step, reported to Config.OnDecision.
type Decision struct {
	Path   string
	Pair   state.Pair
	Action Action
	Err    error
}

// Config tunes an Engine.
type Config struct {
	// Logger receives one line per applied change. If nil, output is
	// discarded.
	Logger *log.Logger

	// OnDecision, if set, is called after every Reconcile that got as far
	// as classifying both sides.
	OnDecision func(Decision)
}

// Result is the outcome of Reconcile.
type Result struct {
	Pair   state.Pair
	Action Action
	// Push is the local item to send upstream when Action is ActionPush.
	Push *item.Item
}

// Engine reconciles individual paths.
type Engine struct {
	replica    Replica
	table      baseline.Table
	logger     *log.Logger
	onDecision func(Decision)
}

// New creates an engine over the local replica and baseline table.
func New(replica Replica, table baseline.Table, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Engine{
		replica:    replica,
		table:      table,
		logger:     logger,
		onDecision: cfg.OnDecision,
	}
}

// Baseline returns the engine's baseline table.
func (e *Engine) Baseline() baseline.Table {
	return e.table
}

// ProcessItem reconciles path against remote (nil when the remote has no
// item there). It returns the local item when the caller must push it
// upstream and re-invoke ProcessItem with the resulting remote snapshot.
// A local deletion to propagate is reported as ErrDeleteRemote.
func (e *Engine) ProcessItem(ctx context.Context, path string, remote *item.Item) (*item.Item, error) {
	res, err := e.Reconcile(ctx, path, remote)
	if err != nil {
		return nil, err
	}
	if res.Action == ActionPushDelete {
		return nil, fmt.Errorf("%w: %s", ErrDeleteRemote, path)
	}
	return res.Push, nil
}

// Reconcile classifies path and applies the local side of the resulting
// action.
//
// Errors: syncerr.ErrBadPath for malformed paths, and syncerr.ErrSaveConflict
// (possibly syncerr.ErrPathShapeConflict) when the sides diverged. A pair
// the classifier cannot produce panics with *syncerr.InvariantError.
func (e *Engine) Reconcile(ctx context.Context, path string, remote *item.Item) (Result, error) {
	if err := itempath.Validate(path); err != nil {
		return Result{}, err
	}

	var base *item.Item
	if b, ok := e.table.Get(path); ok {
		base = b.Item()
	}
	local, err := e.replica.Read(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read local item %s: %w", path, err)
	}

	pair := state.ClassifyPair(remote, local, base)
	if !pair.Reachable() {
		r, l := pair.States()
		panic(&syncerr.InvariantError{Path: path, Remote: r.String(), Local: l.String()})
	}
	action, ok := Decide(pair, item.SameVersion(remote, local))
	if !ok {
		r, l := pair.States()
		panic(&syncerr.InvariantError{Path: path, Remote: r.String(), Local: l.String()})
	}

	res := Result{Pair: pair, Action: action}
	err = e.apply(ctx, path, remote, local, &res)
	if e.onDecision != nil {
		e.onDecision(Decision{Path: path, Pair: pair, Action: res.Action, Err: err})
	}
	if err != nil {
		return Result{Pair: pair, Action: res.Action}, err
	}
	return res, nil
}

func (e *Engine) apply(ctx context.Context, path string, remote, local *item.Item, res *Result) error {
	switch res.Action {
	case ActionNone:
		e.replica.MarkSynced(path)
		return nil

	case ActionUpdateLocal:
		if err := e.replica.CompareAndWrite(path, local, remote); err != nil {
			return fmt.Errorf("failed to update local item %s: %w", path, err)
		}
		if err := e.putBaseline(ctx, path, remote); err != nil {
			return err
		}
		e.logger.Printf("Updated local %s to %s", path, remote.Version)
		return nil

	case ActionUpdateBaseline:
		if err := e.putBaseline(ctx, path, remote); err != nil {
			return err
		}
		e.replica.MarkSynced(path)
		e.logger.Printf("Both sides agree on %s at %s", path, remote.Version)
		return nil

	case ActionPush:
		res.Push = local.Clone()
		return nil

	case ActionPushDelete:
		return nil

	case ActionRemoveLocal:
		if local.IsDir() && e.hasLocalWorkBelow(path) {
			// Keep the directory alive remotely rather than drop local work
			res.Action = ActionPush
			res.Push = local.Clone()
			e.logger.Printf("Remote removed %s but local changes exist below it; pushing it back", path)
			return nil
		}
		if err := e.replica.CompareAndDelete(path, local); err != nil {
			return fmt.Errorf("failed to delete local item %s: %w", path, err)
		}
		if err := e.table.Delete(ctx, path); err != nil {
			return err
		}
		e.logger.Printf("Removed local %s", path)
		return nil

	case ActionDropBaseline:
		if _, ok := e.table.Get(path); !ok {
			return nil
		}
		if err := e.table.Delete(ctx, path); err != nil {
			return err
		}
		e.logger.Printf("Dropped stale baseline for %s", path)
		return nil

	case ActionConflict:
		r, l := res.Pair.States()
		return syncerr.Conflict(path, versionOf(remote), versionOf(local),
			fmt.Sprintf("%s vs %s", r, l))
	}

	return fmt.Errorf("unknown action %v for %s", res.Action, path)
}

func (e *Engine) putBaseline(ctx context.Context, path string, it *item.Item) error {
	entry := item.Baseline{Path: path, Name: it.Name, Version: it.Version}
	if err := e.table.Put(ctx, entry); err != nil {
		return fmt.Errorf("failed to update baseline %s: %w", path, err)
	}
	return nil
}

// hasLocalWorkBelow reports whether any local item below dir differs from
// its baseline.
func (e *Engine) hasLocalWorkBelow(dir string) bool {
	for _, p := range e.replica.Paths() {
		if p == dir || !itempath.IsWithin(p, dir) {
			continue
		}
		local, err := e.replica.Read(p)
		if err != nil || local == nil {
			continue
		}
		b, ok := e.table.Get(p)
		if !ok || b.Version != local.Version {
			return true
		}
	}
	return false
}

// RejectLocalItem discards the local item at path and everything below it,
// together with their baseline entries, so the next Reconcile treats the
// remote as authoritative.
func (e *Engine) RejectLocalItem(ctx context.Context, path string) error {
	if err := itempath.Validate(path); err != nil {
		return err
	}
	if err := e.replica.Reject(path); err != nil {
		return fmt.Errorf("failed to reject local item %s: %w", path, err)
	}
	for _, p := range e.table.Paths() {
		if itempath.IsWithin(p, path) {
			if err := e.table.Delete(ctx, p); err != nil {
				return err
			}
		}
	}
	e.logger.Printf("Rejected local %s", path)
	return nil
}

// LocalItems returns every local item path, sorted.
func (e *Engine) LocalItems() []string {
	return e.replica.Paths()
}

func versionOf(it *item.Item) string {
	if it == nil {
		return ""
	}
	return it.Version
}
