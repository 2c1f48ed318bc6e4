// Package worker drives reconciliation against a remote tree: it feeds
// remote snapshots to the engine, performs the pushes the engine asks for
// with compare-and-swap writes, and applies the reject-and-retry protocol
// when the sides conflict.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/picostuff/lockstep/internal/item"
	"github.com/picostuff/lockstep/internal/itempath"
	"github.com/picostuff/lockstep/internal/reconcile"
	"github.com/picostuff/lockstep/internal/syncerr"
	"github.com/picostuff/lockstep/internal/tree"
)

// maxSteps bounds reconcile/push rounds inside one attempt. A push is
// normally confirmed by the very next round.
const maxSteps = 4

// Config holds worker settings.
type Config struct {
	// MaxAttempts is the retry budget per path. Defaults to 3.
	MaxAttempts int

	// Logger for sync events. If nil, uses default logger with "[worker] " prefix.
	Logger *log.Logger

	// OnOutcome, if set, is called after every SyncPath.
	OnOutcome func(Outcome)

	// OnReport, if set, is called after every FullSync.
	OnReport func(*Report)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Logger:      log.New(os.Stderr, "[worker] ", log.LstdFlags),
	}
}

// Worker syncs paths between the engine's local replica and a remote tree.
// It serializes work per path, so it is safe to call from many goroutines.
type Worker struct {
	engine *reconcile.Engine
	remote tree.Store
	config Config
	logger *log.Logger
	locks  *keyLock
}

// New creates a worker.
func New(engine *reconcile.Engine, remote tree.Store, config Config) *Worker {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[worker] ", log.LstdFlags)
	}
	return &Worker{
		engine: engine,
		remote: remote,
		config: config,
		logger: config.Logger,
		locks:  newKeyLock(),
	}
}

// SyncPath reconciles one path until it settles.
//
// Conflicts raised by the engine reject the local item before the next
// attempt. Conflicts raised by the remote store (another writer got there
// first) and local edits that landed mid-reconcile just retry. After MaxAttempts the returned error wraps both
// syncerr.ErrRetryBudgetExhausted and the last conflict.
func (w *Worker) SyncPath(ctx context.Context, path string) (Outcome, error) {
	unlock := w.locks.Lock(path)
	defer unlock()

	out := Outcome{Path: path}
	err := w.syncLocked(ctx, path, &out)
	out.Err = err
	if w.config.OnOutcome != nil {
		w.config.OnOutcome(out)
	}
	return out, err
}

func (w *Worker) syncLocked(ctx context.Context, path string, out *Outcome) error {
	var lastErr error
	for out.Attempts < w.config.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return err
		}
		out.Attempts++

		reject, err := w.attempt(ctx, path, out)
		if err == nil {
			return nil
		}
		if !syncerr.IsRetryable(err) && !errors.Is(err, syncerr.ErrAddDuplicate) {
			return err
		}
		lastErr = err

		if reject {
			if err := w.engine.RejectLocalItem(ctx, path); err != nil {
				return err
			}
			out.Rejected = true
			w.logger.Printf("Conflict on %s (attempt %d): %v; local item rejected", path, out.Attempts, lastErr)
		} else {
			w.logger.Printf("%s changed during sync (attempt %d): %v; retrying", path, out.Attempts, lastErr)
		}
	}

	return fmt.Errorf("%w: %s after %d attempts: %w",
		syncerr.ErrRetryBudgetExhausted, path, out.Attempts, lastErr)
}

// attempt runs reconcile/push rounds until the engine has nothing left to
// push. reject is true when the error came from the engine, meaning the
// local item should be discarded before retrying.
func (w *Worker) attempt(ctx context.Context, path string, out *Outcome) (reject bool, err error) {
	for step := 0; step < maxSteps; step++ {
		remote, err := tree.ReadItem(ctx, w.remote, path)
		if err != nil {
			return false, fmt.Errorf("failed to read remote %s: %w", path, err)
		}

		res, err := w.engine.Reconcile(ctx, path, remote)
		out.Actions = append(out.Actions, res.Action)
		if err != nil {
			return errors.Is(err, syncerr.ErrSaveConflict), err
		}

		switch res.Action {
		case reconcile.ActionPush:
			if err := w.push(ctx, path, remote, res.Push); err != nil {
				// A remote file where local has a directory can't be fixed by retrying
				return errors.Is(err, syncerr.ErrPathShapeConflict), err
			}
		case reconcile.ActionPushDelete:
			if err := w.pushDelete(ctx, path, remote); err != nil {
				return false, err
			}
		default:
			return false, nil
		}
	}
	return false, syncerr.Conflict(path, "", "", "remote kept changing during sync")
}

// push writes local upstream: an add when the remote has nothing at path,
// otherwise a compare-and-swap against the snapshot reconciled.
func (w *Worker) push(ctx context.Context, path string, remote, local *item.Item) error {
	if remote == nil {
		if err := tree.EnsureDirs(ctx, w.remote, path); err != nil {
			return err
		}
		if err := w.remote.AddChild(ctx, itempath.Parent(path), local.Name, local.Version); err != nil {
			return err
		}
		w.logger.Printf("Pushed new %s (%s)", path, local.Version)
		return nil
	}

	expected := tree.FromItem(remote)
	replacement := tree.Node{Name: remote.Name, Version: local.Version}
	if err := w.remote.CompareAndUpdate(ctx, path, expected, replacement); err != nil {
		return err
	}
	w.logger.Printf("Pushed %s (%s -> %s)", path, remote.Version, local.Version)
	return nil
}

// pushDelete removes the remote item. A remote directory holding items
// this side never synced is kept: the baseline entry is dropped instead, so
// the next round brings the directory back locally.
func (w *Worker) pushDelete(ctx context.Context, path string, remote *item.Item) error {
	if remote.IsDir() {
		unsynced, err := w.remoteWorkBelow(ctx, path)
		if err != nil {
			return err
		}
		if unsynced != "" {
			w.logger.Printf("Not removing remote %s: %s has unsynced changes", path, unsynced)
			return w.engine.Baseline().Delete(ctx, path)
		}
	}

	if err := w.remote.CompareAndRemove(ctx, path, tree.FromItem(remote)); err != nil {
		return err
	}
	w.logger.Printf("Removed remote %s", path)
	return nil
}

// remoteWorkBelow returns the first remote path below dir whose version
// differs from its baseline, or "" if there is none.
func (w *Worker) remoteWorkBelow(ctx context.Context, dir string) (string, error) {
	table := w.engine.Baseline()
	found := ""
	errFound := errors.New("found")

	err := tree.Walk(ctx, w.remote, dir, func(p string, n tree.Node) error {
		if p == dir {
			return nil
		}
		b, ok := table.Get(p)
		if !ok || b.Version != n.Version {
			found = p
			return errFound
		}
		return nil
	})
	if err != nil && !errors.Is(err, errFound) {
		if errors.Is(err, syncerr.ErrMissingNode) {
			return "", nil
		}
		return "", err
	}
	return found, nil
}

// Paths returns the union of local, remote, and baseline paths, parents
// before children.
func (w *Worker) Paths(ctx context.Context) ([]string, error) {
	set := make(map[string]struct{})
	for _, p := range w.engine.LocalItems() {
		set[p] = struct{}{}
	}
	for _, p := range w.engine.Baseline().Paths() {
		set[p] = struct{}{}
	}
	if err := tree.Walk(ctx, w.remote, itempath.Root, func(p string, _ tree.Node) error {
		set[p] = struct{}{}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to list remote tree: %w", err)
	}

	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	itempath.SortShallowFirst(paths)
	return paths, nil
}

// FullSync syncs every known path. Individual failures are logged and
// collected in the report but don't stop the pass; only a failure to list
// paths or a cancelled context aborts it.
func (w *Worker) FullSync(ctx context.Context) (*Report, error) {
	report := NewReport()
	w.logger.Printf("Starting full sync %s", report.RunID)

	paths, err := w.Paths(ctx)
	if err != nil {
		return nil, err
	}

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		out, err := w.SyncPath(ctx, p)
		if err != nil {
			w.logger.Printf("WARNING: Failed to sync %s: %v", p, err)
		}
		report.Add(out)
	}

	report.Finish()
	w.logger.Printf("Full sync complete: paths=%d pushed=%d conflicts=%d failed=%d (%s)",
		report.Paths, report.Pushed, report.Conflicts, len(report.Failures), report.Duration.Round(time.Millisecond))

	if w.config.OnReport != nil {
		w.config.OnReport(report)
	}
	return report, nil
}
