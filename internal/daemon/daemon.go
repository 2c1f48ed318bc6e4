// Package daemon provides the sync daemon that keeps a workspace directory
// and a remote tree reconciled.
//
// The daemon:
// 1. Scans the workspace and runs a full sync pass on startup
// 2. Watches the workspace for file changes
// 3. Rescans changed paths after a debounce and queues them for syncing
// 4. Periodically runs a full pass to pick up remote changes
// 5. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/picostuff/lockstep/internal/item"
	"github.com/picostuff/lockstep/internal/metrics"
	"github.com/picostuff/lockstep/internal/worker"
	"github.com/picostuff/lockstep/internal/workspace"
)

// Config holds configuration for the daemon.
type Config struct {
	// PollInterval is how often to run a full sync pass
	PollInterval time.Duration

	// DebounceInterval is how long to wait before processing file changes
	// This batches rapid updates together
	DebounceInterval time.Duration

	// Workers is the number of paths synced concurrently
	Workers int

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:     5 * time.Second,
		DebounceInterval: 100 * time.Millisecond,
		Workers:          4,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates file watching and synchronization.
type Daemon struct {
	ws      *workspace.Workspace
	scanner *workspace.Scanner
	worker  *worker.Worker
	config  *Config

	watcher       *workspace.Watcher
	pool          *worker.Pool
	changeQueue   map[string]time.Time // workspace path -> timestamp
	changeQueueMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a daemon with default configuration.
//
// The daemon requires:
//   - ws: the local replica the scanner feeds
//   - scanner: maps the workspace directory onto ws
//   - w: the worker syncing ws against the remote tree
//
// Use Start() to begin watching and syncing.
func New(ws *workspace.Workspace, scanner *workspace.Scanner, w *worker.Worker) (*Daemon, error) {
	return NewWithConfig(ws, scanner, w, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(ws *workspace.Workspace, scanner *workspace.Scanner, w *worker.Worker, config *Config) (*Daemon, error) {
	if ws == nil {
		return nil, fmt.Errorf("workspace cannot be nil")
	}
	if scanner == nil {
		return nil, fmt.Errorf("scanner cannot be nil")
	}
	if w == nil {
		return nil, fmt.Errorf("worker cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	watcher, err := workspace.NewWatcher(scanner)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		ws:          ws,
		scanner:     scanner,
		worker:      w,
		config:      config,
		watcher:     watcher,
		pool:        worker.NewPool(ctx, w, config.Workers),
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}
	ws.AddListener(queueListener{d})
	return d, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Scan the workspace and perform a full sync
// 2. Start watching for file changes
// 3. Periodically run full sync passes
// 4. Process file changes with debouncing
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	res, err := d.scanner.Scan(d.ctx)
	if err != nil {
		return fmt.Errorf("initial scan failed: %w", err)
	}
	d.config.Logger.Printf("Scanned %s: %d added, %d changed, %d removed",
		d.scanner.Root(), res.Added, res.Changed, res.Removed)

	if err := d.PerformFullSync(); err != nil {
		return fmt.Errorf("initial sync failed: %w", err)
	}

	if err := d.watcher.Start(); err != nil {
		return fmt.Errorf("failed to watch workspace: %w", err)
	}
	d.config.Logger.Printf("Watching: %s", d.scanner.Root())

	// Start background goroutines
	d.wg.Add(3)
	go d.watchFileEvents()
	go d.processChangeQueue()
	go d.pollRemote()

	// Wait for shutdown
	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. It is safe to call more than once.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")

		// Signal shutdown
		d.cancel()

		if err := d.watcher.Stop(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}

		// Wait for goroutines to finish
		d.wg.Wait()
		d.pool.Close()

		d.config.Logger.Println("Daemon stopped")
	})
	return nil
}

// PerformFullSync reconciles every known path once.
//
// It's called on startup and on every poll tick, and can be triggered
// manually.
func (d *Daemon) PerformFullSync() error {
	report, err := d.worker.FullSync(d.ctx)
	if err != nil {
		return err
	}
	metrics.RecordFullSync(report.Duration)
	metrics.SetLocalItems(d.ws.Len())
	if !report.OK() {
		d.config.Logger.Printf("Full sync %s finished with %d failures", report.RunID, len(report.Failures))
	}
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	events := d.watcher.Events()
	errs := d.watcher.Errors()
	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-events:
			if !ok {
				return
			}
			d.config.Logger.Printf("File event: %s %s", event.Op, event.Path)
			d.queueChange(event.Path)

		case err, ok := <-errs:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a path to the change queue with debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue processes queued file changes with debouncing.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges rescans paths that have been queued for long
// enough. The rescan updates the workspace, whose listener hands the
// affected paths to the pool.
func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	now := time.Now()
	var ready []string
	for path, queuedAt := range d.changeQueue {
		// Only process if enough time has passed (debouncing)
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	for _, path := range ready {
		d.config.Logger.Printf("Processing change: %s", path)
		if _, err := d.scanner.RefreshPath(d.ctx, path); err != nil {
			d.config.Logger.Printf("Error rescanning %s: %v", path, err)
		}
	}

	if len(ready) > 0 {
		metrics.SetLocalItems(d.ws.Len())
		metrics.SetPendingPaths(d.pool.Pending())
	}
}

// pollRemote periodically runs a full pass so remote changes reach the
// workspace.
func (d *Daemon) pollRemote() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if err := d.PerformFullSync(); err != nil && !errors.Is(err, context.Canceled) {
				d.config.Logger.Printf("Error running full sync: %v", err)
			}
		}
	}
}

func (d *Daemon) enqueue(path string) {
	err := d.pool.Enqueue(d.ctx, path)
	if err != nil && !errors.Is(err, worker.ErrPoolClosed) && !errors.Is(err, context.Canceled) {
		d.config.Logger.Printf("Error queueing %s: %v", path, err)
	}
}

// queueListener feeds local workspace changes to the pool.
type queueListener struct {
	d *Daemon
}

func (l queueListener) ItemAddedLocally(path string) {
	l.d.enqueue(path)
}

func (l queueListener) ItemChangedLocally(path string, _ item.Item) {
	l.d.enqueue(path)
}

func (l queueListener) ItemDeletedLocally(path string, _ item.Item) {
	l.d.enqueue(path)
}
