package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/picostuff/lockstep/internal/baseline"
	"github.com/picostuff/lockstep/internal/config"
	"github.com/picostuff/lockstep/internal/logging"
	"github.com/picostuff/lockstep/internal/reconcile"
	"github.com/picostuff/lockstep/internal/tree"
	"github.com/picostuff/lockstep/internal/worker"
	"github.com/picostuff/lockstep/internal/workspace"
)

// globals carries the persistent flags into the run functions.
type globals struct {
	root       string
	configFile string
	verbose    bool
}

func currentGlobals() globals {
	return globals{root: rootDir, configFile: configFile, verbose: verbose}
}

// hooks are optional observers wired into the engine and worker. A
// non-nil sink is reused instead of opening a new one, and the caller
// keeps ownership of it.
type hooks struct {
	onDecision func(reconcile.Decision)
	onOutcome  func(worker.Outcome)
	onReport   func(*worker.Report)
	sink       *logging.Sink
}

// loadConfig resolves the workspace root and loads its configuration. The
// workspace must have been initialized.
func loadConfig(g globals) (*config.Config, error) {
	root, err := filepath.Abs(g.root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if _, err := os.Stat(filepath.Join(root, workspace.StateDir)); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s is not a lockstep workspace (run 'lockstep init')", root)
	}

	var cfg *config.Config
	if g.configFile != "" {
		cfg, err = config.Load(g.configFile)
		if err == nil {
			cfg.Workspace.Root = root
		}
	} else {
		cfg, err = config.LoadWorkspace(root)
	}
	if err != nil {
		return nil, err
	}
	if g.verbose {
		cfg.Log.Verbose = true
	}
	return cfg, nil
}

func openSink(cfg *config.Config) (*logging.Sink, error) {
	return logging.Open(logging.Options{
		File:       cfg.Resolve(cfg.Log.File),
		Verbose:    cfg.Log.Verbose,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
}

// app is a fully wired workspace: local index, baseline, remote tree,
// engine, and worker.
type app struct {
	cfg     *config.Config
	sink    *logging.Sink
	ws      *workspace.Workspace
	scanner *workspace.Scanner
	ownSink bool
	table   *baseline.SQLTable
	remote  *tree.SQLTree
	engine  *reconcile.Engine
	worker  *worker.Worker
}

func openApp(ctx context.Context, g globals, h hooks) (_ *app, err error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.closeStores()
		}
	}()

	if h.sink != nil {
		a.sink = h.sink
	} else {
		if a.sink, err = openSink(cfg); err != nil {
			return nil, err
		}
		a.ownSink = true
	}
	if a.table, err = baseline.OpenSQL(ctx, cfg.BaselinePath()); err != nil {
		return nil, fmt.Errorf("failed to open baseline: %w", err)
	}
	if a.remote, err = tree.OpenSQL(ctx, cfg.TreePath()); err != nil {
		return nil, fmt.Errorf("failed to open remote tree: %w", err)
	}

	matcher, err := workspace.NewMatcher(cfg.Workspace.Exclude)
	if err != nil {
		return nil, err
	}
	a.ws = workspace.New(a.sink.Logger("workspace"))
	if a.scanner, err = workspace.NewScanner(cfg.Workspace.Root, a.ws, matcher, a.sink.Logger("scanner")); err != nil {
		return nil, err
	}
	if _, err = workspace.LoadSnapshot(a.indexPath(), a.ws, a.scanner); err != nil {
		return nil, err
	}

	a.engine = reconcile.New(a.ws, a.table, reconcile.Config{
		Logger:     a.sink.Logger("engine"),
		OnDecision: h.onDecision,
	})
	a.worker = worker.New(a.engine, a.remote, worker.Config{
		MaxAttempts: cfg.Sync.MaxAttempts,
		Logger:      a.sink.Logger("worker"),
		OnOutcome:   h.onOutcome,
		OnReport:    h.onReport,
	})
	return a, nil
}

func (a *app) indexPath() string {
	return filepath.Join(a.cfg.Workspace.Root, workspace.StateDir, workspace.IndexFile)
}

// close saves the local index and releases every store.
func (a *app) close() error {
	var errs []error
	if _, err := workspace.SaveSnapshot(a.indexPath(), a.ws, a.scanner); err != nil {
		errs = append(errs, err)
	}
	if err := a.closeStores(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *app) closeStores() error {
	var errs []error
	if a.remote != nil {
		errs = append(errs, a.remote.Close())
	}
	if a.table != nil {
		errs = append(errs, a.table.Close())
	}
	if a.sink != nil && a.ownSink {
		errs = append(errs, a.sink.Close())
	}
	return errors.Join(errs...)
}
