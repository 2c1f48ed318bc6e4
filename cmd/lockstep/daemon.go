package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/picostuff/lockstep/internal/daemon"
	"github.com/picostuff/lockstep/internal/dashboard"
	"github.com/picostuff/lockstep/internal/worker"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep the workspace in sync continuously",
	Long: `Run the sync daemon in the foreground.

The daemon:
  1. Scans the workspace and performs a full sync
  2. Watches the workspace for file changes and syncs changed paths
  3. Polls the remote tree with a full sync every sync.poll_interval

With --dashboard, a WebSocket dashboard streams decisions and outcomes on
ws://localhost:<port>/ws and Prometheus metrics on /metrics.`,
	Run: func(cmd *cobra.Command, args []string) {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		port, _ := cmd.Flags().GetInt("port")
		runDaemonCommand(withDashboard, port)
	},
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Run the sync daemon with the real-time WebSocket dashboard",
	Long: `Start the sync daemon together with its dashboard server.

WebSocket messages include:
- decision: one reconciliation step (path, state pair, action)
- outcome: the result of syncing one path
- sync_complete: a full sync pass finished
- stats: running totals, sent to every new client

Example usage:
  lockstep dashboard                 # Start on the configured port
  lockstep dashboard --port 9000     # Start on a custom port

Connect with a WebSocket client:
  ws://localhost:8080/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("port")
		runDaemonCommand(true, port)
	},
}

func runDaemonCommand(withDashboard bool, port int) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runDaemon(ctx, currentGlobals(), daemonOptions{dashboard: withDashboard, port: port}, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type daemonOptions struct {
	dashboard bool
	// port overrides dashboard.port when non-negative
	port int
}

// runDaemon runs until ctx is cancelled.
func runDaemon(ctx context.Context, g globals, opts daemonOptions, w io.Writer) (err error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	sink, err := openSink(cfg)
	if err != nil {
		return err
	}
	defer sink.Close()

	var server *dashboard.Server
	if opts.dashboard {
		port := cfg.Dashboard.Port
		if opts.port >= 0 {
			port = opts.port
		}
		server = dashboard.NewServer(&dashboard.Config{Port: port, Logger: sink.Always("dashboard")})
	}
	handler := dashboard.NewHandler(server, sink.Logger("dashboard"))

	var a *app
	a, err = openApp(ctx, g, hooks{
		onDecision: handler.OnDecision,
		onOutcome:  handler.OnOutcome,
		onReport: func(r *worker.Report) {
			handler.OnReport(r)
			handler.SetLocalItems(a.ws.Len())
		},
		sink: sink,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(); err == nil {
			err = cerr
		}
	}()

	if server != nil {
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		defer server.Stop()
		fmt.Fprintf(w, "Dashboard server started on http://%s\n", server.GetAddr())
		fmt.Fprintf(w, "WebSocket endpoint: ws://%s/ws\n", server.GetAddr())
		fmt.Fprintf(w, "Metrics: http://%s/metrics\n", server.GetAddr())
	}

	d, err := daemon.NewWithConfig(a.ws, a.scanner, a.worker, &daemon.Config{
		PollInterval:     cfg.Sync.PollInterval,
		DebounceInterval: cfg.Sync.Debounce,
		Workers:          cfg.Sync.Workers,
		Logger:           sink.Always("daemon"),
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Syncing %s with %s\n", cfg.Workspace.Root, cfg.TreePath())
	fmt.Fprintln(w, "Press Ctrl+C to stop...")
	if err := d.Start(ctx); err != nil {
		_ = d.Stop()
		return err
	}
	fmt.Fprintln(w, "Daemon stopped")
	return nil
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Also serve the WebSocket dashboard")
	daemonCmd.Flags().Int("port", -1, "Dashboard port (default: dashboard.port from config)")
	dashboardCmd.Flags().Int("port", -1, "Dashboard port (default: dashboard.port from config)")
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(dashboardCmd)
}
