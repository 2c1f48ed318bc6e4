package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/picostuff/lockstep/internal/metrics"
	"github.com/picostuff/lockstep/internal/ui"
	"github.com/picostuff/lockstep/internal/worker"
)

var syncCmd = &cobra.Command{
	Use:     "sync [path...]",
	GroupID: "sync",
	Short:   "Reconcile the workspace with the remote tree once",
	Long: `Scan the workspace for local changes, then reconcile every local,
remote, and baseline path with the remote tree.

With path arguments only those paths are reconciled. Paths are workspace
paths, e.g. /docs/readme.md.

Exits non-zero if any path failed to sync.

Examples:
  lockstep sync
  lockstep sync /docs
  lockstep sync --format json`,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")

		report, err := runSync(cmd.Context(), currentGlobals(), args, format, os.Stdout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
			os.Exit(1)
		}
		if !report.OK() {
			os.Exit(1)
		}
	},
}

func runSync(ctx context.Context, g globals, paths []string, format string, w io.Writer) (*worker.Report, error) {
	if err := checkFormat(format); err != nil {
		return nil, err
	}

	a, err := openApp(ctx, g, hooks{})
	if err != nil {
		return nil, err
	}

	if format == "text" {
		fmt.Fprintf(w, "%s Syncing %s...\n", ui.RenderAccent("🔄"), a.cfg.Workspace.Root)
	}
	report, err := syncApp(ctx, a, paths)
	if cerr := a.close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	metrics.RecordFullSync(report.Duration)
	return report, writeReport(w, format, report)
}

// syncApp scans the workspace and syncs paths, or everything when paths
// is empty.
func syncApp(ctx context.Context, a *app, paths []string) (*worker.Report, error) {
	if _, err := a.scanner.Scan(ctx); err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return a.worker.FullSync(ctx)
	}

	// Explicit paths also cover what lies below them
	all, err := a.worker.Paths(ctx)
	if err != nil {
		return nil, err
	}
	var selected []string
	for _, p := range all {
		for _, want := range paths {
			if p == want || strings.HasPrefix(p, strings.TrimSuffix(want, "/")+"/") {
				selected = append(selected, p)
				break
			}
		}
	}

	report := worker.NewReport()
	for _, p := range selected {
		out, _ := a.worker.SyncPath(ctx, p)
		report.Add(out)
	}
	report.Finish()
	return report, nil
}

func checkFormat(format string) error {
	switch format {
	case "text", "json", "yaml":
		return nil
	}
	return fmt.Errorf("unknown format %q (want text, json, or yaml)", format)
}

// writeStructured encodes v as JSON or YAML.
func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return checkFormat(format)
}

func writeReport(w io.Writer, format string, r *worker.Report) error {
	if format != "text" {
		return writeStructured(w, format, r)
	}

	if r.OK() {
		fmt.Fprintf(w, "%s Sync complete in %v\n", ui.RenderPass("✓"), r.Duration.Round(time.Millisecond))
	} else {
		fmt.Fprintf(w, "%s Sync finished with %d failures in %v\n",
			ui.RenderWarn("⚠"), len(r.Failures), r.Duration.Round(time.Millisecond))
	}
	fmt.Fprintf(w, "   Paths: %d\n", r.Paths)
	fmt.Fprintf(w, "   Pushed: %d\n", r.Pushed)
	fmt.Fprintf(w, "   Conflicts: %d\n", r.Conflicts)

	names := make([]string, 0, len(r.Actions))
	for name := range r.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "   %s %d\n", ui.RenderMuted(name+":"), r.Actions[name])
	}

	for _, p := range r.Rejected {
		fmt.Fprintf(w, "%s Rejected local %s (remote version kept)\n", ui.RenderWarn("⚠"), p)
	}
	for _, f := range r.Failures {
		fmt.Fprintf(w, "%s %s: %s\n", ui.RenderFail("✗"), f.Path, f.Error)
		if f.NeedsUser {
			fmt.Fprintf(w, "   %s\n", ui.RenderMuted(fmt.Sprintf("resolve with 'lockstep reject %s'", f.Path)))
		}
	}
	return nil
}

func init() {
	syncCmd.Flags().String("format", "text", "Output format: text, json, or yaml")
	rootCmd.AddCommand(syncCmd)
}
