package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/picostuff/lockstep/internal/item"
	"github.com/picostuff/lockstep/internal/reconcile"
	"github.com/picostuff/lockstep/internal/state"
	"github.com/picostuff/lockstep/internal/tree"
	"github.com/picostuff/lockstep/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show what the next sync would do",
	Long: `Scan the workspace and classify every path against its baseline on
both sides, without changing anything.

Each pending path is shown with its state pair and the action the next sync
would take, e.g.:

  push           /notes.txt   (REMOTE_NOTHING, LOCAL_NEW)
  update-local   /docs/a.md   (REMOTE_CHANGED, LOCAL_UNCHANGED)
  conflict       /todo.md     (REMOTE_CHANGED, LOCAL_CHANGED)`,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		all, _ := cmd.Flags().GetBool("all")

		if _, err := runStatus(cmd.Context(), currentGlobals(), all, format, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

// statusEntry is one classified path.
type statusEntry struct {
	Path   string `json:"path" yaml:"path"`
	Pair   string `json:"pair" yaml:"pair"`
	Action string `json:"action" yaml:"action"`
}

func runStatus(ctx context.Context, g globals, all bool, format string, w io.Writer) ([]statusEntry, error) {
	if err := checkFormat(format); err != nil {
		return nil, err
	}

	a, err := openApp(ctx, g, hooks{})
	if err != nil {
		return nil, err
	}
	entries, err := classifyAll(ctx, a, all)
	if cerr := a.close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	if format != "text" {
		if entries == nil {
			entries = []statusEntry{}
		}
		return entries, writeStructured(w, format, entries)
	}

	if len(entries) == 0 {
		fmt.Fprintf(w, "%s Workspace is in sync with the remote\n", ui.RenderPass("✓"))
		return entries, nil
	}
	for _, e := range entries {
		label := fmt.Sprintf("%-16s", e.Action)
		switch e.Action {
		case reconcile.ActionConflict.String():
			label = ui.RenderFail(label)
		case reconcile.ActionNone.String():
			label = ui.RenderMuted(label)
		default:
			label = ui.RenderAccent(label)
		}
		fmt.Fprintf(w, "  %s %s  %s\n", label, e.Path, ui.RenderMuted(e.Pair))
	}
	return entries, nil
}

// classifyAll predicts the next action for every known path. Paths with
// nothing to do are left out unless all is set.
func classifyAll(ctx context.Context, a *app, all bool) ([]statusEntry, error) {
	if _, err := a.scanner.Scan(ctx); err != nil {
		return nil, err
	}
	paths, err := a.worker.Paths(ctx)
	if err != nil {
		return nil, err
	}

	var entries []statusEntry
	for _, p := range paths {
		local, err := a.ws.Read(p)
		if err != nil {
			return nil, err
		}
		remote, err := tree.ReadItem(ctx, a.remote, p)
		if err != nil {
			return nil, err
		}
		var base *item.Item
		if b, ok := a.table.Get(p); ok {
			base = b.Item()
		}

		pair := state.ClassifyPair(remote, local, base)
		action, ok := reconcile.Decide(pair, item.SameVersion(remote, local))
		name := action.String()
		if !ok {
			name = "invalid"
		}
		if action == reconcile.ActionNone && ok && !all {
			continue
		}
		entries = append(entries, statusEntry{Path: p, Pair: pair.String(), Action: name})
	}
	return entries, nil
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text, json, or yaml")
	statusCmd.Flags().Bool("all", false, "Include paths that are already in sync")
	rootCmd.AddCommand(statusCmd)
}
