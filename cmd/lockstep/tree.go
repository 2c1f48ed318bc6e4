package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/picostuff/lockstep/internal/itempath"
	"github.com/picostuff/lockstep/internal/tree"
	"github.com/picostuff/lockstep/internal/ui"
)

var treeCmd = &cobra.Command{
	Use:     "tree [path]",
	GroupID: "advanced",
	Short:   "Print the remote tree",
	Long: `Print the remote tree below path (default: the root) with each item's
version token. Directories are marked with a trailing slash.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := itempath.Root
		if len(args) == 1 {
			path = args[0]
		}
		if err := runTree(cmd.Context(), currentGlobals(), path, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func runTree(ctx context.Context, g globals, path string, w io.Writer) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	remote, err := tree.OpenSQL(ctx, cfg.TreePath())
	if err != nil {
		return fmt.Errorf("failed to open remote tree: %w", err)
	}
	defer remote.Close()

	base := itempath.Depth(path)
	if base == 0 {
		base = 1
	}
	count := 0
	err = tree.Walk(ctx, remote, path, func(p string, n tree.Node) error {
		count++
		indent := strings.Repeat("  ", itempath.Depth(p)-base)
		if n.IsDir() {
			fmt.Fprintf(w, "%s%s\n", indent, ui.RenderAccent(displayName(p)+"/"))
			return nil
		}
		fmt.Fprintf(w, "%s%s  %s\n", indent, displayName(p), ui.RenderMuted(shortVersion(n.Version)))
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d items\n", count)
	return nil
}

func displayName(p string) string {
	if p == itempath.Root {
		return ""
	}
	return itempath.Name(p)
}

// shortVersion trims content hashes for display.
func shortVersion(v string) string {
	if len(v) > 12 {
		return v[:12]
	}
	return v
}

func init() {
	rootCmd.AddCommand(treeCmd)
}
