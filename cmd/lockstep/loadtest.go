package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/picostuff/lockstep/internal/loadtest"
	"github.com/picostuff/lockstep/internal/tree"
	"github.com/picostuff/lockstep/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "maint",
	Short:   "Stress-test compare-and-swap on a remote tree",
	Long: `Run concurrent writers against a set of contended items and verify no
update was lost.

Each writer repeatedly reads an item and swaps in the next value of its
counter, retrying on conflicts. At the end every counter must equal the
number of swaps reported as successful.

By default the test runs against a scratch SQLite tree in a temp directory,
so it needs no workspace. Use --memory for the in-memory tree, or --db to
point at a specific database (the test creates and removes /loadtest).

With --compare the workload runs on a scratch SQLite tree and then on the
in-memory tree, and a latency and throughput comparison is printed.

Examples:
  lockstep loadtest
  lockstep loadtest --compare
  lockstep loadtest --writers 32 --items 2
  lockstep loadtest --memory --ops 1000`,
	Run: func(cmd *cobra.Command, args []string) {
		opts := loadtest.DefaultOptions()
		opts.Writers, _ = cmd.Flags().GetInt("writers")
		opts.OpsPerWriter, _ = cmd.Flags().GetInt("ops")
		opts.Items, _ = cmd.Flags().GetInt("items")
		opts.Seed, _ = cmd.Flags().GetInt64("seed")
		memory, _ := cmd.Flags().GetBool("memory")
		dbPath, _ := cmd.Flags().GetString("db")
		compare, _ := cmd.Flags().GetBool("compare")

		if compare {
			if err := runLoadtestCompare(cmd.Context(), opts, os.Stdout); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}
		if err := runLoadtest(cmd.Context(), opts, memory, dbPath, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func runLoadtest(ctx context.Context, opts loadtest.Options, memory bool, dbPath string, w io.Writer) error {
	var store tree.Store
	backend := "memory"
	if memory {
		store = tree.NewMemoryTree()
	} else {
		if dbPath == "" {
			dir, err := os.MkdirTemp("", "lockstep-loadtest-*")
			if err != nil {
				return fmt.Errorf("failed to create temp dir: %w", err)
			}
			defer os.RemoveAll(dir)
			dbPath = filepath.Join(dir, "tree.db")
		}
		sqlTree, err := tree.OpenSQL(ctx, dbPath)
		if err != nil {
			return fmt.Errorf("failed to open tree: %w", err)
		}
		defer sqlTree.Close()
		store = sqlTree
		backend = dbPath
	}

	fmt.Fprintf(w, "%s Running %d writers x %d ops on %d items (%s)...\n",
		ui.RenderAccent("⚡"), opts.Writers, opts.OpsPerWriter, opts.Items, backend)

	res, err := loadtest.Run(ctx, store, opts)
	if res != nil {
		fmt.Fprintf(w, "\nCompleted in %v\n", res.Duration.Round(time.Millisecond))
		fmt.Fprintf(w, "  Successful swaps: %d\n", res.Successes)
		fmt.Fprintf(w, "  Conflicts:        %d\n", res.Conflicts)
		fmt.Fprintf(w, "  Errors:           %d\n", res.Errors)
		if res.Latency != nil {
			fmt.Fprintln(w)
			res.Latency.PrintStats(w)
		}
	}
	if res != nil {
		if terr := loadtest.Teardown(ctx, store); err == nil && terr != nil {
			err = fmt.Errorf("teardown failed: %w", terr)
		}
	}
	if err != nil {
		fmt.Fprintf(w, "\n%s %v\n", ui.RenderFail("✗"), err)
		return err
	}
	fmt.Fprintf(w, "\n%s No lost updates\n", ui.RenderPass("✓"))
	return nil
}

// runLoadtestCompare pits the in-memory tree against a scratch SQLite tree.
func runLoadtestCompare(ctx context.Context, opts loadtest.Options, w io.Writer) error {
	dir, err := os.MkdirTemp("", "lockstep-loadtest-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	sqlTree, err := tree.OpenSQL(ctx, filepath.Join(dir, "tree.db"))
	if err != nil {
		return fmt.Errorf("failed to open tree: %w", err)
	}
	defer sqlTree.Close()

	fmt.Fprintf(w, "%s Comparing %d writers x %d ops on %d items...\n\n",
		ui.RenderAccent("⚡"), opts.Writers, opts.OpsPerWriter, opts.Items)
	c, err := loadtest.Compare(ctx, opts,
		loadtest.Backend{Name: "sqlite", Store: sqlTree},
		loadtest.Backend{Name: "memory", Store: tree.NewMemoryTree()})
	if err != nil {
		return err
	}
	c.PrintComparison(w)
	fmt.Fprintf(w, "\n%s No lost updates on either backend\n", ui.RenderPass("✓"))
	return nil
}

func init() {
	defaults := loadtest.DefaultOptions()
	loadtestCmd.Flags().Int("writers", defaults.Writers, "Concurrent writers")
	loadtestCmd.Flags().Int("ops", defaults.OpsPerWriter, "Swaps per writer")
	loadtestCmd.Flags().Int("items", defaults.Items, "Contended items")
	loadtestCmd.Flags().Int64("seed", defaults.Seed, "Random seed for item selection")
	loadtestCmd.Flags().Bool("memory", false, "Use the in-memory tree")
	loadtestCmd.Flags().String("db", "", "SQLite tree database to test against")
	loadtestCmd.Flags().Bool("compare", false, "Compare the SQLite and in-memory trees")
	rootCmd.AddCommand(loadtestCmd)
}
