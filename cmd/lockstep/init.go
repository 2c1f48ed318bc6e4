package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/picostuff/lockstep/internal/baseline"
	"github.com/picostuff/lockstep/internal/config"
	"github.com/picostuff/lockstep/internal/tree"
	"github.com/picostuff/lockstep/internal/ui"
	"github.com/picostuff/lockstep/internal/workspace"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "setup",
	Short:   "Initialize a lockstep workspace",
	Long: `Create the .lockstep state directory, config file, baseline database,
and (if it does not exist yet) the remote tree database.

Workspaces that should sync with each other must point at the same remote
tree database:

  lockstep init --remote /srv/shared/tree.db
  lockstep init -C ../other --remote /srv/shared/tree.db`,
	Run: func(cmd *cobra.Command, args []string) {
		remote, _ := cmd.Flags().GetString("remote")
		exclude, _ := cmd.Flags().GetStringSlice("exclude")
		force, _ := cmd.Flags().GetBool("force")

		if err := runInit(cmd.Context(), rootDir, initOptions{remote: remote, exclude: exclude, force: force}, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

type initOptions struct {
	remote  string
	exclude []string
	force   bool
}

func runInit(ctx context.Context, root string, opts initOptions, w io.Writer) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return fmt.Errorf("failed to create workspace root: %w", err)
	}

	cfgPath := config.Path(abs)
	if _, err := os.Stat(cfgPath); err == nil && !opts.force {
		return fmt.Errorf("workspace already initialized at %s (use --force to overwrite the config)", abs)
	}

	cfg := config.Default()
	if opts.remote != "" {
		remote, err := filepath.Abs(opts.remote)
		if err != nil {
			return fmt.Errorf("failed to resolve remote path: %w", err)
		}
		cfg.Remote.TreeDB = remote
	}
	if opts.exclude != nil {
		cfg.Workspace.Exclude = opts.exclude
	}
	// The root is implied by where the config lives
	cfg.Workspace.Root = "."
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.Write(cfgPath, cfg); err != nil {
		return err
	}
	cfg.Workspace.Root = abs

	table, err := baseline.OpenSQL(ctx, cfg.BaselinePath())
	if err != nil {
		return fmt.Errorf("failed to create baseline: %w", err)
	}
	if err := table.Close(); err != nil {
		return err
	}

	remote, err := tree.OpenSQL(ctx, cfg.TreePath())
	if err != nil {
		return fmt.Errorf("failed to open remote tree: %w", err)
	}
	if err := remote.Close(); err != nil {
		return err
	}

	fmt.Fprintf(w, "%s Initialized lockstep workspace in %s\n", ui.RenderPass("✓"), abs)
	fmt.Fprintf(w, "   Config: %s\n", cfgPath)
	fmt.Fprintf(w, "   Baseline: %s\n", cfg.BaselinePath())
	fmt.Fprintf(w, "   Remote: %s\n", cfg.TreePath())
	fmt.Fprintf(w, "   State dir: %s\n", ui.RenderMuted(filepath.Join(abs, workspace.StateDir)))
	return nil
}

func init() {
	initCmd.Flags().String("remote", "", "Remote tree database (default: .lockstep/remote.db)")
	initCmd.Flags().StringSlice("exclude", nil, "Extra glob patterns to exclude from sync")
	initCmd.Flags().Bool("force", false, "Overwrite an existing config")
	rootCmd.AddCommand(initCmd)
}
