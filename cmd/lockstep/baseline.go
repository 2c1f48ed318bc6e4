package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/picostuff/lockstep/internal/baseline"
	"github.com/picostuff/lockstep/internal/ui"
)

var baselineCmd = &cobra.Command{
	Use:     "baseline",
	GroupID: "maint",
	Short:   "Export or import the baseline table",
	Long: `The baseline records, per path, the last version known to be identical
on both replicas. It is stored in .lockstep/baseline.db; these commands move
it to and from JSONL, one entry per line.`,
}

var baselineExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write the baseline as JSONL (default: stdout)",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		file := ""
		if len(args) == 1 {
			file = args[0]
		}
		if err := runBaselineExport(cmd.Context(), currentGlobals(), file, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error exporting baseline: %v\n", err)
			os.Exit(1)
		}
	},
}

var baselineImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Load baseline entries from JSONL",
	Long: `Load baseline entries from a JSONL file written by 'lockstep baseline
export'. Entries are upserted; paths not in the file are left alone.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runBaselineImport(cmd.Context(), currentGlobals(), args[0], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error importing baseline: %v\n", err)
			os.Exit(1)
		}
	},
}

func openBaseline(ctx context.Context, g globals) (*baseline.SQLTable, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	table, err := baseline.OpenSQL(ctx, cfg.BaselinePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open baseline: %w", err)
	}
	return table, nil
}

// runBaselineExport writes to file, or to w when file is empty.
func runBaselineExport(ctx context.Context, g globals, file string, w io.Writer) error {
	table, err := openBaseline(ctx, g)
	if err != nil {
		return err
	}
	defer table.Close()

	if file == "" {
		_, err := baseline.Export(w, table)
		return err
	}
	n, err := baseline.ExportFile(file, table)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s Exported %d baseline entries to %s\n", ui.RenderPass("✓"), n, file)
	return nil
}

func runBaselineImport(ctx context.Context, g globals, file string, w io.Writer) error {
	table, err := openBaseline(ctx, g)
	if err != nil {
		return err
	}
	defer table.Close()

	n, err := baseline.ImportFile(ctx, file, table)
	if err != nil {
		return fmt.Errorf("imported %d entries before failing: %w", n, err)
	}
	fmt.Fprintf(w, "%s Imported %d baseline entries\n", ui.RenderPass("✓"), n)
	return nil
}

func init() {
	baselineCmd.AddCommand(baselineExportCmd)
	baselineCmd.AddCommand(baselineImportCmd)
	rootCmd.AddCommand(baselineCmd)
}
