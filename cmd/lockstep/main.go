// Command lockstep keeps a directory in two-way sync with a shared remote
// tree.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Global flags
var (
	rootDir    string
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "lockstep",
	Short: "Two-way sync between a directory and a shared remote tree",
	Long: `lockstep reconciles a local directory against a remote tree of
versioned items. Every path is classified against the last synced version
(the baseline), and changes flow in whichever direction is safe. Remote
writes use compare-and-swap, so concurrent writers never lose updates:
when both sides changed, the local item is rejected and the remote wins.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootDir, "root", "C", ".", "Workspace root directory")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: <root>/.lockstep/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log component activity")

	rootCmd.AddGroup(
		&cobra.Group{ID: "setup", Title: "Setup:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
