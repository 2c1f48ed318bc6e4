package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/picostuff/lockstep/internal/ui"
	"github.com/picostuff/lockstep/internal/worker"
)

// errNotConfirmed is returned when the user declines a prompt.
var errNotConfirmed = errors.New("not confirmed")

var rejectCmd = &cobra.Command{
	Use:     "reject <path>",
	GroupID: "sync",
	Short:   "Discard the local version of a path in favor of the remote",
	Long: `Reject the local item at path (and everything below it), then sync
the path so the remote version takes its place. Local edits to the
rejected items are no longer tracked until the files change again.

Use this to resolve a conflict in the remote's favor ahead of the next sync.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")

		confirm := confirmPrompt
		if yes {
			confirm = nil
		} else if !ui.IsTerminal(os.Stdin) {
			fmt.Fprintf(os.Stderr, "Error: refusing to reject without --yes on a non-interactive terminal\n")
			os.Exit(1)
		}

		err := runReject(cmd.Context(), currentGlobals(), args[0], confirm, os.Stdout)
		if errors.Is(err, errNotConfirmed) {
			fmt.Println("Cancelled")
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func confirmPrompt(title string) (bool, error) {
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Affirmative("Reject").
		Negative("Keep").
		Value(&ok).
		Run()
	return ok, err
}

// runReject rejects path and resyncs it. A nil confirm skips the prompt.
func runReject(ctx context.Context, g globals, path string, confirm func(string) (bool, error), w io.Writer) (err error) {
	a, err := openApp(ctx, g, hooks{})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(); err == nil {
			err = cerr
		}
	}()

	if _, err := a.scanner.Scan(ctx); err != nil {
		return err
	}
	local, err := a.ws.Read(path)
	if err != nil {
		return err
	}
	if local == nil {
		return fmt.Errorf("no local item at %s", path)
	}

	if confirm != nil {
		ok, err := confirm(fmt.Sprintf("Discard local %s and take the remote version?", path))
		if err != nil {
			return err
		}
		if !ok {
			return errNotConfirmed
		}
	}

	if err := a.engine.RejectLocalItem(ctx, path); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s Rejected local %s\n", ui.RenderWarn("⚠"), path)

	out, err := a.worker.SyncPath(ctx, path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s Synced %s (%s)\n", ui.RenderPass("✓"), path, describeOutcome(out))
	return nil
}

func describeOutcome(o worker.Outcome) string {
	if len(o.Actions) == 0 {
		return "nothing to do"
	}
	s := ""
	for i, a := range o.Actions {
		if i > 0 {
			s += ", "
		}
		s += a.String()
	}
	return s
}

func init() {
	rejectCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(rejectCmd)
}
