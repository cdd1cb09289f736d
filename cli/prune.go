package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewPruneCmd creates the "prune" subcommand.
func NewPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished runs and their logs older than the retention age",
		Args:  cobra.NoArgs,
		RunE:  runPrune,
	}
	cmd.Flags().Duration("older-than", 0, "Override retention.max_age")
	return cmd
}

func runPrune(cmd *cobra.Command, _ []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp(app)

	maxAge := app.Config.Retention.MaxAge
	if d, _ := cmd.Flags().GetDuration("older-than"); d > 0 {
		maxAge = d
	}
	if maxAge <= 0 {
		return exitError(exitValidation, "no retention age: set retention.max_age or pass --older-than")
	}
	n, err := app.PruneRuns(cmd.Context(), maxAge)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d run(s)\n", n)
	return nil
}
