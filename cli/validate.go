package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow definition file without executing it",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}
	cmd.Flags().String("format", "text", "Output format: text | json")
	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	out := cmd.OutOrStdout()

	wf, err := loadDefinition(args[0])
	if err != nil {
		return err
	}
	probs := problems(wf)

	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if probs == nil {
			probs = []string{}
		}
		if err := enc.Encode(map[string]interface{}{
			"id":     wf.ID,
			"valid":  len(probs) == 0,
			"errors": probs,
		}); err != nil {
			return err
		}
	} else {
		for _, p := range probs {
			fmt.Fprintf(out, "error: %s\n", p)
		}
		if len(probs) == 0 {
			fmt.Fprintf(out, "%s: valid (%d nodes, %d edges)\n", wf.ID, len(wf.Graph.Nodes), len(wf.Graph.Edges))
		}
	}

	if len(probs) > 0 {
		return exitError(exitValidation, "validation failed: %d problem(s)", len(probs))
	}
	return nil
}
