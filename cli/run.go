package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/omniflow/types"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Save a workflow definition and execute it once in this process",
		Long: "Save the definition in the configured store and execute it synchronously, " +
			"bypassing the queue. A definition without a status is treated as PUBLISHED.",
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}
	cmd.Flags().String("tenant", "", "Tenant id (overrides tenant_id in the file)")
	cmd.Flags().String("trigger", "", "Trigger data as a JSON object")
	cmd.Flags().String("context", "", "Context data as a JSON object")
	cmd.Flags().String("format", "text", "Output format: text | json")
	return cmd
}

type runReport struct {
	RunID  uint64                   `json:"runId"`
	Status types.RunStatus          `json:"status"`
	Error  string                   `json:"error,omitempty"`
	Result map[string]interface{}   `json:"result,omitempty"`
	Logs   []types.WorkflowLogEntry `json:"logs"`
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	format, _ := cmd.Flags().GetString("format")

	wf, err := loadDefinition(args[0])
	if err != nil {
		return err
	}
	if tenant, _ := cmd.Flags().GetString("tenant"); tenant != "" {
		wf.TenantID = tenant
	}
	if wf.TenantID == "" {
		return exitError(exitValidation, "tenant is required: set tenant_id in the file or pass --tenant")
	}
	if wf.Status == "" {
		wf.Status = types.StatusPublished
	}
	trigger, err := jsonFlag(cmd, "trigger")
	if err != nil {
		return err
	}
	contextData, err := jsonFlag(cmd, "context")
	if err != nil {
		return err
	}

	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp(app)

	if err := app.Store.SaveWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("saving workflow: %w", err)
	}

	res, runErr := app.Engine.Execute(ctx, types.ExecutionRequest{
		WorkflowID:  wf.ID,
		TenantID:    wf.TenantID,
		TriggerData: trigger,
		ContextData: contextData,
	})
	if res.RunID == 0 {
		return exitError(exitRunFailed, "run not started: %v", runErr)
	}

	report := runReport{RunID: res.RunID, Status: res.Status, Logs: []types.WorkflowLogEntry{}}
	if run, err := app.Store.GetRun(ctx, res.RunID); err == nil {
		report.Error = run.Error
		report.Result = run.Result
	} else if runErr != nil {
		report.Error = runErr.Error()
	}
	if logs, err := app.Store.ListLogs(ctx, res.RunID); err == nil {
		report.Logs = logs
	}
	if err := printReport(cmd.OutOrStdout(), format, report); err != nil {
		return err
	}

	if runErr != nil {
		return exitError(exitRunFailed, "run %d failed (%s): %v", res.RunID, types.Kind(runErr), runErr)
	}
	return nil
}

func jsonFlag(cmd *cobra.Command, name string) (map[string]interface{}, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, exitError(exitValidation, "--%s must be a JSON object: %v", name, err)
	}
	return m, nil
}

func printReport(w io.Writer, format string, r runReport) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	fmt.Fprintf(w, "run %d %s\n", r.RunID, r.Status)
	for _, l := range r.Logs {
		fmt.Fprintf(w, "  %d. %-12s %-9s %-7s %dms", l.Seq, l.NodeID, l.NodeType, l.Status, l.DurationMs)
		if l.Error != "" {
			fmt.Fprintf(w, "  %s", l.Error)
		}
		fmt.Fprintln(w)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "error: %s\n", r.Error)
	}
	return nil
}
