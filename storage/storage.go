package storage

import (
	"context"
	"errors"
	"time"

	"github.com/songzhibin97/omniflow/types"
)

// Errors
var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrRunNotFound      = errors.New("run not found")
	ErrRunExists        = errors.New("run already exists")
	// ErrRunNotRunning is returned when a write requires a RUNNING run but the
	// run has already reached a terminal state.
	ErrRunNotRunning = errors.New("run is not running")
)

// DefinitionStore persists workflow definitions.
type DefinitionStore interface {
	// SaveWorkflow creates or replaces a workflow definition.
	SaveWorkflow(ctx context.Context, wf types.WorkflowDefinition) error

	// GetWorkflow retrieves a workflow by ID within a tenant.
	GetWorkflow(ctx context.Context, id, tenantID string) (types.WorkflowDefinition, error)
}

// RunStore persists runs and their node log entries. Every method is its own
// atomic write; no transaction spans more than one call.
type RunStore interface {
	// CreateRun inserts a new run.
	CreateRun(ctx context.Context, run types.WorkflowRun) error

	// AppendLog appends a log entry to a RUNNING run.
	AppendLog(ctx context.Context, entry types.WorkflowLogEntry) error

	// FinalizeRun moves a RUNNING run to a terminal status. It returns
	// ErrRunNotRunning if the run is already terminal.
	FinalizeRun(ctx context.Context, fin Finalization) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id uint64) (types.WorkflowRun, error)

	// ListLogs returns the log entries of a run in visitation order.
	ListLogs(ctx context.Context, runID uint64) ([]types.WorkflowLogEntry, error)
}

// RunPruner deletes finished runs.
type RunPruner interface {
	// ClearCompleted removes terminal runs that completed before cutoff,
	// together with their logs, and returns how many runs were removed.
	// RUNNING runs are never removed.
	ClearCompleted(ctx context.Context, cutoff time.Time) (int, error)
}

// Storage combines definition and run persistence with run retention.
type Storage interface {
	DefinitionStore
	RunStore
	RunPruner
}

// Finalization is the terminal transition of a run.
type Finalization struct {
	RunID       uint64
	Status      types.RunStatus
	Result      map[string]interface{}
	Error       string
	CompletedAt time.Time
}

// expired reports whether run finished before cutoff.
func expired(run types.WorkflowRun, cutoff time.Time) bool {
	return run.Status.Terminal() && run.CompletedAt != nil && run.CompletedAt.Before(cutoff)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
