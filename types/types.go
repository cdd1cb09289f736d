package types

import "time"

// WorkflowStatus is the publication status of a workflow definition.
type WorkflowStatus string

// NodeType tags a node in the workflow graph.
type NodeType string

// RunStatus is the lifecycle status of a workflow run.
type RunStatus string

// LogStatus is the outcome recorded for one visited node.
type LogStatus string

const (
	StatusDraft     WorkflowStatus = "DRAFT"
	StatusPublished WorkflowStatus = "PUBLISHED"
	StatusArchived  WorkflowStatus = "ARCHIVED"

	NodeTrigger   NodeType = "TRIGGER"
	NodeAction    NodeType = "ACTION"
	NodeCondition NodeType = "CONDITION"
	NodeDelay     NodeType = "DELAY"
	NodeHTTP      NodeType = "HTTP"

	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"

	LogSuccess LogStatus = "SUCCESS"
	LogError   LogStatus = "ERROR"
	LogSkipped LogStatus = "SKIPPED"

	// Edge branch tags, only honoured when condition branching is enabled.
	BranchTrue  = "on_true"
	BranchFalse = "on_false"
)

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	switch t {
	case NodeTrigger, NodeAction, NodeCondition, NodeDelay, NodeHTTP:
		return true
	}
	return false
}

// Terminal reports whether s is a final run state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// WorkflowDefinition is the immutable snapshot of a workflow consumed by a run.
type WorkflowDefinition struct {
	ID        string         `json:"id" yaml:"id"`
	TenantID  string         `json:"tenant_id" yaml:"tenant_id"`
	Name      string         `json:"name" yaml:"name"`
	Status    WorkflowStatus `json:"status" yaml:"status"`
	Graph     Graph          `json:"graph" yaml:"graph"`
	UpdatedAt time.Time      `json:"updated_at" yaml:"updated_at,omitempty"`
}

// Graph holds the nodes and directed edges of a workflow.
type Graph struct {
	Nodes []NodeSpec `json:"nodes" yaml:"nodes"`
	Edges []EdgeSpec `json:"edges" yaml:"edges"`
}

// NodeSpec is one node as stored by the workflow builder. Data is the
// type-specific configuration, untyped at this boundary.
type NodeSpec struct {
	ID   string                 `json:"id" yaml:"id"`
	Type NodeType               `json:"type" yaml:"type"`
	Data map[string]interface{} `json:"data,omitempty" yaml:"data,omitempty"`
}

// EdgeSpec connects two nodes. Branch is either empty, BranchTrue or BranchFalse.
type EdgeSpec struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	Branch string `json:"branch,omitempty" yaml:"branch,omitempty"`
}

// WorkflowRun is one execution attempt of a published workflow.
type WorkflowRun struct {
	ID          uint64                 `json:"id"`
	WorkflowID  string                 `json:"workflow_id"`
	TenantID    string                 `json:"tenant_id"`
	Status      RunStatus              `json:"status"`
	TriggerData map[string]interface{} `json:"trigger_data"`
	ContextData map[string]interface{} `json:"context_data"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// WorkflowLogEntry records the outcome of one node visited by a run.
type WorkflowLogEntry struct {
	ID         uint64                 `json:"id"`
	RunID      uint64                 `json:"run_id"`
	Seq        int                    `json:"seq"`
	NodeID     string                 `json:"node_id"`
	NodeType   NodeType               `json:"node_type"`
	Status     LogStatus              `json:"status"`
	Input      map[string]interface{} `json:"input"`
	Output     map[string]interface{} `json:"output"`
	Error      string                 `json:"error,omitempty"`
	DurationMs int64                  `json:"duration_ms"`
	CreatedAt  time.Time              `json:"created_at"`
}

// ExecutionRequest is the payload of one execution job.
type ExecutionRequest struct {
	WorkflowID  string                 `json:"workflowId"`
	TenantID    string                 `json:"tenantId"`
	TriggerData map[string]interface{} `json:"triggerData,omitempty"`
	ContextData map[string]interface{} `json:"contextData,omitempty"`
}

// ExecutionResult is reported back to the job consumer.
type ExecutionResult struct {
	RunID  uint64    `json:"runId"`
	Status RunStatus `json:"status"`
}
