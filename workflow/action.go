package workflow

import (
	"context"

	"github.com/songzhibin97/omniflow/nodes"
)

// NodeEvaluator executes a single node against a run's execution context.
// *nodes.Evaluator is the production implementation.
type NodeEvaluator interface {
	// Evaluate returns the node output. execCtx must not be modified.
	Evaluate(ctx context.Context, node nodes.Node, execCtx map[string]interface{}, tenantID string) (map[string]interface{}, error)
}

// NodeEvaluatorFunc is a function adapter for NodeEvaluator.
type NodeEvaluatorFunc func(ctx context.Context, node nodes.Node, execCtx map[string]interface{}, tenantID string) (map[string]interface{}, error)

// Evaluate implements the NodeEvaluator interface.
func (f NodeEvaluatorFunc) Evaluate(ctx context.Context, node nodes.Node, execCtx map[string]interface{}, tenantID string) (map[string]interface{}, error) {
	return f(ctx, node, execCtx, tenantID)
}

var _ NodeEvaluator = (*nodes.Evaluator)(nil)
