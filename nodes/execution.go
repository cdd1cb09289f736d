package nodes

import (
	"context"
	"strconv"
)

type executionKey struct{}

type execution struct {
	runID  uint64
	nodeID string
}

// WithExecution records the run and node an evaluation belongs to.
func WithExecution(ctx context.Context, runID uint64, nodeID string) context.Context {
	return context.WithValue(ctx, executionKey{}, execution{runID: runID, nodeID: nodeID})
}

// IdempotencyKey returns a key that is stable across retries of the same node
// in the same run. It is false when ctx carries no execution.
func IdempotencyKey(ctx context.Context) (string, bool) {
	x, ok := ctx.Value(executionKey{}).(execution)
	if !ok {
		return "", false
	}
	return strconv.FormatUint(x.runID, 10) + ":" + x.nodeID, true
}
