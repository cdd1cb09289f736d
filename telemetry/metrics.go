package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/songzhibin97/omniflow/events"
	"github.com/songzhibin97/omniflow/types"
)

// MetricsHandler translates run lifecycle events into OpenTelemetry metrics.
// Subscribe it to every event type with EventBus.SubscribeAll.
type MetricsHandler struct {
	runsStarted    metric.Int64Counter
	runsFinished   metric.Int64Counter
	nodeExecutions metric.Int64Counter
	nodeFailures   metric.Int64Counter
	nodeDuration   metric.Float64Histogram
	runDuration    metric.Float64Histogram
}

// NewMetricsHandler creates the instruments on meter.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	runsStarted, err := meter.Int64Counter("omniflow.run.started",
		metric.WithDescription("Number of workflow runs opened"),
	)
	if err != nil {
		return nil, err
	}

	runsFinished, err := meter.Int64Counter("omniflow.run.finished",
		metric.WithDescription("Number of workflow runs finalized"),
	)
	if err != nil {
		return nil, err
	}

	nodeExec, err := meter.Int64Counter("omniflow.node.executions",
		metric.WithDescription("Number of node executions"),
	)
	if err != nil {
		return nil, err
	}

	nodeFail, err := meter.Int64Counter("omniflow.node.failures",
		metric.WithDescription("Number of node failures"),
	)
	if err != nil {
		return nil, err
	}

	nodeDur, err := meter.Float64Histogram("omniflow.node.duration",
		metric.WithDescription("Duration of node execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("omniflow.run.duration",
		metric.WithDescription("Duration of workflow run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		runsStarted:    runsStarted,
		runsFinished:   runsFinished,
		nodeExecutions: nodeExec,
		nodeFailures:   nodeFail,
		nodeDuration:   nodeDur,
		runDuration:    runDur,
	}, nil
}

// Handle implements events.EventHandler.
func (h *MetricsHandler) Handle(ctx context.Context, e events.Event) error {
	switch e.Type {
	case events.RunStarted:
		h.runsStarted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tenant_id", e.TenantID),
			attribute.String("workflow_id", e.WorkflowID),
		))
	case events.NodeExecuted:
		h.handleNodeExecuted(ctx, e)
	case events.RunFinished:
		h.handleRunFinished(ctx, e)
	}
	return nil
}

func (h *MetricsHandler) handleNodeExecuted(ctx context.Context, e events.Event) {
	nodeType := stringField(e.Data, "node_type")
	attrs := metric.WithAttributes(
		attribute.String("node_type", nodeType),
		attribute.String("workflow_id", e.WorkflowID),
	)
	h.nodeExecutions.Add(ctx, 1, attrs)
	h.nodeDuration.Record(ctx, millis(e.Data["duration_ms"]).Seconds(), attrs)
	if stringField(e.Data, "status") == string(types.LogError) {
		h.nodeFailures.Add(ctx, 1, attrs)
	}
}

func (h *MetricsHandler) handleRunFinished(ctx context.Context, e events.Event) {
	attrs := metric.WithAttributes(
		attribute.String("workflow_id", e.WorkflowID),
		attribute.String("status", stringField(e.Data, "status")),
		attribute.String("kind", stringField(e.Data, "kind")),
	)
	h.runsFinished.Add(ctx, 1, attrs)
	h.runDuration.Record(ctx, millis(e.Data["duration_ms"]).Seconds(), attrs)
}

func stringField(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}

func millis(v interface{}) time.Duration {
	switch n := v.(type) {
	case int64:
		return time.Duration(n) * time.Millisecond
	case int:
		return time.Duration(n) * time.Millisecond
	case float64:
		return time.Duration(n * float64(time.Millisecond))
	}
	return 0
}

var _ events.EventHandler = (*MetricsHandler)(nil)
