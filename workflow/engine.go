// Package workflow drives workflow runs: it loads a published definition,
// walks its graph node by node and records every step in the run ledger.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/songzhibin97/omniflow/events"
	"github.com/songzhibin97/omniflow/graph"
	"github.com/songzhibin97/omniflow/ledger"
	"github.com/songzhibin97/omniflow/nodes"
	"github.com/songzhibin97/omniflow/storage"
	"github.com/songzhibin97/omniflow/types"
)

// Phase is a step of the per-run state machine before a terminal status.
type Phase string

const (
	PhaseLoading    Phase = "LOADING"
	PhaseValidating Phase = "VALIDATING"
	PhaseRunning    Phase = "RUNNING"
)

const tracerName = "github.com/songzhibin97/omniflow/workflow"

// errCancelRequested is the cancellation cause set by Engine.Cancel.
var errCancelRequested = errors.New("cancelled by operator")

// Engine executes workflow runs. It is safe for concurrent use; every
// Execute call owns its own execution context.
type Engine struct {
	defs      storage.DefinitionStore
	ledger    *ledger.Ledger
	evaluator NodeEvaluator
	eventBus  *events.EventBus
	tracer    trace.Tracer
	logger    *slog.Logger
	branching bool

	ledgerOpts []ledger.Option

	mu      sync.Mutex
	running map[uint64]context.CancelCauseFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithBranching lets CONDITION results choose between on_true and on_false
// edges. By default the first outgoing edge is always followed.
func WithBranching() Option {
	return func(e *Engine) { e.branching = true }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracer sets the tracer used for run and node spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithEventBus publishes run lifecycle events on bus instead of a private one.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.eventBus = bus
		}
	}
}

// WithLedgerOptions passes options to the run ledger.
func WithLedgerOptions(opts ...ledger.Option) Option {
	return func(e *Engine) { e.ledgerOpts = append(e.ledgerOpts, opts...) }
}

// NewEngine creates an Engine. A nil store falls back to in-memory storage
// and a nil evaluator to nodes.NewEvaluator() without collaborators.
func NewEngine(store storage.Storage, gen generator.Generator, evaluator NodeEvaluator, opts ...Option) (*Engine, error) {
	if gen == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if evaluator == nil {
		evaluator = nodes.NewEvaluator()
	}

	e := &Engine{
		defs:      store,
		evaluator: evaluator,
		tracer:    otel.Tracer(tracerName),
		logger:    slog.Default(),
		running:   make(map[uint64]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.eventBus == nil {
		e.eventBus = events.NewEventBus(events.WithLogger(e.logger))
	}

	l, err := ledger.New(store, gen, append([]ledger.Option{ledger.WithLogger(e.logger)}, e.ledgerOpts...)...)
	if err != nil {
		return nil, err
	}
	e.ledger = l
	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

// UnsubscribeEvent removes a handler added with SubscribeEvent and reports
// whether it was subscribed.
func (e *Engine) UnsubscribeEvent(eventType string, handler events.EventHandler) bool {
	return e.eventBus.Unsubscribe(eventType, handler)
}

// Execute performs one execution request. NOT_FOUND and NOT_PUBLISHED fail
// before a run exists and return a zero result. Once a run is opened the
// result always carries its id and terminal status; a FAILED run is also
// reported as an error whose types.Kind tells the caller whether a retry
// can help.
func (e *Engine) Execute(ctx context.Context, req types.ExecutionRequest) (types.ExecutionResult, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.execute", trace.WithAttributes(
		attribute.String("omniflow.workflow_id", req.WorkflowID),
		attribute.String("omniflow.tenant_id", req.TenantID),
	))
	defer span.End()

	log := e.logger.With("workflow_id", req.WorkflowID, "tenant_id", req.TenantID)

	span.AddEvent(string(PhaseLoading))
	wf, err := e.defs.GetWorkflow(ctx, req.WorkflowID, req.TenantID)
	if err != nil {
		if errors.Is(err, storage.ErrWorkflowNotFound) {
			err = fmt.Errorf("%w: %s", types.ErrNotFound, req.WorkflowID)
		} else {
			err = fmt.Errorf("%w: load workflow %s: %w", types.ErrPersistence, req.WorkflowID, err)
		}
		return types.ExecutionResult{}, e.reject(ctx, span, log, err)
	}

	span.AddEvent(string(PhaseValidating))
	if wf.Status != types.StatusPublished {
		err := fmt.Errorf("%w: %s is %s", types.ErrNotPublished, wf.ID, wf.Status)
		return types.ExecutionResult{}, e.reject(ctx, span, log, err)
	}

	span.AddEvent(string(PhaseRunning))
	runID, err := e.ledger.OpenRun(ctx, wf.ID, req.TenantID, req.TriggerData, req.ContextData)
	if err != nil {
		return types.ExecutionResult{}, e.reject(ctx, span, log, err)
	}
	span.SetAttributes(attribute.Int64("omniflow.run_id", int64(runID)))
	log = log.With("run_id", runID)
	log.InfoContext(ctx, "run started")
	started := time.Now()

	runCtx, cancel := context.WithCancelCause(ctx)
	e.track(runID, cancel)
	defer func() {
		e.untrack(runID)
		cancel(nil)
	}()

	e.publish(ctx, events.RunStarted, runID, wf, map[string]interface{}{"nodes": len(wf.Graph.Nodes)})

	execCtx := seedContext(req.TriggerData, req.ContextData)
	runErr := e.run(runCtx, log, runID, wf, req.TenantID, execCtx)

	status, result, errMsg := types.RunCompleted, execCtx, ""
	if runErr != nil {
		status, result, errMsg = types.RunFailed, nil, runErr.Error()
	}

	// The terminal write must land even when the caller's context is done.
	finErr := e.ledger.Finalize(context.WithoutCancel(ctx), runID, status, result, errMsg)
	if finErr != nil && !errors.Is(finErr, ledger.ErrAlreadyFinalized) {
		log.ErrorContext(ctx, "failed to finalize run", "status", status, "error", finErr)
		runErr = errors.Join(runErr, finErr)
	}

	res := types.ExecutionResult{RunID: runID, Status: status}
	// Handlers have seen the outcome by the time Execute returns.
	e.publishSync(ctx, events.RunFinished, runID, wf, map[string]interface{}{
		"status":      string(status),
		"error":       errMsg,
		"kind":        string(types.Kind(runErr)),
		"duration_ms": time.Since(started).Milliseconds(),
	})

	if runErr != nil {
		span.SetStatus(codes.Error, runErr.Error())
		span.RecordError(runErr)
		log.WarnContext(ctx, "run failed", "kind", types.Kind(runErr), "error", errMsg)
		return res, runErr
	}
	span.SetStatus(codes.Ok, "")
	log.InfoContext(ctx, "run completed")
	return res, nil
}

// run walks the graph until it ends, a node fails or the run is cancelled.
// It mutates execCtx in place.
func (e *Engine) run(ctx context.Context, log *slog.Logger, runID uint64, wf types.WorkflowDefinition, tenantID string, execCtx map[string]interface{}) error {
	g, err := graph.Compile(wf.Graph)
	if err != nil {
		return err
	}
	var walkOpts []graph.WalkerOption
	if e.branching {
		walkOpts = append(walkOpts, graph.WithBranching())
	}
	walker, err := graph.NewWalker(g, walkOpts...)
	if err != nil {
		return err
	}
	defer func() {
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("omniflow.nodes_visited", walker.Visited()))
	}()

	for {
		if ctx.Err() != nil {
			return cancelled(ctx)
		}
		node, ok, err := walker.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		output, elapsed, err := e.evaluate(ctx, runID, node, execCtx, tenantID)
		if ctx.Err() != nil {
			// The node was abandoned; it gets no log entry.
			return cancelled(ctx)
		}

		entry := ledger.NodeLog{
			RunID:    runID,
			NodeID:   node.ID(),
			NodeType: node.Type(),
			Status:   types.LogSuccess,
			Input:    node.Spec().Data,
			Output:   output,
			Duration: elapsed,
		}
		if err != nil {
			entry.Status, entry.Output, entry.Error = types.LogError, nil, err.Error()
		}
		e.ledger.LogNode(ctx, entry)
		e.publish(ctx, events.NodeExecuted, runID, wf, map[string]interface{}{
			"node_id":     node.ID(),
			"node_type":   string(node.Type()),
			"status":      string(entry.Status),
			"duration_ms": elapsed.Milliseconds(),
			"error":       entry.Error,
		})

		if err != nil {
			return fmt.Errorf("Node %s failed: %w", node.ID(), err)
		}
		execCtx[node.ID()] = output
		walker.Resolve(output)
	}

	if id, ok := walker.Cycle(); ok {
		log.InfoContext(ctx, "walk stopped at already visited node", "node_id", id)
	}
	return nil
}

func (e *Engine) evaluate(ctx context.Context, runID uint64, node nodes.Node, execCtx map[string]interface{}, tenantID string) (map[string]interface{}, time.Duration, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.node", trace.WithAttributes(
		attribute.Int64("omniflow.run_id", int64(runID)),
		attribute.String("omniflow.node_id", node.ID()),
		attribute.String("omniflow.node_type", string(node.Type())),
	))
	defer span.End()

	start := time.Now()
	output, err := e.evaluator.Evaluate(nodes.WithExecution(ctx, runID, node.ID()), node, execCtx, tenantID)
	elapsed := time.Since(start)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		span.SetAttributes(attribute.String("omniflow.error_kind", string(types.Kind(err))))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return output, elapsed, err
}

// reject reports a failure that happened before any run was opened.
func (e *Engine) reject(ctx context.Context, span trace.Span, log *slog.Logger, err error) error {
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
	log.WarnContext(ctx, "execution rejected", "kind", types.Kind(err), "error", err)
	return err
}

// Cancel requests early termination of an in-flight run. The run finalizes
// FAILED with a CANCELLED reason. It reports whether the run was found.
func (e *Engine) Cancel(runID uint64) bool {
	e.mu.Lock()
	cancel, ok := e.running[runID]
	e.mu.Unlock()
	if ok {
		cancel(errCancelRequested)
	}
	return ok
}

// Running returns the number of runs in flight.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

func (e *Engine) track(runID uint64, cancel context.CancelCauseFunc) {
	e.mu.Lock()
	e.running[runID] = cancel
	e.mu.Unlock()
}

func (e *Engine) untrack(runID uint64) {
	e.mu.Lock()
	delete(e.running, runID)
	e.mu.Unlock()
}

func (e *Engine) publish(ctx context.Context, eventType string, runID uint64, wf types.WorkflowDefinition, data map[string]interface{}) {
	err := e.eventBus.Publish(context.WithoutCancel(ctx), runEvent(eventType, runID, wf, data))
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.DebugContext(ctx, "event not published", "event", eventType, "run_id", runID, "error", err)
	}
}

func (e *Engine) publishSync(ctx context.Context, eventType string, runID uint64, wf types.WorkflowDefinition, data map[string]interface{}) {
	for _, err := range e.eventBus.PublishSync(context.WithoutCancel(ctx), runEvent(eventType, runID, wf, data)) {
		if !errors.Is(err, events.ErrNoHandler) {
			e.logger.WarnContext(ctx, "event handler failed", "event", eventType, "run_id", runID, "error", err)
		}
	}
}

func runEvent(eventType string, runID uint64, wf types.WorkflowDefinition, data map[string]interface{}) events.Event {
	return events.Event{
		Type:       eventType,
		RunID:      runID,
		WorkflowID: wf.ID,
		TenantID:   wf.TenantID,
		Data:       data,
	}
}

// Stop shuts down the event bus. In-flight runs are not interrupted.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.eventBus.Stop()
		return nil
	}
}

// cancelled builds the run error for a cancelled run context.
func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", types.ErrCancelled, context.Cause(ctx))
}

// seedContext builds a run's execution context: trigger data first, then
// context data, which wins on key collisions.
func seedContext(trigger, contextData map[string]interface{}) map[string]interface{} {
	execCtx := make(map[string]interface{}, len(trigger)+len(contextData))
	for k, v := range trigger {
		execCtx[k] = v
	}
	for k, v := range contextData {
		execCtx[k] = v
	}
	return execCtx
}
