package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/songzhibin97/omniflow/rules"
	"github.com/songzhibin97/omniflow/types"
)

const (
	defaultActionTimeout = 30 * time.Second
	defaultHTTPTimeout   = 30 * time.Second
	maxResponseBody      = 1 << 20
)

// Context keys consulted, in order, for a SEND_MESSAGE target when the node
// does not configure one.
var targetKeys = []string{"leadId", "contactId", "phone"}

// Ack acknowledges a message accepted by a channel.
type Ack struct {
	MessageID string `json:"messageId"`
}

// ChannelSender delivers a message to a contact over the tenant's channel.
type ChannelSender interface {
	Send(ctx context.Context, tenantID, target, content string) (Ack, error)
}

// LeadCreator creates a CRM lead and returns its id.
type LeadCreator interface {
	CreateLead(ctx context.Context, tenantID string, payload map[string]interface{}) (string, error)
}

// Evaluator executes single nodes. It holds no per-run state and is safe for
// concurrent use by many runs.
type Evaluator struct {
	sender        ChannelSender
	leads         LeadCreator
	client        *http.Client
	rules         rules.Evaluator
	actionTimeout time.Duration
	httpTimeout   time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithChannelSender sets the collaborator used by SEND_MESSAGE actions.
func WithChannelSender(s ChannelSender) Option {
	return func(e *Evaluator) { e.sender = s }
}

// WithLeadCreator sets the collaborator used by CREATE_LEAD actions.
func WithLeadCreator(l LeadCreator) Option {
	return func(e *Evaluator) { e.leads = l }
}

// WithHTTPClient sets the client used by HTTP nodes.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Evaluator) { e.client = c }
}

// WithRules sets the evaluator for condition expressions. The default one
// also exposes "hour" (0-23) and "weekday" (e.g. "Monday") from the clock.
func WithRules(r rules.Evaluator) Option {
	return func(e *Evaluator) { e.rules = r }
}

// WithActionTimeout bounds every collaborator call made by ACTION nodes.
func WithActionTimeout(d time.Duration) Option {
	return func(e *Evaluator) { e.actionTimeout = d }
}

// WithHTTPTimeout sets the default timeout for HTTP nodes without timeoutMs.
func WithHTTPTimeout(d time.Duration) Option {
	return func(e *Evaluator) { e.httpTimeout = d }
}

// WithClock sets the clock behind the default expression variables.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{
		client:        &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		actionTimeout: defaultActionTimeout,
		httpTimeout:   defaultHTTPTimeout,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rules == nil {
		e.rules = clockRules(e.now)
	}
	return e
}

func clockRules(now func() time.Time) *rules.ExprEvaluator {
	r := rules.NewExprEvaluator()
	r.AddVariable("hour", func(map[string]interface{}) interface{} { return now().Hour() })
	r.AddVariable("weekday", func(map[string]interface{}) interface{} { return now().Weekday().String() })
	return r
}

// Evaluate runs node against the execution context on behalf of tenantID and
// returns the output to merge into the context. execCtx is only read.
func (e *Evaluator) Evaluate(ctx context.Context, node Node, execCtx map[string]interface{}, tenantID string) (map[string]interface{}, error) {
	switch n := node.(type) {
	case *TriggerNode:
		return map[string]interface{}{"triggered": true}, nil
	case *ActionNode:
		return e.action(ctx, n, execCtx, tenantID)
	case *ConditionNode:
		return e.condition(n, execCtx)
	case *DelayNode:
		return delay(ctx, n)
	case *HTTPNode:
		return e.http(ctx, n, execCtx)
	case *Invalid:
		return nil, n.Err
	case nil:
		return nil, fmt.Errorf("%w: nil node", types.ErrConfig)
	default:
		return nil, fmt.Errorf("%w: unsupported node %s of type %s", types.ErrConfig, node.ID(), node.Type())
	}
}

func (e *Evaluator) action(ctx context.Context, n *ActionNode, execCtx map[string]interface{}, tenantID string) (map[string]interface{}, error) {
	switch n.ActionType {
	case ActionSendMessage:
		target := Interpolate(n.Target, execCtx)
		if target == "" {
			for _, key := range targetKeys {
				if v, ok := execCtx[key]; ok && v != nil {
					target = toString(v)
					break
				}
			}
		}
		if target == "" {
			return nil, fmt.Errorf("%w: action node %s: no message target in configuration or context", types.ErrConfig, n.ID())
		}
		if e.sender == nil {
			return nil, fmt.Errorf("%w: no channel sender configured", types.ErrExternal)
		}
		content := Interpolate(n.Message, execCtx)

		callCtx, cancel := context.WithTimeout(ctx, e.actionTimeout)
		defer cancel()
		e.logger.Info("sending message", "node_id", n.ID(), "tenant_id", tenantID, "target", target)
		ack, err := e.sender.Send(callCtx, tenantID, target, content)
		if err != nil {
			return nil, fmt.Errorf("%w: send message: %v", types.ErrExternal, err)
		}
		return map[string]interface{}{"sent": true, "messageId": ack.MessageID}, nil

	case ActionCreateLead:
		if e.leads == nil {
			return nil, fmt.Errorf("%w: no lead creator configured", types.ErrExternal)
		}
		payload := make(map[string]interface{}, len(n.LeadData))
		for k, v := range n.LeadData {
			if s, ok := v.(string); ok {
				v = Interpolate(s, execCtx)
			}
			payload[k] = v
		}

		callCtx, cancel := context.WithTimeout(ctx, e.actionTimeout)
		defer cancel()
		e.logger.Info("creating lead", "node_id", n.ID(), "tenant_id", tenantID)
		leadID, err := e.leads.CreateLead(callCtx, tenantID, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: create lead: %v", types.ErrExternal, err)
		}
		return map[string]interface{}{"created": true, "leadId": leadID}, nil

	default:
		// Unknown sub-types are accepted as no-ops.
		e.logger.Warn("unknown action type, skipping", "node_id", n.ID(), "action_type", n.ActionType)
		return map[string]interface{}{"executed": true}, nil
	}
}

func (e *Evaluator) condition(n *ConditionNode, execCtx map[string]interface{}) (map[string]interface{}, error) {
	if n.Expression != "" {
		ok, err := e.rules.Evaluate(n.Expression, execCtx)
		if err != nil {
			return nil, fmt.Errorf("%w: condition node %s: %v", types.ErrConfig, n.ID(), err)
		}
		return map[string]interface{}{"result": ok}, nil
	}
	left, _ := Lookup(execCtx, n.Condition.Field)
	return map[string]interface{}{"result": Compare(n.Condition.Operator, left, n.Condition.Value)}, nil
}

func delay(ctx context.Context, n *DelayNode) (map[string]interface{}, error) {
	timer := time.NewTimer(n.Delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: delay interrupted: %v", types.ErrCancelled, context.Cause(ctx))
	case <-timer.C:
		return map[string]interface{}{"delayed": n.DelayMs}, nil
	}
}

func (e *Evaluator) http(ctx context.Context, n *HTTPNode, execCtx map[string]interface{}) (map[string]interface{}, error) {
	timeout := n.Timeout()
	if timeout == 0 {
		timeout = e.httpTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	switch b := n.Body.(type) {
	case nil:
	case string:
		body = strings.NewReader(Interpolate(b, execCtx))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("%w: http node %s: encode body: %v", types.ErrConfig, n.ID(), err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(reqCtx, strings.ToUpper(n.Method), Interpolate(n.URL, execCtx), body)
	if err != nil {
		return nil, fmt.Errorf("%w: http node %s: %v", types.ErrConfig, n.ID(), err)
	}
	for k, v := range n.Headers {
		req.Header.Set(k, Interpolate(v, execCtx))
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: http node %s: timed out after %s", types.ErrExternal, n.ID(), timeout)
		}
		return nil, fmt.Errorf("%w: http node %s: %v", types.ErrExternal, n.ID(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: http node %s: read response: %v", types.ErrExternal, n.ID(), err)
	}

	headers := make(map[string]interface{}, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		decoded = string(raw)
	}

	return map[string]interface{}{
		"status":  resp.StatusCode,
		"headers": headers,
		"body":    decoded,
	}, nil
}
