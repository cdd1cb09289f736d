// Package nodes turns stored node specs into typed nodes and evaluates them
// against a run's execution context.
package nodes

import (
	"fmt"
	"math"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/songzhibin97/omniflow/types"
)

// Action sub-types understood by the evaluator.
const (
	ActionSendMessage = "SEND_MESSAGE"
	ActionCreateLead  = "CREATE_LEAD"
)

// Condition operators. Any other operator evaluates to true.
const (
	OpEquals      = "equals"
	OpContains    = "contains"
	OpGreaterThan = "greater_than"
)

const (
	defaultDelay      = 1000 * time.Millisecond
	defaultHTTPMethod = "GET"

	// maxMillis is the largest millisecond count a time.Duration can hold.
	maxMillis = math.MaxInt64 / int64(time.Millisecond)
)

// Node is a typed workflow node. The set of implementations is closed:
// TriggerNode, ActionNode, ConditionNode, DelayNode, HTTPNode and Invalid.
type Node interface {
	ID() string
	Type() types.NodeType
	// Spec returns the stored form the node was parsed from.
	Spec() types.NodeSpec
	sealed()
}

type base struct {
	spec types.NodeSpec
}

func (b base) ID() string           { return b.spec.ID }
func (b base) Type() types.NodeType { return b.spec.Type }
func (b base) Spec() types.NodeSpec { return b.spec }
func (base) sealed()                {}

// TriggerNode is the unique entry point of a workflow.
type TriggerNode struct {
	base
}

// ActionNode invokes an external collaborator selected by ActionType.
type ActionNode struct {
	base
	ActionType string                 `mapstructure:"actionType"`
	Target     string                 `mapstructure:"target"`
	Message    string                 `mapstructure:"message"`
	LeadData   map[string]interface{} `mapstructure:"leadData"`
}

// Condition is the field/operator/value triple of a CONDITION node.
type Condition struct {
	Field    string      `mapstructure:"field"`
	Operator string      `mapstructure:"operator"`
	Value    interface{} `mapstructure:"value"`
}

// ConditionNode produces a boolean result from the execution context.
// Expression, when set, takes precedence over the field/operator triple.
type ConditionNode struct {
	base
	Condition  Condition `mapstructure:"condition"`
	Expression string    `mapstructure:"expression"`
}

// DelayNode suspends the run for Delay.
type DelayNode struct {
	base
	DelayMs int64         `mapstructure:"delayMs"`
	Delay   time.Duration `mapstructure:"-"`
}

// HTTPNode performs one outbound HTTP request.
type HTTPNode struct {
	base
	Method    string            `mapstructure:"method"`
	URL       string            `mapstructure:"url"`
	Headers   map[string]string `mapstructure:"headers"`
	Body      interface{}       `mapstructure:"body"`
	TimeoutMs int64             `mapstructure:"timeoutMs"`
}

// Timeout returns the per-node timeout, zero when unset.
func (n *HTTPNode) Timeout() time.Duration {
	return time.Duration(n.TimeoutMs) * time.Millisecond
}

// Invalid stands in for a node whose configuration failed validation.
// Evaluating it returns Err.
type Invalid struct {
	base
	Err error
}

// Parse validates spec against its type and returns the typed node. On a
// configuration error it returns an *Invalid carrying the same error, so the
// failure can be reported when the node is reached.
func Parse(spec types.NodeSpec) (Node, error) {
	var (
		node Node
		err  error
	)
	b := base{spec: spec}
	switch spec.Type {
	case types.NodeTrigger:
		node = &TriggerNode{base: b}
	case types.NodeAction:
		n := &ActionNode{base: b}
		err = decode(spec.Data, n)
		if err == nil {
			switch {
			case n.ActionType == ActionSendMessage && n.Message == "":
				err = fmt.Errorf("%w: action node %s: message is required for %s", types.ErrConfig, spec.ID, ActionSendMessage)
			case n.ActionType == ActionCreateLead && n.LeadData == nil:
				err = fmt.Errorf("%w: action node %s: leadData is required for %s", types.ErrConfig, spec.ID, ActionCreateLead)
			}
		}
		node = n
	case types.NodeCondition:
		n := &ConditionNode{base: b}
		err = decode(spec.Data, n)
		if err == nil && n.Condition.Field == "" && n.Expression == "" {
			// flat form: {field, operator, value}
			err = decode(spec.Data, &n.Condition)
			if err == nil && n.Condition.Field == "" {
				err = fmt.Errorf("%w: condition node %s: field or expression is required", types.ErrConfig, spec.ID)
			}
		}
		node = n
	case types.NodeDelay:
		n := &DelayNode{base: b}
		err = decode(spec.Data, n)
		if err == nil {
			switch {
			case n.DelayMs < 0:
				err = fmt.Errorf("%w: delay node %s: delayMs must not be negative", types.ErrConfig, spec.ID)
			case n.DelayMs > maxMillis:
				err = fmt.Errorf("%w: delay node %s: delayMs exceeds %d", types.ErrConfig, spec.ID, maxMillis)
			case n.DelayMs == 0:
				n.DelayMs = defaultDelay.Milliseconds()
			}
			n.Delay = time.Duration(n.DelayMs) * time.Millisecond
		}
		node = n
	case types.NodeHTTP:
		n := &HTTPNode{base: b}
		err = decode(spec.Data, n)
		if err == nil {
			if n.Method == "" {
				n.Method = defaultHTTPMethod
			}
			if n.URL == "" {
				err = fmt.Errorf("%w: http node %s: url is required", types.ErrConfig, spec.ID)
			} else if n.TimeoutMs < 0 {
				err = fmt.Errorf("%w: http node %s: timeoutMs must not be negative", types.ErrConfig, spec.ID)
			} else if n.TimeoutMs > maxMillis {
				err = fmt.Errorf("%w: http node %s: timeoutMs exceeds %d", types.ErrConfig, spec.ID, maxMillis)
			}
		}
		node = n
	default:
		err = fmt.Errorf("%w: node %s: unknown node type %q", types.ErrConfig, spec.ID, spec.Type)
	}

	if err != nil {
		return &Invalid{base: b, Err: err}, err
	}
	return node, nil
}

func decode(data map[string]interface{}, out interface{}) error {
	if len(data) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result: out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(data); err != nil {
		return fmt.Errorf("%w: %v", types.ErrConfig, err)
	}
	return nil
}
