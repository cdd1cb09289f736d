package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator defines the interface for evaluating boolean condition expressions
// against a run's execution context.
type Evaluator interface {
	Evaluate(expression string, context map[string]interface{}) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
// Compiled programs are cached per expression; variables are resolved at run
// time so one program can serve contexts of different shapes.
type ExprEvaluator struct {
	cache     map[string]*vm.Program
	mu        sync.RWMutex
	functions map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:     make(map[string]*vm.Program),
		functions: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddVariable registers a derived variable computed from the context before
// every evaluation, e.g. "now" or a normalized lead score.
func (e *ExprEvaluator) AddVariable(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.functions[name] = f
	// derived variables change the environment; drop stale programs
	e.cache = make(map[string]*vm.Program)
}

// Evaluate evaluates the given expression against the provided context.
// The context is not modified. The expression must evaluate to a boolean.
func (e *ExprEvaluator) Evaluate(expression string, context map[string]interface{}) (bool, error) {
	env := make(map[string]interface{}, len(context)+len(e.functions))
	for k, v := range context {
		env[k] = v
	}

	e.mu.RLock()
	for k, f := range e.functions {
		env[k] = f(context)
	}
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}
