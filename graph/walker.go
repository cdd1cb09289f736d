package graph

import (
	"fmt"

	"github.com/songzhibin97/omniflow/nodes"
	"github.com/songzhibin97/omniflow/types"
)

// WalkerOption configures a Walker.
type WalkerOption func(*Walker)

// WithBranching makes CONDITION results select between edges tagged
// types.BranchTrue and types.BranchFalse. Without it a condition result has
// no effect on traversal and the first outgoing edge is always followed.
func WithBranching() WalkerOption {
	return func(w *Walker) { w.branching = true }
}

// Walker yields the nodes of one run in visitation order. It is lazy, finite
// and not restartable: every node id is yielded at most once, and once the
// walk ends Next keeps reporting false.
type Walker struct {
	g         *Graph
	branching bool
	visited   map[string]struct{}
	current   string
	output    map[string]interface{}
	started   bool
	done      bool
	cycle     string
}

// NewWalker creates a walker positioned before the trigger node.
func NewWalker(g *Graph, opts ...WalkerOption) (*Walker, error) {
	if _, err := g.Trigger(); err != nil {
		return nil, err
	}
	w := &Walker{
		g:       g,
		visited: make(map[string]struct{}, g.Len()),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Resolve records the output of the node last returned by Next. Only
// CONDITION outputs influence traversal, and only with branching enabled.
func (w *Walker) Resolve(output map[string]interface{}) {
	w.output = output
}

// Next returns the next node to visit. It returns false when the walk ended
// normally: no outgoing edge, or the next node was already visited. An edge
// pointing at a node that does not exist ends the walk with an error.
func (w *Walker) Next() (nodes.Node, bool, error) {
	if w.done {
		return nil, false, nil
	}

	var next string
	if !w.started {
		w.started = true
		next, _ = w.g.Trigger()
	} else {
		edge, ok := w.selectEdge()
		if !ok {
			w.done = true
			return nil, false, nil
		}
		next = edge.Target
	}
	w.output = nil

	node, ok := w.g.Node(next)
	if !ok {
		w.done = true
		return nil, false, fmt.Errorf("%w: %w: %s -> %s", types.ErrConfig, ErrMissingTarget, w.current, next)
	}
	if _, seen := w.visited[next]; seen {
		w.done = true
		w.cycle = next
		return nil, false, nil
	}

	w.visited[next] = struct{}{}
	w.current = next
	return node, true, nil
}

// Cycle returns the node id whose revisit ended the walk, if any.
func (w *Walker) Cycle() (string, bool) {
	return w.cycle, w.cycle != ""
}

// Visited returns the number of nodes yielded so far.
func (w *Walker) Visited() int {
	return len(w.visited)
}

func (w *Walker) selectEdge() (types.EdgeSpec, bool) {
	out := w.g.Outgoing(w.current)
	if len(out) == 0 {
		return types.EdgeSpec{}, false
	}

	node, _ := w.g.Node(w.current)
	if !w.branching || node.Type() != types.NodeCondition {
		return out[0], true
	}

	want := types.BranchFalse
	if result, _ := w.output["result"].(bool); result {
		want = types.BranchTrue
	}
	for _, e := range out {
		if e.Branch == want {
			return e, true
		}
	}
	for _, e := range out {
		if e.Branch == "" {
			return e, true
		}
	}
	return types.EdgeSpec{}, false
}
