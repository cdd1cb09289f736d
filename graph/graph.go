// Package graph compiles stored workflow graphs and walks them one node at a time.
package graph

import (
	"errors"
	"fmt"

	"github.com/songzhibin97/omniflow/nodes"
	"github.com/songzhibin97/omniflow/types"
)

var (
	ErrNoTrigger        = errors.New("no trigger node found")
	ErrMultipleTriggers = errors.New("more than one trigger node found")
	ErrDuplicateNode    = errors.New("duplicate node id")
	ErrEmptyNodeID      = errors.New("node id cannot be empty")
	ErrMissingTarget    = errors.New("edge target does not exist")
	ErrUnknownNodeType  = errors.New("unknown node type")
)

// Graph is a compiled workflow graph. Node configurations are parsed once;
// a node whose configuration is invalid is kept as *nodes.Invalid so the
// failure is reported when, and only if, a run reaches it.
type Graph struct {
	nodes   map[string]nodes.Node
	order   []string
	edges   []types.EdgeSpec
	trigger string
	// ConfigErrors maps node id to its configuration error.
	ConfigErrors map[string]error
}

// Compile builds a Graph from its stored form. It fails on structural
// problems that make the whole graph unusable: empty or duplicate node ids,
// node types outside the known set and more than one trigger.
func Compile(g types.Graph) (*Graph, error) {
	c := &Graph{
		nodes:        make(map[string]nodes.Node, len(g.Nodes)),
		order:        make([]string, 0, len(g.Nodes)),
		edges:        g.Edges,
		ConfigErrors: make(map[string]error),
	}
	for _, spec := range g.Nodes {
		if spec.ID == "" {
			return nil, fmt.Errorf("%w: %w", types.ErrConfig, ErrEmptyNodeID)
		}
		if _, dup := c.nodes[spec.ID]; dup {
			return nil, fmt.Errorf("%w: %w: %s", types.ErrConfig, ErrDuplicateNode, spec.ID)
		}
		if !spec.Type.Valid() {
			return nil, fmt.Errorf("%w: %w %q on node %s", types.ErrConfig, ErrUnknownNodeType, spec.Type, spec.ID)
		}
		n, err := nodes.Parse(spec)
		if err != nil {
			c.ConfigErrors[spec.ID] = err
		}
		c.nodes[spec.ID] = n
		c.order = append(c.order, spec.ID)
		if spec.Type == types.NodeTrigger {
			if c.trigger != "" {
				return nil, fmt.Errorf("%w: %w: %s and %s", types.ErrConfig, ErrMultipleTriggers, c.trigger, spec.ID)
			}
			c.trigger = spec.ID
		}
	}
	return c, nil
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (nodes.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.order) }

// Trigger returns the id of the entry node, or ErrNoTrigger.
func (g *Graph) Trigger() (string, error) {
	if g.trigger == "" {
		return "", fmt.Errorf("%w: %w", types.ErrConfig, ErrNoTrigger)
	}
	return g.trigger, nil
}

// Outgoing returns the edges leaving id in edge-list order.
func (g *Graph) Outgoing(id string) []types.EdgeSpec {
	var out []types.EdgeSpec
	for _, e := range g.edges {
		if e.Source == id {
			out = append(out, e)
		}
	}
	return out
}

// Validate reports every problem found in the graph: missing or duplicate
// triggers, dangling edges and node configuration errors. It is stricter
// than a run, which only fails on what it actually reaches.
func (g *Graph) Validate() []error {
	var errs []error
	if _, err := g.Trigger(); err != nil {
		errs = append(errs, err)
	}
	for _, e := range g.edges {
		if _, ok := g.nodes[e.Source]; !ok {
			errs = append(errs, fmt.Errorf("%w: edge source %q does not exist", types.ErrConfig, e.Source))
		}
		if _, ok := g.nodes[e.Target]; !ok {
			errs = append(errs, fmt.Errorf("%w: %w: %s -> %s", types.ErrConfig, ErrMissingTarget, e.Source, e.Target))
		}
		if e.Branch != "" && e.Branch != types.BranchTrue && e.Branch != types.BranchFalse {
			errs = append(errs, fmt.Errorf("%w: edge %s -> %s: unknown branch %q", types.ErrConfig, e.Source, e.Target, e.Branch))
		}
	}
	for _, id := range g.order {
		if err, ok := g.ConfigErrors[id]; ok {
			errs = append(errs, err)
		}
	}
	return errs
}
