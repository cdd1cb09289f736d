package cli

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/omniflow/graph"
	"github.com/songzhibin97/omniflow/types"
)

// loadDefinition reads a workflow definition file. YAML and JSON are both
// accepted.
func loadDefinition(path string) (types.WorkflowDefinition, error) {
	var wf types.WorkflowDefinition
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return wf, exitError(exitFileNotFound, "file not found: %s", path)
		}
		return wf, fmt.Errorf("reading file: %w", err)
	}
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return wf, exitError(exitValidation, "parsing %s: %v", path, err)
	}
	return wf, nil
}

// problems lists everything wrong with the graph of wf.
func problems(wf types.WorkflowDefinition) []string {
	var out []string
	if wf.ID == "" {
		out = append(out, "workflow id is required")
	}
	compiled, err := graph.Compile(wf.Graph)
	if err != nil {
		return append(out, err.Error())
	}
	for _, err := range compiled.Validate() {
		out = append(out, err.Error())
	}
	return out
}
