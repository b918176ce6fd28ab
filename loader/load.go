package loader

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/petal-labs/nodeflow/core"
	"github.com/petal-labs/nodeflow/graph"
)

// LoadWorkflow reads, parses and validates the workflow at path. Validation
// errors come back as a *graph.DiagnosticError; warnings are returned with
// the workflow.
func LoadWorkflow(path string) (*core.Workflow, []graph.Diagnostic, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	wf, err := Parse(data, path)
	if err != nil {
		return nil, nil, err
	}

	diags := graph.Validate(wf)
	if graph.HasErrors(diags) {
		return nil, diags, &graph.DiagnosticError{Diagnostics: diags}
	}
	return wf, diags, nil
}

// Parse decodes a workflow without validating its graph. filePath is only
// used for format detection and may be empty.
func Parse(data []byte, filePath string) (*core.Workflow, error) {
	jsonData, err := toJSON(data, DetectFormat(data, filePath))
	if err != nil {
		return nil, err
	}

	var wf core.Workflow
	if err := json.Unmarshal(jsonData, &wf); err != nil {
		return nil, fmt.Errorf("parsing workflow: %w", err)
	}
	if len(wf.Nodes) == 0 {
		return nil, fmt.Errorf("parsing workflow: no nodes defined")
	}
	if wf.Name == "" {
		wf.Name = wf.ID
	}
	return &wf, nil
}
