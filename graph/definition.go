package graph

import (
	"errors"
	"fmt"

	"github.com/petal-labs/nodeflow/core"
)

// Diagnostic represents a validation error or warning produced by
// graph validation.
type Diagnostic struct {
	Code     string `json:"code"`           // e.g. "GR-001"
	Severity string `json:"severity"`       // "error" or "warning"
	Message  string `json:"message"`        // human-readable description
	Path     string `json:"path,omitempty"` // JSON path to offending field
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// HasErrors returns true if any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// Warnings returns only the warning-severity diagnostics.
func Warnings(diags []Diagnostic) []Diagnostic {
	var warns []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			warns = append(warns, d)
		}
	}
	return warns
}

// DiagnosticError wraps validation diagnostics as an error.
type DiagnosticError struct {
	Diagnostics []Diagnostic
}

func (e *DiagnosticError) Error() string {
	errs := Errors(e.Diagnostics)
	switch len(errs) {
	case 0:
		return "validation failed"
	case 1:
		return fmt.Sprintf("validation error: %s", errs[0].Message)
	default:
		return fmt.Sprintf("%d validation errors (first: %s)", len(errs), errs[0].Message)
	}
}

// uniqueTriggers are trigger types that webhook routes look up by type,
// so a workflow should carry at most one of each.
var uniqueTriggers = []core.NodeType{
	core.NodeTypeGoogleFormTrigger,
	core.NodeTypeStripeTrigger,
}

// Validate checks the structural integrity of a workflow:
//   - GR-001: connection source/target reference existing nodes
//   - GR-002: node unreachable from any trigger (warning)
//   - GR-003: node type is known
//   - GR-004: topological sort (cycle detection)
//   - GR-005: duplicate node IDs
//   - GR-006: self-loop connections
//   - GR-007: more than one form or Stripe trigger (warning)
func Validate(wf *core.Workflow) []Diagnostic {
	var diags []Diagnostic

	nodeIDs := make(map[string]bool, len(wf.Nodes))

	for i, node := range wf.Nodes {
		if nodeIDs[node.ID] {
			diags = append(diags, Diagnostic{
				Code:     "GR-005",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Duplicate node ID %q", node.ID),
				Path:     fmt.Sprintf("nodes[%d].id", i),
			})
		}
		nodeIDs[node.ID] = true

		if !node.Type.Valid() {
			diags = append(diags, Diagnostic{
				Code:     "GR-003",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Node %q references unknown type %q", node.ID, node.Type),
				Path:     fmt.Sprintf("nodes[%d].type", i),
			})
		}
	}

	refErrors := false
	for i, c := range wf.Connections {
		if !nodeIDs[c.Source] {
			refErrors = true
			diags = append(diags, Diagnostic{
				Code:     "GR-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Connection source %q references unknown node", c.Source),
				Path:     fmt.Sprintf("connections[%d].source", i),
			})
		}
		if !nodeIDs[c.Target] {
			refErrors = true
			diags = append(diags, Diagnostic{
				Code:     "GR-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Connection target %q references unknown node", c.Target),
				Path:     fmt.Sprintf("connections[%d].target", i),
			})
		}
		if c.Source == c.Target {
			diags = append(diags, Diagnostic{
				Code:     "GR-006",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Node %q is connected to itself", c.Source),
				Path:     fmt.Sprintf("connections[%d]", i),
			})
		}
	}

	// Only sort when connections reference valid nodes to avoid confusion.
	if !refErrors {
		if _, err := Sort(wf.Nodes, wf.Connections); err != nil {
			var cycle *core.GraphCycleError
			if errors.As(err, &cycle) {
				diags = append(diags, Diagnostic{
					Code:     "GR-004",
					Severity: SeverityError,
					Message:  fmt.Sprintf("Graph contains a cycle: nodes involved: %v", cycle.NodeIDs),
				})
			}
		}
		diags = append(diags, unreachable(wf)...)
	}

	for _, t := range uniqueTriggers {
		if n := len(wf.NodesOfType(t)); n > 1 {
			diags = append(diags, Diagnostic{
				Code:     "GR-007",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("Workflow has %d %s nodes; only the first receives events", n, t),
			})
		}
	}

	return diags
}

// unreachable flags connected nodes that no trigger leads to. Nodes with no
// connections at all still run, so they are not reported.
func unreachable(wf *core.Workflow) []Diagnostic {
	if len(wf.Connections) == 0 {
		return nil
	}

	successors := make(map[string][]string)
	connected := make(map[string]bool)
	for _, c := range wf.Connections {
		successors[c.Source] = append(successors[c.Source], c.Target)
		connected[c.Source] = true
		connected[c.Target] = true
	}

	seen := make(map[string]bool)
	var stack []string
	for _, n := range wf.Nodes {
		if n.Type.IsTrigger() {
			stack = append(stack, n.ID)
		}
	}
	if len(stack) == 0 {
		return nil
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, successors[id]...)
	}

	var diags []Diagnostic
	for i, n := range wf.Nodes {
		if connected[n.ID] && !seen[n.ID] {
			diags = append(diags, Diagnostic{
				Code:     "GR-002",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("Node %q is not reachable from any trigger", n.ID),
				Path:     fmt.Sprintf("nodes[%d]", i),
			})
		}
	}
	return diags
}
