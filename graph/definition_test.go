package graph

import (
	"strings"
	"testing"

	"github.com/petal-labs/nodeflow/core"
)

func hasCode(diags []Diagnostic, code string) bool {
	for _, d := range diags {
		if d.Code == code {
			return true
		}
	}
	return false
}

func TestValidate_ValidWorkflow(t *testing.T) {
	wf := &core.Workflow{
		Nodes: []core.Node{
			{ID: "trigger", Type: core.NodeTypeManualTrigger},
			{ID: "fetch", Type: core.NodeTypeHTTPRequest},
			{ID: "summarize", Type: core.NodeTypeOpenAI},
		},
		Connections: []core.Connection{edge("trigger", "fetch"), edge("fetch", "summarize")},
	}

	diags := Validate(wf)
	if len(diags) != 0 {
		t.Fatalf("Validate() = %+v, want no diagnostics", diags)
	}
}

func TestValidate_Rules(t *testing.T) {
	tests := []struct {
		name      string
		wf        core.Workflow
		code      string
		wantError bool
	}{
		{
			name: "unknown connection target",
			wf: core.Workflow{
				Nodes:       []core.Node{{ID: "a", Type: core.NodeTypeManualTrigger}},
				Connections: []core.Connection{edge("a", "ghost")},
			},
			code:      "GR-001",
			wantError: true,
		},
		{
			name: "unreachable node",
			wf: core.Workflow{
				Nodes: []core.Node{
					{ID: "t", Type: core.NodeTypeManualTrigger},
					{ID: "a", Type: core.NodeTypeHTTPRequest},
					{ID: "b", Type: core.NodeTypeHTTPRequest},
					{ID: "c", Type: core.NodeTypeHTTPRequest},
				},
				Connections: []core.Connection{edge("t", "a"), edge("b", "c")},
			},
			code: "GR-002",
		},
		{
			name: "unknown type",
			wf: core.Workflow{
				Nodes: []core.Node{{ID: "a", Type: "SLACK"}},
			},
			code:      "GR-003",
			wantError: true,
		},
		{
			name: "cycle",
			wf: core.Workflow{
				Nodes: []core.Node{
					{ID: "a", Type: core.NodeTypeHTTPRequest},
					{ID: "b", Type: core.NodeTypeHTTPRequest},
				},
				Connections: []core.Connection{edge("a", "b"), edge("b", "a")},
			},
			code:      "GR-004",
			wantError: true,
		},
		{
			name: "duplicate id",
			wf: core.Workflow{
				Nodes: []core.Node{
					{ID: "a", Type: core.NodeTypeHTTPRequest},
					{ID: "a", Type: core.NodeTypeOpenAI},
				},
			},
			code:      "GR-005",
			wantError: true,
		},
		{
			name: "self loop",
			wf: core.Workflow{
				Nodes:       []core.Node{{ID: "a", Type: core.NodeTypeHTTPRequest}},
				Connections: []core.Connection{edge("a", "a")},
			},
			code:      "GR-006",
			wantError: true,
		},
		{
			name: "two stripe triggers",
			wf: core.Workflow{
				Nodes: []core.Node{
					{ID: "s1", Type: core.NodeTypeStripeTrigger},
					{ID: "s2", Type: core.NodeTypeStripeTrigger},
				},
			},
			code: "GR-007",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diags := Validate(&tt.wf)
			if !hasCode(diags, tt.code) {
				t.Fatalf("Validate() = %+v, want code %s", diags, tt.code)
			}
			if got := HasErrors(diags); got != tt.wantError {
				t.Fatalf("HasErrors() = %v, want %v", got, tt.wantError)
			}
		})
	}
}

func TestDiagnosticError(t *testing.T) {
	err := &DiagnosticError{Diagnostics: []Diagnostic{
		{Code: "GR-002", Severity: SeverityWarning, Message: "unreachable"},
		{Code: "GR-004", Severity: SeverityError, Message: "cycle"},
		{Code: "GR-005", Severity: SeverityError, Message: "duplicate"},
	}}
	if got := err.Error(); !strings.Contains(got, "2 validation errors") || !strings.Contains(got, "cycle") {
		t.Fatalf("Error() = %q", got)
	}
	if len(Warnings(err.Diagnostics)) != 1 {
		t.Fatalf("Warnings() = %v", Warnings(err.Diagnostics))
	}
}
