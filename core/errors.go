package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrWorkflowNotFound is returned when a workflow ID does not resolve.
var ErrWorkflowNotFound = errors.New("workflow not found")

// GraphCycleError reports that the connected part of a workflow graph is
// not acyclic. A run that hits it fails before any node executes.
type GraphCycleError struct {
	NodeIDs []string // nodes left unprocessed by the sort, in input order
}

func (e *GraphCycleError) Error() string {
	return fmt.Sprintf("graph contains a cycle involving nodes: %s", strings.Join(e.NodeIDs, ", "))
}

// NodeValidationError reports a missing or malformed node configuration field.
type NodeValidationError struct {
	NodeID   string
	NodeType NodeType
	Field    string
	Message  string
}

func (e *NodeValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s node %s: %s: %s", e.NodeType, e.NodeID, e.Field, e.Message)
	}
	return fmt.Sprintf("%s node %s: %s", e.NodeType, e.NodeID, e.Message)
}

// ExternalCallError wraps a failed HTTP or provider call.
type ExternalCallError struct {
	NodeID     string
	NodeType   NodeType
	StatusCode int // 0 when no response was received
	Message    string
	Cause      error
}

func (e *ExternalCallError) Error() string {
	msg := fmt.Sprintf("%s node %s: %s", e.NodeType, e.NodeID, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ExternalCallError) Unwrap() error {
	return e.Cause
}

// CredentialMissingError reports that a provider secret is not configured.
type CredentialMissingError struct {
	NodeID   string
	Provider string
	EnvVar   string
}

func (e *CredentialMissingError) Error() string {
	return fmt.Sprintf("%s credential missing for node %s: set %s", e.Provider, e.NodeID, e.EnvVar)
}

// IsValidationFailure reports whether err is a node configuration problem
// rather than a failure of the side effect itself.
func IsValidationFailure(err error) bool {
	var ve *NodeValidationError
	var ce *CredentialMissingError
	return errors.As(err, &ve) || errors.As(err, &ce)
}
