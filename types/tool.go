package types

import (
	"encoding/json"
	"time"
)

// ToolDescriptor is a tool catalog entry: a named capability exposed by one
// owning agent. Immutable after registration.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	AgentID     string          `json:"agent_id"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Version     string          `json:"version,omitempty"`
}

// CallStatus classifies the outcome of one tool call.
type CallStatus string

const (
	StatusSuccess     CallStatus = "success"
	StatusFailed      CallStatus = "failed"
	StatusTimeout     CallStatus = "timeout"
	StatusCircuitOpen CallStatus = "circuit_open"
)

// ToolRequest is the payload of one tool invocation.
type ToolRequest struct {
	ID         string          `json:"id"`
	Tool       string          `json:"tool"`
	Query      string          `json:"query,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	Timeout    time.Duration   `json:"timeout,omitempty"`
}

// ToolResult represents the result of a tool execution. Failures are carried
// as data (status + error code), never as a raised error, so one failed call
// cannot abort sibling calls.
type ToolResult struct {
	RequestID string          `json:"request_id"`
	Tool      string          `json:"tool"`
	AgentID   string          `json:"agent_id,omitempty"`
	Status    CallStatus      `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	ErrorCode ErrorCode       `json:"error_code,omitempty"`
	Error     string          `json:"error,omitempty"`
	Duration  time.Duration   `json:"duration"`
}

// IsError returns true if the tool execution failed.
func (tr *ToolResult) IsError() bool {
	return tr.Status != StatusSuccess
}

// Err converts a failed result back into a coded error for wrappers
// that account failures (retry, circuit breaker). Success yields nil.
func (tr *ToolResult) Err() error {
	if !tr.IsError() {
		return nil
	}
	code := tr.ErrorCode
	if code == "" {
		code = ErrExecution
	}
	return NewError(code, tr.Error).WithResource(tr.Tool)
}
