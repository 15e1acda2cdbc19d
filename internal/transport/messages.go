package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"flowmesh/internal/workflow"
)

// Node reply statuses on the wire.
const (
	ReplyCompleted = "Completed"
	ReplyFailed    = "Failed"
)

// ExecuteWorkflowMessage is the job published by the orchestrator and
// consumed by an engine. One message per workflow execution.
type ExecuteWorkflowMessage struct {
	WorkflowID    string             `json:"workflowId"`
	ExecutionID   string             `json:"executionId"`
	Workflow      *workflow.Workflow `json:"workflow"`
	Input         json.RawMessage    `json:"input,omitempty"`
	Metadata      map[string]string  `json:"metadata,omitempty"`
	TenantID      string             `json:"tenantId,omitempty"`
	UserID        string             `json:"userId,omitempty"`
	CorrelationID string             `json:"correlationId"`
}

// ExecuteNodeRequest is one node dispatch from an engine to a runner.
// (ExecutionID, NodeID, Attempt) is the dedup key: runners receiving a
// duplicate must re-emit the prior reply instead of re-running.
type ExecuteNodeRequest struct {
	ExecutionID   string            `json:"executionId"`
	NodeID        string            `json:"nodeId"`
	Attempt       int               `json:"attempt"`
	Node          *workflow.Node    `json:"node"`
	Input         json.RawMessage   `json:"input,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CorrelationID string            `json:"correlationId"`
}

// NodeError is the typed failure carried on a reply.
type NodeError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ExecuteNodeReply is the runner's structured result for one dispatch.
type ExecuteNodeReply struct {
	ExecutionID string            `json:"executionId"`
	NodeID      string            `json:"nodeId"`
	Attempt     int               `json:"attempt"`
	Status      string            `json:"status"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Err         *NodeError        `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Completed reports whether the reply carries a successful result.
func (r *ExecuteNodeReply) Completed() bool {
	return r.Status == ReplyCompleted
}

// ProgressEvent kinds on the wire.
const (
	EventExecutionStarted   = "ExecutionStarted"
	EventNodeStarted        = "NodeStarted"
	EventNodeCompleted      = "NodeCompleted"
	EventNodeFailed         = "NodeFailed"
	EventNodeSkipped        = "NodeSkipped"
	EventExecutionCompleted = "ExecutionCompleted"
	EventCancelRequested    = "CancelRequested"
)

// ProgressEvent is one per-node or per-execution state change pushed to
// subscribers. Best-effort: authoritative state lives in the store.
type ProgressEvent struct {
	ExecutionID string    `json:"executionId"`
	Kind        string    `json:"kind"`
	NodeID      string    `json:"nodeId,omitempty"`
	Status      string    `json:"status,omitempty"`
	ErrorKind   string    `json:"errorKind,omitempty"`
	OutputHash  string    `json:"outputHash,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
