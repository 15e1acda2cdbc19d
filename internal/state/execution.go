package state

import (
	"encoding/json"
	"fmt"
	"time"
)

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// Terminal reports whether the status is write-once final.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// NodeStatus is the lifecycle state of one node within an execution.
type NodeStatus string

const (
	NodePending   NodeStatus = "PENDING"
	NodeReady     NodeStatus = "READY"
	NodeRunning   NodeStatus = "RUNNING"
	NodeCompleted NodeStatus = "COMPLETED"
	NodeFailed    NodeStatus = "FAILED"
	NodeSkipped   NodeStatus = "SKIPPED"
	NodeCancelled NodeStatus = "CANCELLED"
)

// Terminal reports whether the node status is final for its attempt.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}

// Progress counts node outcomes for an execution. Completed+Failed+Skipped
// is non-decreasing and never exceeds Total.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Running   int `json:"running"`
}

// Execution is the authoritative, durable record of one workflow run.
type Execution struct {
	ID              string            `json:"id"`
	WorkflowID      string            `json:"workflowId"`
	TenantID        string            `json:"tenantId,omitempty"`
	Status          ExecutionStatus   `json:"status"`
	StartedAt       time.Time         `json:"startedAt"`
	FinishedAt      *time.Time        `json:"finishedAt,omitempty"`
	Input           json.RawMessage   `json:"input,omitempty"`
	Result          json.RawMessage   `json:"result,omitempty"`
	Error           string            `json:"error,omitempty"`
	Progress        Progress          `json:"progress"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CorrelationID   string            `json:"correlationId"`
	CancelRequested bool              `json:"cancelRequested"`
}

// NodeExecution is the durable record of one node within one execution.
// Attempt is non-decreasing; exactly one terminal status exists per
// (execution, node, attempt).
type NodeExecution struct {
	ExecutionID  string          `json:"executionId"`
	NodeID       string          `json:"nodeId"`
	Attempt      int             `json:"attempt"`
	Status       NodeStatus      `json:"status"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	ErrorKind    string          `json:"errorKind,omitempty"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Dependents   []string        `json:"dependents,omitempty"`
}

// validExecutionTransition defines the permitted execution state machine
// edges. Terminal states admit no exits; self-transitions are rejected so a
// CAS on a terminal status can never be replayed.
func validExecutionTransition(current, target ExecutionStatus) bool {
	switch current {
	case ExecutionPending:
		return target == ExecutionRunning || target == ExecutionFailed || target == ExecutionCancelled
	case ExecutionRunning:
		return target == ExecutionCompleted || target == ExecutionFailed || target == ExecutionCancelled
	default:
		return false
	}
}

// validNodeTransition defines the permitted node state machine edges.
// Running -> Ready is the retry edge; everything else is monotonic.
func validNodeTransition(current, target NodeStatus) bool {
	switch current {
	case NodePending:
		return target == NodeReady || target == NodeSkipped || target == NodeCancelled || target == NodeFailed
	case NodeReady:
		return target == NodeRunning || target == NodeSkipped || target == NodeCancelled || target == NodeFailed
	case NodeRunning:
		return target == NodeCompleted || target == NodeFailed || target == NodeReady || target == NodeCancelled
	default:
		return false
	}
}

// CheckNodeTransition validates a node status change, returning
// ErrInvalidTransition wrapped with context when the edge is not permitted.
func CheckNodeTransition(nodeID string, current, target NodeStatus) error {
	if current == target {
		return nil
	}
	if !validNodeTransition(current, target) {
		return fmt.Errorf("%w: node %s: %s -> %s", ErrInvalidTransition, nodeID, current, target)
	}
	return nil
}

// mergeNodeRecord fills fields a partial update left unset from the stored
// record, so a terminal write never erases the attempt's input, timestamps
// or adjacency.
func mergeNodeRecord(update, existing *NodeExecution) {
	if update.Input == nil {
		update.Input = existing.Input
	}
	if update.Output == nil {
		update.Output = existing.Output
	}
	if update.StartedAt == nil {
		update.StartedAt = existing.StartedAt
	}
	if update.FinishedAt == nil {
		update.FinishedAt = existing.FinishedAt
	}
	if update.Dependencies == nil {
		update.Dependencies = existing.Dependencies
	}
	if update.Dependents == nil {
		update.Dependents = existing.Dependents
	}
	if update.Error == "" {
		update.Error = existing.Error
	}
	if update.ErrorKind == "" {
		update.ErrorKind = existing.ErrorKind
	}
}
