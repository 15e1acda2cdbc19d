package transport

import (
	"context"
	"errors"
	"time"
)

// ErrRequeue is returned by a workflow handler to put the message back on
// the queue after a short delay, e.g. when another engine already holds the
// execution's RUNNING claim.
var ErrRequeue = errors.New("requeue message")

// ErrRequestTimeout is returned by RequestNode when no reply arrives within
// the deadline. The remote execution is not cancelled; it may still land
// and is then absorbed by the dedup key.
var ErrRequestTimeout = errors.New("node request timed out")

// DeliveryInfo describes how a message arrived. Redelivered deliveries are
// how a crashed engine's executions find their way to a new owner.
type DeliveryInfo struct {
	Redelivered  bool
	NumDelivered int
}

// WorkflowHandler consumes one ExecuteWorkflow job. Returning nil acks the
// message; ErrRequeue redelivers it after a short delay; any other error
// NAKs it, counting toward the DLQ redelivery budget.
type WorkflowHandler func(ctx context.Context, msg *ExecuteWorkflowMessage, info DeliveryInfo) error

// NodeHandler consumes one ExecuteNode request and must always produce a
// reply; runner-internal failures are expressed as Failed replies.
type NodeHandler func(ctx context.Context, req *ExecuteNodeRequest) *ExecuteNodeReply

// Bus is the durable, acknowledged, DLQ-backed message bus the three
// services cooperate over. Two logical queues exist: execute-workflow (one
// message per workflow execution) and execute-node (one per node dispatch).
// Node dispatch is request-reply with a correlation id in message headers
// and replies on a per-requester inbox.
type Bus interface {
	// PublishWorkflow enqueues an ExecuteWorkflow job.
	PublishWorkflow(ctx context.Context, msg *ExecuteWorkflowMessage) error

	// SubscribeWorkflow consumes ExecuteWorkflow jobs, bounded by the
	// configured workflow prefetch. Blocks until ctx is done.
	SubscribeWorkflow(ctx context.Context, handler WorkflowHandler) error

	// RequestNode enqueues an ExecuteNode request and awaits the matching
	// reply. Returns ErrRequestTimeout when the deadline passes first.
	RequestNode(ctx context.Context, req *ExecuteNodeRequest, timeout time.Duration) (*ExecuteNodeReply, error)

	// SubscribeNode consumes ExecuteNode requests, bounded by the node
	// prefetch, and publishes each handler reply to the requester's inbox.
	// Blocks until ctx is done.
	SubscribeNode(ctx context.Context, handler NodeHandler) error

	Close() error
}

// Options carries the queue tuning knobs. Zero values fall back to the
// documented defaults.
type Options struct {
	WorkflowPrefetch int           // default 10
	NodePrefetch     int           // default 20
	WorkflowTTL      time.Duration // default 24h
	NodeTTL          time.Duration // default 30m
	MaxRedeliveries  int           // redeliveries before DLQ routing, default 5
	RequeueDelay     time.Duration // delay applied on ErrRequeue, default 2s
}

func (o Options) withDefaults() Options {
	if o.WorkflowPrefetch <= 0 {
		o.WorkflowPrefetch = 10
	}
	if o.NodePrefetch <= 0 {
		o.NodePrefetch = 20
	}
	if o.WorkflowTTL <= 0 {
		o.WorkflowTTL = 24 * time.Hour
	}
	if o.NodeTTL <= 0 {
		o.NodeTTL = 30 * time.Minute
	}
	if o.MaxRedeliveries <= 0 {
		o.MaxRedeliveries = 5
	}
	if o.RequeueDelay <= 0 {
		o.RequeueDelay = 2 * time.Second
	}
	return o
}
