package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus used by tests. Each workflow delivery runs
// on its own goroutine; a handler error (ErrRequeue or any other) redelivers
// after a short delay, and there is no DLQ budget.
type MemoryBus struct {
	mu              sync.Mutex
	workflowHandler WorkflowHandler
	nodeHandler     NodeHandler
	pendingWorkflow []*ExecuteWorkflowMessage
	requeueDelay    time.Duration
	closed          bool
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{requeueDelay: 10 * time.Millisecond}
}

func (b *MemoryBus) PublishWorkflow(ctx context.Context, msg *ExecuteWorkflowMessage) error {
	b.mu.Lock()
	handler := b.workflowHandler
	if handler == nil {
		b.pendingWorkflow = append(b.pendingWorkflow, msg)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	go b.deliverWorkflow(ctx, msg, handler)
	return nil
}

func (b *MemoryBus) deliverWorkflow(ctx context.Context, msg *ExecuteWorkflowMessage, handler WorkflowHandler) {
	delivered := 0
	for {
		delivered++
		err := handler(ctx, msg, DeliveryInfo{Redelivered: delivered > 1, NumDelivered: delivered})
		if err == nil || ctx.Err() != nil {
			return
		}
		time.Sleep(b.requeueDelay)
	}
}

func (b *MemoryBus) SubscribeWorkflow(ctx context.Context, handler WorkflowHandler) error {
	b.mu.Lock()
	b.workflowHandler = handler
	pending := b.pendingWorkflow
	b.pendingWorkflow = nil
	b.mu.Unlock()

	for _, msg := range pending {
		go b.deliverWorkflow(ctx, msg, handler)
	}

	<-ctx.Done()
	return ctx.Err()
}

func (b *MemoryBus) RequestNode(ctx context.Context, req *ExecuteNodeRequest, timeout time.Duration) (*ExecuteNodeReply, error) {
	b.mu.Lock()
	handler := b.nodeHandler
	b.mu.Unlock()

	if handler == nil {
		return nil, fmt.Errorf("%w: no node consumer attached", ErrRequestTimeout)
	}

	replyCh := make(chan *ExecuteNodeReply, 1)
	go func() {
		replyCh <- handler(ctx, req)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		if reply == nil {
			return nil, fmt.Errorf("%w: nil reply", ErrRequestTimeout)
		}
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: node %s attempt %d after %s", ErrRequestTimeout, req.NodeID, req.Attempt, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *MemoryBus) SubscribeNode(ctx context.Context, handler NodeHandler) error {
	b.mu.Lock()
	b.nodeHandler = handler
	b.mu.Unlock()

	<-ctx.Done()
	return ctx.Err()
}

// AttachNodeHandler wires a node consumer without blocking; convenient in
// tests that drive the engine directly.
func (b *MemoryBus) AttachNodeHandler(handler NodeHandler) {
	b.mu.Lock()
	b.nodeHandler = handler
	b.mu.Unlock()
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
