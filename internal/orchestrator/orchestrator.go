// Package orchestrator is the API-facing core: it accepts execution
// requests, owns the authoritative execution record's lifecycle, publishes
// ExecuteWorkflow jobs and exposes live snapshots.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"flowmesh/internal/events"
	"flowmesh/internal/logger"
	"flowmesh/internal/metrics"
	"flowmesh/internal/retry"
	"flowmesh/internal/state"
	"flowmesh/internal/transport"
	"flowmesh/internal/workflow"
)

// SubmitRequest carries one execution request.
type SubmitRequest struct {
	Workflow *workflow.Workflow
	Input    json.RawMessage
	TenantID string
	UserID   string
	Metadata map[string]string
}

// Orchestrator owns execution submission, snapshots and cancellation.
type Orchestrator struct {
	store  state.Store
	bus    transport.Bus
	stream *events.Stream
}

// New creates an orchestrator core.
func New(store state.Store, bus transport.Bus, stream *events.Stream) *Orchestrator {
	return &Orchestrator{store: store, bus: bus, stream: stream}
}

// Submit validates the workflow, creates the execution record in PENDING
// and publishes the ExecuteWorkflow job. It returns the execution id
// immediately; scheduling is asynchronous. Validation failures are
// returned synchronously and produce no execution record.
func (o *Orchestrator) Submit(ctx context.Context, req *SubmitRequest) (string, error) {
	if req.Workflow == nil {
		return "", fmt.Errorf("%s: no workflow supplied", retry.KindValidation)
	}

	ctx, span := metrics.StartSpan(ctx, "orchestrator.submit",
		attribute.String("workflow.id", req.Workflow.ID),
	)
	defer span.End()

	if err := req.Workflow.Validate(); err != nil {
		metrics.RecordError("orchestrator", validationKind(err))
		return "", fmt.Errorf("%s: %w", validationKind(err), err)
	}

	execID := uuid.New().String()
	correlationID := uuid.New().String()

	exec := &state.Execution{
		ID:            execID,
		WorkflowID:    req.Workflow.ID,
		TenantID:      req.TenantID,
		Status:        state.ExecutionPending,
		StartedAt:     time.Now().UTC(),
		Input:         req.Input,
		Progress:      state.Progress{Total: len(req.Workflow.Nodes)},
		Metadata:      req.Metadata,
		CorrelationID: correlationID,
	}
	if err := o.store.Create(ctx, exec); err != nil {
		return "", fmt.Errorf("%s: failed to create execution: %w", retry.KindStateStore, err)
	}

	msg := &transport.ExecuteWorkflowMessage{
		WorkflowID:    req.Workflow.ID,
		ExecutionID:   execID,
		Workflow:      req.Workflow,
		Input:         req.Input,
		Metadata:      req.Metadata,
		TenantID:      req.TenantID,
		UserID:        req.UserID,
		CorrelationID: correlationID,
	}
	if err := o.bus.PublishWorkflow(ctx, msg); err != nil {
		// The record exists but no engine will ever see the job; fail it so
		// the submitter isn't left with a forever-PENDING execution.
		now := time.Now().UTC()
		if ferr := o.store.Transition(ctx, execID,
			[]state.ExecutionStatus{state.ExecutionPending}, state.ExecutionFailed,
			&state.Patch{
				Error:      fmt.Sprintf("%s: %v", retry.KindTransport, err),
				FinishedAt: &now,
			}); ferr != nil {
			log.Printf("[Orchestrator] Failed to mark unpublishable execution %s failed: %v", execID, ferr)
		}
		metrics.RecordError("orchestrator", retry.KindTransport)
		return "", fmt.Errorf("%s: failed to publish job: %w", retry.KindTransport, err)
	}

	logger.LogEvent(ctx, execID, "orchestrator", "execution_submitted", map[string]interface{}{
		"workflow_id": req.Workflow.ID,
		"tenant_id":   req.TenantID,
		"nodes":       len(req.Workflow.Nodes),
	})
	return execID, nil
}

// GetStatus returns the execution and its node records from the store.
func (o *Orchestrator) GetStatus(ctx context.Context, executionID string) (*state.Snapshot, error) {
	return o.store.GetSnapshot(ctx, executionID)
}

// History returns the execution's ordered transition log.
func (o *Orchestrator) History(ctx context.Context, executionID string) ([]*state.TransitionRecord, error) {
	return o.store.History(ctx, executionID)
}

// Cancel writes the cancellation intent and announces it on the progress
// stream. Engines observe the flag at the top of their drain loop;
// cancellation is cooperative and idempotent.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) error {
	if err := o.store.RequestCancel(ctx, executionID); err != nil {
		return err
	}

	o.stream.Publish(transport.ProgressEvent{
		ExecutionID: executionID,
		Kind:        transport.EventCancelRequested,
	})
	logger.LogEvent(ctx, executionID, "orchestrator", "cancel_requested", nil)
	return nil
}

// Subscribe attaches to an execution's progress events.
func (o *Orchestrator) Subscribe(executionID string) (<-chan transport.ProgressEvent, func()) {
	return o.stream.Subscribe(executionID)
}

func validationKind(err error) string {
	switch {
	case errors.Is(err, workflow.ErrCycleDetected):
		return retry.KindCycleDetected
	case errors.Is(err, workflow.ErrDanglingEdge):
		return retry.KindDanglingEdge
	case errors.Is(err, workflow.ErrEmptyGraph):
		return retry.KindEmptyGraph
	default:
		return retry.KindValidation
	}
}
