// Package scheduler is the state machine that advances one workflow
// execution: it claims the execution, plans the DAG, keeps up to
// maxConcurrency nodes in flight, consumes results, decides retry and
// skip propagation, and persists every transition through the state store.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"flowmesh/internal/dispatcher"
	"flowmesh/internal/events"
	"flowmesh/internal/logger"
	"flowmesh/internal/metrics"
	"flowmesh/internal/retry"
	"flowmesh/internal/state"
	"flowmesh/internal/transport"
	"flowmesh/internal/workflow"
)

// Fail policies on first fatal node error.
const (
	FailFast     = "fail-fast"
	FailContinue = "continue"
)

// Config tunes one scheduler instance; all executions it runs share it.
type Config struct {
	MaxConcurrency    int           // in-flight nodes per execution, default 10
	ExecutionDeadline time.Duration // execution-wide wall clock, default 1h
	FailPolicy        string        // fail-fast (default) or continue
	CancelPoll        time.Duration // cancel-intent poll backstop, default 500ms
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 10
	}
	if c.ExecutionDeadline <= 0 {
		c.ExecutionDeadline = time.Hour
	}
	if c.FailPolicy != FailContinue {
		c.FailPolicy = FailFast
	}
	if c.CancelPoll <= 0 {
		c.CancelPoll = 500 * time.Millisecond
	}
	return c
}

// Scheduler drives executions to a terminal state.
type Scheduler struct {
	store  state.Store
	disp   *dispatcher.Dispatcher
	stream *events.Stream
	cfg    Config
}

// New creates a scheduler.
func New(store state.Store, disp *dispatcher.Dispatcher, stream *events.Stream, cfg Config) *Scheduler {
	return &Scheduler{store: store, disp: disp, stream: stream, cfg: cfg.withDefaults()}
}

// Execute processes one ExecuteWorkflow delivery end to end. The return
// value maps onto the transport's ack protocol: nil acks, ErrRequeue asks
// for a delayed redelivery, anything else NAKs toward the DLQ budget.
func (s *Scheduler) Execute(ctx context.Context, msg *transport.ExecuteWorkflowMessage, info transport.DeliveryInfo) error {
	execID := msg.ExecutionID

	r := &run{
		s:           s,
		msg:         msg,
		wf:          msg.Workflow,
		outstanding: make(map[string]int),
		readySet:    make(map[string]bool),
		running:     make(map[string]context.CancelFunc),
		attempts:    make(map[string]int),
		outputs:     make(map[string]json.RawMessage),
		status:      make(map[string]state.NodeStatus),
		resultCh:    make(chan *transport.ExecuteNodeReply, s.cfg.MaxConcurrency),
		retryCh:     make(chan string, s.cfg.MaxConcurrency),
		retryStats:  retry.NewMetrics(),
		startedAt:   time.Now(),
	}

	// Claim. The CAS on Pending->Running makes this engine the execution's
	// single writer; a losing engine observes InvalidTransition.
	total := 0
	if msg.Workflow != nil {
		total = len(msg.Workflow.Nodes)
	}
	err := s.store.Transition(ctx, execID, []state.ExecutionStatus{state.ExecutionPending}, state.ExecutionRunning,
		&state.Patch{Progress: &state.Progress{Total: total}})
	switch {
	case err == nil:
		// Fresh claim.
	case errors.Is(err, state.ErrInvalidTransition):
		snap, serr := s.store.GetSnapshot(ctx, execID)
		if serr != nil {
			return fmt.Errorf("claim check failed: %w", serr)
		}
		if snap.Execution.Status.Terminal() {
			log.Printf("[Scheduler] Execution %s already terminal (%s), duplicate delivery acked", execID, snap.Execution.Status)
			metrics.RecordRedelivery("execute-workflow")
			return nil
		}
		if !info.Redelivered {
			// Another engine holds the claim; come back shortly.
			return transport.ErrRequeue
		}
		// The broker gave this redelivered message to us: the prior owner
		// lost it without acking. Reclaim by resuming from the store.
		log.Printf("[Scheduler] Reclaiming execution %s after redelivery %d", execID, info.NumDelivered)
		metrics.RecordRedelivery("execute-workflow")
		metrics.IncActiveExecutions()
		defer metrics.DecActiveExecutions()
		if err := r.resume(ctx, snap); err != nil {
			return err
		}
		return s.drain(ctx, r)
	case errors.Is(err, state.ErrNotFound):
		log.Printf("[Scheduler] Execution %s has no record, dropping job", execID)
		return nil
	default:
		return fmt.Errorf("%s: claim failed: %w", retry.KindStateStore, err)
	}

	metrics.IncActiveExecutions()
	defer metrics.DecActiveExecutions()

	s.stream.Publish(transport.ProgressEvent{
		ExecutionID: execID,
		Kind:        transport.EventExecutionStarted,
		Status:      string(state.ExecutionRunning),
	})
	logger.LogEvent(ctx, execID, "scheduler", "execution_started", map[string]interface{}{
		"workflow_id": msg.WorkflowID,
		"nodes":       total,
	})

	// Plan. The orchestrator validated at submit time, but the message may
	// predate a deploy that changed validation rules.
	plan, err := workflow.Plan(msg.Workflow)
	if err != nil {
		kind := retry.KindValidation
		switch {
		case errors.Is(err, workflow.ErrCycleDetected):
			kind = retry.KindCycleDetected
		case errors.Is(err, workflow.ErrDanglingEdge):
			kind = retry.KindDanglingEdge
		case errors.Is(err, workflow.ErrEmptyGraph):
			kind = retry.KindEmptyGraph
		}
		return r.failExecution(ctx, kind, fmt.Sprintf("planning failed: %v", err))
	}
	r.plan = plan

	if err := r.seed(ctx); err != nil {
		return err
	}

	return s.drain(ctx, r)
}

// run is the mutable state of one execution being scheduled. The drain
// loop is its single writer.
type run struct {
	s   *Scheduler
	msg *transport.ExecuteWorkflowMessage
	wf  *workflow.Workflow

	plan *workflow.ExecutionPlan

	outstanding map[string]int // node -> unmet dependency count
	ready       []string       // sorted ascending; pop from the front
	readySet    map[string]bool
	running     map[string]context.CancelFunc
	attempts    map[string]int             // node -> current attempt (1-based)
	outputs     map[string]json.RawMessage // result fingerprint
	status      map[string]state.NodeStatus

	progress      state.Progress
	pendingRetry  int
	failed        bool
	failureDetail string

	resultCh   chan *transport.ExecuteNodeReply
	retryCh    chan string
	retryStats *retry.Metrics
	startedAt  time.Time
}

// seed creates the initial node records and the ready-set from the plan's
// root layer.
func (r *run) seed(ctx context.Context) error {
	r.progress.Total = len(r.wf.Nodes)

	for _, n := range r.wf.Nodes {
		r.attempts[n.ID] = 1
		r.outstanding[n.ID] = len(r.plan.Dependencies[n.ID])
		r.status[n.ID] = state.NodePending

		rec := &state.NodeExecution{
			ExecutionID:  r.msg.ExecutionID,
			NodeID:       n.ID,
			Attempt:      1,
			Status:       state.NodePending,
			Dependencies: r.plan.Dependencies[n.ID],
			Dependents:   r.plan.Dependents[n.ID],
		}
		if err := r.s.store.UpsertNode(ctx, r.msg.ExecutionID, rec); err != nil {
			return fmt.Errorf("%s: failed to seed node %s: %w", retry.KindStateStore, n.ID, err)
		}
	}

	for _, id := range r.plan.Roots() {
		if err := r.markReady(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// drain is the execution's event loop: dispatch while capacity allows,
// then block for the next completion, retry wake-up, cancel signal or
// deadline.
func (s *Scheduler) drain(ctx context.Context, r *run) error {
	deadline := time.NewTimer(s.cfg.ExecutionDeadline)
	defer deadline.Stop()
	cancelPoll := time.NewTicker(s.cfg.CancelPoll)
	defer cancelPoll.Stop()

	for {
		cancelled, err := r.cancelRequested(ctx)
		if err != nil {
			return err
		}
		if cancelled {
			return r.finalizeCancelled(ctx)
		}

		if r.failed && s.cfg.FailPolicy == FailFast {
			return r.finalizeFailFast(ctx)
		}

		if err := r.dispatchReady(ctx); err != nil {
			return err
		}

		// Input-binding failures surface during dispatch, not via a reply.
		if r.failed && s.cfg.FailPolicy == FailFast {
			return r.finalizeFailFast(ctx)
		}

		if len(r.running) == 0 && len(r.ready) == 0 && r.pendingRetry == 0 {
			break
		}

		select {
		case reply := <-r.resultCh:
			if err := r.reduce(ctx, reply); err != nil {
				return err
			}
			if r.failed && s.cfg.FailPolicy == FailFast {
				return r.finalizeFailFast(ctx)
			}
		case nodeID := <-r.retryCh:
			r.pendingRetry--
			if err := r.markReady(ctx, nodeID); err != nil {
				return err
			}
		case <-cancelPoll.C:
			// Loop around to re-check the cancel intent.
		case <-deadline.C:
			return r.failExecution(ctx, retry.KindDeadlineExceeded,
				fmt.Sprintf("execution exceeded %s deadline", s.cfg.ExecutionDeadline))
		case <-ctx.Done():
			// Engine shutting down; leave the execution RUNNING so the
			// unacked message redelivers to a surviving instance.
			return ctx.Err()
		}
	}

	return r.finalize(ctx)
}

// dispatchReady pops lexicographically smallest ready nodes into flight
// while capacity allows.
func (r *run) dispatchReady(ctx context.Context) error {
	for len(r.running) < r.s.cfg.MaxConcurrency && len(r.ready) > 0 {
		nodeID := r.ready[0]
		r.ready = r.ready[1:]
		delete(r.readySet, nodeID)

		if err := r.startNode(ctx, nodeID); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) startNode(ctx context.Context, nodeID string) error {
	node := r.wf.NodeByID(nodeID)
	attempt := r.attempts[nodeID]

	input, inputErr := assembleInput(r.wf, nodeID, r.plan.Dependencies[nodeID], r.outputs, r.msg.Input)
	if inputErr != nil {
		// The binding error is the node's failure, not the scheduler's.
		return r.reduce(ctx, &transport.ExecuteNodeReply{
			ExecutionID: r.msg.ExecutionID,
			NodeID:      nodeID,
			Attempt:     attempt,
			Status:      transport.ReplyFailed,
			Err:         inputErr,
		})
	}

	now := time.Now().UTC()
	rec := &state.NodeExecution{
		ExecutionID:  r.msg.ExecutionID,
		NodeID:       nodeID,
		Attempt:      attempt,
		Status:       state.NodeRunning,
		Input:        input,
		StartedAt:    &now,
		Dependencies: r.plan.Dependencies[nodeID],
		Dependents:   r.plan.Dependents[nodeID],
	}
	if err := r.s.store.UpsertNode(ctx, r.msg.ExecutionID, rec); err != nil {
		return fmt.Errorf("%s: failed to mark node %s running: %w", retry.KindStateStore, nodeID, err)
	}
	r.status[nodeID] = state.NodeRunning
	r.progress.Running++

	r.s.stream.Publish(transport.ProgressEvent{
		ExecutionID: r.msg.ExecutionID,
		Kind:        transport.EventNodeStarted,
		NodeID:      nodeID,
		Status:      string(state.NodeRunning),
	})

	dispatchCtx, cancel := context.WithCancel(ctx)
	r.running[nodeID] = cancel

	req := &transport.ExecuteNodeRequest{
		ExecutionID:   r.msg.ExecutionID,
		NodeID:        nodeID,
		Attempt:       attempt,
		Node:          node,
		Input:         input,
		Metadata:      r.msg.Metadata,
		CorrelationID: r.msg.CorrelationID,
	}

	metrics.IncRunningNodes()
	r.retryStats.RecordAttempt(nodeID)
	go func() {
		defer metrics.DecRunningNodes()
		reply := r.s.disp.Dispatch(dispatchCtx, req)
		select {
		case r.resultCh <- reply:
		case <-ctx.Done():
		}
	}()

	return nil
}

// reduce folds one node result into the run state.
func (r *run) reduce(ctx context.Context, reply *transport.ExecuteNodeReply) error {
	nodeID := reply.NodeID

	if cancel, ok := r.running[nodeID]; ok {
		cancel()
		delete(r.running, nodeID)
		r.progress.Running--
	}

	if reply.Attempt != r.attempts[nodeID] || r.status[nodeID].Terminal() {
		// A stale attempt's reply: keep it as history, touch nothing else.
		r.persistHistory(ctx, reply)
		return nil
	}

	now := time.Now().UTC()
	if reply.Completed() {
		rec := &state.NodeExecution{
			ExecutionID: r.msg.ExecutionID,
			NodeID:      nodeID,
			Attempt:     reply.Attempt,
			Status:      state.NodeCompleted,
			Output:      reply.Output,
			FinishedAt:  &now,
		}
		if err := r.s.store.UpsertNode(ctx, r.msg.ExecutionID, rec); err != nil {
			return fmt.Errorf("%s: failed to complete node %s: %w", retry.KindStateStore, nodeID, err)
		}

		r.status[nodeID] = state.NodeCompleted
		r.outputs[nodeID] = reply.Output
		r.progress.Completed++
		r.retryStats.RecordSuccess(nodeID)
		if err := r.persistProgress(ctx); err != nil {
			return err
		}

		r.s.stream.Publish(transport.ProgressEvent{
			ExecutionID: r.msg.ExecutionID,
			Kind:        transport.EventNodeCompleted,
			NodeID:      nodeID,
			Status:      string(state.NodeCompleted),
			OutputHash:  outputHash(reply.Output),
		})

		return r.unlockDependents(ctx, nodeID)
	}

	// Failure path.
	nodeErr := reply.Err
	if nodeErr == nil {
		nodeErr = &transport.NodeError{Kind: retry.KindRuntime, Message: "node failed without error detail"}
	}

	rec := &state.NodeExecution{
		ExecutionID: r.msg.ExecutionID,
		NodeID:      nodeID,
		Attempt:     reply.Attempt,
		Status:      state.NodeFailed,
		Error:       nodeErr.Message,
		ErrorKind:   nodeErr.Kind,
		FinishedAt:  &now,
	}
	if err := r.s.store.UpsertNode(ctx, r.msg.ExecutionID, rec); err != nil {
		return fmt.Errorf("%s: failed to record node %s failure: %w", retry.KindStateStore, nodeID, err)
	}
	r.retryStats.RecordFailure(nodeID, nodeErr.Retryable)

	policy := r.s.disp.Policy()
	if nodeErr.Retryable && policy.ShouldRetry(reply.Attempt) {
		next := reply.Attempt + 1
		backoff := policy.Backoff(next)
		log.Printf("[Scheduler] Node %s/%s attempt %d failed (%s), retrying in %s",
			r.msg.ExecutionID, nodeID, reply.Attempt, nodeErr.Kind, backoff)

		r.attempts[nodeID] = next
		r.status[nodeID] = state.NodePending
		r.pendingRetry++
		time.AfterFunc(backoff, func() {
			select {
			case r.retryCh <- nodeID:
			case <-ctx.Done():
			}
		})
		return nil
	}

	// Final failure for this node.
	r.status[nodeID] = state.NodeFailed
	r.progress.Failed++
	r.failed = true
	r.failureDetail = fmt.Sprintf("node %s failed: %s: %s", nodeID, nodeErr.Kind, nodeErr.Message)
	metrics.RecordError("scheduler", nodeErr.Kind)
	if err := r.persistProgress(ctx); err != nil {
		return err
	}

	r.s.stream.Publish(transport.ProgressEvent{
		ExecutionID: r.msg.ExecutionID,
		Kind:        transport.EventNodeFailed,
		NodeID:      nodeID,
		Status:      string(state.NodeFailed),
		ErrorKind:   nodeErr.Kind,
	})

	if r.s.cfg.FailPolicy == FailContinue {
		return r.skipDownstream(ctx, nodeID)
	}
	return nil
}

// unlockDependents decrements dependency counters of a completed (or
// condition-skipped) node's dependents, evaluating edge conditions and
// moving satisfied nodes to the ready-set.
func (r *run) unlockDependents(ctx context.Context, nodeID string) error {
	for _, dep := range r.plan.Dependents[nodeID] {
		if r.status[dep] != state.NodePending {
			continue
		}
		r.outstanding[dep]--
		if r.outstanding[dep] > 0 {
			continue
		}

		if r.conditionsHold(dep) {
			if err := r.markReady(ctx, dep); err != nil {
				return err
			}
			continue
		}

		// At least one incoming edge condition is false: the node is
		// Skipped, and completion propagates through it.
		if err := r.skipNode(ctx, dep, "edge condition evaluated false"); err != nil {
			return err
		}
		if err := r.unlockDependents(ctx, dep); err != nil {
			return err
		}
	}
	return nil
}

// conditionsHold evaluates every conditioned incoming edge of a node whose
// source completed. Edges from skipped sources don't gate.
func (r *run) conditionsHold(nodeID string) bool {
	for _, edge := range r.wf.Edges {
		if edge.Target != nodeID || edge.Condition == nil {
			continue
		}
		if r.status[edge.Source] != state.NodeCompleted {
			continue
		}
		if !edge.Condition.Evaluate(r.outputs[edge.Source]) {
			return false
		}
	}
	return true
}

// skipDownstream transitively skips every not-yet-terminal node downstream
// of a failed node (continue policy).
func (r *run) skipDownstream(ctx context.Context, nodeID string) error {
	for _, dep := range r.plan.Dependents[nodeID] {
		switch r.status[dep] {
		case state.NodePending, state.NodeReady:
			if err := r.skipNode(ctx, dep, fmt.Sprintf("upstream node %s failed", nodeID)); err != nil {
				return err
			}
			if err := r.skipDownstream(ctx, dep); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *run) skipNode(ctx context.Context, nodeID, reason string) error {
	if r.readySet[nodeID] {
		delete(r.readySet, nodeID)
		r.ready = removeID(r.ready, nodeID)
	}

	rec := &state.NodeExecution{
		ExecutionID: r.msg.ExecutionID,
		NodeID:      nodeID,
		Attempt:     r.attempts[nodeID],
		Status:      state.NodeSkipped,
		Error:       reason,
	}
	if err := r.s.store.UpsertNode(ctx, r.msg.ExecutionID, rec); err != nil {
		return fmt.Errorf("%s: failed to skip node %s: %w", retry.KindStateStore, nodeID, err)
	}

	r.status[nodeID] = state.NodeSkipped
	r.progress.Skipped++
	if err := r.persistProgress(ctx); err != nil {
		return err
	}

	r.s.stream.Publish(transport.ProgressEvent{
		ExecutionID: r.msg.ExecutionID,
		Kind:        transport.EventNodeSkipped,
		NodeID:      nodeID,
		Status:      string(state.NodeSkipped),
	})
	return nil
}

func (r *run) markReady(ctx context.Context, nodeID string) error {
	if r.readySet[nodeID] || r.status[nodeID].Terminal() {
		return nil
	}

	rec := &state.NodeExecution{
		ExecutionID:  r.msg.ExecutionID,
		NodeID:       nodeID,
		Attempt:      r.attempts[nodeID],
		Status:       state.NodeReady,
		Dependencies: r.plan.Dependencies[nodeID],
		Dependents:   r.plan.Dependents[nodeID],
	}
	if err := r.s.store.UpsertNode(ctx, r.msg.ExecutionID, rec); err != nil {
		return fmt.Errorf("%s: failed to mark node %s ready: %w", retry.KindStateStore, nodeID, err)
	}

	r.status[nodeID] = state.NodeReady
	r.readySet[nodeID] = true
	r.ready = insertSorted(r.ready, nodeID)
	return nil
}

func (r *run) cancelRequested(ctx context.Context) (bool, error) {
	snap, err := r.s.store.GetSnapshot(ctx, r.msg.ExecutionID)
	if err != nil {
		return false, fmt.Errorf("%s: cancel check failed: %w", retry.KindStateStore, err)
	}
	return snap.Execution.CancelRequested, nil
}

func (r *run) persistProgress(ctx context.Context) error {
	err := r.s.store.UpdateProgress(ctx, r.msg.ExecutionID, r.progress)
	if err != nil && !errors.Is(err, state.ErrInvalidTransition) {
		return fmt.Errorf("%s: progress update failed: %w", retry.KindStateStore, err)
	}
	return nil
}

func (r *run) persistHistory(ctx context.Context, reply *transport.ExecuteNodeReply) {
	now := time.Now().UTC()
	status := state.NodeCompleted
	errMsg, errKind := "", ""
	if !reply.Completed() {
		status = state.NodeFailed
		if reply.Err != nil {
			errMsg, errKind = reply.Err.Message, reply.Err.Kind
		}
	}

	rec := &state.NodeExecution{
		ExecutionID: reply.ExecutionID,
		NodeID:      reply.NodeID,
		Attempt:     reply.Attempt,
		Status:      status,
		Output:      reply.Output,
		Error:       errMsg,
		ErrorKind:   errKind,
		FinishedAt:  &now,
	}
	if err := r.s.store.UpsertNode(ctx, reply.ExecutionID, rec); err != nil {
		log.Printf("[Scheduler] Failed to persist late result for %s/%s attempt %d: %v",
			reply.ExecutionID, reply.NodeID, reply.Attempt, err)
	}
}

// finalize transitions the execution to its terminal state after the drain
// loop ran dry.
func (r *run) finalize(ctx context.Context) error {
	status := state.ExecutionCompleted
	detail := ""
	if r.failed {
		// Under the continue policy an execution where at least one node
		// completed counts as completed with errors; everything else fails.
		if r.s.cfg.FailPolicy != FailContinue || r.progress.Completed == 0 {
			status = state.ExecutionFailed
		}
		detail = r.failureDetail
	}

	result := r.collectResult()
	now := time.Now().UTC()
	patch := &state.Patch{
		Error:      detail,
		Result:     result,
		Progress:   &r.progress,
		FinishedAt: &now,
		Metadata:   r.retryStats.Summary(),
	}

	var err error
	if status == state.ExecutionCompleted {
		err = r.s.store.Transition(ctx, r.msg.ExecutionID, []state.ExecutionStatus{state.ExecutionRunning}, state.ExecutionCompleted, patch)
	} else {
		err = r.s.store.Transition(ctx, r.msg.ExecutionID, []state.ExecutionStatus{state.ExecutionRunning}, state.ExecutionFailed, patch)
	}
	if err != nil {
		return fmt.Errorf("%s: finalize failed: %w", retry.KindStateStore, err)
	}

	r.publishTerminal(ctx, status)
	return nil
}

// finalizeFailFast cancels in-flight dispatches best-effort, skips every
// remaining node, and fails the execution.
func (r *run) finalizeFailFast(ctx context.Context) error {
	for nodeID, cancel := range r.running {
		cancel()
		delete(r.running, nodeID)
		r.progress.Running--
		// The runner may still land a result; it stays history via the
		// late-reply drainer.
		r.status[nodeID] = state.NodeCancelled
		rec := &state.NodeExecution{
			ExecutionID: r.msg.ExecutionID,
			NodeID:      nodeID,
			Attempt:     r.attempts[nodeID],
			Status:      state.NodeCancelled,
			Error:       "execution failed fast",
		}
		if err := r.s.store.UpsertNode(ctx, r.msg.ExecutionID, rec); err != nil {
			log.Printf("[Scheduler] Failed to cancel node %s: %v", nodeID, err)
		}
	}

	if err := r.skipRemaining(ctx, "execution failed fast"); err != nil {
		return err
	}

	now := time.Now().UTC()
	err := r.s.store.Transition(ctx, r.msg.ExecutionID, []state.ExecutionStatus{state.ExecutionRunning}, state.ExecutionFailed,
		&state.Patch{
			Error:      r.failureDetail,
			Progress:   &r.progress,
			FinishedAt: &now,
			Metadata:   r.retryStats.Summary(),
		})
	if err != nil {
		return fmt.Errorf("%s: fail-fast finalize failed: %w", retry.KindStateStore, err)
	}

	r.drainLateReplies(ctx)
	r.publishTerminal(ctx, state.ExecutionFailed)
	return nil
}

// finalizeCancelled marks remaining nodes Cancelled and the execution
// Cancelled. In-flight dispatches finish on their own; their results are
// persisted as history only.
func (r *run) finalizeCancelled(ctx context.Context) error {
	inFlight := len(r.running)
	for nodeID := range r.running {
		delete(r.running, nodeID)
		r.progress.Running--
	}

	for nodeID, st := range r.status {
		switch st {
		case state.NodePending, state.NodeReady, state.NodeRunning:
			rec := &state.NodeExecution{
				ExecutionID: r.msg.ExecutionID,
				NodeID:      nodeID,
				Attempt:     r.attempts[nodeID],
				Status:      state.NodeCancelled,
				Error:       "cancellation requested",
			}
			if err := r.s.store.UpsertNode(ctx, r.msg.ExecutionID, rec); err != nil {
				log.Printf("[Scheduler] Failed to mark node %s cancelled: %v", nodeID, err)
			}
			r.status[nodeID] = state.NodeCancelled
		}
	}
	r.ready = nil
	r.readySet = make(map[string]bool)

	now := time.Now().UTC()
	err := r.s.store.Transition(ctx, r.msg.ExecutionID, []state.ExecutionStatus{state.ExecutionRunning}, state.ExecutionCancelled,
		&state.Patch{
			Error:      retry.KindCancellation,
			Progress:   &r.progress,
			FinishedAt: &now,
		})
	if err != nil && !errors.Is(err, state.ErrInvalidTransition) {
		return fmt.Errorf("%s: cancel finalize failed: %w", retry.KindStateStore, err)
	}

	if inFlight > 0 {
		r.drainLateReplies(ctx)
	}

	logger.LogEvent(ctx, r.msg.ExecutionID, "scheduler", "execution_cancelled", map[string]interface{}{
		"in_flight": inFlight,
	})
	r.publishTerminal(ctx, state.ExecutionCancelled)
	return nil
}

// drainLateReplies persists results of dispatches that were in flight when
// the execution went terminal. History only; counters stay frozen.
func (r *run) drainLateReplies(ctx context.Context) {
	go func() {
		for {
			select {
			case reply := <-r.resultCh:
				r.persistHistory(context.WithoutCancel(ctx), reply)
			case <-time.After(30 * time.Second):
				return
			}
		}
	}()
}

func (r *run) skipRemaining(ctx context.Context, reason string) error {
	var pending []string
	for nodeID, st := range r.status {
		if st == state.NodePending || st == state.NodeReady {
			pending = append(pending, nodeID)
		}
	}
	sort.Strings(pending)

	for _, nodeID := range pending {
		if err := r.skipNode(ctx, nodeID, reason); err != nil {
			return err
		}
	}
	return nil
}

// failExecution fails the whole execution from a scheduler-level error.
func (r *run) failExecution(ctx context.Context, kind, detail string) error {
	now := time.Now().UTC()
	err := r.s.store.Transition(ctx, r.msg.ExecutionID,
		[]state.ExecutionStatus{state.ExecutionPending, state.ExecutionRunning}, state.ExecutionFailed,
		&state.Patch{
			Error:      fmt.Sprintf("%s: %s", kind, detail),
			Progress:   &r.progress,
			FinishedAt: &now,
		})
	if err != nil {
		return fmt.Errorf("%s: failed to fail execution: %w", retry.KindStateStore, err)
	}

	metrics.RecordError("scheduler", kind)
	r.publishTerminal(ctx, state.ExecutionFailed)
	return nil
}

func (r *run) publishTerminal(ctx context.Context, status state.ExecutionStatus) {
	metrics.RecordExecution(time.Since(r.startedAt).Seconds(), string(status))
	r.s.stream.Publish(transport.ProgressEvent{
		ExecutionID: r.msg.ExecutionID,
		Kind:        transport.EventExecutionCompleted,
		Status:      string(status),
	})
	logger.LogEvent(ctx, r.msg.ExecutionID, "scheduler", "execution_finished", map[string]interface{}{
		"status":    string(status),
		"completed": r.progress.Completed,
		"failed":    r.progress.Failed,
		"skipped":   r.progress.Skipped,
	})
}

// collectResult assembles the execution result from the outputs of sink
// nodes (nodes with no dependents).
func (r *run) collectResult() json.RawMessage {
	sinks := make(map[string]json.RawMessage)
	for _, n := range r.wf.Nodes {
		if len(r.plan.Dependents[n.ID]) == 0 {
			if out, ok := r.outputs[n.ID]; ok {
				sinks[n.ID] = out
			}
		}
	}
	if len(sinks) == 0 {
		return nil
	}
	data, err := json.Marshal(sinks)
	if err != nil {
		return nil
	}
	return data
}

func outputHash(output json.RawMessage) string {
	if len(output) == 0 {
		return ""
	}
	sum := sha256.Sum256(output)
	return hex.EncodeToString(sum[:8])
}

func insertSorted(list []string, id string) []string {
	i := sort.SearchStrings(list, id)
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = id
	return list
}

func removeID(list []string, id string) []string {
	for i, v := range list {
		if v == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
