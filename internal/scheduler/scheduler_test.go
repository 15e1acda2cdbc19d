package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"flowmesh/internal/dispatcher"
	"flowmesh/internal/events"
	"flowmesh/internal/retry"
	"flowmesh/internal/state"
	"flowmesh/internal/transport"
	"flowmesh/internal/workflow"
)

// harness wires a scheduler over the in-memory store and bus with fast
// retry pacing.
type harness struct {
	store  *state.MemoryStore
	bus    *transport.MemoryBus
	stream *events.Stream
	sched  *Scheduler

	mu    sync.Mutex
	calls map[string]int // "node/attempt" -> dispatch count
}

func newHarness(t *testing.T, cfg Config, handler transport.NodeHandler) *harness {
	t.Helper()

	h := &harness{
		store:  state.NewMemoryStore(),
		bus:    transport.NewMemoryBus(),
		stream: events.NewStream(),
		calls:  make(map[string]int),
	}

	counted := func(ctx context.Context, req *transport.ExecuteNodeRequest) *transport.ExecuteNodeReply {
		h.mu.Lock()
		h.calls[fmt.Sprintf("%s/%d", req.NodeID, req.Attempt)]++
		h.mu.Unlock()
		return handler(ctx, req)
	}
	h.bus.AttachNodeHandler(counted)

	disp := dispatcher.New(h.bus, dispatcher.Config{
		DefaultNodeTimeout: 2 * time.Second,
		TransportSlack:     time.Second,
		Policy: &retry.Policy{
			MaxAttempts:       3,
			InitialDelay:      10 * time.Millisecond,
			BackoffMultiplier: 2.0,
			MaxDelay:          50 * time.Millisecond,
		},
	})

	if cfg.CancelPoll == 0 {
		cfg.CancelPoll = 20 * time.Millisecond
	}
	h.sched = New(h.store, disp, h.stream, cfg)
	return h
}

func (h *harness) dispatches(nodeID string, attempt int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[fmt.Sprintf("%s/%d", nodeID, attempt)]
}

func (h *harness) submit(t *testing.T, wf *workflow.Workflow, input json.RawMessage) *transport.ExecuteWorkflowMessage {
	t.Helper()

	execID := "exec-" + wf.ID
	exec := &state.Execution{
		ID:            execID,
		WorkflowID:    wf.ID,
		Status:        state.ExecutionPending,
		StartedAt:     time.Now().UTC(),
		Input:         input,
		Progress:      state.Progress{Total: len(wf.Nodes)},
		CorrelationID: "corr-" + wf.ID,
	}
	if err := h.store.Create(context.Background(), exec); err != nil {
		t.Fatalf("Failed to create execution: %v", err)
	}

	return &transport.ExecuteWorkflowMessage{
		WorkflowID:    wf.ID,
		ExecutionID:   execID,
		Workflow:      wf,
		Input:         input,
		CorrelationID: exec.CorrelationID,
	}
}

func (h *harness) snapshot(t *testing.T, execID string) *state.Snapshot {
	t.Helper()
	snap, err := h.store.GetSnapshot(context.Background(), execID)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	return snap
}

// latestNode returns the highest-attempt record for a node.
func latestNode(snap *state.Snapshot, nodeID string) *state.NodeExecution {
	var latest *state.NodeExecution
	for _, n := range snap.Nodes {
		if n.NodeID == nodeID && (latest == nil || n.Attempt > latest.Attempt) {
			latest = n
		}
	}
	return latest
}

func completeWith(outputs map[string]string) transport.NodeHandler {
	return func(ctx context.Context, req *transport.ExecuteNodeRequest) *transport.ExecuteNodeReply {
		return &transport.ExecuteNodeReply{
			ExecutionID: req.ExecutionID,
			NodeID:      req.NodeID,
			Attempt:     req.Attempt,
			Status:      transport.ReplyCompleted,
			Output:      json.RawMessage(outputs[req.NodeID]),
		}
	}
}

func failWith(kind string, retryable bool) *transport.NodeError {
	return &transport.NodeError{Kind: kind, Message: "synthetic failure", Retryable: retryable}
}

func chain(id string, nodes ...string) *workflow.Workflow {
	w := &workflow.Workflow{ID: id}
	for _, n := range nodes {
		w.Nodes = append(w.Nodes, workflow.Node{ID: n, Type: "noop"})
	}
	for i := 0; i+1 < len(nodes); i++ {
		w.Edges = append(w.Edges, workflow.Edge{Source: nodes[i], Target: nodes[i+1]})
	}
	return w
}

func TestLinearSuccess(t *testing.T) {
	var inputs sync.Map
	outputs := map[string]string{"A": `{"a":1}`, "B": `{"b":2}`, "C": `{"c":3}`}

	handler := func(ctx context.Context, req *transport.ExecuteNodeRequest) *transport.ExecuteNodeReply {
		inputs.Store(req.NodeID, string(req.Input))
		return completeWith(outputs)(ctx, req)
	}

	h := newHarness(t, Config{MaxConcurrency: 2}, handler)
	msg := h.submit(t, chain("linear", "A", "B", "C"), json.RawMessage(`{"seed":true}`))

	eventCh, cancelSub := h.stream.Subscribe(msg.ExecutionID)
	defer cancelSub()

	if err := h.sched.Execute(context.Background(), msg, transport.DeliveryInfo{NumDelivered: 1}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	snap := h.snapshot(t, msg.ExecutionID)
	if snap.Execution.Status != state.ExecutionCompleted {
		t.Fatalf("Expected COMPLETED, got %s (%s)", snap.Execution.Status, snap.Execution.Error)
	}
	if snap.Execution.Progress.Completed != 3 {
		t.Errorf("Expected 3 completed, got %+v", snap.Execution.Progress)
	}

	for _, id := range []string{"A", "B", "C"} {
		node := latestNode(snap, id)
		if node == nil || node.Status != state.NodeCompleted {
			t.Errorf("Expected node %s COMPLETED, got %+v", id, node)
		}
	}

	// B's input carries A's output under the source node id, plus the
	// execution input under the reserved key.
	rawB, _ := inputs.Load("B")
	var inputB map[string]json.RawMessage
	if err := json.Unmarshal([]byte(rawB.(string)), &inputB); err != nil {
		t.Fatalf("Failed to decode B's input: %v", err)
	}
	if string(inputB["A"]) != `{"a":1}` {
		t.Errorf("Expected A's output in B's input, got %s", rawB)
	}
	if string(inputB[workflow.InputKey]) != `{"seed":true}` {
		t.Errorf("Expected execution input under %s, got %s", workflow.InputKey, rawB)
	}

	// Result carries the sink node's output.
	if !strings.Contains(string(snap.Execution.Result), `"c":3`) {
		t.Errorf("Expected C's output in result, got %s", snap.Execution.Result)
	}

	wantKinds := []string{
		transport.EventExecutionStarted,
		transport.EventNodeStarted, transport.EventNodeCompleted, // A
		transport.EventNodeStarted, transport.EventNodeCompleted, // B
		transport.EventNodeStarted, transport.EventNodeCompleted, // C
		transport.EventExecutionCompleted,
	}
	wantNodes := []string{"", "A", "A", "B", "B", "C", "C", ""}
	for i, wantKind := range wantKinds {
		select {
		case ev := <-eventCh:
			if ev.Kind != wantKind || ev.NodeID != wantNodes[i] {
				t.Errorf("Event %d: expected %s/%s, got %s/%s", i, wantKind, wantNodes[i], ev.Kind, ev.NodeID)
			}
			if wantKind == transport.EventNodeCompleted && ev.OutputHash == "" {
				t.Errorf("Event %d: expected output hash on NodeCompleted", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timed out waiting for event %d (%s)", i, wantKind)
		}
	}
}

func TestDiamondParallelism(t *testing.T) {
	w := &workflow.Workflow{
		ID: "diamond",
		Nodes: []workflow.Node{
			{ID: "A", Type: "noop"}, {ID: "B", Type: "noop"},
			{ID: "C", Type: "noop"}, {ID: "D", Type: "noop"},
		},
		Edges: []workflow.Edge{
			{Source: "A", Target: "B"}, {Source: "A", Target: "C"},
			{Source: "B", Target: "D"}, {Source: "C", Target: "D"},
		},
	}

	// B and C rendezvous: each waits for the other to start. If the
	// scheduler serialized them this would stall until the dispatch
	// deadline and fail the run.
	barrier := make(chan struct{}, 2)
	both := make(chan struct{})
	var once sync.Once

	var dOrder sync.Map
	handler := func(ctx context.Context, req *transport.ExecuteNodeRequest) *transport.ExecuteNodeReply {
		if req.NodeID == "B" || req.NodeID == "C" {
			barrier <- struct{}{}
			if len(barrier) == 2 {
				once.Do(func() { close(both) })
			}
			select {
			case <-both:
			case <-time.After(1500 * time.Millisecond):
				return &transport.ExecuteNodeReply{
					ExecutionID: req.ExecutionID, NodeID: req.NodeID, Attempt: req.Attempt,
					Status: transport.ReplyFailed,
					Err:    failWith(retry.KindTimeout, false),
				}
			}
		}
		if req.NodeID == "D" {
			dOrder.Store("input", string(req.Input))
		}
		return completeWith(map[string]string{
			"A": `{"a":1}`, "B": `{"b":1}`, "C": `{"c":1}`, "D": `{"d":1}`,
		})(ctx, req)
	}

	h := newHarness(t, Config{MaxConcurrency: 2}, handler)
	msg := h.submit(t, w, nil)

	if err := h.sched.Execute(context.Background(), msg, transport.DeliveryInfo{NumDelivered: 1}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	snap := h.snapshot(t, msg.ExecutionID)
	if snap.Execution.Status != state.ExecutionCompleted {
		t.Fatalf("Expected COMPLETED, got %s (%s)", snap.Execution.Status, snap.Execution.Error)
	}

	// D saw both parents' outputs, so it started only after both completed.
	raw, ok := dOrder.Load("input")
	if !ok {
		t.Fatal("D never ran")
	}
	var inputD map[string]json.RawMessage
	json.Unmarshal([]byte(raw.(string)), &inputD)
	if string(inputD["B"]) != `{"b":1}` || string(inputD["C"]) != `{"c":1}` {
		t.Errorf("Expected both parents in D's input, got %s", raw)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	var mu sync.Mutex
	attemptsSeen := 0

	handler := func(ctx context.Context, req *transport.ExecuteNodeRequest) *transport.ExecuteNodeReply {
		mu.Lock()
		attemptsSeen++
		fail := attemptsSeen == 1
		mu.Unlock()

		if fail {
			return &transport.ExecuteNodeReply{
				ExecutionID: req.ExecutionID, NodeID: req.NodeID, Attempt: req.Attempt,
				Status: transport.ReplyFailed,
				Err:    failWith(retry.KindRuntime, true),
			}
		}
		return completeWith(map[string]string{"X": `{"x":1}`})(ctx, req)
	}

	h := newHarness(t, Config{MaxConcurrency: 1}, handler)
	msg := h.submit(t, chain("retry", "X"), nil)

	if err := h.sched.Execute(context.Background(), msg, transport.DeliveryInfo{NumDelivered: 1}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	snap := h.snapshot(t, msg.ExecutionID)
	if snap.Execution.Status != state.ExecutionCompleted {
		t.Fatalf("Expected COMPLETED, got %s (%s)", snap.Execution.Status, snap.Execution.Error)
	}

	var first, second *state.NodeExecution
	for _, n := range snap.Nodes {
		switch n.Attempt {
		case 1:
			first = n
		case 2:
			second = n
		}
	}
	if first == nil || first.Status != state.NodeFailed {
		t.Errorf("Expected attempt 1 FAILED, got %+v", first)
	}
	if second == nil || second.Status != state.NodeCompleted {
		t.Errorf("Expected attempt 2 COMPLETED, got %+v", second)
	}

	if got := h.dispatches("X", 1) + h.dispatches("X", 2); got != 2 {
		t.Errorf("Expected 2 total dispatches for X, got %d", got)
	}
}

func TestRetryBound(t *testing.T) {
	handler := func(ctx context.Context, req *transport.ExecuteNodeRequest) *transport.ExecuteNodeReply {
		return &transport.ExecuteNodeReply{
			ExecutionID: req.ExecutionID, NodeID: req.NodeID, Attempt: req.Attempt,
			Status: transport.ReplyFailed,
			Err:    failWith(retry.KindRuntime, true),
		}
	}

	h := newHarness(t, Config{MaxConcurrency: 1}, handler)
	msg := h.submit(t, chain("bound", "X"), nil)

	if err := h.sched.Execute(context.Background(), msg, transport.DeliveryInfo{NumDelivered: 1}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	snap := h.snapshot(t, msg.ExecutionID)
	if snap.Execution.Status != state.ExecutionFailed {
		t.Fatalf("Expected FAILED, got %s", snap.Execution.Status)
	}
	if len(snap.Nodes) != 3 {
		t.Errorf("Expected exactly maxAttempts=3 node records, got %d", len(snap.Nodes))
	}
	for _, n := range snap.Nodes {
		if n.Attempt > 3 {
			t.Errorf("Attempt %d exceeds the retry bound", n.Attempt)
		}
	}
}

func TestFailFast(t *testing.T) {
	w := &workflow.Workflow{
		ID: "failfast",
		Nodes: []workflow.Node{
			{ID: "A", Type: "noop"}, {ID: "B", Type: "noop"},
			{ID: "C", Type: "noop"}, {ID: "D", Type: "noop"},
		},
		Edges: []workflow.Edge{
			{Source: "A", Target: "B"}, {Source: "A", Target: "C"},
			{Source: "C", Target: "D"},
		},
	}

	cRunning := make(chan struct{})
	handler := func(ctx context.Context, req *transport.ExecuteNodeRequest) *transport.ExecuteNodeReply {
		switch req.NodeID {
		case "B":
			// Fail only after C is provably in flight.
			select {
			case <-cRunning:
			case <-time.After(time.Second):
			}
			return &transport.ExecuteNodeReply{
				ExecutionID: req.ExecutionID, NodeID: req.NodeID, Attempt: req.Attempt,
				Status: transport.ReplyFailed,
				Err:    failWith(retry.KindResourceExceeded, false),
			}
		case "C":
			close(cRunning)
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
			return completeWith(map[string]string{"C": `{"c":1}`})(ctx, req)
		}
		return completeWith(map[string]string{"A": `{"a":1}`, "D": `{"d":1}`})(ctx, req)
	}

	h := newHarness(t, Config{MaxConcurrency: 4}, handler)
	msg := h.submit(t, w, nil)

	if err := h.sched.Execute(context.Background(), msg, transport.DeliveryInfo{NumDelivered: 1}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	snap := h.snapshot(t, msg.ExecutionID)
	if snap.Execution.Status != state.ExecutionFailed {
		t.Fatalf("Expected FAILED, got %s", snap.Execution.Status)
	}
	if !strings.Contains(snap.Execution.Error, "B") {
		t.Errorf("Expected error referencing B, got %q", snap.Execution.Error)
	}

	c := latestNode(snap, "C")
	if c == nil || (c.Status != state.NodeCancelled && c.Status != state.NodeSkipped && c.Status != state.NodeCompleted) {
		t.Errorf("Expected C cancelled/skipped/history, got %+v", c)
	}

	if h.dispatches("D", 1) != 0 {
		t.Error("Expected no dispatch of D after fail-fast")
	}
	d := latestNode(snap, "D")
	if d == nil || (d.Status != state.NodeSkipped && d.Status != state.NodeCancelled) {
		t.Errorf("Expected D skipped, got %+v", d)
	}
}

func TestContinuePolicy(t *testing.T) {
	w := &workflow.Workflow{
		ID: "continue",
		Nodes: []workflow.Node{
			{ID: "A", Type: "noop"}, {ID: "B", Type: "noop"},
			{ID: "C", Type: "noop"}, {ID: "D", Type: "noop"},
		},
		Edges: []workflow.Edge{
			{Source: "A", Target: "B"}, {Source: "A", Target: "C"},
			{Source: "B", Target: "D"},
		},
	}

	handler := func(ctx context.Context, req *transport.ExecuteNodeRequest) *transport.ExecuteNodeReply {
		if req.NodeID == "B" {
			return &transport.ExecuteNodeReply{
				ExecutionID: req.ExecutionID, NodeID: req.NodeID, Attempt: req.Attempt,
				Status: transport.ReplyFailed,
				Err:    failWith(retry.KindUnknownNodeType, false),
			}
		}
		return completeWith(map[string]string{"A": `{"a":1}`, "C": `{"c":1}`, "D": `{"d":1}`})(ctx, req)
	}

	h := newHarness(t, Config{MaxConcurrency: 2, FailPolicy: FailContinue}, handler)
	msg := h.submit(t, w, nil)

	if err := h.sched.Execute(context.Background(), msg, transport.DeliveryInfo{NumDelivered: 1}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	snap := h.snapshot(t, msg.ExecutionID)
	if snap.Execution.Status != state.ExecutionCompleted {
		t.Fatalf("Expected COMPLETED under continue policy, got %s", snap.Execution.Status)
	}

	if n := latestNode(snap, "C"); n.Status != state.NodeCompleted {
		t.Errorf("Expected C to complete despite B's failure, got %s", n.Status)
	}
	if n := latestNode(snap, "D"); n.Status != state.NodeSkipped {
		t.Errorf("Expected D skipped downstream of failed B, got %s", n.Status)
	}
	if h.dispatches("D", 1) != 0 {
		t.Error("Expected no dispatch of skipped D")
	}
	if snap.Execution.Progress.Failed != 1 || snap.Execution.Progress.Skipped != 1 || snap.Execution.Progress.Completed != 2 {
		t.Errorf("Unexpected progress: %+v", snap.Execution.Progress)
	}
}

func TestConditionSkip(t *testing.T) {
	w := chain("cond", "A", "B", "C")
	w.Edges[0].Condition = &workflow.Condition{
		Field:    "status",
		Operator: workflow.OpEquals,
		Value:    json.RawMessage(`"go"`),
	}

	handler := completeWith(map[string]string{
		"A": `{"status":"stop"}`, "B": `{"b":1}`, "C": `{"c":1}`,
	})

	h := newHarness(t, Config{MaxConcurrency: 2}, handler)
	msg := h.submit(t, w, nil)

	if err := h.sched.Execute(context.Background(), msg, transport.DeliveryInfo{NumDelivered: 1}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	snap := h.snapshot(t, msg.ExecutionID)
	if snap.Execution.Status != state.ExecutionCompleted {
		t.Fatalf("Expected COMPLETED, got %s (%s)", snap.Execution.Status, snap.Execution.Error)
	}

	if n := latestNode(snap, "B"); n.Status != state.NodeSkipped {
		t.Errorf("Expected B SKIPPED on false condition, got %s", n.Status)
	}
	if h.dispatches("B", 1) != 0 {
		t.Error("Expected no dispatch of condition-skipped B")
	}

	// Completion propagates through the skipped node.
	if n := latestNode(snap, "C"); n.Status != state.NodeCompleted {
		t.Errorf("Expected C to run after skip propagation, got %s", n.Status)
	}
}

func TestDuplicateInputBinding(t *testing.T) {
	w := &workflow.Workflow{
		ID: "dup",
		Nodes: []workflow.Node{
			{ID: "A", Type: "noop"}, {ID: "B", Type: "noop"}, {ID: "C", Type: "noop"},
		},
		Edges: []workflow.Edge{
			{Source: "A", Target: "C", TargetInput: "payload"},
			{Source: "B", Target: "C", TargetInput: "payload"},
		},
	}

	handler := completeWith(map[string]string{"A": `{"a":1}`, "B": `{"b":1}`, "C": `{"c":1}`})
	h := newHarness(t, Config{MaxConcurrency: 2}, handler)
	msg := h.submit(t, w, nil)

	if err := h.sched.Execute(context.Background(), msg, transport.DeliveryInfo{NumDelivered: 1}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	snap := h.snapshot(t, msg.ExecutionID)
	if snap.Execution.Status != state.ExecutionFailed {
		t.Fatalf("Expected FAILED, got %s", snap.Execution.Status)
	}
	c := latestNode(snap, "C")
	if c.Status != state.NodeFailed || c.ErrorKind != retry.KindDuplicateInputBinding {
		t.Errorf("Expected C failed with DuplicateInputBinding, got %+v", c)
	}
	if h.dispatches("C", 1) != 0 {
		t.Error("Expected no dispatch of C with a broken binding")
	}
}

func TestCancellation(t *testing.T) {
	release := make(chan struct{})
	handler := func(ctx context.Context, req *transport.ExecuteNodeRequest) *transport.ExecuteNodeReply {
		if req.NodeID == "A" {
			select {
			case <-release:
			case <-time.After(2 * time.Second):
			}
		}
		return completeWith(map[string]string{"A": `{"a":1}`, "B": `{"b":1}`})(ctx, req)
	}

	h := newHarness(t, Config{MaxConcurrency: 1}, handler)
	msg := h.submit(t, chain("cancel", "A", "B"), nil)

	done := make(chan error, 1)
	go func() {
		done <- h.sched.Execute(context.Background(), msg, transport.DeliveryInfo{NumDelivered: 1})
	}()

	// Let A get in flight, then request cancellation.
	time.Sleep(50 * time.Millisecond)
	if err := h.store.RequestCancel(context.Background(), msg.ExecutionID); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Scheduler did not observe cancellation")
	}
	close(release)

	snap := h.snapshot(t, msg.ExecutionID)
	if snap.Execution.Status != state.ExecutionCancelled {
		t.Fatalf("Expected CANCELLED, got %s", snap.Execution.Status)
	}
	if n := latestNode(snap, "B"); n.Status != state.NodeCancelled {
		t.Errorf("Expected pending B CANCELLED, got %s", n.Status)
	}
	if h.dispatches("B", 1) != 0 {
		t.Error("Expected no dispatch after cancellation")
	}

	// Cancellation is idempotent.
	if err := h.store.RequestCancel(context.Background(), msg.ExecutionID); err != nil {
		t.Errorf("Cancel after terminal state should no-op, got %v", err)
	}
}

func TestDuplicateClaim(t *testing.T) {
	handler := completeWith(map[string]string{"A": `{"a":1}`})
	h := newHarness(t, Config{MaxConcurrency: 1}, handler)
	msg := h.submit(t, chain("claim", "A"), nil)
	ctx := context.Background()

	t.Run("Running Held Elsewhere", func(t *testing.T) {
		if err := h.store.Transition(ctx, msg.ExecutionID, []state.ExecutionStatus{state.ExecutionPending}, state.ExecutionRunning, nil); err != nil {
			t.Fatalf("Manual claim failed: %v", err)
		}

		err := h.sched.Execute(ctx, msg, transport.DeliveryInfo{NumDelivered: 1})
		if !errors.Is(err, transport.ErrRequeue) {
			t.Errorf("Expected ErrRequeue while another engine holds the claim, got %v", err)
		}
	})

	t.Run("Terminal Acks", func(t *testing.T) {
		now := time.Now().UTC()
		if err := h.store.Transition(ctx, msg.ExecutionID, []state.ExecutionStatus{state.ExecutionRunning}, state.ExecutionCompleted,
			&state.Patch{FinishedAt: &now}); err != nil {
			t.Fatalf("Manual completion failed: %v", err)
		}

		if err := h.sched.Execute(ctx, msg, transport.DeliveryInfo{NumDelivered: 2, Redelivered: true}); err != nil {
			t.Errorf("Expected terminal duplicate to ack-no-op, got %v", err)
		}

		// Stable across arbitrary future reads.
		first := h.snapshot(t, msg.ExecutionID)
		second := h.snapshot(t, msg.ExecutionID)
		if first.Execution.Status != second.Execution.Status || !first.Execution.FinishedAt.Equal(*second.Execution.FinishedAt) {
			t.Error("Snapshot changed across reads after terminal state")
		}
	})
}

func TestCrashRecovery(t *testing.T) {
	w := chain("recover", "A", "B", "C")
	handler := completeWith(map[string]string{"A": `{"a":1}`, "B": `{"b":1}`, "C": `{"c":1}`})

	h := newHarness(t, Config{MaxConcurrency: 2}, handler)
	msg := h.submit(t, w, nil)
	ctx := context.Background()

	// Simulate a dead engine: claimed, A completed, B lost mid-flight long
	// past its deadline, C never seeded beyond PENDING.
	h.store.Transition(ctx, msg.ExecutionID, []state.ExecutionStatus{state.ExecutionPending}, state.ExecutionRunning, nil)

	finishedA := time.Now().UTC().Add(-time.Hour)
	staleStart := time.Now().UTC().Add(-30 * time.Minute)
	seed := []*state.NodeExecution{
		{ExecutionID: msg.ExecutionID, NodeID: "A", Attempt: 1, Status: state.NodePending, Dependents: []string{"B"}},
		{ExecutionID: msg.ExecutionID, NodeID: "B", Attempt: 1, Status: state.NodePending, Dependencies: []string{"A"}, Dependents: []string{"C"}},
		{ExecutionID: msg.ExecutionID, NodeID: "C", Attempt: 1, Status: state.NodePending, Dependencies: []string{"B"}},
	}
	for _, n := range seed {
		if err := h.store.UpsertNode(ctx, msg.ExecutionID, n); err != nil {
			t.Fatalf("Seed failed: %v", err)
		}
	}
	steps := []*state.NodeExecution{
		{ExecutionID: msg.ExecutionID, NodeID: "A", Attempt: 1, Status: state.NodeReady},
		{ExecutionID: msg.ExecutionID, NodeID: "A", Attempt: 1, Status: state.NodeRunning, StartedAt: &staleStart},
		{ExecutionID: msg.ExecutionID, NodeID: "A", Attempt: 1, Status: state.NodeCompleted, Output: json.RawMessage(`{"a":1}`), FinishedAt: &finishedA},
		{ExecutionID: msg.ExecutionID, NodeID: "B", Attempt: 1, Status: state.NodeReady},
		{ExecutionID: msg.ExecutionID, NodeID: "B", Attempt: 1, Status: state.NodeRunning, StartedAt: &staleStart},
	}
	for _, n := range steps {
		if err := h.store.UpsertNode(ctx, msg.ExecutionID, n); err != nil {
			t.Fatalf("Seed step failed: %v", err)
		}
	}

	// The broker redelivers the unacked message to this engine.
	if err := h.sched.Execute(ctx, msg, transport.DeliveryInfo{NumDelivered: 2, Redelivered: true}); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	snap := h.snapshot(t, msg.ExecutionID)
	if snap.Execution.Status != state.ExecutionCompleted {
		t.Fatalf("Expected COMPLETED after recovery, got %s (%s)", snap.Execution.Status, snap.Execution.Error)
	}

	// A was not re-run.
	if h.dispatches("A", 1) != 0 {
		t.Error("Expected completed A not to be re-dispatched")
	}

	// B's stale attempt expired into a FAILED record and attempt 2 ran.
	b1, b2 := false, false
	for _, n := range snap.Nodes {
		if n.NodeID == "B" && n.Attempt == 1 && n.Status == state.NodeFailed {
			b1 = true
		}
		if n.NodeID == "B" && n.Attempt == 2 && n.Status == state.NodeCompleted {
			b2 = true
		}
	}
	if !b1 || !b2 {
		t.Errorf("Expected B attempt 1 FAILED and attempt 2 COMPLETED, got %+v", snap.Nodes)
	}
	if h.dispatches("B", 2) != 1 {
		t.Errorf("Expected one dispatch of B attempt 2, got %d", h.dispatches("B", 2))
	}

	if n := latestNode(snap, "C"); n.Status != state.NodeCompleted {
		t.Errorf("Expected C COMPLETED, got %s", n.Status)
	}
}

func TestCrashRecoveryWithinDeadline(t *testing.T) {
	w := chain("recover-live", "A")
	handler := completeWith(map[string]string{"A": `{"a":1}`})

	h := newHarness(t, Config{MaxConcurrency: 1}, handler)
	msg := h.submit(t, w, nil)
	ctx := context.Background()

	h.store.Transition(ctx, msg.ExecutionID, []state.ExecutionStatus{state.ExecutionPending}, state.ExecutionRunning, nil)
	now := time.Now().UTC()
	h.store.UpsertNode(ctx, msg.ExecutionID, &state.NodeExecution{
		ExecutionID: msg.ExecutionID, NodeID: "A", Attempt: 1, Status: state.NodePending,
	})
	h.store.UpsertNode(ctx, msg.ExecutionID, &state.NodeExecution{
		ExecutionID: msg.ExecutionID, NodeID: "A", Attempt: 1, Status: state.NodeReady,
	})
	h.store.UpsertNode(ctx, msg.ExecutionID, &state.NodeExecution{
		ExecutionID: msg.ExecutionID, NodeID: "A", Attempt: 1, Status: state.NodeRunning, StartedAt: &now,
	})

	if err := h.sched.Execute(ctx, msg, transport.DeliveryInfo{NumDelivered: 2, Redelivered: true}); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	snap := h.snapshot(t, msg.ExecutionID)
	if snap.Execution.Status != state.ExecutionCompleted {
		t.Fatalf("Expected COMPLETED, got %s", snap.Execution.Status)
	}
	// Inside its deadline the same attempt is re-dispatched; the runner's
	// dedup key makes the repeat harmless.
	if h.dispatches("A", 1) != 1 {
		t.Errorf("Expected re-dispatch of A attempt 1, got %d", h.dispatches("A", 1))
	}
}

func TestExecutionDeadline(t *testing.T) {
	handler := func(ctx context.Context, req *transport.ExecuteNodeRequest) *transport.ExecuteNodeReply {
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
		return completeWith(map[string]string{"A": `{"a":1}`})(ctx, req)
	}

	h := newHarness(t, Config{MaxConcurrency: 1, ExecutionDeadline: 100 * time.Millisecond}, handler)
	msg := h.submit(t, chain("deadline", "A"), nil)

	if err := h.sched.Execute(context.Background(), msg, transport.DeliveryInfo{NumDelivered: 1}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	snap := h.snapshot(t, msg.ExecutionID)
	if snap.Execution.Status != state.ExecutionFailed {
		t.Fatalf("Expected FAILED on deadline, got %s", snap.Execution.Status)
	}
	if !strings.Contains(snap.Execution.Error, retry.KindDeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded in error, got %q", snap.Execution.Error)
	}
}

func TestConcurrencyBound(t *testing.T) {
	w := &workflow.Workflow{ID: "bound5"}
	for _, id := range []string{"n1", "n2", "n3", "n4", "n5"} {
		w.Nodes = append(w.Nodes, workflow.Node{ID: id, Type: "noop"})
	}

	var mu sync.Mutex
	inFlight, peak := 0, 0
	handler := func(ctx context.Context, req *transport.ExecuteNodeRequest) *transport.ExecuteNodeReply {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(30 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return completeWith(map[string]string{
			"n1": `{}`, "n2": `{}`, "n3": `{}`, "n4": `{}`, "n5": `{}`,
		})(ctx, req)
	}

	h := newHarness(t, Config{MaxConcurrency: 2}, handler)
	msg := h.submit(t, w, nil)

	if err := h.sched.Execute(context.Background(), msg, transport.DeliveryInfo{NumDelivered: 1}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("Concurrency bound violated: peak %d > 2", peak)
	}
	if peak < 2 {
		t.Errorf("Expected the scheduler to use its full budget, peak was %d", peak)
	}
}
