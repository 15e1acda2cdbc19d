package state

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// The store contract is exercised against every implementation.
func stores(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func newExecution(id string) *Execution {
	return &Execution{
		ID:            id,
		WorkflowID:    "wf-1",
		TenantID:      "tenant-1",
		Status:        ExecutionPending,
		StartedAt:     time.Now().UTC(),
		Input:         json.RawMessage(`{"seed": 1}`),
		Progress:      Progress{Total: 3},
		CorrelationID: "corr-1",
	}
}

func TestStoreCreate(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := store.Create(ctx, newExecution("exec-1")); err != nil {
				t.Fatalf("Create failed: %v", err)
			}

			if err := store.Create(ctx, newExecution("exec-1")); !errors.Is(err, ErrAlreadyExists) {
				t.Errorf("Expected ErrAlreadyExists on id collision, got %v", err)
			}

			snap, err := store.GetSnapshot(ctx, "exec-1")
			if err != nil {
				t.Fatalf("GetSnapshot failed: %v", err)
			}
			if snap.Execution.Status != ExecutionPending {
				t.Errorf("Expected PENDING, got %s", snap.Execution.Status)
			}
			if snap.Execution.Progress.Total != 3 {
				t.Errorf("Expected total 3, got %d", snap.Execution.Progress.Total)
			}
		})
	}
}

func TestStoreTransitionCAS(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.Create(ctx, newExecution("exec-cas"))

			fromPending := []ExecutionStatus{ExecutionPending}
			if err := store.Transition(ctx, "exec-cas", fromPending, ExecutionRunning, nil); err != nil {
				t.Fatalf("Claim failed: %v", err)
			}

			// A second claim must observe InvalidTransition.
			if err := store.Transition(ctx, "exec-cas", fromPending, ExecutionRunning, nil); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("Expected ErrInvalidTransition on duplicate claim, got %v", err)
			}

			// Finish with a patch.
			now := time.Now().UTC()
			err := store.Transition(ctx, "exec-cas", []ExecutionStatus{ExecutionRunning}, ExecutionCompleted, &Patch{
				Result:     json.RawMessage(`{"out": 42}`),
				Progress:   &Progress{Total: 3, Completed: 3},
				FinishedAt: &now,
			})
			if err != nil {
				t.Fatalf("Terminal transition failed: %v", err)
			}

			snap, _ := store.GetSnapshot(ctx, "exec-cas")
			if snap.Execution.Status != ExecutionCompleted {
				t.Errorf("Expected COMPLETED, got %s", snap.Execution.Status)
			}
			if snap.Execution.FinishedAt == nil {
				t.Error("Expected finished_at to be set")
			}
			if snap.Execution.Progress.Completed != 3 {
				t.Errorf("Expected completed 3, got %d", snap.Execution.Progress.Completed)
			}

			// Terminal is write-once.
			err = store.Transition(ctx, "exec-cas", []ExecutionStatus{ExecutionCompleted}, ExecutionFailed, nil)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("Expected terminal state to be write-once, got %v", err)
			}
		})
	}
}

func TestStoreTransitionUnknownExecution(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			err := store.Transition(context.Background(), "ghost", []ExecutionStatus{ExecutionPending}, ExecutionRunning, nil)
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStoreUpsertNode(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.Create(ctx, newExecution("exec-nodes"))

			node := &NodeExecution{
				ExecutionID:  "exec-nodes",
				NodeID:       "a",
				Attempt:      1,
				Status:       NodePending,
				Dependencies: []string{},
				Dependents:   []string{"b"},
			}
			if err := store.UpsertNode(ctx, "exec-nodes", node); err != nil {
				t.Fatalf("UpsertNode failed: %v", err)
			}

			node.Status = NodeReady
			if err := store.UpsertNode(ctx, "exec-nodes", node); err != nil {
				t.Fatalf("Pending->Ready failed: %v", err)
			}

			node.Status = NodeRunning
			if err := store.UpsertNode(ctx, "exec-nodes", node); err != nil {
				t.Fatalf("Ready->Running failed: %v", err)
			}

			now := time.Now().UTC()
			node.Status = NodeCompleted
			node.Output = json.RawMessage(`{"v": 1}`)
			node.FinishedAt = &now
			if err := store.UpsertNode(ctx, "exec-nodes", node); err != nil {
				t.Fatalf("Running->Completed failed: %v", err)
			}

			// Terminal node records reject further writes.
			node.Status = NodeFailed
			if err := store.UpsertNode(ctx, "exec-nodes", node); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("Expected ErrInvalidTransition after terminal node status, got %v", err)
			}

			// A second attempt is a distinct record.
			attempt2 := &NodeExecution{
				ExecutionID: "exec-nodes",
				NodeID:      "a",
				Attempt:     2,
				Status:      NodeReady,
			}
			if err := store.UpsertNode(ctx, "exec-nodes", attempt2); err != nil {
				t.Fatalf("Second attempt upsert failed: %v", err)
			}

			snap, err := store.GetSnapshot(ctx, "exec-nodes")
			if err != nil {
				t.Fatalf("GetSnapshot failed: %v", err)
			}
			if len(snap.Nodes) != 2 {
				t.Fatalf("Expected 2 node records, got %d", len(snap.Nodes))
			}
			if snap.Nodes[0].Attempt != 1 || snap.Nodes[0].Status != NodeCompleted {
				t.Errorf("Unexpected first record: attempt %d status %s", snap.Nodes[0].Attempt, snap.Nodes[0].Status)
			}
			if string(snap.Nodes[0].Output) != `{"v": 1}` {
				t.Errorf("Unexpected output round-trip: %s", snap.Nodes[0].Output)
			}
		})
	}
}

func TestStoreListRunning(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			store.Create(ctx, newExecution("exec-r1"))
			store.Create(ctx, newExecution("exec-r2"))
			store.Create(ctx, newExecution("exec-p1"))

			store.Transition(ctx, "exec-r1", []ExecutionStatus{ExecutionPending}, ExecutionRunning, nil)
			store.Transition(ctx, "exec-r2", []ExecutionStatus{ExecutionPending}, ExecutionRunning, nil)

			ids, err := store.ListRunning(ctx)
			if err != nil {
				t.Fatalf("ListRunning failed: %v", err)
			}
			if len(ids) != 2 {
				t.Errorf("Expected 2 running executions, got %v", ids)
			}
		})
	}
}

func TestStoreRequestCancel(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.Create(ctx, newExecution("exec-cancel"))
			store.Transition(ctx, "exec-cancel", []ExecutionStatus{ExecutionPending}, ExecutionRunning, nil)

			if err := store.RequestCancel(ctx, "exec-cancel"); err != nil {
				t.Fatalf("RequestCancel failed: %v", err)
			}
			// Idempotent.
			if err := store.RequestCancel(ctx, "exec-cancel"); err != nil {
				t.Fatalf("Second RequestCancel failed: %v", err)
			}

			snap, _ := store.GetSnapshot(ctx, "exec-cancel")
			if !snap.Execution.CancelRequested {
				t.Error("Expected cancel_requested to be set")
			}

			if err := store.RequestCancel(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStoreUpdateProgress(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.Create(ctx, newExecution("exec-prog"))

			// Not running yet.
			err := store.UpdateProgress(ctx, "exec-prog", Progress{Total: 3, Completed: 1})
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("Expected ErrInvalidTransition while PENDING, got %v", err)
			}

			store.Transition(ctx, "exec-prog", []ExecutionStatus{ExecutionPending}, ExecutionRunning, nil)
			if err := store.UpdateProgress(ctx, "exec-prog", Progress{Total: 3, Completed: 1, Running: 1}); err != nil {
				t.Fatalf("UpdateProgress failed: %v", err)
			}

			snap, _ := store.GetSnapshot(ctx, "exec-prog")
			if snap.Execution.Progress.Completed != 1 || snap.Execution.Progress.Running != 1 {
				t.Errorf("Unexpected progress: %+v", snap.Execution.Progress)
			}
		})
	}
}

func TestStoreHistory(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.Create(ctx, newExecution("exec-hist"))
			store.Transition(ctx, "exec-hist", []ExecutionStatus{ExecutionPending}, ExecutionRunning, nil)
			store.UpsertNode(ctx, "exec-hist", &NodeExecution{
				ExecutionID: "exec-hist", NodeID: "a", Attempt: 1, Status: NodePending,
			})

			records, err := store.History(ctx, "exec-hist")
			if err != nil {
				t.Fatalf("History failed: %v", err)
			}
			if len(records) != 3 {
				t.Fatalf("Expected 3 transition records, got %d", len(records))
			}
			if records[0].ToStatus != string(ExecutionPending) {
				t.Errorf("Expected creation record first, got %+v", records[0])
			}
			if records[1].FromStatus != string(ExecutionPending) || records[1].ToStatus != string(ExecutionRunning) {
				t.Errorf("Expected claim record second, got %+v", records[1])
			}
			if records[2].NodeID != "a" {
				t.Errorf("Expected node record third, got %+v", records[2])
			}
			for i := 1; i < len(records); i++ {
				if records[i].Seq <= records[i-1].Seq {
					t.Errorf("Sequence numbers not increasing: %d then %d", records[i-1].Seq, records[i].Seq)
				}
			}
		})
	}
}
