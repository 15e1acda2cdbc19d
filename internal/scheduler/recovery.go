package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"flowmesh/internal/retry"
	"flowmesh/internal/state"
	"flowmesh/internal/workflow"
)

// resume reconstructs the run state of a reclaimed execution from its
// store snapshot and leaves the drain loop to finish the job. Because all
// transitions are CAS-guarded and dispatches are keyed by (execution,
// node, attempt), any work the dead engine already started is harmless to
// repeat: runners re-emit cached results for keys they have seen.
func (r *run) resume(ctx context.Context, snap *state.Snapshot) error {
	plan, err := workflow.Plan(r.msg.Workflow)
	if err != nil {
		return r.failExecution(ctx, retry.KindValidation, fmt.Sprintf("replanning failed: %v", err))
	}
	r.plan = plan
	r.progress.Total = len(r.wf.Nodes)

	// Latest attempt record per node.
	latest := make(map[string]*state.NodeExecution)
	for _, rec := range snap.Nodes {
		if cur, ok := latest[rec.NodeID]; !ok || rec.Attempt > cur.Attempt {
			latest[rec.NodeID] = rec
		}
	}

	policy := r.s.disp.Policy()
	now := time.Now().UTC()

	for _, n := range r.wf.Nodes {
		rec, ok := latest[n.ID]
		if !ok {
			// The crash predated this node's seeding.
			r.attempts[n.ID] = 1
			r.status[n.ID] = state.NodePending
			seedRec := &state.NodeExecution{
				ExecutionID:  r.msg.ExecutionID,
				NodeID:       n.ID,
				Attempt:      1,
				Status:       state.NodePending,
				Dependencies: r.plan.Dependencies[n.ID],
				Dependents:   r.plan.Dependents[n.ID],
			}
			if err := r.s.store.UpsertNode(ctx, r.msg.ExecutionID, seedRec); err != nil {
				return fmt.Errorf("%s: failed to reseed node %s: %w", retry.KindStateStore, n.ID, err)
			}
			continue
		}

		r.attempts[n.ID] = rec.Attempt
		r.status[n.ID] = rec.Status

		switch rec.Status {
		case state.NodeCompleted:
			r.outputs[n.ID] = rec.Output
			r.progress.Completed++
		case state.NodeSkipped:
			r.progress.Skipped++
		case state.NodeCancelled:
			r.progress.Skipped++
		case state.NodeFailed:
			r.progress.Failed++
			r.failed = true
			r.failureDetail = fmt.Sprintf("node %s failed: %s: %s", n.ID, rec.ErrorKind, rec.Error)
		case state.NodeRunning:
			deadline := r.s.disp.Timeout(n.Type)
			if rec.StartedAt != nil && now.Sub(*rec.StartedAt) < deadline {
				// Still inside its deadline: re-dispatch the same attempt;
				// the runner's dedup cache returns the original result if
				// one was already computed.
				r.status[n.ID] = state.NodePending
				if err := r.markReady(ctx, n.ID); err != nil {
					return err
				}
				continue
			}

			// Past deadline: the attempt is lost.
			failedRec := &state.NodeExecution{
				ExecutionID: r.msg.ExecutionID,
				NodeID:      n.ID,
				Attempt:     rec.Attempt,
				Status:      state.NodeFailed,
				Error:       "attempt lost across engine restart",
				ErrorKind:   retry.KindTimeout,
				FinishedAt:  &now,
			}
			if err := r.s.store.UpsertNode(ctx, r.msg.ExecutionID, failedRec); err != nil {
				return fmt.Errorf("%s: failed to expire node %s: %w", retry.KindStateStore, n.ID, err)
			}

			if policy.ShouldRetry(rec.Attempt) {
				r.attempts[n.ID] = rec.Attempt + 1
				r.status[n.ID] = state.NodePending
				if err := r.markReady(ctx, n.ID); err != nil {
					return err
				}
			} else {
				r.status[n.ID] = state.NodeFailed
				r.progress.Failed++
				r.failed = true
				r.failureDetail = fmt.Sprintf("node %s failed: attempts exhausted across restart", n.ID)
			}
		case state.NodeReady:
			r.status[n.ID] = state.NodePending
			if err := r.markReady(ctx, n.ID); err != nil {
				return err
			}
		}
	}

	// Recompute unmet dependency counters for pending nodes, then ready the
	// ones whose upstream finished before the crash. Layer order keeps
	// condition-skip propagation consistent.
	for _, n := range r.wf.Nodes {
		if r.status[n.ID] != state.NodePending {
			continue
		}
		unmet := 0
		for _, dep := range r.plan.Dependencies[n.ID] {
			switch r.status[dep] {
			case state.NodeCompleted, state.NodeSkipped:
			default:
				unmet++
			}
		}
		r.outstanding[n.ID] = unmet
	}

	for _, layer := range r.plan.Layers {
		for _, nodeID := range layer {
			if r.status[nodeID] != state.NodePending || r.outstanding[nodeID] > 0 {
				continue
			}
			if r.conditionsHold(nodeID) {
				if err := r.markReady(ctx, nodeID); err != nil {
					return err
				}
			} else {
				if err := r.skipNode(ctx, nodeID, "edge condition evaluated false"); err != nil {
					return err
				}
				if err := r.unlockDependents(ctx, nodeID); err != nil {
					return err
				}
			}
		}
	}

	// Under the continue policy a pre-crash failure must still poison its
	// downstream nodes.
	if r.failed && r.s.cfg.FailPolicy == FailContinue {
		for nodeID, st := range r.status {
			if st == state.NodeFailed {
				if err := r.skipDownstream(ctx, nodeID); err != nil {
					return err
				}
			}
		}
	}

	log.Printf("[Scheduler] Resumed execution %s: %d completed, %d ready, %d failed",
		r.msg.ExecutionID, r.progress.Completed, len(r.ready), r.progress.Failed)
	return nil
}
