// Package engine wires the scheduler to the bus: it consumes
// ExecuteWorkflow jobs, bounds how many executions one instance schedules
// at a time, and reports reclaimable executions at startup.
package engine

import (
	"context"
	"log"

	"golang.org/x/sync/semaphore"

	"flowmesh/internal/scheduler"
	"flowmesh/internal/state"
	"flowmesh/internal/transport"
)

// Config sizes one engine instance.
type Config struct {
	MaxExecutions int // concurrently scheduled executions, default 100
}

// Engine is the engine service core.
type Engine struct {
	bus   transport.Bus
	sched *scheduler.Scheduler
	store state.Store
	sem   *semaphore.Weighted
}

// New creates an engine.
func New(bus transport.Bus, sched *scheduler.Scheduler, store state.Store, cfg Config) *Engine {
	max := cfg.MaxExecutions
	if max <= 0 {
		max = 100
	}
	return &Engine{
		bus:   bus,
		sched: sched,
		store: store,
		sem:   semaphore.NewWeighted(int64(max)),
	}
}

// Run subscribes to the execute-workflow queue and blocks until ctx is
// done. Executions interrupted by a previous crash come back through the
// broker's redelivery of their unacked messages; the startup listing only
// reports what is owed.
func (e *Engine) Run(ctx context.Context) error {
	if ids, err := e.store.ListRunning(ctx); err != nil {
		log.Printf("[Engine] Failed to list running executions: %v", err)
	} else if len(ids) > 0 {
		log.Printf("[Engine] %d executions in RUNNING state await broker redelivery: %v", len(ids), ids)
	}

	return e.bus.SubscribeWorkflow(ctx, e.handle)
}

func (e *Engine) handle(ctx context.Context, msg *transport.ExecuteWorkflowMessage, info transport.DeliveryInfo) error {
	// At capacity the message goes back to the broker rather than queueing
	// here; prefetch plus this bound is the engine's backpressure.
	if !e.sem.TryAcquire(1) {
		log.Printf("[Engine] At capacity, requeueing execution %s", msg.ExecutionID)
		return transport.ErrRequeue
	}
	defer e.sem.Release(1)

	return e.sched.Execute(ctx, msg, info)
}
