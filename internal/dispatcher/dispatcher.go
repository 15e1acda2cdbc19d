// Package dispatcher sends ExecuteNode requests over the bus and shapes
// every outcome, including timeouts and broker failures, into a structured
// reply. Retry pacing across attempts belongs to the scheduler, which owns
// the per-attempt NodeExecution records; the dispatcher performs exactly
// one attempt per call.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"flowmesh/internal/metrics"
	"flowmesh/internal/retry"
	"flowmesh/internal/transport"
)

// Config tunes dispatch behavior.
type Config struct {
	// DefaultNodeTimeout is the runner-side wall clock assumed for node
	// types without an explicit entry in TypeTimeouts.
	DefaultNodeTimeout time.Duration
	// TypeTimeouts overrides the runner deadline per node type.
	TypeTimeouts map[string]time.Duration
	// TransportSlack is added on top of the node timeout for the reply to
	// travel back.
	TransportSlack time.Duration
	// Policy bounds attempts and paces backoff; the scheduler consults it
	// between attempts.
	Policy *retry.Policy
}

func (c Config) withDefaults() Config {
	if c.DefaultNodeTimeout <= 0 {
		c.DefaultNodeTimeout = 30 * time.Second
	}
	if c.TransportSlack <= 0 {
		c.TransportSlack = 10 * time.Second
	}
	if c.Policy == nil {
		c.Policy = retry.DefaultPolicy()
	}
	return c
}

// Dispatcher performs request-reply node dispatch with correlation over
// the bus, guarded by a per-node-type circuit breaker.
type Dispatcher struct {
	bus      transport.Bus
	cfg      Config
	breakers *retry.TypeBreakers
}

// New creates a dispatcher over the bus.
func New(bus transport.Bus, cfg Config) *Dispatcher {
	return &Dispatcher{
		bus:      bus,
		cfg:      cfg.withDefaults(),
		breakers: retry.NewTypeBreakers(),
	}
}

// Policy returns the retry policy the scheduler paces attempts with.
func (d *Dispatcher) Policy() *retry.Policy {
	return d.cfg.Policy
}

// Timeout returns the reply deadline for one attempt of a node type.
func (d *Dispatcher) Timeout(nodeType string) time.Duration {
	t := d.cfg.DefaultNodeTimeout
	if override, ok := d.cfg.TypeTimeouts[nodeType]; ok && override > 0 {
		t = override
	}
	return t + d.cfg.TransportSlack
}

// Dispatch performs one attempt. It never returns a Go error: a missing or
// late reply becomes Failed{Timeout, retryable} and the remote execution
// is left to finish, absorbed later by the dedup key. Broker publish
// failures become Failed{TransportError, retryable}.
func (d *Dispatcher) Dispatch(ctx context.Context, req *transport.ExecuteNodeRequest) *transport.ExecuteNodeReply {
	nodeType := req.Node.Type

	breaker := d.breakers.Get(nodeType)
	if !breaker.Allow() {
		log.Printf("[Dispatcher] Circuit open for node type %s, short-circuiting %s/%s attempt %d",
			nodeType, req.ExecutionID, req.NodeID, req.Attempt)
		metrics.RecordError("dispatcher", "BreakerOpen")
		return failedReply(req, retry.KindTimeout,
			fmt.Sprintf("circuit breaker open for node type %s", nodeType), true)
	}

	timeout := d.Timeout(nodeType)
	ctx, span := metrics.StartSpan(ctx, "dispatcher.dispatch",
		attribute.String("execution.id", req.ExecutionID),
		attribute.String("node.id", req.NodeID),
		attribute.Int("node.attempt", req.Attempt),
	)
	defer span.End()

	started := time.Now()
	reply, err := d.bus.RequestNode(ctx, req, timeout)
	elapsed := time.Since(started)

	if err != nil {
		breaker.RecordFailure()
		metrics.RecordDispatchLatency(nodeType, elapsed.Seconds(), false)

		if errors.Is(err, transport.ErrRequestTimeout) {
			return failedReply(req, retry.KindTimeout,
				fmt.Sprintf("no reply within %s", timeout), true)
		}
		if ctx.Err() != nil {
			return failedReply(req, retry.KindCancellation, ctx.Err().Error(), false)
		}
		return failedReply(req, retry.KindTransport, err.Error(), true)
	}

	metrics.RecordDispatchLatency(nodeType, elapsed.Seconds(), reply.Completed())
	if reply.Completed() {
		breaker.RecordSuccess()
	} else {
		breaker.RecordFailure()
	}
	return reply
}

func failedReply(req *transport.ExecuteNodeRequest, kind, msg string, retryable bool) *transport.ExecuteNodeReply {
	return &transport.ExecuteNodeReply{
		ExecutionID: req.ExecutionID,
		NodeID:      req.NodeID,
		Attempt:     req.Attempt,
		Status:      transport.ReplyFailed,
		Err: &transport.NodeError{
			Kind:      kind,
			Message:   msg,
			Retryable: retryable,
		},
	}
}
