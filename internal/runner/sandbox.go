package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"flowmesh/internal/retry"
	"flowmesh/internal/transport"
)

// SandboxConfig carries the resource caps applied to every invocation.
type SandboxConfig struct {
	DefaultTimeout time.Duration // per-invocation wall clock, default 30s
	MaxOutputBytes int           // serialized output cap, default 1MB
	MemoryLimitMB  int           // advisory process memory ceiling, default 128
}

func (c SandboxConfig) withDefaults() SandboxConfig {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 1 << 20
	}
	if c.MemoryLimitMB <= 0 {
		c.MemoryLimitMB = 128
	}
	return c
}

// Sandbox runs node handlers under a wall-clock deadline with panic
// capture and an output size cap. Filesystem and network access beyond a
// type's manifest grants is the handlers' contract; the process-level
// memory ceiling is installed at runner startup from MemoryLimitMB.
type Sandbox struct {
	registry *Registry
	cfg      SandboxConfig
}

// NewSandbox creates a sandbox over the given registry.
func NewSandbox(registry *Registry, cfg SandboxConfig) *Sandbox {
	return &Sandbox{registry: registry, cfg: cfg.withDefaults()}
}

// Timeout returns the effective wall-clock deadline for a node type.
func (s *Sandbox) Timeout(nodeType string) time.Duration {
	if _, m, ok := s.registry.Lookup(nodeType); ok && m.Timeout > 0 {
		return m.Timeout
	}
	return s.cfg.DefaultTimeout
}

// Run executes one invocation and always returns a reply: handler errors,
// panics and resource overruns become typed Failed replies, never Go
// errors.
func (s *Sandbox) Run(ctx context.Context, inv *Invocation) *transport.ExecuteNodeReply {
	reply := &transport.ExecuteNodeReply{
		ExecutionID: inv.ExecutionID,
		NodeID:      inv.NodeID,
		Attempt:     inv.Attempt,
	}

	handler, manifest, ok := s.registry.Lookup(inv.NodeType)
	if !ok {
		reply.Status = transport.ReplyFailed
		reply.Err = &transport.NodeError{
			Kind:      retry.KindUnknownNodeType,
			Message:   fmt.Sprintf("no handler registered for node type %q", inv.NodeType),
			Retryable: false,
		}
		return reply
	}

	timeout := s.cfg.DefaultTimeout
	if manifest.Timeout > 0 {
		timeout = manifest.Timeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := s.invoke(runCtx, handler, inv)

	if err == nil && runCtx.Err() == context.DeadlineExceeded {
		// The handler returned after ignoring the deadline; treat the slot
		// as exceeded so the result cannot mask the overrun.
		err = runCtx.Err()
	}

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			reply.Status = transport.ReplyFailed
			reply.Err = &transport.NodeError{
				Kind:      retry.KindResourceExceeded,
				Message:   fmt.Sprintf("node exceeded %s deadline", timeout),
				Retryable: false,
			}
			return reply
		}

		var nodeErr *transport.NodeError
		if ne, ok := err.(*transport.NodeError); ok {
			nodeErr = ne
		} else {
			kind, retryable := retry.Classify(err)
			nodeErr = &transport.NodeError{Kind: kind, Message: err.Error(), Retryable: retryable}
		}
		reply.Status = transport.ReplyFailed
		reply.Err = nodeErr
		return reply
	}

	if len(output) > s.cfg.MaxOutputBytes {
		reply.Status = transport.ReplyFailed
		reply.Err = &transport.NodeError{
			Kind:      retry.KindResourceExceeded,
			Message:   fmt.Sprintf("output of %d bytes exceeds %d byte cap", len(output), s.cfg.MaxOutputBytes),
			Retryable: false,
		}
		return reply
	}

	if len(output) > 0 && !json.Valid(output) {
		reply.Status = transport.ReplyFailed
		reply.Err = &transport.NodeError{
			Kind:      retry.KindRuntime,
			Message:   "handler produced non-serializable output",
			Retryable: false,
		}
		return reply
	}

	reply.Status = transport.ReplyCompleted
	reply.Output = output
	return reply
}

// invoke runs the handler with panic capture.
func (s *Sandbox) invoke(ctx context.Context, handler Handler, inv *Invocation) (output json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Runner] Handler for node %s panicked: %v", inv.NodeID, r)
			err = &transport.NodeError{
				Kind:      retry.KindRuntime,
				Message:   fmt.Sprintf("handler panicked: %v", r),
				Retryable: true,
			}
		}
	}()

	return handler.Execute(ctx, inv)
}
