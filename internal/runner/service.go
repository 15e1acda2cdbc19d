package runner

import (
	"context"
	"log"
	"runtime/debug"
	"time"

	"flowmesh/internal/metrics"
	"flowmesh/internal/retry"
	"flowmesh/internal/transport"
)

// Service is the node-runner core: it consumes ExecuteNode requests,
// enforces the dedup contract, and runs handlers inside the sandbox.
type Service struct {
	sandbox *Sandbox
	cache   *ResultCache
	limiter *Limiter
}

// ServiceConfig sizes one runner instance.
type ServiceConfig struct {
	Sandbox       SandboxConfig
	MaxConcurrent int           // concurrent sandbox slots, default 8
	CacheTTL      time.Duration // dedup cache retention, default node TTL
}

// NewService wires a runner service over a registry. When a memory ceiling
// is configured it is installed process-wide here, once.
func NewService(registry *Registry, cfg ServiceConfig) *Service {
	if cfg.Sandbox.MemoryLimitMB > 0 {
		debug.SetMemoryLimit(int64(cfg.Sandbox.MemoryLimitMB) << 20)
	}
	sandboxCfg := cfg.Sandbox.withDefaults()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}

	return &Service{
		sandbox: NewSandbox(registry, sandboxCfg),
		cache:   NewResultCache(cfg.CacheTTL),
		limiter: NewLimiter(cfg.MaxConcurrent),
	}
}

// Handle is the transport.NodeHandler for this runner. Duplicate
// deliveries of the same (execution, node, attempt) key re-emit the prior
// reply instead of re-running the handler.
func (s *Service) Handle(ctx context.Context, req *transport.ExecuteNodeRequest) *transport.ExecuteNodeReply {
	prior, wait, claimed := s.cache.Begin(req.ExecutionID, req.NodeID, req.Attempt)
	if !claimed {
		if prior != nil {
			log.Printf("[Runner] Duplicate delivery for %s/%s attempt %d, re-emitting cached result",
				req.ExecutionID, req.NodeID, req.Attempt)
			metrics.RecordRedelivery("execute-node")
			return prior
		}

		// First delivery still running; wait for it rather than racing a
		// second handler invocation on the same key.
		select {
		case <-wait:
			if cached, ok := s.cache.Lookup(req.ExecutionID, req.NodeID, req.Attempt); ok {
				metrics.RecordRedelivery("execute-node")
				return cached
			}
		case <-ctx.Done():
		}
		return s.failedReply(req, retry.KindTimeout, "duplicate delivery abandoned while original still running", true)
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		s.cache.Abandon(req.ExecutionID, req.NodeID, req.Attempt)
		return s.failedReply(req, retry.KindTimeout, "runner at capacity: "+err.Error(), true)
	}
	defer s.limiter.Release()

	inv := &Invocation{
		ExecutionID: req.ExecutionID,
		NodeID:      req.NodeID,
		Attempt:     req.Attempt,
		NodeType:    req.Node.Type,
		Parameters:  req.Node.Parameters,
		Input:       req.Input,
		Credentials: req.Node.CredentialsRef,
		Metadata:    req.Metadata,
	}

	started := time.Now()
	reply := s.sandbox.Run(ctx, inv)
	metrics.RecordNodeExecution(req.Node.Type, reply.Status)
	if reply.Err != nil {
		metrics.RecordError("runner", reply.Err.Kind)
	}
	log.Printf("[Runner] Node %s/%s attempt %d finished %s in %s",
		req.ExecutionID, req.NodeID, req.Attempt, reply.Status, time.Since(started).Round(time.Millisecond))

	s.cache.Store(req.ExecutionID, req.NodeID, req.Attempt, reply)
	return reply
}

// ForgetExecution drops dedup state for a finished execution.
func (s *Service) ForgetExecution(executionID string) {
	s.cache.PurgeExecution(executionID)
}

func (s *Service) failedReply(req *transport.ExecuteNodeRequest, kind, msg string, retryable bool) *transport.ExecuteNodeReply {
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
