package runner

import (
	"context"
	"fmt"
)

// Limiter bounds concurrent sandbox executions on one runner instance,
// independent of the transport's prefetch window.
type Limiter struct {
	tokens chan struct{}
}

// NewLimiter creates a limiter allowing maxConcurrent executions.
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	l := &Limiter{tokens: make(chan struct{}, maxConcurrent)}
	for i := 0; i < maxConcurrent; i++ {
		l.tokens <- struct{}{}
	}
	return l
}

// Acquire blocks until a slot is available or ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case <-l.tokens:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("limiter acquire cancelled: %w", ctx.Err())
	}
}

// Release returns a slot to the pool.
func (l *Limiter) Release() {
	select {
	case l.tokens <- struct{}{}:
	default:
	}
}
