package retry

import (
	"sync"
	"time"
)

// BreakerState represents the state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed means requests are allowed through normally.
	BreakerClosed BreakerState = iota
	// BreakerOpen means requests are blocked due to high failure rate.
	BreakerOpen
	// BreakerHalfOpen means limited requests are allowed to test recovery.
	BreakerHalfOpen
)

// String returns the string representation of BreakerState.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "Closed"
	case BreakerOpen:
		return "Open"
	case BreakerHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// Breaker implements the circuit breaker pattern so a node type whose
// runners keep failing stops being dispatched for a cooldown window.
type Breaker struct {
	mu sync.Mutex

	failureThreshold float64       // Failure rate (0.0-1.0) to open circuit
	minRequests      int           // Minimum requests before evaluating threshold
	openTimeout      time.Duration // Time to wait before transitioning to half-open
	halfOpenMaxTests int           // Max requests allowed in half-open state

	state                BreakerState
	failures             int
	successes            int
	halfOpenTests        int
	consecutiveSuccesses int
	openedAt             time.Time

	now func() time.Time
}

// NewBreaker creates a circuit breaker with default settings: opens at a
// 50% failure rate over at least 10 requests, cools down for 30s, and
// closes again after 3 consecutive half-open successes.
func NewBreaker() *Breaker {
	return &Breaker{
		failureThreshold: 0.5,
		minRequests:      10,
		openTimeout:      30 * time.Second,
		halfOpenMaxTests: 3,
		state:            BreakerClosed,
		now:              time.Now,
	}
}

// Allow reports whether a request may proceed, advancing Open -> HalfOpen
// when the cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.openTimeout {
			b.state = BreakerHalfOpen
			b.halfOpenTests = 0
			b.consecutiveSuccesses = 0
			b.halfOpenTests++
			return true
		}
		return false
	case BreakerHalfOpen:
		if b.halfOpenTests < b.halfOpenMaxTests {
			b.halfOpenTests++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess notes a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes++
	switch b.state {
	case BreakerHalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.halfOpenMaxTests {
			b.reset(BreakerClosed)
		}
	}
}

// RecordFailure notes a failed request, opening the circuit when the
// failure rate crosses the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case BreakerHalfOpen:
		b.reset(BreakerOpen)
		b.openedAt = b.now()
	case BreakerClosed:
		total := b.failures + b.successes
		if total >= b.minRequests && float64(b.failures)/float64(total) >= b.failureThreshold {
			b.reset(BreakerOpen)
			b.openedAt = b.now()
		}
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) reset(to BreakerState) {
	b.state = to
	b.failures = 0
	b.successes = 0
	b.halfOpenTests = 0
	b.consecutiveSuccesses = 0
}

// TypeBreakers holds one breaker per node type.
type TypeBreakers struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewTypeBreakers creates an empty per-node-type breaker set.
func NewTypeBreakers() *TypeBreakers {
	return &TypeBreakers{breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for a node type, creating it on first use.
func (tb *TypeBreakers) Get(nodeType string) *Breaker {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	b, ok := tb.breakers[nodeType]
	if !ok {
		b = NewBreaker()
		tb.breakers[nodeType] = b
	}
	return b
}
