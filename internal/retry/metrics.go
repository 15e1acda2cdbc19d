package retry

import (
	"fmt"
	"sync"
)

// NodeMetrics tracks retry counters for a single node.
type NodeMetrics struct {
	NodeID          string
	TotalAttempts   int
	SuccessCount    int
	FailureCount    int
	TransientErrors int
	PermanentErrors int
	BreakerRejects  int
}

// Metrics tracks retry statistics across all nodes of an execution. The
// scheduler folds a summary into the final execution record's metadata.
type Metrics struct {
	mu          sync.RWMutex
	nodeMetrics map[string]*NodeMetrics
}

// NewMetrics creates a new metrics tracker.
func NewMetrics() *Metrics {
	return &Metrics{
		nodeMetrics: make(map[string]*NodeMetrics),
	}
}

func (m *Metrics) get(nodeID string) *NodeMetrics {
	if m.nodeMetrics[nodeID] == nil {
		m.nodeMetrics[nodeID] = &NodeMetrics{NodeID: nodeID}
	}
	return m.nodeMetrics[nodeID]
}

// RecordAttempt records a dispatch attempt for a node.
func (m *Metrics) RecordAttempt(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(nodeID).TotalAttempts++
}

// RecordSuccess records a successful execution.
func (m *Metrics) RecordSuccess(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(nodeID).SuccessCount++
}

// RecordFailure records a failed execution with its retryability.
func (m *Metrics) RecordFailure(nodeID string, retryable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nm := m.get(nodeID)
	nm.FailureCount++
	if retryable {
		nm.TransientErrors++
	} else {
		nm.PermanentErrors++
	}
}

// RecordBreakerReject records a dispatch short-circuited by an open breaker.
func (m *Metrics) RecordBreakerReject(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(nodeID).BreakerRejects++
}

// Node returns a copy of the counters for one node.
func (m *Metrics) Node(nodeID string) NodeMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if nm, ok := m.nodeMetrics[nodeID]; ok {
		return *nm
	}
	return NodeMetrics{NodeID: nodeID}
}

// Summary returns aggregate counters formatted for execution metadata.
func (m *Metrics) Summary() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalAttempts, retried := 0, 0
	for _, nm := range m.nodeMetrics {
		totalAttempts += nm.TotalAttempts
		if nm.TotalAttempts > 1 {
			retried++
		}
	}

	return map[string]string{
		"retry.totalAttempts": fmt.Sprintf("%d", totalAttempts),
		"retry.retriedNodes":  fmt.Sprintf("%d", retried),
	}
}
