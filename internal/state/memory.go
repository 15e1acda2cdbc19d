package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and single-process runs.
// It mirrors the SQLite store's semantics, including per-execution writer
// serialization and the transition log, but nothing survives a restart.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*Execution
	nodes      map[string]map[nodeKey]*NodeExecution
	log        map[string][]*TransitionRecord
	seq        map[string]int64
}

type nodeKey struct {
	nodeID  string
	attempt int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*Execution),
		nodes:      make(map[string]map[nodeKey]*NodeExecution),
		log:        make(map[string][]*TransitionRecord),
		seq:        make(map[string]int64),
	}
}

func (m *MemoryStore) Create(ctx context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.executions[exec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, exec.ID)
	}

	cp := *exec
	m.executions[exec.ID] = &cp
	m.nodes[exec.ID] = make(map[nodeKey]*NodeExecution)
	m.appendLog(exec.ID, "", 0, "", string(exec.Status), "created")
	return nil
}

func (m *MemoryStore) Transition(ctx context.Context, executionID string, fromSet []ExecutionStatus, to ExecutionStatus, patch *Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[executionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}

	allowed := false
	for _, from := range fromSet {
		if exec.Status == from {
			allowed = true
			break
		}
	}
	if !allowed || !validExecutionTransition(exec.Status, to) {
		return fmt.Errorf("%w: execution %s: %s -> %s", ErrInvalidTransition, executionID, exec.Status, to)
	}

	from := exec.Status
	exec.Status = to
	detail := ""
	if patch != nil {
		if patch.Error != "" {
			exec.Error = patch.Error
			detail = patch.Error
		}
		if patch.Result != nil {
			exec.Result = patch.Result
		}
		if patch.Progress != nil {
			exec.Progress = *patch.Progress
		}
		if patch.FinishedAt != nil {
			t := *patch.FinishedAt
			exec.FinishedAt = &t
		}
		if patch.Metadata != nil {
			exec.Metadata = patch.Metadata
		}
	}

	m.appendLog(executionID, "", 0, string(from), string(to), detail)
	return nil
}

func (m *MemoryStore) UpdateProgress(ctx context.Context, executionID string, progress Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[executionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}
	if exec.Status != ExecutionRunning {
		return fmt.Errorf("%w: execution %s is not running", ErrInvalidTransition, executionID)
	}
	exec.Progress = progress
	return nil
}

func (m *MemoryStore) UpsertNode(ctx context.Context, executionID string, node *NodeExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byKey, ok := m.nodes[executionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}

	key := nodeKey{nodeID: node.NodeID, attempt: node.Attempt}
	from := ""
	if existing, ok := byKey[key]; ok {
		if err := CheckNodeTransition(node.NodeID, existing.Status, node.Status); err != nil {
			return err
		}
		from = string(existing.Status)
		mergeNodeRecord(node, existing)
	}

	cp := *node
	byKey[key] = &cp
	m.appendLog(executionID, node.NodeID, node.Attempt, from, string(node.Status), node.Error)
	return nil
}

func (m *MemoryStore) GetSnapshot(ctx context.Context, executionID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exec, ok := m.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}

	execCopy := *exec
	var nodes []*NodeExecution
	for _, n := range m.nodes[executionID] {
		cp := *n
		nodes = append(nodes, &cp)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].NodeID != nodes[j].NodeID {
			return nodes[i].NodeID < nodes[j].NodeID
		}
		return nodes[i].Attempt < nodes[j].Attempt
	})

	return &Snapshot{Execution: &execCopy, Nodes: nodes}, nil
}

func (m *MemoryStore) ListRunning(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, exec := range m.executions {
		if exec.Status == ExecutionRunning {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) RequestCancel(ctx context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[executionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}
	if !exec.Status.Terminal() {
		exec.CancelRequested = true
	}
	return nil
}

func (m *MemoryStore) History(ctx context.Context, executionID string) ([]*TransitionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.log[executionID]
	out := make([]*TransitionRecord, len(records))
	for i, r := range records {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) appendLog(executionID, nodeID string, attempt int, from, to, detail string) {
	seq := m.seq[executionID]
	m.seq[executionID] = seq + 1
	m.log[executionID] = append(m.log[executionID], &TransitionRecord{
		Seq:         seq,
		ExecutionID: executionID,
		NodeID:      nodeID,
		Attempt:     attempt,
		FromStatus:  from,
		ToStatus:    to,
		Detail:      detail,
		At:          time.Now().UTC(),
	})
}
