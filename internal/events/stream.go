// Package events is the progress event stream: a best-effort pub-sub of
// per-node and per-execution state changes, keyed by execution id.
// Subscribers resync via the state store's snapshot on reconnect.
package events

import (
	"sync"
	"time"

	"flowmesh/internal/transport"
)

const (
	defaultRingSize    = 256
	defaultGraceWindow = 5 * time.Minute
)

// Stream fans progress events out to subscribers. Each execution keeps an
// in-memory ring of recent events, replayed to late subscribers and
// discarded a grace window after the execution reaches a terminal state.
type Stream struct {
	mu          sync.Mutex
	executions  map[string]*executionTopic
	ringSize    int
	graceWindow time.Duration

	retireTimer func(d time.Duration, fn func()) *time.Timer
}

type executionTopic struct {
	ring        []transport.ProgressEvent
	subscribers map[int]chan transport.ProgressEvent
	nextSubID   int
	retired     bool
}

// NewStream creates a stream with the default ring size and grace window.
func NewStream() *Stream {
	return NewStreamWithOptions(defaultRingSize, defaultGraceWindow)
}

// NewStreamWithOptions creates a stream with explicit retention knobs.
func NewStreamWithOptions(ringSize int, graceWindow time.Duration) *Stream {
	if ringSize <= 0 {
		ringSize = defaultRingSize
	}
	if graceWindow < 0 {
		graceWindow = 0
	}
	return &Stream{
		executions:  make(map[string]*executionTopic),
		ringSize:    ringSize,
		graceWindow: graceWindow,
		retireTimer: time.AfterFunc,
	}
}

// Publish delivers an event to all subscribers of its execution without
// blocking: a subscriber whose buffer is full misses the event and is
// expected to resync from the store. Terminal execution events schedule
// the topic's retirement.
func (s *Stream) Publish(ev transport.ProgressEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	topic := s.topicLocked(ev.ExecutionID)
	if topic.retired {
		s.mu.Unlock()
		return
	}

	topic.ring = append(topic.ring, ev)
	if len(topic.ring) > s.ringSize {
		topic.ring = topic.ring[len(topic.ring)-s.ringSize:]
	}

	// Fan out under the lock: sends never block (subscriber channels are
	// buffered and dropped when full) and a concurrent unsubscribe closes
	// channels under the same lock.
	for _, ch := range topic.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
	terminal := ev.Kind == transport.EventExecutionCompleted
	s.mu.Unlock()

	if terminal {
		s.scheduleRetire(ev.ExecutionID)
	}
}

// Subscribe attaches to an execution's topic, replaying the retained ring
// into the returned channel first. Cancel releases the subscription.
func (s *Stream) Subscribe(executionID string) (<-chan transport.ProgressEvent, func()) {
	ch := make(chan transport.ProgressEvent, s.ringSize)

	s.mu.Lock()
	topic := s.topicLocked(executionID)
	for _, ev := range topic.ring {
		ch <- ev
	}
	id := topic.nextSubID
	topic.nextSubID++
	topic.subscribers[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if t, ok := s.executions[executionID]; ok {
			if _, ok := t.subscribers[id]; ok {
				delete(t.subscribers, id)
				close(ch)
			}
		}
	}
	return ch, cancel
}

// Events returns a copy of the retained ring for an execution.
func (s *Stream) Events(executionID string) []transport.ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	topic, ok := s.executions[executionID]
	if !ok {
		return nil
	}
	out := make([]transport.ProgressEvent, len(topic.ring))
	copy(out, topic.ring)
	return out
}

func (s *Stream) topicLocked(executionID string) *executionTopic {
	topic, ok := s.executions[executionID]
	if !ok {
		topic = &executionTopic{subscribers: make(map[int]chan transport.ProgressEvent)}
		s.executions[executionID] = topic
	}
	return topic
}

func (s *Stream) scheduleRetire(executionID string) {
	s.retireTimer(s.graceWindow, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		topic, ok := s.executions[executionID]
		if !ok {
			return
		}
		topic.retired = true
		for id, ch := range topic.subscribers {
			delete(topic.subscribers, id)
			close(ch)
		}
		delete(s.executions, executionID)
	})
}
