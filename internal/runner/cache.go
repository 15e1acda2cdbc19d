package runner

import (
	"fmt"
	"sync"
	"time"

	"flowmesh/internal/transport"
)

// ResultCache remembers replies by dedup key (execution-id, node-id,
// attempt) so a duplicate delivery re-emits the prior result instead of
// re-running the handler. Entries are scoped per execution and expire
// after a TTL so a crashed engine's keys do not pin memory forever.
type ResultCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	reply    *transport.ExecuteNodeReply
	inFlight chan struct{} // closed when the first delivery finishes
	storedAt time.Time
}

// NewResultCache creates a cache whose entries expire after ttl.
func NewResultCache(ttl time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &ResultCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Begin claims the dedup key for this delivery. When the key is fresh it
// returns claimed=true and the caller must call Store (or Abandon) once
// done. When the key is known it returns the prior reply, blocking briefly
// if the first delivery is still running.
func (c *ResultCache) Begin(executionID, nodeID string, attempt int) (prior *transport.ExecuteNodeReply, wait <-chan struct{}, claimed bool) {
	key := cacheKey(executionID, nodeID, attempt)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictExpiredLocked()

	if e, ok := c.entries[key]; ok {
		return e.reply, e.inFlight, false
	}

	c.entries[key] = &cacheEntry{
		inFlight: make(chan struct{}),
		storedAt: c.now(),
	}
	return nil, nil, true
}

// Store records the reply for a claimed key and releases duplicate waiters.
func (c *ResultCache) Store(executionID, nodeID string, attempt int, reply *transport.ExecuteNodeReply) {
	key := cacheKey(executionID, nodeID, attempt)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry{inFlight: make(chan struct{})}
		c.entries[key] = e
	}
	e.reply = reply
	e.storedAt = c.now()
	select {
	case <-e.inFlight:
	default:
		close(e.inFlight)
	}
}

// Lookup returns the stored reply for a key, if any.
func (c *ResultCache) Lookup(executionID, nodeID string, attempt int) (*transport.ExecuteNodeReply, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[cacheKey(executionID, nodeID, attempt)]
	if !ok || e.reply == nil {
		return nil, false
	}
	return e.reply, true
}

// Abandon drops a claimed key so a later delivery can run the handler.
func (c *ResultCache) Abandon(executionID, nodeID string, attempt int) {
	key := cacheKey(executionID, nodeID, attempt)

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && e.reply == nil {
		close(e.inFlight)
		delete(c.entries, key)
	}
}

// PurgeExecution drops all keys of one execution. It is reached through
// Service.ForgetExecution; the service does not call it on its own, so
// entries otherwise leave only by TTL eviction.
func (c *ResultCache) PurgeExecution(executionID string) {
	prefix := executionID + "/"

	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(c.entries, key)
		}
	}
}

func (c *ResultCache) evictExpiredLocked() {
	cutoff := c.now().Add(-c.ttl)
	for key, e := range c.entries {
		if e.reply != nil && e.storedAt.Before(cutoff) {
			delete(c.entries, key)
		}
	}
}

func cacheKey(executionID, nodeID string, attempt int) string {
	return fmt.Sprintf("%s/%s/%d", executionID, nodeID, attempt)
}
