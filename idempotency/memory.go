package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryChecker keeps marks in process memory. Expired marks are dropped
// lazily, on Check and on every Mark.
type MemoryChecker struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

var _ Checker = (*MemoryChecker)(nil)

// NewMemoryChecker creates an empty checker.
func NewMemoryChecker() *MemoryChecker {
	return &MemoryChecker{expires: make(map[string]time.Time), now: time.Now}
}

func (c *MemoryChecker) Check(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.expires[key]
	if !ok {
		return false, nil
	}
	if !c.now().Before(at) {
		delete(c.expires, key)
		return false, nil
	}
	return true, nil
}

func (c *MemoryChecker) Mark(_ context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, at := range c.expires {
		if !now.Before(at) {
			delete(c.expires, k)
		}
	}
	c.expires[key] = now.Add(ttl)
	return nil
}

// Len returns the number of live and not yet dropped marks.
func (c *MemoryChecker) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.expires)
}
