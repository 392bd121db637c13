package delivery

import (
	"sync"
	"time"
)

// Cooldown admits one event per key per interval.
type Cooldown struct {
	mu       sync.Mutex
	interval time.Duration
	clock    func() time.Time
	last     map[string]time.Time
}

func NewCooldown(interval time.Duration, clock func() time.Time) *Cooldown {
	if clock == nil {
		clock = time.Now
	}
	return &Cooldown{
		interval: interval,
		clock:    clock,
		last:     map[string]time.Time{},
	}
}

func (c *Cooldown) Allow(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	if last, ok := c.last[key]; ok && now.Sub(last) < c.interval {
		return false
	}
	c.last[key] = now
	return true
}

// Reset forgets key so the next event passes immediately.
func (c *Cooldown) Reset(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.last, key)
}
