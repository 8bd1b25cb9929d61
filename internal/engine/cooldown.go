package engine

import (
	"sync"
	"time"
)

// Cooldown suppresses repeated events per key.
type Cooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: make(map[string]time.Time)}
}

// AllowAt reports whether an event for key at now may fire and records it if
// so. A now earlier than the last recorded event (a device clock reset)
// reopens the gate.
func (c *Cooldown) AllowAt(key string, now time.Time, cooldown time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok && cooldown > 0 {
		if !now.Before(ts) && now.Sub(ts) < cooldown {
			return false
		}
	}
	c.last[key] = now
	return true
}
