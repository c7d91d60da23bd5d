package logging

import (
	"sync"
	"time"
)

// Throttle rate-limits repeated log lines by key, so a tick loop or a noisy
// capture node cannot flood the log with the same warning.
type Throttle struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewThrottle() *Throttle {
	return &Throttle{last: make(map[string]time.Time)}
}

func (t *Throttle) Allow(key string, interval time.Duration) bool {
	if interval <= 0 {
		return true
	}
	now := time.Now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	if ts, ok := t.last[key]; ok {
		if now.Sub(ts) < interval {
			return false
		}
	}
	t.last[key] = now
	return true
}
