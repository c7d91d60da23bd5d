package feed

import (
	"sync"

	"crowdsense/internal/model"
)

// History keeps the most recent broadcast payloads so a dashboard that
// connects mid-session can backfill its counter chart.
type History struct {
	mu    sync.RWMutex
	buf   []model.FeedUpdate
	limit int
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 100
	}
	return &History{limit: limit}
}

func (h *History) Add(update model.FeedUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.buf) < h.limit {
		h.buf = append(h.buf, update)
		return
	}
	copy(h.buf, h.buf[1:])
	h.buf[len(h.buf)-1] = update
}

func (h *History) List(limit int) []model.FeedUpdate {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if limit <= 0 || limit > len(h.buf) {
		limit = len(h.buf)
	}
	out := make([]model.FeedUpdate, 0, limit)
	start := len(h.buf) - limit
	for i := start; i < len(h.buf); i++ {
		out = append(out, h.buf[i])
	}
	return out
}

func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf = nil
}
