package feed

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"crowdsense/internal/model"
)

// Hub is the connection registry for the live counter feed. Connects,
// disconnects, and broadcasts run concurrently, so every mutation of the
// set happens under the lock; a broken or slow client is closed and removed
// without touching the others.
type Hub struct {
	mu           sync.Mutex
	conns        map[*Conn]struct{}
	logger       *slog.Logger
	writeTimeout time.Duration
}

type Conn struct {
	ws *websocket.Conn
	// wmu serializes writes; gorilla allows one concurrent writer.
	wmu sync.Mutex
}

func NewHub(logger *slog.Logger, writeTimeout time.Duration) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Hub{
		conns:        make(map[*Conn]struct{}),
		logger:       logger,
		writeTimeout: writeTimeout,
	}
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Serve registers the connection and blocks reading it until the client
// goes away. Clients send nothing the feed cares about; the read loop
// exists to notice disconnects and answer transport pings.
func (h *Hub) Serve(ws *websocket.Conn) {
	c := &Conn{ws: ws}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	total := len(h.conns)
	h.mu.Unlock()
	if h.logger != nil {
		h.logger.Info("feed client connected", "total_clients", total)
	}
	defer h.remove(c, nil)
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast sends the update to every open connection in parallel and
// waits for all sends to finish. A failed send closes only that
// connection.
func (h *Hub) Broadcast(update model.FeedUpdate) {
	h.mu.Lock()
	targets := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range targets {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			c.wmu.Lock()
			defer c.wmu.Unlock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.ws.WriteJSON(update); err != nil {
				h.remove(c, err)
			}
		}(c)
	}
	wg.Wait()
}

// CloseAll drops every connection; used when the tick loop dies on an
// unrecoverable store error.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	targets := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.conns = make(map[*Conn]struct{})
	h.mu.Unlock()
	for _, c := range targets {
		_ = c.ws.Close()
	}
}

func (h *Hub) remove(c *Conn, cause error) {
	h.mu.Lock()
	_, present := h.conns[c]
	delete(h.conns, c)
	total := len(h.conns)
	h.mu.Unlock()
	if !present {
		return
	}
	_ = c.ws.Close()
	if h.logger != nil {
		if cause != nil {
			h.logger.Warn("feed client dropped", "total_clients", total, "err", cause)
		} else {
			h.logger.Info("feed client disconnected", "total_clients", total)
		}
	}
}
