// Package sink forwards freshly stored samples to secondary consumers: live
// websocket clients, an InfluxDB mirror and an MQTT broker.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/chadmayfield/heatlogd/internal/telemetry"
)

const (
	subscriberBuffer  = 16
	liveWriteTimeout  = 10 * time.Second
	liveMessageSample = "sample"
)

// liveMessage is the frame sent to websocket clients.
type liveMessage struct {
	Type   string           `json:"type"`
	Sample telemetry.Sample `json:"sample"`
}

// Hub broadcasts samples to websocket subscribers. A subscriber that falls
// behind loses messages rather than slowing ingestion.
type Hub struct {
	logger  *slog.Logger
	origins []string

	mu     sync.Mutex
	subs   map[chan []byte]struct{}
	closed bool
}

// NewHub creates a Hub. origins are host patterns allowed to connect from a
// browser on another origin; empty allows same-origin only.
func NewHub(logger *slog.Logger, origins ...string) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, origins: origins, subs: make(map[chan []byte]struct{})}
}

// Name implements collector.Sink.
func (h *Hub) Name() string { return "live" }

// CurrentStateOnly keeps backfilled history off the live stream.
func (h *Hub) CurrentStateOnly() {}

// Publish sends s to every subscriber without blocking.
func (h *Hub) Publish(_ context.Context, s telemetry.Sample) error {
	msg, err := json.Marshal(liveMessage{Type: liveMessageSample, Sample: s})
	if err != nil {
		return fmt.Errorf("encoding live sample: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	dropped := 0
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Debug("live subscribers lagging", "dropped", dropped)
	}
	return nil
}

// Subscribe registers a subscriber. The returned func unregisters it and
// must be called once.
func (h *Hub) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberBuffer)

	h.mu.Lock()
	if h.closed {
		close(ch)
	} else {
		h.subs[ch] = struct{}{}
	}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// ServeHTTP upgrades the request to a websocket and streams samples until
// the client leaves or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The server's write timeout would otherwise cut long-lived streams.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow() //nolint:errcheck

	ctx := conn.CloseRead(r.Context())
	ch, unsubscribe := h.Subscribe()
	defer unsubscribe()

	h.logger.Debug("live client connected", "remote", r.RemoteAddr)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, liveWriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				h.logger.Debug("live client gone", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}
