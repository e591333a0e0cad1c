package console

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	// eventBuffer is the per-connection queue depth. A client that
	// falls further behind misses events rather than stalling writers.
	eventBuffer = 16

	eventWriteTimeout = 5 * time.Second
)

// Event is pushed to every open console page.
type Event struct {
	Type string `json:"type"`

	// session events
	Authenticated bool   `json:"authenticated"`
	Redirect      string `json:"redirect,omitempty"`

	// phone_verification events
	RequestID        string `json:"request_id,omitempty"`
	Status           string `json:"status,omitempty"`
	RemainingSeconds int    `json:"remaining_seconds,omitempty"`
	Message          string `json:"message,omitempty"`
}

const (
	EventSession           = "session"
	EventPhoneVerification = "phone_verification"
)

// Hub fans events out to WebSocket subscribers.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[chan Event]struct{}
	closed  bool
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[chan Event]struct{}),
	}
}

// Publish delivers ev to every subscriber without blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("dropping event for slow client", slog.String("type", ev.Type))
		}
	}
}

func (h *Hub) subscribe() (chan Event, func()) {
	ch := make(chan Event, eventBuffer)

	h.mu.Lock()
	if h.closed {
		close(ch)
	} else {
		h.clients[ch] = struct{}{}
	}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		if _, ok := h.clients[ch]; ok {
			delete(h.clients, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
}

// Close disconnects all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true

	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients)
}

// serve upgrades the request and streams events until either side goes
// away. The first message is always the current session state, read by
// initial after the subscriber is registered so no change is lost in
// between. The default origin check applies, so only pages served by
// this console can subscribe.
func (h *Hub) serve(w http.ResponseWriter, r *http.Request, initial func() Event) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	// Inbound messages are not expected; CloseRead handles control
	// frames and cancels ctx when the peer disconnects.
	ctx := conn.CloseRead(r.Context())

	ch, unsubscribe := h.subscribe()
	defer unsubscribe()

	if err := h.write(ctx, conn, initial()); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "console shutting down")
				return
			}

			if err := h.write(ctx, conn, ev); err != nil {
				h.logger.Debug("websocket write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()

	return wsjson.Write(ctx, conn, ev)
}
