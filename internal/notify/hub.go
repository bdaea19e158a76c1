package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/helpdesk/internal/handoff"
	"github.com/ent0n29/helpdesk/internal/observability"
	"github.com/ent0n29/helpdesk/internal/protocol"
)

const subscriberBuffer = 64

// Hub fans out server-initiated frames to every live connection of a session.
// It implements handoff.Notifier.
type Hub struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	mu          sync.Mutex
	subscribers map[string]map[int]chan any
	nextSubID   int
	closed      bool
}

func NewHub(logger *slog.Logger, metrics *observability.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:      logger.With("component", "notify"),
		metrics:     metrics,
		subscribers: make(map[string]map[int]chan any),
	}
}

// Subscribe registers a connection for sessionID. The returned func
// unsubscribes and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(sessionID string) (<-chan any, func()) {
	sessionID = strings.TrimSpace(sessionID)
	h.mu.Lock()
	if sessionID == "" || h.closed {
		h.mu.Unlock()
		ch := make(chan any)
		close(ch)
		return ch, func() {}
	}
	ch := make(chan any, subscriberBuffer)
	h.nextSubID++
	id := h.nextSubID
	if _, ok := h.subscribers[sessionID]; !ok {
		h.subscribers[sessionID] = make(map[int]chan any)
	}
	h.subscribers[sessionID][id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.subscribers[sessionID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(h.subscribers, sessionID)
		}
	}
}

// Publish delivers msg to every subscriber of sessionID without blocking and
// returns how many received it. Full subscribers miss the frame.
func (h *Hub) Publish(sessionID string, msg any) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for _, ch := range h.subscribers[sessionID] {
		select {
		case ch <- msg:
			delivered++
		default:
			h.metrics.IncWSMessage("outbound", "dropped")
		}
	}
	return delivered
}

// Notify pushes a handoff update. A customer without an open connection is
// not an error; the notice is also kept in the session history.
func (h *Hub) Notify(_ context.Context, sessionID string, n handoff.Notice) error {
	at := n.At
	if at.IsZero() {
		at = time.Now()
	}
	delivered := h.Publish(sessionID, protocol.HandoffUpdate{
		Type:      protocol.TypeHandoffUpdate,
		SessionID: sessionID,
		TicketID:  n.TicketID,
		State:     string(n.State),
		Text:      n.Message,
		TSMs:      at.UnixMilli(),
	})
	if delivered == 0 {
		h.logger.Debug("no live connection for handoff update", "session_id", sessionID, "ticket_id", n.TicketID)
	}
	return nil
}

func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[sessionID])
}

// Close ends every subscription. Later subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sessionID, subs := range h.subscribers {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(h.subscribers, sessionID)
	}
}
