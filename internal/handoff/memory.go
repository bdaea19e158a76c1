package handoff

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type MemoryStore struct {
	mu      sync.RWMutex
	tickets map[string]Ticket
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tickets: make(map[string]Ticket)}
}

func (s *MemoryStore) SaveTicket(_ context.Context, t Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) GetTicket(_ context.Context, id string) (Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[strings.TrimSpace(id)]
	if !ok {
		return Ticket{}, ErrNotFound
	}
	return t.Clone(), nil
}

// ListTickets returns newest first. An empty sessionID lists every ticket.
func (s *MemoryStore) ListTickets(_ context.Context, sessionID string, limit int) ([]Ticket, error) {
	s.mu.RLock()
	out := make([]Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		if sessionID != "" && t.SessionID != sessionID {
			continue
		}
		out = append(out, t.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// MemoryQueue is an in-process stand-in for the human agent queue.
type MemoryQueue struct {
	mu      sync.Mutex
	pending map[string]struct{}
	replies map[string]string
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		pending: make(map[string]struct{}),
		replies: make(map[string]string),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, t Ticket) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[t.ID] = struct{}{}
	return nil
}

func (q *MemoryQueue) Poll(_ context.Context, ticketID string) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	reply, ok := q.replies[ticketID]
	if !ok {
		return "", false, nil
	}
	delete(q.replies, ticketID)
	delete(q.pending, ticketID)
	return reply, true, nil
}

func (q *MemoryQueue) Reply(_ context.Context, ticketID, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[ticketID]; !ok {
		return ErrNotFound
	}
	q.replies[ticketID] = message
	return nil
}

func (q *MemoryQueue) Remove(_ context.Context, ticketID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, ticketID)
	delete(q.replies, ticketID)
	return nil
}
