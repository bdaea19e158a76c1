package store

import (
	"context"
	"sort"
	"sync"

	"github.com/ent0n29/helpdesk/internal/session"
)

// InMemoryStore is an in-process session store for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*session.Session)}
}

func (s *InMemoryStore) Get(_ context.Context, id string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *InMemoryStore) Save(_ context.Context, rec *session.Session) error {
	if err := validate(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.ID] = rec.Clone()
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *InMemoryStore) ListActive(_ context.Context) ([]*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*session.Session, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec.Clone())
	}
	sortByLastInteraction(out)
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

func sortByLastInteraction(list []*session.Session) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].LastInteraction.After(list[j].LastInteraction)
	})
}
