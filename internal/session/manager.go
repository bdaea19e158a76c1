package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/helpdesk/internal/auth"
	"github.com/ent0n29/helpdesk/internal/observability"
	"github.com/ent0n29/helpdesk/internal/reliability"
)

type Options struct {
	// TTL is the idle window after which the session's auth is expired.
	TTL     time.Duration
	Auth    auth.Machine
	Locker  Locker
	Retry   reliability.Policy
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

// Manager owns session lifecycle: restore, create, serialized access,
// persistence with rollback, and idle expiry.
type Manager struct {
	store   Store
	locker  Locker
	machine auth.Machine
	ttl     time.Duration
	retry   reliability.Policy
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewManager(store Store, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Minute
	}
	if opts.Locker == nil {
		opts.Locker = NewKeyedLocker()
	}
	if opts.Retry.Retries <= 0 {
		opts.Retry = reliability.Policy{Retries: 2, Base: 50 * time.Millisecond, Cap: 500 * time.Millisecond}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:   store,
		locker:  opts.Locker,
		machine: opts.Auth,
		ttl:     opts.TTL,
		retry:   opts.Retry,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}

func (m *Manager) Now() time.Time { return m.now().UTC() }

func (m *Manager) Machine() auth.Machine { return m.machine }

// Acquire enters the exclusive critical section for id.
func (m *Manager) Acquire(ctx context.Context, id string) (func(), error) {
	release, err := m.locker.Acquire(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("acquire session %s: %w", id, err)
	}
	return release, nil
}

// GetOrCreate loads the session or creates a fresh anonymous one. A session
// found past its idle expiry keeps its history but has its auth expired.
// Callers must hold the session lock.
func (m *Manager) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	now := m.Now()

	s, err := m.store.Get(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		s = &Session{
			ID:              id,
			CreatedAt:       now,
			LastInteraction: now,
			Expiry:          now.Add(m.ttl),
			Auth:            auth.Context{State: auth.StateAnonymous},
			History:         []Message{},
		}
		s.saved = s.Clone()
		m.metrics.IncSessionEvent("created")
	case err != nil:
		return nil, fmt.Errorf("load session %s: %w", id, err)
	default:
		s.saved = s.Clone()
		m.metrics.IncSessionEvent("loaded")
		if s.Idle(now) {
			m.expire(s)
		}
	}

	if refreshed := m.machine.Refresh(s.Auth, now); refreshed.State != s.Auth.State {
		s.Auth = refreshed
		s.PendingQuery = ""
		m.metrics.IncAuthTransition(string(s.Auth.State))
	}
	return s, nil
}

// Get returns a copy of the stored session without side effects.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) List(ctx context.Context) ([]*Session, error) {
	return m.store.ListActive(ctx)
}

// AppendMessage appends to the history and slides the idle expiry.
func (m *Manager) AppendMessage(s *Session, role Role, content string) {
	now := m.Now()
	s.History = append(s.History, Message{Role: role, Content: content, Timestamp: now})
	s.LastInteraction = now
	s.Expiry = now.Add(m.ttl)
}

// Persist writes s with retries. On failure s is rolled back to the last
// durably saved snapshot and the error is returned.
func (m *Manager) Persist(ctx context.Context, s *Session) error {
	snapshot := s.Clone()
	err := reliability.Retry(ctx, m.retry, isRetryableStoreError, func(ctx context.Context) error {
		return m.store.Save(ctx, snapshot)
	})
	if err != nil {
		m.metrics.IncSessionEvent("persist_failed")
		m.logger.Warn("session persist failed; rolling back", "session_id", s.ID, "error", err)
		saved := s.saved
		if saved != nil {
			*s = *saved.Clone()
			s.saved = saved
		}
		return fmt.Errorf("persist session %s: %w", s.ID, err)
	}
	s.saved = snapshot
	return nil
}

// Delete removes the session. Missing sessions are not an error.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	m.metrics.IncSessionEvent("deleted")
	return nil
}

// Update applies fn to an existing session under its lock and persists the
// result. It never creates a session.
func (m *Manager) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	release, err := m.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.saved = s.Clone()
	if err := fn(s); err != nil {
		return nil, err
	}
	if err := m.Persist(ctx, s); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// ResetAuth is the explicit external reset; it clears a lockout.
func (m *Manager) ResetAuth(ctx context.Context, id string) (*Session, error) {
	release, err := m.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.saved = s.Clone()
	s.Auth = m.machine.Reset()
	s.PendingQuery = ""
	m.metrics.IncAuthTransition(string(s.Auth.State))
	if err := m.Persist(ctx, s); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// Sweep expires auth on idle sessions and returns how many were changed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	sessions, err := m.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	now := m.Now()
	swept := 0
	for _, candidate := range sessions {
		if !candidate.Idle(now) || !expirable(candidate.Auth.State) {
			continue
		}
		changed, err := m.sweepOne(ctx, candidate.ID, now)
		if err != nil {
			m.logger.Warn("session sweep failed", "session_id", candidate.ID, "error", err)
			continue
		}
		if changed {
			swept++
		}
	}
	return swept, nil
}

func (m *Manager) sweepOne(ctx context.Context, id string, now time.Time) (bool, error) {
	release, err := m.Acquire(ctx, id)
	if err != nil {
		return false, err
	}
	defer release()

	s, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !s.Idle(now) || !expirable(s.Auth.State) {
		return false, nil
	}
	s.saved = s.Clone()
	m.expire(s)
	return true, m.Persist(ctx, s)
}

// StartJanitor runs Sweep every interval until ctx is done.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := m.Sweep(ctx)
				if err != nil {
					m.logger.Warn("session janitor", "error", err)
					continue
				}
				if n > 0 {
					m.logger.Info("session janitor expired idle sessions", "count", n)
				}
			}
		}
	}()
}

func (m *Manager) expire(s *Session) {
	before := s.Auth.State
	s.Auth = m.machine.Expire(s.Auth)
	if s.Auth.State != before {
		s.PendingQuery = ""
		m.metrics.IncSessionEvent("expired")
		m.metrics.IncAuthTransition(string(s.Auth.State))
	}
}

func expirable(state auth.State) bool {
	switch state {
	case auth.StateInProgress, auth.StateIdentityProvided, auth.StateVerifying, auth.StateAuthenticated:
		return true
	default:
		return false
	}
}

// isRetryableStoreError treats everything except cancellation as transient.
func isRetryableStoreError(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
