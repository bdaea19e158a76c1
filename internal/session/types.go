package session

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/helpdesk/internal/auth"
)

var ErrNotFound = errors.New("session not found")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the durable state of one support conversation.
type Session struct {
	ID              string       `json:"session_id"`
	CreatedAt       time.Time    `json:"created_at"`
	LastInteraction time.Time    `json:"last_interaction"`
	Expiry          time.Time    `json:"expiry"`
	Auth            auth.Context `json:"auth"`
	PendingQuery    string       `json:"pending_query,omitempty"`
	History         []Message    `json:"history"`
	ActiveTicketID  string       `json:"active_ticket_id,omitempty"`

	// saved is the last durably persisted snapshot, used for rollback.
	saved *Session
}

// Clone returns a deep copy without the persisted snapshot.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.saved = nil
	c.Auth = s.Auth.Clone()
	if s.History != nil {
		c.History = make([]Message, len(s.History))
		copy(c.History, s.History)
	}
	return &c
}

// Recent returns up to n of the latest messages in arrival order.
func (s *Session) Recent(n int) []Message {
	if n <= 0 || n >= len(s.History) {
		out := make([]Message, len(s.History))
		copy(out, s.History)
		return out
	}
	out := make([]Message, n)
	copy(out, s.History[len(s.History)-n:])
	return out
}

// Idle reports whether the session has passed its idle expiry.
func (s *Session) Idle(now time.Time) bool {
	return !s.Expiry.IsZero() && now.After(s.Expiry)
}

// Store persists session records. Implementations must be safe for
// concurrent use and treat Save and Delete as idempotent.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	ListActive(ctx context.Context) ([]*Session, error)
	Close() error
}

// Locker serializes work on a single session.
type Locker interface {
	Acquire(ctx context.Context, id string) (release func(), err error)
}
