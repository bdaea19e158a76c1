package handoff

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/helpdesk/internal/auth"
)

var (
	ErrNotFound            = errors.New("ticket not found")
	ErrTicketAlreadyClosed = errors.New("ticket already closed")
)

type State string

const (
	StateCreated    State = "created"
	StateDispatched State = "dispatched"
	StateResolved   State = "resolved"
	StateTimedOut   State = "timed_out"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	switch s {
	case StateResolved, StateTimedOut, StateCancelled:
		return true
	default:
		return false
	}
}

type Ticket struct {
	ID                  string       `json:"ticket_id"`
	SessionID           string       `json:"session_id"`
	Summary             string       `json:"summary"`
	OriginalQuestion    string       `json:"original_question"`
	EscalationReason    string       `json:"escalation_reason"`
	SuggestedDepartment string       `json:"suggested_department,omitempty"`
	State               State        `json:"state"`
	AuthSnapshot        auth.Context `json:"auth_snapshot"`
	Resolution          string       `json:"resolution,omitempty"`
	LateReply           string       `json:"late_reply,omitempty"`
	CloseReason         string       `json:"close_reason,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
	ClosedAt            *time.Time   `json:"closed_at,omitempty"`
}

func (t Ticket) Clone() Ticket {
	out := t
	out.AuthSnapshot = t.AuthSnapshot.Clone()
	if t.ClosedAt != nil {
		closed := *t.ClosedAt
		out.ClosedAt = &closed
	}
	return out
}

type OutcomeKind string

const (
	OutcomeResolved  OutcomeKind = "resolved"
	OutcomeTimedOut  OutcomeKind = "timed_out"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is the result of waiting on a dispatched ticket.
type Outcome struct {
	Kind    OutcomeKind
	Message string
	Ticket  Ticket
}

// Notice is pushed to the customer's transport when a ticket changes.
type Notice struct {
	TicketID string    `json:"ticket_id,omitempty"`
	State    State     `json:"state,omitempty"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Store persists tickets.
type Store interface {
	SaveTicket(ctx context.Context, t Ticket) error
	GetTicket(ctx context.Context, id string) (Ticket, error)
	ListTickets(ctx context.Context, sessionID string, limit int) ([]Ticket, error)
	Close() error
}

// Queue is the hand-off channel to human agents. Poll reports a reply
// written by the human side, if any.
type Queue interface {
	Enqueue(ctx context.Context, t Ticket) error
	Poll(ctx context.Context, ticketID string) (reply string, found bool, err error)
	Reply(ctx context.Context, ticketID, message string) error
	// Remove drops a closed ticket so further Reply calls fail with ErrNotFound.
	Remove(ctx context.Context, ticketID string) error
}

// Notifier delivers a notice to whatever transport the session is using.
type Notifier interface {
	Notify(ctx context.Context, sessionID string, n Notice) error
}
