package auth

import (
	"errors"
	"sort"
	"time"
)

type State string

const (
	StateAnonymous        State = "anonymous"
	StateInProgress       State = "in_progress"
	StateIdentityProvided State = "identity_provided"
	StateVerifying        State = "verifying"
	StateAuthenticated    State = "authenticated"
	StateLockedOut        State = "locked_out"
	StateExpired          State = "expired"
)

// MaxFailedAttempts is the number of incorrect answers that locks a session out.
const MaxFailedAttempts = 3

var (
	ErrInvalidTransition = errors.New("invalid auth transition")
	ErrLockedOut         = errors.New("auth locked out")
)

// Action is a follow-up the caller must perform after a transition.
type Action string

const (
	ActionAskIdentity        Action = "ask_identity"
	ActionIssueQuestion      Action = "issue_question"
	ActionRetryQuestion      Action = "retry_question"
	ActionResumePendingQuery Action = "resume_pending_query"
	ActionNotifyLockedOut    Action = "notify_locked_out"
)

// Context is the per-session verification state. It is only changed through
// Machine transitions.
type Context struct {
	State           State      `json:"state"`
	IdentifyingInfo string     `json:"identifying_info,omitempty"`
	UserID          string     `json:"user_id,omitempty"`
	VerifiedFactors []string   `json:"verified_factors,omitempty"`
	CurrentFactor   string     `json:"current_factor,omitempty"`
	FailedAttempts  int        `json:"failed_attempts"`
	AuthenticatedAt *time.Time `json:"authenticated_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

func (c Context) Clone() Context {
	out := c
	if c.VerifiedFactors != nil {
		out.VerifiedFactors = make([]string, len(c.VerifiedFactors))
		copy(out.VerifiedFactors, c.VerifiedFactors)
	}
	if c.AuthenticatedAt != nil {
		t := *c.AuthenticatedAt
		out.AuthenticatedAt = &t
	}
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		out.ExpiresAt = &t
	}
	return out
}

func (c Context) HasFactor(factor string) bool {
	for _, f := range c.VerifiedFactors {
		if f == factor {
			return true
		}
	}
	return false
}

// Authenticated reports whether the context is authenticated and not past its expiry.
func (c Context) Authenticated(now time.Time) bool {
	if c.State != StateAuthenticated {
		return false
	}
	return c.ExpiresAt == nil || !now.After(*c.ExpiresAt)
}

// InFlow reports whether the session is in the middle of identity verification.
func (c Context) InFlow() bool {
	switch c.State {
	case StateInProgress, StateIdentityProvided, StateVerifying:
		return true
	default:
		return false
	}
}

func addFactor(factors []string, factor string) []string {
	for _, f := range factors {
		if f == factor {
			return factors
		}
	}
	out := append(append([]string(nil), factors...), factor)
	sort.Strings(out)
	return out
}
