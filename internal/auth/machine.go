package auth

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	// RequiredFactors is the number of distinct verified factors needed to authenticate.
	RequiredFactors int
	// TTL bounds how long an authentication stays valid.
	TTL time.Duration
}

// Machine holds the transition rules. Every transition is a pure function of
// the input Context and returns the next Context plus follow-up actions.
type Machine struct {
	requiredFactors int
	ttl             time.Duration
}

func NewMachine(cfg Config) Machine {
	if cfg.RequiredFactors <= 0 {
		cfg.RequiredFactors = 2
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	return Machine{
		requiredFactors: cfg.RequiredFactors,
		ttl:             cfg.TTL,
	}
}

func (m Machine) RequiredFactors() int { return m.requiredFactors }

func (m Machine) TTL() time.Duration { return m.ttl }

// Begin starts an identification attempt from Anonymous or Expired.
func (m Machine) Begin(c Context, now time.Time) (Context, []Action, error) {
	c = m.Refresh(c, now)
	switch c.State {
	case StateAnonymous, StateExpired, "":
		return Context{State: StateInProgress}, []Action{ActionAskIdentity}, nil
	case StateLockedOut:
		return c, nil, ErrLockedOut
	default:
		return c, nil, invalid("begin", c.State)
	}
}

// ProvideIdentity records identifying info that resolved to a candidate account.
func (m Machine) ProvideIdentity(c Context, info, userID string) (Context, []Action, error) {
	if c.State == StateLockedOut {
		return c, nil, ErrLockedOut
	}
	if c.State != StateInProgress {
		return c, nil, invalid("provide_identity", c.State)
	}
	info = strings.TrimSpace(info)
	userID = strings.TrimSpace(userID)
	if info == "" || userID == "" {
		return c, nil, fmt.Errorf("%w: identity requires info and a resolved user", ErrInvalidTransition)
	}
	return Context{
		State:           StateIdentityProvided,
		IdentifyingInfo: info,
		UserID:          userID,
	}, []Action{ActionIssueQuestion}, nil
}

// IssueQuestion marks a verification question for factor as outstanding.
func (m Machine) IssueQuestion(c Context, factor string) (Context, []Action, error) {
	if c.State == StateLockedOut {
		return c, nil, ErrLockedOut
	}
	if c.State != StateIdentityProvided && c.State != StateVerifying {
		return c, nil, invalid("issue_question", c.State)
	}
	factor = strings.TrimSpace(factor)
	if factor == "" {
		return c, nil, fmt.Errorf("%w: question requires a factor", ErrInvalidTransition)
	}
	next := c.Clone()
	next.State = StateVerifying
	next.CurrentFactor = factor
	return next, nil, nil
}

// Answer applies the verdict for the outstanding question.
func (m Machine) Answer(c Context, correct bool, now time.Time) (Context, []Action, error) {
	if c.State == StateLockedOut {
		return c, nil, ErrLockedOut
	}
	if c.State != StateVerifying || c.CurrentFactor == "" {
		return c, nil, invalid("answer", c.State)
	}

	next := c.Clone()
	if !correct {
		next.FailedAttempts++
		if next.FailedAttempts >= MaxFailedAttempts {
			next.FailedAttempts = MaxFailedAttempts
			next.State = StateLockedOut
			next.CurrentFactor = ""
			return next, []Action{ActionNotifyLockedOut}, nil
		}
		return next, []Action{ActionRetryQuestion}, nil
	}

	next.VerifiedFactors = addFactor(next.VerifiedFactors, next.CurrentFactor)
	next.CurrentFactor = ""
	if len(next.VerifiedFactors) < m.requiredFactors {
		return next, []Action{ActionIssueQuestion}, nil
	}

	at := now.UTC()
	exp := at.Add(m.ttl)
	next.State = StateAuthenticated
	next.AuthenticatedAt = &at
	next.ExpiresAt = &exp
	return next, []Action{ActionResumePendingQuery}, nil
}

// Expire moves any live verification or authentication to Expired.
// Anonymous, Expired and LockedOut are left untouched.
func (m Machine) Expire(c Context) Context {
	switch c.State {
	case StateInProgress, StateIdentityProvided, StateVerifying, StateAuthenticated:
		return Context{State: StateExpired}
	default:
		return c
	}
}

// Refresh expires an authentication whose TTL has elapsed.
func (m Machine) Refresh(c Context, now time.Time) Context {
	if c.State == StateAuthenticated && c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return m.Expire(c)
	}
	return c
}

// Reset is the explicit external reset; it is the only way out of LockedOut.
func (m Machine) Reset() Context {
	return Context{State: StateAnonymous}
}

func invalid(event string, from State) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, from)
}
