package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/helpdesk/internal/auth"
	"github.com/ent0n29/helpdesk/internal/routing"
	"github.com/ent0n29/helpdesk/internal/session"
)

var (
	// ErrUnavailable marks a transient provider failure worth one retry.
	ErrUnavailable = errors.New("capability provider unavailable")
	// ErrUnauthorized is returned by data capabilities for unauthenticated callers.
	ErrUnauthorized = errors.New("capability requires authentication")
	// ErrUnknownIdentity means identifying info matched no customer.
	ErrUnknownIdentity = errors.New("identity not found")
)

type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// Question is a verification challenge for one factor.
type Question struct {
	Factor string `json:"factor"`
	Prompt string `json:"prompt"`
}

type Classifier interface {
	Classify(ctx context.Context, message string, history []session.Message) (routing.Classification, error)
}

type FAQAnswerer interface {
	AnswerFAQ(ctx context.Context, message string, history []session.Message) (string, error)
}

type Verifier interface {
	LookupIdentity(ctx context.Context, info string) (Identity, error)
	IssueVerificationQuestion(ctx context.Context, ac auth.Context) (Question, error)
	CheckAnswer(ctx context.Context, ac auth.Context, answer string) (bool, error)
}

type DataAgent interface {
	AnswerAccountQuery(ctx context.Context, message string, ac auth.Context) (string, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, history []session.Message) (string, error)
}

// Set bundles one implementation per capability.
type Set struct {
	Classifier Classifier
	FAQ        FAQAnswerer
	Verifier   Verifier
	Data       DataAgent
	Summarizer Summarizer
	// Mode names the backend that was selected, for logs and /readyz.
	Mode string
}

func (s Set) Validate() error {
	var missing []string
	if s.Classifier == nil {
		missing = append(missing, "classifier")
	}
	if s.FAQ == nil {
		missing = append(missing, "faq")
	}
	if s.Verifier == nil {
		missing = append(missing, "verifier")
	}
	if s.Data == nil {
		missing = append(missing, "data")
	}
	if s.Summarizer == nil {
		missing = append(missing, "summarizer")
	}
	if len(missing) > 0 {
		return fmt.Errorf("provider set missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// IsRetryable reports whether err is worth a single retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Digest is the local transcript summary used when no summarizer is reachable.
func Digest(history []session.Message) string {
	if len(history) == 0 {
		return "No conversation history."
	}
	var firstUser, lastUser string
	users := 0
	for _, m := range history {
		if m.Role != session.RoleUser {
			continue
		}
		users++
		if firstUser == "" {
			firstUser = m.Content
		}
		lastUser = m.Content
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Transcript digest: %d messages (%d from customer).", len(history), users)
	if firstUser != "" {
		fmt.Fprintf(&b, " Opened with: %q.", clip(firstUser, 200))
	}
	if lastUser != "" && lastUser != firstUser {
		fmt.Fprintf(&b, " Latest: %q.", clip(lastUser, 200))
	}
	return b.String()
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
