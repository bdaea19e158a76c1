package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/helpdesk/internal/auth"
	"github.com/ent0n29/helpdesk/internal/observability"
	"github.com/ent0n29/helpdesk/internal/provider"
	"github.com/ent0n29/helpdesk/internal/routing"
)

// requireAuth parks query as the pending query and starts verification.
func (o *Orchestrator) requireAuth(t *turn, query string) (string, error) {
	s := t.s
	m := o.sessions.Machine()
	if s.Auth.State == auth.StateAuthenticated {
		s.Auth = m.Expire(s.Auth)
	}
	next, _, err := m.Begin(s.Auth, o.sessions.Now())
	switch {
	case errors.Is(err, auth.ErrLockedOut):
		s.PendingQuery = ""
		return replyLockedOut, nil
	case err != nil:
		return o.restartAuth(t, err), nil
	}
	s.Auth = next
	s.PendingQuery = query
	return replyAskIdentity, nil
}

// inFlow handles a message sent mid-verification. It is still classified: a
// request for a human escalates and leaves the auth context untouched, and
// anything else feeds the verification step.
func (o *Orchestrator) inFlow(ctx context.Context, t *turn, text string) (string, error) {
	var c routing.Classification
	err := o.call(ctx, observability.StageClassify, func(ctx context.Context) error {
		var err error
		c, err = o.providers.Classifier.Classify(ctx, text, o.history(t.s))
		return err
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		o.logger.Warn("classify during verification failed, continuing verification", "session_id", t.s.ID, "error", err)
		return o.authStep(ctx, t, text)
	}

	if decision := routing.Route(c, t.s.Auth, o.sessions.Now()); decision == routing.EscalateHumanRequested {
		t.resp.Decision = decision
		o.metrics.IncDecision(string(decision))
		o.stages.RecordEvent(observability.EventAuthInterrupted)
		return o.escalate(ctx, t, text, string(decision), departmentFor(c.Category))
	}
	return o.authStep(ctx, t, text)
}

// authStep advances an in-flight verification with the customer's message.
func (o *Orchestrator) authStep(ctx context.Context, t *turn, text string) (string, error) {
	switch t.s.Auth.State {
	case auth.StateInProgress:
		return o.identify(ctx, t, text)
	case auth.StateIdentityProvided:
		return o.askQuestion(ctx, t, "")
	case auth.StateVerifying:
		return o.checkAnswer(ctx, t, text)
	default:
		return o.restartAuth(t, fmt.Errorf("%w: auth step from %s", auth.ErrInvalidTransition, t.s.Auth.State)), nil
	}
}

func (o *Orchestrator) identify(ctx context.Context, t *turn, text string) (string, error) {
	var id provider.Identity
	err := o.call(ctx, observability.StageAuth, func(ctx context.Context) error {
		var err error
		id, err = o.providers.Verifier.LookupIdentity(ctx, text)
		return err
	})
	if errors.Is(err, provider.ErrUnknownIdentity) {
		return replyUnknownIdentity, nil
	}
	if err != nil {
		return o.authProviderFailure(ctx, t, "lookup_identity", err)
	}

	next, _, err := o.sessions.Machine().ProvideIdentity(t.s.Auth, text, id.UserID)
	if err != nil {
		return o.restartAuth(t, err), nil
	}
	t.s.Auth = next

	greeting := "Thanks."
	if id.DisplayName != "" {
		greeting = fmt.Sprintf("Thanks, %s.", id.DisplayName)
	}
	return o.askQuestion(ctx, t, greeting)
}

func (o *Orchestrator) askQuestion(ctx context.Context, t *turn, prefix string) (string, error) {
	var q provider.Question
	err := o.call(ctx, observability.StageAuth, func(ctx context.Context) error {
		var err error
		q, err = o.providers.Verifier.IssueVerificationQuestion(ctx, t.s.Auth)
		return err
	})
	if err != nil {
		return o.authProviderFailure(ctx, t, "issue_question", err)
	}

	next, _, err := o.sessions.Machine().IssueQuestion(t.s.Auth, q.Factor)
	if err != nil {
		return o.restartAuth(t, err), nil
	}
	t.s.Auth = next
	return joinReply(prefix, q.Prompt), nil
}

func (o *Orchestrator) checkAnswer(ctx context.Context, t *turn, answer string) (string, error) {
	var correct bool
	err := o.call(ctx, observability.StageAuth, func(ctx context.Context) error {
		var err error
		correct, err = o.providers.Verifier.CheckAnswer(ctx, t.s.Auth, answer)
		return err
	})
	if err != nil {
		return o.authProviderFailure(ctx, t, "check_answer", err)
	}

	next, actions, err := o.sessions.Machine().Answer(t.s.Auth, correct, o.sessions.Now())
	if err != nil {
		return o.restartAuth(t, err), nil
	}
	t.s.Auth = next

	for _, a := range actions {
		switch a {
		case auth.ActionIssueQuestion:
			return o.askQuestion(ctx, t, replyFactorAccepted)
		case auth.ActionRetryQuestion:
			return o.askQuestion(ctx, t, wrongAnswerPrefix(auth.MaxFailedAttempts-t.s.Auth.FailedAttempts))
		case auth.ActionNotifyLockedOut:
			o.logger.Warn("identity verification locked out", "session_id", t.s.ID, "user_id", t.s.Auth.UserID)
			o.metrics.IncSessionEvent("locked_out")
			o.stages.RecordEvent(observability.EventLockedOut)
			t.s.PendingQuery = ""
			return replyLockedOut, nil
		case auth.ActionResumePendingQuery:
			return o.resume(ctx, t)
		}
	}
	return replyVerified, nil
}

// resume re-routes the query that triggered verification, in the same
// critical section that completed it.
func (o *Orchestrator) resume(ctx context.Context, t *turn) (string, error) {
	pending := t.s.PendingQuery
	t.s.PendingQuery = ""
	if pending == "" {
		return replyVerified, nil
	}
	t.resp.Resumed = true
	o.stages.RecordEvent(observability.EventResumed)
	answer, err := o.route(ctx, t, pending)
	if err != nil {
		return "", err
	}
	return joinReply(replyVerifiedResuming, answer), nil
}

// authProviderFailure handles a verifier outage mid-flow. Verification only
// happens for account questions, so the pending query is escalated.
func (o *Orchestrator) authProviderFailure(ctx context.Context, t *turn, capability string, err error) (string, error) {
	question := t.s.PendingQuery
	if question == "" && len(t.s.History) > 0 {
		question = t.s.History[len(t.s.History)-1].Content
	}
	return o.providerFailure(ctx, t, question, routing.CategoryAccountData, capability, err)
}

// restartAuth recovers from an invalid transition by resetting to Anonymous.
func (o *Orchestrator) restartAuth(t *turn, err error) string {
	o.logger.Error("invalid auth transition, resetting", "session_id", t.s.ID, "state", t.s.Auth.State, "error", err)
	o.metrics.IncSessionEvent("auth_reset")
	o.stages.RecordEvent(observability.EventAuthRestarted)
	t.s.Auth = o.sessions.Machine().Reset()
	t.s.PendingQuery = ""
	return replyAuthRestart
}
