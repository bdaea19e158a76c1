package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ent0n29/helpdesk/internal/auth"
	"github.com/ent0n29/helpdesk/internal/handoff"
	"github.com/ent0n29/helpdesk/internal/observability"
	"github.com/ent0n29/helpdesk/internal/policy"
	"github.com/ent0n29/helpdesk/internal/provider"
	"github.com/ent0n29/helpdesk/internal/reliability"
	"github.com/ent0n29/helpdesk/internal/routing"
	"github.com/ent0n29/helpdesk/internal/session"
)

var tracer = otel.Tracer("helpdesk.orchestrator")

var ErrEmptyMessage = errors.New("message is empty")

type Config struct {
	// HistoryWindow is how many prior messages are sent with classification and FAQ calls.
	HistoryWindow  int
	HandoffTimeout time.Duration
	ProviderRetry  reliability.Policy
	Logger         *slog.Logger
	Metrics        *observability.Metrics
	Stages         *observability.StageWindow
}

// Response is the outbound result of one customer message.
type Response struct {
	SessionID string           `json:"session_id"`
	Reply     string           `json:"reply"`
	Decision  routing.Decision `json:"decision,omitempty"`
	AuthState auth.State       `json:"auth_state"`
	TicketID  string           `json:"ticket_id,omitempty"`
	Resumed   bool             `json:"resumed,omitempty"`
}

type Orchestrator struct {
	sessions  *session.Manager
	providers provider.Set
	handoff   *handoff.Coordinator
	cfg       Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	stages    *observability.StageWindow

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	waiters map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func New(sessions *session.Manager, providers provider.Set, coordinator *handoff.Coordinator, cfg Config) (*Orchestrator, error) {
	if sessions == nil || coordinator == nil {
		return nil, errors.New("orchestrator requires a session manager and a handoff coordinator")
	}
	if err := providers.Validate(); err != nil {
		return nil, err
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 10
	}
	if cfg.HandoffTimeout <= 0 {
		cfg.HandoffTimeout = coordinator.Timeout()
	}
	if cfg.ProviderRetry.Base <= 0 {
		cfg.ProviderRetry = reliability.Policy{Retries: 1, Base: 250 * time.Millisecond, Cap: 2 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		sessions:   sessions,
		providers:  providers,
		handoff:    coordinator,
		cfg:        cfg,
		logger:     logger.With("component", "orchestrator"),
		metrics:    cfg.Metrics,
		stages:     cfg.Stages,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		waiters:    make(map[string]context.CancelFunc),
	}, nil
}

// turn carries the mutable state of one HandleMessage call.
type turn struct {
	s    *session.Session
	resp Response
	// ticketID is set when this turn dispatched a ticket; its waiter starts
	// only after the session is persisted.
	ticketID string
}

// HandleMessage processes one customer message inside the session's
// critical section and persists the result before returning.
func (o *Orchestrator) HandleMessage(ctx context.Context, sessionID, text string) (Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Response{}, ErrEmptyMessage
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	start := time.Now()
	ctx, span := tracer.Start(ctx, "orchestrator.handle_message")
	span.SetAttributes(attribute.String("session.id", sessionID))

	resp, err := o.handle(ctx, sessionID, text)
	if err == nil {
		span.SetAttributes(
			attribute.String("routing.decision", string(resp.Decision)),
			attribute.String("auth.state", string(resp.AuthState)),
		)
	}
	observability.EndSpan(span, err)

	elapsed := time.Since(start)
	o.metrics.ObserveTurnLatency(elapsed)
	o.stages.Observe(observability.StageTurnTotal, elapsed)
	return resp, err
}

func (o *Orchestrator) handle(ctx context.Context, sessionID, text string) (Response, error) {
	release, err := o.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return Response{}, err
	}
	defer release()

	loadStart := time.Now()
	s, err := o.sessions.GetOrCreate(ctx, sessionID)
	o.stages.Observe(observability.StageLoad, time.Since(loadStart))
	if err != nil {
		return Response{}, err
	}
	authBefore := s.Auth.State

	if o.logger.Enabled(ctx, slog.LevelDebug) {
		redacted, _ := policy.RedactPII(text)
		o.logger.Debug("inbound message", "session_id", s.ID, "text", redacted)
	}
	o.sessions.AppendMessage(s, session.RoleUser, text)

	t := &turn{s: s}
	var reply string
	switch {
	case s.ActiveTicketID != "" && o.ticketPending(ctx, s):
		o.stages.RecordEvent(observability.EventEscalationQueued)
		reply = fmt.Sprintf(replyEscalationPending, s.ActiveTicketID)
	case s.Auth.InFlow():
		reply, err = o.inFlow(ctx, t, text)
	default:
		reply, err = o.route(ctx, t, text)
	}
	if err != nil {
		o.abandonTicket(t, "turn aborted")
		return Response{}, err
	}
	o.sessions.AppendMessage(s, session.RoleAssistant, reply)

	persistStart := time.Now()
	err = o.sessions.Persist(ctx, s)
	o.stages.Observe(observability.StagePersist, time.Since(persistStart))
	if err != nil {
		o.abandonTicket(t, "session persist failed")
		return Response{}, err
	}
	if t.ticketID != "" {
		o.startWaiter(s.ID, t.ticketID)
	}
	if s.Auth.State != authBefore {
		o.metrics.IncAuthTransition(string(s.Auth.State))
	}

	t.resp.SessionID = s.ID
	t.resp.Reply = reply
	t.resp.AuthState = s.Auth.State
	t.resp.TicketID = s.ActiveTicketID
	o.logger.Info("turn handled",
		"session_id", s.ID,
		"decision", t.resp.Decision,
		"auth_state", s.Auth.State,
		"ticket_id", s.ActiveTicketID,
		"resumed", t.resp.Resumed,
	)
	return t.resp, nil
}

// ticketPending reports whether the session's ticket still awaits a human.
// Stale references to closed tickets are cleared.
func (o *Orchestrator) ticketPending(ctx context.Context, s *session.Session) bool {
	tk, err := o.handoff.Get(ctx, s.ActiveTicketID)
	switch {
	case errors.Is(err, handoff.ErrNotFound):
	case err != nil:
		o.logger.Warn("ticket lookup failed", "session_id", s.ID, "ticket_id", s.ActiveTicketID, "error", err)
		return true
	case !tk.State.Terminal():
		return true
	}
	s.ActiveTicketID = ""
	return false
}

func (o *Orchestrator) route(ctx context.Context, t *turn, text string) (string, error) {
	var c routing.Classification
	err := o.call(ctx, observability.StageClassify, func(ctx context.Context) error {
		var err error
		c, err = o.providers.Classifier.Classify(ctx, text, o.history(t.s))
		return err
	})
	if err != nil {
		// category unknown, so no auto-escalation
		return o.providerFailure(ctx, t, text, "", "classify", err)
	}

	decision := routing.Route(c, t.s.Auth, o.sessions.Now())
	t.resp.Decision = decision
	o.metrics.IncDecision(string(decision))

	switch decision {
	case routing.DispatchFAQ:
		var answer string
		err := o.call(ctx, observability.StageDispatch, func(ctx context.Context) error {
			var err error
			answer, err = o.providers.FAQ.AnswerFAQ(ctx, text, o.history(t.s))
			return err
		})
		if err != nil {
			return o.providerFailure(ctx, t, text, c.Category, "faq", err)
		}
		return answer, nil
	case routing.DispatchData:
		return o.answerAccount(ctx, t, text)
	case routing.RequireAuthThenDispatchData:
		return o.requireAuth(t, text)
	case routing.EscalateServiceRequest:
		return o.escalate(ctx, t, text, string(decision), departmentFor(c.Category))
	case routing.EscalateHumanRequested:
		return o.escalate(ctx, t, text, string(decision), departmentFor(c.Category))
	default:
		return replyOutOfScope, nil
	}
}

func (o *Orchestrator) answerAccount(ctx context.Context, t *turn, query string) (string, error) {
	var answer string
	err := o.call(ctx, observability.StageDispatch, func(ctx context.Context) error {
		var err error
		answer, err = o.providers.Data.AnswerAccountQuery(ctx, query, t.s.Auth)
		return err
	})
	switch {
	case err == nil:
		return answer, nil
	case errors.Is(err, provider.ErrUnauthorized):
		o.logger.Info("data agent rejected auth, re-verifying", "session_id", t.s.ID)
		t.resp.Decision = routing.RequireAuthThenDispatchData
		return o.requireAuth(t, query)
	default:
		return o.providerFailure(ctx, t, query, routing.CategoryAccountData, "account_query", err)
	}
}

// providerFailure turns a failed capability call into an apology, escalating
// account and service requests. Cancellation aborts the turn instead.
func (o *Orchestrator) providerFailure(ctx context.Context, t *turn, question string, category routing.Category, capability string, err error) (string, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	o.logger.Warn("provider call failed", "session_id", t.s.ID, "capability", capability, "error", err)
	o.stages.RecordEvent(observability.EventProviderFailure)
	switch category {
	case routing.CategoryAccountData, routing.CategoryServiceRequest:
		reply, err := o.escalate(ctx, t, question, "provider_unavailable", departmentFor(category))
		if err != nil {
			return "", err
		}
		return joinReply(replyApology, reply), nil
	default:
		return replyApology, nil
	}
}

func (o *Orchestrator) escalate(ctx context.Context, t *turn, question, reason, department string) (string, error) {
	start := time.Now()
	defer func() { o.stages.Observe(observability.StageEscalate, time.Since(start)) }()

	tk, err := o.handoff.CreateTicket(ctx, t.s, question, reason, department)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		o.logger.Error("create ticket failed", "session_id", t.s.ID, "error", err)
		return replyEscalationFailed, nil
	}
	if _, err := o.handoff.Dispatch(ctx, tk.ID); err != nil {
		o.cancelTicket(tk.ID, "dispatch failed")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		o.logger.Error("dispatch ticket failed", "session_id", t.s.ID, "ticket_id", tk.ID, "error", err)
		return replyEscalationFailed, nil
	}

	t.s.ActiveTicketID = tk.ID
	t.ticketID = tk.ID
	o.metrics.IncSessionEvent("escalated")
	return fmt.Sprintf(replyEscalated, tk.ID), nil
}

// abandonTicket cancels a ticket dispatched during a turn that did not persist.
func (o *Orchestrator) abandonTicket(t *turn, reason string) {
	if t.ticketID == "" {
		return
	}
	o.cancelTicket(t.ticketID, reason)
	t.ticketID = ""
}

func (o *Orchestrator) cancelTicket(ticketID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := o.handoff.Cancel(ctx, ticketID, reason); err != nil && !errors.Is(err, handoff.ErrTicketAlreadyClosed) {
		o.logger.Warn("cancel ticket failed", "ticket_id", ticketID, "error", err)
	}
}

// call runs one capability call with a single retry on transient failure.
func (o *Orchestrator) call(ctx context.Context, stage string, fn func(context.Context) error) error {
	start := time.Now()
	err := reliability.Retry(ctx, o.cfg.ProviderRetry, provider.IsRetryable, fn)
	o.stages.Observe(stage, time.Since(start))
	return err
}

// history returns the recent window preceding the message just appended.
func (o *Orchestrator) history(s *session.Session) []session.Message {
	h := s.Recent(o.cfg.HistoryWindow + 1)
	if len(h) > 0 {
		h = h[:len(h)-1]
	}
	return h
}

func departmentFor(c routing.Category) string {
	switch c {
	case routing.CategoryAccountData:
		return "billing"
	case routing.CategoryServiceRequest:
		return "service"
	default:
		return "general"
	}
}
