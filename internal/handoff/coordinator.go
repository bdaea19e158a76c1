package handoff

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

	"github.com/ent0n29/helpdesk/internal/observability"
	"github.com/ent0n29/helpdesk/internal/provider"
	"github.com/ent0n29/helpdesk/internal/session"
)

var tracer = otel.Tracer("helpdesk.handoff")

const notifyTimeout = 5 * time.Second

type Config struct {
	Timeout      time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
	Metrics      *observability.Metrics
	Now          func() time.Time
}

// Coordinator owns every ticket state transition. Waiting on a ticket only
// blocks the caller of WaitForResolution.
type Coordinator struct {
	store      Store
	queue      Queue
	summarizer provider.Summarizer
	cfg        Config
	logger     *slog.Logger

	// locks serializes transitions per ticket; mu only guards the fields below.
	locks *session.KeyedLocker

	mu       sync.Mutex
	notifier Notifier
	waiters  map[string]chan struct{}

	notifyWG sync.WaitGroup
}

func NewCoordinator(store Store, queue Queue, summarizer provider.Summarizer, cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:      store,
		queue:      queue,
		summarizer: summarizer,
		cfg:        cfg,
		logger:     logger.With("component", "handoff"),
		locks:      session.NewKeyedLocker(),
		waiters:    make(map[string]chan struct{}),
	}
}

func (c *Coordinator) SetNotifier(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifier = n
}

func (c *Coordinator) Timeout() time.Duration { return c.cfg.Timeout }

// CreateTicket opens a ticket with a summary of the whole conversation. A
// failing summarizer degrades to a local transcript digest.
func (c *Coordinator) CreateTicket(ctx context.Context, s *session.Session, originalQuestion, reason, department string) (Ticket, error) {
	ctx, span := tracer.Start(ctx, "handoff.create_ticket")
	span.SetAttributes(attribute.String("session.id", s.ID), attribute.String("handoff.reason", reason))
	var err error
	defer func() { observability.EndSpan(span, err) }()

	summary := ""
	if c.summarizer != nil {
		summary, err = c.summarizer.Summarize(ctx, s.History)
		if errors.Is(err, context.Canceled) {
			return Ticket{}, err
		}
		if err != nil {
			c.logger.Warn("summarizer failed, using transcript digest", "session_id", s.ID, "error", err)
			err = nil
		}
	}
	if strings.TrimSpace(summary) == "" {
		summary = provider.Digest(s.History)
	}

	now := c.cfg.Now().UTC()
	t := Ticket{
		ID:                  uuid.NewString(),
		SessionID:           s.ID,
		Summary:             summary,
		OriginalQuestion:    strings.TrimSpace(originalQuestion),
		EscalationReason:    strings.TrimSpace(reason),
		SuggestedDepartment: strings.TrimSpace(department),
		State:               StateCreated,
		AuthSnapshot:        s.Auth.Clone(),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err = c.store.SaveTicket(ctx, t); err != nil {
		err = fmt.Errorf("save ticket: %w", err)
		return Ticket{}, err
	}
	c.cfg.Metrics.IncTicketState(string(StateCreated))
	c.logger.Info("ticket created", "ticket_id", t.ID, "session_id", t.SessionID, "reason", t.EscalationReason)
	return t, nil
}

// Dispatch hands a created ticket to the agent queue. Dispatching twice is a no-op.
func (c *Coordinator) Dispatch(ctx context.Context, ticketID string) (Ticket, error) {
	ctx, span := tracer.Start(ctx, "handoff.dispatch")
	span.SetAttributes(attribute.String("ticket.id", ticketID))
	t, err := c.update(ctx, ticketID, func(t *Ticket) error {
		switch t.State {
		case StateCreated:
		case StateDispatched:
			return errAlreadyDispatched
		default:
			return ErrTicketAlreadyClosed
		}
		if err := c.queue.Enqueue(ctx, *t); err != nil {
			return fmt.Errorf("enqueue ticket: %w", err)
		}
		t.State = StateDispatched
		return nil
	})
	if errors.Is(err, errAlreadyDispatched) {
		err = nil
	}
	observability.EndSpan(span, err)
	return t, err
}

var errAlreadyDispatched = errors.New("ticket already dispatched")

// WaitForResolution blocks until a human resolves the ticket, the ticket is
// cancelled, or timeout elapses. On timeout the ticket moves to TimedOut and
// the caller is expected to tell the customer about the delay.
func (c *Coordinator) WaitForResolution(ctx context.Context, ticketID string, timeout time.Duration) (Outcome, error) {
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	ctx, span := tracer.Start(ctx, "handoff.wait")
	span.SetAttributes(attribute.String("ticket.id", ticketID))
	start := time.Now()

	out, err := c.wait(ctx, ticketID, timeout)
	if err == nil {
		span.SetAttributes(attribute.String("handoff.outcome", string(out.Kind)))
		c.cfg.Metrics.ObserveHandoffWait(time.Since(start))
	}
	observability.EndSpan(span, err)
	return out, err
}

func (c *Coordinator) wait(ctx context.Context, ticketID string, timeout time.Duration) (Outcome, error) {
	done := c.waiter(ticketID)

	t, err := c.store.GetTicket(ctx, ticketID)
	if err != nil {
		c.dropWaiter(ticketID, done)
		return Outcome{}, err
	}
	if t.State.Terminal() {
		c.dropWaiter(ticketID, done)
		return outcomeFor(t), nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-done:
			t, err := c.store.GetTicket(ctx, ticketID)
			if err != nil {
				return Outcome{}, err
			}
			return outcomeFor(t), nil
		case <-ticker.C:
			reply, found, err := c.queue.Poll(ctx, ticketID)
			if err != nil {
				c.logger.Warn("poll handoff queue failed", "ticket_id", ticketID, "error", err)
				continue
			}
			if !found {
				continue
			}
			if _, err := c.Resolve(ctx, ticketID, reply); err != nil && !errors.Is(err, ErrTicketAlreadyClosed) {
				c.logger.Warn("resolve from queue failed", "ticket_id", ticketID, "error", err)
			}
		case <-timer.C:
			// a reply that landed since the last poll still wins
			if reply, found, err := c.queue.Poll(ctx, ticketID); err == nil && found {
				if _, err := c.Resolve(ctx, ticketID, reply); err != nil && !errors.Is(err, ErrTicketAlreadyClosed) {
					c.logger.Warn("resolve from queue failed", "ticket_id", ticketID, "error", err)
				}
			}
			t, err := c.update(ctx, ticketID, func(t *Ticket) error {
				if t.State.Terminal() {
					return ErrTicketAlreadyClosed
				}
				t.State = StateTimedOut
				t.CloseReason = fmt.Sprintf("no agent reply within %s", timeout)
				return nil
			})
			if errors.Is(err, ErrTicketAlreadyClosed) {
				t, err = c.store.GetTicket(ctx, ticketID)
			}
			if err != nil {
				return Outcome{}, err
			}
			return outcomeFor(t), nil
		}
	}
}

// Resolve records a human reply. Replies to a timed-out ticket are kept once
// for audit without reopening the ticket.
func (c *Coordinator) Resolve(ctx context.Context, ticketID, message string) (Ticket, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return Ticket{}, errors.New("reply message is required")
	}
	late := false
	t, err := c.update(ctx, ticketID, func(t *Ticket) error {
		switch t.State {
		case StateResolved, StateCancelled:
			return ErrTicketAlreadyClosed
		case StateTimedOut:
			if t.LateReply != "" {
				return ErrTicketAlreadyClosed
			}
			t.LateReply = message
			late = true
			return nil
		}
		t.State = StateResolved
		t.Resolution = message
		return nil
	})
	if err != nil {
		return Ticket{}, err
	}
	if late {
		c.logger.Info("late agent reply recorded", "ticket_id", t.ID, "session_id", t.SessionID)
	}
	return t, nil
}

func (c *Coordinator) Cancel(ctx context.Context, ticketID, reason string) (Ticket, error) {
	return c.update(ctx, ticketID, func(t *Ticket) error {
		if t.State.Terminal() {
			return ErrTicketAlreadyClosed
		}
		t.State = StateCancelled
		t.CloseReason = strings.TrimSpace(reason)
		return nil
	})
}

func (c *Coordinator) Get(ctx context.Context, ticketID string) (Ticket, error) {
	return c.store.GetTicket(ctx, ticketID)
}

func (c *Coordinator) List(ctx context.Context, sessionID string, limit int) ([]Ticket, error) {
	return c.store.ListTickets(ctx, sessionID, limit)
}

// NotifyCustomer pushes n to the session's transport without blocking.
// Delivery failures are logged only.
func (c *Coordinator) NotifyCustomer(sessionID string, n Notice) {
	c.mu.Lock()
	notifier := c.notifier
	c.mu.Unlock()
	if notifier == nil {
		c.logger.Debug("no notifier configured, dropping notice", "session_id", sessionID, "ticket_id", n.TicketID)
		return
	}
	if n.At.IsZero() {
		n.At = c.cfg.Now().UTC()
	}

	c.notifyWG.Add(1)
	go func() {
		defer c.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := notifier.Notify(ctx, sessionID, n); err != nil {
			c.logger.Warn("customer notification failed", "session_id", sessionID, "ticket_id", n.TicketID, "error", err)
		}
	}()
}

// Close waits for in-flight notifications.
func (c *Coordinator) Close() {
	c.notifyWG.Wait()
}

func (c *Coordinator) update(ctx context.Context, ticketID string, apply func(*Ticket) error) (Ticket, error) {
	release, err := c.locks.Acquire(ctx, ticketID)
	if err != nil {
		return Ticket{}, err
	}
	defer release()

	t, err := c.store.GetTicket(ctx, ticketID)
	if err != nil {
		return Ticket{}, err
	}
	prev := t.State
	if err := apply(&t); err != nil {
		return t, err
	}
	now := c.cfg.Now().UTC()
	t.UpdatedAt = now
	if t.State.Terminal() && t.ClosedAt == nil {
		t.ClosedAt = &now
	}
	if err := c.store.SaveTicket(ctx, t); err != nil {
		return Ticket{}, fmt.Errorf("save ticket: %w", err)
	}

	if t.State != prev {
		c.cfg.Metrics.IncTicketState(string(t.State))
		if prev == StateCreated && t.State == StateDispatched {
			c.cfg.Metrics.AddPendingHandoffs(1)
		}
		if prev == StateDispatched && t.State.Terminal() {
			c.cfg.Metrics.AddPendingHandoffs(-1)
		}
		c.logger.Info("ticket state changed", "ticket_id", t.ID, "from", prev, "to", t.State)
		if t.State.Terminal() && prev == StateDispatched {
			// closed tickets take replies only through Resolve
			if err := c.queue.Remove(ctx, t.ID); err != nil {
				c.logger.Warn("remove ticket from queue failed", "ticket_id", t.ID, "error", err)
			}
		}
	}
	if t.State.Terminal() {
		c.mu.Lock()
		if ch, ok := c.waiters[t.ID]; ok {
			close(ch)
			delete(c.waiters, t.ID)
		}
		c.mu.Unlock()
	}
	return t, nil
}

func (c *Coordinator) waiter(ticketID string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.waiters[ticketID]
	if !ok {
		ch = make(chan struct{})
		c.waiters[ticketID] = ch
	}
	return ch
}

func (c *Coordinator) dropWaiter(ticketID string, ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.waiters[ticketID]; ok && cur == ch {
		delete(c.waiters, ticketID)
	}
}

func outcomeFor(t Ticket) Outcome {
	switch t.State {
	case StateResolved:
		return Outcome{Kind: OutcomeResolved, Message: t.Resolution, Ticket: t}
	case StateCancelled:
		return Outcome{Kind: OutcomeCancelled, Ticket: t}
	default:
		return Outcome{Kind: OutcomeTimedOut, Ticket: t}
	}
}
