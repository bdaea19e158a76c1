package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/helpdesk/internal/handoff"
	"github.com/ent0n29/helpdesk/internal/session"
)

var errStaleTicket = errors.New("session moved on to another ticket")

const followUpTimeout = 10 * time.Second

// startWaiter waits for the ticket outside the session lock.
func (o *Orchestrator) startWaiter(sessionID, ticketID string) {
	ctx, cancel := context.WithCancel(o.baseCtx)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		o.cancelTicket(ticketID, "orchestrator shutting down")
		return
	}
	if _, ok := o.waiters[ticketID]; ok {
		o.mu.Unlock()
		cancel()
		return
	}
	o.waiters[ticketID] = cancel
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer o.clearWaiter(ticketID)
		defer cancel()
		o.awaitTicket(ctx, sessionID, ticketID)
	}()
}

func (o *Orchestrator) awaitTicket(ctx context.Context, sessionID, ticketID string) {
	out, err := o.handoff.WaitForResolution(ctx, ticketID, o.cfg.HandoffTimeout)
	if err != nil {
		if ctx.Err() != nil {
			o.cancelTicket(ticketID, "orchestrator shutting down")
			return
		}
		o.logger.Error("handoff wait failed", "session_id", sessionID, "ticket_id", ticketID, "error", err)
		return
	}

	followCtx, cancel := context.WithTimeout(context.Background(), followUpTimeout)
	defer cancel()

	switch out.Kind {
	case handoff.OutcomeResolved:
		o.handoff.NotifyCustomer(sessionID, handoff.Notice{
			TicketID: ticketID,
			State:    out.Ticket.State,
			Message:  replyHandoffAgentPrefix + out.Message,
		})
		o.metrics.IncSessionEvent("handoff_resolved")
		o.finishSession(followCtx, sessionID, ticketID)
	case handoff.OutcomeTimedOut:
		o.handoff.NotifyCustomer(sessionID, handoff.Notice{TicketID: ticketID, State: out.Ticket.State, Message: replyHandoffDelayed})
		o.metrics.IncSessionEvent("handoff_timed_out")
		o.releaseTicket(followCtx, sessionID, ticketID, replyHandoffDelayed)
	case handoff.OutcomeCancelled:
		o.handoff.NotifyCustomer(sessionID, handoff.Notice{TicketID: ticketID, State: out.Ticket.State, Message: replyHandoffCancelled})
		o.releaseTicket(followCtx, sessionID, ticketID, replyHandoffCancelled)
	}
}

// finishSession deletes the session once a human resolved its ticket.
func (o *Orchestrator) finishSession(ctx context.Context, sessionID, ticketID string) {
	release, err := o.sessions.Acquire(ctx, sessionID)
	if err != nil {
		o.logger.Warn("finish session: acquire failed", "session_id", sessionID, "error", err)
		return
	}
	defer release()

	s, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			o.logger.Warn("finish session: load failed", "session_id", sessionID, "error", err)
		}
		return
	}
	if s.ActiveTicketID != ticketID {
		return
	}
	if err := o.sessions.Delete(ctx, sessionID); err != nil {
		o.logger.Warn("finish session: delete failed", "session_id", sessionID, "error", err)
		return
	}
	o.logger.Info("session closed after handoff", "session_id", sessionID, "ticket_id", ticketID)
}

// releaseTicket returns the conversation to automated handling.
func (o *Orchestrator) releaseTicket(ctx context.Context, sessionID, ticketID, notice string) {
	_, err := o.sessions.Update(ctx, sessionID, func(s *session.Session) error {
		if s.ActiveTicketID != ticketID {
			return errStaleTicket
		}
		s.ActiveTicketID = ""
		o.sessions.AppendMessage(s, session.RoleAssistant, notice)
		return nil
	})
	if err != nil && !errors.Is(err, errStaleTicket) && !errors.Is(err, session.ErrNotFound) {
		o.logger.Warn("release ticket from session failed", "session_id", sessionID, "ticket_id", ticketID, "error", err)
	}
}

func (o *Orchestrator) clearWaiter(ticketID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.waiters, ticketID)
}

// PendingHandoffs returns how many tickets are being waited on.
func (o *Orchestrator) PendingHandoffs() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.waiters)
}

// Recover restarts waiters for sessions that were escalated before a
// restart and clears references to tickets that closed meanwhile.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	sessions, err := o.sessions.List(ctx)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, s := range sessions {
		if s.ActiveTicketID == "" {
			continue
		}
		tk, err := o.handoff.Get(ctx, s.ActiveTicketID)
		if err == nil && !tk.State.Terminal() {
			if tk.State == handoff.StateCreated {
				if _, err := o.handoff.Dispatch(ctx, tk.ID); err != nil {
					o.logger.Warn("recover: dispatch failed", "ticket_id", tk.ID, "error", err)
					continue
				}
			}
			o.startWaiter(s.ID, tk.ID)
			resumed++
			continue
		}
		if err != nil && !errors.Is(err, handoff.ErrNotFound) {
			o.logger.Warn("recover: ticket lookup failed", "ticket_id", s.ActiveTicketID, "error", err)
			continue
		}
		ticketID := s.ActiveTicketID
		if _, err := o.sessions.Update(ctx, s.ID, func(s *session.Session) error {
			if s.ActiveTicketID != ticketID {
				return errStaleTicket
			}
			s.ActiveTicketID = ""
			return nil
		}); err != nil && !errors.Is(err, errStaleTicket) {
			o.logger.Warn("recover: clear ticket failed", "session_id", s.ID, "error", err)
		}
	}
	return resumed, nil
}

// Shutdown stops every waiter, cancelling its ticket, and waits for them and
// for in-flight notifications.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.baseCancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		o.handoff.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
