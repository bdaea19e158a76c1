package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ent0n29/helpdesk/internal/auth"
	"github.com/ent0n29/helpdesk/internal/orchestrator"
	"github.com/ent0n29/helpdesk/internal/protocol"
	"github.com/ent0n29/helpdesk/internal/session"
)

type messageRequest struct {
	Text string `json:"text" validate:"required,max=4000"`
}

// sessionView is the API shape of a session. Identifying info and the
// parked query stay server-side.
type sessionView struct {
	SessionID       string            `json:"session_id"`
	CreatedAt       time.Time         `json:"created_at"`
	LastInteraction time.Time         `json:"last_interaction"`
	Expiry          time.Time         `json:"expiry"`
	AuthState       auth.State        `json:"auth_state"`
	FailedAttempts  int               `json:"failed_attempts"`
	HasPendingQuery bool              `json:"has_pending_query"`
	ActiveTicketID  string            `json:"active_ticket_id,omitempty"`
	History         []session.Message `json:"history"`
}

func viewOf(s *session.Session) sessionView {
	return sessionView{
		SessionID:       s.ID,
		CreatedAt:       s.CreatedAt,
		LastInteraction: s.LastInteraction,
		Expiry:          s.Expiry,
		AuthState:       s.Auth.State,
		FailedAttempts:  s.Auth.FailedAttempts,
		HasPendingQuery: s.PendingQuery != "",
		ActiveTicketID:  s.ActiveTicketID,
		History:         s.History,
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "invalid_session_id")
	if !ok {
		return
	}
	if s.deps.Orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	if !s.limiter.Allow(id) {
		respondError(w, http.StatusTooManyRequests, "rate_limited", "too many messages for this session")
		return
	}
	var req messageRequest
	if !s.decodeValid(w, r, &req, false) {
		return
	}

	resp, err := s.deps.Orchestrator.HandleMessage(r.Context(), id, req.Text)
	if err != nil {
		s.respondTurnError(w, r, id, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) respondTurnError(w http.ResponseWriter, r *http.Request, sessionID string, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyMessage):
		respondError(w, http.StatusBadRequest, "empty_message", err.Error())
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		// client went away; nothing to write
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "timeout", "message handling timed out")
	default:
		s.logger.Error("message handling failed", "session_id", sessionID, "error", err)
		respondError(w, http.StatusInternalServerError, "turn_failed", "message could not be processed; please retry")
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "invalid_session_id")
	if !ok {
		return
	}
	sess, err := s.deps.Sessions.Get(r.Context(), id)
	if err != nil {
		s.respondSessionError(w, id, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "invalid_session_id")
	if !ok {
		return
	}
	release, err := s.deps.Sessions.Acquire(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "lock_unavailable", err.Error())
		return
	}
	defer release()
	if err := s.deps.Sessions.Delete(r.Context(), id); err != nil {
		s.respondSessionError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleResetAuth is the explicit unlock for a locked-out session.
func (s *Server) handleResetAuth(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "invalid_session_id")
	if !ok {
		return
	}
	sess, err := s.deps.Sessions.ResetAuth(r.Context(), id)
	if err != nil {
		s.respondSessionError(w, id, err)
		return
	}
	s.logger.Info("session auth reset", "session_id", id)
	respondJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) respondSessionError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, session.ErrNotFound) {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.logger.Error("session operation failed", "session_id", id, "error", err)
	respondError(w, http.StatusInternalServerError, "session_error", err.Error())
}

// handleSessionWS streams handoff updates to the customer and accepts
// user_message frames on the same connection.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "invalid_session_id")
	if !ok {
		return
	}
	if s.deps.Hub == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "notifications not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.deps.Metrics.IncSessionEvent("ws_connected")
	s.deps.Hub.Serve(r.Context(), conn, id, s.handleWSFrame)
	s.deps.Metrics.IncSessionEvent("ws_disconnected")
}

func (s *Server) handleWSFrame(ctx context.Context, sessionID string, msg any) (any, error) {
	um, ok := msg.(protocol.UserMessage)
	if !ok {
		return nil, nil
	}
	if s.deps.Orchestrator == nil {
		return nil, errors.New("orchestrator not configured")
	}
	if !s.limiter.Allow(sessionID) {
		return protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "rate_limited",
			Source:    "gateway",
			Retryable: true,
			Detail:    "too many messages for this session",
		}, nil
	}
	resp, err := s.deps.Orchestrator.HandleMessage(ctx, sessionID, um.Text)
	if err != nil {
		return nil, err
	}
	return protocol.AssistantMessage{
		Type:        protocol.TypeAssistantMessage,
		SessionID:   resp.SessionID,
		ClientMsgID: um.ClientMsgID,
		Text:        resp.Reply,
		Decision:    string(resp.Decision),
		AuthState:   string(resp.AuthState),
		TicketID:    resp.TicketID,
		Resumed:     resp.Resumed,
	}, nil
}
