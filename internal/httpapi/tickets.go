package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ent0n29/helpdesk/internal/handoff"
)

type replyRequest struct {
	Message string `json:"message" validate:"required,max=8000"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "invalid_ticket_id")
	if !ok || !s.ticketsConfigured(w) {
		return
	}
	tk, err := s.deps.Tickets.Get(r.Context(), id)
	if err != nil {
		s.respondTicketError(w, id, err)
		return
	}
	respondJSON(w, http.StatusOK, tk)
}

// handleTicketReply records a human agent's answer. Replies to a timed-out
// ticket are kept for audit but do not reopen the conversation.
func (s *Server) handleTicketReply(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "invalid_ticket_id")
	if !ok || !s.ticketsConfigured(w) {
		return
	}
	var req replyRequest
	if !s.decodeValid(w, r, &req, false) {
		return
	}
	tk, err := s.deps.Tickets.Resolve(r.Context(), id, req.Message)
	if err != nil {
		s.respondTicketError(w, id, err)
		return
	}
	respondJSON(w, http.StatusOK, tk)
}

func (s *Server) handleTicketCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "invalid_ticket_id")
	if !ok || !s.ticketsConfigured(w) {
		return
	}
	var req cancelRequest
	if !s.decodeValid(w, r, &req, true) {
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by agent"
	}
	tk, err := s.deps.Tickets.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		s.respondTicketError(w, id, err)
		return
	}
	respondJSON(w, http.StatusOK, tk)
}

func (s *Server) handleListSessionTickets(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "invalid_session_id")
	if !ok || !s.ticketsConfigured(w) {
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 200")
			return
		}
		limit = n
	}
	list, err := s.deps.Tickets.List(r.Context(), id, limit)
	if err != nil {
		s.respondTicketError(w, id, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tickets": list})
}

func (s *Server) ticketsConfigured(w http.ResponseWriter) bool {
	if s.deps.Tickets == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "handoff not configured")
		return false
	}
	return true
}

func (s *Server) respondTicketError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, handoff.ErrNotFound):
		respondError(w, http.StatusNotFound, "ticket_not_found", err.Error())
	case errors.Is(err, handoff.ErrTicketAlreadyClosed):
		respondError(w, http.StatusConflict, "ticket_closed", err.Error())
	default:
		s.logger.Error("ticket operation failed", "ticket_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "ticket_error", err.Error())
	}
}
