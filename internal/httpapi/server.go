package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/helpdesk/internal/config"
	"github.com/ent0n29/helpdesk/internal/handoff"
	"github.com/ent0n29/helpdesk/internal/notify"
	"github.com/ent0n29/helpdesk/internal/observability"
	"github.com/ent0n29/helpdesk/internal/orchestrator"
	"github.com/ent0n29/helpdesk/internal/session"
)

type Orchestrator interface {
	HandleMessage(ctx context.Context, sessionID, text string) (orchestrator.Response, error)
	PendingHandoffs() int
}

// Deps are the components the API serves. Hub, Metrics, Stages and Ready
// are optional.
type Deps struct {
	Sessions     *session.Manager
	Orchestrator Orchestrator
	Tickets      *handoff.Coordinator
	Hub          *notify.Hub
	Metrics      *observability.Metrics
	Stages       *observability.StageWindow
	Logger       *slog.Logger
	// Ready reports backing store health for /readyz.
	Ready        func(context.Context) error
	StoreMode    string
	ProviderMode string
}

type Server struct {
	cfg      config.Config
	deps     Deps
	logger   *slog.Logger
	validate *validator.Validate
	limiter  *sessionLimiter
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.With("component", "httpapi"),
		validate: validator.New(),
		limiter:  newSessionLimiter(cfg.RateLimitPerSec, cfg.RateBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the same origin unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/v1/sessions/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetSession)
		r.Delete("/", s.handleDeleteSession)
		r.Post("/messages", s.handleMessage)
		r.Post("/auth/reset", s.handleResetAuth)
		r.Get("/tickets", s.handleListSessionTickets)
		r.Get("/ws", s.handleSessionWS)
	})

	r.Route("/v1/tickets/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetTicket)
		r.Post("/reply", s.handleTicketReply)
		r.Post("/cancel", s.handleTicketCancel)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	pending := 0
	if s.deps.Orchestrator != nil {
		pending = s.deps.Orchestrator.PendingHandoffs()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ready",
		"store_mode":       s.deps.StoreMode,
		"provider_mode":    s.deps.ProviderMode,
		"pending_handoffs": pending,
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

// decodeValid decodes the body into out and runs its validate tags. It writes
// the error response itself and reports whether the handler may continue.
func (s *Server) decodeValid(w http.ResponseWriter, r *http.Request, out any, allowEmpty bool) bool {
	if err := decodeJSON(r, out); err != nil {
		if !errors.Is(err, errEmptyBody) || !allowEmpty {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return false
		}
	}
	if err := s.validate.Struct(out); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, strings.ToLower(fe.Field())+" failed "+fe.Tag())
	}
	return strings.Join(parts, "; ")
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func pathID(w http.ResponseWriter, r *http.Request, code string) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, code, "missing id")
		return "", false
	}
	return id, true
}
