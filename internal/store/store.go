package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ent0n29/helpdesk/internal/session"
)

var ErrInvalidSession = errors.New("invalid session record")

type Config struct {
	// Backend is one of auto|memory|postgres|sqlite|badger. auto selects
	// postgres when DatabaseURL is set and memory otherwise.
	Backend     string
	DatabaseURL string
	SQLitePath  string
	BadgerPath  string
	Logger      *slog.Logger
}

// New opens the configured session store.
func New(ctx context.Context, cfg Config) (session.Store, error) {
	switch backend := ResolveBackend(cfg); backend {
	case "memory":
		return NewInMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	case "sqlite":
		return NewSQLiteStore(ctx, cfg.SQLitePath)
	case "badger":
		return NewBadgerStore(BadgerConfig{Path: cfg.BadgerPath, Logger: cfg.Logger})
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Backend)
	}
}

// ResolveBackend returns the concrete backend New opens for cfg.
func ResolveBackend(cfg Config) string {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" || backend == "auto" {
		backend = "memory"
		if strings.TrimSpace(cfg.DatabaseURL) != "" {
			backend = "postgres"
		}
	}
	return backend
}

func validate(rec *session.Session) error {
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return ErrInvalidSession
	}
	return nil
}

func encode(rec *session.Session) ([]byte, error) {
	if err := validate(rec); err != nil {
		return nil, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", rec.ID, err)
	}
	return data, nil
}

func decode(data []byte) (*session.Session, error) {
	var rec session.Session
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if rec.History == nil {
		rec.History = []session.Message{}
	}
	return &rec, nil
}
