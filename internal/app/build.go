package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ent0n29/helpdesk/internal/auth"
	"github.com/ent0n29/helpdesk/internal/config"
	"github.com/ent0n29/helpdesk/internal/handoff"
	"github.com/ent0n29/helpdesk/internal/httpapi"
	"github.com/ent0n29/helpdesk/internal/notify"
	"github.com/ent0n29/helpdesk/internal/observability"
	"github.com/ent0n29/helpdesk/internal/orchestrator"
	"github.com/ent0n29/helpdesk/internal/provider"
	"github.com/ent0n29/helpdesk/internal/reliability"
	"github.com/ent0n29/helpdesk/internal/session"
	"github.com/ent0n29/helpdesk/internal/store"
)

const readinessProbeID = "__readyz__"

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *orchestrator.Orchestrator
	Tickets      *handoff.Coordinator
	// Queue is where external agents post replies; the Postgres store in
	// durable mode, the in-process queue otherwise.
	Queue        handoff.Queue
	Hub          *notify.Hub
	Metrics      *observability.Metrics
	Stages       *observability.StageWindow

	StoreMode    string
	ProviderMode string

	// Cleanup should be called on shutdown to release external resources (DB pools, badger files).
	Cleanup func() error
}

type Options struct {
	Logger *slog.Logger
	// Metrics overrides the default-registry instruments, e.g. for CLI
	// commands that build more than once.
	Metrics *observability.Metrics
}

// BuildCore opens stores and providers and wires the session manager,
// handoff coordinator and orchestrator without the HTTP layer.
func BuildCore(ctx context.Context, cfg config.Config, opts Options) (*BuildResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}
	stages := observability.NewStageWindow(256)

	var closers []func() error
	cleanup := func() error {
		var errs []string
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}
	fail := func(err error) (*BuildResult, error) {
		_ = cleanup()
		return nil, err
	}

	storeCfg := store.Config{
		Backend:     cfg.SessionStore,
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
		BadgerPath:  cfg.BadgerPath,
		Logger:      logger,
	}
	sessionStore, err := store.New(ctx, storeCfg)
	if err != nil {
		return fail(fmt.Errorf("session store init failed: %w", err))
	}
	closers = append(closers, sessionStore.Close)

	var locker session.Locker
	if cfg.SessionLockMode == "postgres" {
		pl, err := session.NewPostgresLocker(ctx, cfg.DatabaseURL)
		if err != nil {
			return fail(fmt.Errorf("session lock init failed: %w", err))
		}
		closers = append(closers, pl.Close)
		locker = pl
	}

	sessions := session.NewManager(sessionStore, session.Options{
		TTL:     cfg.SessionTTL,
		Auth:    auth.NewMachine(auth.Config{RequiredFactors: cfg.AuthRequiredFactors, TTL: cfg.AuthTTL}),
		Locker:  locker,
		Logger:  logger,
		Metrics: metrics,
	})

	providers, err := provider.New(provider.Config{
		Mode:    cfg.ProviderMode,
		HTTPURL: cfg.ProviderHTTPURL,
		Timeout: cfg.ProviderTimeout,
		KBPath:  cfg.FAQKBPath,
		OpenAI: provider.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
		},
	})
	if err != nil {
		return fail(fmt.Errorf("provider init failed: %w", err))
	}
	mode := providers.Mode
	providers = provider.Instrument(providers, metrics)

	var (
		ticketStore handoff.Store
		queue       handoff.Queue
	)
	if cfg.DatabaseURL != "" {
		pg, err := handoff.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return fail(fmt.Errorf("ticket store init failed: %w", err))
		}
		closers = append(closers, pg.Close)
		ticketStore, queue = pg, pg
	} else {
		ticketStore, queue = handoff.NewMemoryStore(), handoff.NewMemoryQueue()
	}

	hub := notify.NewHub(logger, metrics)
	closers = append(closers, func() error { hub.Close(); return nil })

	tickets := handoff.NewCoordinator(ticketStore, queue, providers.Summarizer, handoff.Config{
		Timeout:      cfg.HandoffTimeout,
		PollInterval: cfg.HandoffPollInterval,
		Logger:       logger,
		Metrics:      metrics,
	})
	tickets.SetNotifier(hub)

	orch, err := orchestrator.New(sessions, providers, tickets, orchestrator.Config{
		HistoryWindow:  cfg.HistoryWindow,
		HandoffTimeout: cfg.HandoffTimeout,
		ProviderRetry: reliability.Policy{
			Retries: 1,
			Base:    cfg.ProviderRetryBackoff,
			Cap:     8 * cfg.ProviderRetryBackoff,
		},
		Logger:  logger,
		Metrics: metrics,
		Stages:  stages,
	})
	if err != nil {
		return fail(fmt.Errorf("orchestrator init failed: %w", err))
	}

	return &BuildResult{
		Config:       cfg,
		Sessions:     sessions,
		Orchestrator: orch,
		Tickets:      tickets,
		Queue:        queue,
		Hub:          hub,
		Metrics:      metrics,
		Stages:       stages,
		StoreMode:    store.ResolveBackend(storeCfg),
		ProviderMode: mode,
		Cleanup:      cleanup,
	}, nil
}

// Build wires the full service including the HTTP API.
func Build(ctx context.Context, cfg config.Config, opts Options) (*BuildResult, error) {
	res, err := BuildCore(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	sessions := res.Sessions
	res.API = httpapi.New(cfg, httpapi.Deps{
		Sessions:     sessions,
		Orchestrator: res.Orchestrator,
		Tickets:      res.Tickets,
		Hub:          res.Hub,
		Metrics:      res.Metrics,
		Stages:       res.Stages,
		Logger:       opts.Logger,
		StoreMode:    res.StoreMode,
		ProviderMode: res.ProviderMode,
		Ready: func(ctx context.Context) error {
			_, err := sessions.Get(ctx, readinessProbeID)
			if err == nil || errors.Is(err, session.ErrNotFound) {
				return nil
			}
			return err
		},
	})
	return res, nil
}
