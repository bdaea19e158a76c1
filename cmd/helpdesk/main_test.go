package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/helpdesk/internal/app"
	"github.com/ent0n29/helpdesk/internal/auth"
	"github.com/ent0n29/helpdesk/internal/config"
	"github.com/ent0n29/helpdesk/internal/handoff"
	"github.com/ent0n29/helpdesk/internal/observability"
	"github.com/ent0n29/helpdesk/internal/session"
)

func setSQLiteEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SESSION_STORE", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "helpdesk.db"))
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SESSION_LOCK_MODE", "local")
	t.Setenv("PROVIDER_MODE", "mock")
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func seedLockedSession(t *testing.T, id string) {
	t.Helper()
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	ctx := context.Background()
	core, err := app.BuildCore(ctx, cfg, app.Options{
		Metrics: observability.NewMetricsWith(prometheus.NewRegistry(), "test_cli"),
	})
	if err != nil {
		t.Fatalf("BuildCore() error = %v", err)
	}
	defer core.Cleanup()

	s, err := core.Sessions.GetOrCreate(ctx, id)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	s.Auth = auth.Context{State: auth.StateLockedOut, UserID: "cust-1001", FailedAttempts: auth.MaxFailedAttempts}
	core.Sessions.AppendMessage(s, "user", "hello")
	if err := core.Sessions.Persist(ctx, s); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
}

func TestSessionsAndUnlock(t *testing.T) {
	setSQLiteEnv(t)
	seedLockedSession(t, "cli-1")

	out, err := runCLI(t, "sessions")
	if err != nil {
		t.Fatalf("sessions error = %v", err)
	}
	if !strings.Contains(out, "cli-1") || !strings.Contains(out, "locked_out") {
		t.Fatalf("sessions output missing locked session:\n%s", out)
	}

	out, err = runCLI(t, "unlock", "cli-1")
	if err != nil {
		t.Fatalf("unlock error = %v", err)
	}
	if !strings.Contains(out, "anonymous") {
		t.Fatalf("unlock output = %q, want anonymous state", out)
	}

	out, err = runCLI(t, "sessions")
	if err != nil {
		t.Fatalf("sessions error = %v", err)
	}
	if strings.Contains(out, "locked_out") {
		t.Fatalf("session still locked after unlock:\n%s", out)
	}
}

func TestUnlockMissingSession(t *testing.T) {
	setSQLiteEnv(t)
	if _, err := runCLI(t, "unlock", "nope"); err == nil {
		t.Fatalf("expected error for missing session")
	}
}

func TestTicketsReplyNeedsSharedQueue(t *testing.T) {
	setSQLiteEnv(t)
	_, err := runCLI(t, "tickets", "reply", "t-1", "hello", "there")
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("error = %v, want DATABASE_URL hint", err)
	}
}

func TestTicketsListEmpty(t *testing.T) {
	setSQLiteEnv(t)
	out, err := runCLI(t, "tickets", "list")
	if err != nil {
		t.Fatalf("tickets list error = %v", err)
	}
	if !strings.Contains(out, "no tickets") {
		t.Fatalf("tickets list output = %q", out)
	}
}

func TestReplyTicketQueuesThenRecordsLateReply(t *testing.T) {
	ctx := context.Background()
	q := handoff.NewMemoryQueue()
	tickets := handoff.NewCoordinator(handoff.NewMemoryStore(), q, nil, handoff.Config{
		Timeout:      time.Second,
		PollInterval: 5 * time.Millisecond,
	})
	tk, err := tickets.CreateTicket(ctx, &session.Session{ID: "cli-late"}, "help", "human_requested", "general")
	if err != nil {
		t.Fatalf("CreateTicket() error = %v", err)
	}
	if _, err := tickets.Dispatch(ctx, tk.ID); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	out, err := replyTicket(ctx, tickets, q, tk.ID, "on it")
	if err != nil {
		t.Fatalf("replyTicket() error = %v", err)
	}
	if !strings.Contains(out, "reply queued") {
		t.Fatalf("replyTicket() = %q, want queued reply", out)
	}
	// the serving process never picks it up before the deadline
	if _, found, err := q.Poll(ctx, tk.ID); err != nil || !found {
		t.Fatalf("Poll() = %v, %v; want queued reply", found, err)
	}
	if _, err := tickets.WaitForResolution(ctx, tk.ID, 10*time.Millisecond); err != nil {
		t.Fatalf("WaitForResolution() error = %v", err)
	}

	out, err = replyTicket(ctx, tickets, q, tk.ID, "sorry for the delay")
	if err != nil {
		t.Fatalf("late replyTicket() error = %v", err)
	}
	if !strings.Contains(out, "late reply recorded") {
		t.Fatalf("late replyTicket() = %q", out)
	}
	got, err := tickets.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != handoff.StateTimedOut || got.LateReply != "sorry for the delay" {
		t.Fatalf("ticket = %s late_reply=%q, want timed_out with late reply", got.State, got.LateReply)
	}

	if _, err := replyTicket(ctx, tickets, q, tk.ID, "again"); err == nil {
		t.Fatalf("second late reply should fail")
	}
}
