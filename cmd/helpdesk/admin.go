package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ent0n29/helpdesk/internal/app"
	"github.com/ent0n29/helpdesk/internal/handoff"
	"github.com/ent0n29/helpdesk/internal/observability"
)

const adminTimeout = 30 * time.Second

var (
	ticketSession string
	ticketLimit   int

	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "List active sessions in the configured store",
		Args:  cobra.NoArgs,
		RunE:  runListSessions,
	}

	unlockCmd = &cobra.Command{
		Use:   "unlock <session-id>",
		Short: "Reset a session's identity verification, clearing a lockout",
		Args:  cobra.ExactArgs(1),
		RunE:  runUnlock,
	}

	ticketsCmd = &cobra.Command{
		Use:   "tickets",
		Short: "Inspect and answer handoff tickets",
	}
	ticketsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List recent tickets, optionally for one session",
		Args:  cobra.NoArgs,
		RunE:  runListTickets,
	}
	ticketsGetCmd = &cobra.Command{
		Use:   "get <ticket-id>",
		Short: "Print one ticket as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runGetTicket,
	}
	ticketsReplyCmd = &cobra.Command{
		Use:   "reply <ticket-id> <message...>",
		Short: "Post an agent reply to the handoff queue",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runReplyTicket,
	}
	ticketsCancelCmd = &cobra.Command{
		Use:   "cancel <ticket-id> [reason...]",
		Short: "Cancel an open ticket",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runCancelTicket,
	}
)

func init() {
	ticketsListCmd.Flags().StringVar(&ticketSession, "session", "", "only tickets for this session id")
	ticketsListCmd.Flags().IntVar(&ticketLimit, "limit", 20, "maximum tickets to print")
	ticketsCmd.AddCommand(ticketsListCmd, ticketsGetCmd, ticketsReplyCmd, ticketsCancelCmd)
}

// withCore builds the stores and coordinator for a one-shot admin command.
func withCore(cmd *cobra.Command, fn func(ctx context.Context, core *app.BuildResult) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
	defer cancel()

	core, err := app.BuildCore(ctx, cfg, app.Options{
		Logger:  logger,
		Metrics: observability.NewMetricsWith(prometheus.NewRegistry(), cfg.MetricsNamespace),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := core.Cleanup(); err != nil {
			logger.Warn("cleanup failed", "error", err)
		}
	}()
	return fn(ctx, core)
}

func runListSessions(cmd *cobra.Command, _ []string) error {
	return withCore(cmd, func(ctx context.Context, core *app.BuildResult) error {
		list, err := core.Sessions.List(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "no active sessions")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "SESSION\tAUTH\tFAILED\tLAST INTERACTION\tTICKET")
		for _, s := range list {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
				s.ID, s.Auth.State, s.Auth.FailedAttempts,
				s.LastInteraction.Format(time.RFC3339), dash(s.ActiveTicketID))
		}
		return tw.Flush()
	})
}

func runUnlock(cmd *cobra.Command, args []string) error {
	return withCore(cmd, func(ctx context.Context, core *app.BuildResult) error {
		s, err := core.Sessions.ResetAuth(ctx, args[0])
		if err != nil {
			return fmt.Errorf("unlock %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "session %s auth reset to %s\n", s.ID, s.Auth.State)
		return nil
	})
}

func runListTickets(cmd *cobra.Command, _ []string) error {
	return withCore(cmd, func(ctx context.Context, core *app.BuildResult) error {
		list, err := core.Tickets.List(ctx, ticketSession, ticketLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "no tickets")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TICKET\tSESSION\tSTATE\tREASON\tDEPARTMENT\tCREATED")
		for _, t := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				t.ID, t.SessionID, t.State, t.EscalationReason, dash(t.SuggestedDepartment),
				t.CreatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	})
}

func runGetTicket(cmd *cobra.Command, args []string) error {
	return withCore(cmd, func(ctx context.Context, core *app.BuildResult) error {
		t, err := core.Tickets.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get ticket %s: %w", args[0], err)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(t)
	})
}

// runReplyTicket hands the reply to the queue; the serving process that
// waits on the ticket picks it up on its next poll. A ticket that already
// timed out gets the reply recorded directly as its late reply.
func runReplyTicket(cmd *cobra.Command, args []string) error {
	return withCore(cmd, func(ctx context.Context, core *app.BuildResult) error {
		if core.Config.DatabaseURL == "" {
			return errors.New("replying from the CLI needs a shared handoff queue; set DATABASE_URL")
		}
		message := strings.TrimSpace(strings.Join(args[1:], " "))
		if message == "" {
			return errors.New("reply message is empty")
		}
		result, err := replyTicket(ctx, core.Tickets, core.Queue, args[0], message)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), result)
		return nil
	})
}

func replyTicket(ctx context.Context, tickets *handoff.Coordinator, queue handoff.Queue, id, message string) (string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		t, err := tickets.Get(ctx, id)
		if err != nil {
			return "", fmt.Errorf("get ticket %s: %w", id, err)
		}
		switch t.State {
		case handoff.StateTimedOut:
			if _, err := tickets.Resolve(ctx, id, message); err != nil {
				return "", fmt.Errorf("record late reply for %s: %w", id, err)
			}
			return fmt.Sprintf("ticket %s had timed out; late reply recorded", id), nil
		case handoff.StateDispatched:
			err := queue.Reply(ctx, id, message)
			if err == nil {
				return fmt.Sprintf("reply queued for ticket %s", id), nil
			}
			if !errors.Is(err, handoff.ErrNotFound) {
				return "", err
			}
			// closed between the read and the reply; look again
		default:
			return "", fmt.Errorf("ticket %s is %s and not waiting for a reply", id, t.State)
		}
	}
	return "", fmt.Errorf("ticket %s is not waiting for a reply", id)
}

func runCancelTicket(cmd *cobra.Command, args []string) error {
	return withCore(cmd, func(ctx context.Context, core *app.BuildResult) error {
		reason := strings.TrimSpace(strings.Join(args[1:], " "))
		if reason == "" {
			reason = "cancelled by operator"
		}
		t, err := core.Tickets.Cancel(ctx, args[0], reason)
		if err != nil {
			return fmt.Errorf("cancel ticket %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ticket %s %s\n", t.ID, t.State)
		return nil
	})
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
