package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps tickets and the agent queue in PostgreSQL. Human
// tooling replies by setting helpdesk_handoff_queue.reply.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initTicketSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initTicketSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS helpdesk_tickets (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			original_question TEXT NOT NULL DEFAULT '',
			escalation_reason TEXT NOT NULL DEFAULT '',
			suggested_department TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			auth_snapshot JSONB NOT NULL,
			resolution TEXT NOT NULL DEFAULT '',
			late_reply TEXT NOT NULL DEFAULT '',
			close_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_helpdesk_tickets_session_created ON helpdesk_tickets (session_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS helpdesk_handoff_queue (
			ticket_id TEXT PRIMARY KEY REFERENCES helpdesk_tickets(id) ON DELETE CASCADE,
			enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			reply TEXT NULL,
			replied_at TIMESTAMPTZ NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init ticket schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTicket(ctx context.Context, t Ticket) error {
	snapshot, err := json.Marshal(t.AuthSnapshot)
	if err != nil {
		return fmt.Errorf("marshal auth snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO helpdesk_tickets (
			id, session_id, summary, original_question, escalation_reason, suggested_department,
			state, auth_snapshot, resolution, late_reply, close_reason, created_at, updated_at, closed_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
		)
		ON CONFLICT (id) DO UPDATE SET
			summary=EXCLUDED.summary,
			state=EXCLUDED.state,
			auth_snapshot=EXCLUDED.auth_snapshot,
			resolution=EXCLUDED.resolution,
			late_reply=EXCLUDED.late_reply,
			close_reason=EXCLUDED.close_reason,
			updated_at=EXCLUDED.updated_at,
			closed_at=EXCLUDED.closed_at`,
		t.ID,
		t.SessionID,
		t.Summary,
		t.OriginalQuestion,
		t.EscalationReason,
		t.SuggestedDepartment,
		string(t.State),
		snapshot,
		t.Resolution,
		t.LateReply,
		t.CloseReason,
		t.CreatedAt,
		t.UpdatedAt,
		t.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert ticket: %w", err)
	}
	return nil
}

const ticketColumns = `id, session_id, summary, original_question, escalation_reason, suggested_department,
	state, auth_snapshot, resolution, late_reply, close_reason, created_at, updated_at, closed_at`

func (s *PostgresStore) GetTicket(ctx context.Context, id string) (Ticket, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM helpdesk_tickets WHERE id=$1`, strings.TrimSpace(id))
	t, err := scanTicket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Ticket{}, ErrNotFound
	}
	return t, err
}

func (s *PostgresStore) ListTickets(ctx context.Context, sessionID string, limit int) ([]Ticket, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + ticketColumns + ` FROM helpdesk_tickets`
	args := []any{limit}
	if sessionID != "" {
		query += ` WHERE session_id=$2`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	out := make([]Ticket, 0, limit)
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Enqueue(ctx context.Context, t Ticket) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO helpdesk_handoff_queue (ticket_id) VALUES ($1) ON CONFLICT (ticket_id) DO NOTHING`, t.ID)
	if err != nil {
		return fmt.Errorf("enqueue ticket: %w", err)
	}
	return nil
}

func (s *PostgresStore) Poll(ctx context.Context, ticketID string) (string, bool, error) {
	var reply *string
	err := s.pool.QueryRow(ctx,
		`DELETE FROM helpdesk_handoff_queue WHERE ticket_id=$1 AND reply IS NOT NULL RETURNING reply`, ticketID).Scan(&reply)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("poll queue: %w", err)
	}
	if reply == nil {
		return "", false, nil
	}
	return *reply, true, nil
}

func (s *PostgresStore) Reply(ctx context.Context, ticketID, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE helpdesk_handoff_queue SET reply=$2, replied_at=now() WHERE ticket_id=$1`, ticketID, message)
	if err != nil {
		return fmt.Errorf("reply ticket: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Remove(ctx context.Context, ticketID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM helpdesk_handoff_queue WHERE ticket_id=$1`, ticketID); err != nil {
		return fmt.Errorf("remove queued ticket: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanTicket(row pgx.Row) (Ticket, error) {
	var (
		t        Ticket
		state    string
		snapshot []byte
	)
	if err := row.Scan(
		&t.ID,
		&t.SessionID,
		&t.Summary,
		&t.OriginalQuestion,
		&t.EscalationReason,
		&t.SuggestedDepartment,
		&state,
		&snapshot,
		&t.Resolution,
		&t.LateReply,
		&t.CloseReason,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.ClosedAt,
	); err != nil {
		return Ticket{}, err
	}
	t.State = State(state)
	if err := json.Unmarshal(snapshot, &t.AuthSnapshot); err != nil {
		return Ticket{}, fmt.Errorf("decode auth snapshot: %w", err)
	}
	return t, nil
}
