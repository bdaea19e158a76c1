package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/helpdesk/internal/auth"
	"github.com/ent0n29/helpdesk/internal/session"
)

// PostgresStore persists sessions in PostgreSQL with one row per history message.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS helpdesk_sessions (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			last_interaction TIMESTAMPTZ NOT NULL,
			expiry TIMESTAMPTZ NOT NULL,
			auth JSONB NOT NULL,
			pending_query TEXT NOT NULL DEFAULT '',
			active_ticket_id TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_helpdesk_sessions_last ON helpdesk_sessions (last_interaction DESC);`,
		`CREATE TABLE IF NOT EXISTS helpdesk_session_messages (
			session_id TEXT NOT NULL REFERENCES helpdesk_sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (session_id, seq)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*session.Session, error) {
	rec, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT id, created_at, last_interaction, expiry, auth, pending_query, active_ticket_id
		 FROM helpdesk_sessions WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, session.ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT role, content, created_at FROM helpdesk_session_messages
		 WHERE session_id=$1 ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query session messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var msg session.Message
		var role string
		if err := rows.Scan(&role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Role = session.Role(role)
		rec.History = append(rec.History, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Save(ctx context.Context, rec *session.Session) error {
	if err := validate(rec); err != nil {
		return err
	}
	authJSON, err := json.Marshal(rec.Auth)
	if err != nil {
		return fmt.Errorf("encode auth: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO helpdesk_sessions (id, created_at, last_interaction, expiry, auth, pending_query, active_ticket_id)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (id) DO UPDATE SET
			last_interaction=EXCLUDED.last_interaction,
			expiry=EXCLUDED.expiry,
			auth=EXCLUDED.auth,
			pending_query=EXCLUDED.pending_query,
			active_ticket_id=EXCLUDED.active_ticket_id`,
		rec.ID, rec.CreatedAt, rec.LastInteraction, rec.Expiry, authJSON, rec.PendingQuery, rec.ActiveTicketID,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	// History may have shrunk after a rollback.
	if _, err := tx.Exec(ctx,
		`DELETE FROM helpdesk_session_messages WHERE session_id=$1 AND seq >= $2`,
		rec.ID, len(rec.History),
	); err != nil {
		return fmt.Errorf("trim messages: %w", err)
	}

	batch := &pgx.Batch{}
	for i, msg := range rec.History {
		batch.Queue(
			`INSERT INTO helpdesk_session_messages (session_id, seq, role, content, created_at)
			 VALUES ($1,$2,$3,$4,$5)
			 ON CONFLICT (session_id, seq) DO UPDATE SET
				role=EXCLUDED.role, content=EXCLUDED.content, created_at=EXCLUDED.created_at`,
			rec.ID, i, string(msg.Role), msg.Content, msg.Timestamp,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert messages: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM helpdesk_sessions WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListActive returns session headers without history, most recent first.
func (s *PostgresStore) ListActive(ctx context.Context) ([]*session.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, created_at, last_interaction, expiry, auth, pending_query, active_ticket_id
		 FROM helpdesk_sessions ORDER BY last_interaction DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanSession(row pgx.Row) (*session.Session, error) {
	var rec session.Session
	var authJSON []byte
	if err := row.Scan(&rec.ID, &rec.CreatedAt, &rec.LastInteraction, &rec.Expiry, &authJSON, &rec.PendingQuery, &rec.ActiveTicketID); err != nil {
		return nil, err
	}
	var ac auth.Context
	if err := json.Unmarshal(authJSON, &ac); err != nil {
		return nil, fmt.Errorf("decode auth: %w", err)
	}
	rec.Auth = ac
	rec.History = []session.Message{}
	return &rec, nil
}
