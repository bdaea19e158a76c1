package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/helpdesk/internal/auth"
	"github.com/ent0n29/helpdesk/internal/session"
)

func sampleSession(id string, at time.Time) *session.Session {
	authAt := at.Add(-time.Minute)
	exp := authAt.Add(15 * time.Minute)
	return &session.Session{
		ID:              id,
		CreatedAt:       at.Add(-5 * time.Minute),
		LastInteraction: at,
		Expiry:          at.Add(30 * time.Minute),
		Auth: auth.Context{
			State:           auth.StateAuthenticated,
			IdentifyingInfo: "jane@example.com",
			UserID:          "cust-1",
			VerifiedFactors: []string{"date_of_birth", "postal_code"},
			AuthenticatedAt: &authAt,
			ExpiresAt:       &exp,
		},
		PendingQuery: "",
		History: []session.Message{
			{Role: session.RoleUser, Content: "what is my balance", Timestamp: at.Add(-2 * time.Minute)},
			{Role: session.RoleAssistant, Content: "Your balance is 42.00", Timestamp: at.Add(-time.Minute)},
		},
		ActiveTicketID: "",
	}
}

func runStoreSuite(t *testing.T, st session.Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("missing", func(t *testing.T) {
		_, err := st.Get(ctx, "nope")
		assert.ErrorIs(t, err, session.ErrNotFound)
	})

	t.Run("save and get", func(t *testing.T) {
		in := sampleSession("s1", now)
		require.NoError(t, st.Save(ctx, in))

		got, err := st.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, in.ID, got.ID)
		assert.True(t, in.Expiry.Equal(got.Expiry))
		assert.Equal(t, auth.StateAuthenticated, got.Auth.State)
		assert.Equal(t, []string{"date_of_birth", "postal_code"}, got.Auth.VerifiedFactors)
		require.Len(t, got.History, 2)
		assert.Equal(t, "what is my balance", got.History[0].Content)
		assert.Equal(t, session.RoleAssistant, got.History[1].Role)
	})

	t.Run("save is idempotent and overwrites", func(t *testing.T) {
		in := sampleSession("s1", now)
		in.History = in.History[:1]
		in.PendingQuery = "pending"
		require.NoError(t, st.Save(ctx, in))
		require.NoError(t, st.Save(ctx, in))

		got, err := st.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, got.History, 1)
		assert.Equal(t, "pending", got.PendingQuery)
	})

	t.Run("returned records are copies", func(t *testing.T) {
		got, err := st.Get(ctx, "s1")
		require.NoError(t, err)
		got.History = append(got.History, session.Message{Role: session.RoleUser, Content: "mutated"})
		again, err := st.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, again.History, 1)
	})

	t.Run("list active", func(t *testing.T) {
		require.NoError(t, st.Save(ctx, sampleSession("s2", now.Add(time.Minute))))
		list, err := st.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "s2", list[0].ID)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, st.Delete(ctx, "s2"))
		require.NoError(t, st.Delete(ctx, "s2"))
		_, err := st.Get(ctx, "s2")
		assert.ErrorIs(t, err, session.ErrNotFound)
	})

	t.Run("rejects empty id", func(t *testing.T) {
		assert.ErrorIs(t, st.Save(ctx, &session.Session{}), ErrInvalidSession)
	})
}

func TestInMemoryStore(t *testing.T) {
	runStoreSuite(t, NewInMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	st, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	runStoreSuite(t, st)
}

func TestBadgerStore(t *testing.T) {
	st, err := NewBadgerStore(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	runStoreSuite(t, st)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	st, err := NewPostgresStore(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = st.Delete(context.Background(), "s1")
		_ = st.Delete(context.Background(), "s2")
		_ = st.Close()
	})
	runStoreSuite(t, st)
}

func TestNewSelectsBackend(t *testing.T) {
	st, err := New(context.Background(), Config{Backend: "auto"})
	require.NoError(t, err)
	assert.IsType(t, &InMemoryStore{}, st)

	st, err = New(context.Background(), Config{Backend: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, st)
	require.NoError(t, st.Close())

	_, err = New(context.Background(), Config{Backend: "redis"})
	assert.Error(t, err)
}
