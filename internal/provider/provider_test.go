package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/helpdesk/internal/auth"
	"github.com/ent0n29/helpdesk/internal/routing"
	"github.com/ent0n29/helpdesk/internal/session"
)

func defaultKB(t *testing.T) KnowledgeBase {
	t.Helper()
	kb, err := LoadKnowledgeBase("")
	require.NoError(t, err)
	return kb
}

func TestKeywordClassifier(t *testing.T) {
	c := NewKeywordClassifier(defaultKB(t))
	cases := []struct {
		msg  string
		want routing.Category
	}{
		{"I want to talk to a real person", routing.CategoryHumanRequested},
		{"What is my balance?", routing.CategoryAccountData},
		{"Please cancel my subscription", routing.CategoryServiceRequest},
		{"What payment methods do you accept?", routing.CategoryBillingFAQ},
		{"Is there a late fee?", routing.CategoryBillingFAQ},
		{"What's the weather tomorrow?", routing.CategoryOutOfScope},
	}
	for _, tc := range cases {
		got, err := c.Classify(context.Background(), tc.msg, nil)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got.Category, tc.msg)
	}

	got, _ := c.Classify(context.Background(), "what is my balance", nil)
	assert.True(t, got.RequiresAuth)
	assert.Equal(t, "balance", got.QuestionType)
	assert.GreaterOrEqual(t, got.Confidence, routing.MinConfidence)

	got, _ = c.Classify(context.Background(), "tell me a joke", nil)
	assert.Less(t, got.Confidence, routing.MinConfidence)
}

func TestKBAnswerer(t *testing.T) {
	a := NewKBAnswerer(defaultKB(t))
	out, err := a.AnswerFAQ(context.Background(), "how do I set up autopay?", nil)
	require.NoError(t, err)
	assert.Contains(t, out, "Autopay")

	out, err = a.AnswerFAQ(context.Background(), "unrelated", nil)
	require.NoError(t, err)
	assert.Equal(t, noFAQAnswer, out)
}

func TestDirectoryVerification(t *testing.T) {
	ctx := context.Background()
	d := NewDirectory(defaultKB(t))

	_, err := d.LookupIdentity(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrUnknownIdentity)

	id, err := d.LookupIdentity(ctx, "my email is Jane@Example.com")
	require.NoError(t, err)
	assert.Equal(t, "cust-1001", id.UserID)

	id, err = d.LookupIdentity(ctx, "(555) 765-4321")
	require.NoError(t, err)
	assert.Equal(t, "cust-1002", id.UserID)

	ac := auth.Context{State: auth.StateIdentityProvided, UserID: "cust-1001"}
	q, err := d.IssueVerificationQuestion(ctx, ac)
	require.NoError(t, err)
	assert.Equal(t, "date_of_birth", q.Factor)
	assert.NotEmpty(t, q.Prompt)

	ac.State = auth.StateVerifying
	ac.CurrentFactor = q.Factor
	ok, err := d.CheckAnswer(ctx, ac, "1990/04/12")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = d.CheckAnswer(ctx, ac, "1991-01-01")
	require.NoError(t, err)
	assert.False(t, ok)

	// retry asks the same factor again
	again, err := d.IssueVerificationQuestion(ctx, ac)
	require.NoError(t, err)
	assert.Equal(t, "date_of_birth", again.Factor)

	ac.VerifiedFactors = []string{"date_of_birth"}
	ac.CurrentFactor = ""
	next, err := d.IssueVerificationQuestion(ctx, ac)
	require.NoError(t, err)
	assert.Equal(t, "postal_code", next.Factor)
}

func TestDirectoryAccountQueryRequiresAuth(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	d := NewDirectory(defaultKB(t))
	d.now = func() time.Time { return now }

	_, err := d.AnswerAccountQuery(ctx, "what is my balance", auth.Context{State: auth.StateVerifying, UserID: "cust-1001"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	exp := now.Add(time.Minute)
	ac := auth.Context{State: auth.StateAuthenticated, UserID: "cust-1001", ExpiresAt: &exp}
	out, err := d.AnswerAccountQuery(ctx, "what is my balance", ac)
	require.NoError(t, err)
	assert.Contains(t, out, "42.17")

	stale := now.Add(-time.Minute)
	ac.ExpiresAt = &stale
	_, err = d.AnswerAccountQuery(ctx, "what is my balance", ac)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestParseKnowledgeBaseValidates(t *testing.T) {
	_, err := ParseKnowledgeBase([]byte("faq: []\n"))
	assert.Error(t, err)

	_, err = ParseKnowledgeBase([]byte(`
faq:
  - id: a
    keywords: [x]
    answer: y
customers:
  - id: c1
`))
	assert.Error(t, err, "customer without factors")

	kb, err := ParseKnowledgeBase([]byte(`
faq:
  - id: a
    keywords: [refund]
    answer: Refunds take five days.
`))
	require.NoError(t, err)
	assert.Len(t, kb.FAQ, 1)
}

func TestHTTPProviderStatusMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/classify":
			_ = json.NewEncoder(w).Encode(routing.Classification{Category: routing.CategoryBillingFAQ, Confidence: 0.9})
		case "/faq":
			_ = json.NewEncoder(w).Encode(map[string]string{"text": "Pay by card."})
		case "/account/query":
			w.WriteHeader(http.StatusUnauthorized)
		case "/summarize":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/identity/lookup":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL+"/", time.Second)
	ctx := context.Background()

	c, err := p.Classify(ctx, "how do I pay", nil)
	require.NoError(t, err)
	assert.Equal(t, routing.CategoryBillingFAQ, c.Category)

	text, err := p.AnswerFAQ(ctx, "how do I pay", nil)
	require.NoError(t, err)
	assert.Equal(t, "Pay by card.", text)

	_, err = p.AnswerAccountQuery(ctx, "balance", auth.Context{})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = p.Summarize(ctx, nil)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsRetryable(err))

	_, err = p.LookupIdentity(ctx, "jane")
	assert.ErrorIs(t, err, ErrUnknownIdentity)

	_, err = p.CheckAnswer(ctx, auth.Context{}, "x")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnavailable))
}

func TestHTTPProviderUnreachableIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPProvider(url, time.Second).Classify(context.Background(), "x", nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

type stubSummarizer struct {
	out string
	err error
}

func (s stubSummarizer) Summarize(context.Context, []session.Message) (string, error) {
	return s.out, s.err
}

func TestFallbackSummarizer(t *testing.T) {
	history := []session.Message{{Role: session.RoleUser, Content: "my internet is down"}}

	s := NewFallbackSummarizer(stubSummarizer{err: ErrUnavailable}, TranscriptSummarizer{})
	out, err := s.Summarize(context.Background(), history)
	require.NoError(t, err)
	assert.Contains(t, out, "my internet is down")

	s = NewFallbackSummarizer(stubSummarizer{out: "remote"}, TranscriptSummarizer{})
	out, err = s.Summarize(context.Background(), history)
	require.NoError(t, err)
	assert.Equal(t, "remote", out)

	s = NewFallbackSummarizer(stubSummarizer{err: context.Canceled}, TranscriptSummarizer{})
	_, err = s.Summarize(context.Background(), history)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewAutoSelectsMode(t *testing.T) {
	set, err := New(Config{Mode: "auto"})
	require.NoError(t, err)
	assert.Equal(t, "mock", set.Mode)
	require.NoError(t, set.Validate())

	set, err = New(Config{Mode: "auto", HTTPURL: "http://agents.local"})
	require.NoError(t, err)
	assert.Equal(t, "http", set.Mode)

	set, err = New(Config{Mode: "auto", OpenAI: OpenAIConfig{APIKey: "sk-test"}})
	require.NoError(t, err)
	assert.Equal(t, "openai", set.Mode)

	_, err = New(Config{Mode: "http"})
	assert.Error(t, err)
	_, err = New(Config{Mode: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestDigest(t *testing.T) {
	assert.Equal(t, "No conversation history.", Digest(nil))
	out := Digest([]session.Message{
		{Role: session.RoleUser, Content: "hello"},
		{Role: session.RoleAssistant, Content: "hi"},
		{Role: session.RoleUser, Content: strings.Repeat("x", 300)},
	})
	assert.Contains(t, out, "3 messages (2 from customer)")
	assert.Contains(t, out, "...")
}
