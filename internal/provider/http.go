package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/helpdesk/internal/auth"
	"github.com/ent0n29/helpdesk/internal/reliability"
	"github.com/ent0n29/helpdesk/internal/routing"
	"github.com/ent0n29/helpdesk/internal/session"
)

// HTTPProvider forwards every capability to a remote agent service exposing
// one JSON endpoint per capability under a base URL.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type historyPayload struct {
	Message string            `json:"message,omitempty"`
	History []session.Message `json:"history,omitempty"`
}

type authPayload struct {
	Message string       `json:"message,omitempty"`
	Answer  string       `json:"answer,omitempty"`
	Auth    auth.Context `json:"auth"`
}

func (p *HTTPProvider) Classify(ctx context.Context, message string, history []session.Message) (routing.Classification, error) {
	var out routing.Classification
	if err := p.post(ctx, "/classify", historyPayload{Message: message, History: history}, &out); err != nil {
		return routing.Classification{}, err
	}
	if !out.Category.Valid() {
		out.Category = routing.CategoryOutOfScope
	}
	return out, nil
}

func (p *HTTPProvider) AnswerFAQ(ctx context.Context, message string, history []session.Message) (string, error) {
	return p.postText(ctx, "/faq", historyPayload{Message: message, History: history})
}

func (p *HTTPProvider) LookupIdentity(ctx context.Context, info string) (Identity, error) {
	var out Identity
	err := p.post(ctx, "/identity/lookup", map[string]string{"info": info}, &out)
	if err != nil {
		return Identity{}, err
	}
	if strings.TrimSpace(out.UserID) == "" {
		return Identity{}, ErrUnknownIdentity
	}
	return out, nil
}

func (p *HTTPProvider) IssueVerificationQuestion(ctx context.Context, ac auth.Context) (Question, error) {
	var out Question
	if err := p.post(ctx, "/identity/question", authPayload{Auth: ac}, &out); err != nil {
		return Question{}, err
	}
	if strings.TrimSpace(out.Factor) == "" {
		return Question{}, fmt.Errorf("%w: empty verification factor", ErrUnavailable)
	}
	return out, nil
}

func (p *HTTPProvider) CheckAnswer(ctx context.Context, ac auth.Context, answer string) (bool, error) {
	var out struct {
		Correct bool `json:"correct"`
	}
	if err := p.post(ctx, "/identity/check", authPayload{Auth: ac, Answer: answer}, &out); err != nil {
		return false, err
	}
	return out.Correct, nil
}

func (p *HTTPProvider) AnswerAccountQuery(ctx context.Context, message string, ac auth.Context) (string, error) {
	return p.postText(ctx, "/account/query", authPayload{Message: message, Auth: ac})
}

func (p *HTTPProvider) Summarize(ctx context.Context, history []session.Message) (string, error) {
	return p.postText(ctx, "/summarize", historyPayload{History: history})
}

func (p *HTTPProvider) postText(ctx context.Context, path string, in any) (string, error) {
	var obj map[string]any
	if err := p.post(ctx, path, in, &obj); err != nil {
		return "", err
	}
	text := strings.TrimSpace(extractText(obj))
	if text == "" {
		return "", fmt.Errorf("%w: empty response from %s", ErrUnavailable, path)
	}
	return text, nil
}

func (p *HTTPProvider) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := p.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return fmt.Errorf("%w: send request: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return statusError(path, res.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrUnavailable, path, err)
	}
	return nil
}

func statusError(path string, code int, body string) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %s status %d", ErrUnauthorized, path, code)
	case code == http.StatusNotFound && strings.HasPrefix(path, "/identity/lookup"):
		return ErrUnknownIdentity
	case reliability.IsRetryableHTTPStatus(code):
		return fmt.Errorf("%w: %s status %d: %s", ErrUnavailable, path, code, body)
	default:
		return fmt.Errorf("provider %s status %d: %s", path, code, body)
	}
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "answer", "summary", "output", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
