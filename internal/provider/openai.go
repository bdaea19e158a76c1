package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/ent0n29/helpdesk/internal/reliability"
	"github.com/ent0n29/helpdesk/internal/routing"
	"github.com/ent0n29/helpdesk/internal/session"
)

const classifyPrompt = `You classify customer support messages for a billing helpdesk.
Reply with a JSON object: {"category": one of "billing_faq","account_data","service_request","out_of_scope","human_requested",
"confidence": number 0..1, "requires_auth": bool, "question_type": short string, "reasoning": short string}.
account_data means the customer asks about their own account (balance, payments, plan) and requires_auth is true.
human_requested means the customer explicitly asks for a person.`

const summarizePrompt = `Summarize this support conversation for a human agent taking over.
State the customer's goal, what was already tried and any verified identity in at most five sentences.`

// OpenAIProvider backs classification, FAQ answers and summaries with a chat
// completion model. FAQ answers are grounded on the knowledge base entries.
type OpenAIProvider struct {
	client *openai.Client
	model  string
	faq    []FAQEntry
}

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

func NewOpenAIProvider(cfg OpenAIConfig, kb KnowledgeBase) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		faq:    kb.FAQ,
	}, nil
}

func (p *OpenAIProvider) Classify(ctx context.Context, message string, history []session.Message) (routing.Classification, error) {
	msgs := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: classifyPrompt}}
	msgs = append(msgs, toChatMessages(history)...)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: message})

	content, err := p.complete(ctx, openai.ChatCompletionRequest{
		Model:          p.model,
		Messages:       msgs,
		Temperature:    0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return routing.Classification{}, err
	}

	var out routing.Classification
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return routing.Classification{}, fmt.Errorf("%w: decode classification: %v", ErrUnavailable, err)
	}
	if !out.Category.Valid() {
		out.Category = routing.CategoryOutOfScope
	}
	out.Confidence = clamp01(out.Confidence)
	return out, nil
}

func (p *OpenAIProvider) AnswerFAQ(ctx context.Context, message string, history []session.Message) (string, error) {
	var kb strings.Builder
	kb.WriteString("Answer only from these billing FAQ entries. If none applies, say you don't know and offer a human agent.\n")
	for _, e := range p.faq {
		fmt.Fprintf(&kb, "Q: %s\nA: %s\n", e.Question, strings.TrimSpace(e.Answer))
	}
	msgs := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: kb.String()}}
	msgs = append(msgs, toChatMessages(history)...)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: message})
	return p.complete(ctx, openai.ChatCompletionRequest{Model: p.model, Messages: msgs})
}

func (p *OpenAIProvider) Summarize(ctx context.Context, history []session.Message) (string, error) {
	var transcript strings.Builder
	for _, m := range history {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
	}
	return p.complete(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summarizePrompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript.String()},
		},
	})
}

func (p *OpenAIProvider) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", normalizeOpenAIError(ctx, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("%w: openai returned no choices", ErrUnavailable)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func normalizeOpenAIError(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	code := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		code = reqErr.HTTPStatusCode
	}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		// Credential problems are configuration errors, not customer auth failures.
		return fmt.Errorf("openai rejected credentials (status %d): %w", code, err)
	case code == 0 || reliability.IsRetryableHTTPStatus(code):
		return fmt.Errorf("%w: openai: %v", ErrUnavailable, err)
	default:
		return fmt.Errorf("openai call failed: %w", err)
	}
}

func toChatMessages(history []session.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Role == session.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
