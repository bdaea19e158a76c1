package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/helpdesk/internal/session"
)

// Config controls provider construction.
type Config struct {
	Mode    string
	HTTPURL string
	Timeout time.Duration
	OpenAI  OpenAIConfig
	KBPath  string
}

// New builds the capability set for cfg.Mode:
//
//	auto   http when HTTPURL is set, else openai when an API key is set, else mock
//	http   every capability served by the remote agent service
//	openai classification, FAQ and summaries by the model; identity and account data from fixtures
//	mock   everything from the local knowledge base
func New(cfg Config) (Set, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" || mode == "auto" {
		mode = "mock"
		switch {
		case strings.TrimSpace(cfg.HTTPURL) != "":
			mode = "http"
		case strings.TrimSpace(cfg.OpenAI.APIKey) != "":
			mode = "openai"
		}
	}

	kb, err := LoadKnowledgeBase(cfg.KBPath)
	if err != nil {
		return Set{}, err
	}

	switch mode {
	case "mock":
		return NewMockSet(kb), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return Set{}, errors.New("provider HTTP url is required for http mode")
		}
		p := NewHTTPProvider(cfg.HTTPURL, cfg.Timeout)
		return Set{
			Classifier: p,
			FAQ:        p,
			Verifier:   p,
			Data:       p,
			Summarizer: NewFallbackSummarizer(p, TranscriptSummarizer{}),
			Mode:       "http",
		}, nil
	case "openai":
		p, err := NewOpenAIProvider(cfg.OpenAI, kb)
		if err != nil {
			return Set{}, err
		}
		dir := NewDirectory(kb)
		return Set{
			Classifier: p,
			FAQ:        p,
			Verifier:   dir,
			Data:       dir,
			Summarizer: NewFallbackSummarizer(p, TranscriptSummarizer{}),
			Mode:       "openai",
		}, nil
	default:
		return Set{}, fmt.Errorf("unsupported provider mode %q", cfg.Mode)
	}
}

// FallbackSummarizer tries primary first and falls back on any error other
// than caller cancellation.
type FallbackSummarizer struct {
	primary  Summarizer
	fallback Summarizer
}

func NewFallbackSummarizer(primary, fallback Summarizer) *FallbackSummarizer {
	return &FallbackSummarizer{primary: primary, fallback: fallback}
}

func (s *FallbackSummarizer) Summarize(ctx context.Context, history []session.Message) (string, error) {
	if s.primary == nil {
		return s.fallback.Summarize(ctx, history)
	}
	out, err := s.primary.Summarize(ctx, history)
	if err == nil {
		return out, nil
	}
	if errors.Is(err, context.Canceled) || s.fallback == nil {
		return "", err
	}
	fallbackOut, fallbackErr := s.fallback.Summarize(ctx, history)
	if fallbackErr != nil {
		return "", fmt.Errorf("primary summarizer error: %w; fallback summarizer error: %v", err, fallbackErr)
	}
	return fallbackOut, nil
}
