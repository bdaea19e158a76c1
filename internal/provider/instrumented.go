package provider

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ent0n29/helpdesk/internal/auth"
	"github.com/ent0n29/helpdesk/internal/observability"
	"github.com/ent0n29/helpdesk/internal/routing"
	"github.com/ent0n29/helpdesk/internal/session"
)

var tracer = otel.Tracer("helpdesk.provider")

// Instrument wraps every capability in s with a span and call metrics.
func Instrument(s Set, metrics *observability.Metrics) Set {
	w := &instrumented{set: s, metrics: metrics}
	return Set{
		Classifier: w,
		FAQ:        w,
		Verifier:   w,
		Data:       w,
		Summarizer: w,
		Mode:       s.Mode,
	}
}

type instrumented struct {
	set     Set
	metrics *observability.Metrics
}

func (w *instrumented) observe(ctx context.Context, capability string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "provider."+capability)
	span.SetAttributes(attribute.String("provider.mode", w.set.Mode))
	start := time.Now()
	err := fn(ctx)
	w.metrics.ObserveProviderCall(capability, outcome(err), time.Since(start))
	observability.EndSpan(span, err)
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrUnknownIdentity):
		return "unknown_identity"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

func (w *instrumented) Classify(ctx context.Context, message string, history []session.Message) (routing.Classification, error) {
	var out routing.Classification
	err := w.observe(ctx, "classify", func(ctx context.Context) error {
		var err error
		out, err = w.set.Classifier.Classify(ctx, message, history)
		return err
	})
	return out, err
}

func (w *instrumented) AnswerFAQ(ctx context.Context, message string, history []session.Message) (string, error) {
	var out string
	err := w.observe(ctx, "faq", func(ctx context.Context) error {
		var err error
		out, err = w.set.FAQ.AnswerFAQ(ctx, message, history)
		return err
	})
	return out, err
}

func (w *instrumented) LookupIdentity(ctx context.Context, info string) (Identity, error) {
	var out Identity
	err := w.observe(ctx, "lookup_identity", func(ctx context.Context) error {
		var err error
		out, err = w.set.Verifier.LookupIdentity(ctx, info)
		return err
	})
	return out, err
}

func (w *instrumented) IssueVerificationQuestion(ctx context.Context, ac auth.Context) (Question, error) {
	var out Question
	err := w.observe(ctx, "issue_question", func(ctx context.Context) error {
		var err error
		out, err = w.set.Verifier.IssueVerificationQuestion(ctx, ac)
		return err
	})
	return out, err
}

func (w *instrumented) CheckAnswer(ctx context.Context, ac auth.Context, answer string) (bool, error) {
	var out bool
	err := w.observe(ctx, "check_answer", func(ctx context.Context) error {
		var err error
		out, err = w.set.Verifier.CheckAnswer(ctx, ac, answer)
		return err
	})
	return out, err
}

func (w *instrumented) AnswerAccountQuery(ctx context.Context, message string, ac auth.Context) (string, error) {
	var out string
	err := w.observe(ctx, "account_query", func(ctx context.Context) error {
		var err error
		out, err = w.set.Data.AnswerAccountQuery(ctx, message, ac)
		return err
	})
	return out, err
}

func (w *instrumented) Summarize(ctx context.Context, history []session.Message) (string, error) {
	var out string
	err := w.observe(ctx, "summarize", func(ctx context.Context) error {
		var err error
		out, err = w.set.Summarizer.Summarize(ctx, history)
		return err
	})
	return out, err
}
