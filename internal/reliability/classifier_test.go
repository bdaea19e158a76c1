package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{401, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 250 * time.Millisecond
	capDur := 2 * time.Second
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

var errFlaky = errors.New("flaky")

func TestRetryStopsAfterBudget(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Policy{Retries: 1, Base: time.Millisecond, Cap: time.Millisecond}, nil, func(context.Context) error {
		calls++
		return errFlaky
	})
	if !errors.Is(err, errFlaky) {
		t.Fatalf("Retry() error = %v, want %v", err, errFlaky)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestRetrySucceedsOnSecondAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Policy{Retries: 3, Base: time.Millisecond, Cap: time.Millisecond}, nil, func(context.Context) error {
		calls++
		if calls < 2 {
			return errFlaky
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestRetrySkipsNonRetryable(t *testing.T) {
	calls := 0
	permanent := errors.New("permanent")
	err := Retry(context.Background(), Policy{Retries: 3, Base: time.Millisecond, Cap: time.Millisecond},
		func(err error) bool { return errors.Is(err, errFlaky) },
		func(context.Context) error {
			calls++
			return permanent
		})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("Retry() = (%v, calls=%d), want permanent after 1 call", err, calls)
	}
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Retry(ctx, Policy{Retries: 5, Base: time.Hour, Cap: time.Hour}, nil, func(context.Context) error {
		calls++
		return errFlaky
	})
	if !errors.Is(err, errFlaky) || calls != 1 {
		t.Fatalf("Retry() = (%v, calls=%d), want flaky after 1 call", err, calls)
	}
}
