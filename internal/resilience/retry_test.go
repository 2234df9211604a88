package resilience

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorClass
	}{
		{"quota exceeded for metric generate_requests", ClassQuota},
		{"Rate limit reached for requests", ClassQuota},
		{"API limit hit, slow down", ClassQuota},
		{"429 rate limit, retry after 30s", ClassQuota},
		{"dial tcp: i/o timeout", ClassTransient},
		{"the model is temporarily unavailable", ClassTransient},
		{"read: connection reset by peer", ClassTransient},
		{"upstream returned HTTP 503", ClassTransient},
		{"unexpected status 500", ClassTransient},
		{"responded in 500ms", ClassPermanent},
		{"invalid request: unknown model", ClassPermanent},
		{"context canceled", ClassPermanent},
	}
	for _, tt := range tests {
		if got := Classify(errors.New(tt.msg)); got != tt.want {
			t.Errorf("Classify(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}

	if got := Classify(nil); got != ClassPermanent {
		t.Errorf("Classify(nil) = %v, want permanent", got)
	}
	if got := Classify(context.DeadlineExceeded); got != ClassTransient {
		t.Errorf("Classify(DeadlineExceeded) = %v, want transient", got)
	}
	wrapped := errors.Join(errors.New("transcribe failed"), context.DeadlineExceeded)
	if got := Classify(wrapped); got != ClassTransient {
		t.Errorf("Classify(wrapped deadline) = %v, want transient", got)
	}
}

// fastRetry keeps test backoffs in the microsecond range.
func fastRetry(opts ...RetryOption) *Retryer {
	cfg := RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Microsecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   2,
		JitterFrac:   0.2,
	}
	return NewRetryer(cfg, opts...)
}

func TestRetryer_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := fastRetry().Do(context.Background(), "op", func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryer_RetriesTransient(t *testing.T) {
	calls := 0
	err := fastRetry().Do(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("upstream returned HTTP 503")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryer_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := fastRetry().Do(context.Background(), "transcribe", func(context.Context) error {
		calls++
		return errors.New("request timeout")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !strings.Contains(err.Error(), "giving up after 3 attempts") {
		t.Errorf("error %q does not mention exhausted attempts", err)
	}
	// The wrapped error still classifies as transient for upstream handling.
	if got := Classify(err); got != ClassTransient {
		t.Errorf("Classify(exhausted) = %v, want transient", got)
	}
}

func TestRetryer_QuotaAbortsImmediately(t *testing.T) {
	errQuota := errors.New("daily quota exceeded")
	calls := 0
	err := fastRetry().Do(context.Background(), "op", func(context.Context) error {
		calls++
		return errQuota
	})
	if !errors.Is(err, errQuota) {
		t.Fatalf("err = %v, want the original quota error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (quota errors must not be retried)", calls)
	}
	if got := Classify(err); got != ClassQuota {
		t.Errorf("Classify = %v, want quota", got)
	}
}

func TestRetryer_PermanentAbortsImmediately(t *testing.T) {
	calls := 0
	err := fastRetry().Do(context.Background(), "op", func(context.Context) error {
		calls++
		return errors.New("invalid argument: bad audio uri")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (unknown errors must not be retried)", calls)
	}
}

func TestRetryer_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := fastRetry().Do(ctx, "op", func(context.Context) error {
		calls++
		return errors.New("timeout")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0 with a pre-cancelled context", calls)
	}
}

func TestRetryer_Delay(t *testing.T) {
	// rand = 0.5 means zero jitter.
	r := NewRetryer(RetryConfig{}, WithRetryRand(func() float64 { return 0.5 }))

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
		{4, 32 * time.Second},
		{5, 60 * time.Second}, // 64s capped
		{9, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := r.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	// Jitter spans ±20% of the base delay.
	low := NewRetryer(RetryConfig{}, WithRetryRand(func() float64 { return 0 }))
	if got, want := low.Delay(1), 3200*time.Millisecond; got != want {
		t.Errorf("Delay(1) with rand=0 is %v, want %v", got, want)
	}
	high := NewRetryer(RetryConfig{}, WithRetryRand(func() float64 { return 1 }))
	if got, want := high.Delay(1), 4800*time.Millisecond; got != want {
		t.Errorf("Delay(1) with rand=1 is %v, want %v", got, want)
	}
}
