package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"regexp"
	"strings"
	"time"
)

// ErrorClass is the retry-relevant classification of provider errors.
type ErrorClass int

const (
	// ClassPermanent errors are not retried; another attempt would fail the
	// same way.
	ClassPermanent ErrorClass = iota
	// ClassTransient errors are retried with backoff.
	ClassTransient
	// ClassQuota errors mean the key is out of quota; retrying would burn
	// attempts for no gain, so the caller rotates keys instead.
	ClassQuota
)

// String returns a human-readable class name.
func (c ErrorClass) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassTransient:
		return "transient"
	case ClassQuota:
		return "quota"
	default:
		return "unknown"
	}
}

// Provider SDKs rarely expose typed errors for capacity problems, so
// classification goes by error text. Quota phrases win over transient ones:
// "rate limit exceeded, retry after 30s" must rotate keys, not retry.
var (
	quotaPhrases     = []string{"quota", "rate limit", "api limit"}
	transientPhrases = []string{"timeout", "temporarily unavailable", "connection reset"}
	serverErrPattern = regexp.MustCompile(`\b5\d{2}\b`)
)

// Classify buckets err for retry decisions. Quota phrases are checked first,
// then transient phrases and 5xx status codes; anything unrecognized is
// treated as permanent.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	msg := strings.ToLower(err.Error())
	for _, p := range quotaPhrases {
		if strings.Contains(msg, p) {
			return ClassQuota
		}
	}
	for _, p := range transientPhrases {
		if strings.Contains(msg, p) {
			return ClassTransient
		}
	}
	if serverErrPattern.MatchString(msg) {
		return ClassTransient
	}
	return ClassPermanent
}

// RetryConfig configures [Retryer]. Zero fields fall back to
// [DefaultRetryConfig] values.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// InitialDelay is the backoff before the second attempt.
	InitialDelay time.Duration
	// MaxDelay caps the backoff regardless of attempt count.
	MaxDelay time.Duration
	// Multiplier grows the delay between consecutive attempts.
	Multiplier float64
	// JitterFrac randomizes each delay by ±JitterFrac of its value.
	JitterFrac float64
}

// DefaultRetryConfig returns the production defaults: 3 attempts, 4 s initial
// delay doubling per attempt, ±20% jitter, capped at 60 s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 4 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
		JitterFrac:   0.2,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = def.Multiplier
	}
	if c.JitterFrac < 0 {
		c.JitterFrac = 0
	}
	return c
}

// Retryer re-runs an operation on transient failures with jittered
// exponential backoff. Quota and permanent errors abort immediately so the
// caller can rotate keys or give up.
//
// Retryer is safe for concurrent use.
type Retryer struct {
	cfg  RetryConfig
	rand func() float64
}

// RetryOption customizes a [Retryer].
type RetryOption func(*Retryer)

// WithRetryRand overrides the jitter source. Tests use this to make delays
// deterministic.
func WithRetryRand(fn func() float64) RetryOption {
	return func(r *Retryer) {
		r.rand = fn
	}
}

// NewRetryer creates a Retryer. Zero fields of cfg fall back to
// [DefaultRetryConfig] values.
func NewRetryer(cfg RetryConfig, opts ...RetryOption) *Retryer {
	r := &Retryer{cfg: cfg.withDefaults(), rand: rand.Float64}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Delay returns the jittered backoff that follows the given 1-based attempt.
func (r *Retryer) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(r.cfg.InitialDelay) * math.Pow(r.cfg.Multiplier, float64(attempt-1))
	if f := r.cfg.JitterFrac; f > 0 {
		d *= 1 + f*(2*r.rand()-1)
	}
	if max := float64(r.cfg.MaxDelay); d > max {
		d = max
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Do runs fn until it succeeds, fails non-transiently, exhausts the attempt
// budget, or ctx is cancelled. The returned error wraps fn's last error, so
// callers can still classify it.
func (r *Retryer) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("operation recovered", "op", op, "attempt", attempt)
			}
			return nil
		}
		lastErr = err
		if class := Classify(err); class != ClassTransient {
			slog.Debug("not retrying", "op", op, "class", class.String(), "error", err)
			return err
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}
		delay := r.Delay(attempt)
		slog.Warn("transient failure, backing off",
			"op", op, "attempt", attempt, "delay", delay.Round(time.Millisecond), "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", op, r.cfg.MaxAttempts, lastErr)
}
