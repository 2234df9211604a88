// Package keyring hands out API keys for outbound LLM calls, rotating across
// the configured keys while honoring quota limits and circuit breakers.
//
// Rotation is sticky: the cursor stays on the key that last served a
// reservation and only moves past keys that are cooling down or out of
// budget, so one healthy key serves consecutive calls instead of spraying
// requests across the whole ring. The cursor is persisted between runs so
// restarts do not stampede the first key in the list.
package keyring

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/podweave/podweave/internal/quota"
	"github.com/podweave/podweave/internal/resilience"
)

// ErrNoKeys means the manager was constructed without any API keys.
var ErrNoKeys = errors.New("keyring: no api keys configured")

// Key pairs a stable identifier with an API secret. The ID is what appears
// in state files and logs; the secret never does.
type Key struct {
	ID     string
	Secret string
}

// NoKeyError reports that every key was skipped during one acquisition pass,
// broken down by why. RetryAfter is the soonest any skipped key might admit
// a call again: the earliest minute-window expiry or breaker recovery. It is
// zero when only daily budgets are in the way.
type NoKeyError struct {
	Open           int
	MinuteRejected int
	DayRejected    int
	RetryAfter     time.Duration
	Reasons        []error
}

func (e *NoKeyError) Error() string {
	parts := make([]string, 0, 3)
	if e.Open > 0 {
		parts = append(parts, fmt.Sprintf("%d cooling down", e.Open))
	}
	if e.MinuteRejected > 0 {
		parts = append(parts, fmt.Sprintf("%d over the minute window", e.MinuteRejected))
	}
	if e.DayRejected > 0 {
		parts = append(parts, fmt.Sprintf("%d out of daily budget", e.DayRejected))
	}
	if len(parts) == 0 {
		return "keyring: no usable api key"
	}
	return "keyring: no usable api key (" + strings.Join(parts, ", ") + ")"
}

// Unwrap exposes the per-key skip reasons to errors.Is and errors.As.
func (e *NoKeyError) Unwrap() []error { return e.Reasons }

// Retryable reports whether waiting RetryAfter could free a key: true when
// at least one skip was a minute-window rejection rather than a spent daily
// budget or an open breaker.
func (e *NoKeyError) Retryable() bool {
	return e.MinuteRejected > 0
}

// DayExhausted reports whether any key was skipped because its daily budget
// cannot cover the operation. The orchestrator gives up on the episode for
// the day when acquisition fails this way.
func (e *NoKeyError) DayExhausted() bool {
	return e.DayRejected > 0
}

// Lease is an acquired key holding one reserved request slot. The caller
// settles the reservation exactly once (commit on success, cancel
// otherwise) and records per-attempt outcomes on the breaker.
type Lease struct {
	Key         Key
	Reservation *quota.Reservation
	Breaker     *resilience.Breaker
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the time source used to compute retry hints.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager rotates acquisition across the configured keys.
//
// Manager is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	keys     []Key
	next     int
	tracker  *quota.Tracker
	breakers *resilience.Registry
	now      func() time.Time
}

// New creates a Manager over keys. The tracker enforces quota limits and the
// registry supplies per-key circuit breakers.
func New(keys []Key, tracker *quota.Tracker, breakers *resilience.Registry, opts ...Option) (*Manager, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	m := &Manager{
		keys:     keys,
		tracker:  tracker,
		breakers: breakers,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Len returns the number of configured keys.
func (m *Manager) Len() int { return len(m.keys) }

// IDs returns the key identifiers in rotation order.
func (m *Manager) IDs() []string {
	ids := make([]string, len(m.keys))
	for i, k := range m.keys {
		ids[i] = k.ID
	}
	return ids
}

// Acquire claims one request slot on the first usable key at or after the
// rotation cursor and parks the cursor there. A key is usable when its
// breaker admits a call and its remaining daily budget covers every request
// the operation is expected to make: expectedRequests > 1 keeps a
// multi-request episode from stranding halfway through a key's last slots.
//
// The *NoKeyError returned when every key is skipped carries the breakdown
// the caller needs to decide between waiting and giving up.
func (m *Manager) Acquire(estimatedTokens int64, expectedRequests int) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if expectedRequests < 1 {
		expectedRequests = 1
	}

	nke := &NoKeyError{}
	retryAfter := time.Duration(-1)
	observe := func(d time.Duration) {
		if d > 0 && (retryAfter < 0 || d < retryAfter) {
			retryAfter = d
		}
	}

	for i := 0; i < len(m.keys); i++ {
		idx := (m.next + i) % len(m.keys)
		key := m.keys[idx]

		breaker := m.breakers.Get(key.ID)
		if !breaker.CanAttempt() {
			recovery := breaker.RecoveryTime()
			nke.Open++
			nke.Reasons = append(nke.Reasons,
				fmt.Errorf("%s: circuit open until %s", key.ID, recovery.Format(time.RFC3339)))
			observe(recovery.Sub(m.now()))
			slog.Debug("skipping key (circuit open)",
				"key", key.ID, "recovery_time", recovery.Format(time.RFC3339))
			continue
		}

		if remaining := m.tracker.RemainingRequestsToday(key.ID); remaining < expectedRequests {
			nke.DayRejected++
			nke.Reasons = append(nke.Reasons,
				fmt.Errorf("%s: needs %d request(s) today, %d remaining", key.ID, expectedRequests, remaining))
			slog.Debug("skipping key (daily budget too small for operation)",
				"key", key.ID, "expected_requests", expectedRequests, "remaining", remaining)
			continue
		}

		res, err := m.tracker.TryReserve(key.ID, estimatedTokens)
		if err != nil {
			var reject *quota.RejectError
			if errors.As(err, &reject) && reject.MinuteScoped() {
				nke.MinuteRejected++
				observe(reject.RetryAfter)
			} else {
				nke.DayRejected++
			}
			nke.Reasons = append(nke.Reasons, err)
			slog.Debug("skipping key (quota)", "key", key.ID, "reason", err)
			continue
		}

		m.next = idx
		return &Lease{Key: key, Reservation: res, Breaker: breaker}, nil
	}

	if retryAfter > 0 {
		nke.RetryAfter = retryAfter
	}
	return nil, nke
}

// NextIndex returns the rotation cursor for persistence.
func (m *Manager) NextIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next
}

// RestoreNextIndex moves the rotation cursor, wrapping out-of-range values.
func (m *Manager) RestoreNextIndex(i int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 {
		i = 0
	}
	m.next = i % len(m.keys)
}
