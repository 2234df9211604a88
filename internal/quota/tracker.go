// Package quota enforces per-API-key request and token budgets.
//
// Every outbound LLM call reserves a slot against three limits (requests in
// the trailing minute window, requests in the current local day, tokens in
// the current local day) and then either commits the reservation with the
// tokens actually consumed or cancels it, returning the slot. Day counters
// roll to zero at local midnight; the rollover is checked lazily on every
// access so a long-lived process crosses the boundary correctly without a
// timer.
//
// The tracker is purely in-memory; the LLM gateway owns persisting its
// exported state alongside the circuit-breaker and rotation state (the
// .quota_state.json document).
package quota

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Limits bounds one API key's consumption.
type Limits struct {
	// RequestsPerMinute caps reservations inside a trailing 60s window.
	RequestsPerMinute int

	// RequestsPerDay caps reservations between two local midnights.
	RequestsPerDay int

	// TokensPerDay caps the token total committed between two local midnights.
	TokensPerDay int64
}

// DefaultLimits mirrors the free-tier budget of hosted multimodal models:
// 5 requests/minute, 25 requests/day, one million tokens/day.
func DefaultLimits() Limits {
	return Limits{RequestsPerMinute: 5, RequestsPerDay: 25, TokensPerDay: 1_000_000}
}

// KeyUsage is one key's persisted counter state.
type KeyUsage struct {
	RequestsInCurrentMinute int       `json:"requests_in_current_minute"`
	RequestsToday           int       `json:"requests_today"`
	TokensToday             int64     `json:"tokens_today"`
	MinuteWindowStart       time.Time `json:"minute_window_start"`
	DayStartLocal           time.Time `json:"day_start_local"`
}

// RejectReason enumerates why a reservation was refused.
type RejectReason string

const (
	RejectMinuteExceeded      RejectReason = "minute_exceeded"
	RejectDayRequestsExceeded RejectReason = "day_requests_exceeded"
	RejectDayTokensExceeded   RejectReason = "day_tokens_exceeded"
)

// RejectError reports a refused reservation. RetryAfter is how long until
// the violated limit can next admit a request: the end of the minute window,
// or the next local midnight for day-scoped limits.
type RejectError struct {
	KeyID      string
	Reason     RejectReason
	RetryAfter time.Duration
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("quota: %s %s (retry in %s)", e.KeyID, e.Reason, e.RetryAfter.Round(time.Second))
}

// MinuteScoped reports whether waiting under a minute would free the limit,
// as opposed to day-scoped limits that only reset at local midnight.
func (e *RejectError) MinuteScoped() bool { return e.Reason == RejectMinuteExceeded }

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the time source. Tests inject deterministic clocks.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLocation sets the timezone whose midnight resets day counters.
// Defaults to time.Local.
func WithLocation(loc *time.Location) Option {
	return func(t *Tracker) {
		if loc != nil {
			t.loc = loc
		}
	}
}

// Tracker holds the usage counters for every key under one lock. All methods
// are safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	limits Limits
	keys   map[string]*KeyUsage
	now    func() time.Time
	loc    *time.Location
}

// New creates a Tracker with the given limits.
func New(limits Limits, opts ...Option) *Tracker {
	t := &Tracker{
		limits: limits,
		keys:   make(map[string]*KeyUsage),
		now:    time.Now,
		loc:    time.Local,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Limits returns the configured limits.
func (t *Tracker) Limits() Limits { return t.limits }

// Reservation is a held claim on one request slot. Exactly one of Commit or
// Cancel must be called; both are idempotent and further calls are no-ops.
type Reservation struct {
	tracker   *Tracker
	keyID     string
	estimated int64
	dayStart  time.Time
	winStart  time.Time
	settled   bool
}

// KeyID names the key this reservation holds a slot on.
func (r *Reservation) KeyID() string { return r.keyID }

// TryReserve atomically checks all three limits for keyID and claims one
// request slot plus estimatedTokens of token budget. On refusal it returns a
// *RejectError naming the violated limit.
func (t *Tracker) TryReserve(keyID string, estimatedTokens int64) (*Reservation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u := t.usageLocked(keyID)
	now := t.now().In(t.loc)

	if u.RequestsToday+1 > t.limits.RequestsPerDay {
		return nil, &RejectError{
			KeyID:      keyID,
			Reason:     RejectDayRequestsExceeded,
			RetryAfter: t.untilNextMidnight(now),
		}
	}
	if u.TokensToday+estimatedTokens > t.limits.TokensPerDay {
		return nil, &RejectError{
			KeyID:      keyID,
			Reason:     RejectDayTokensExceeded,
			RetryAfter: t.untilNextMidnight(now),
		}
	}
	if u.RequestsInCurrentMinute+1 > t.limits.RequestsPerMinute {
		return nil, &RejectError{
			KeyID:      keyID,
			Reason:     RejectMinuteExceeded,
			RetryAfter: u.MinuteWindowStart.Add(time.Minute).Sub(now),
		}
	}

	u.RequestsInCurrentMinute++
	u.RequestsToday++

	return &Reservation{
		tracker:   t,
		keyID:     keyID,
		estimated: estimatedTokens,
		dayStart:  u.DayStartLocal,
		winStart:  u.MinuteWindowStart,
	}, nil
}

// Commit finalizes the reservation, adding actualTokens to the day's token
// count. Non-positive actualTokens falls back to the reservation's estimate
// (for providers that do not report usage).
func (r *Reservation) Commit(actualTokens int64) {
	if r == nil || r.settled {
		return
	}
	r.settled = true

	tokens := actualTokens
	if tokens <= 0 {
		tokens = r.estimated
	}

	t := r.tracker
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.usageLocked(r.keyID)
	u.TokensToday += tokens
}

// Cancel rolls the reservation back, returning its request slot, unless a
// day or minute boundary has passed since the reservation was taken, in
// which case the fresh counters are left alone.
func (r *Reservation) Cancel() {
	if r == nil || r.settled {
		return
	}
	r.settled = true

	t := r.tracker
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.usageLocked(r.keyID)
	if u.DayStartLocal.Equal(r.dayStart) && u.RequestsToday > 0 {
		u.RequestsToday--
	}
	if u.MinuteWindowStart.Equal(r.winStart) && u.RequestsInCurrentMinute > 0 {
		u.RequestsInCurrentMinute--
	}
}

// Snapshot is a read-only view of one key's current consumption.
type Snapshot struct {
	RequestsToday        int
	TokensToday          int64
	RequestsLastMinute   int
	MinuteSlotsRemaining int
}

// Snapshot reports keyID's consumption after applying any pending day or
// minute rollover.
func (t *Tracker) Snapshot(keyID string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	u := t.usageLocked(keyID)
	remaining := t.limits.RequestsPerMinute - u.RequestsInCurrentMinute
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{
		RequestsToday:        u.RequestsToday,
		TokensToday:          u.TokensToday,
		RequestsLastMinute:   u.RequestsInCurrentMinute,
		MinuteSlotsRemaining: remaining,
	}
}

// RemainingRequestsToday reports how many request slots keyID has left in
// the current local day. The rotation manager uses it to honor the
// quota-preservation rule: a key is skipped when it cannot afford every
// request an episode is expected to need.
func (t *Tracker) RemainingRequestsToday(keyID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	u := t.usageLocked(keyID)
	remaining := t.limits.RequestsPerDay - u.RequestsToday
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ExhaustDay burns keyID's remaining daily request budget. The gateway calls
// this when the provider itself reports the key out of quota, so rotation
// stops offering the key until the day rolls over.
func (t *Tracker) ExhaustDay(keyID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u := t.usageLocked(keyID)
	if u.RequestsToday < t.limits.RequestsPerDay {
		slog.Info("marking key exhausted for the day",
			"key", keyID, "requests_today", u.RequestsToday)
		u.RequestsToday = t.limits.RequestsPerDay
	}
}

// Export deep-copies every key's usage for persistence.
func (t *Tracker) Export() map[string]KeyUsage {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]KeyUsage, len(t.keys))
	for id, u := range t.keys {
		out[id] = *u
	}
	return out
}

// Restore replaces the in-memory counters with persisted state. Rollover is
// applied lazily on the next access, so stale day counters load fine.
func (t *Tracker) Restore(state map[string]KeyUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.keys = make(map[string]*KeyUsage, len(state))
	for id, u := range state {
		copied := u
		t.keys[id] = &copied
	}
}

// usageLocked returns keyID's counters, rolling the day and minute windows
// forward first. Callers hold t.mu.
func (t *Tracker) usageLocked(keyID string) *KeyUsage {
	now := t.now().In(t.loc)

	u, ok := t.keys[keyID]
	if !ok {
		u = &KeyUsage{
			MinuteWindowStart: now,
			DayStartLocal:     midnightOf(now),
		}
		t.keys[keyID] = u
		return u
	}

	if today := midnightOf(now); !u.DayStartLocal.Equal(today) {
		slog.Info("quota: day rolled over, counters reset",
			slog.String("key", keyID),
			slog.Int("requests_were", u.RequestsToday),
			slog.Int64("tokens_were", u.TokensToday))
		u.RequestsToday = 0
		u.TokensToday = 0
		u.RequestsInCurrentMinute = 0
		u.MinuteWindowStart = now
		u.DayStartLocal = today
		return u
	}

	if now.Sub(u.MinuteWindowStart) >= time.Minute {
		u.RequestsInCurrentMinute = 0
		u.MinuteWindowStart = now
	}
	return u
}

func (t *Tracker) untilNextMidnight(now time.Time) time.Duration {
	return midnightOf(now).AddDate(0, 0, 1).Sub(now)
}

func midnightOf(ts time.Time) time.Time {
	return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, ts.Location())
}
