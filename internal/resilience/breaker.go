// Package resilience guards outbound LLM calls against failing API keys.
//
// A [Breaker] trips after a run of consecutive failures and cools the key
// down for an exponentially growing window; the [Registry] keys breakers by
// API key and snapshots them for persistence across runs. [Retryer] re-runs
// transient failures with jittered exponential backoff and refuses to burn
// attempts on quota or permanent errors.
package resilience

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// State reports whether a breaker is admitting calls.
type State int

const (
	// StateClosed admits calls normally.
	StateClosed State = iota
	// StateOpen rejects calls until the recovery time elapses.
	StateOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// escalationMemory is how long a key must stay healthy after its last open
// before its cooldown escalation is forgiven.
const escalationMemory = 24 * time.Hour

// BreakerConfig configures failure tolerance and cooldown growth. Zero fields
// fall back to [DefaultBreakerConfig] values.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the breaker.
	FailureThreshold int
	// InitialCooldown is the recovery window after the first open.
	InitialCooldown time.Duration
	// MaxCooldown caps the recovery window however often the breaker reopens.
	MaxCooldown time.Duration
}

// DefaultBreakerConfig returns the production defaults: open after 3
// consecutive failures, cool down 30 minutes, doubling per reopen up to 2 hours.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		InitialCooldown:  30 * time.Minute,
		MaxCooldown:      120 * time.Minute,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.InitialCooldown <= 0 {
		c.InitialCooldown = def.InitialCooldown
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = def.MaxCooldown
	}
	return c
}

// cooldown returns the recovery window for the n-th reopen (0-based),
// doubling from InitialCooldown and capped at MaxCooldown.
func (c BreakerConfig) cooldown(n int) time.Duration {
	d := c.InitialCooldown
	for i := 0; i < n; i++ {
		d *= 2
		if d >= c.MaxCooldown {
			return c.MaxCooldown
		}
	}
	if d > c.MaxCooldown {
		d = c.MaxCooldown
	}
	return d
}

// BreakerState is the persistable snapshot of a single breaker.
type BreakerState struct {
	FailureCount         int       `json:"failure_count"`
	IsOpen               bool      `json:"is_open"`
	OpenedAt             time.Time `json:"opened_at"`
	RecoveryTime         time.Time `json:"recovery_time"`
	ConsecutiveOpenCount int       `json:"consecutive_open_count"`
	LastSuccess          time.Time `json:"last_success"`
}

// Breaker tracks consecutive failures for one API key. After
// FailureThreshold failures in a row it opens and rejects attempts until its
// recovery time elapses; the first attempt after that is a probe, which
// closes the breaker again. Each reopen doubles the cooldown until the key
// stays healthy for a full day.
//
// Breaker is safe for concurrent use.
type Breaker struct {
	mu  sync.Mutex
	cfg BreakerConfig
	now func() time.Time

	name                 string
	failureCount         int
	open                 bool
	openedAt             time.Time
	recoveryTime         time.Time
	consecutiveOpenCount int
	lastSuccess          time.Time
}

func newBreaker(name string, cfg BreakerConfig, now func() time.Time) *Breaker {
	return &Breaker{cfg: cfg, now: now, name: name}
}

// CanAttempt reports whether a call may go through. When an open breaker's
// recovery time has elapsed it transitions back to closed and lets the call
// proceed as a probe.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	now := b.now()
	if now.Before(b.recoveryTime) {
		return false
	}
	// Recovery window elapsed: close and let this attempt probe the key.
	// openedAt is kept so a later success can tell how long the key has
	// been healthy.
	b.open = false
	b.failureCount = 0
	slog.Info("circuit breaker probing",
		"key", b.name,
		"open_duration", now.Sub(b.openedAt).Round(time.Second))
	return true
}

// RecordFailure counts one failed attempt. Reaching the failure threshold
// while closed opens the breaker with a cooldown that doubles for every
// reopen since the key last stayed healthy for a day.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	if b.open || b.failureCount < b.cfg.FailureThreshold {
		return
	}
	now := b.now()
	cooldown := b.cfg.cooldown(b.consecutiveOpenCount)
	b.open = true
	b.openedAt = now
	b.recoveryTime = now.Add(cooldown)
	b.consecutiveOpenCount++
	slog.Warn("circuit breaker opened",
		"key", b.name,
		"consecutive_failures", b.failureCount,
		"consecutive_open_count", b.consecutiveOpenCount,
		"cooldown", cooldown,
		"recovery_time", b.recoveryTime.Format(time.RFC3339))
}

// RecordSuccess counts one successful attempt, closing the breaker and
// zeroing its failure count. A success a full day after the breaker last
// opened also forgives the cooldown escalation.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	wasOpen := b.open
	b.failureCount = 0
	b.open = false
	b.recoveryTime = time.Time{}
	b.lastSuccess = now
	if b.consecutiveOpenCount > 0 && !b.openedAt.IsZero() && now.Sub(b.openedAt) >= escalationMemory {
		b.consecutiveOpenCount = 0
		slog.Info("circuit breaker escalation cleared", "key", b.name)
	}
	if wasOpen {
		slog.Info("circuit breaker closed", "key", b.name)
	}
}

// ForceReset returns the breaker to a pristine closed state, clearing the
// cooldown escalation as well.
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.open = false
	b.openedAt = time.Time{}
	b.recoveryTime = time.Time{}
	b.consecutiveOpenCount = 0
	slog.Info("circuit breaker force reset", "key", b.name)
}

// State returns the breaker's current state without triggering a probe
// transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return StateOpen
	}
	return StateClosed
}

// RecoveryTime returns when an open breaker next admits a probe. The zero
// time means the breaker is closed.
func (b *Breaker) RecoveryTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return time.Time{}
	}
	return b.recoveryTime
}

// Snapshot returns the breaker's persistable state.
func (b *Breaker) Snapshot() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerState{
		FailureCount:         b.failureCount,
		IsOpen:               b.open,
		OpenedAt:             b.openedAt,
		RecoveryTime:         b.recoveryTime,
		ConsecutiveOpenCount: b.consecutiveOpenCount,
		LastSuccess:          b.lastSuccess,
	}
}

func (b *Breaker) restore(s BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = s.FailureCount
	b.open = s.IsOpen
	b.openedAt = s.OpenedAt
	b.recoveryTime = s.RecoveryTime
	b.consecutiveOpenCount = s.ConsecutiveOpenCount
	b.lastSuccess = s.LastSuccess
}

// Registry holds one [Breaker] per API key, created on demand with a shared
// configuration and clock.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	now      func() time.Time
	breakers map[string]*Breaker
}

// RegistryOption customizes a [Registry].
type RegistryOption func(*Registry)

// WithRegistryClock overrides the time source for every breaker the registry
// creates. Tests use this to step through cooldown windows.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates an empty registry. Zero fields of cfg fall back to
// [DefaultBreakerConfig] values.
func NewRegistry(cfg BreakerConfig, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker for keyID, creating a closed one on first use.
func (r *Registry) Get(keyID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(keyID)
}

func (r *Registry) getLocked(keyID string) *Breaker {
	b, ok := r.breakers[keyID]
	if !ok {
		b = newBreaker(keyID, r.cfg, r.now)
		r.breakers[keyID] = b
	}
	return b
}

// Open returns the IDs of keys whose breakers are currently open, sorted.
func (r *Registry) Open() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var open []string
	for id, b := range r.breakers {
		if b.State() == StateOpen {
			open = append(open, id)
		}
	}
	sort.Strings(open)
	return open
}

// EarliestRecovery returns the soonest recovery time among open breakers.
// ok is false when no breaker is open.
func (r *Registry) EarliestRecovery() (at time.Time, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		t := b.RecoveryTime()
		if t.IsZero() {
			continue
		}
		if !ok || t.Before(at) {
			at, ok = t, true
		}
	}
	return at, ok
}

// ForceReset resets the breaker for keyID if one exists.
func (r *Registry) ForceReset(keyID string) {
	r.mu.Lock()
	b, ok := r.breakers[keyID]
	r.mu.Unlock()
	if ok {
		b.ForceReset()
	}
}

// ForceResetAll resets every breaker in the registry.
func (r *Registry) ForceResetAll() {
	r.mu.Lock()
	all := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	r.mu.Unlock()
	for _, b := range all {
		b.ForceReset()
	}
}

// Export returns a persistable snapshot of every breaker, keyed by key ID.
func (r *Registry) Export() map[string]BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]BreakerState, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.Snapshot()
	}
	return out
}

// Restore replaces breaker state from a previously exported snapshot.
// Unknown keys get fresh breakers; keys absent from states are left alone.
func (r *Registry) Restore(states map[string]BreakerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range states {
		r.getLocked(id).restore(s)
	}
}
