// Package gateway is the single doorway to the LLM backend.
//
// Every model call in the pipeline (transcription, continuation, speaker
// identification, knowledge extraction) goes through [Gateway], which layers
// the full control plane over the raw provider: quota reservation, key
// rotation, per-key circuit breaking, retry with backoff, token accounting,
// and control-state persistence. No other component talks to an LLM SDK.
//
// The gateway resolves capacity problems in three distinct ways:
//
//   - Minute-window saturation is waited out internally; callers never see it.
//   - Spent daily budgets surface as [ErrQuotaExhausted] so the episode loop
//     can stop cleanly and leave remaining work for tomorrow.
//   - Keys that are all cooling down surface as [*CircuitOpenError] so the
//     caller can skip and retry after the earliest recovery.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/podweave/podweave/internal/keyring"
	"github.com/podweave/podweave/internal/observe"
	"github.com/podweave/podweave/internal/persist"
	"github.com/podweave/podweave/internal/quota"
	"github.com/podweave/podweave/internal/resilience"
	"github.com/podweave/podweave/pkg/provider/llm"
	"github.com/podweave/podweave/pkg/vtt"
)

// Gateway operation names, used in logs and metric attributes.
const (
	opTranscribe   = "transcribe"
	opContinuation = "continuation"
	opSpeakers     = "identify_speakers"
	opExtract      = "extract"
)

// transcribeExpectedRequests is the minimum number of requests a viable
// episode needs: one transcription plus one speaker identification. Acquiring
// under this expectation keeps an episode from starting on a key that cannot
// finish it.
const transcribeExpectedRequests = 2

// EpisodeMeta carries the feed metadata prompts are built from.
type EpisodeMeta struct {
	GUID             string
	PodcastName      string
	Title            string
	Duration         time.Duration
	ExpectedSpeakers int
}

// ProviderFactory constructs an [llm.Provider] bound to one API key. The
// gateway builds one provider per key lazily and reuses it across calls.
type ProviderFactory func(apiKey string) (llm.Provider, error)

// Config tunes gateway behavior. Zero fields fall back to [DefaultConfig]
// values.
type Config struct {
	// Per-operation deadlines. Transcription runs for minutes on long
	// episodes; the text-only operations finish far faster.
	TranscribeTimeout   time.Duration
	ContinuationTimeout time.Duration
	SpeakerTimeout      time.Duration
	ExtractTimeout      time.Duration

	// Per-operation token estimates used for quota reservation until the
	// backend reports actual usage.
	TranscribeEstimate   int64
	ContinuationEstimate int64
	SpeakerEstimate      int64
	ExtractEstimate      int64

	// ContextCues is how many trailing cues a continuation prompt carries.
	ContextCues int

	// MalformedRetries is how many corrective re-asks follow a response that
	// fails schema validation.
	MalformedRetries int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TranscribeTimeout:    10 * time.Minute,
		ContinuationTimeout:  10 * time.Minute,
		SpeakerTimeout:       2 * time.Minute,
		ExtractTimeout:       2 * time.Minute,
		TranscribeEstimate:   8192,
		ContinuationEstimate: 4096,
		SpeakerEstimate:      1024,
		ExtractEstimate:      2048,
		ContextCues:          10,
		MalformedRetries:     2,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TranscribeTimeout <= 0 {
		c.TranscribeTimeout = def.TranscribeTimeout
	}
	if c.ContinuationTimeout <= 0 {
		c.ContinuationTimeout = def.ContinuationTimeout
	}
	if c.SpeakerTimeout <= 0 {
		c.SpeakerTimeout = def.SpeakerTimeout
	}
	if c.ExtractTimeout <= 0 {
		c.ExtractTimeout = def.ExtractTimeout
	}
	if c.TranscribeEstimate <= 0 {
		c.TranscribeEstimate = def.TranscribeEstimate
	}
	if c.ContinuationEstimate <= 0 {
		c.ContinuationEstimate = def.ContinuationEstimate
	}
	if c.SpeakerEstimate <= 0 {
		c.SpeakerEstimate = def.SpeakerEstimate
	}
	if c.ExtractEstimate <= 0 {
		c.ExtractEstimate = def.ExtractEstimate
	}
	if c.ContextCues <= 0 {
		c.ContextCues = def.ContextCues
	}
	if c.MalformedRetries < 0 {
		c.MalformedRetries = def.MalformedRetries
	}
	return c
}

// opSpec bundles the per-operation knobs the invoke loop needs.
type opSpec struct {
	name             string
	timeout          time.Duration
	estimate         int64
	expectedRequests int
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithConfig replaces the default [Config].
func WithConfig(cfg Config) Option {
	return func(g *Gateway) { g.cfg = cfg.withDefaults() }
}

// WithRetryer replaces the default retry policy.
func WithRetryer(r *resilience.Retryer) Option {
	return func(g *Gateway) {
		if r != nil {
			g.retryer = r
		}
	}
}

// WithStateFile enables control-state persistence at path. Without it the
// control plane lives in memory only, which is what tests want.
func WithStateFile(path string) Option {
	return func(g *Gateway) {
		if path != "" {
			g.state = persist.NewFile[controlState](path)
		}
	}
}

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.log = logger
		}
	}
}

// WithMetrics replaces the default metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gateway) {
		if m != nil {
			g.metrics = m
		}
	}
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithSleep replaces the wait primitive, for tests.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(g *Gateway) { g.sleep = sleep }
}

// Gateway mediates all LLM traffic. It is safe for concurrent use; the
// seeding pipeline runs several extractions in parallel through one Gateway.
type Gateway struct {
	factory  ProviderFactory
	keys     *keyring.Manager
	tracker  *quota.Tracker
	breakers *resilience.Registry
	retryer  *resilience.Retryer
	cfg      Config
	state    *persist.File[controlState]
	metrics  *observe.Metrics
	log      *slog.Logger
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error

	mu        sync.Mutex
	providers map[string]llm.Provider
	openPrev  int
}

// New creates a Gateway. Persisted control state, when configured through
// [WithStateFile], is restored immediately so quota counters and breakers
// survive restarts.
func New(factory ProviderFactory, keys *keyring.Manager, tracker *quota.Tracker, breakers *resilience.Registry, opts ...Option) *Gateway {
	g := &Gateway{
		factory:   factory,
		keys:      keys,
		tracker:   tracker,
		breakers:  breakers,
		retryer:   resilience.NewRetryer(resilience.RetryConfig{}),
		cfg:       DefaultConfig(),
		metrics:   observe.DefaultMetrics(),
		log:       slog.Default(),
		now:       time.Now,
		sleep:     sleepCtx,
		providers: make(map[string]llm.Provider),
	}
	for _, o := range opts {
		o(g)
	}
	g.restoreState()
	g.openPrev = len(g.breakers.Open())
	if g.openPrev > 0 {
		g.metrics.OpenBreakers.Add(context.Background(), int64(g.openPrev))
	}
	return g
}

// Transcribe asks for a full-episode WebVTT transcript with generic speaker
// labels. The acquisition expects two requests of daily budget so an episode
// never starts on a key that cannot also afford its speaker pass.
func (g *Gateway) Transcribe(ctx context.Context, audio llm.AudioInput, meta EpisodeMeta) (string, error) {
	req := llm.Request{
		SystemPrompt: transcriptionSystem,
		Prompt:       transcriptionPrompt(meta),
		Audio:        &audio,
	}
	spec := opSpec{opTranscribe, g.cfg.TranscribeTimeout, g.cfg.TranscribeEstimate, transcribeExpectedRequests}
	resp, err := g.invoke(ctx, spec, req)
	if err != nil {
		return "", err
	}
	return stripFence(resp.Text), nil
}

// RequestContinuation asks for a WebVTT fragment resuming at or slightly
// before from, carrying the transcript tail as context so speaker numbering
// stays stable across fragments.
func (g *Gateway) RequestContinuation(ctx context.Context, audio llm.AudioInput, existingVTT string, from time.Duration, meta EpisodeMeta) (string, error) {
	doc, err := vtt.Parse(existingVTT)
	if err != nil {
		return "", fmt.Errorf("gateway: parse existing transcript: %w", err)
	}
	req := llm.Request{
		SystemPrompt: transcriptionSystem,
		Prompt:       continuationPrompt(meta, doc, from, g.cfg.ContextCues),
		Audio:        &audio,
	}
	spec := opSpec{opContinuation, g.cfg.ContinuationTimeout, g.cfg.ContinuationEstimate, 1}
	resp, err := g.invoke(ctx, spec, req)
	if err != nil {
		return "", err
	}
	return stripFence(resp.Text), nil
}

// IdentifySpeakers maps each generic speaker label in the transcript to a
// name or role description. Responses that fail to parse as a JSON object are
// re-asked with a corrective nudge up to Config.MalformedRetries times; after
// that the call fails with [ErrMalformedResponse] and the caller keeps the
// generic labels.
func (g *Gateway) IdentifySpeakers(ctx context.Context, vttText string, meta EpisodeMeta) (map[string]string, error) {
	doc, err := vtt.Parse(vttText)
	if err != nil {
		return nil, fmt.Errorf("gateway: parse transcript: %w", err)
	}
	if len(doc.Speakers()) == 0 {
		return map[string]string{}, nil
	}

	spec := opSpec{opSpeakers, g.cfg.SpeakerTimeout, g.cfg.SpeakerEstimate, 1}
	var lastErr error
	for attempt := 0; attempt <= g.cfg.MalformedRetries; attempt++ {
		req := llm.Request{
			SystemPrompt: speakerSystem,
			Prompt:       speakerPrompt(meta, doc, attempt > 0),
			JSONMode:     true,
		}
		resp, err := g.invoke(ctx, spec, req)
		if err != nil {
			return nil, err
		}
		mapping, parseErr := parseSpeakerMap(resp.Text)
		if parseErr == nil {
			return mapping, nil
		}
		lastErr = parseErr
		g.log.Warn("speaker identification returned malformed JSON",
			"episode", meta.GUID, "attempt", attempt+1, "error", parseErr)
	}
	return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, lastErr)
}

// Extract runs a general text-in/text-out model call for the seeding
// pipeline. With jsonMode the response is fence-stripped so callers can
// unmarshal it directly.
func (g *Gateway) Extract(ctx context.Context, prompt string, jsonMode bool) (string, error) {
	req := llm.Request{Prompt: prompt, JSONMode: jsonMode}
	spec := opSpec{opExtract, g.cfg.ExtractTimeout, g.cfg.ExtractEstimate, 1}
	resp, err := g.invoke(ctx, spec, req)
	if err != nil {
		return "", err
	}
	if jsonMode {
		return stripFence(resp.Text), nil
	}
	return resp.Text, nil
}

// PreflightTranscribe reports whether a transcription could start right now,
// without reserving anything. The episode loop uses it to skip the audio
// download when no key could serve the episode anyway.
func (g *Gateway) PreflightTranscribe() error {
	open := 0
	for _, id := range g.keys.IDs() {
		if !g.breakers.Get(id).CanAttempt() {
			open++
			continue
		}
		if g.tracker.RemainingRequestsToday(id) >= transcribeExpectedRequests {
			return nil
		}
	}
	if open > 0 {
		recovery, _ := g.breakers.EarliestRecovery()
		return &CircuitOpenError{Keys: open, RecoveryTime: recovery}
	}
	return fmt.Errorf("%w (no key has %d requests of daily budget left)",
		ErrQuotaExhausted, transcribeExpectedRequests)
}

// PersistState flushes the control plane to disk immediately. The run loop
// calls it once more before exiting; per-call saves already happen after
// every settled request.
func (g *Gateway) PersistState() {
	g.saveState()
}

// invoke is the shared control loop: acquire a key, run the call under retry,
// settle the reservation, and rotate or surface depending on how it ended.
func (g *Gateway) invoke(ctx context.Context, op opSpec, req llm.Request) (*llm.Response, error) {
	var lastCallErr error
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		lease, acqErr := g.keys.Acquire(op.estimate, op.expectedRequests)
		if acqErr != nil {
			var nke *keyring.NoKeyError
			if !errors.As(acqErr, &nke) {
				return nil, acqErr
			}
			if nke.Retryable() {
				// A minute window somewhere will free up shortly; this is
				// the one capacity problem worth waiting out in place.
				wait := clampWait(nke.RetryAfter)
				g.metrics.RecordQuotaRejection(ctx, "all", "minute_window")
				g.log.Info("minute window saturated on every usable key, waiting",
					"op", op.name, "wait", wait.Round(time.Millisecond))
				if err := g.sleep(ctx, wait); err != nil {
					return nil, err
				}
				continue
			}
			if lastCallErr != nil && resilience.Classify(lastCallErr) != resilience.ClassQuota {
				// Attempts were made and failed before rotation ran out of
				// keys; the episode outcome is that failure, not a skip.
				return nil, lastCallErr
			}
			if nke.DayExhausted() {
				g.metrics.RecordQuotaRejection(ctx, "all", "daily_budget")
				return nil, fmt.Errorf("%w: %s", ErrQuotaExhausted, nke.Error())
			}
			recovery, _ := g.breakers.EarliestRecovery()
			g.metrics.RecordQuotaRejection(ctx, "all", "circuit_open")
			return nil, &CircuitOpenError{Keys: nke.Open, RecoveryTime: recovery}
		}

		resp, err := g.call(ctx, op, lease, req)
		if err == nil {
			return resp, nil
		}
		lastCallErr = err

		switch resilience.Classify(err) {
		case resilience.ClassQuota:
			// The provider says the key is out of capacity regardless of
			// what local accounting thought. Burn its day and rotate.
			g.tracker.ExhaustDay(lease.Key.ID)
			g.saveState()
			g.metrics.KeyRotations.Add(ctx, 1)
			g.log.Warn("key reported quota exhaustion, rotating",
				"op", op.name, "key", lease.Key.ID, "error", err)
		case resilience.ClassTransient:
			if lease.Breaker.CanAttempt() {
				// Retries are spent and the breaker still admits calls, so
				// the failure was not key-local. Rotating will not help.
				return nil, err
			}
			g.metrics.KeyRotations.Add(ctx, 1)
			g.log.Warn("key circuit opened after repeated failures, rotating",
				"op", op.name, "key", lease.Key.ID)
		default:
			// Deterministic failure; another key would fail identically.
			return nil, err
		}
	}
}

// call runs one leased request under the retry policy and settles both the
// reservation and the breaker.
func (g *Gateway) call(ctx context.Context, op opSpec, lease *keyring.Lease, req llm.Request) (*llm.Response, error) {
	provider, err := g.providerFor(lease.Key)
	if err != nil {
		lease.Reservation.Cancel()
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, op.timeout)
	defer cancel()

	start := time.Now()
	var resp *llm.Response
	err = g.retryer.Do(opCtx, op.name, func(c context.Context) error {
		if !lease.Breaker.CanAttempt() {
			return fmt.Errorf("gateway: key %s is cooling down", lease.Key.ID)
		}
		r, genErr := provider.Generate(c, req)
		if genErr != nil {
			// Every failed attempt counts against the key's health, except
			// quota responses: running out of budget is not a fault.
			if resilience.Classify(genErr) != resilience.ClassQuota {
				lease.Breaker.RecordFailure()
			}
			return genErr
		}
		lease.Breaker.RecordSuccess()
		resp = r
		return nil
	})
	elapsed := time.Since(start)
	g.metrics.RecordLLMDuration(ctx, op.name, elapsed.Seconds())

	if err != nil {
		lease.Reservation.Cancel()
		g.saveState()
		g.metrics.RecordLLMRequest(ctx, op.name, lease.Key.ID, "error")
		g.metrics.RecordLLMError(ctx, op.name, resilience.Classify(err).String())
		g.trackOpenBreakers(ctx)
		return nil, err
	}

	tokens := int64(resp.Usage.TotalTokens)
	lease.Reservation.Commit(tokens)
	g.saveState()
	if tokens <= 0 {
		tokens = op.estimate
	}
	g.metrics.RecordLLMRequest(ctx, op.name, lease.Key.ID, "ok")
	g.metrics.RecordTokens(ctx, lease.Key.ID, tokens)
	g.trackOpenBreakers(ctx)
	g.log.Debug("llm call complete",
		"op", op.name, "key", lease.Key.ID,
		"duration", elapsed.Round(time.Millisecond), "tokens", tokens)
	return resp, nil
}

// providerFor returns the cached provider for key, constructing it on first
// use.
func (g *Gateway) providerFor(key keyring.Key) (llm.Provider, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.providers[key.ID]; ok {
		return p, nil
	}
	p, err := g.factory(key.Secret)
	if err != nil {
		return nil, fmt.Errorf("gateway: construct provider for %s: %w", key.ID, err)
	}
	g.providers[key.ID] = p
	return p, nil
}

// trackOpenBreakers keeps the open-breaker gauge in sync after any state
// mutation.
func (g *Gateway) trackOpenBreakers(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur := len(g.breakers.Open())
	if delta := cur - g.openPrev; delta != 0 {
		g.metrics.OpenBreakers.Add(ctx, int64(delta))
		g.openPrev = cur
	}
}

// parseSpeakerMap decodes the identification response, dropping empty labels
// and values. An empty object is a valid "nothing identified" answer.
func parseSpeakerMap(text string) (map[string]string, error) {
	var mapping map[string]string
	if err := json.Unmarshal([]byte(stripFence(text)), &mapping); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(mapping))
	for label, name := range mapping {
		label, name = strings.TrimSpace(label), strings.TrimSpace(name)
		if label == "" || name == "" {
			continue
		}
		out[label] = name
	}
	return out, nil
}

// clampWait bounds a minute-window wait: at least a second so zero hints do
// not spin, a little slack past the window edge, and never longer than the
// window itself plus slack.
func clampWait(d time.Duration) time.Duration {
	const slack = 200 * time.Millisecond
	if d <= 0 {
		return time.Second
	}
	d += slack
	if max := time.Minute + 5*time.Second; d > max {
		return max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
