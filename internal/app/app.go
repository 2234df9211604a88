// Package app wires the podweave subsystems into runnable pipelines.
//
// The App struct owns the shared control plane: New builds the quota
// tracker, circuit-breaker registry, key rotation, and LLM gateway from a
// validated config, Transcribe and Seed assemble the per-stage pipelines on
// top and run them to completion, and Shutdown flushes persisted state and
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithProviderFactory,
// WithGraphStore, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/podweave/podweave/internal/checkpoint"
	"github.com/podweave/podweave/internal/config"
	"github.com/podweave/podweave/internal/gateway"
	"github.com/podweave/podweave/internal/graph"
	"github.com/podweave/podweave/internal/health"
	"github.com/podweave/podweave/internal/keyring"
	"github.com/podweave/podweave/internal/observe"
	"github.com/podweave/podweave/internal/progress"
	"github.com/podweave/podweave/internal/quota"
	"github.com/podweave/podweave/internal/resilience"
	"github.com/podweave/podweave/internal/seed"
	"github.com/podweave/podweave/internal/transcribe"
	"github.com/podweave/podweave/pkg/feed"
	"github.com/podweave/podweave/pkg/fetch"
	"github.com/podweave/podweave/pkg/graphstore"
	"github.com/podweave/podweave/pkg/graphstore/memory"
	"github.com/podweave/podweave/pkg/graphstore/postgres"
	"github.com/podweave/podweave/pkg/provider/llm"
	"github.com/podweave/podweave/pkg/provider/llm/anyllm"
	"github.com/podweave/podweave/pkg/provider/llm/gemini"
	"github.com/podweave/podweave/pkg/provider/llm/openai"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
)

// Default models per backend. Overridable through the config's model field.
const (
	defaultGeminiModel = "gemini-2.0-flash"
	defaultOpenAIModel = "gpt-4o-mini"
)

// KeyStatus is one key's consumption and breaker state, as reported in run
// summaries.
type KeyStatus struct {
	ID            string
	RequestsToday int
	TokensToday   int64
	BreakerOpen   bool
	// RecoveryTime is when an open breaker admits traffic again. Zero while
	// the breaker is closed.
	RecoveryTime time.Time
}

// App owns the control plane shared by both pipeline stages.
type App struct {
	cfg *config.Config
	log *slog.Logger

	// Control plane, initialised in New and flushed in Shutdown.
	tracker  *quota.Tracker
	breakers *resilience.Registry
	keys     *keyring.Manager
	keyIDs   []string
	gateway  *gateway.Gateway
	metrics  *observe.Metrics

	// Injectable collaborators. Nil means New/first use builds the real one.
	factory    gateway.ProviderFactory
	graph      graphstore.Store
	downloader fetch.Downloader
	now        func() time.Time

	srv *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProviderFactory injects the per-key provider constructor instead of
// building one from the configured backend name.
func WithProviderFactory(f gateway.ProviderFactory) Option {
	return func(a *App) { a.factory = f }
}

// WithGraphStore injects a graph store instead of connecting from config.
func WithGraphStore(s graphstore.Store) Option {
	return func(a *App) { a.graph = s }
}

// WithDownloader injects an audio downloader instead of the HTTP default.
func WithDownloader(d fetch.Downloader) Option {
	return func(a *App) { a.downloader = d }
}

// WithLogger replaces the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithMetrics replaces the process-wide default metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock replaces the time source across every subsystem, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring the control plane together: per-key quota
// accounting, circuit breakers, key rotation, and the LLM gateway with its
// state restored from the data directory. cfg must already be validated.
//
// When the config names a metrics address, New also starts the /metrics and
// health endpoints; they run until Shutdown.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	a := &App{
		cfg: cfg,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Control plane ─────────────────────────────────────────────────
	if err := a.initControlPlane(); err != nil {
		return nil, err
	}

	// ── 2. Metrics + health endpoints ────────────────────────────────────
	if cfg.MetricsAddr != "" {
		a.startMetricsServer(cfg.MetricsAddr)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initControlPlane builds the tracker, breaker registry, keyring, and gateway
// that both pipelines share. Gateway state (quota counters, breaker cooldowns)
// is restored from the data directory so limits survive restarts.
func (a *App) initControlPlane() error {
	loc := time.Local
	if a.cfg.Timezone != "" {
		l, err := time.LoadLocation(a.cfg.Timezone)
		if err != nil {
			return fmt.Errorf("app: load timezone: %w", err)
		}
		loc = l
	}
	if err := os.MkdirAll(a.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("app: create data dir: %w", err)
	}

	quotaOpts := []quota.Option{quota.WithLocation(loc)}
	var regOpts []resilience.RegistryOption
	var keyOpts []keyring.Option
	gwOpts := []gateway.Option{
		gateway.WithStateFile(filepath.Join(a.cfg.DataDir, ".quota_state.json")),
		gateway.WithLogger(a.log),
		gateway.WithMetrics(a.metrics),
	}
	if a.now != nil {
		quotaOpts = append(quotaOpts, quota.WithClock(a.now))
		regOpts = append(regOpts, resilience.WithRegistryClock(a.now))
		keyOpts = append(keyOpts, keyring.WithClock(a.now))
		gwOpts = append(gwOpts, gateway.WithClock(a.now))
	}

	a.tracker = quota.New(quota.Limits{
		RequestsPerMinute: a.cfg.Quota.RequestsPerMinutePerKey,
		RequestsPerDay:    a.cfg.Quota.DailyRequestsPerKey,
		TokensPerDay:      a.cfg.Quota.TokensPerDayPerKey,
	}, quotaOpts...)

	a.breakers = resilience.NewRegistry(resilience.BreakerConfig{
		InitialCooldown: time.Duration(a.cfg.Circuit.InitialCooldownMinutes) * time.Minute,
		MaxCooldown:     time.Duration(a.cfg.Circuit.MaxCooldownMinutes) * time.Minute,
	}, regOpts...)

	// Key IDs are positional so secrets never appear in logs or state files.
	keys := make([]keyring.Key, len(a.cfg.APIKeys))
	a.keyIDs = make([]string, len(a.cfg.APIKeys))
	for i, secret := range a.cfg.APIKeys {
		id := fmt.Sprintf("key_%d", i+1)
		keys[i] = keyring.Key{ID: id, Secret: secret}
		a.keyIDs[i] = id
	}
	manager, err := keyring.New(keys, a.tracker, a.breakers, keyOpts...)
	if err != nil {
		return fmt.Errorf("app: init keyring: %w", err)
	}
	a.keys = manager

	if a.factory == nil {
		factory, err := providerFactory(a.cfg)
		if err != nil {
			return err
		}
		a.factory = factory
	}
	a.gateway = gateway.New(a.factory, a.keys, a.tracker, a.breakers, gwOpts...)

	a.log.Info("control plane ready",
		"keys", len(a.keyIDs),
		"provider", a.cfg.Provider,
		"daily_requests_per_key", a.cfg.Quota.DailyRequestsPerKey)
	return nil
}

// startMetricsServer serves Prometheus metrics plus liveness and readiness
// probes for the duration of the run.
func (a *App) startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(
		health.Probe{
			Name: "state_dir",
			Check: func(context.Context) error {
				_, err := os.Stat(a.cfg.DataDir)
				return err
			},
		},
		health.Probe{
			Name:  "keys",
			Check: a.keysAdmit,
		},
	).Register(mux)

	srv := &http.Server{Addr: addr, Handler: observe.Middleware(a.metrics)(mux)}
	a.srv = srv
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
	a.log.Info("metrics server listening", "addr", addr)
}

// ─── Pipelines ───────────────────────────────────────────────────────────────

// Transcribe fetches the feed from source and runs the transcription pipeline
// over its episodes. The returned summary carries per-episode outcomes; the
// error is reserved for run-level failures such as an unreachable feed.
func (a *App) Transcribe(ctx context.Context, source feed.Source) (transcribe.Summary, error) {
	if !audioCapable(a.cfg.Provider) {
		return transcribe.Summary{}, fmt.Errorf(
			"app: provider %q cannot transcribe audio; use the gemini backend for transcription", a.cfg.Provider)
	}

	episodes, err := source.Episodes(ctx)
	if err != nil {
		return transcribe.Summary{}, fmt.Errorf("app: fetch feed: %w", err)
	}
	a.log.Info("feed fetched", "episodes", len(episodes))

	prog, err := progress.NewStore(filepath.Join(a.cfg.DataDir, ".progress.json"))
	if err != nil {
		return transcribe.Summary{}, fmt.Errorf("app: open progress store: %w", err)
	}
	cps := checkpoint.NewStore(filepath.Join(a.cfg.DataDir, "checkpoints"), transcribe.Pipeline, transcribe.Stages())

	tOpts := []transcribe.Option{
		transcribe.WithLogger(a.log),
		transcribe.WithMetrics(a.metrics),
	}
	if a.downloader != nil {
		tOpts = append(tOpts, transcribe.WithDownloader(a.downloader))
	}
	if a.now != nil {
		tOpts = append(tOpts, transcribe.WithClock(a.now))
	}

	orch, err := transcribe.New(a.gateway, prog, cps, transcribe.Config{
		OutputDir:        a.cfg.OutputDir,
		MinCoverageRatio: a.cfg.Coverage.MinRatio,
		MaxContinuations: a.cfg.Coverage.MaxContinuations,
		RequestOverlap:   time.Duration(a.cfg.Coverage.RequestOverlapSeconds) * time.Second,
		StitchWindow:     time.Duration(a.cfg.Coverage.StitchOverlapSeconds) * time.Second,
		MaxEpisodes:      a.cfg.MaxEpisodesPerRun,
		Resume:           a.cfg.Resume,
	}, tOpts...)
	if err != nil {
		return transcribe.Summary{}, err
	}
	return orch.Run(ctx, episodes)
}

// Seed runs the seeding pipeline over input, a single transcript file or a
// directory of them, writing each episode's subgraph to the graph store.
func (a *App) Seed(ctx context.Context, input string) (seed.Summary, error) {
	paths, err := seed.CollectInputs(input)
	if err != nil {
		return seed.Summary{}, err
	}
	a.log.Info("transcripts collected", "input", input, "count", len(paths))

	store, err := a.graphStore(ctx)
	if err != nil {
		return seed.Summary{}, err
	}
	cps := checkpoint.NewStore(filepath.Join(a.cfg.DataDir, "checkpoints"), seed.Pipeline, seed.Stages())

	sOpts := []seed.Option{
		seed.WithLogger(a.log),
		seed.WithMetrics(a.metrics),
	}
	if a.now != nil {
		sOpts = append(sOpts, seed.WithClock(a.now))
	}

	ex, err := seed.New(a.gateway, graph.NewWriter(store), cps, seed.Config{
		MaxConcurrentUnits: a.cfg.MaxConcurrentUnits,
		Resume:             a.cfg.Resume,
	}, sOpts...)
	if err != nil {
		return seed.Summary{}, err
	}
	return ex.Run(ctx, paths)
}

// graphStore returns the configured property-graph store, connecting on first
// use. Without a graph URI the episode graphs land in an in-memory store and
// are discarded at exit, which is still useful for dry runs.
func (a *App) graphStore(ctx context.Context) (graphstore.Store, error) {
	if a.graph != nil {
		return a.graph, nil
	}
	if a.cfg.Graph.URI == "" {
		a.log.Warn("no graph store configured, seeding into memory; results are discarded at exit")
		a.graph = memory.New()
		return a.graph, nil
	}
	store, err := postgres.NewStore(ctx, postgres.Config{
		URI:      a.cfg.Graph.URI,
		User:     a.cfg.Graph.User,
		Password: a.cfg.Graph.Password,
		Database: a.cfg.Graph.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("app: connect graph store: %w", err)
	}
	a.log.Info("graph store connected", "uri", a.cfg.Graph.URI)
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	a.graph = store
	return store, nil
}

// ─── Reporting ───────────────────────────────────────────────────────────────

// KeyStatuses reports per-key consumption and breaker state, in key order.
func (a *App) KeyStatuses() []KeyStatus {
	statuses := make([]KeyStatus, 0, len(a.keyIDs))
	for _, id := range a.keyIDs {
		snap := a.tracker.Snapshot(id)
		b := a.breakers.Get(id)
		s := KeyStatus{
			ID:            id,
			RequestsToday: snap.RequestsToday,
			TokensToday:   snap.TokensToday,
			BreakerOpen:   b.State() == resilience.StateOpen,
		}
		if s.BreakerOpen {
			s.RecoveryTime = b.RecoveryTime()
		}
		statuses = append(statuses, s)
	}
	return statuses
}

// keysAdmit is the readiness probe for the key pool: the process can make
// progress only while at least one breaker is closed.
func (a *App) keysAdmit(context.Context) error {
	for _, id := range a.keyIDs {
		if a.breakers.Get(id).State() != resilience.StateOpen {
			return nil
		}
	}
	return fmt.Errorf("all %d keys have open breakers", len(a.keyIDs))
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown flushes gateway state and tears down subsystems in init order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		if a.gateway != nil {
			a.gateway.PersistState()
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "error", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Providers ───────────────────────────────────────────────────────────────

// providerFactory builds the per-key provider constructor for the configured
// backend name ("gemini", "openai", or "anyllm:<backend>").
func providerFactory(cfg *config.Config) (gateway.ProviderFactory, error) {
	base, backend, _ := strings.Cut(cfg.Provider, ":")
	model := cfg.Model
	switch base {
	case "gemini":
		if model == "" {
			model = defaultGeminiModel
		}
		return func(apiKey string) (llm.Provider, error) {
			return gemini.New(apiKey, model)
		}, nil
	case "openai":
		if model == "" {
			model = defaultOpenAIModel
		}
		return func(apiKey string) (llm.Provider, error) {
			return openai.New(apiKey, model)
		}, nil
	case "anyllm":
		if backend == "" {
			return nil, fmt.Errorf("app: provider %q needs a backend, e.g. anyllm:openai", cfg.Provider)
		}
		if model == "" {
			return nil, fmt.Errorf("app: provider %q needs an explicit model in the config", cfg.Provider)
		}
		return func(apiKey string) (llm.Provider, error) {
			return anyllm.New(backend, model, anyllmlib.WithAPIKey(apiKey))
		}, nil
	default:
		return nil, fmt.Errorf("app: unknown provider %q (valid: gemini, openai, anyllm:<backend>)", cfg.Provider)
	}
}

// audioCapable reports whether the named backend accepts audio input. Only
// Gemini does; every backend handles the text-only seeding calls.
func audioCapable(provider string) bool {
	base, _, _ := strings.Cut(provider, ":")
	return base == "gemini"
}
