// Package config provides the configuration schema and loader for the
// podweave pipeline.
//
// A [Config] is assembled in three layers: [DefaultConfig] values, then an
// optional YAML file, then environment overrides. The environment always
// wins, so a containerized deployment can run without any file at all.
package config

import "log/slog"

// LogLevel controls log verbosity for the podweave CLI.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto the corresponding [slog.Level]. Unrecognised or empty
// values map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure for podweave.
// It is typically assembled from file and environment using [Load].
type Config struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// Provider selects the LLM backend: "gemini" (the default, and the only
	// backend that accepts audio), "openai", or "anyllm:<backend>".
	Provider string `yaml:"provider"`

	// Model overrides the backend's default model. Required for
	// anyllm backends, which carry no default.
	Model string `yaml:"model"`

	// APIKeys lists the provider API keys the gateway rotates across.
	// The environment variables API_KEY_1..API_KEY_N replace this list
	// wholesale when set.
	APIKeys []string `yaml:"api_keys"`

	// OutputDir is the root under which VTT transcripts are emitted.
	OutputDir string `yaml:"output_dir"`

	// DataDir holds progress, checkpoints, and quota state between runs.
	DataDir string `yaml:"data_dir"`

	// MaxEpisodesPerRun caps episodes attempted in one invocation.
	// Zero means no cap.
	MaxEpisodesPerRun int `yaml:"max_episodes_per_run"`

	// MaxConcurrentUnits bounds parallel unit extractions during seeding.
	// Zero means the seeding default.
	MaxConcurrentUnits int `yaml:"max_concurrent_units"`

	// Resume picks up an active checkpoint from an earlier run instead of
	// abandoning it.
	Resume bool `yaml:"resume"`

	// Timezone is the IANA location whose midnight resets daily quota
	// counters (e.g. "Europe/Berlin"). Empty means the host's local time.
	Timezone string `yaml:"timezone"`

	// MetricsAddr, when non-empty, serves Prometheus metrics and health
	// probes on this address for the duration of the run (e.g. ":9090").
	MetricsAddr string `yaml:"metrics_addr"`

	// Quota carries the per-key budget limits.
	Quota QuotaConfig `yaml:"quota"`

	// Coverage tunes the transcription coverage loop.
	Coverage CoverageConfig `yaml:"coverage"`

	// Circuit tunes per-key circuit-breaker cooldowns.
	Circuit CircuitConfig `yaml:"circuit"`

	// Graph holds the property-graph store connection for seeding.
	Graph GraphConfig `yaml:"graph"`
}

// QuotaConfig carries the per-key request and token budgets. All three limits
// must be positive; a key with a zero budget could never admit a request.
type QuotaConfig struct {
	// DailyRequestsPerKey caps requests per key between two local midnights.
	DailyRequestsPerKey int `yaml:"daily_requests_per_key"`

	// RequestsPerMinutePerKey caps requests per key inside a trailing
	// 60-second window.
	RequestsPerMinutePerKey int `yaml:"requests_per_minute_per_key"`

	// TokensPerDayPerKey caps the token total committed per key per local day.
	TokensPerDayPerKey int64 `yaml:"tokens_per_day_per_key"`
}

// CoverageConfig tunes how hard the orchestrator works to cover an episode's
// declared duration with transcript.
type CoverageConfig struct {
	// MinRatio is the transcript-to-duration ratio below which continuation
	// fragments are requested.
	MinRatio float64 `yaml:"min_ratio"`

	// MaxContinuations bounds continuation requests per episode.
	MaxContinuations int `yaml:"max_continuations"`

	// RequestOverlapSeconds is how far before the current coverage end a
	// continuation is asked to start.
	RequestOverlapSeconds int `yaml:"request_overlap_seconds"`

	// StitchOverlapSeconds is the start-time window within which
	// near-duplicate cues from overlapping fragments are suppressed.
	StitchOverlapSeconds int `yaml:"stitch_overlap_seconds"`
}

// CircuitConfig tunes the per-key circuit breakers. Cooldowns double on every
// consecutive open, from the initial value up to the cap.
type CircuitConfig struct {
	InitialCooldownMinutes int `yaml:"initial_cooldown_minutes"`
	MaxCooldownMinutes     int `yaml:"max_cooldown_minutes"`
}

// GraphConfig holds the property-graph store connection. An empty URI selects
// the in-memory store, which does not survive the process.
type GraphConfig struct {
	// URI is the server address: either a full postgres:// URL or a bare
	// host[:port].
	URI string `yaml:"uri"`

	// User and Password fill in credentials when URI does not carry them.
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	// Database names the target database when URI does not carry one.
	Database string `yaml:"database"`
}

// DefaultConfig carries every default in one place. The quota defaults mirror
// the free-tier budget of hosted multimodal models.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:           LogInfo,
		Provider:           "gemini",
		OutputDir:          "output",
		DataDir:            "data",
		MaxConcurrentUnits: 3,
		Quota: QuotaConfig{
			DailyRequestsPerKey:     25,
			RequestsPerMinutePerKey: 5,
			TokensPerDayPerKey:      1_000_000,
		},
		Coverage: CoverageConfig{
			MinRatio:              0.85,
			MaxContinuations:      3,
			RequestOverlapSeconds: 10,
			StitchOverlapSeconds:  3,
		},
		Circuit: CircuitConfig{
			InitialCooldownMinutes: 30,
			MaxCooldownMinutes:     120,
		},
	}
}
