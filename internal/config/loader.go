package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviders lists the recognised LLM backend names. The "anyllm" backend
// is selected as "anyllm:<backend>"; only the part before the colon is
// matched here.
var ValidProviders = []string{"gemini", "openai", "anyllm"}

// Load assembles a validated [Config]: defaults first, then the YAML file at
// path, then environment overrides. An empty path skips the file layer; a
// non-empty path that cannot be read is an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	FromEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults and validates
// the result. It applies no environment overrides, which is what tests want.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	if err := decode(r, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	err := dec.Decode(cfg)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// FromEnv applies the documented environment overrides to cfg. A set variable
// always wins over file and default values; unparseable numeric values are
// warned about and ignored.
func FromEnv(cfg *Config) {
	if keys := keysFromEnv(); len(keys) > 0 {
		cfg.APIKeys = keys
	}
	setString((*string)(&cfg.LogLevel), "LOG_LEVEL")
	setString(&cfg.Provider, "PROVIDER")
	setString(&cfg.Model, "MODEL")
	setString(&cfg.OutputDir, "OUTPUT_DIR")
	setString(&cfg.DataDir, "DATA_DIR")
	setInt(&cfg.MaxEpisodesPerRun, "MAX_EPISODES_PER_RUN")
	setInt(&cfg.MaxConcurrentUnits, "MAX_CONCURRENT_UNITS")
	setBool(&cfg.Resume, "RESUME")
	setString(&cfg.Timezone, "TIMEZONE")
	setString(&cfg.MetricsAddr, "METRICS_ADDR")

	setInt(&cfg.Quota.DailyRequestsPerKey, "DAILY_REQUESTS_PER_KEY")
	setInt(&cfg.Quota.RequestsPerMinutePerKey, "REQUESTS_PER_MINUTE_PER_KEY")
	setInt64(&cfg.Quota.TokensPerDayPerKey, "TOKENS_PER_DAY_PER_KEY")

	setFloat(&cfg.Coverage.MinRatio, "COVERAGE_MIN_RATIO")
	setInt(&cfg.Coverage.MaxContinuations, "MAX_CONTINUATIONS")
	setInt(&cfg.Coverage.RequestOverlapSeconds, "OVERLAP_SECONDS")

	setInt(&cfg.Circuit.InitialCooldownMinutes, "CIRCUIT_INITIAL_COOLDOWN_MINUTES")
	setInt(&cfg.Circuit.MaxCooldownMinutes, "CIRCUIT_MAX_COOLDOWN_MINUTES")

	setString(&cfg.Graph.URI, "GRAPH_URI")
	setString(&cfg.Graph.User, "GRAPH_USER")
	setString(&cfg.Graph.Password, "GRAPH_PASSWORD")
	setString(&cfg.Graph.Database, "GRAPH_DATABASE")
}

// keysFromEnv collects API_KEY_1, API_KEY_2, ... stopping at the first unset
// index. Set-but-blank entries are skipped without ending the scan.
func keysFromEnv() []string {
	var keys []string
	for i := 1; ; i++ {
		v, ok := os.LookupEnv(fmt.Sprintf("API_KEY_%d", i))
		if !ok {
			break
		}
		if v = strings.TrimSpace(v); v != "" {
			keys = append(keys, v)
		}
	}
	return keys
}

func setString(dst *string, name string) {
	if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, name string) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		slog.Warn("ignoring unparseable environment override", "name", name, "value", v)
		return
	}
	*dst = n
}

func setInt64(dst *int64, name string) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		slog.Warn("ignoring unparseable environment override", "name", name, "value", v)
		return
	}
	*dst = n
}

func setFloat(dst *float64, name string) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		slog.Warn("ignoring unparseable environment override", "name", name, "value", v)
		return
	}
	*dst = f
}

func setBool(dst *bool, name string) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		slog.Warn("ignoring unparseable environment override", "name", name, "value", v)
		return
	}
	*dst = b
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all hard failures found; questionable-but-workable
// values are logged as warnings instead.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	if len(cfg.APIKeys) == 0 {
		errs = append(errs, errors.New("at least one API key is required (api_keys or API_KEY_1)"))
	}
	for i, k := range cfg.APIKeys {
		if strings.TrimSpace(k) == "" {
			errs = append(errs, fmt.Errorf("api_keys[%d] is blank", i))
		}
	}

	if cfg.Provider == "" {
		errs = append(errs, errors.New("provider is required; valid values: gemini, openai, anyllm:<backend>"))
	} else {
		validateProvider(cfg.Provider, &errs)
	}

	if cfg.OutputDir == "" {
		errs = append(errs, errors.New("output_dir is required"))
	}
	if cfg.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if cfg.MaxEpisodesPerRun < 0 {
		errs = append(errs, fmt.Errorf("max_episodes_per_run %d is negative", cfg.MaxEpisodesPerRun))
	}
	if cfg.MaxConcurrentUnits < 0 {
		errs = append(errs, fmt.Errorf("max_concurrent_units %d is negative", cfg.MaxConcurrentUnits))
	}

	if cfg.Quota.DailyRequestsPerKey <= 0 {
		errs = append(errs, fmt.Errorf("quota.daily_requests_per_key %d must be positive", cfg.Quota.DailyRequestsPerKey))
	}
	if cfg.Quota.RequestsPerMinutePerKey <= 0 {
		errs = append(errs, fmt.Errorf("quota.requests_per_minute_per_key %d must be positive", cfg.Quota.RequestsPerMinutePerKey))
	}
	if cfg.Quota.TokensPerDayPerKey <= 0 {
		errs = append(errs, fmt.Errorf("quota.tokens_per_day_per_key %d must be positive", cfg.Quota.TokensPerDayPerKey))
	}

	if cfg.Coverage.MinRatio <= 0 || cfg.Coverage.MinRatio > 1 {
		errs = append(errs, fmt.Errorf("coverage.min_ratio %.2f is out of range (0, 1]", cfg.Coverage.MinRatio))
	}
	if cfg.Coverage.MaxContinuations < 0 {
		errs = append(errs, fmt.Errorf("coverage.max_continuations %d is negative", cfg.Coverage.MaxContinuations))
	}
	if cfg.Coverage.RequestOverlapSeconds < 0 {
		errs = append(errs, fmt.Errorf("coverage.request_overlap_seconds %d is negative", cfg.Coverage.RequestOverlapSeconds))
	}
	if cfg.Coverage.StitchOverlapSeconds < 0 {
		errs = append(errs, fmt.Errorf("coverage.stitch_overlap_seconds %d is negative", cfg.Coverage.StitchOverlapSeconds))
	}

	if cfg.Circuit.InitialCooldownMinutes <= 0 {
		errs = append(errs, fmt.Errorf("circuit.initial_cooldown_minutes %d must be positive", cfg.Circuit.InitialCooldownMinutes))
	}
	if cfg.Circuit.MaxCooldownMinutes < cfg.Circuit.InitialCooldownMinutes {
		errs = append(errs, fmt.Errorf("circuit.max_cooldown_minutes %d is below circuit.initial_cooldown_minutes %d",
			cfg.Circuit.MaxCooldownMinutes, cfg.Circuit.InitialCooldownMinutes))
	}

	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone %q is not a valid IANA location: %v", cfg.Timezone, err))
		}
	}

	// Soft problems: workable, but worth a second look.
	if cfg.Quota.DailyRequestsPerKey > 10_000 {
		slog.Warn("quota.daily_requests_per_key is suspiciously large for a free-tier key",
			"value", cfg.Quota.DailyRequestsPerKey)
	}
	if cfg.Quota.RequestsPerMinutePerKey > 600 {
		slog.Warn("quota.requests_per_minute_per_key is suspiciously large",
			"value", cfg.Quota.RequestsPerMinutePerKey)
	}
	if cfg.Graph.URI == "" {
		slog.Warn("graph.uri is empty; seeding writes to an in-memory store that will not survive the process")
	}

	return errors.Join(errs...)
}

// validateProvider appends an error for structurally broken provider values
// and warns about unknown names, which may be typos or backends this build
// does not know about.
func validateProvider(name string, errs *[]error) {
	base, backend, found := strings.Cut(name, ":")
	switch {
	case base == "anyllm" && (!found || strings.TrimSpace(backend) == ""):
		*errs = append(*errs, fmt.Errorf("provider %q needs a backend, e.g. anyllm:openai", name))
	case base != "anyllm" && found:
		*errs = append(*errs, fmt.Errorf("provider %q is malformed; only anyllm takes a :<backend> suffix", name))
	case base != "gemini" && base != "openai" && base != "anyllm":
		slog.Warn("unknown provider name, may be a typo",
			"name", name,
			"known", ValidProviders,
		)
	}
}
