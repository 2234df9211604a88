package app_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/podweave/podweave/internal/app"
	"github.com/podweave/podweave/internal/config"
	"github.com/podweave/podweave/pkg/graphstore/memory"
	"github.com/podweave/podweave/pkg/provider/llm"
	"github.com/podweave/podweave/pkg/provider/llm/mock"
	"github.com/podweave/podweave/pkg/types"
)

// pilotVTT is a minimal two-cue transcript with the NOTE identity block the
// transcriber emits.
const pilotVTT = `WEBVTT

NOTE
podcast: Wired In
episode: Pilot
guid: ep-pilot
date: 2025-04-01T08:00:00Z

00:00:00.000 --> 00:00:12.000
<v HOST>Welcome back to Wired In.

00:00:12.000 --> 00:00:24.000
<v GUEST>Happy to join you.
`

// pilotAnalysis folds both cues into a single intro unit.
const pilotAnalysis = `{
  "themes": [],
  "spans": [{"start_index": 0, "end_index": 1, "unit_type": "intro", "summary": "Greetings", "is_complete": true}],
  "narrative_arc": "short hello",
  "coherence_score": 0.9
}`

const pilotExtraction = `{
  "entities": [{"name": "Wired In", "type": "ORGANIZATION", "confidence": 0.9, "mention_count": 1}],
  "insights": [],
  "quotes": [],
  "relationships": [],
  "themes": []
}`

func reply(text string, tokens int) mock.Result {
	return mock.Result{Response: &llm.Response{Text: text, Usage: llm.Usage{TotalTokens: tokens}}}
}

// testConfig returns a validated config rooted in fresh temp directories.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.APIKeys = []string{"secret-1"}
	cfg.DataDir = t.TempDir()
	cfg.OutputDir = t.TempDir()
	cfg.MaxConcurrentUnits = 1
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return cfg
}

// newApp wires an App over a scripted provider and an in-memory graph store.
func newApp(t *testing.T, cfg *config.Config, p *mock.Provider, store *memory.Store, extra ...app.Option) *app.App {
	t.Helper()
	opts := append([]app.Option{
		app.WithProviderFactory(func(string) (llm.Provider, error) { return p, nil }),
		app.WithGraphStore(store),
	}, extra...)
	a, err := app.New(cfg, opts...)
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}
	t.Cleanup(func() {
		if err := a.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	})
	return a
}

type stubSource struct {
	episodes []types.Episode
	err      error
}

func (s stubSource) Episodes(context.Context) ([]types.Episode, error) {
	return s.episodes, s.err
}

func TestNewRequiresConfig(t *testing.T) {
	t.Parallel()
	if _, err := app.New(nil); err == nil {
		t.Fatal("New(nil) = nil error, want config error")
	}
}

func TestNewReportsKeyStatuses(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.APIKeys = []string{"secret-1", "secret-2"}
	a := newApp(t, cfg, &mock.Provider{}, memory.New())

	statuses := a.KeyStatuses()
	if len(statuses) != 2 {
		t.Fatalf("KeyStatuses() returned %d entries, want 2", len(statuses))
	}
	for i, want := range []string{"key_1", "key_2"} {
		s := statuses[i]
		if s.ID != want {
			t.Errorf("statuses[%d].ID = %q, want %q", i, s.ID, want)
		}
		if s.RequestsToday != 0 || s.TokensToday != 0 {
			t.Errorf("fresh key %q reports usage %d req / %d tok", s.ID, s.RequestsToday, s.TokensToday)
		}
		if s.BreakerOpen || !s.RecoveryTime.IsZero() {
			t.Errorf("fresh key %q reports an open breaker", s.ID)
		}
	}
}

func TestNewCreatesDataDir(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.DataDir = filepath.Join(t.TempDir(), "nested", "state")
	newApp(t, cfg, &mock.Provider{}, memory.New())

	if _, err := os.Stat(cfg.DataDir); err != nil {
		t.Errorf("data dir not created: %v", err)
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Provider = "cassette"
	_, err := app.New(cfg)
	if err == nil || !strings.Contains(err.Error(), "unknown provider") {
		t.Fatalf("New() error = %v, want unknown provider", err)
	}
}

func TestNewAnyLLMRequiresModel(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Provider = "anyllm:openai"
	cfg.Model = ""
	_, err := app.New(cfg)
	if err == nil || !strings.Contains(err.Error(), "model") {
		t.Fatalf("New() error = %v, want missing-model error", err)
	}
}

func TestTranscribeRejectsTextOnlyBackend(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Provider = "openai"
	a := newApp(t, cfg, &mock.Provider{}, memory.New())

	_, err := a.Transcribe(context.Background(), stubSource{})
	if err == nil || !strings.Contains(err.Error(), "cannot transcribe audio") {
		t.Fatalf("Transcribe() error = %v, want audio-capability error", err)
	}
}

func TestTranscribeEmptyFeed(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	a := newApp(t, cfg, &mock.Provider{}, memory.New())

	sum, err := a.Transcribe(context.Background(), stubSource{})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if sum.Processed != 0 || sum.Failed != 0 || sum.Skipped != 0 {
		t.Errorf("summary = %+v, want all zero for an empty feed", sum)
	}
	if code := sum.ExitCode(); code != 0 {
		t.Errorf("ExitCode() = %d, want 0", code)
	}
}

func TestTranscribeFeedErrorPropagates(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	a := newApp(t, cfg, &mock.Provider{}, memory.New())

	feedErr := errors.New("feed unreachable")
	_, err := a.Transcribe(context.Background(), stubSource{err: feedErr})
	if !errors.Is(err, feedErr) {
		t.Fatalf("Transcribe() error = %v, want wrapped %v", err, feedErr)
	}
}

func TestSeedEndToEnd(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	inputDir := t.TempDir()
	path := filepath.Join(inputDir, "ep-pilot.vtt")
	if err := os.WriteFile(path, []byte(pilotVTT), 0o644); err != nil {
		t.Fatalf("writing transcript: %v", err)
	}

	p := &mock.Provider{Script: []mock.Result{
		reply(pilotAnalysis, 700),
		reply(pilotExtraction, 300),
	}}
	store := memory.New()
	a := newApp(t, cfg, p, store)

	sum, err := a.Seed(context.Background(), inputDir)
	if err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if sum.Processed != 1 || sum.Failed != 0 {
		t.Fatalf("summary = %+v, want 1 processed", sum)
	}
	res := sum.Episodes[0]
	if res.GUID != "ep-pilot" || res.Units != 1 || res.Entities != 1 {
		t.Errorf("episode result = %+v, want ep-pilot with 1 unit and 1 entity", res)
	}
	if store.NodeCount() == 0 {
		t.Error("seeding wrote nothing to the injected graph store")
	}

	statuses := a.KeyStatuses()
	if statuses[0].RequestsToday != 2 {
		t.Errorf("RequestsToday = %d, want 2", statuses[0].RequestsToday)
	}
	if statuses[0].TokensToday != 1000 {
		t.Errorf("TokensToday = %d, want 1000", statuses[0].TokensToday)
	}
	if p.CallCount() != 2 {
		t.Errorf("provider CallCount = %d, want 2", p.CallCount())
	}
}

func TestSeedMissingInputFails(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	a := newApp(t, cfg, &mock.Provider{}, memory.New())

	if _, err := a.Seed(context.Background(), filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("Seed() = nil error, want missing-input error")
	}
}

func TestShutdownPersistsControlState(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	a, err := app.New(cfg,
		app.WithProviderFactory(func(string) (llm.Provider, error) { return &mock.Provider{}, nil }),
		app.WithGraphStore(memory.New()),
	)
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.DataDir, ".quota_state.json")); err != nil {
		t.Errorf("control state not persisted: %v", err)
	}

	// Second call is a no-op.
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("repeated Shutdown() error = %v", err)
	}
}
