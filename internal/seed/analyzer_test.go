package seed_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/podweave/podweave/internal/gateway"
	"github.com/podweave/podweave/internal/seed"
)

// fakeGateway scripts Extract responses in call order. It is safe for
// concurrent use and records every prompt plus the peak number of in-flight
// calls, which the extractor's concurrency test reads back.
type fakeGateway struct {
	mu       sync.Mutex
	script   []fakeReply
	prompts  []string
	inFlight int
	peak     int

	// block extends each call so overlapping calls actually overlap.
	block time.Duration
}

type fakeReply struct {
	text string
	err  error
}

func (g *fakeGateway) Extract(ctx context.Context, prompt string, jsonMode bool) (string, error) {
	g.mu.Lock()
	g.inFlight++
	if g.inFlight > g.peak {
		g.peak = g.inFlight
	}
	g.prompts = append(g.prompts, prompt)
	reply := fakeReply{err: errors.New("fake gateway: script exhausted")}
	if len(g.script) > 0 {
		reply = g.script[0]
		g.script = g.script[1:]
	}
	block := g.block
	g.mu.Unlock()

	if block > 0 {
		select {
		case <-time.After(block):
		case <-ctx.Done():
		}
	}

	g.mu.Lock()
	g.inFlight--
	g.mu.Unlock()
	return reply.text, reply.err
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

func (g *fakeGateway) prompt(i int) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prompts[i]
}

const validAnalysisJSON = `Here is the structure:
{
  "themes": [
    {"name": " AI progress ", "description": " where models are going ", "related_units": [0, 1]},
    {"name": "   ", "description": "nameless, dropped"}
  ],
  "spans": [
    {"start_index": 0, "end_index": 1, "unit_type": "INTRO", "summary": " welcome ", "is_complete": true},
    {"start_index": 2, "end_index": 3, "unit_type": "wrap-up", "summary": "everything else", "is_complete": false}
  ],
  "narrative_arc": " setup then payoff ",
  "coherence_score": 1.4,
  "degenerate": true
}`

func episodeMeta() seed.EpisodeMeta {
	return seed.EpisodeMeta{
		GUID:     "ep-1",
		Title:    "Episode One",
		Podcast:  "Deep Dive",
		Date:     time.Date(2025, 3, 8, 6, 0, 0, 0, time.UTC),
		Duration: 40 * time.Second,
	}
}

func TestAnalyzeParsesStructure(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{script: []fakeReply{{text: validAnalysisJSON}}}

	structure, err := seed.NewAnalyzer(gw, nil).Analyze(context.Background(), episodeMeta(), tenSecondSegments(4))
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	if gw.calls() != 1 {
		t.Errorf("gateway calls = %d, want 1", gw.calls())
	}
	if len(structure.Themes) != 1 || structure.Themes[0].Name != "AI progress" {
		t.Errorf("themes = %+v, want the one named theme, trimmed", structure.Themes)
	}
	if len(structure.Spans) != 2 {
		t.Fatalf("spans = %+v, want 2", structure.Spans)
	}
	if structure.Spans[0].UnitType != "intro" || structure.Spans[0].Summary != "welcome" {
		t.Errorf("first span = %+v, want normalized intro", structure.Spans[0])
	}
	if structure.Spans[1].UnitType != "other" {
		t.Errorf("second span type = %q, want other (unknown normalizes)", structure.Spans[1].UnitType)
	}
	if structure.NarrativeArc != "setup then payoff" {
		t.Errorf("NarrativeArc = %q, want trimmed", structure.NarrativeArc)
	}
	if structure.CoherenceScore != 1.0 {
		t.Errorf("CoherenceScore = %v, want clamped to 1.0", structure.CoherenceScore)
	}
	if structure.Degenerate {
		t.Error("Degenerate = true, want false regardless of model output")
	}

	prompt := gw.prompt(0)
	for _, fragment := range []string{"Episode One", "[0]", "[3]", "utterance 2"} {
		if !strings.Contains(prompt, fragment) {
			t.Errorf("analysis prompt missing %q", fragment)
		}
	}
}

func TestAnalyzeCorrectiveRetry(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{script: []fakeReply{
		{text: "sorry, I cannot produce JSON"},
		{text: validAnalysisJSON},
	}}

	structure, err := seed.NewAnalyzer(gw, nil).Analyze(context.Background(), episodeMeta(), tenSecondSegments(4))
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if structure.Degenerate {
		t.Error("Degenerate = true, want retry to recover the real structure")
	}
	if gw.calls() != 2 {
		t.Fatalf("gateway calls = %d, want 2", gw.calls())
	}
	if strings.Contains(gw.prompt(0), "previous reply") {
		t.Error("first prompt already carries the corrective note")
	}
	if !strings.Contains(gw.prompt(1), "previous reply") {
		t.Error("retry prompt does not carry the corrective note")
	}
}

func TestAnalyzeDegeneratesAfterRetries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		script []fakeReply
		calls  int
	}{
		{
			name:   "persistent malformed output",
			script: []fakeReply{{text: "no json here"}, {text: "{\"spans\": []}"}},
			calls:  2,
		},
		{
			name:   "spans outside the transcript",
			script: []fakeReply{{text: `{"spans":[{"start_index":40,"end_index":50,"unit_type":"intro"}]}`}, {text: "still bad"}},
			calls:  2,
		},
		{
			name:   "model failure that is not capacity",
			script: []fakeReply{{err: errors.New("malformed response")}},
			calls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gw := &fakeGateway{script: tt.script}
			segments := tenSecondSegments(4)

			structure, err := seed.NewAnalyzer(gw, nil).Analyze(context.Background(), episodeMeta(), segments)
			if err != nil {
				t.Fatalf("Analyze() error = %v, want degenerate fallback", err)
			}
			if gw.calls() != tt.calls {
				t.Errorf("gateway calls = %d, want %d", gw.calls(), tt.calls)
			}
			if !structure.Degenerate {
				t.Fatal("Degenerate = false, want degenerate structure")
			}
			if len(structure.Spans) != 1 {
				t.Fatalf("degenerate spans = %+v, want exactly one", structure.Spans)
			}
			span := structure.Spans[0]
			if span.StartIndex != 0 || span.EndIndex != len(segments)-1 {
				t.Errorf("degenerate span covers %d..%d, want 0..%d", span.StartIndex, span.EndIndex, len(segments)-1)
			}
			if span.UnitType != "discussion" || !span.IsComplete {
				t.Errorf("degenerate span = %+v, want complete discussion", span)
			}
		})
	}
}

func TestAnalyzeCapacityErrorPropagates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{"quota exhausted", gateway.ErrQuotaExhausted},
		{"circuit open", &gateway.CircuitOpenError{RecoveryTime: time.Now().Add(time.Hour)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gw := &fakeGateway{script: []fakeReply{{err: tt.err}}}

			_, err := seed.NewAnalyzer(gw, nil).Analyze(context.Background(), episodeMeta(), tenSecondSegments(4))
			if !errors.Is(err, tt.err) {
				t.Errorf("Analyze() error = %v, want %v to propagate", err, tt.err)
			}
			if gw.calls() != 1 {
				t.Errorf("gateway calls = %d, want 1 (no corrective retry on capacity)", gw.calls())
			}
		})
	}
}
