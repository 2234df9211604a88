package seed_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/podweave/podweave/internal/gateway"
	"github.com/podweave/podweave/internal/seed"
)

func testUnit(id string, segments ...int) seed.MeaningfulUnit {
	return seed.MeaningfulUnit{
		ID:         id,
		Type:       "discussion",
		Summary:    "a stretch of conversation",
		Segments:   segments,
		IsComplete: true,
	}
}

func TestExtractAllKeepsUnitOrder(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{script: []fakeReply{
		{text: `{"entities":[{"name":"Docker","type":"technology","confidence":0.9,"mention_count":2}],"themes":["containers"]}`},
		{text: `{"entities":[{"name":"Kubernetes","type":"TECHNOLOGY","confidence":0.8,"mention_count":1}]}`},
	}}
	segments := tenSecondSegments(4)
	units := []seed.MeaningfulUnit{testUnit("unit_000", 0, 1), testUnit("unit_001", 2, 3)}

	results, err := seed.NewExtractor(gw, 1, nil).ExtractAll(context.Background(), episodeMeta(), units, segments)
	if err != nil {
		t.Fatalf("ExtractAll() error = %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("ExtractAll() returned %d results, want 2", len(results))
	}
	if results[0].UnitID != "unit_000" || results[1].UnitID != "unit_001" {
		t.Errorf("result order = %s, %s; want unit order", results[0].UnitID, results[1].UnitID)
	}
	if results[0].Entities[0].Name != "Docker" || results[1].Entities[0].Name != "Kubernetes" {
		t.Errorf("entities landed on the wrong units: %+v", results)
	}
	if got := results[0].Entities[0].Type; got != "TECHNOLOGY" {
		t.Errorf("entity type = %q, want uppercased TECHNOLOGY", got)
	}

	prompt := gw.prompt(0)
	for _, fragment := range []string{"a stretch of conversation", "utterance 0", "utterance 1"} {
		if !strings.Contains(prompt, fragment) {
			t.Errorf("extraction prompt missing %q", fragment)
		}
	}
	if strings.Contains(prompt, "utterance 2") {
		t.Error("first unit's prompt leaks the second unit's segments")
	}
}

func TestExtractSanitizesResponse(t *testing.T) {
	t.Parallel()
	raw := `{
	  "entities": [
	    {"name": " Docker ", "type": "technology", "confidence": 1.7, "mention_count": 0, "description": "container runtime"},
	    {"name": "Docker", "type": "TECHNOLOGY", "confidence": 0.6, "mention_count": 2, "description": "container runtime used everywhere"},
	    {"name": "", "type": "PERSON"},
	    {"name": "Ghost", "type": ""}
	  ],
	  "insights": [
	    {"content": " Containers won ", "type": "forecast", "confidence": -0.2},
	    {"content": "", "type": "fact"}
	  ],
	  "quotes": [
	    {"text": " Ship it ", "speaker": " HOST ", "quote_type": "funny", "importance": 2},
	    {"text": "   "}
	  ],
	  "relationships": [
	    {"source_entity": "Docker", "target_entity": "Kubernetes", "type": " Competes With ", "confidence": 0.5},
	    {"source_entity": "Docker", "target_entity": "", "type": "related_to"}
	  ],
	  "themes": [" containers ", "containers", ""]
	}`
	gw := &fakeGateway{script: []fakeReply{{text: raw}}}

	results, err := seed.NewExtractor(gw, 1, nil).ExtractAll(context.Background(), episodeMeta(),
		[]seed.MeaningfulUnit{testUnit("unit_000", 0, 1)}, tenSecondSegments(2))
	if err != nil {
		t.Fatalf("ExtractAll() error = %v", err)
	}

	want := seed.ExtractedKnowledge{
		UnitID: "unit_000",
		Entities: []seed.Entity{{
			Name:         "Docker",
			Type:         "TECHNOLOGY",
			Description:  "container runtime used everywhere",
			Confidence:   1.0,
			MentionCount: 3,
		}},
		Insights:      []seed.Insight{{Content: "Containers won", Type: "prediction", Confidence: 0}},
		Quotes:        []seed.Quote{{Text: "Ship it", Speaker: "HOST", QuoteType: "humorous", Importance: 1.0}},
		Relationships: []seed.Relationship{{SourceEntity: "Docker", TargetEntity: "Kubernetes", Type: "competes_with", Confidence: 0.5}},
		Themes:        []string{"containers"},
	}
	if !reflect.DeepEqual(results[0], want) {
		t.Errorf("sanitized knowledge = %+v\nwant %+v", results[0], want)
	}
}

func TestExtractMalformedUnitDegrades(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{script: []fakeReply{
		{text: `{"entities":[{"name":"Docker","type":"TECHNOLOGY","confidence":0.9,"mention_count":1}]}`},
		{text: "not json"},
		{text: "still not json"},
		{text: "never json"},
	}}
	segments := tenSecondSegments(4)
	units := []seed.MeaningfulUnit{testUnit("unit_000", 0, 1), testUnit("unit_001", 2, 3)}

	results, err := seed.NewExtractor(gw, 1, nil).ExtractAll(context.Background(), episodeMeta(), units, segments)
	if err != nil {
		t.Fatalf("ExtractAll() error = %v", err)
	}
	if gw.calls() != 4 {
		t.Errorf("gateway calls = %d, want 4 (one good unit, one unit asked three times)", gw.calls())
	}
	if !strings.Contains(gw.prompt(2), "previous reply") || !strings.Contains(gw.prompt(3), "previous reply") {
		t.Error("corrective retries do not carry the corrective note")
	}

	if len(results[0].Entities) != 1 {
		t.Errorf("healthy unit lost its knowledge: %+v", results[0])
	}
	wantEmpty := seed.ExtractedKnowledge{
		UnitID:        "unit_001",
		Entities:      []seed.Entity{},
		Insights:      []seed.Insight{},
		Quotes:        []seed.Quote{},
		Relationships: []seed.Relationship{},
	}
	if !reflect.DeepEqual(results[1], wantEmpty) {
		t.Errorf("malformed unit = %+v, want empty knowledge", results[1])
	}
}

func TestExtractCapacityErrorAbortsBatch(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{script: []fakeReply{
		{err: gateway.ErrQuotaExhausted},
		{text: `{"entities":[]}`},
	}}
	segments := tenSecondSegments(4)
	units := []seed.MeaningfulUnit{testUnit("unit_000", 0, 1), testUnit("unit_001", 2, 3)}

	results, err := seed.NewExtractor(gw, 1, nil).ExtractAll(context.Background(), episodeMeta(), units, segments)
	if !errors.Is(err, gateway.ErrQuotaExhausted) {
		t.Fatalf("ExtractAll() error = %v, want quota exhaustion to propagate", err)
	}
	if results != nil {
		t.Errorf("ExtractAll() results = %+v, want nil on abort", results)
	}
}

func TestExtractBoundsConcurrency(t *testing.T) {
	t.Parallel()
	const reply = `{"entities":[]}`
	gw := &fakeGateway{block: 50 * time.Millisecond}
	segments := tenSecondSegments(12)
	var units []seed.MeaningfulUnit
	for i := 0; i < 6; i++ {
		gw.script = append(gw.script, fakeReply{text: reply})
		units = append(units, testUnit(fmt.Sprintf("unit_%03d", i), i*2, i*2+1))
	}

	if _, err := seed.NewExtractor(gw, 3, nil).ExtractAll(context.Background(), episodeMeta(), units, segments); err != nil {
		t.Fatalf("ExtractAll() error = %v", err)
	}
	if gw.peak > 3 {
		t.Errorf("peak in-flight calls = %d, want at most 3", gw.peak)
	}
	if gw.peak < 2 {
		t.Errorf("peak in-flight calls = %d, want overlapping calls", gw.peak)
	}
}
