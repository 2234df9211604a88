package graph_test

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/podweave/podweave/internal/graph"
	"github.com/podweave/podweave/internal/seed"
	"github.com/podweave/podweave/pkg/graphstore"
	"github.com/podweave/podweave/pkg/graphstore/memory"
)

// testEpisode returns a two-unit episode with one structural theme, one
// extraction-only theme, two canonical entities, an insight, a quote, and
// one resolvable relationship.
func testEpisode() (seed.EpisodeMeta, seed.ConversationStructure, []seed.MeaningfulUnit, []seed.ExtractedKnowledge, seed.Resolution) {
	meta := seed.EpisodeMeta{
		GUID:     "ep-9",
		Title:    "Graph Special",
		Podcast:  "Deep Dive!",
		Date:     time.Date(2025, 3, 8, 6, 0, 0, 0, time.UTC),
		Duration: 40 * time.Second,
	}
	structure := seed.ConversationStructure{
		Themes:         []seed.Theme{{Name: "Knowledge graphs", Description: "graphs as memory"}},
		NarrativeArc:   "setup then payoff",
		CoherenceScore: 0.8,
	}
	units := []seed.MeaningfulUnit{
		{ID: "unit_000", Type: "intro", Summary: "Opening", EndTime: 20 * time.Second, Segments: []int{0, 1}, IsComplete: true},
		{ID: "unit_001", Type: "discussion", Summary: "Graph talk", StartTime: 20 * time.Second, EndTime: 40 * time.Second,
			Segments: []int{2, 3}, Themes: []string{"Knowledge graphs"}, IsComplete: true},
	}
	knowledge := []seed.ExtractedKnowledge{
		{
			UnitID:   "unit_000",
			Insights: []seed.Insight{{Content: "Graphs outlive schemas", Type: "observation", Confidence: 0.7}},
		},
		{
			UnitID: "unit_001",
			Quotes: []seed.Quote{{Text: "Graphs remember.", Speaker: "GUEST", QuoteType: "insightful", Importance: 0.8}},
			Relationships: []seed.Relationship{
				{SourceEntity: "Alice", TargetEntity: "Neo4j", Type: "uses", Confidence: 0.8},
				{SourceEntity: "Bob", TargetEntity: "Alice", Type: "knows", Confidence: 0.5},
			},
			Themes: []string{"graph databases"},
		},
	}
	res := seed.Resolution{
		Entities: []seed.CanonicalEntity{
			{CanonicalName: "Alice Chen", Type: "PERSON", Aliases: []string{"Alice", "Alice Chen"},
				AppearsInUnits: []string{"unit_000", "unit_001"}, TotalMentions: 3, Confidence: 0.9},
			{CanonicalName: "Neo4j", Type: "TECHNOLOGY", Aliases: []string{"Neo4j"},
				AppearsInUnits: []string{"unit_001"}, TotalMentions: 2, Confidence: 0.95},
		},
		Mentions: []seed.MentionMapping{
			{UnitID: "unit_000", RawName: "Alice Chen", Canonical: 0},
			{UnitID: "unit_001", RawName: "Alice", Canonical: 0},
			{UnitID: "unit_001", RawName: "Neo4j", Canonical: 1},
		},
		ReductionRatio: 1 - 2.0/3.0,
	}
	return meta, structure, units, knowledge, res
}

// allEdges collects every edge in the store, keyed off the deterministic node
// listing.
func allEdges(t *testing.T, store *memory.Store) []graphstore.Edge {
	t.Helper()
	ctx := context.Background()
	nodes, err := store.FindNodes(ctx, "")
	if err != nil {
		t.Fatalf("FindNodes() error = %v", err)
	}
	var edges []graphstore.Edge
	for _, n := range nodes {
		out, err := store.EdgesFrom(ctx, n.ID)
		if err != nil {
			t.Fatalf("EdgesFrom(%s) error = %v", n.ID, err)
		}
		edges = append(edges, out...)
	}
	return edges
}

func mustNode(t *testing.T, store *memory.Store, id string) graphstore.Node {
	t.Helper()
	n, err := store.GetNode(context.Background(), id)
	if err != nil {
		t.Fatalf("GetNode(%s) error = %v", id, err)
	}
	if n == nil {
		t.Fatalf("node %s missing", id)
	}
	return *n
}

func TestWriteEpisodeGraphShape(t *testing.T) {
	t.Parallel()
	store := memory.New()
	meta, structure, units, knowledge, res := testEpisode()

	stats, err := graph.NewWriter(store).WriteEpisode(context.Background(), meta, structure, units, knowledge, res)
	if err != nil {
		t.Fatalf("WriteEpisode() error = %v", err)
	}
	if stats.Nodes != store.NodeCount() || stats.Edges != store.EdgeCount() {
		t.Errorf("stats = %+v, store holds %d nodes / %d edges", stats, store.NodeCount(), store.EdgeCount())
	}
	if stats.Nodes != 11 || stats.Edges != 15 {
		t.Errorf("stats = %+v, want 11 nodes and 15 edges", stats)
	}

	podcast := mustNode(t, store, "podcast_deep_dive")
	if podcast.Label != graph.LabelPodcast || podcast.Properties["name"] != "Deep Dive!" {
		t.Errorf("podcast node = %+v, want slugged ID with the raw name", podcast)
	}

	episode := mustNode(t, store, "ep-9")
	if episode.Label != graph.LabelEpisode {
		t.Errorf("episode label = %q, want %q", episode.Label, graph.LabelEpisode)
	}
	if episode.Properties["date"] != "2025-03-08T06:00:00Z" {
		t.Errorf("episode date = %v, want RFC 3339 UTC", episode.Properties["date"])
	}
	if episode.Properties["duration_seconds"] != 40.0 {
		t.Errorf("duration_seconds = %v, want 40", episode.Properties["duration_seconds"])
	}

	structureNode := mustNode(t, store, "ep-9_structure")
	if structureNode.Properties["unit_count"] != 2 || structureNode.Properties["theme_count"] != 1 {
		t.Errorf("structure node = %+v, want 2 units and 1 theme", structureNode.Properties)
	}
	if structureNode.Properties["degenerate"] != false {
		t.Errorf("degenerate = %v, want false", structureNode.Properties["degenerate"])
	}

	unit := mustNode(t, store, "ep-9_unit_001")
	if unit.Label != graph.LabelUnit || unit.Properties["type"] != "discussion" {
		t.Errorf("unit node = %+v, want discussion MeaningfulUnit", unit)
	}
	if unit.Properties["start_seconds"] != 20.0 || unit.Properties["end_seconds"] != 40.0 {
		t.Errorf("unit times = %v..%v, want 20..40", unit.Properties["start_seconds"], unit.Properties["end_seconds"])
	}

	// The structural theme carries its description; the extraction-only theme
	// exists with an empty one.
	named := mustNode(t, store, "ep-9_theme_knowledge_graphs")
	if named.Properties["description"] != "graphs as memory" {
		t.Errorf("theme description = %v, want the analyzer's", named.Properties["description"])
	}
	extractionOnly := mustNode(t, store, "ep-9_theme_graph_databases")
	if extractionOnly.Label != graph.LabelTheme || extractionOnly.Properties["description"] != "" {
		t.Errorf("extraction-only theme = %+v, want empty description", extractionOnly)
	}

	mustNode(t, store, "ep-9_unit_000_insight_000")
	quote := mustNode(t, store, "ep-9_unit_001_quote_000")
	if quote.Properties["speaker"] != "GUEST" || quote.Properties["quote_type"] != "insightful" {
		t.Errorf("quote node = %+v", quote.Properties)
	}
}

func TestWriteEpisodeEdgeTypes(t *testing.T) {
	t.Parallel()
	store := memory.New()
	meta, structure, units, knowledge, res := testEpisode()
	if _, err := graph.NewWriter(store).WriteEpisode(context.Background(), meta, structure, units, knowledge, res); err != nil {
		t.Fatalf("WriteEpisode() error = %v", err)
	}

	got := map[string]int{}
	for _, e := range allEdges(t, store) {
		got[e.Type]++
	}
	want := map[string]int{
		graph.EdgeHasEpisode:      1,
		graph.EdgeHasStructure:    1,
		graph.EdgeContainsTheme:   1,
		graph.EdgeContainsUnit:    2,
		graph.EdgeExploresTheme:   2,
		graph.EdgeContainsInsight: 1,
		graph.EdgeContainsQuote:   1,
		graph.EdgeMentions:        2,
		graph.EdgeConnectedTo:     4,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("edge type counts = %v, want %v", got, want)
	}
}

func TestWriteEpisodeEntities(t *testing.T) {
	t.Parallel()
	store := memory.New()
	ctx := context.Background()
	meta, structure, units, knowledge, res := testEpisode()
	if _, err := graph.NewWriter(store).WriteEpisode(ctx, meta, structure, units, knowledge, res); err != nil {
		t.Fatalf("WriteEpisode() error = %v", err)
	}

	persons, err := store.FindNodes(ctx, "PERSON")
	if err != nil || len(persons) != 1 {
		t.Fatalf("FindNodes(PERSON) = %v, %v; want exactly one", persons, err)
	}
	person := persons[0]
	if !strings.HasPrefix(person.ID, "ep-9_entity_") {
		t.Errorf("entity node ID = %q, want ep-9_entity_ prefix", person.ID)
	}
	if person.Properties["name"] != "Alice Chen" || person.Properties["total_mentions"] != 3 {
		t.Errorf("person node = %+v", person.Properties)
	}
	if got, want := person.Properties["aliases"], []string{"Alice", "Alice Chen"}; !reflect.DeepEqual(got, want) {
		t.Errorf("aliases = %v, want %v", got, want)
	}

	// Relationship evidence resolves known endpoints to canonical names and
	// drops lines whose source never resolved.
	wantEvidence := []string{"Alice Chen -> uses -> Neo4j"}
	if got := person.Properties["relationships"]; !reflect.DeepEqual(got, wantEvidence) {
		t.Errorf("relationships = %v, want %v", got, wantEvidence)
	}
	techs, err := store.FindNodes(ctx, "TECHNOLOGY")
	if err != nil || len(techs) != 1 {
		t.Fatalf("FindNodes(TECHNOLOGY) = %v, %v; want exactly one", techs, err)
	}
	if got := techs[0].Properties["relationships"]; !reflect.DeepEqual(got, []string{}) {
		t.Errorf("target-side relationships = %v, want empty", got)
	}

	// MENTIONS edges hang off the episode with the mention counts.
	edges, err := store.EdgesFrom(ctx, "ep-9")
	if err != nil {
		t.Fatalf("EdgesFrom(ep-9) error = %v", err)
	}
	mentions := 0
	for _, e := range edges {
		if e.Type != graph.EdgeMentions {
			continue
		}
		mentions++
		if e.TargetID == person.ID && e.Properties["total_mentions"] != 3 {
			t.Errorf("MENTIONS edge props = %+v, want total_mentions 3", e.Properties)
		}
	}
	if mentions != 2 {
		t.Errorf("MENTIONS edges = %d, want 2", mentions)
	}
}

func TestWriteEpisodeUnresolvedTargetKeepsRawName(t *testing.T) {
	t.Parallel()
	store := memory.New()
	ctx := context.Background()
	meta, structure, units, knowledge, res := testEpisode()
	knowledge[1].Relationships = []seed.Relationship{
		{SourceEntity: "Alice", TargetEntity: "The Louvre", Type: "visited", Confidence: 0.4},
	}

	if _, err := graph.NewWriter(store).WriteEpisode(ctx, meta, structure, units, knowledge, res); err != nil {
		t.Fatalf("WriteEpisode() error = %v", err)
	}
	persons, err := store.FindNodes(ctx, "PERSON")
	if err != nil || len(persons) != 1 {
		t.Fatalf("FindNodes(PERSON) = %v, %v", persons, err)
	}
	want := []string{"Alice Chen -> visited -> The Louvre"}
	if got := persons[0].Properties["relationships"]; !reflect.DeepEqual(got, want) {
		t.Errorf("relationships = %v, want unresolved target kept verbatim: %v", got, want)
	}
}

func TestWriteEpisodeSameNameDifferentTypes(t *testing.T) {
	t.Parallel()
	store := memory.New()
	ctx := context.Background()
	meta := seed.EpisodeMeta{GUID: "ep-10", Title: "Apples", Podcast: "Deep Dive"}
	units := []seed.MeaningfulUnit{{ID: "unit_000", Type: "discussion", Segments: []int{0}, IsComplete: true}}
	res := seed.Resolution{
		Entities: []seed.CanonicalEntity{
			{CanonicalName: "Apple", Type: "ORGANIZATION", Aliases: []string{"Apple"}, AppearsInUnits: []string{"unit_000"}, TotalMentions: 1, Confidence: 0.9},
			{CanonicalName: "Apple", Type: "FOOD", Aliases: []string{"Apple"}, AppearsInUnits: []string{"unit_000"}, TotalMentions: 1, Confidence: 0.6},
		},
		Mentions: []seed.MentionMapping{
			{UnitID: "unit_000", RawName: "Apple", Canonical: 0},
			{UnitID: "unit_000", RawName: "Apple", Canonical: 1},
		},
	}

	if _, err := graph.NewWriter(store).WriteEpisode(ctx, meta, seed.ConversationStructure{}, units,
		[]seed.ExtractedKnowledge{{UnitID: "unit_000"}}, res); err != nil {
		t.Fatalf("WriteEpisode() error = %v", err)
	}

	orgs, _ := store.FindNodes(ctx, "ORGANIZATION")
	foods, _ := store.FindNodes(ctx, "FOOD")
	if len(orgs) != 1 || len(foods) != 1 {
		t.Fatalf("entity nodes = %d orgs, %d foods; want one each", len(orgs), len(foods))
	}
	if orgs[0].ID == foods[0].ID {
		t.Errorf("same-spelled entities of different types share node ID %q", orgs[0].ID)
	}
}

func TestWriteEpisodeOmitsZeroDate(t *testing.T) {
	t.Parallel()
	store := memory.New()
	meta, structure, units, knowledge, res := testEpisode()
	meta.Date = time.Time{}

	if _, err := graph.NewWriter(store).WriteEpisode(context.Background(), meta, structure, units, knowledge, res); err != nil {
		t.Fatalf("WriteEpisode() error = %v", err)
	}
	episode := mustNode(t, store, "ep-9")
	if _, ok := episode.Properties["date"]; ok {
		t.Errorf("episode props = %+v, want no date key for an unknown date", episode.Properties)
	}
}

func TestWriteEpisodeIdempotent(t *testing.T) {
	t.Parallel()
	store := memory.New()
	meta, structure, units, knowledge, res := testEpisode()
	w := graph.NewWriter(store)

	first, err := w.WriteEpisode(context.Background(), meta, structure, units, knowledge, res)
	if err != nil {
		t.Fatalf("first WriteEpisode() error = %v", err)
	}
	nodesBefore, err := store.FindNodes(context.Background(), "")
	if err != nil {
		t.Fatalf("FindNodes() error = %v", err)
	}

	second, err := w.WriteEpisode(context.Background(), meta, structure, units, knowledge, res)
	if err != nil {
		t.Fatalf("second WriteEpisode() error = %v", err)
	}
	if first != second {
		t.Errorf("stats changed across rewrites: %+v then %+v", first, second)
	}
	if store.NodeCount() != first.Nodes || store.EdgeCount() != first.Edges {
		t.Errorf("store grew to %d nodes / %d edges, want %+v", store.NodeCount(), store.EdgeCount(), first)
	}
	nodesAfter, err := store.FindNodes(context.Background(), "")
	if err != nil {
		t.Fatalf("FindNodes() error = %v", err)
	}
	if !reflect.DeepEqual(nodesBefore, nodesAfter) {
		t.Error("rewrite changed node content")
	}
}
