// Package graph turns one episode's seeding output into property-graph
// nodes and edges.
//
// Every node ID is a pure function of the episode GUID and the artifact
// content, and every write is an upsert, so seeding the same transcript
// twice converges to the same graph state. IDs follow one scheme:
//
//	episode    <guid>
//	structure  <guid>_structure
//	unit       <guid>_<unit_id>
//	entity     <guid>_entity_<fnv32a(type|canonical_name)>
//	theme      <guid>_theme_<slug>
//	insight    <guid>_<unit_id>_insight_<nnn>
//	quote      <guid>_<unit_id>_quote_<nnn>
//	podcast    podcast_<slug>
package graph

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"github.com/podweave/podweave/internal/seed"
	"github.com/podweave/podweave/pkg/graphstore"
)

// Node labels. Canonical entity nodes carry their resolved entity type as
// the label instead.
const (
	LabelPodcast   = "Podcast"
	LabelEpisode   = "Episode"
	LabelStructure = "ConversationStructure"
	LabelUnit      = "MeaningfulUnit"
	LabelTheme     = "Theme"
	LabelInsight   = "Insight"
	LabelQuote     = "Quote"
)

// Edge types.
const (
	EdgeHasEpisode      = "HAS_EPISODE"
	EdgeHasStructure    = "HAS_STRUCTURE"
	EdgeContainsUnit    = "CONTAINS_UNIT"
	EdgeContainsTheme   = "CONTAINS_THEME"
	EdgeExploresTheme   = "EXPLORES_THEME"
	EdgeContainsInsight = "CONTAINS_INSIGHT"
	EdgeContainsQuote   = "CONTAINS_QUOTE"
	EdgeMentions        = "MENTIONS"
	EdgeConnectedTo     = "CONNECTED_TO"
)

// Compile-time assertion that Writer implements the seeding contract.
var _ seed.GraphWriter = (*Writer)(nil)

// Writer persists seeding output through a [graphstore.Store].
type Writer struct {
	store graphstore.Store
}

// NewWriter creates a Writer over the given store.
func NewWriter(store graphstore.Store) *Writer {
	return &Writer{store: store}
}

// WriteEpisode upserts the episode's entire subgraph: podcast, episode,
// structure, themes, units, canonical entities, insights, quotes, and the
// edges between them. Nodes land before edges so every edge endpoint exists.
func (w *Writer) WriteEpisode(ctx context.Context, ep seed.EpisodeMeta, structure seed.ConversationStructure, units []seed.MeaningfulUnit, knowledge []seed.ExtractedKnowledge, res seed.Resolution) (seed.WriteStats, error) {
	g := newEpisodeGraph(ep, structure, units, knowledge, res)

	if err := w.store.UpsertNodes(ctx, g.nodes); err != nil {
		return seed.WriteStats{}, fmt.Errorf("graph: upsert nodes for %s: %w", ep.GUID, err)
	}
	if err := w.store.UpsertEdges(ctx, g.edges); err != nil {
		return seed.WriteStats{}, fmt.Errorf("graph: upsert edges for %s: %w", ep.GUID, err)
	}
	return seed.WriteStats{Nodes: len(g.nodes), Edges: len(g.edges)}, nil
}

// episodeGraph assembles one episode's nodes and edges in a deterministic
// order.
type episodeGraph struct {
	nodes []graphstore.Node
	edges []graphstore.Edge
}

func newEpisodeGraph(ep seed.EpisodeMeta, structure seed.ConversationStructure, units []seed.MeaningfulUnit, knowledge []seed.ExtractedKnowledge, res seed.Resolution) *episodeGraph {
	g := &episodeGraph{}

	episodeID := ep.GUID
	structureID := ep.GUID + "_structure"
	podcastID := "podcast_" + slug(ep.Podcast)

	g.addNode(podcastID, LabelPodcast, map[string]any{
		"name": ep.Podcast,
	})
	episodeProps := map[string]any{
		"guid":             ep.GUID,
		"title":            ep.Title,
		"podcast":          ep.Podcast,
		"duration_seconds": ep.Duration.Seconds(),
	}
	if !ep.Date.IsZero() {
		episodeProps["date"] = ep.Date.UTC().Format(time.RFC3339)
	}
	g.addNode(episodeID, LabelEpisode, episodeProps)
	g.addNode(structureID, LabelStructure, map[string]any{
		"narrative_arc":   structure.NarrativeArc,
		"coherence_score": structure.CoherenceScore,
		"degenerate":      structure.Degenerate,
		"theme_count":     len(structure.Themes),
		"unit_count":      len(units),
	})
	g.addEdge(podcastID, episodeID, EdgeHasEpisode, nil)
	g.addEdge(episodeID, structureID, EdgeHasStructure, nil)

	// Theme nodes: the analyzer's themes first (they carry descriptions),
	// then any theme only the unit extractions surfaced.
	themeIDs := make(map[string]string)
	for _, theme := range structure.Themes {
		id := ep.GUID + "_theme_" + slug(theme.Name)
		if _, dup := themeIDs[theme.Name]; dup {
			continue
		}
		themeIDs[theme.Name] = id
		g.addNode(id, LabelTheme, map[string]any{
			"name":        theme.Name,
			"description": theme.Description,
		})
		g.addEdge(structureID, id, EdgeContainsTheme, nil)
	}

	unitThemes := make([][]string, len(units))
	for i, unit := range units {
		names := append([]string(nil), unit.Themes...)
		if i < len(knowledge) {
			names = append(names, knowledge[i].Themes...)
		}
		unitThemes[i] = dedupe(names)
		for _, name := range unitThemes[i] {
			if _, ok := themeIDs[name]; ok {
				continue
			}
			id := ep.GUID + "_theme_" + slug(name)
			themeIDs[name] = id
			g.addNode(id, LabelTheme, map[string]any{
				"name":        name,
				"description": "",
			})
		}
	}

	// Units and their insights and quotes.
	for i, unit := range units {
		unitID := ep.GUID + "_" + unit.ID
		g.addNode(unitID, LabelUnit, map[string]any{
			"unit_id":       unit.ID,
			"type":          unit.Type,
			"summary":       unit.Summary,
			"start_seconds": unit.StartTime.Seconds(),
			"end_seconds":   unit.EndTime.Seconds(),
			"segment_count": len(unit.Segments),
			"is_complete":   unit.IsComplete,
		})
		g.addEdge(structureID, unitID, EdgeContainsUnit, nil)
		for _, name := range unitThemes[i] {
			g.addEdge(unitID, themeIDs[name], EdgeExploresTheme, nil)
		}

		if i >= len(knowledge) {
			continue
		}
		for n, insight := range knowledge[i].Insights {
			id := fmt.Sprintf("%s_insight_%03d", unitID, n)
			g.addNode(id, LabelInsight, map[string]any{
				"content":    insight.Content,
				"type":       insight.Type,
				"confidence": insight.Confidence,
				"unit_id":    unit.ID,
			})
			g.addEdge(unitID, id, EdgeContainsInsight, nil)
		}
		for n, quote := range knowledge[i].Quotes {
			id := fmt.Sprintf("%s_quote_%03d", unitID, n)
			g.addNode(id, LabelQuote, map[string]any{
				"text":       quote.Text,
				"speaker":    quote.Speaker,
				"quote_type": quote.QuoteType,
				"importance": quote.Importance,
				"unit_id":    unit.ID,
			})
			g.addEdge(unitID, id, EdgeContainsQuote, nil)
		}
	}

	// Canonical entities, with relationship evidence resolved to canonical
	// names where possible.
	evidence := relationshipEvidence(knowledge, res)
	entityIDs := make([]string, len(res.Entities))
	for i, entity := range res.Entities {
		// The type joins the hash so same-spelled entities of different
		// types ("Apple" the company, "apple" the fruit) keep distinct
		// nodes.
		id := fmt.Sprintf("%s_entity_%08x", ep.GUID, fnv32a(entity.Type+"|"+entity.CanonicalName))
		entityIDs[i] = id
		g.addNode(id, entity.Type, map[string]any{
			"name":             entity.CanonicalName,
			"type":             entity.Type,
			"aliases":          entity.Aliases,
			"appears_in_units": entity.AppearsInUnits,
			"total_mentions":   entity.TotalMentions,
			"confidence":       entity.Confidence,
			"relationships":    evidence[i],
		})
		g.addEdge(episodeID, id, EdgeMentions, map[string]any{
			"total_mentions": entity.TotalMentions,
			"confidence":     entity.Confidence,
		})
	}

	// Themes connect to the entities mentioned in the units exploring them.
	entitiesByUnit := make(map[string][]int)
	for _, m := range res.Mentions {
		if !containsInt(entitiesByUnit[m.UnitID], m.Canonical) {
			entitiesByUnit[m.UnitID] = append(entitiesByUnit[m.UnitID], m.Canonical)
		}
	}
	themeNames := make([]string, 0, len(themeIDs))
	for name := range themeIDs {
		themeNames = append(themeNames, name)
	}
	sort.Strings(themeNames)
	for _, name := range themeNames {
		connected := make(map[int]int) // canonical index → shared unit count
		for i, unit := range units {
			if !containsString(unitThemes[i], name) {
				continue
			}
			for _, idx := range entitiesByUnit[unit.ID] {
				connected[idx]++
			}
		}
		indices := make([]int, 0, len(connected))
		for idx := range connected {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			g.addEdge(themeIDs[name], entityIDs[idx], EdgeConnectedTo, map[string]any{
				"shared_units": connected[idx],
			})
		}
	}

	return g
}

// relationshipEvidence renders each extracted relationship as one line of
// evidence on its source entity, with both endpoints resolved to canonical
// names where the resolution knows them.
func relationshipEvidence(knowledge []seed.ExtractedKnowledge, res seed.Resolution) map[int][]string {
	canonical := make(map[string]int, len(res.Mentions))
	for _, m := range res.Mentions {
		canonical[m.UnitID+"\x00"+m.RawName] = m.Canonical
	}
	nameOf := func(unitID, raw string) (string, int) {
		if idx, ok := canonical[unitID+"\x00"+strings.TrimSpace(raw)]; ok {
			return res.Entities[idx].CanonicalName, idx
		}
		return strings.TrimSpace(raw), -1
	}

	evidence := make(map[int][]string, len(res.Entities))
	for i := range res.Entities {
		evidence[i] = []string{}
	}
	for _, k := range knowledge {
		for _, rel := range k.Relationships {
			source, idx := nameOf(k.UnitID, rel.SourceEntity)
			if idx < 0 {
				continue
			}
			target, _ := nameOf(k.UnitID, rel.TargetEntity)
			line := fmt.Sprintf("%s -> %s -> %s", source, rel.Type, target)
			if !containsString(evidence[idx], line) {
				evidence[idx] = append(evidence[idx], line)
			}
		}
	}
	for i := range evidence {
		sort.Strings(evidence[i])
	}
	return evidence
}

func (g *episodeGraph) addNode(id, label string, props map[string]any) {
	if props == nil {
		props = map[string]any{}
	}
	g.nodes = append(g.nodes, graphstore.Node{ID: id, Label: label, Properties: props})
}

func (g *episodeGraph) addEdge(source, target, typ string, props map[string]any) {
	if props == nil {
		props = map[string]any{}
	}
	g.edges = append(g.edges, graphstore.Edge{SourceID: source, TargetID: target, Type: typ, Properties: props})
}

// slug reduces a name to a stable lowercase token for node IDs.
func slug(s string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.TrimSuffix(b.String(), "_")
	if out == "" {
		return "unnamed"
	}
	if len(out) > 80 {
		out = strings.TrimSuffix(out[:80], "_")
	}
	return out
}

func fnv32a(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := names[:0]
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
