package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
)

// extractRetries is how many corrective re-asks a malformed extraction
// response gets before the unit proceeds with no knowledge.
const extractRetries = 2

// DefaultUnitConcurrency bounds how many units are extracted in parallel.
// Three keeps a single key inside typical per-minute windows while the
// other calls are in flight.
const DefaultUnitConcurrency = 3

// Extractor pulls entities, insights, quotes, and relationships out of
// meaningful units, one LLM call per unit.
type Extractor struct {
	gw          LLMGateway
	concurrency int
	log         *slog.Logger
}

// NewExtractor creates an Extractor running at most concurrency unit calls
// at once. Zero or negative concurrency falls back to
// [DefaultUnitConcurrency]; a nil logger falls back to slog.Default.
func NewExtractor(gw LLMGateway, concurrency int, log *slog.Logger) *Extractor {
	if concurrency <= 0 {
		concurrency = DefaultUnitConcurrency
	}
	if log == nil {
		log = slog.Default()
	}
	return &Extractor{gw: gw, concurrency: concurrency, log: log}
}

// ExtractAll extracts every unit and returns the results in unit order.
// A unit whose extraction misbehaves semantically contributes an empty
// result rather than failing the episode; only capacity errors and
// cancellation abort the batch, so the run can park and resume without
// losing the quota already spent on other units.
func (e *Extractor) ExtractAll(ctx context.Context, meta EpisodeMeta, units []MeaningfulUnit, segments []Segment) ([]ExtractedKnowledge, error) {
	results := make([]ExtractedKnowledge, len(units))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, unit := range units {
		g.Go(func() error {
			knowledge, err := e.extractUnit(ctx, meta, unit, segments)
			if err != nil {
				return err
			}
			results[i] = knowledge
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// extractUnit runs one unit's extraction call with corrective retries for
// malformed JSON. Failures that are not capacity problems degrade to an
// empty result.
func (e *Extractor) extractUnit(ctx context.Context, meta EpisodeMeta, unit MeaningfulUnit, segments []Segment) (ExtractedKnowledge, error) {
	text := unitText(unit, segments)

	var lastErr error
	for attempt := 0; attempt <= extractRetries; attempt++ {
		raw, err := e.gw.Extract(ctx, extractionPrompt(meta, unit, text, attempt > 0), true)
		if err != nil {
			if isCapacityError(err) || ctx.Err() != nil {
				return ExtractedKnowledge{}, err
			}
			e.log.Warn("unit extraction failed, continuing without its knowledge",
				"guid", meta.GUID, "unit", unit.ID, "error", err)
			return emptyKnowledge(unit.ID), nil
		}
		knowledge, perr := parseExtraction(raw, unit.ID)
		if perr == nil {
			return knowledge, nil
		}
		lastErr = perr
		e.log.Warn("unit extraction returned malformed JSON",
			"guid", meta.GUID, "unit", unit.ID, "attempt", attempt+1, "error", perr)
	}
	e.log.Warn("unit extraction kept returning malformed JSON, continuing without its knowledge",
		"guid", meta.GUID, "unit", unit.ID, "error", lastErr)
	return emptyKnowledge(unit.ID), nil
}

// parseExtraction unmarshals and sanitizes one extraction response: entries
// missing their identifying fields are dropped, types normalize onto the
// bounded vocabularies, scores clamp to [0,1], and duplicate entity mentions
// within the unit merge.
func parseExtraction(text, unitID string) (ExtractedKnowledge, error) {
	var k ExtractedKnowledge
	if err := json.Unmarshal([]byte(extractJSON(text)), &k); err != nil {
		return ExtractedKnowledge{}, fmt.Errorf("unmarshal extraction: %w", err)
	}
	k.UnitID = unitID

	entities := make([]Entity, 0, len(k.Entities))
	seen := make(map[string]int)
	for _, entity := range k.Entities {
		entity.Name = strings.TrimSpace(entity.Name)
		entity.Type = strings.ToUpper(strings.TrimSpace(entity.Type))
		if entity.Name == "" || entity.Type == "" {
			continue
		}
		entity.Description = strings.TrimSpace(entity.Description)
		entity.Confidence = clamp01(entity.Confidence)
		if entity.MentionCount < 1 {
			entity.MentionCount = 1
		}
		key := entity.Name + "\x00" + entity.Type
		if at, dup := seen[key]; dup {
			merged := &entities[at]
			merged.MentionCount += entity.MentionCount
			if entity.Confidence > merged.Confidence {
				merged.Confidence = entity.Confidence
			}
			if len(entity.Description) > len(merged.Description) {
				merged.Description = entity.Description
			}
			continue
		}
		seen[key] = len(entities)
		entities = append(entities, entity)
	}
	k.Entities = entities

	insights := make([]Insight, 0, len(k.Insights))
	for _, insight := range k.Insights {
		insight.Content = strings.TrimSpace(insight.Content)
		if insight.Content == "" {
			continue
		}
		insight.Type = normalizeInsightType(insight.Type)
		insight.Confidence = clamp01(insight.Confidence)
		insights = append(insights, insight)
	}
	k.Insights = insights

	quotes := make([]Quote, 0, len(k.Quotes))
	for _, quote := range k.Quotes {
		quote.Text = strings.TrimSpace(quote.Text)
		if quote.Text == "" {
			continue
		}
		quote.Speaker = strings.TrimSpace(quote.Speaker)
		quote.QuoteType = normalizeQuoteType(quote.QuoteType)
		quote.Importance = clamp01(quote.Importance)
		quotes = append(quotes, quote)
	}
	k.Quotes = quotes

	relationships := make([]Relationship, 0, len(k.Relationships))
	for _, rel := range k.Relationships {
		rel.SourceEntity = strings.TrimSpace(rel.SourceEntity)
		rel.TargetEntity = strings.TrimSpace(rel.TargetEntity)
		rel.Type = normalizeRelationType(rel.Type)
		if rel.SourceEntity == "" || rel.TargetEntity == "" || rel.Type == "" {
			continue
		}
		rel.Confidence = clamp01(rel.Confidence)
		relationships = append(relationships, rel)
	}
	k.Relationships = relationships

	themes := make([]string, 0, len(k.Themes))
	seenThemes := make(map[string]bool)
	for _, theme := range k.Themes {
		theme = strings.TrimSpace(theme)
		if theme == "" || seenThemes[theme] {
			continue
		}
		seenThemes[theme] = true
		themes = append(themes, theme)
	}
	k.Themes = themes

	return k, nil
}

// emptyKnowledge is the result of a unit that yielded nothing: present in
// the artifact, empty in every list.
func emptyKnowledge(unitID string) ExtractedKnowledge {
	return ExtractedKnowledge{
		UnitID:        unitID,
		Entities:      []Entity{},
		Insights:      []Insight{},
		Quotes:        []Quote{},
		Relationships: []Relationship{},
	}
}

// normalizeInsightType maps free-form model output onto the bounded insight
// vocabulary. Unrecognized values become "observation".
func normalizeInsightType(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "prediction", "forecast":
		return "prediction"
	case "recommendation", "advice", "suggestion":
		return "recommendation"
	case "lesson", "takeaway":
		return "lesson"
	case "fact", "statistic":
		return "fact"
	default:
		return "observation"
	}
}

// normalizeQuoteType maps free-form model output onto the bounded quote
// vocabulary. Unrecognized values become "memorable".
func normalizeQuoteType(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "controversial", "provocative":
		return "controversial"
	case "humorous", "funny":
		return "humorous"
	case "insightful", "profound":
		return "insightful"
	default:
		return "memorable"
	}
}

// normalizeRelationType lowercases a relationship type into snake_case.
func normalizeRelationType(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), "_")
}
