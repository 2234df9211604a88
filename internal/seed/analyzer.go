package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// analyzerRetries is how many corrective re-asks a malformed analysis
// response gets before the degenerate fallback kicks in.
const analyzerRetries = 1

// Analyzer maps a transcript's utterance sequence onto its conversational
// structure with a single LLM call per episode.
type Analyzer struct {
	gw  LLMGateway
	log *slog.Logger
}

// NewAnalyzer creates an Analyzer. A nil logger falls back to slog.Default.
func NewAnalyzer(gw LLMGateway, log *slog.Logger) *Analyzer {
	if log == nil {
		log = slog.Default()
	}
	return &Analyzer{gw: gw, log: log}
}

// Analyze returns the conversation structure of one episode. Malformed model
// responses get one corrective retry. After that, and on any model failure
// that is not a capacity problem, the degenerate single-unit structure is
// returned so the episode still seeds. Capacity errors propagate: they defer
// the episode rather than degrade it.
func (a *Analyzer) Analyze(ctx context.Context, meta EpisodeMeta, segments []Segment) (ConversationStructure, error) {
	var lastErr error
	for attempt := 0; attempt <= analyzerRetries; attempt++ {
		text, err := a.gw.Extract(ctx, analysisPrompt(meta, segments, attempt > 0), true)
		if err != nil {
			if isCapacityError(err) || ctx.Err() != nil {
				return ConversationStructure{}, err
			}
			a.log.Warn("conversation analysis failed, using degenerate structure",
				"guid", meta.GUID, "error", err)
			return degenerateStructure(segments), nil
		}
		structure, perr := parseAnalysis(text, len(segments))
		if perr == nil {
			return structure, nil
		}
		lastErr = perr
		a.log.Warn("conversation analysis returned malformed JSON",
			"guid", meta.GUID, "attempt", attempt+1, "error", perr)
	}
	a.log.Warn("conversation analysis kept returning malformed JSON, using degenerate structure",
		"guid", meta.GUID, "error", lastErr)
	return degenerateStructure(segments), nil
}

// parseAnalysis unmarshals and sanitizes one analysis response.
func parseAnalysis(text string, segmentCount int) (ConversationStructure, error) {
	var structure ConversationStructure
	if err := json.Unmarshal([]byte(extractJSON(text)), &structure); err != nil {
		return ConversationStructure{}, fmt.Errorf("unmarshal analysis: %w", err)
	}
	if len(structure.Spans) == 0 {
		return ConversationStructure{}, errors.New("analysis carries no spans")
	}

	for i := range structure.Spans {
		structure.Spans[i].UnitType = normalizeUnitType(structure.Spans[i].UnitType)
		structure.Spans[i].Summary = strings.TrimSpace(structure.Spans[i].Summary)
	}

	themes := structure.Themes[:0]
	for _, theme := range structure.Themes {
		theme.Name = strings.TrimSpace(theme.Name)
		if theme.Name == "" {
			continue
		}
		theme.Description = strings.TrimSpace(theme.Description)
		themes = append(themes, theme)
	}
	structure.Themes = themes

	structure.NarrativeArc = strings.TrimSpace(structure.NarrativeArc)
	structure.CoherenceScore = clamp01(structure.CoherenceScore)
	structure.Degenerate = false

	// Segment-range sanity is the regrouper's job; here only responses with
	// no usable span at all count as malformed.
	usable := false
	for _, span := range structure.Spans {
		if span.StartIndex < segmentCount && span.EndIndex >= 0 && span.StartIndex <= span.EndIndex {
			usable = true
			break
		}
	}
	if !usable {
		return ConversationStructure{}, errors.New("analysis spans reference no existing segment")
	}
	return structure, nil
}

// degenerateStructure is the fallback when no valid analysis could be
// obtained: the whole episode becomes one discussion unit, carrying no
// themes and a zero coherence score.
func degenerateStructure(segments []Segment) ConversationStructure {
	return ConversationStructure{
		Spans: []Span{{
			StartIndex: 0,
			EndIndex:   len(segments) - 1,
			UnitType:   "discussion",
			Summary:    "Full episode (no structural analysis available)",
			IsComplete: true,
		}},
		Degenerate: true,
	}
}

// normalizeUnitType maps free-form model output onto the bounded unit-type
// vocabulary. Unrecognized values become "other".
func normalizeUnitType(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "intro", "introduction", "opening":
		return "intro"
	case "discussion":
		return "discussion"
	case "q_and_a", "qa", "q&a", "question_answer", "interview":
		return "q_and_a"
	case "anecdote", "story":
		return "anecdote"
	case "debate", "argument":
		return "debate"
	case "conclusion", "outro", "closing":
		return "conclusion"
	default:
		return "other"
	}
}

// extractJSON cuts the first top-level JSON object out of a model response.
// The gateway already strips code fences; this guards against leading or
// trailing prose around the object itself.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
