// Package seed drives the second pipeline stage: it turns finished WebVTT
// transcripts into a property graph of meaningful units, themes, entities,
// insights, and quotes.
//
// The pipeline for one transcript runs five checkpointed steps:
//
//  1. Conversation analysis: one LLM call maps the utterance sequence to
//     themes, unit spans, a narrative arc, and a coherence score.
//  2. Regrouping: spans become [MeaningfulUnit] records covering every
//     segment exactly once.
//  3. Extraction: per-unit LLM calls produce entities, insights, quotes,
//     and relationships.
//  4. Resolution: variant entity mentions across units merge into
//     [CanonicalEntity] records.
//  5. Graph write: nodes and edges are upserted idempotently through a
//     [GraphWriter].
//
// Steps 1–4 persist their artifacts through the checkpoint store so an
// interrupted run resumes without repeating upstream LLM calls.
package seed

import (
	"context"
	"time"
)

// LLMGateway is the slice of the gateway contract the seeding pipeline uses.
type LLMGateway interface {
	// Extract runs a text-in/text-out model call. With jsonMode the response
	// arrives fence-stripped, ready to unmarshal.
	Extract(ctx context.Context, prompt string, jsonMode bool) (string, error)
}

// GraphWriter persists one episode's seeding output as property-graph nodes
// and edges. Implementations must be idempotent: writing the same episode
// twice converges to the same graph state.
type GraphWriter interface {
	WriteEpisode(ctx context.Context, ep EpisodeMeta, structure ConversationStructure, units []MeaningfulUnit, knowledge []ExtractedKnowledge, res Resolution) (WriteStats, error)
}

// WriteStats reports the size of one graph write.
type WriteStats struct {
	Nodes int `json:"nodes"`
	Edges int `json:"edges"`
}

// EpisodeMeta identifies the episode a transcript belongs to, read from the
// transcript's NOTE block.
type EpisodeMeta struct {
	GUID    string    `json:"guid"`
	Title   string    `json:"title"`
	Podcast string    `json:"podcast"`
	Date    time.Time `json:"date,omitempty"`

	// Duration is the transcript coverage: the end time of the last cue.
	Duration time.Duration `json:"duration"`
}

// Segment is one utterance of the transcript, derived from a VTT cue.
type Segment struct {
	Index   int           `json:"index"`
	Speaker string        `json:"speaker,omitempty"`
	Text    string        `json:"text"`
	Start   time.Duration `json:"start"`
	End     time.Duration `json:"end"`
}

// Theme is one conversational thread identified by the analyzer.
type Theme struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// RelatedUnits holds ordinal indices into the analyzer's span list.
	RelatedUnits []int `json:"related_units,omitempty"`
}

// Span is one proposed unit boundary: segments StartIndex through EndIndex
// (inclusive) form one meaningful unit.
type Span struct {
	StartIndex int    `json:"start_index"`
	EndIndex   int    `json:"end_index"`
	UnitType   string `json:"unit_type"`
	Summary    string `json:"summary,omitempty"`
	IsComplete bool   `json:"is_complete"`
}

// ConversationStructure is the analyzer's reading of one episode.
type ConversationStructure struct {
	Themes         []Theme `json:"themes"`
	Spans          []Span  `json:"spans"`
	NarrativeArc   string  `json:"narrative_arc"`
	CoherenceScore float64 `json:"coherence_score"`

	// Degenerate marks the single-unit fallback structure used when the
	// analyzer could not produce a valid response.
	Degenerate bool `json:"degenerate,omitempty"`
}

// MeaningfulUnit is a coherent conversational chunk produced by regrouping.
type MeaningfulUnit struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Summary    string        `json:"summary,omitempty"`
	StartTime  time.Duration `json:"start_time"`
	EndTime    time.Duration `json:"end_time"`
	Segments   []int         `json:"segments"`
	Themes     []string      `json:"themes,omitempty"`
	IsComplete bool          `json:"is_complete"`
}

// Entity is one raw entity mention extracted from a unit.
type Entity struct {
	Name         string  `json:"name"`
	Type         string  `json:"type"`
	Description  string  `json:"description,omitempty"`
	Confidence   float64 `json:"confidence"`
	MentionCount int     `json:"mention_count"`
}

// Insight is one extracted observation or claim.
type Insight struct {
	Content    string  `json:"content"`
	Type       string  `json:"type,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Quote is one notable verbatim utterance.
type Quote struct {
	Text       string  `json:"text"`
	Speaker    string  `json:"speaker,omitempty"`
	QuoteType  string  `json:"quote_type,omitempty"`
	Importance float64 `json:"importance"`
}

// Relationship is one extracted connection between two entities, kept as
// supporting evidence on the canonical entities.
type Relationship struct {
	SourceEntity string  `json:"source_entity"`
	TargetEntity string  `json:"target_entity"`
	Type         string  `json:"type"`
	Confidence   float64 `json:"confidence"`
}

// ExtractedKnowledge is the extraction result for one unit.
type ExtractedKnowledge struct {
	UnitID        string         `json:"unit_id"`
	Entities      []Entity       `json:"entities"`
	Insights      []Insight      `json:"insights"`
	Quotes        []Quote        `json:"quotes"`
	Relationships []Relationship `json:"relationships"`
	Themes        []string       `json:"themes,omitempty"`
}

// CanonicalEntity is the merged representative of all variant mentions of the
// same real-world thing within one episode.
type CanonicalEntity struct {
	CanonicalName string `json:"canonical_name"`
	Type          string `json:"type"`

	// Aliases holds every raw surface form that resolved to this entity,
	// the canonical name included, sorted.
	Aliases []string `json:"aliases"`

	// AppearsInUnits lists the IDs of all units mentioning the entity,
	// sorted.
	AppearsInUnits []string `json:"appears_in_units"`

	TotalMentions int     `json:"total_mentions"`
	Confidence    float64 `json:"confidence"`
}

// MentionMapping records which canonical entity one raw mention resolved to.
type MentionMapping struct {
	UnitID  string `json:"unit_id"`
	RawName string `json:"raw_name"`

	// Canonical indexes into [Resolution.Entities].
	Canonical int `json:"canonical"`
}

// Resolution is the output of cross-unit entity resolution.
type Resolution struct {
	Entities []CanonicalEntity `json:"entities"`
	Mentions []MentionMapping  `json:"mentions"`

	// ReductionRatio is 1 - |canonical| / |raw|; zero when nothing was
	// extracted.
	ReductionRatio float64 `json:"reduction_ratio"`
}
