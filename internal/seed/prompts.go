package seed

import (
	"fmt"
	"strings"

	"github.com/podweave/podweave/pkg/vtt"
)

// analysisSegmentLimit caps how much of one utterance the analysis prompt
// carries. Boundary detection needs the flow of the conversation, not every
// word of a monologue.
const analysisSegmentLimit = 280

// extractExcerptLimit caps the conversation text handed to one extraction
// call.
const extractExcerptLimit = 24000

// Bounded vocabularies. Model output outside these lists normalizes to a
// member instead of failing the episode.
var (
	unitTypes = []string{"intro", "discussion", "q_and_a", "anecdote", "debate", "conclusion", "other"}

	insightTypes = []string{"observation", "prediction", "recommendation", "lesson", "fact"}

	quoteTypes = []string{"memorable", "controversial", "humorous", "insightful"}

	// entityTypeExamples guide the model; entity types stay open-ended
	// because podcasts mention things no fixed list anticipates.
	entityTypeExamples = []string{"PERSON", "ORGANIZATION", "PRODUCT", "TECHNOLOGY", "CONCEPT", "LOCATION", "EVENT", "WORK"}
)

// analysisPrompt asks for the conversational structure of a whole episode as
// one JSON object: themes, contiguous unit spans over segment indices, the
// narrative arc, and a coherence score.
func analysisPrompt(meta EpisodeMeta, segments []Segment, corrective bool) string {
	var b strings.Builder
	b.WriteString("Analyze the structure of this podcast conversation.\n\n")
	fmt.Fprintf(&b, "Podcast: %s\n", meta.Podcast)
	fmt.Fprintf(&b, "Episode: %s\n", meta.Title)
	if meta.Duration > 0 {
		fmt.Fprintf(&b, "Duration: %s\n", vtt.FormatTimestamp(meta.Duration))
	}
	fmt.Fprintf(&b, "Segments: %d, numbered 0 through %d.\n\n", len(segments), len(segments)-1)

	b.WriteString("Transcript:\n")
	for _, seg := range segments {
		fmt.Fprintf(&b, "[%d] %s %s: %s\n",
			seg.Index, vtt.FormatTimestamp(seg.Start), speakerOrUnknown(seg.Speaker), clip(flatten(seg.Text), analysisSegmentLimit))
	}

	fmt.Fprintf(&b, `
Reply with one JSON object of this exact shape:
{
  "themes": [{"name": "...", "description": "...", "related_units": [0, 2]}],
  "spans": [{"start_index": 0, "end_index": 14, "unit_type": "intro", "summary": "...", "is_complete": true}],
  "narrative_arc": "one or two sentences describing how the conversation develops",
  "coherence_score": 0.85
}

Rules:
- spans partition the conversation into meaningful units: together they must cover every segment index from 0 to %d in order, with no gaps and no overlaps.
- unit_type is one of: %s.
- related_units holds positions into the spans array.
- is_complete is false when a unit is cut off rather than brought to a close.
- coherence_score is between 0 and 1: how well the conversation holds together.
Output only the JSON object.`, len(segments)-1, strings.Join(unitTypes, ", "))

	if corrective {
		b.WriteString("\n\nYour previous reply was not a valid JSON object of that shape. Respond with only the JSON object, no surrounding text.")
	}
	return b.String()
}

// extractionPrompt asks for the knowledge contained in one meaningful unit:
// entities, insights, quotes, relationships, and the themes the unit touches.
func extractionPrompt(meta EpisodeMeta, unit MeaningfulUnit, text string, corrective bool) string {
	var b strings.Builder
	b.WriteString("Extract the knowledge contained in this podcast conversation excerpt.\n\n")
	fmt.Fprintf(&b, "Podcast: %s\n", meta.Podcast)
	fmt.Fprintf(&b, "Episode: %s\n", meta.Title)
	fmt.Fprintf(&b, "Excerpt: %s to %s", vtt.FormatTimestamp(unit.StartTime), vtt.FormatTimestamp(unit.EndTime))
	if unit.Summary != "" {
		fmt.Fprintf(&b, " (%s)", unit.Summary)
	}
	b.WriteString("\n\nConversation:\n")
	b.WriteString(clip(text, extractExcerptLimit))

	fmt.Fprintf(&b, `

Reply with one JSON object of this exact shape:
{
  "entities": [{"name": "...", "type": "PERSON", "description": "...", "confidence": 0.9, "mention_count": 2}],
  "insights": [{"content": "...", "type": "observation", "confidence": 0.8}],
  "quotes": [{"text": "...", "speaker": "...", "quote_type": "memorable", "importance": 0.7}],
  "relationships": [{"source_entity": "...", "target_entity": "...", "type": "works_at", "confidence": 0.8}],
  "themes": ["..."]
}

Rules:
- entity type is an UPPERCASE category such as %s.
- insight type is one of: %s.
- quote_type is one of: %s.
- quotes are verbatim from the conversation, worth surfacing on their own.
- relationship endpoints name entities from the entities list.
- confidence, importance and mention_count reflect this excerpt only; confidence and importance are between 0 and 1.
- Use an empty array for anything the excerpt does not contain.
Output only the JSON object.`,
		strings.Join(entityTypeExamples, ", "), strings.Join(insightTypes, ", "), strings.Join(quoteTypes, ", "))

	if corrective {
		b.WriteString("\n\nYour previous reply was not a valid JSON object of that shape. Respond with only the JSON object, no surrounding text.")
	}
	return b.String()
}

// unitText renders the segments of one unit as speaker-attributed lines for
// the extraction prompt.
func unitText(unit MeaningfulUnit, segments []Segment) string {
	var b strings.Builder
	for _, idx := range unit.Segments {
		if idx < 0 || idx >= len(segments) {
			continue
		}
		seg := segments[idx]
		fmt.Fprintf(&b, "%s: %s\n", speakerOrUnknown(seg.Speaker), flatten(seg.Text))
	}
	return strings.TrimRight(b.String(), "\n")
}

func speakerOrUnknown(speaker string) string {
	if speaker == "" {
		return "UNKNOWN"
	}
	return speaker
}

// flatten collapses multi-line cue text onto one line.
func flatten(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n[truncated]"
}
