package gateway

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/podweave/podweave/pkg/vtt"
)

// DefaultExpectedSpeakers is assumed when the feed gives no speaker hint.
const DefaultExpectedSpeakers = 2

// speakerExcerptLimit caps how much transcript text the speaker
// identification prompt carries. Names are almost always established early,
// so the head of the transcript is what matters.
const speakerExcerptLimit = 16000

const transcriptionSystem = `You are a professional podcast transcription engine. You produce accurate, complete WebVTT transcripts with speaker diarization. You output only valid WebVTT, never commentary.`

// transcriptionPrompt asks for a full-episode WebVTT transcript with generic
// speaker labels the identification pass can later resolve.
func transcriptionPrompt(meta EpisodeMeta) string {
	var b strings.Builder
	b.WriteString("Transcribe the attached podcast episode audio in full.\n\n")
	fmt.Fprintf(&b, "Podcast: %s\n", meta.PodcastName)
	fmt.Fprintf(&b, "Episode: %s\n", meta.Title)
	if meta.Duration > 0 {
		fmt.Fprintf(&b, "Declared duration: %s\n", vtt.FormatTimestamp(meta.Duration))
	}
	fmt.Fprintf(&b, "Expected speakers: %d\n", expectedSpeakers(meta))
	b.WriteString(`
Output format requirements:
- Valid WebVTT: a "WEBVTT" header line, a blank line, then timed cues.
- Every cue timed as HH:MM:SS.mmm --> HH:MM:SS.mmm.
- Label each cue's speaker with a voice tag: <v SPEAKER_1>, <v SPEAKER_2>, and so on, assigning one stable number per distinct voice.
- Transcribe from the very beginning to the very end of the audio. Do not summarize, skip, or condense any section.
- Output nothing except the WebVTT document.`)
	return b.String()
}

// continuationPrompt asks for a WebVTT fragment picking up at from, using the
// tail of the existing transcript as conversational context so the model
// keeps speaker numbering and topic continuity.
func continuationPrompt(meta EpisodeMeta, existing vtt.Document, from time.Duration, contextCues int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The attached audio is the podcast episode %q from %q.\n", meta.Title, meta.PodcastName)
	if meta.Duration > 0 {
		fmt.Fprintf(&b, "The full episode runs %s.\n", vtt.FormatTimestamp(meta.Duration))
	}
	b.WriteString("An earlier transcription pass stopped before the end. These are the final cues produced so far:\n\n")
	for _, cue := range existing.Tail(contextCues) {
		fmt.Fprintf(&b, "%s --> %s\n", vtt.FormatTimestamp(cue.Start), vtt.FormatTimestamp(cue.End))
		if cue.Speaker != "" {
			fmt.Fprintf(&b, "<v %s>%s\n\n", cue.Speaker, cue.Text)
		} else {
			fmt.Fprintf(&b, "%s\n\n", cue.Text)
		}
	}
	fmt.Fprintf(&b, `Continue the transcription from %s onward. Requirements:
- Start at or slightly before %s; a few seconds of overlap with the cues above is fine and will be deduplicated.
- Keep the same speaker labels (<v SPEAKER_1>, <v SPEAKER_2>, ...) for the same voices.
- Continue all the way to the end of the audio.
- Output only a valid WebVTT document: "WEBVTT" header, blank line, timed cues. No commentary.`,
		vtt.FormatTimestamp(from), vtt.FormatTimestamp(from))
	return b.String()
}

const speakerSystem = `You identify podcast speakers from transcripts. You reply with a single JSON object and nothing else.`

// speakerPrompt asks for a JSON object mapping each generic label to a real
// name or a role description. Labels not identifiable stay useful through
// role descriptions ("Host", "Guest expert") rather than being dropped.
func speakerPrompt(meta EpisodeMeta, doc vtt.Document, corrective bool) string {
	labels := doc.Speakers()
	sort.Strings(labels)

	excerpt := doc.Render()
	if len(excerpt) > speakerExcerptLimit {
		excerpt = excerpt[:speakerExcerptLimit] + "\n[transcript truncated]"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "This transcript is from the podcast %q, episode %q.\n", meta.PodcastName, meta.Title)
	fmt.Fprintf(&b, "It uses the generic speaker labels: %s.\n\n", strings.Join(labels, ", "))
	b.WriteString("Identify who each label refers to, from introductions, names used in conversation, and context. Use the person's name when it is stated; otherwise use a short role description such as \"Host\" or \"Guest\".\n\n")
	fmt.Fprintf(&b, "Reply with one JSON object mapping every label to a name or role, for example: {\"SPEAKER_1\": \"Alice Chen\", \"SPEAKER_2\": \"Host\"}\n\nTranscript:\n%s", excerpt)
	if corrective {
		b.WriteString("\n\nYour previous reply was not a valid JSON object. Respond with only the JSON object, no surrounding text.")
	}
	return b.String()
}

func expectedSpeakers(meta EpisodeMeta) int {
	if meta.ExpectedSpeakers > 0 {
		return meta.ExpectedSpeakers
	}
	return DefaultExpectedSpeakers
}

// stripFence removes a Markdown code fence wrapping, which models frequently
// add around JSON and VTT payloads even when told not to.
func stripFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if i := strings.IndexByte(trimmed, '\n'); i >= 0 {
		// Drop the language hint on the opening fence line.
		first := strings.TrimSpace(trimmed[:i])
		if first == "" || !strings.ContainsAny(first, " \t") {
			trimmed = trimmed[i+1:]
		}
	}
	trimmed = strings.TrimSpace(trimmed)
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}
