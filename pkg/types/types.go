// Package types defines the shared domain types used across podweave packages.
//
// Only data that crosses package boundaries lives here; today that is the
// feed episode, consumed by the feed source, the progress store, and the
// transcription orchestrator. Pipeline-internal models (conversation
// structure, extracted knowledge, canonical entities) belong to the packages
// that produce them.
package types

import "time"

// Episode is a single item from a podcast feed. Episodes are immutable once
// admitted into the pipeline; all processing state lives in the progress and
// checkpoint stores keyed by GUID.
type Episode struct {
	// GUID is the feed-provided stable identifier. It keys progress entries,
	// checkpoints, and every graph node derived from this episode.
	GUID string `json:"guid"`

	// Title is the episode title as published.
	Title string `json:"title"`

	// AudioURL points at the downloadable audio enclosure.
	AudioURL string `json:"audio_url"`

	// Duration is the declared episode length. Zero means the feed did not
	// declare one, which disables coverage validation.
	Duration time.Duration `json:"duration"`

	// PublicationDate is the feed-declared publish instant.
	PublicationDate time.Time `json:"publication_date"`

	// PodcastName is the name of the show this episode belongs to.
	PodcastName string `json:"podcast_name"`

	// Description is the episode show-notes text, when present.
	Description string `json:"description"`

	// ExpectedSpeakers is a hint for transcription prompts. Zero means
	// unknown; callers substitute a sensible default.
	ExpectedSpeakers int `json:"expected_speakers,omitempty"`
}
