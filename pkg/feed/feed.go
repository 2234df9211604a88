// Package feed defines the episode source abstraction and an RSS adapter.
//
// The transcription pipeline consumes episodes in feed order; everything it
// needs from a feed item is captured in [types.Episode]. The HTTP adapter
// parses RSS 2.0 with the common iTunes extensions, enough for every podcast
// host in practice, and tolerates the usual feed sloppiness: missing GUIDs
// fall back to the enclosure URL, and durations arrive as "HH:MM:SS",
// "MM:SS", or bare seconds.
package feed

import (
	"context"

	"github.com/podweave/podweave/pkg/types"
)

// Source yields the episodes of one podcast feed, newest or oldest first as
// the feed publishes them. Implementations must be safe for concurrent use.
type Source interface {
	// Episodes fetches and parses the feed. Items without an audio enclosure
	// are dropped; an empty feed returns an empty slice, not an error.
	Episodes(ctx context.Context) ([]types.Episode, error)
}
