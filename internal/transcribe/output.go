package transcribe

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/podweave/podweave/internal/persist"
	"github.com/podweave/podweave/pkg/types"
	"github.com/podweave/podweave/pkg/vtt"
)

// writeOutput renders the finished transcript under
// <OutputDir>/<podcast>/<date>_<title>.vtt with a NOTE metadata header. The
// file name uses the publication date; episodes without one use the run time.
func (o *Orchestrator) writeOutput(ep types.Episode, doc vtt.Document) (string, error) {
	date := ep.PublicationDate
	if date.IsZero() {
		date = o.now()
	}
	doc.Notes = noteBlock(ep, doc, o.now())

	dir := filepath.Join(o.cfg.OutputDir, sanitizeName(ep.PodcastName))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("transcribe: create output dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s.vtt", date.Format("2006-01-02"), sanitizeName(ep.Title))
	path := filepath.Join(dir, name)
	if err := persist.WriteAtomic(path, []byte(doc.Render())); err != nil {
		return "", fmt.Errorf("transcribe: write transcript: %w", err)
	}
	return path, nil
}

// noteBlock builds the NOTE header lines of an emitted transcript. The
// seeding pipeline reads the guid back out of here, so that line is not
// optional.
func noteBlock(ep types.Episode, doc vtt.Document, generated time.Time) []string {
	notes := []string{
		"podcast: " + ep.PodcastName,
		"episode: " + ep.Title,
		"guid: " + ep.GUID,
		"date: " + generated.UTC().Format(time.RFC3339),
	}
	if speakers := doc.Speakers(); len(speakers) > 0 {
		notes = append(notes, "speakers: "+strings.Join(speakers, ", "))
	}
	return notes
}

// sanitizeName maps a podcast or episode title onto a filesystem-safe name
// component: runs of anything outside [A-Za-z0-9.-] collapse to a single
// underscore.
func sanitizeName(s string) string {
	const maxLen = 100
	var b strings.Builder
	b.Grow(len(s))
	underscore := false
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
			underscore = false
		default:
			if !underscore {
				b.WriteByte('_')
				underscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_.")
	if len(out) > maxLen {
		out = strings.Trim(out[:maxLen], "_.")
	}
	if out == "" {
		return "untitled"
	}
	return out
}
