package seed

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/podweave/podweave/pkg/vtt"
)

// ReadTranscript loads one WebVTT transcript from disk and splits it into the
// episode metadata and the utterance sequence the pipeline works on. A file
// that is not parseable VTT or carries no cues is rejected; seeding an empty
// transcript would only write a hollow episode node.
func ReadTranscript(path string) (EpisodeMeta, []Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return EpisodeMeta{}, nil, fmt.Errorf("seed: read transcript: %w", err)
	}
	doc, err := vtt.Parse(string(data))
	if err != nil {
		return EpisodeMeta{}, nil, fmt.Errorf("seed: transcript %s: %w", path, err)
	}
	segments := SegmentsFromDocument(doc)
	if len(segments) == 0 {
		return EpisodeMeta{}, nil, fmt.Errorf("seed: transcript %s has no cues", path)
	}
	return MetaFromDocument(doc, path), segments, nil
}

// MetaFromDocument extracts the episode identity from a transcript's NOTE
// block. The transcriber emits "podcast:", "episode:", "guid:" and "date:"
// lines for exactly this purpose; transcripts from elsewhere fall back to the
// file name for the GUID and title, and to the parent directory for the
// podcast name, which matches how the transcriber lays out its output tree.
func MetaFromDocument(doc vtt.Document, path string) EpisodeMeta {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	meta := EpisodeMeta{
		GUID:     stem,
		Title:    stem,
		Duration: doc.Coverage(),
	}
	if dir := filepath.Base(filepath.Dir(path)); dir != "." && dir != string(filepath.Separator) {
		meta.Podcast = dir
	}

	for _, note := range doc.Notes {
		key, value, ok := strings.Cut(note, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "podcast":
			meta.Podcast = value
		case "episode":
			meta.Title = value
		case "guid":
			meta.GUID = value
		case "date":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				meta.Date = t
			}
		}
	}
	return meta
}

// SegmentsFromDocument converts cues into indexed segments, the unit of
// reference for span boundaries and regrouping.
func SegmentsFromDocument(doc vtt.Document) []Segment {
	segments := make([]Segment, len(doc.Cues))
	for i, cue := range doc.Cues {
		segments[i] = Segment{
			Index:   i,
			Speaker: cue.Speaker,
			Text:    cue.Text,
			Start:   cue.Start,
			End:     cue.End,
		}
	}
	return segments
}

// CollectInputs expands the seed command's --input argument: a file is taken
// as-is, a directory contributes every .vtt file beneath it, sorted by path
// so runs are deterministic.
func CollectInputs(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("seed: input %s: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var paths []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(p), ".vtt") {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("seed: scan %s: %w", path, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("seed: no .vtt transcripts under %s", path)
	}
	sort.Strings(paths)
	return paths, nil
}
