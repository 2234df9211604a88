package vtt

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
)

const (
	// defaultDedupWindow is how close two cue start times must be for the
	// later cue to count as a duplicate candidate.
	defaultDedupWindow = 3 * time.Second

	// defaultSimilarityThreshold is the minimum text similarity ratio for
	// two near-simultaneous cues to be considered the same utterance.
	defaultSimilarityThreshold = 0.85

	// speakerUnifyThreshold is the Jaro-Winkler score above which two
	// speaker labels from different segments are treated as the same voice.
	speakerUnifyThreshold = 0.90
)

// StitchOption configures Stitch.
type StitchOption func(*stitcher)

// WithDedupWindow overrides the start-time window (default 3s) inside which
// a later cue is checked for textual duplication.
func WithDedupWindow(w time.Duration) StitchOption {
	return func(s *stitcher) {
		if w > 0 {
			s.window = w
		}
	}
}

// WithSimilarityThreshold overrides the similarity ratio (default 0.85)
// above which two cue texts are treated as duplicates.
func WithSimilarityThreshold(t float64) StitchOption {
	return func(s *stitcher) {
		if t > 0 && t <= 1 {
			s.threshold = t
		}
	}
}

type stitcher struct {
	window    time.Duration
	threshold float64
}

// Stitch merges VTT segments, in the order given, into one transcript.
// Overlapping cues (a later cue starting within the dedup window of an
// already-accepted cue with similar text) are suppressed. The result is a
// rendered document whose cues are in non-decreasing start order.
//
// If any segment fails to parse, Stitch degrades to plain concatenation of
// the segment bodies under a single WEBVTT header so no transcript text is
// ever lost to a formatting hiccup.
func Stitch(segments []string, opts ...StitchOption) string {
	switch len(segments) {
	case 0:
		return "WEBVTT\n\n"
	case 1:
		return segments[0]
	}

	st := &stitcher{window: defaultDedupWindow, threshold: defaultSimilarityThreshold}
	for _, o := range opts {
		o(st)
	}

	docs := make([]Document, 0, len(segments))
	for _, seg := range segments {
		doc, err := Parse(seg)
		if err != nil {
			return concatFallback(segments)
		}
		docs = append(docs, doc)
	}

	merged := Document{Notes: docs[0].Notes}
	for _, doc := range docs {
		for _, cue := range doc.Cues {
			if st.isDuplicate(merged.Cues, cue) {
				continue
			}
			merged.Cues = append(merged.Cues, cue)
		}
	}

	sort.SliceStable(merged.Cues, func(i, j int) bool {
		return merged.Cues[i].Start < merged.Cues[j].Start
	})
	merged.Cues = UnifySpeakers(merged.Cues)

	return merged.Render()
}

// isDuplicate reports whether cue repeats an already-accepted cue: start
// times within the window and similar text.
func (s *stitcher) isDuplicate(accepted []Cue, cue Cue) bool {
	for _, a := range accepted {
		delta := cue.Start - a.Start
		if delta < 0 {
			delta = -delta
		}
		if delta <= s.window && similarText(a.Text, cue.Text, s.threshold) {
			return true
		}
	}
	return false
}

var residualTagRe = regexp.MustCompile(`<[^>]*>`)

// similarText implements the duplicate-text predicate: strip any residual
// markup, lowercase, collapse whitespace; empty strings never match; one
// being a substring of the other matches; otherwise the longest-common-
// subsequence ratio normalized by the shorter string must reach threshold.
func similarText(a, b string, threshold float64) bool {
	a = normalizeForCompare(a)
	b = normalizeForCompare(b)
	if a == "" || b == "" {
		return false
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return true
	}
	ra, rb := []rune(a), []rune(b)
	shorter := len(ra)
	if len(rb) < shorter {
		shorter = len(rb)
	}
	return float64(lcsLength(ra, rb))/float64(shorter) >= threshold
}

func normalizeForCompare(s string) string {
	s = residualTagRe.ReplaceAllString(s, "")
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), " ")
}

// lcsLength computes the longest-common-subsequence length of two rune
// slices with a rolling two-row table.
func lcsLength(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// concatFallback joins segment bodies under one header, dropping the
// WEBVTT header line of every segment after the first.
func concatFallback(segments []string) string {
	var b strings.Builder
	for i, seg := range segments {
		seg = strings.TrimSpace(strings.TrimPrefix(seg, "\ufeff"))
		if i > 0 {
			if rest, ok := strings.CutPrefix(seg, "WEBVTT"); ok {
				seg = strings.TrimSpace(rest)
			}
		} else if !strings.HasPrefix(seg, "WEBVTT") {
			b.WriteString("WEBVTT\n\n")
		}
		if seg == "" {
			continue
		}
		b.WriteString(seg)
		b.WriteString("\n\n")
	}
	return b.String()
}

// UnifySpeakers folds variant spellings of the same speaker label, an
// artifact of stitching independently transcribed segments, onto the
// first-seen form. Labels match when their normalized forms are equal, when
// one contains the other as a substantial substring ("Jane Smith" inside
// "Dr. Jane Smith"), or when they score at least 0.90 Jaro-Winkler. Labels
// whose digits differ never merge: SPEAKER_1 and SPEAKER_2 are one edit
// apart yet always distinct voices.
func UnifySpeakers(cues []Cue) []Cue {
	type canonical struct {
		norm  string
		label string
	}
	var seen []canonical

	for i := range cues {
		if cues[i].Speaker == "" {
			continue
		}
		norm := normalizeForCompare(cues[i].Speaker)
		if norm == "" {
			continue
		}
		matched := false
		for _, c := range seen {
			if sameSpeakerLabel(norm, c.norm) {
				cues[i].Speaker = c.label
				matched = true
				break
			}
		}
		if !matched {
			seen = append(seen, canonical{norm: norm, label: cues[i].Speaker})
		}
	}
	return cues
}

func sameSpeakerLabel(a, b string) bool {
	if a == b {
		return true
	}
	if digitsOf(a) != digitsOf(b) {
		return false
	}
	shorter := a
	if len(b) < len(shorter) {
		shorter = b
	}
	// Substring containment only counts for substantial labels, so "Ann"
	// never folds into "Annette".
	if (len(shorter) >= 8 || strings.Contains(shorter, " ")) &&
		(strings.Contains(a, b) || strings.Contains(b, a)) {
		return true
	}
	return matchr.JaroWinkler(a, b, false) >= speakerUnifyThreshold
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
