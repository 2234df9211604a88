package seed

import (
	"fmt"
	"sort"
)

// Regroup turns analyzer spans into meaningful units over the transcript.
// Whatever shape the spans arrive in, the result partitions the segment
// range: overlapping spans are trimmed, gaps fold into the following unit,
// a trailing gap folds into the last one, and spans left empty by trimming
// are dropped. Unit IDs number the surviving units in transcript order.
func Regroup(segments []Segment, structure ConversationStructure) []MeaningfulUnit {
	if len(segments) == 0 {
		return nil
	}
	last := len(segments) - 1

	// Keep each span's position in the analyzer's list: theme references
	// point at those ordinals.
	type ordered struct {
		Span
		ord int
	}
	spans := make([]ordered, 0, len(structure.Spans))
	for i, span := range structure.Spans {
		spans = append(spans, ordered{Span: span, ord: i})
	}
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].StartIndex < spans[j].StartIndex })

	var units []MeaningfulUnit
	unitByOrd := make(map[int]int)
	cursor := 0
	for _, span := range spans {
		if cursor > last {
			break
		}
		end := span.EndIndex
		if end > last {
			end = last
		}
		if end < cursor {
			// Entirely behind the cursor: swallowed by an earlier span.
			continue
		}
		unitByOrd[span.ord] = len(units)
		units = append(units, unitFrom(segments, len(units), cursor, end, span.Span))
		cursor = end + 1
	}

	switch {
	case len(units) == 0:
		// Every span was unusable; cover the transcript with one unit.
		units = append(units, unitFrom(segments, 0, 0, last, Span{
			UnitType:   "discussion",
			IsComplete: true,
		}))
	case cursor <= last:
		// Trailing segments no span claimed extend the final unit.
		extendUnit(&units[len(units)-1], segments, last)
	}

	attachThemes(units, structure.Themes, unitByOrd)
	return units
}

// unitFrom builds the unit covering segments first..last (inclusive), typed
// and summarized by the span that claimed it.
func unitFrom(segments []Segment, seq, first, last int, span Span) MeaningfulUnit {
	indices := make([]int, 0, last-first+1)
	for i := first; i <= last; i++ {
		indices = append(indices, i)
	}
	return MeaningfulUnit{
		ID:         fmt.Sprintf("unit_%03d", seq),
		Type:       normalizeUnitType(span.UnitType),
		Summary:    span.Summary,
		StartTime:  segments[first].Start,
		EndTime:    segments[last].End,
		Segments:   indices,
		IsComplete: span.IsComplete,
	}
}

func extendUnit(u *MeaningfulUnit, segments []Segment, last int) {
	for i := u.Segments[len(u.Segments)-1] + 1; i <= last; i++ {
		u.Segments = append(u.Segments, i)
	}
	u.EndTime = segments[last].End
}

// attachThemes resolves each theme's span ordinals to surviving units and
// records the theme name on them, keeping the analyzer's theme order.
func attachThemes(units []MeaningfulUnit, themes []Theme, unitByOrd map[int]int) {
	for _, theme := range themes {
		seen := make(map[int]bool)
		for _, ord := range theme.RelatedUnits {
			idx, ok := unitByOrd[ord]
			if !ok || seen[idx] {
				continue
			}
			seen[idx] = true
			units[idx].Themes = append(units[idx].Themes, theme.Name)
		}
	}
}
