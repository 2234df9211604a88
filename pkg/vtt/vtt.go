// Package vtt parses, renders, and stitches WebVTT subtitle documents.
//
// The pipeline's transcripts are WebVTT files whose cues carry speaker
// attribution via voice tags:
//
//	WEBVTT
//
//	NOTE
//	podcast: Some Show
//
//	00:00:01.000 --> 00:00:04.500
//	<v Alice>Welcome back to the show.
//
// Parse is strict about structure (header, timing lines) and lenient about
// content: cues with non-positive spans are dropped rather than failing the
// whole document, because LLM-generated VTT is occasionally sloppy.
package vtt

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Cue is a single subtitle entry. Text never contains voice tags; the
// speaker label, when present, lives in Speaker.
type Cue struct {
	Start   time.Duration
	End     time.Duration
	Speaker string
	Text    string
}

// Document is a parsed WebVTT file: its NOTE lines (comment blocks, in
// order, without the NOTE keyword) and its cues in file order.
type Document struct {
	Notes []string
	Cues  []Cue
}

var (
	timingRe   = regexp.MustCompile(`^(\d{1,2}:)?\d{1,2}:\d{2}\.\d{3}$`)
	voiceTagRe = regexp.MustCompile(`^<v(?:\.[^\s>]+)*\s+([^>]+)>\s*`)
)

// Parse parses a WebVTT document. It returns an error when the header is
// missing or a timing line is malformed; callers treat that as "this is not
// usable VTT" and fall back (see Stitch).
func Parse(s string) (Document, error) {
	var doc Document

	body := strings.TrimPrefix(s, "\ufeff")
	body = strings.ReplaceAll(body, "\r\n", "\n")
	lines := strings.Split(body, "\n")

	if len(lines) == 0 || !strings.HasPrefix(strings.TrimSpace(lines[0]), "WEBVTT") {
		return Document{}, fmt.Errorf("vtt: missing WEBVTT header")
	}

	i := 1
	for i < len(lines) {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			i++
			continue
		}

		if strings.HasPrefix(line, "NOTE") {
			// Inline remainder first, then the block's following lines.
			if rest := strings.TrimSpace(strings.TrimPrefix(line, "NOTE")); rest != "" {
				doc.Notes = append(doc.Notes, rest)
			}
			i++
			for i < len(lines) && strings.TrimSpace(lines[i]) != "" {
				doc.Notes = append(doc.Notes, strings.TrimSpace(lines[i]))
				i++
			}
			continue
		}

		// Skip STYLE/REGION blocks whole; transcripts never carry them but a
		// hand-edited file might.
		if strings.HasPrefix(line, "STYLE") || strings.HasPrefix(line, "REGION") {
			for i < len(lines) && strings.TrimSpace(lines[i]) != "" {
				i++
			}
			continue
		}

		// Optional cue identifier line: anything without an arrow directly
		// before a timing line.
		if !strings.Contains(line, "-->") {
			i++
			if i >= len(lines) || !strings.Contains(lines[i], "-->") {
				return Document{}, fmt.Errorf("vtt: expected timing line after cue identifier %q", line)
			}
			line = strings.TrimSpace(lines[i])
		}

		start, end, err := parseTimingLine(line)
		if err != nil {
			return Document{}, err
		}
		i++

		var payload []string
		for i < len(lines) && strings.TrimSpace(lines[i]) != "" {
			payload = append(payload, strings.TrimSpace(lines[i]))
			i++
		}

		speaker, text := splitVoiceTag(strings.Join(payload, "\n"))
		if start >= end {
			continue
		}
		doc.Cues = append(doc.Cues, Cue{Start: start, End: end, Speaker: speaker, Text: text})
	}

	return doc, nil
}

// parseTimingLine parses "HH:MM:SS.mmm --> HH:MM:SS.mmm" (hours optional).
func parseTimingLine(line string) (start, end time.Duration, err error) {
	// Cue settings after the end timestamp are tolerated and ignored.
	parts := strings.SplitN(line, "-->", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("vtt: malformed timing line %q", line)
	}
	startStr := strings.TrimSpace(parts[0])
	endFields := strings.Fields(strings.TrimSpace(parts[1]))
	if len(endFields) == 0 {
		return 0, 0, fmt.Errorf("vtt: malformed timing line %q", line)
	}
	if start, err = ParseTimestamp(startStr); err != nil {
		return 0, 0, err
	}
	if end, err = ParseTimestamp(endFields[0]); err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// ParseTimestamp parses "HH:MM:SS.mmm" or "MM:SS.mmm" into a duration.
func ParseTimestamp(s string) (time.Duration, error) {
	if !timingRe.MatchString(s) {
		return 0, fmt.Errorf("vtt: invalid timestamp %q", s)
	}
	var h, m, sec, ms int
	dotSplit := strings.SplitN(s, ".", 2)
	ms, _ = strconv.Atoi(dotSplit[1])
	fields := strings.Split(dotSplit[0], ":")
	switch len(fields) {
	case 3:
		h, _ = strconv.Atoi(fields[0])
		m, _ = strconv.Atoi(fields[1])
		sec, _ = strconv.Atoi(fields[2])
	case 2:
		m, _ = strconv.Atoi(fields[0])
		sec, _ = strconv.Atoi(fields[1])
	default:
		return 0, fmt.Errorf("vtt: invalid timestamp %q", s)
	}
	if m > 59 || sec > 59 {
		return 0, fmt.Errorf("vtt: invalid timestamp %q", s)
	}
	return time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(sec)*time.Second +
		time.Duration(ms)*time.Millisecond, nil
}

// FormatTimestamp renders a duration as "HH:MM:SS.mmm".
func FormatTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	ms := d / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

// splitVoiceTag separates a leading <v Speaker> tag from the cue text.
// A trailing </v> is discarded.
func splitVoiceTag(payload string) (speaker, text string) {
	text = strings.TrimSuffix(strings.TrimSpace(payload), "</v>")
	if m := voiceTagRe.FindStringSubmatch(text); m != nil {
		speaker = strings.TrimSpace(m[1])
		text = strings.TrimSpace(text[len(m[0]):])
	}
	return speaker, strings.TrimSpace(text)
}

// Render serializes the document back to WebVTT: header, one NOTE block when
// notes are present, then cues separated by blank lines.
func (d Document) Render() string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")

	if len(d.Notes) > 0 {
		b.WriteString("NOTE\n")
		for _, n := range d.Notes {
			b.WriteString(n)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	for _, c := range d.Cues {
		b.WriteString(FormatTimestamp(c.Start))
		b.WriteString(" --> ")
		b.WriteString(FormatTimestamp(c.End))
		b.WriteString("\n")
		if c.Speaker != "" {
			fmt.Fprintf(&b, "<v %s>", c.Speaker)
		}
		b.WriteString(c.Text)
		b.WriteString("\n\n")
	}

	return b.String()
}

// Coverage reports the end time of the last cue, the pipeline's measure of
// how much of an episode the transcript reaches. Zero for empty documents.
func (d Document) Coverage() time.Duration {
	if len(d.Cues) == 0 {
		return 0
	}
	return d.Cues[len(d.Cues)-1].End
}

// Tail returns the last n cues (all of them when fewer exist). Used to build
// conversational context for continuation requests.
func (d Document) Tail(n int) []Cue {
	if n <= 0 || len(d.Cues) == 0 {
		return nil
	}
	if n > len(d.Cues) {
		n = len(d.Cues)
	}
	return d.Cues[len(d.Cues)-n:]
}

// Speakers returns the distinct speaker labels in first-appearance order.
func (d Document) Speakers() []string {
	seen := make(map[string]struct{}, 4)
	var out []string
	for _, c := range d.Cues {
		if c.Speaker == "" {
			continue
		}
		if _, ok := seen[c.Speaker]; ok {
			continue
		}
		seen[c.Speaker] = struct{}{}
		out = append(out, c.Speaker)
	}
	return out
}

// ApplySpeakerMap rewrites cue speaker labels through mapping. Matching is
// case-insensitive on trimmed labels; unmapped labels are left untouched so a
// partial identification still improves the transcript.
func ApplySpeakerMap(cues []Cue, mapping map[string]string) {
	if len(mapping) == 0 {
		return
	}
	norm := make(map[string]string, len(mapping))
	for k, v := range mapping {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		norm[strings.ToLower(strings.TrimSpace(k))] = v
	}
	for i := range cues {
		if name, ok := norm[strings.ToLower(strings.TrimSpace(cues[i].Speaker))]; ok {
			cues[i].Speaker = name
		}
	}
}
