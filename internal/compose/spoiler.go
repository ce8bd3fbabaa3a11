// internal/compose/spoiler.go
// Spoiler markup tokenizer. Text wrapped in ||double pipes|| is a spoiler
// segment; markup is stored verbatim and only interpreted at display time.

package compose

import "strings"

const spoilerDelimiter = "||"

const (
	SegmentPlain   = "plain"
	SegmentSpoiler = "spoiler"
)

// Segment is one run of message text.
type Segment struct {
	Kind    string // SegmentPlain or SegmentSpoiler
	Content string
}

// ParseSpoilers splits text into alternating plain and spoiler segments.
// A dangling delimiter with no closing pair degrades to plain text. Empty
// segments are dropped.
func ParseSpoilers(text string) []Segment {
	var segments []Segment
	for text != "" {
		open := strings.Index(text, spoilerDelimiter)
		if open < 0 {
			segments = appendSegment(segments, SegmentPlain, text)
			break
		}
		rest := text[open+len(spoilerDelimiter):]
		end := strings.Index(rest, spoilerDelimiter)
		if end < 0 {
			// Unmatched opener: everything stays plain.
			segments = appendSegment(segments, SegmentPlain, text)
			break
		}
		segments = appendSegment(segments, SegmentPlain, text[:open])
		segments = appendSegment(segments, SegmentSpoiler, rest[:end])
		text = rest[end+len(spoilerDelimiter):]
	}
	return segments
}

func appendSegment(segments []Segment, kind, content string) []Segment {
	if content == "" {
		return segments
	}
	return append(segments, Segment{Kind: kind, Content: content})
}

// RenderSegments is the inverse of ParseSpoilers for segment sequences
// without nested delimiters.
func RenderSegments(segments []Segment) string {
	var b strings.Builder
	for _, segment := range segments {
		if segment.Kind == SegmentSpoiler {
			b.WriteString(spoilerDelimiter)
			b.WriteString(segment.Content)
			b.WriteString(spoilerDelimiter)
		} else {
			b.WriteString(segment.Content)
		}
	}
	return b.String()
}
