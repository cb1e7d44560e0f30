// Package chunk splits long text into overlapping fixed-size segments for
// embedding. Consecutive segments share a configurable overlap so context
// survives segment boundaries.
package chunk

import (
	"strings"
)

const (
	// DefaultSize is the default segment length in runes.
	DefaultSize = 1000
	// DefaultOverlap is the default number of runes shared between
	// consecutive segments.
	DefaultOverlap = 100
)

// Split cuts text into segments of at most size runes, each overlapping the
// previous by overlap runes. It is a pure function: the same input always
// yields the same segments, in order, and concatenating the segments minus
// their overlaps reconstructs the input exactly.
//
// Empty or whitespace-only input yields nil. Non-positive size falls back to
// DefaultSize; an overlap that is negative or >= size falls back to
// DefaultOverlap (or 0 when even that would not fit).
func Split(text string, size, overlap int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if size <= 0 {
		size = DefaultSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultOverlap
		if overlap >= size {
			overlap = 0
		}
	}

	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	step := size - overlap
	chunks := make([]string, 0, (len(runes)+step-1)/step)
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// Rejoin reverses Split: it concatenates chunks, dropping the leading overlap
// runes from every chunk after the first. Used to verify lossless chunking.
func Rejoin(chunks []string, overlap int) string {
	if len(chunks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(chunks[0])
	for _, c := range chunks[1:] {
		runes := []rune(c)
		if overlap < len(runes) {
			b.WriteString(string(runes[overlap:]))
		}
	}
	return b.String()
}
