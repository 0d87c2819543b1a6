package pipeline

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/siherrmann/docsalud/model"
)

// OverlapChunker splits text into spans of at most config.Size bytes.
// Consecutive spans share about config.Overlap bytes. A span ends at a
// sentence boundary if one lies within config.Tolerance bytes before the
// size limit, otherwise at a word boundary, otherwise at the limit.
// Concatenating the spans minus their overlaps yields the input text.
func OverlapChunker(config model.ChunkingConfig) ChunkFunc {
	return func(text string) ([]ChunkSpan, error) {
		if err := config.Validate(); err != nil {
			return nil, fmt.Errorf("invalid chunking config: %w", err)
		}

		if strings.TrimSpace(text) == "" {
			return []ChunkSpan{}, nil
		}

		spans := []ChunkSpan{}
		start := 0
		for {
			end := len(text)
			if start+config.Size < len(text) {
				end = chunkEnd(text, start, start+config.Size, config.Tolerance)
			}

			spans = append(spans, ChunkSpan{
				Content: text[start:end],
				Start:   start,
				End:     end,
				Index:   len(spans),
			})

			if end == len(text) {
				return spans, nil
			}
			start = nextStart(text, start, end, config.Overlap)
		}
	}
}

// Reassemble joins spans produced by a ChunkFunc back into the source text.
func Reassemble(spans []ChunkSpan) (string, error) {
	var b strings.Builder
	for i, span := range spans {
		if i == 0 {
			b.WriteString(span.Content)
			continue
		}
		overlap := spans[i-1].End - span.Start
		if overlap < 0 || overlap > len(span.Content) {
			return "", fmt.Errorf("span %d is not contiguous with span %d", i, i-1)
		}
		b.WriteString(span.Content[overlap:])
	}
	return b.String(), nil
}

func chunkEnd(text string, start int, target int, tolerance int) int {
	lower := target - tolerance
	if lower <= start {
		lower = start + 1
	}

	for i := target; i >= lower; i-- {
		if isSentenceEnd(text, i) {
			return i
		}
	}
	for i := target; i >= lower; i-- {
		if isSpace(text[i]) {
			return i
		}
	}

	end := target
	for end > start+1 && !utf8.RuneStart(text[end]) {
		end--
	}
	return end
}

func nextStart(text string, start int, end int, overlap int) int {
	s := end - overlap
	if s <= start {
		s = start + 1
	}

	// begin the overlap at a word
	for i := s; i < end; i++ {
		if i > 0 && isSpace(text[i-1]) && !isSpace(text[i]) {
			s = i
			break
		}
	}

	for s < end && !utf8.RuneStart(text[s]) {
		s++
	}
	return s
}

// isSentenceEnd reports whether position i directly follows a sentence terminator
// that is followed by whitespace.
func isSentenceEnd(text string, i int) bool {
	if i <= 0 || i >= len(text) {
		return false
	}
	switch text[i-1] {
	case '.', '!', '?', '\n':
		return isSpace(text[i])
	}
	return false
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r' || b == '\f'
}
