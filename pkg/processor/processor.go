package processor

import (
	"strings"
	"unicode/utf8"

	"github.com/docdex/docdex/internal/models"
)

type Config struct {
	// ChunkSize is the target chunk length in characters. ChunkOverlap
	// characters are repeated at the start of the next chunk; the
	// overlap trades ~20% storage for retrieval recall across chunk
	// boundaries.
	ChunkSize    int
	ChunkOverlap int
}

type Processor struct {
	config Config
}

func NewWithConfig(config Config) Processor {
	if config.ChunkSize == 0 {
		config.ChunkSize = 1024
	}
	if config.ChunkOverlap == 0 {
		config.ChunkOverlap = 200
	}
	if config.ChunkOverlap >= config.ChunkSize {
		config.ChunkOverlap = config.ChunkSize / 5
	}

	return Processor{
		config: config,
	}
}

// Chunk splits text into overlapping chunks cut on paragraph and
// sentence boundaries. Every chunk inherits baseMetadata plus its
// positional index. Empty input yields no chunks; no text is ever
// dropped, so the final chunk always ends exactly where the input does.
func (p *Processor) Chunk(text string, baseMetadata map[string]interface{}) []models.Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	// Oversized segments are hard-split to leave room for the carried
	// overlap, keeping every chunk within the target.
	segments := splitSegments(text, p.config.ChunkSize-p.config.ChunkOverlap)

	var texts []string
	var current strings.Builder

	for _, segment := range segments {
		if current.Len() > 0 && current.Len()+len(segment) > p.config.ChunkSize {
			chunk := current.String()
			texts = append(texts, chunk)

			// Seed the next chunk with the tail of this one.
			current.Reset()
			current.WriteString(overlapTail(chunk, p.config.ChunkOverlap))
		}
		current.WriteString(segment)
	}
	if current.Len() > 0 {
		texts = append(texts, current.String())
	}

	chunks := make([]models.Chunk, 0, len(texts))
	for i, t := range texts {
		metadata := copyMetadata(baseMetadata)
		metadata["chunk_index"] = i
		chunks = append(chunks, models.Chunk{
			Text:     t,
			Index:    i,
			Metadata: metadata,
		})
	}
	return chunks
}

// splitSegments cuts text into segments whose concatenation reproduces
// the input byte for byte. Cut points are paragraph breaks first, then
// sentence enders; segments longer than maxLen are hard-split so a
// single run-on sentence cannot blow past the chunk target.
func splitSegments(text string, maxLen int) []string {
	var segments []string
	start := 0
	i := 0

	for i < len(text) {
		cut := -1

		if strings.HasPrefix(text[i:], "\n\n") {
			// Paragraph boundary: consume the whole newline run.
			j := i
			for j < len(text) && text[j] == '\n' {
				j++
			}
			cut = j
		} else if isSentenceEnd(text[i]) && i+1 < len(text) && (text[i+1] == ' ' || text[i+1] == '\n') {
			cut = i + 2
		}

		if cut > 0 {
			segments = append(segments, text[start:cut])
			start = cut
			i = cut
		} else {
			i++
		}
	}
	if start < len(text) {
		segments = append(segments, text[start:])
	}

	return hardSplit(segments, maxLen)
}

func isSentenceEnd(b byte) bool {
	return b == '.' || b == '!' || b == '?'
}

func hardSplit(segments []string, maxLen int) []string {
	out := make([]string, 0, len(segments))
	for _, segment := range segments {
		for len(segment) > maxLen {
			cut := maxLen
			for cut > 0 && !utf8.RuneStart(segment[cut]) {
				cut--
			}
			out = append(out, segment[:cut])
			segment = segment[cut:]
		}
		out = append(out, segment)
	}
	return out
}

// overlapTail returns the last n bytes of s, aligned to a rune start.
func overlapTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}

func copyMetadata(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src)+1)
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
