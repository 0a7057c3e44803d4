package ingest

import (
	"fmt"
	"strings"
)

// Chunker splits page text into overlapping word windows.
type Chunker struct {
	chunkWords   int
	chunkOverlap int
}

// NewChunker creates a chunker with the given window size and overlap (in words).
func NewChunker(chunkWords, chunkOverlap int) *Chunker {
	return &Chunker{
		chunkWords:   chunkWords,
		chunkOverlap: chunkOverlap,
	}
}

// Chunk cuts a page into ChunkSpecs. IDs are "<prefix>-p<page>-<n>" so reloading the
// same page yields the same ids.
func (c *Chunker) Chunk(prefix string, page PageSpec) []ChunkSpec {
	words := strings.Fields(page.Text)
	if len(words) == 0 {
		return nil
	}
	step := c.chunkWords - c.chunkOverlap
	if step <= 0 {
		step = 1
	}
	chunks := make([]ChunkSpec, 0, len(words)/step+1)
	for i := 0; i < len(words); i += step {
		end := i + c.chunkWords
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, ChunkSpec{
			ID:        fmt.Sprintf("%s-p%d-%d", prefix, page.Page, len(chunks)),
			Page:      page.Page,
			PageIndex: len(chunks),
			Section:   page.Section,
			Text:      strings.Join(words[i:end], " "),
		})
		if end >= len(words) {
			break
		}
	}
	return chunks
}
