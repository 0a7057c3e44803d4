// Package vector provides the semantic index over chunk embeddings.
package vector

import "context"

// Filter reports whether an id may appear in search results. A nil Filter admits every id.
type Filter func(id string) bool

// VectorIndex defines vector storage and similarity search.
type VectorIndex interface {
	// Add inserts or replaces vectors by id.
	Add(ctx context.Context, ids []string, vectors [][]float32) error
	Search(ctx context.Context, query []float32, k int, filter Filter) ([]*VectorResult, error)
	Remove(ctx context.Context, ids []string) error
	Save(path string) error
	Load(path string) error
	Size() int
	Close() error
}

// VectorResult is a single vector search hit (ID is a chunk ID).
type VectorResult struct {
	ID    string
	Score float64 // cosine similarity clamped to [0,1]
}
