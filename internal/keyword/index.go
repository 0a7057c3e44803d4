// Package keyword provides lexical (BM25) indexing and search over rule chunks.
package keyword

import (
	"context"
	"fmt"

	"github.com/hyperjump/arbiter/internal/models"
)

// SearchOptions optional parameters for keyword search. Nil means use defaults.
type SearchOptions struct {
	// SectionBoost multiplies the score contribution from matches in the section title.
	// Values > 1 favor chunks whose heading names the queried concept. Use 1.0 for no boost.
	SectionBoost float64
	// PhraseBoost multiplies the score when query terms appear adjacent in the text.
	PhraseBoost float64
	// FuzzyEnabled enables fuzzy matching for typo tolerance.
	FuzzyEnabled bool
	// Fuzziness is the maximum edit distance for fuzzy matching (1 or 2).
	Fuzziness int
	// IDs, when non-nil, restricts hits to these chunk ids inside the scope.
	IDs []string
}

// KeywordIndex defines lexical search over chunks partitioned by scope.
type KeywordIndex interface {
	Index(ctx context.Context, chunk *models.RuleChunk) error
	IndexBatch(ctx context.Context, chunks []*models.RuleChunk) error
	// Search returns hits restricted to scope (see Scope).
	Search(ctx context.Context, scope, query string, limit int, opts *SearchOptions) ([]*KeywordResult, error)
	Delete(ctx context.Context, ids []string) error
	DocCount() (uint64, error)
	Close() error
}

// KeywordResult is a single keyword search hit (ID is a chunk ID).
type KeywordResult struct {
	ID    string
	Score float64
}

// Scope is the partition key stored with every chunk: one per game edition.
func Scope(gameID int64, edition string) string {
	return fmt.Sprintf("%d:%s", gameID, edition)
}
