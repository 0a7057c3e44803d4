// Package retrieval finds the rule passages most relevant to a question by fusing
// lexical and semantic search over the eligible chunks of a game edition.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/arbiter/internal/config"
	"github.com/hyperjump/arbiter/internal/embedding"
	"github.com/hyperjump/arbiter/internal/keyword"
	"github.com/hyperjump/arbiter/internal/models"
	"github.com/hyperjump/arbiter/internal/storage"
	"github.com/hyperjump/arbiter/internal/vector"
)

// ChunkSource is the slice of the store the retriever reads.
type ChunkSource interface {
	EligibleChunkIDs(ctx context.Context, filter models.ChunkFilter, now time.Time) (map[string]struct{}, error)
	GetChunks(ctx context.Context, ids []string) (map[string]*models.RuleChunk, error)
}

// Retriever runs hybrid (lexical + semantic) retrieval.
type Retriever struct {
	store        ChunkSource
	embedder     embedding.Embedder
	vectorIndex  vector.VectorIndex
	keywordIndex keyword.KeywordIndex
	config       config.RetrievalConfig
	logger       *zap.Logger
	now          func() time.Time
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Retriever) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the time used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(r *Retriever) { r.now = now }
}

// New creates a retriever with the given dependencies.
func New(
	store ChunkSource,
	embedder embedding.Embedder,
	vectorIndex vector.VectorIndex,
	keywordIndex keyword.KeywordIndex,
	cfg config.RetrievalConfig,
	opts ...Option,
) *Retriever {
	r := &Retriever{
		store:        store,
		embedder:     embedder,
		vectorIndex:  vectorIndex,
		keywordIndex: keywordIndex,
		config:       cfg,
		logger:       zap.NewNop(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve returns up to MaxResults chunks for the query, best first. An empty slice
// means nothing eligible matched. Failures are wrapped with storage.ErrUnavailable.
func (r *Retriever) Retrieve(ctx context.Context, q models.RetrievalQuery) ([]*models.ScoredChunk, error) {
	start := time.Now()
	eligible, err := r.store.EligibleChunkIDs(ctx, models.ChunkFilter{
		GameID:       q.GameID,
		Edition:      q.Edition,
		ExpansionIDs: q.ExpansionIDs,
		SourceTypes:  q.SourceTypes,
	}, r.now())
	if err != nil {
		return nil, unavailable("load eligible chunks", err)
	}
	if len(eligible) == 0 {
		return []*models.ScoredChunk{}, nil
	}

	topK := r.config.TopKCandidates
	if topK <= 0 {
		topK = 50
	}

	eligibleIDs := make([]string, 0, len(eligible))
	for id := range eligible {
		eligibleIDs = append(eligibleIDs, id)
	}

	var (
		lexicalResults  []*keyword.KeywordResult
		semanticResults []*vector.VectorResult
		errChan         = make(chan error, 2)
		wg              sync.WaitGroup
	)

	if r.config.LexicalWeight > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := r.keywordIndex.Search(ctx, keyword.Scope(q.GameID, q.Edition), q.Question, topK, &keyword.SearchOptions{
				FuzzyEnabled: r.config.Fuzzy,
				Fuzziness:    r.config.Fuzziness,
				IDs:          eligibleIDs,
			})
			if err != nil {
				errChan <- fmt.Errorf("lexical search failed: %w", err)
				return
			}
			lexicalResults = results
		}()
	}

	if r.config.SemanticWeight > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			queryEmbedding := q.Embedding
			if queryEmbedding == nil {
				var err error
				if queryEmbedding, err = r.embedder.Embed(ctx, q.Question); err != nil {
					errChan <- fmt.Errorf("embedding failed: %w", err)
					return
				}
			}
			results, err := r.vectorIndex.Search(ctx, queryEmbedding, topK, func(id string) bool {
				_, ok := eligible[id]
				return ok
			})
			if err != nil {
				errChan <- fmt.Errorf("vector search failed: %w", err)
				return
			}
			semanticResults = results
		}()
	}

	wg.Wait()
	close(errChan)
	for err := range errChan {
		if err != nil {
			return nil, unavailable("hybrid search", err)
		}
	}

	fused := Fuse(NormalizeLexicalScores(lexicalResults), NormalizeSemanticScores(semanticResults),
		r.config.LexicalWeight, r.config.SemanticWeight)
	if len(fused) == 0 {
		return []*models.ScoredChunk{}, nil
	}

	ids := make([]string, 0, len(fused))
	for id := range fused {
		ids = append(ids, id)
	}
	chunks, err := r.store.GetChunks(ctx, ids)
	if err != nil {
		return nil, unavailable("load chunks", err)
	}

	results := make([]*models.ScoredChunk, 0, len(fused))
	for id, sc := range fused {
		c, ok := chunks[id]
		if !ok {
			r.logger.Warn("indexed chunk missing from store", zap.String("chunk_id", id))
			continue
		}
		sc.Chunk = c
		results = append(results, sc)
	}
	SortScored(results)

	maxResults := r.config.MaxResults
	if maxResults > 0 && len(results) > maxResults {
		results = results[:maxResults]
	}

	r.logger.Debug("retrieval done",
		zap.Int64("game_id", q.GameID),
		zap.String("edition", q.Edition),
		zap.Int("eligible", len(eligible)),
		zap.Int("lexical_hits", len(lexicalResults)),
		zap.Int("semantic_hits", len(semanticResults)),
		zap.Int("results", len(results)),
		zap.Duration("took", time.Since(start)))
	return results, nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, storage.ErrUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", storage.ErrUnavailable, op, err)
}
