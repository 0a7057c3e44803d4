package retrieval

import (
	"sort"

	"github.com/hyperjump/arbiter/internal/keyword"
	"github.com/hyperjump/arbiter/internal/models"
	"github.com/hyperjump/arbiter/internal/vector"
	"github.com/hyperjump/arbiter/pkg/utils"
)

// NormalizeLexicalScores normalizes BM25 scores to [0,1] by max.
func NormalizeLexicalScores(results []*keyword.KeywordResult) map[string]float64 {
	normalized := make(map[string]float64, len(results))
	var maxScore float64
	for _, r := range results {
		if r.Score > maxScore {
			maxScore = r.Score
		}
	}
	for _, r := range results {
		if maxScore > 0 {
			normalized[r.ID] = r.Score / maxScore
		} else {
			normalized[r.ID] = 0
		}
	}
	return normalized
}

// NormalizeSemanticScores clamps cosine similarity to [0,1].
func NormalizeSemanticScores(results []*vector.VectorResult) map[string]float64 {
	normalized := make(map[string]float64, len(results))
	for _, r := range results {
		normalized[r.ID] = utils.Clamp01(r.Score)
	}
	return normalized
}

// Fuse merges lexical and semantic score maps into unsorted scored chunks keyed by id.
// Chunk is left nil; the retriever fills it from the store.
func Fuse(lexical, semantic map[string]float64, lexicalWeight, semanticWeight float64) map[string]*models.ScoredChunk {
	fused := make(map[string]*models.ScoredChunk, len(lexical)+len(semantic))
	for id, score := range lexical {
		fused[id] = &models.ScoredChunk{LexicalScore: score}
	}
	for id, score := range semantic {
		if r, ok := fused[id]; ok {
			r.SemanticScore = score
		} else {
			fused[id] = &models.ScoredChunk{SemanticScore: score}
		}
	}
	for _, r := range fused {
		r.Score = lexicalWeight*r.LexicalScore + semanticWeight*r.SemanticScore
	}
	return fused
}

// SortScored orders by fused score desc, then precedence level desc, page asc, chunk id asc.
// Every element must carry its Chunk.
func SortScored(results []*models.ScoredChunk) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Chunk.Precedence != b.Chunk.Precedence {
			return a.Chunk.Precedence > b.Chunk.Precedence
		}
		if a.Chunk.Page != b.Chunk.Page {
			return a.Chunk.Page < b.Chunk.Page
		}
		return a.Chunk.ID < b.Chunk.ID
	})
}
