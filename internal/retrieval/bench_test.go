package retrieval

import (
	"fmt"
	"testing"

	"github.com/hyperjump/arbiter/internal/models"
)

func BenchmarkFuseAndSort(b *testing.B) {
	lexical := make(map[string]float64)
	semantic := make(map[string]float64)
	chunks := make(map[string]*models.RuleChunk)
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("rb-p%d", i)
		lexical[id] = float64(i%10) / 10
		semantic[id] = float64(100-i) / 100
		chunks[id] = &models.RuleChunk{ID: id, Page: i / 4, Precedence: models.PrecedenceBase}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fused := Fuse(lexical, semantic, 0.35, 0.65)
		results := make([]*models.ScoredChunk, 0, len(fused))
		for id, sc := range fused {
			sc.Chunk = chunks[id]
			results = append(results, sc)
		}
		SortScored(results)
	}
}
