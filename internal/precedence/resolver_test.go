package precedence

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/arbiter/internal/config"
	"github.com/hyperjump/arbiter/internal/models"
)

func newResolver() *Resolver {
	return New(config.ResolverConfig{OverrideThreshold: 50, PriorMargin: 0.05})
}

func scored(id string, score float64, prec models.PrecedenceLevel, page int) *models.ScoredChunk {
	st := models.SourceRulebook
	switch prec {
	case models.PrecedenceExpansion:
		st = models.SourceExpansion
	case models.PrecedenceErrata:
		st = models.SourceErrata
	}
	return &models.ScoredChunk{Score: score, Chunk: &models.RuleChunk{ID: id, Precedence: prec, Page: page, SourceType: st}}
}

func overrides(c *models.ScoredChunk, target string, confidence int) *models.ScoredChunk {
	c.Chunk.Overrides = target
	c.Chunk.OverrideConfidence = confidence
	c.Chunk.OverrideEvidence = "replaces " + target
	return c
}

func withExpansion(c *models.ScoredChunk, id int64) *models.ScoredChunk {
	c.Chunk.ExpansionID = &id
	return c
}

func TestResolve_HarborScenario(t *testing.T) {
	a := scored("A", 0.82, models.PrecedenceBase, 8)
	b := withExpansion(overrides(scored("B", 0.78, models.PrecedenceExpansion, 12), "A", 90), 3)

	res := newResolver().Resolve([]*models.ScoredChunk{a, b}, []int64{3})
	require.NotNil(t, res.Winner)
	assert.Equal(t, "B", res.Winner.Chunk.ID)
	require.NotNil(t, res.Superseded)
	assert.Equal(t, "A", res.Superseded.Chunk.ID)
	assert.Equal(t, 90, res.OverrideConfidence)
	assert.Equal(t, "replaces A", res.OverrideEvidence)
	assert.False(t, res.HasConflict())
}

func TestResolve_AnchorIsOverrider(t *testing.T) {
	a := scored("A", 0.4, models.PrecedenceBase, 8)
	b := overrides(scored("B", 0.9, models.PrecedenceErrata, 1), "A", 75)
	res := newResolver().Resolve([]*models.ScoredChunk{b, a}, nil)
	assert.Equal(t, "B", res.Winner.Chunk.ID)
	assert.Equal(t, "A", res.Superseded.Chunk.ID)
}

func TestResolve_ContestedEdge(t *testing.T) {
	a := scored("A", 0.8, models.PrecedenceBase, 8)
	b := overrides(scored("B", 0.7, models.PrecedenceExpansion, 12), "A", 40)

	res := newResolver().Resolve([]*models.ScoredChunk{a, b}, nil)
	assert.Equal(t, "A", res.Winner.Chunk.ID, "base stays winner without an accepted override")
	assert.Nil(t, res.Superseded)
	assert.NotEmpty(t, res.ConflictNote)
	require.Len(t, res.Conflicting, 1)
	assert.Equal(t, "B", res.Conflicting[0].Chunk.ID)
}

func TestResolve_ThresholdIsInclusive(t *testing.T) {
	a := scored("A", 0.8, models.PrecedenceBase, 8)
	b := overrides(scored("B", 0.7, models.PrecedenceExpansion, 12), "A", 50)
	res := newResolver().Resolve([]*models.ScoredChunk{a, b}, nil)
	assert.Equal(t, "B", res.Winner.Chunk.ID)
	assert.False(t, res.HasConflict())
}

func TestResolve_AcceptedAndContested(t *testing.T) {
	a := scored("A", 0.9, models.PrecedenceBase, 8)
	b := overrides(scored("B", 0.6, models.PrecedenceExpansion, 12), "A", 80)
	c := overrides(scored("C", 0.5, models.PrecedenceExpansion, 20), "A", 20)
	res := newResolver().Resolve([]*models.ScoredChunk{a, b, c}, nil)
	assert.Equal(t, "B", res.Winner.Chunk.ID)
	assert.Equal(t, "A", res.Superseded.Chunk.ID)
	assert.True(t, res.HasConflict(), "contested claims are still surfaced")
}

func TestResolve_ExpansionOrder(t *testing.T) {
	base := scored("base", 0.9, models.PrecedenceBase, 4)
	e1 := withExpansion(overrides(scored("e1", 0.5, models.PrecedenceExpansion, 10), "base", 70), 1)
	e2 := withExpansion(overrides(scored("e2", 0.6, models.PrecedenceExpansion, 30), "base", 95), 2)
	candidates := []*models.ScoredChunk{base, e2, e1}

	res := newResolver().Resolve(candidates, []int64{1, 2})
	assert.Equal(t, "e1", res.Winner.Chunk.ID, "first listed expansion wins")

	res = newResolver().Resolve(candidates, []int64{2, 1})
	assert.Equal(t, "e2", res.Winner.Chunk.ID)
}

func TestResolve_LevelBeatsExpansionOrder(t *testing.T) {
	base := scored("base", 0.9, models.PrecedenceBase, 4)
	exp := withExpansion(overrides(scored("exp", 0.5, models.PrecedenceExpansion, 10), "base", 90), 1)
	errata := overrides(scored("errata", 0.4, models.PrecedenceErrata, 1), "base", 60)
	res := newResolver().Resolve([]*models.ScoredChunk{base, exp, errata}, []int64{1})
	assert.Equal(t, "errata", res.Winner.Chunk.ID)
}

func TestResolve_PriorMargin(t *testing.T) {
	top := scored("base", 0.80, models.PrecedenceBase, 3)
	faq := scored("faq", 0.77, models.PrecedenceErrata, 2)
	far := scored("far", 0.60, models.PrecedenceErrata, 1)

	res := newResolver().Resolve([]*models.ScoredChunk{top, faq}, nil)
	assert.Equal(t, "faq", res.Winner.Chunk.ID, "higher level within margin takes the anchor")

	res = newResolver().Resolve([]*models.ScoredChunk{top, far}, nil)
	assert.Equal(t, "base", res.Winner.Chunk.ID)
}

func TestResolve_EdgeOutsideCandidatesIgnored(t *testing.T) {
	b := overrides(scored("B", 0.9, models.PrecedenceExpansion, 12), "missing", 90)
	res := newResolver().Resolve([]*models.ScoredChunk{b}, nil)
	assert.Equal(t, "B", res.Winner.Chunk.ID)
	assert.Nil(t, res.Superseded)
}

func TestResolve_Empty(t *testing.T) {
	res := newResolver().Resolve(nil, nil)
	assert.Nil(t, res.Winner)
}

// Random candidate sets without override chains: an accepted edge's target never wins,
// and any contested edge in the set yields a conflict note naming its overrider.
func TestResolve_OverriddenNeverWins(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	r := newResolver()
	for iter := 0; iter < 500; iter++ {
		n := 2 + rng.Intn(6)
		var cands []*models.ScoredChunk
		for i := 0; i < n; i++ {
			level := models.PrecedenceLevel(1 + rng.Intn(3))
			cands = append(cands, scored(fmt.Sprintf("c%d", i), rng.Float64(), level, 1+rng.Intn(20)))
		}
		// Targets are drawn from the first half and overriders from the second half,
		// so no chunk is both overrider and target.
		half := n / 2
		for i := half; i < n; i++ {
			if rng.Intn(2) == 0 {
				overrides(cands[i], cands[rng.Intn(half)].Chunk.ID, rng.Intn(101))
			}
		}
		res := r.Resolve(cands, nil)
		require.NotNil(t, res.Winner)
		for _, c := range cands {
			if c.Chunk.Overrides != "" && c.Chunk.OverrideConfidence >= 50 {
				assert.NotEqual(t, c.Chunk.Overrides, res.Winner.Chunk.ID, "iteration %d", iter)
			}
		}
		for _, c := range cands {
			if c.Chunk.Overrides == "" || c.Chunk.OverrideConfidence >= 50 {
				continue
			}
			assert.NotEmpty(t, res.ConflictNote, "iteration %d: contested edge %s without note", iter, c.Chunk.ID)
			assert.Contains(t, res.Conflicting, c, "iteration %d", iter)
		}
	}
}

func TestResolve_ContestedEdgeAwayFromWinner(t *testing.T) {
	x := scored("X", 0.95, models.PrecedenceBase, 3)
	a := scored("A", 0.60, models.PrecedenceBase, 8)
	b := withExpansion(overrides(scored("B", 0.50, models.PrecedenceExpansion, 12), "A", 30), 5)

	res := newResolver().Resolve([]*models.ScoredChunk{x, a, b}, []int64{5})
	require.NotNil(t, res.Winner)
	assert.Equal(t, "X", res.Winner.Chunk.ID)
	assert.Nil(t, res.Superseded)
	assert.True(t, res.HasConflict())
	assert.Contains(t, res.ConflictNote, "page 12")
	require.Len(t, res.Conflicting, 1)
	assert.Equal(t, "B", res.Conflicting[0].Chunk.ID)
}
