// Package precedence decides which retrieved rule passage governs when passages disagree.
//
// Override edges are direct (chunk -> overridden chunk) and looked up in an in-memory
// adjacency map built per call. Only depth-1 edges are considered; ingestion rejects
// override chains, so a winner is never itself overridden by an accepted edge.
package precedence

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/arbiter/internal/config"
	"github.com/hyperjump/arbiter/internal/models"
)

// Resolver applies override edges and precedence levels to a ranked candidate list.
type Resolver struct {
	threshold   int
	priorMargin float64
	logger      *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// New returns a resolver. An override edge is accepted when its confidence is at
// least cfg.OverrideThreshold.
func New(cfg config.ResolverConfig, opts ...Option) *Resolver {
	r := &Resolver{
		threshold:   cfg.OverrideThreshold,
		priorMargin: cfg.PriorMargin,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve picks the governing chunk among candidates. expansionOrder ranks active
// expansions, first = highest priority. An empty candidate list yields a Resolution
// with a nil Winner.
func (r *Resolver) Resolve(candidates []*models.ScoredChunk, expansionOrder []int64) *models.Resolution {
	res := &models.Resolution{}
	if len(candidates) == 0 {
		return res
	}

	byID := make(map[string]*models.ScoredChunk, len(candidates))
	for _, c := range candidates {
		byID[c.Chunk.ID] = c
	}
	// target id -> chunks in the set that override it
	overriders := make(map[string][]*models.ScoredChunk)
	for _, c := range candidates {
		target := c.Chunk.Overrides
		if target == "" || target == c.Chunk.ID {
			continue
		}
		if _, ok := byID[target]; ok {
			overriders[target] = append(overriders[target], c)
		}
	}

	rank := expansionRank(expansionOrder)
	r.collectConflicts(res, candidates, overriders, rank)

	anchor := r.anchor(candidates)

	var base *models.ScoredChunk
	switch {
	case len(overriders[anchor.Chunk.ID]) > 0:
		base = anchor
	case anchor.Chunk.Overrides != "" && byID[anchor.Chunk.Overrides] != nil && anchor.Chunk.Overrides != anchor.Chunk.ID:
		base = byID[anchor.Chunk.Overrides]
	default:
		res.Winner = anchor
		return res
	}

	var accepted []*models.ScoredChunk
	for _, o := range overriders[base.Chunk.ID] {
		if o.Chunk.OverrideConfidence >= r.threshold {
			accepted = append(accepted, o)
		}
	}
	if len(accepted) == 0 {
		res.Winner = base
		return res
	}
	sortOverriders(accepted, rank)
	winner := accepted[0]
	res.Winner = winner
	res.Superseded = base
	res.OverrideEvidence = winner.Chunk.OverrideEvidence
	res.OverrideConfidence = winner.Chunk.OverrideConfidence
	if len(accepted) > 1 {
		r.logger.Debug("multiple accepted overrides, picked by precedence and expansion order",
			zap.String("base", base.Chunk.ID),
			zap.String("winner", winner.Chunk.ID),
			zap.Int("accepted", len(accepted)))
	}
	return res
}

// collectConflicts records every below-threshold override edge in the candidate set,
// whichever family the winner comes from. Targets are visited in candidate order.
func (r *Resolver) collectConflicts(res *models.Resolution, candidates []*models.ScoredChunk,
	overriders map[string][]*models.ScoredChunk, rank func(*models.RuleChunk) int) {
	var notes []string
	for _, target := range candidates {
		var contested []*models.ScoredChunk
		for _, o := range overriders[target.Chunk.ID] {
			if o.Chunk.OverrideConfidence < r.threshold {
				contested = append(contested, o)
			}
		}
		if len(contested) == 0 {
			continue
		}
		sortOverriders(contested, rank)
		res.Conflicting = append(res.Conflicting, contested...)
		for _, c := range contested {
			notes = append(notes, r.conflictPart(target, c))
		}
	}
	if len(notes) > 0 {
		res.ConflictNote = "Rule sources disagree: " + strings.Join(notes, "; ")
	}
}

// anchor returns the top candidate, or a higher-precedence candidate scoring within
// priorMargin of it.
func (r *Resolver) anchor(candidates []*models.ScoredChunk) *models.ScoredChunk {
	top := candidates[0]
	for _, c := range candidates[1:] {
		if better(c, top) {
			top = c
		}
	}
	best := top
	for _, c := range candidates {
		if c.Chunk.Precedence <= best.Chunk.Precedence {
			continue
		}
		if top.Score-c.Score <= r.priorMargin {
			best = c
		}
	}
	return best
}

// better orders by score desc, precedence desc, page asc, id asc.
func better(a, b *models.ScoredChunk) bool {
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
}

// expansionRank maps expansion id to priority (lower wins). Unlisted expansions rank
// after listed ones and base-game chunks rank last.
func expansionRank(order []int64) func(*models.RuleChunk) int {
	pos := make(map[int64]int, len(order))
	for i, id := range order {
		if _, dup := pos[id]; !dup {
			pos[id] = i
		}
	}
	return func(c *models.RuleChunk) int {
		if c.ExpansionID == nil {
			return len(order) + 1
		}
		if p, ok := pos[*c.ExpansionID]; ok {
			return p
		}
		return len(order)
	}
}

func sortOverriders(list []*models.ScoredChunk, rank func(*models.RuleChunk) int) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].Chunk, list[j].Chunk
		if a.Precedence != b.Precedence {
			return a.Precedence > b.Precedence
		}
		if ra, rb := rank(a), rank(b); ra != rb {
			return ra < rb
		}
		if a.OverrideConfidence != b.OverrideConfidence {
			return a.OverrideConfidence > b.OverrideConfidence
		}
		if list[i].Score != list[j].Score {
			return list[i].Score > list[j].Score
		}
		return a.ID < b.ID
	})
}

func (r *Resolver) conflictPart(base, c *models.ScoredChunk) string {
	return fmt.Sprintf("%s rule on page %d may change the %s rule on page %d (override confidence %d/100, below %d)",
		c.Chunk.SourceType, c.Chunk.Page, base.Chunk.SourceType, base.Chunk.Page, c.Chunk.OverrideConfidence, r.threshold)
}
