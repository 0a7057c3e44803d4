package answer

import (
	"context"
	"time"

	"github.com/hyperjump/arbiter/internal/generation"
	"github.com/hyperjump/arbiter/internal/models"
	"github.com/hyperjump/arbiter/pkg/utils"
)

// generationRequest labels the winner, the passage it superseded, and contested claims.
func generationRequest(question string, res *models.Resolution) generation.Request {
	req := generation.Request{Question: question, ConflictNote: res.ConflictNote}
	req.Passages = append(req.Passages, generation.PassageFrom(res.Winner.Chunk, generation.RoleGoverning))
	if res.Superseded != nil {
		req.Passages = append(req.Passages, generation.PassageFrom(res.Superseded.Chunk, generation.RoleSuperseded))
	}
	for _, c := range res.Conflicting {
		req.Passages = append(req.Passages, generation.PassageFrom(c.Chunk, generation.RoleConflicting))
	}
	return req
}

func supersededRule(res *models.Resolution) *models.SupersededRule {
	if res.Superseded == nil {
		return nil
	}
	c := res.Superseded.Chunk
	return &models.SupersededRule{
		ChunkID:    c.ID,
		Quote:      utils.Truncate(c.Text, supersededQuote),
		Page:       c.Page,
		SourceType: c.SourceType,
		Reason:     res.OverrideEvidence,
		Confidence: res.OverrideConfidence,
	}
}

func allVerified(cits []models.Citation) bool {
	if len(cits) == 0 {
		return false
	}
	for _, c := range cits {
		if !c.Verified {
			return false
		}
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
