package ingest

import (
	"context"
	"fmt"
	"sort"

	"github.com/hyperjump/arbiter/internal/models"
)

// chunkLookup resolves override targets that are not part of the manifest being loaded.
type chunkLookup interface {
	GetChunks(ctx context.Context, ids []string) (map[string]*models.RuleChunk, error)
}

// checkOverrides enforces that the override graph stays depth-1: every target exists in
// the same game, nothing overrides itself, and no target itself overrides another chunk.
// Stored chunks of sources in reloading are treated as already removed.
func checkOverrides(ctx context.Context, chunks []*models.RuleChunk, reloading map[int64]bool, lookup chunkLookup) error {
	byID := make(map[string]*models.RuleChunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	var external []string
	for _, c := range chunks {
		if !c.HasOverride() {
			continue
		}
		if c.Overrides == c.ID {
			return fmt.Errorf("%w: chunk %s overrides itself", ErrInvalidManifest, c.ID)
		}
		if _, ok := byID[c.Overrides]; !ok {
			external = append(external, c.Overrides)
		}
	}
	stored := map[string]*models.RuleChunk{}
	if len(external) > 0 {
		sort.Strings(external)
		found, err := lookup.GetChunks(ctx, external)
		if err != nil {
			return fmt.Errorf("failed to look up override targets: %w", err)
		}
		for id, c := range found {
			if !reloading[c.SourceID] {
				stored[id] = c
			}
		}
	}

	for _, c := range chunks {
		if !c.HasOverride() {
			continue
		}
		target, ok := byID[c.Overrides]
		if !ok {
			target, ok = stored[c.Overrides]
		}
		if !ok {
			return fmt.Errorf("%w: chunk %s overrides unknown chunk %s", ErrInvalidManifest, c.ID, c.Overrides)
		}
		if target.GameID != c.GameID {
			return fmt.Errorf("%w: chunk %s overrides %s from another game", ErrInvalidManifest, c.ID, target.ID)
		}
		if !target.HasOverride() {
			continue
		}
		if target.Overrides == c.ID {
			return fmt.Errorf("%w: chunks %s and %s override each other", ErrInvalidManifest, c.ID, target.ID)
		}
		return fmt.Errorf("%w: chunk %s overrides %s, which itself overrides %s",
			ErrInvalidManifest, c.ID, target.ID, target.Overrides)
	}
	return nil
}
