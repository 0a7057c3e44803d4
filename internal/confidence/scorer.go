// Package confidence maps answer signals to a discrete confidence level.
package confidence

import (
	"github.com/hyperjump/arbiter/internal/config"
	"github.com/hyperjump/arbiter/internal/models"
)

// Reasons attached to each level.
const (
	ReasonUnverified   = "quote could not be verified against source"
	ReasonConflict     = "multiple rule sources disagree"
	ReasonLowRelevance = "best match has low topical relevance"
	ReasonVerified     = "quote verified against the governing rule source"
)

// Signals are the pipeline facts the level depends on.
type Signals struct {
	// TopScore is the fused retrieval score of the winning passage.
	TopScore float64
	// AllVerified is true when every citation quote was verified.
	AllVerified bool
	// Conflict is true when the resolver reported a contested override.
	Conflict bool
}

// Assessment is a level with its human-readable reason.
type Assessment struct {
	Level  models.ConfidenceLevel
	Reason string
}

// Scorer assigns confidence. The first matching rule wins.
type Scorer struct {
	minRelevance float64
}

// New returns a scorer; MinRelevance defaults to 0.35.
func New(cfg config.ConfidenceConfig) *Scorer {
	s := &Scorer{minRelevance: cfg.MinRelevance}
	if s.minRelevance <= 0 {
		s.minRelevance = 0.35
	}
	return s
}

// Score evaluates the signals.
func (s *Scorer) Score(sig Signals) Assessment {
	switch {
	case !sig.AllVerified:
		return Assessment{Level: models.ConfidenceLow, Reason: ReasonUnverified}
	case sig.Conflict:
		return Assessment{Level: models.ConfidenceLow, Reason: ReasonConflict}
	case sig.TopScore < s.minRelevance:
		return Assessment{Level: models.ConfidenceMedium, Reason: ReasonLowRelevance}
	}
	return Assessment{Level: models.ConfidenceHigh, Reason: ReasonVerified}
}
