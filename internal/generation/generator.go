// Package generation turns a question and its governing rule passages into a verdict with
// quoted citations.
package generation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/arbiter/internal/config"
	"github.com/hyperjump/arbiter/internal/models"
)

// Passage roles shown to the model.
const (
	RoleGoverning   = "governing"
	RoleSuperseded  = "superseded"
	RoleConflicting = "conflicting"
	RoleContext     = "context"
)

// Passage is one rule passage given to the model as grounding.
type Passage struct {
	ChunkID    string
	SourceType models.SourceType
	Page       int
	Section    string
	Text       string
	Role       string
}

// PassageFrom builds a passage from a chunk.
func PassageFrom(c *models.RuleChunk, role string) Passage {
	return Passage{
		ChunkID:    c.ID,
		SourceType: c.SourceType,
		Page:       c.Page,
		Section:    c.SectionTitle,
		Text:       c.Text,
		Role:       role,
	}
}

// Request is a generation input.
type Request struct {
	Question     string
	Passages     []Passage
	ConflictNote string
}

// Governing returns the governing passage, or nil.
func (r *Request) Governing() *Passage {
	for i := range r.Passages {
		if r.Passages[i].Role == RoleGoverning {
			return &r.Passages[i]
		}
	}
	return nil
}

// Citation is a quote the model attributes to a chunk.
type Citation struct {
	ChunkID string `json:"chunk_id"`
	Quote   string `json:"quote"`
}

// Result is a parsed model answer.
type Result struct {
	Verdict   string
	Citations []Citation
	Usage     models.Usage
	Model     string
}

// Generator produces an answer grounded in the request passages.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
	Model() string
}

var (
	// ErrRateLimited means the provider refused the call for rate reasons. It is never retried.
	ErrRateLimited = errors.New("generation provider rate limited")
	// ErrEmptyResponse means the provider returned no text.
	ErrEmptyResponse = errors.New("generation provider returned no text")
)

// PermanentError is a provider failure that retrying cannot fix (bad request, auth).
type PermanentError struct {
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent generation failure (status %d): %v", e.StatusCode, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, context.Canceled) {
		return false
	}
	var perm *PermanentError
	return !errors.As(err, &perm)
}

// classify maps a provider HTTP status to the package error model.
func classify(status int, err error) error {
	switch {
	case status == 429:
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case status == 400, status == 401, status == 403, status == 404, status == 422:
		return &PermanentError{StatusCode: status, Err: err}
	}
	return err
}

// New returns the generator selected by cfg.Provider.
func New(ctx context.Context, cfg config.GenerationConfig, logger *zap.Logger) (Generator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		g   Generator
		err error
	)
	switch cfg.Provider {
	case "claude":
		g, err = NewClaude(cfg)
	case "gemini":
		g, err = NewGemini(ctx, cfg)
	case "extractive", "":
		g = NewExtractive()
	default:
		return nil, fmt.Errorf("unknown generation provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("generator ready", zap.String("provider", cfg.Provider), zap.String("model", g.Model()))
	return g, nil
}
