// Package storage persists games, sources, rule chunks, answer history, feedback and ingest jobs.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/hyperjump/arbiter/internal/models"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable marks a store failure callers may retry.
	ErrUnavailable = errors.New("store unavailable")
)

// Catalog holds games, expansions and sources.
type Catalog interface {
	GetGame(ctx context.Context, id int64) (*models.Game, error)
	UpsertGame(ctx context.Context, game *models.Game) error
	GetExpansions(ctx context.Context, gameID int64) ([]*models.Expansion, error)
	UpsertExpansion(ctx context.Context, exp *models.Expansion) error
	// EditionExists reports whether the game has the edition as default or on any source.
	EditionExists(ctx context.Context, gameID int64, edition string) (bool, error)
	GetSource(ctx context.Context, id int64) (*models.Source, error)
	ListSources(ctx context.Context, gameID int64, edition string) ([]*models.Source, error)
	UpsertSource(ctx context.Context, src *models.Source) error
	MarkSourceIndexed(ctx context.Context, id int64) error
	MarkSourceReingest(ctx context.Context, id int64) error
	GameNeedsReingest(ctx context.Context, gameID int64) (bool, error)
}

// ChunkStore holds rule chunks.
type ChunkStore interface {
	// EligibleChunkIDs returns ids of chunks that may be retrieved for filter at now.
	EligibleChunkIDs(ctx context.Context, filter models.ChunkFilter, now time.Time) (map[string]struct{}, error)
	GetChunks(ctx context.Context, ids []string) (map[string]*models.RuleChunk, error)
	ChunkExists(ctx context.Context, id string) (bool, error)
	UpsertChunks(ctx context.Context, chunks []*models.RuleChunk) error
	// DeleteChunksBySource removes a source's chunks and returns their ids.
	DeleteChunksBySource(ctx context.Context, sourceID int64) ([]string, error)
	// ChunkEmbeddings streams every stored embedding to fn.
	ChunkEmbeddings(ctx context.Context, fn func(id string, vec []float32) error) error
}

// HistoryStore holds answered questions, feedback and ingest jobs.
type HistoryStore interface {
	SaveTransaction(ctx context.Context, tx *models.AskTransaction) error
	GetTransaction(ctx context.Context, id string) (*models.AskTransaction, error)
	SaveFeedback(ctx context.Context, fb *models.Feedback) error
	ListFeedback(ctx context.Context, askHistoryID string) ([]*models.Feedback, error)
	CreateOrReuseIngestJob(ctx context.Context, gameID int64, edition string, sourceIDs []int64) (*models.IngestJob, error)
	CompleteIngestJobs(ctx context.Context, gameID int64, edition string) error
}

// Storage is the full persistence surface.
type Storage interface {
	Catalog
	ChunkStore
	HistoryStore
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// Stats is a row-count summary for status output.
type Stats struct {
	Games          int64 `json:"games"`
	Sources        int64 `json:"sources"`
	IndexedSources int64 `json:"indexed_sources"`
	Chunks         int64 `json:"chunks"`
	Transactions   int64 `json:"transactions"`
	Feedback       int64 `json:"feedback"`
	PendingJobs    int64 `json:"pending_jobs"`
}
