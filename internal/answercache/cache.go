// Package answercache stores answered transactions for reuse. Lookups are exact on the
// normalized question, or semantic on the question embedding, always within one scope.
package answercache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/timshannon/badgerhold/v4"
	"go.uber.org/zap"

	"github.com/hyperjump/arbiter/internal/config"
	"github.com/hyperjump/arbiter/internal/models"
	"github.com/hyperjump/arbiter/pkg/utils"
)

// Tier names which lookup served a hit.
type Tier string

const (
	TierMiss     Tier = "miss"
	TierExact    Tier = "exact"
	TierSemantic Tier = "semantic"
)

// Entry is one cached answer.
type Entry struct {
	Key                string
	Scope              string
	GameID             int64
	NormalizedQuestion string
	Embedding          []float32
	Transaction        models.AskTransaction
	CreatedAt          time.Time
	ExpiresAt          time.Time
	Hits               int
}

// reingestMark invalidates entries of a game created before MarkedAt.
type reingestMark struct {
	GameID   int64
	MarkedAt time.Time
}

// Scope identifies the retrieval context a cached answer is valid for. Expansion order is
// kept because it affects precedence.
func Scope(gameID int64, edition string, expansionIDs []int64) string {
	ids := make([]string, len(expansionIDs))
	for i, id := range expansionIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	return fmt.Sprintf("g%d:e%s:x%s", gameID, edition, strings.Join(ids, ","))
}

func entryKey(scope, normalizedQuestion string) string {
	return scope + "|" + normalizedQuestion
}

func markKey(gameID int64) string {
	return "reingest:" + strconv.FormatInt(gameID, 10)
}

// Cache is a badgerhold-backed answer cache.
type Cache struct {
	store     *badgerhold.Store
	threshold float64
	ttl       time.Duration
	countHits bool
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = utils.OrNop(l) }
}

// WithClock overrides the time source for expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Open opens (or creates) the cache database in dir.
func Open(dir string, cfg config.CacheConfig, opts ...Option) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	options := badgerhold.DefaultOptions
	options.Dir = dir
	options.ValueDir = dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open answer cache: %w", err)
	}
	c := &Cache{
		store:     store,
		threshold: cfg.SemanticThreshold,
		ttl:       cfg.TTL.Std(),
		countHits: cfg.RecordHits,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	if c.threshold <= 0 {
		c.threshold = 0.95
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Exact returns the answer cached for exactly this normalized question in scope.
func (c *Cache) Exact(ctx context.Context, scope, normalizedQuestion string) (*models.AskTransaction, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var e Entry
	err := c.store.Get(entryKey(scope, normalizedQuestion), &e)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}
	fresh, err := c.fresh(&e)
	if err != nil || !fresh {
		return nil, false, err
	}
	c.hit(&e, TierExact)
	return &e.Transaction, true, nil
}

// Similar returns the most similar cached answer in scope whose question embedding has
// cosine similarity of at least the configured threshold.
func (c *Cache) Similar(ctx context.Context, scope string, embedding []float32) (*models.AskTransaction, bool, error) {
	if len(embedding) == 0 {
		return nil, false, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var entries []Entry
	if err := c.store.Find(&entries, badgerhold.Where("Scope").Eq(scope)); err != nil {
		return nil, false, fmt.Errorf("failed to scan cache scope: %w", err)
	}
	var (
		best      *Entry
		bestScore float64
	)
	for i := range entries {
		e := &entries[i]
		sim := utils.Cosine(embedding, e.Embedding)
		if sim < c.threshold {
			continue
		}
		if best != nil && (sim < bestScore || (sim == bestScore && e.Key > best.Key)) {
			continue
		}
		fresh, err := c.fresh(e)
		if err != nil {
			return nil, false, err
		}
		if fresh {
			best, bestScore = e, sim
		}
	}
	if best == nil {
		return nil, false, nil
	}
	c.hit(best, TierSemantic)
	return &best.Transaction, true, nil
}

// Store caches tx under scope. The key is the transaction's normalized question.
func (c *Cache) Store(ctx context.Context, scope string, tx *models.AskTransaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := c.now()
	e := Entry{
		Key:                entryKey(scope, tx.NormalizedQuestion),
		Scope:              scope,
		GameID:             tx.GameID,
		NormalizedQuestion: tx.NormalizedQuestion,
		Embedding:          tx.QuestionEmbedding,
		Transaction:        *tx,
		CreatedAt:          now,
	}
	if c.ttl > 0 {
		e.ExpiresAt = now.Add(c.ttl)
	}
	if err := c.store.Upsert(e.Key, &e); err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return nil
}

// MarkReingest invalidates every entry of gameID created so far.
func (c *Cache) MarkReingest(ctx context.Context, gameID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := reingestMark{GameID: gameID, MarkedAt: c.now()}
	if err := c.store.Upsert(markKey(gameID), &m); err != nil {
		return fmt.Errorf("failed to mark game for reingest: %w", err)
	}
	c.logger.Info("answer cache invalidated", zap.Int64("game_id", gameID))
	return nil
}

// Sweep deletes expired and invalidated entries and returns how many were removed.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := c.now()
	expired := badgerhold.Where("ExpiresAt").Lt(now).And("ExpiresAt").Ne(time.Time{})
	n, err := c.store.Count(&Entry{}, expired)
	if err != nil {
		return 0, fmt.Errorf("failed to count expired entries: %w", err)
	}
	if err := c.store.DeleteMatching(&Entry{}, expired); err != nil {
		return 0, fmt.Errorf("failed to delete expired entries: %w", err)
	}
	removed := int(n)

	var marks []reingestMark
	if err := c.store.Find(&marks, nil); err != nil {
		return removed, fmt.Errorf("failed to list reingest marks: %w", err)
	}
	for _, m := range marks {
		stale := badgerhold.Where("GameID").Eq(m.GameID).And("CreatedAt").Lt(m.MarkedAt)
		n, err := c.store.Count(&Entry{}, stale)
		if err != nil {
			return removed, fmt.Errorf("failed to count stale entries: %w", err)
		}
		if err := c.store.DeleteMatching(&Entry{}, stale); err != nil {
			return removed, fmt.Errorf("failed to delete stale entries: %w", err)
		}
		removed += int(n)
	}
	if removed > 0 {
		c.logger.Debug("answer cache swept", zap.Int("removed", removed))
	}
	return removed, nil
}

// Len returns the number of cached answers.
func (c *Cache) Len() (int, error) {
	n, err := c.store.Count(&Entry{}, nil)
	return int(n), err
}

// Close closes the underlying store.
func (c *Cache) Close() error {
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// fresh reports whether e is neither expired nor older than its game's reingest mark.
func (c *Cache) fresh(e *Entry) (bool, error) {
	if !e.ExpiresAt.IsZero() && !c.now().Before(e.ExpiresAt) {
		return false, nil
	}
	var m reingestMark
	err := c.store.Get(markKey(e.GameID), &m)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read reingest mark: %w", err)
	}
	return !e.CreatedAt.Before(m.MarkedAt), nil
}

func (c *Cache) hit(e *Entry, tier Tier) {
	c.logger.Debug("answer cache hit", zap.String("tier", string(tier)), zap.String("scope", e.Scope))
	if !c.countHits {
		return
	}
	e.Hits++
	if err := c.store.Update(e.Key, e); err != nil {
		c.logger.Warn("failed to record cache hit", zap.Error(err))
	}
}
