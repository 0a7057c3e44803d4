// Package answer orchestrates a rules question end to end: scope resolution, caching,
// budget, retrieval, precedence, generation, citation checks and confidence.
package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/arbiter/internal/answercache"
	"github.com/hyperjump/arbiter/internal/citation"
	"github.com/hyperjump/arbiter/internal/confidence"
	"github.com/hyperjump/arbiter/internal/config"
	"github.com/hyperjump/arbiter/internal/embedding"
	"github.com/hyperjump/arbiter/internal/generation"
	"github.com/hyperjump/arbiter/internal/ledger"
	"github.com/hyperjump/arbiter/internal/models"
	"github.com/hyperjump/arbiter/internal/precedence"
	"github.com/hyperjump/arbiter/internal/storage"
	"github.com/hyperjump/arbiter/pkg/utils"
)

const (
	noPassageVerdict = "No rule passage in the indexed sources addresses this question."
	noPassageReason  = "no matching passage found"
	supersededQuote  = 300
)

// Store is the persistence the service needs.
type Store interface {
	storage.Catalog
	storage.HistoryStore
	Stats(ctx context.Context) (*storage.Stats, error)
}

// Retriever finds candidate passages.
type Retriever interface {
	Retrieve(ctx context.Context, q models.RetrievalQuery) ([]*models.ScoredChunk, error)
}

// Cache is the two-tier answer cache.
type Cache interface {
	Exact(ctx context.Context, scope, normalizedQuestion string) (*models.AskTransaction, bool, error)
	Similar(ctx context.Context, scope string, embedding []float32) (*models.AskTransaction, bool, error)
	Store(ctx context.Context, scope string, tx *models.AskTransaction) error
	MarkReingest(ctx context.Context, gameID int64) error
}

// Deps are the external collaborators. Cache may be nil to disable caching.
type Deps struct {
	Store     Store
	Embedder  embedding.Embedder
	Retriever Retriever
	Cache     Cache
	Ledger    ledger.Ledger
	Generator generation.Generator
}

// Service answers rules questions.
type Service struct {
	store     Store
	embedder  embedding.Embedder
	retriever Retriever
	cache     Cache
	ledger    ledger.Ledger
	generator generation.Generator

	resolver *precedence.Resolver
	verifier *citation.Verifier
	scorer   *confidence.Scorer
	validate *validator.Validate

	cfg    *config.Config
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New wires a service. Store, Embedder, Retriever, Ledger and Generator are required.
func New(deps Deps, cfg *config.Config, opts ...Option) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("answer service needs a store")
	case deps.Embedder == nil:
		return nil, errors.New("answer service needs an embedder")
	case deps.Retriever == nil:
		return nil, errors.New("answer service needs a retriever")
	case deps.Ledger == nil:
		return nil, errors.New("answer service needs a ledger")
	case deps.Generator == nil:
		return nil, errors.New("answer service needs a generator")
	case cfg == nil:
		return nil, errors.New("answer service needs a config")
	}
	s := &Service{
		store:     deps.Store,
		embedder:  deps.Embedder,
		retriever: deps.Retriever,
		cache:     deps.Cache,
		ledger:    deps.Ledger,
		generator: deps.Generator,
		validate:  validator.New(),
		cfg:       cfg,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if !cfg.Cache.EnabledOrDefault() {
		s.cache = nil
	}
	s.resolver = precedence.New(cfg.Resolver, precedence.WithLogger(s.logger))
	s.verifier = citation.New(cfg.Verifier)
	s.scorer = confidence.New(cfg.Confidence)
	return s, nil
}

// askScope is a validated request target.
type askScope struct {
	game       *models.Game
	edition    string
	expansions []int64
}

// Ask answers req, or reports that the game edition still needs indexing.
func (s *Service) Ask(ctx context.Context, req models.AskRequest) (*models.AskOutcome, error) {
	start := s.now()
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if strings.TrimSpace(req.Question) == "" {
		return nil, fmt.Errorf("%w: question is empty", ErrInvalidRequest)
	}
	sc, err := s.resolveScope(ctx, req)
	if err != nil {
		return nil, err
	}
	normQ := utils.NormalizeQuestion(req.Question)
	cacheScope := answercache.Scope(sc.game.ID, sc.edition, sc.expansions)
	log := s.logger.With(zap.Int64("game_id", sc.game.ID), zap.String("edition", sc.edition))

	useCache, err := s.cacheUsable(ctx, sc.game.ID)
	if err != nil {
		return nil, err
	}
	if useCache {
		if tx, ok := s.lookup(ctx, log, answercache.TierExact, func() (*models.AskTransaction, bool, error) {
			return s.cache.Exact(ctx, cacheScope, normQ)
		}); ok {
			return s.cached(tx, start), nil
		}
	}

	indexing, err := s.indexingRequired(ctx, sc)
	if err != nil {
		return nil, err
	}
	if indexing != nil {
		return &models.AskOutcome{Indexing: indexing}, nil
	}

	exhausted, err := s.ledger.Exhausted(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check budget: %w", err)
	}
	if exhausted {
		return nil, ErrBudgetExceeded
	}

	emb, err := s.embedQuestion(ctx, req.Question)
	if err != nil {
		return nil, err
	}
	if useCache {
		if tx, ok := s.lookup(ctx, log, answercache.TierSemantic, func() (*models.AskTransaction, bool, error) {
			return s.cache.Similar(ctx, cacheScope, emb)
		}); ok {
			return s.cached(tx, start), nil
		}
	}

	candidates, err := s.retrieve(ctx, models.RetrievalQuery{
		GameID:       sc.game.ID,
		Edition:      sc.edition,
		ExpansionIDs: sc.expansions,
		SourceTypes:  req.SourceTypes,
		Question:     req.Question,
		Embedding:    emb,
	})
	if err != nil {
		return nil, err
	}

	tx := &models.AskTransaction{
		ID:                 uuid.NewString(),
		GameID:             sc.game.ID,
		Edition:            sc.edition,
		ExpansionIDs:       sc.expansions,
		Question:           req.Question,
		NormalizedQuestion: normQ,
		QuestionEmbedding:  emb,
		CreatedAt:          start,
	}

	if len(candidates) == 0 {
		tx.Verdict = noPassageVerdict
		tx.Confidence = models.ConfidenceLow
		tx.ConfidenceReason = noPassageReason
		tx.Citations = []models.Citation{}
		if err := s.persist(ctx, tx, start, "", false); err != nil {
			return nil, err
		}
		log.Info("no passage matched", zap.String("history_id", tx.ID))
		return &models.AskOutcome{Answer: models.NewAnswerResponse(tx, s.now().Sub(start), false)}, nil
	}

	res := s.resolver.Resolve(candidates, sc.expansions)
	genReq := generationRequest(req.Question, res)
	result, err := s.generateWithBudget(ctx, tx.ID, genReq)
	if err != nil {
		return nil, err
	}

	tx.Verdict = result.Verdict
	tx.Model = result.Model
	tx.PromptTokens = result.Usage.InputTokens
	tx.CompletionTokens = result.Usage.OutputTokens
	tx.Citations = s.verifyCitations(result.Citations, res)
	tx.SupersededRule = supersededRule(res)
	tx.ConflictNote = res.ConflictNote

	assessment := s.scorer.Score(confidence.Signals{
		TopScore:    candidates[0].Score,
		AllVerified: allVerified(tx.Citations),
		Conflict:    res.HasConflict(),
	})
	tx.Confidence = assessment.Level
	tx.ConfidenceReason = assessment.Reason

	if err := s.persist(ctx, tx, start, cacheScope, useCache); err != nil {
		return nil, err
	}
	log.Info("question answered",
		zap.String("history_id", tx.ID),
		zap.String("winner", res.Winner.Chunk.ID),
		zap.String("confidence", string(tx.Confidence)),
		zap.Int64("latency_ms", tx.LatencyMs))
	return &models.AskOutcome{Answer: models.NewAnswerResponse(tx, time.Duration(tx.LatencyMs)*time.Millisecond, false)}, nil
}

// resolveScope checks the game, edition and expansions of req.
func (s *Service) resolveScope(ctx context.Context, req models.AskRequest) (*askScope, error) {
	game, err := s.store.GetGame(ctx, req.GameID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrGameNotFound, req.GameID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load game: %w", err)
	}

	edition := strings.TrimSpace(req.Edition)
	if edition == "" {
		edition = game.DefaultEdition
	}
	ok, err := s.store.EditionExists(ctx, game.ID, edition)
	if err != nil {
		return nil, fmt.Errorf("failed to check edition: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEditionNotFound, edition)
	}

	var expansions []int64
	if len(req.ActiveExpansionIDs) > 0 {
		known, err := s.store.GetExpansions(ctx, game.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load expansions: %w", err)
		}
		valid := make(map[int64]bool, len(known))
		for _, e := range known {
			valid[e.ID] = true
		}
		seen := make(map[int64]bool, len(req.ActiveExpansionIDs))
		for _, id := range req.ActiveExpansionIDs {
			if !valid[id] {
				return nil, fmt.Errorf("%w: %d", ErrExpansionNotFound, id)
			}
			if !seen[id] {
				seen[id] = true
				expansions = append(expansions, id)
			}
		}
	}
	return &askScope{game: game, edition: edition, expansions: expansions}, nil
}

// cacheUsable reports whether the cache may be read and written for gameID. A game with a
// source awaiting reingest bypasses the cache entirely.
func (s *Service) cacheUsable(ctx context.Context, gameID int64) (bool, error) {
	if s.cache == nil {
		return false, nil
	}
	pending, err := s.store.GameNeedsReingest(ctx, gameID)
	if err != nil {
		return false, fmt.Errorf("failed to check reingest state: %w", err)
	}
	return !pending, nil
}

// lookup runs one cache tier. Cache failures are logged and treated as misses.
func (s *Service) lookup(ctx context.Context, log *zap.Logger, tier answercache.Tier, fn func() (*models.AskTransaction, bool, error)) (*models.AskTransaction, bool) {
	tx, ok, err := fn()
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("answer cache lookup failed", zap.String("tier", string(tier)), zap.Error(err))
		}
		return nil, false
	}
	if ok {
		log.Debug("answer cache hit", zap.String("tier", string(tier)), zap.String("history_id", tx.ID))
	}
	return tx, ok
}

func (s *Service) cached(tx *models.AskTransaction, start time.Time) *models.AskOutcome {
	return &models.AskOutcome{Answer: models.NewAnswerResponse(tx, s.now().Sub(start), true)}
}

// indexingRequired returns an indexing response when no source of the edition is indexed.
func (s *Service) indexingRequired(ctx context.Context, sc *askScope) (*models.IndexingResponse, error) {
	sources, err := s.store.ListSources(ctx, sc.game.ID, sc.edition)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	var pending []int64
	for _, src := range sources {
		if src.Indexed {
			return nil, nil
		}
		pending = append(pending, src.ID)
	}
	job, err := s.store.CreateOrReuseIngestJob(ctx, sc.game.ID, sc.edition, pending)
	if err != nil {
		return nil, fmt.Errorf("failed to queue ingest job: %w", err)
	}
	s.logger.Info("edition needs indexing",
		zap.Int64("game_id", sc.game.ID),
		zap.String("edition", sc.edition),
		zap.String("job_id", job.ID),
		zap.Int("sources", len(pending)))
	return &models.IndexingResponse{
		Status:           models.IndexingStatus,
		JobID:            job.ID,
		SourcesToIndex:   len(pending),
		EstimatedSeconds: len(pending) * s.cfg.Indexing.SecondsPerSource,
	}, nil
}

// embedQuestion embeds the question, retrying once.
func (s *Service) embedQuestion(ctx context.Context, question string) ([]float32, error) {
	var emb []float32
	err := s.retryOnce(ctx, "embed question", func() error {
		var err error
		emb, err = s.embedder.Embed(ctx, question)
		return err
	})
	if err != nil {
		return nil, err
	}
	return emb, nil
}

// retrieve runs hybrid retrieval, retrying once.
func (s *Service) retrieve(ctx context.Context, q models.RetrievalQuery) ([]*models.ScoredChunk, error) {
	var out []*models.ScoredChunk
	err := s.retryOnce(ctx, "retrieve", func() error {
		var err error
		out, err = s.retriever.Retrieve(ctx, q)
		return err
	})
	return out, err
}

// retryOnce runs fn, and once more after the retrieval backoff when it fails. A second
// failure is ErrRetrievalUnavailable. Cancellation is returned as is.
func (s *Service) retryOnce(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	s.logger.Warn("retrying after failure", zap.String("op", op), zap.Error(err))
	if err := sleep(ctx, s.cfg.Retrieval.RetryBackoff.Std()); err != nil {
		return err
	}
	if err = fn(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s: %v", ErrRetrievalUnavailable, op, err)
	}
	return nil
}

// generateWithBudget reserves the estimated cost, generates, and settles the actual cost.
func (s *Service) generateWithBudget(ctx context.Context, requestID string, req generation.Request) (*generation.Result, error) {
	model := s.generator.Model()
	estimate := generation.EstimateUsage(req, s.cfg.Generation.MaxTokens)
	if err := s.ledger.Reserve(ctx, requestID, model, estimate); err != nil {
		if errors.Is(err, ledger.ErrBudgetExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrBudgetExceeded, err)
		}
		return nil, fmt.Errorf("failed to reserve budget: %w", err)
	}

	result, err := s.generate(ctx, req)
	actual := models.Usage{}
	if result != nil {
		actual = result.Usage
	}
	// The call has happened whether or not the caller is still waiting.
	if serr := s.ledger.Settle(context.WithoutCancel(ctx), requestID, model, estimate, actual); serr != nil {
		s.logger.Error("failed to settle budget", zap.String("request_id", requestID), zap.Error(serr))
	}
	return result, err
}

// generate calls the generator with doubling backoff. Rate limits and permanent failures
// are not retried.
func (s *Service) generate(ctx context.Context, req generation.Request) (*generation.Result, error) {
	attempts := max(s.cfg.Generation.MaxAttempts, 1)
	backoff := s.cfg.Generation.InitialBackoff.Std()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := s.generator.Generate(ctx, req)
		if err == nil {
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, generation.ErrRateLimited) {
			return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		lastErr = err
		if !generation.Retryable(err) {
			break
		}
		if attempt < attempts {
			s.logger.Warn("generation failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			if err := sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, lastErr)
}

// verifyCitations checks each quote against the chunk it claims. A result without
// citations yields an unverified citation of the winner.
func (s *Service) verifyCitations(cits []generation.Citation, res *models.Resolution) []models.Citation {
	chunks := make(map[string]*models.RuleChunk)
	for _, sc := range append([]*models.ScoredChunk{res.Winner, res.Superseded}, res.Conflicting...) {
		if sc != nil {
			chunks[sc.Chunk.ID] = sc.Chunk
		}
	}
	if len(cits) == 0 {
		w := res.Winner.Chunk
		return []models.Citation{{ChunkID: w.ID, Page: w.Page, SourceType: w.SourceType, SourceID: w.SourceID}}
	}
	out := make([]models.Citation, 0, len(cits))
	for _, c := range cits {
		mc := models.Citation{ChunkID: c.ChunkID, Quote: c.Quote}
		if chunk, ok := chunks[c.ChunkID]; ok {
			mc.Page = chunk.Page
			mc.SourceType = chunk.SourceType
			mc.SourceID = chunk.SourceID
			mc.Verified = s.verifier.Verify(c.Quote, chunk.Text)
		}
		out = append(out, mc)
	}
	return out
}

// persist saves tx and caches it when allowed. Nothing is written once ctx is done.
func (s *Service) persist(ctx context.Context, tx *models.AskTransaction, start time.Time, scope string, cache bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.LatencyMs = s.now().Sub(start).Milliseconds()
	if err := s.store.SaveTransaction(ctx, tx); err != nil {
		return fmt.Errorf("failed to save answer: %w", err)
	}
	if cache && s.cache != nil {
		if err := s.cache.Store(ctx, scope, tx); err != nil {
			s.logger.Warn("failed to cache answer", zap.String("history_id", tx.ID), zap.Error(err))
		}
	}
	return nil
}

// Feedback records a user's reaction to a stored answer.
func (s *Service) Feedback(ctx context.Context, req models.FeedbackRequest) (*models.FeedbackResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if _, err := s.History(ctx, req.AskHistoryID); err != nil {
		return nil, err
	}
	fb := &models.Feedback{
		ID:              uuid.NewString(),
		AskHistoryID:    req.AskHistoryID,
		Type:            req.FeedbackType,
		SelectedChunkID: req.SelectedChunkID,
		Note:            req.Note,
		CreatedAt:       s.now(),
	}
	if err := s.store.SaveFeedback(ctx, fb); err != nil {
		return nil, fmt.Errorf("failed to save feedback: %w", err)
	}
	s.logger.Info("feedback recorded", zap.String("history_id", fb.AskHistoryID), zap.String("type", string(fb.Type)))
	return &models.FeedbackResponse{FeedbackID: fb.ID}, nil
}

// History returns a stored answer.
func (s *Service) History(ctx context.Context, id string) (*models.AskTransaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrHistoryNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return tx, nil
}

// MarkSourceReingest flags a source as changed. Until it is reindexed, questions about its
// game bypass the answer cache, and entries cached before now are invalid.
func (s *Service) MarkSourceReingest(ctx context.Context, sourceID int64) error {
	src, err := s.store.GetSource(ctx, sourceID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %d", ErrSourceNotFound, sourceID)
	}
	if err != nil {
		return fmt.Errorf("failed to load source: %w", err)
	}
	if err := s.store.MarkSourceReingest(ctx, sourceID); err != nil {
		return fmt.Errorf("failed to mark source: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.MarkReingest(ctx, src.GameID); err != nil {
			return fmt.Errorf("failed to invalidate cache: %w", err)
		}
	}
	s.logger.Info("source marked for reingest", zap.Int64("source_id", sourceID), zap.Int64("game_id", src.GameID))
	return nil
}

// Status summarizes the store and the budget window.
type Status struct {
	Stats        *storage.Stats `json:"stats"`
	SpentUSD     float64        `json:"spentUsd"`
	LimitUSD     float64        `json:"limitUsd"`
	Generator    string         `json:"generator"`
	CacheEnabled bool           `json:"cacheEnabled"`
}

// Status reports row counts and spend in the current budget window.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}
	spent, err := s.ledger.Spent(ctx, s.now().Add(-s.cfg.Budget.Window.Std()))
	if err != nil {
		return nil, err
	}
	return &Status{
		Stats:        stats,
		SpentUSD:     spent,
		LimitUSD:     s.cfg.Budget.DailyLimitUSD,
		Generator:    s.generator.Model(),
		CacheEnabled: s.cache != nil,
	}, nil
}
