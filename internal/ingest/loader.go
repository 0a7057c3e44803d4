package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/hyperjump/arbiter/internal/config"
	"github.com/hyperjump/arbiter/internal/embedding"
	"github.com/hyperjump/arbiter/internal/fileid"
	"github.com/hyperjump/arbiter/internal/keyword"
	"github.com/hyperjump/arbiter/internal/models"
	"github.com/hyperjump/arbiter/internal/storage"
	"github.com/hyperjump/arbiter/internal/vector"
	"github.com/hyperjump/arbiter/pkg/utils"
)

const embedBatchSize = 64

// Store is the persistence surface the loader writes to.
type Store interface {
	storage.Catalog
	storage.ChunkStore
	CompleteIngestJobs(ctx context.Context, gameID int64, edition string) error
}

// Invalidator drops cached answers for a game whose rules changed.
type Invalidator interface {
	MarkReingest(ctx context.Context, gameID int64) error
}

// Report summarizes one manifest load.
type Report struct {
	Path    string `json:"path,omitempty"`
	GameID  int64  `json:"game_id"`
	Sources int    `json:"sources"`
	Chunks  int    `json:"chunks"`
	Removed int    `json:"removed"`
	Skipped bool   `json:"skipped,omitempty"`
	Digest  string `json:"digest,omitempty"`
}

type loadedManifest struct {
	digest    string
	gameID    int64
	sourceIDs []int64
}

// Loader writes manifests into storage, the keyword index, and the vector index.
// Loads are serialized.
type Loader struct {
	store      Store
	embedder   embedding.Embedder
	keyword    keyword.KeywordIndex
	vectors    vector.VectorIndex
	chunker    *Chunker
	validate   *validator.Validate
	cache      Invalidator
	vectorPath string
	logger     *zap.Logger
	now        func() time.Time

	mu     sync.Mutex
	loaded map[string]loadedManifest
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets a logger for load and unload events.
func WithLogger(l *zap.Logger) Option {
	return func(ld *Loader) { ld.logger = l }
}

// WithInvalidator sets the answer cache to invalidate when a game's rules change.
func WithInvalidator(inv Invalidator) Option {
	return func(ld *Loader) { ld.cache = inv }
}

// WithVectorPath persists the vector index to path after every load.
func WithVectorPath(path string) Option {
	return func(ld *Loader) { ld.vectorPath = path }
}

// NewLoader creates a loader with the given dependencies.
func NewLoader(
	store Store,
	embedder embedding.Embedder,
	keywordIndex keyword.KeywordIndex,
	vectorIndex vector.VectorIndex,
	cfg config.IndexingConfig,
	opts ...Option,
) *Loader {
	ld := &Loader{
		store:    store,
		embedder: embedder,
		keyword:  keywordIndex,
		vectors:  vectorIndex,
		chunker:  NewChunker(cfg.ChunkWords, cfg.ChunkOverlap),
		validate: validator.New(),
		now:      time.Now,
		loaded:   make(map[string]loadedManifest),
	}
	for _, opt := range opts {
		opt(ld)
	}
	ld.logger = utils.OrNop(ld.logger)
	return ld
}

// LoadManifest reads and loads the manifest at path. A manifest whose content is
// unchanged since its last successful load is skipped.
func (l *Loader) LoadManifest(ctx context.Context, path string) (*Report, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	key := fileid.ManifestKey(absPath)
	digest := fileid.Digest(data)

	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.loaded[key]; ok && prev.digest == digest {
		l.logger.Debug("manifest unchanged", zap.String("path", absPath))
		return &Report{Path: absPath, GameID: prev.gameID, Skipped: true, Digest: digest}, nil
	}
	m, err := Decode(absPath, data)
	if err != nil {
		return nil, err
	}
	rep, err := l.load(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", absPath, err)
	}
	rep.Path = absPath
	rep.Digest = digest
	sourceIDs := make([]int64, len(m.Sources))
	for i, src := range m.Sources {
		sourceIDs[i] = src.ID
	}
	l.loaded[key] = loadedManifest{digest: digest, gameID: m.Game.ID, sourceIDs: sourceIDs}
	return rep, nil
}

// LoadDirectory walks dir recursively and loads each regular file whose extension is in
// exts (all files when exts is empty). Invalid manifests are logged and skipped; it
// returns the reports of the manifests that loaded.
func (l *Loader) LoadDirectory(ctx context.Context, dir string, exts []string) ([]*Report, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return nil, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", absDir)
	}
	var paths []string
	err = filepath.WalkDir(absDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !ExtensionAllowed(path, exts) {
			return nil
		}
		if finfo, statErr := os.Stat(path); statErr != nil || !finfo.Mode().IsRegular() {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	reports := make([]*Report, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		rep, err := l.LoadManifest(ctx, path)
		if err != nil {
			l.logger.Warn("skipping manifest", zap.String("path", path), zap.Error(err))
			continue
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

// Load validates and writes a decoded manifest.
func (l *Loader) Load(ctx context.Context, m *Manifest) (*Report, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(ctx, m)
}

func (l *Loader) load(ctx context.Context, m *Manifest) (*Report, error) {
	if err := l.validate.Struct(m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	chunks, err := l.buildChunks(m)
	if err != nil {
		return nil, err
	}
	reloading := make(map[int64]bool, len(m.Sources))
	for _, src := range m.Sources {
		reloading[src.ID] = true
	}
	if err := l.checkCollisions(ctx, chunks, reloading); err != nil {
		return nil, err
	}
	if err := checkOverrides(ctx, chunks, reloading, l.store); err != nil {
		return nil, err
	}
	// Embed before touching the stores so a provider failure leaves the old rules in place.
	if err := l.embed(ctx, chunks); err != nil {
		return nil, err
	}
	if err := l.writeCatalog(ctx, m); err != nil {
		return nil, err
	}

	removed := 0
	for _, src := range m.Sources {
		n, err := l.removeSourceChunks(ctx, src.ID)
		if err != nil {
			return nil, err
		}
		removed += n
	}
	if err := l.store.UpsertChunks(ctx, chunks); err != nil {
		return nil, fmt.Errorf("failed to store chunks: %w", err)
	}
	if err := l.keyword.IndexBatch(ctx, chunks); err != nil {
		return nil, fmt.Errorf("failed to index keywords: %w", err)
	}
	ids := make([]string, len(chunks))
	vecs := make([][]float32, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
		vecs[i] = c.Embedding
	}
	if err := l.vectors.Add(ctx, ids, vecs); err != nil {
		return nil, fmt.Errorf("failed to index vectors: %w", err)
	}

	editions := make(map[string]bool)
	for _, src := range m.Sources {
		if err := l.store.MarkSourceIndexed(ctx, src.ID); err != nil {
			return nil, fmt.Errorf("failed to mark source %d indexed: %w", src.ID, err)
		}
		editions[l.edition(m, src)] = true
	}
	for _, edition := range sortedKeys(editions) {
		if err := l.store.CompleteIngestJobs(ctx, m.Game.ID, edition); err != nil {
			return nil, fmt.Errorf("failed to complete ingest jobs: %w", err)
		}
	}
	l.invalidate(ctx, m.Game.ID)
	if err := l.saveVectors(); err != nil {
		return nil, err
	}

	l.logger.Info("manifest loaded",
		zap.Int64("game_id", m.Game.ID),
		zap.Int("sources", len(m.Sources)),
		zap.Int("chunks", len(chunks)),
		zap.Int("removed", removed))
	return &Report{GameID: m.Game.ID, Sources: len(m.Sources), Chunks: len(chunks), Removed: removed}, nil
}

// Unload removes the chunks of every source the manifest at path loaded and flags those
// sources for reingestion. Unknown paths are a no-op.
func (l *Loader) Unload(ctx context.Context, path string) (int, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("absolute path: %w", err)
	}
	key := fileid.ManifestKey(absPath)

	l.mu.Lock()
	defer l.mu.Unlock()
	prev, ok := l.loaded[key]
	if !ok {
		return 0, nil
	}
	removed := 0
	for _, id := range prev.sourceIDs {
		n, err := l.removeSourceChunks(ctx, id)
		if err != nil {
			return removed, err
		}
		removed += n
		if err := l.store.MarkSourceReingest(ctx, id); err != nil {
			return removed, fmt.Errorf("failed to flag source %d: %w", id, err)
		}
	}
	delete(l.loaded, key)
	l.invalidate(ctx, prev.gameID)
	if err := l.saveVectors(); err != nil {
		return removed, err
	}
	l.logger.Info("manifest unloaded", zap.String("path", absPath), zap.Int("removed", removed))
	return removed, nil
}

func (l *Loader) edition(m *Manifest, src SourceSpec) string {
	if src.Edition != "" {
		return src.Edition
	}
	return m.Game.DefaultEdition
}

// buildChunks turns the manifest into RuleChunks, cutting page text with the chunker.
func (l *Loader) buildChunks(m *Manifest) ([]*models.RuleChunk, error) {
	expansions := make(map[int64]bool, len(m.Expansions))
	for _, e := range m.Expansions {
		expansions[e.ID] = true
	}
	seenSource := make(map[int64]bool, len(m.Sources))
	seenChunk := make(map[string]bool)
	now := l.now().UTC()

	var out []*models.RuleChunk
	for _, src := range m.Sources {
		if seenSource[src.ID] {
			return nil, fmt.Errorf("%w: duplicate source %d", ErrInvalidManifest, src.ID)
		}
		seenSource[src.ID] = true
		if src.ExpansionID != nil && !expansions[*src.ExpansionID] {
			return nil, fmt.Errorf("%w: source %d references undeclared expansion %d", ErrInvalidManifest, src.ID, *src.ExpansionID)
		}
		specs := append([]ChunkSpec(nil), src.Chunks...)
		for _, page := range src.Pages {
			specs = append(specs, l.chunker.Chunk(fmt.Sprintf("s%d", src.ID), page)...)
		}
		if len(specs) == 0 {
			return nil, fmt.Errorf("%w: source %d has no rule text", ErrInvalidManifest, src.ID)
		}
		for _, spec := range specs {
			if seenChunk[spec.ID] {
				return nil, fmt.Errorf("%w: duplicate chunk %s", ErrInvalidManifest, spec.ID)
			}
			seenChunk[spec.ID] = true
			c, err := l.ruleChunk(m, src, spec, now)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
	}
	return out, nil
}

func (l *Loader) ruleChunk(m *Manifest, src SourceSpec, spec ChunkSpec, now time.Time) (*models.RuleChunk, error) {
	precedence := models.PrecedenceLevel(spec.Precedence)
	if precedence == 0 {
		precedence = src.Type.DefaultPrecedence()
	}
	c := &models.RuleChunk{
		ID:                 spec.ID,
		SourceID:           src.ID,
		GameID:             m.Game.ID,
		Edition:            l.edition(m, src),
		ExpansionID:        src.ExpansionID,
		SourceType:         src.Type,
		Page:               spec.Page,
		PageIndex:          spec.PageIndex,
		SectionTitle:       strings.TrimSpace(spec.Section),
		Text:               Preprocess(spec.Text),
		Precedence:         precedence,
		Overrides:          strings.TrimSpace(spec.Overrides),
		OverrideConfidence: spec.OverrideConfidence,
		OverrideEvidence:   spec.OverrideEvidence,
		PhaseTags:          spec.PhaseTags,
		CreatedAt:          now,
	}
	if c.Text == "" {
		return nil, fmt.Errorf("%w: chunk %s has no text", ErrInvalidManifest, spec.ID)
	}
	if spec.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, spec.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %s expires_at: %w", ErrInvalidManifest, spec.ID, err)
		}
		t = t.UTC()
		c.ExpiresAt = &t
	}
	return c, nil
}

// checkCollisions rejects chunk ids already owned by a source outside the manifest.
func (l *Loader) checkCollisions(ctx context.Context, chunks []*models.RuleChunk, reloading map[int64]bool) error {
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	existing, err := l.store.GetChunks(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to look up chunks: %w", err)
	}
	for _, id := range ids {
		if c, ok := existing[id]; ok && !reloading[c.SourceID] {
			return fmt.Errorf("%w: chunk %s already belongs to source %d", ErrInvalidManifest, id, c.SourceID)
		}
	}
	return nil
}

func (l *Loader) embed(ctx context.Context, chunks []*models.RuleChunk) error {
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := min(start+embedBatchSize, len(chunks))
		texts := make([]string, end-start)
		for i, c := range chunks[start:end] {
			texts[i] = embeddingText(c)
		}
		vecs, err := l.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("failed to generate embeddings: %w", err)
		}
		if len(vecs) != len(texts) {
			return fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
		}
		for i, c := range chunks[start:end] {
			c.Embedding = vecs[i]
		}
	}
	return nil
}

// embeddingText prefixes the section title so headings contribute to semantic matches.
func embeddingText(c *models.RuleChunk) string {
	if c.SectionTitle == "" {
		return c.Text
	}
	return c.SectionTitle + "\n" + c.Text
}

func (l *Loader) writeCatalog(ctx context.Context, m *Manifest) error {
	game := &models.Game{ID: m.Game.ID, Name: m.Game.Name, DefaultEdition: m.Game.DefaultEdition}
	if err := l.store.UpsertGame(ctx, game); err != nil {
		return fmt.Errorf("failed to store game: %w", err)
	}
	for _, e := range m.Expansions {
		if err := l.store.UpsertExpansion(ctx, &models.Expansion{ID: e.ID, GameID: m.Game.ID, Name: e.Name}); err != nil {
			return fmt.Errorf("failed to store expansion %d: %w", e.ID, err)
		}
	}
	for _, src := range m.Sources {
		title := src.Title
		if title == "" {
			title = fmt.Sprintf("%s %d", src.Type, src.ID)
		}
		if err := l.store.UpsertSource(ctx, &models.Source{
			ID:          src.ID,
			GameID:      m.Game.ID,
			Edition:     l.edition(m, src),
			ExpansionID: src.ExpansionID,
			SourceType:  src.Type,
			Title:       title,
			PageCount:   src.PageCount,
		}); err != nil {
			return fmt.Errorf("failed to store source %d: %w", src.ID, err)
		}
	}
	return nil
}

// removeSourceChunks deletes a source's chunks from storage and both indices.
func (l *Loader) removeSourceChunks(ctx context.Context, sourceID int64) (int, error) {
	ids, err := l.store.DeleteChunksBySource(ctx, sourceID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks of source %d: %w", sourceID, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := l.keyword.Delete(ctx, ids); err != nil {
		return 0, fmt.Errorf("failed to delete from keyword index: %w", err)
	}
	if err := l.vectors.Remove(ctx, ids); err != nil {
		return 0, fmt.Errorf("failed to delete from vector index: %w", err)
	}
	l.logger.Debug("source chunks removed", zap.Int64("source_id", sourceID), zap.Int("chunks", len(ids)))
	return len(ids), nil
}

func (l *Loader) invalidate(ctx context.Context, gameID int64) {
	if l.cache == nil {
		return
	}
	if err := l.cache.MarkReingest(ctx, gameID); err != nil {
		l.logger.Warn("failed to invalidate cached answers", zap.Int64("game_id", gameID), zap.Error(err))
	}
}

func (l *Loader) saveVectors() error {
	if l.vectorPath == "" {
		return nil
	}
	if err := l.vectors.Save(l.vectorPath); err != nil {
		return fmt.Errorf("failed to save vector index: %w", err)
	}
	return nil
}

// ExtensionAllowed reports whether path's extension is in allowed (case-insensitive,
// leading dot optional). An empty list allows every extension.
func ExtensionAllowed(path string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == ext {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
