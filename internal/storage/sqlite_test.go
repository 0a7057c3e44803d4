package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/arbiter/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "db", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func int64Ptr(v int64) *int64 { return &v }

// seed creates game 1 (edition "2e") with an indexed base rulebook (source 10), an
// indexed expansion source (11, expansion 5), an indexed FAQ (12) and an unindexed
// rulebook for edition "1e" (13).
func seed(t *testing.T, store *SQLiteStorage) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.UpsertGame(ctx, &models.Game{ID: 1, Name: "Harbors", DefaultEdition: "2e"}))
	require.NoError(t, store.UpsertExpansion(ctx, &models.Expansion{ID: 5, GameID: 1, Name: "Seafarers"}))
	sources := []*models.Source{
		{ID: 10, GameID: 1, Edition: "2e", SourceType: models.SourceRulebook, Title: "Rulebook"},
		{ID: 11, GameID: 1, Edition: "2e", ExpansionID: int64Ptr(5), SourceType: models.SourceExpansion, Title: "Seafarers"},
		{ID: 12, GameID: 1, Edition: "2e", SourceType: models.SourceFAQ, Title: "FAQ"},
		{ID: 13, GameID: 1, Edition: "1e", SourceType: models.SourceRulebook, Title: "Old rulebook"},
	}
	for _, s := range sources {
		require.NoError(t, store.UpsertSource(ctx, s))
	}
	for _, id := range []int64{10, 11, 12} {
		require.NoError(t, store.MarkSourceIndexed(ctx, id))
	}
}

func TestSQLiteStorage_Catalog(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	g, err := store.GetGame(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "2e", g.DefaultEdition)

	_, err = store.GetGame(ctx, 99)
	assert.True(t, errors.Is(err, ErrNotFound))

	exps, err := store.GetExpansions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, exps, 1)
	assert.Equal(t, "Seafarers", exps[0].Name)

	for _, tt := range []struct {
		edition string
		want    bool
	}{{"2e", true}, {"1e", true}, {"3e", false}} {
		ok, err := store.EditionExists(ctx, 1, tt.edition)
		require.NoError(t, err)
		assert.Equal(t, tt.want, ok, tt.edition)
	}

	srcs, err := store.ListSources(ctx, 1, "2e")
	require.NoError(t, err)
	require.Len(t, srcs, 3)
	assert.True(t, srcs[0].Indexed)
	require.NotNil(t, srcs[1].ExpansionID)
	assert.Equal(t, int64(5), *srcs[1].ExpansionID)

	old, err := store.GetSource(ctx, 13)
	require.NoError(t, err)
	assert.False(t, old.Indexed)
}

func TestSQLiteStorage_UpsertSourceKeepsFlags(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()
	require.NoError(t, store.UpsertSource(ctx, &models.Source{ID: 10, GameID: 1, Edition: "2e", SourceType: models.SourceRulebook, Title: "Rulebook v2"}))
	src, err := store.GetSource(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "Rulebook v2", src.Title)
	assert.True(t, src.Indexed, "re-upserting metadata should not clear the indexed flag")
}

func TestSQLiteStorage_Reingest(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	needs, err := store.GameNeedsReingest(ctx, 1)
	require.NoError(t, err)
	assert.False(t, needs)

	require.NoError(t, store.MarkSourceReingest(ctx, 12))
	needs, _ = store.GameNeedsReingest(ctx, 1)
	assert.True(t, needs)

	require.NoError(t, store.MarkSourceIndexed(ctx, 12))
	needs, _ = store.GameNeedsReingest(ctx, 1)
	assert.False(t, needs, "indexing clears needs-reingest")

	assert.True(t, errors.Is(store.MarkSourceReingest(ctx, 404), ErrNotFound))
}

func TestSQLiteStorage_EligibleChunkIDs(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	chunks := []*models.RuleChunk{
		{ID: "base", SourceID: 10, GameID: 1, Edition: "2e", SourceType: models.SourceRulebook, Page: 8, Text: "t", Precedence: models.PrecedenceBase},
		{ID: "exp", SourceID: 11, GameID: 1, Edition: "2e", ExpansionID: int64Ptr(5), SourceType: models.SourceExpansion, Page: 12, Text: "t", Precedence: models.PrecedenceExpansion},
		{ID: "faq", SourceID: 12, GameID: 1, Edition: "2e", SourceType: models.SourceFAQ, Page: 1, Text: "t", Precedence: models.PrecedenceErrata},
		{ID: "expired", SourceID: 12, GameID: 1, Edition: "2e", SourceType: models.SourceFAQ, Page: 2, Text: "t", Precedence: models.PrecedenceErrata, ExpiresAt: &past},
		{ID: "later", SourceID: 12, GameID: 1, Edition: "2e", SourceType: models.SourceFAQ, Page: 3, Text: "t", Precedence: models.PrecedenceErrata, ExpiresAt: &future},
		{ID: "unindexed", SourceID: 13, GameID: 1, Edition: "1e", SourceType: models.SourceRulebook, Page: 1, Text: "t", Precedence: models.PrecedenceBase},
	}
	require.NoError(t, store.UpsertChunks(ctx, chunks))

	tests := []struct {
		name   string
		filter models.ChunkFilter
		want   []string
	}{
		{"base game only", models.ChunkFilter{GameID: 1, Edition: "2e"}, []string{"base", "faq", "later"}},
		{"with expansion", models.ChunkFilter{GameID: 1, Edition: "2e", ExpansionIDs: []int64{5}}, []string{"base", "exp", "faq", "later"}},
		{"source type filter", models.ChunkFilter{GameID: 1, Edition: "2e", ExpansionIDs: []int64{5}, SourceTypes: []models.SourceType{models.SourceRulebook}}, []string{"base"}},
		{"unindexed edition", models.ChunkFilter{GameID: 1, Edition: "1e"}, nil},
		{"other game", models.ChunkFilter{GameID: 2, Edition: "2e"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, err := store.EligibleChunkIDs(ctx, tt.filter, now)
			require.NoError(t, err)
			assert.Len(t, ids, len(tt.want))
			for _, id := range tt.want {
				assert.Contains(t, ids, id)
			}
		})
	}
}

func TestSQLiteStorage_ChunkRoundTrip(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()
	expires := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	in := &models.RuleChunk{
		ID: "exp-12-0", SourceID: 11, GameID: 1, Edition: "2e", ExpansionID: int64Ptr(5),
		SourceType: models.SourceExpansion, Page: 12, PageIndex: 0, SectionTitle: "Harbors",
		Text: "A harbor lets you trade 2:1.", Embedding: []float32{0.6, 0.8},
		Precedence: models.PrecedenceExpansion, Overrides: "base-8-0", OverrideConfidence: 90,
		OverrideEvidence: "replaces the 4:1 bank trade", PhaseTags: []string{"trade"}, ExpiresAt: &expires,
	}
	require.NoError(t, store.UpsertChunks(ctx, []*models.RuleChunk{in}))

	got, err := store.GetChunks(ctx, []string{"exp-12-0", "missing"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	c := got["exp-12-0"]
	assert.Equal(t, in.Text, c.Text)
	assert.Equal(t, in.Overrides, c.Overrides)
	assert.Equal(t, 90, c.OverrideConfidence)
	assert.Equal(t, models.PrecedenceExpansion, c.Precedence)
	assert.Equal(t, []string{"trade"}, c.PhaseTags)
	assert.Equal(t, []float32{0.6, 0.8}, c.Embedding)
	require.NotNil(t, c.ExpiresAt)
	assert.True(t, c.ExpiresAt.Equal(expires))

	exists, err := store.ChunkExists(ctx, "exp-12-0")
	require.NoError(t, err)
	assert.True(t, exists)

	var seen []string
	require.NoError(t, store.ChunkEmbeddings(ctx, func(id string, vec []float32) error {
		seen = append(seen, id)
		return nil
	}))
	assert.Equal(t, []string{"exp-12-0"}, seen)

	removed, err := store.DeleteChunksBySource(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, []string{"exp-12-0"}, removed)
	exists, _ = store.ChunkExists(ctx, "exp-12-0")
	assert.False(t, exists)
}

func TestSQLiteStorage_TransactionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	tx := &models.AskTransaction{
		GameID: 1, Edition: "2e", ExpansionIDs: []int64{5},
		Question: "Can I trade 2:1?", NormalizedQuestion: "can i trade 2:1",
		QuestionEmbedding: []float32{1, 0},
		Verdict:           "Yes, with a harbor.",
		Confidence:        models.ConfidenceHigh,
		ConfidenceReason:  "quote verified against the governing rule source",
		Citations:         []models.Citation{{ChunkID: "exp-12-0", Quote: "trade 2:1", Page: 12, Verified: true, SourceType: models.SourceExpansion, SourceID: 11}},
		SupersededRule:    &models.SupersededRule{ChunkID: "base-8-0", Quote: "trade 4:1 with bank", Page: 8, SourceType: models.SourceRulebook, Confidence: 90},
		Model:             "extractive",
	}
	require.NoError(t, store.SaveTransaction(ctx, tx))
	require.NotEmpty(t, tx.ID)

	got, err := store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.Verdict, got.Verdict)
	assert.Equal(t, tx.Citations, got.Citations)
	require.NotNil(t, got.SupersededRule)
	assert.Equal(t, "base-8-0", got.SupersededRule.ChunkID)
	assert.Equal(t, []int64{5}, got.ExpansionIDs)
	assert.Equal(t, []float32{1, 0}, got.QuestionEmbedding)

	_, err = store.GetTransaction(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))

	fb := &models.Feedback{AskHistoryID: tx.ID, Type: models.FeedbackWrongQuote, Note: "page 13"}
	require.NoError(t, store.SaveFeedback(ctx, fb))
	list, err := store.ListFeedback(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.FeedbackWrongQuote, list[0].Type)

	assert.Error(t, store.SaveFeedback(ctx, &models.Feedback{AskHistoryID: "missing", Type: models.FeedbackOther}),
		"feedback must reference an existing transaction")
}

func TestSQLiteStorage_IngestJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.CreateOrReuseIngestJob(ctx, 7, "1e", []int64{70})
	require.NoError(t, err)
	second, err := store.CreateOrReuseIngestJob(ctx, 7, "1e", []int64{70})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []int64{70}, second.SourceIDs)

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.PendingJobs)

	require.NoError(t, store.CompleteIngestJobs(ctx, 7, "1e"))
	third, err := store.CreateOrReuseIngestJob(ctx, 7, "1e", []int64{70})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestVectorCodec(t *testing.T) {
	assert.Nil(t, EncodeVector(nil))
	assert.Nil(t, DecodeVector(nil))
	v := []float32{1.5, -2, 0}
	assert.Equal(t, v, DecodeVector(EncodeVector(v)))
}
