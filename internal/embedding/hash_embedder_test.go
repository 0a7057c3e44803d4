package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/arbiter/internal/config"
	"github.com/hyperjump/arbiter/pkg/utils"
)

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	ctx := context.Background()
	a, err := e.Embed(ctx, "Can a knight move through a blocked square?")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "can a KNIGHT move through a blocked square")
	require.NoError(t, err)
	assert.Len(t, a, 64)
	assert.InDelta(t, 1.0, utils.Cosine(a, b), 1e-6, "case and punctuation should not matter")

	var sum float64
	for _, v := range a {
		sum += float64(v * v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
}

func TestHashEmbedder_SharedVocabularyIsCloser(t *testing.T) {
	e := NewHashEmbedder(256)
	ctx := context.Background()
	q, _ := e.Embed(ctx, "how many cards do I draw at the start of my turn")
	near, _ := e.Embed(ctx, "at the start of your turn draw two cards")
	far, _ := e.Embed(ctx, "victory points are scored when a castle is completed")
	assert.Greater(t, utils.Cosine(q, near), utils.Cosine(q, far))
}

func TestHashEmbedder_EmptyText(t *testing.T) {
	e := NewHashEmbedder(8)
	v, err := e.Embed(context.Background(), "?!")
	require.NoError(t, err)
	for _, x := range v {
		assert.Zero(t, x)
	}
}

func TestHashEmbedder_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHashEmbedder(8).Embed(ctx, "text")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	e, err := New(ctx, config.EmbeddingConfig{Provider: "hash", Dimensions: 16, CacheSize: 10}, nil)
	require.NoError(t, err)
	defer e.Close()
	_, isCached := e.(*Cached)
	assert.True(t, isCached)
	assert.Equal(t, 16, e.Dimensions())

	_, err = New(ctx, config.EmbeddingConfig{Provider: "word2vec"}, nil)
	assert.Error(t, err)

	_, err = New(ctx, config.EmbeddingConfig{Provider: "gemini", Dimensions: 16}, nil)
	assert.Error(t, err, "gemini without an API key should fail")
}
