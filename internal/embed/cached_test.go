package embed

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEmbedder counts calls and records the kinds it was asked for.
type countingEmbedder struct {
	embedCalls atomic.Int64
	batchCalls atomic.Int64
	batchSizes []int
	fail       error
	inner      *StaticEmbedder
}

func newCountingEmbedder() *countingEmbedder {
	return &countingEmbedder{inner: NewStaticEmbedder(WithStaticDimensions(8))}
}

func (m *countingEmbedder) Embed(ctx context.Context, text string, kind Kind) ([]float32, error) {
	m.embedCalls.Add(1)
	if m.fail != nil {
		return nil, m.fail
	}
	return m.inner.Embed(ctx, string(kind)+":"+text, kind)
}

func (m *countingEmbedder) EmbedBatch(ctx context.Context, texts []string, kind Kind) ([][]float32, error) {
	m.batchCalls.Add(1)
	m.batchSizes = append(m.batchSizes, len(texts))
	if m.fail != nil {
		return nil, m.fail
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := m.inner.Embed(ctx, string(kind)+":"+text, kind)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (m *countingEmbedder) CountTokens(text string) int         { return m.inner.CountTokens(text) }
func (m *countingEmbedder) Dimensions() int                     { return 8 }
func (m *countingEmbedder) ModelName() string                   { return "counting" }
func (m *countingEmbedder) Available(ctx context.Context) bool { return true }
func (m *countingEmbedder) Close() error                        { return nil }

func TestCachedEmbedder_CachesRepeatedQueries(t *testing.T) {
	// Given: a cached embedder
	inner := newCountingEmbedder()
	cached, err := NewCachedEmbedder(inner, 10)
	require.NoError(t, err)
	ctx := context.Background()

	// When: the same query is embedded twice
	first, err := cached.Embed(ctx, "what is bm25", KindQuery)
	require.NoError(t, err)
	second, err := cached.Embed(ctx, "what is bm25", KindQuery)
	require.NoError(t, err)

	// Then: the inner embedder is called once
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), inner.embedCalls.Load())
}

func TestCachedEmbedder_KindIsPartOfTheKey(t *testing.T) {
	inner := newCountingEmbedder()
	cached, err := NewCachedEmbedder(inner, 10)
	require.NoError(t, err)
	ctx := context.Background()

	q, err := cached.Embed(ctx, "same text", KindQuery)
	require.NoError(t, err)
	p, err := cached.Embed(ctx, "same text", KindPassage)
	require.NoError(t, err)

	assert.NotEqual(t, q, p)
	assert.Equal(t, int64(2), inner.embedCalls.Load())
	assert.Equal(t, 2, cached.Len())
}

func TestCachedEmbedder_BatchEmbedsOnlyMisses(t *testing.T) {
	inner := newCountingEmbedder()
	cached, err := NewCachedEmbedder(inner, 10)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = cached.Embed(ctx, "b", KindPassage)
	require.NoError(t, err)

	vecs, err := cached.EmbedBatch(ctx, []string{"a", "b", "c"}, KindPassage)
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, []int{2}, inner.batchSizes)

	direct, err := inner.Embed(ctx, "c", KindPassage)
	require.NoError(t, err)
	assert.Equal(t, direct, vecs[2])

	// A fully cached batch makes no inner call.
	_, err = cached.EmbedBatch(ctx, []string{"a", "c"}, KindPassage)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inner.batchCalls.Load())
}

func TestCachedEmbedder_ErrorsAreNotCached(t *testing.T) {
	inner := newCountingEmbedder()
	inner.fail = errors.New("down")
	cached, err := NewCachedEmbedder(inner, 10)
	require.NoError(t, err)

	_, err = cached.Embed(context.Background(), "x", KindQuery)
	assert.Error(t, err)
	assert.Zero(t, cached.Len())
}

func TestCachedEmbedder_Passthrough(t *testing.T) {
	inner := newCountingEmbedder()
	cached, err := NewCachedEmbedder(inner, 0)
	require.NoError(t, err)

	assert.Equal(t, 8, cached.Dimensions())
	assert.Equal(t, "counting", cached.ModelName())
	assert.Equal(t, 2, cached.CountTokens("two words"))
	assert.True(t, cached.Available(context.Background()))
	assert.Same(t, inner, cached.Inner())
	assert.NoError(t, cached.Close())

	_, err = NewCachedEmbedder(nil, 1)
	assert.Error(t, err)
}
