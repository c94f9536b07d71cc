package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultEmbeddingCacheSize is the default number of cached embeddings.
// At 768 dimensions * 4 bytes * 1000 entries the cache holds about 3MB.
const DefaultEmbeddingCacheSize = 1000

// CachedEmbedder wraps an Embedder with an LRU cache keyed by model, kind
// and text. Repeated queries skip the model entirely.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
}

var _ Embedder = (*CachedEmbedder)(nil)

// NewCachedEmbedder creates a cached embedder wrapping inner.
func NewCachedEmbedder(inner Embedder, cacheSize int) (*CachedEmbedder, error) {
	if inner == nil {
		return nil, fmt.Errorf("cached embedder requires an inner embedder")
	}
	if cacheSize <= 0 {
		cacheSize = DefaultEmbeddingCacheSize
	}
	cache, err := lru.New[string, []float32](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

// cacheKey hashes model, kind and text so the key length is fixed.
func (c *CachedEmbedder) cacheKey(text string, kind Kind) string {
	combined := c.inner.ModelName() + "\x00" + string(kind) + "\x00" + text
	hash := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(hash[:])
}

// Embed returns the cached embedding if present, otherwise computes it.
func (c *CachedEmbedder) Embed(ctx context.Context, text string, kind Kind) ([]float32, error) {
	key := c.cacheKey(text, kind)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text, kind)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vec)
	return vec, nil
}

// EmbedBatch embeds only the texts missing from the cache, in one inner
// batch call.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string, kind Kind) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	uncachedIndices := make([]int, 0, len(texts))
	uncachedTexts := make([]string, 0, len(texts))

	for i, text := range texts {
		if vec, ok := c.cache.Get(c.cacheKey(text, kind)); ok {
			results[i] = vec
			continue
		}
		uncachedIndices = append(uncachedIndices, i)
		uncachedTexts = append(uncachedTexts, text)
	}
	if len(uncachedTexts) == 0 {
		return results, nil
	}

	fresh, err := c.inner.EmbedBatch(ctx, uncachedTexts, kind)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(uncachedTexts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(fresh), len(uncachedTexts))
	}

	for j, idx := range uncachedIndices {
		results[idx] = fresh[j]
		c.cache.Add(c.cacheKey(texts[idx], kind), fresh[j])
	}
	return results, nil
}

// CountTokens passes through to the inner embedder.
func (c *CachedEmbedder) CountTokens(text string) int {
	return c.inner.CountTokens(text)
}

// Dimensions passes through to the inner embedder.
func (c *CachedEmbedder) Dimensions() int {
	return c.inner.Dimensions()
}

// ModelName passes through to the inner embedder.
func (c *CachedEmbedder) ModelName() string {
	return c.inner.ModelName()
}

// Available passes through to the inner embedder.
func (c *CachedEmbedder) Available(ctx context.Context) bool {
	return c.inner.Available(ctx)
}

// Close purges the cache and closes the inner embedder.
func (c *CachedEmbedder) Close() error {
	c.cache.Purge()
	return c.inner.Close()
}

// Inner returns the wrapped embedder.
func (c *CachedEmbedder) Inner() Embedder {
	return c.inner
}

// Len returns the number of cached embeddings.
func (c *CachedEmbedder) Len() int {
	return c.cache.Len()
}
