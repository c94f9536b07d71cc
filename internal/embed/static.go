package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"

	"github.com/Aman-CERP/hybridrank/internal/store"
)

// StaticEmbedder generates embeddings by hashing words and character
// trigrams into a fixed number of buckets. It needs no network or model,
// is deterministic, and treats queries and passages alike.
type StaticEmbedder struct {
	dims    int
	counter TokenCounter

	mu     sync.RWMutex
	closed bool
}

// stopWords are frequent English function words that carry no topic.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true,
	"at": true, "be": true, "by": true, "for": true, "from": true,
	"in": true, "is": true, "it": true, "of": true, "on": true,
	"or": true, "that": true, "the": true, "this": true, "to": true,
	"was": true, "with": true,
}

// Weights for vector generation
const (
	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3
)

// StaticOption configures a StaticEmbedder.
type StaticOption func(*StaticEmbedder)

// WithStaticDimensions overrides the bucket count.
func WithStaticDimensions(dims int) StaticOption {
	return func(e *StaticEmbedder) {
		if dims > 0 {
			e.dims = dims
		}
	}
}

// WithStaticCounter sets the token counter; the default counts words.
func WithStaticCounter(counter TokenCounter) StaticOption {
	return func(e *StaticEmbedder) {
		if counter != nil {
			e.counter = counter
		}
	}
}

// NewStaticEmbedder creates a static embedder.
func NewStaticEmbedder(opts ...StaticOption) *StaticEmbedder {
	e := &StaticEmbedder{dims: StaticDimensions, counter: WordCounter{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ Embedder = (*StaticEmbedder)(nil)

// Embed generates the embedding of a single text. Blank text yields a zero
// vector.
func (e *StaticEmbedder) Embed(ctx context.Context, text string, _ Kind) ([]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, e.dims), nil
	}
	return normalizeVector(e.generateVector(trimmed)), nil
}

func (e *StaticEmbedder) generateVector(text string) []float32 {
	vector := make([]float32, e.dims)

	for _, token := range store.Tokenize(text, store.TokenizerOptions{CaseFold: true}) {
		if stopWords[token] {
			continue
		}
		vector[hashToIndex(token, e.dims)] += tokenWeight
	}

	for _, ngram := range extractNgrams(normalizeForNgrams(text), ngramSize) {
		vector[hashToIndex(ngram, e.dims)] += ngramWeight
	}
	return vector
}

// normalizeForNgrams keeps only lowercased letters and digits.
func normalizeForNgrams(text string) []rune {
	var out []rune
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			out = append(out, r)
		}
	}
	return out
}

// extractNgrams returns every n-rune sliding window.
func extractNgrams(runes []rune, n int) []string {
	if len(runes) < n {
		return []string{}
	}
	ngrams := make([]string, 0, len(runes)-n+1)
	for i := 0; i <= len(runes)-n; i++ {
		ngrams = append(ngrams, string(runes[i:i+n]))
	}
	return ngrams
}

// hashToIndex uses FNV-64 to map a string to a bucket.
func hashToIndex(s string, size int) int {
	h := fnv.New64()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(size))
}

// EmbedBatch generates embeddings for multiple texts.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string, kind Kind) ([][]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	results := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text, kind)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		results[i] = emb
	}
	return results, nil
}

// CountTokens implements Embedder.
func (e *StaticEmbedder) CountTokens(text string) int {
	return e.counter.CountTokens(text)
}

// Dimensions returns the embedding dimension.
func (e *StaticEmbedder) Dimensions() int {
	return e.dims
}

// ModelName returns the model identifier.
func (e *StaticEmbedder) ModelName() string {
	return fmt.Sprintf("static-%d", e.dims)
}

// Available reports whether the embedder is open.
func (e *StaticEmbedder) Available(_ context.Context) bool {
	return e.checkOpen() == nil
}

// Close releases resources.
func (e *StaticEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *StaticEmbedder) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return fmt.Errorf("static embedder: %w", ErrClosed)
	}
	return nil
}
