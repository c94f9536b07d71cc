// Package embed provides the embedding collaborators of the retrieval core.
package embed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Batch and timeout defaults.
const (
	// DefaultBatchSize is the number of texts sent per embedding request.
	DefaultBatchSize = 32

	// MaxBatchSize caps the batch size.
	MaxBatchSize = 256

	// DefaultTimeout is the per-request timeout of HTTP embedders.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxRetries is the number of transport-level retries.
	DefaultMaxRetries = 3
)

// ErrClosed is returned by a closed embedder.
var ErrClosed = errors.New("embedder is closed")

// StaticDimensions is the embedding dimension of the static embedder.
const StaticDimensions = 256

// Kind tells an embedder which side of an asymmetric model a text is on.
type Kind string

const (
	// KindQuery marks search queries.
	KindQuery Kind = "query"
	// KindPassage marks indexed chunk content.
	KindPassage Kind = "passage"
)

// ParseKind parses "query" or "passage".
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindQuery:
		return KindQuery, nil
	case KindPassage:
		return KindPassage, nil
	default:
		return "", fmt.Errorf("unknown embedding kind %q", s)
	}
}

// TokenCounter measures text in model tokens.
type TokenCounter interface {
	CountTokens(text string) int
}

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates the embedding of a single text.
	Embed(ctx context.Context, text string, kind Kind) ([]float32, error)

	// EmbedBatch generates embeddings for texts, in order.
	EmbedBatch(ctx context.Context, texts []string, kind Kind) ([][]float32, error)

	// CountTokens measures text in the model's tokens; the chunker budget
	// uses it.
	CountTokens(text string) int

	// Dimensions returns the embedding dimension, or 0 while unknown.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available checks if the embedder is ready.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// normalizeVector scales v to unit length. Zero vectors are returned as-is.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
