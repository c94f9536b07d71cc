package search

import (
	"context"
)

// RerankResult is one scored document of a rerank call.
type RerankResult struct {
	// Index is the position in the input documents slice.
	Index int
	// Score is the relevance score.
	Score float64
}

// Reranker reorders documents by relevance with a cross-encoder.
// Cross-encoders jointly encode query-document pairs for more accurate
// relevance scoring than bi-encoders, but at higher computational cost.
type Reranker interface {
	// Rerank scores documents against query and returns them sorted by
	// score descending. topN <= 0 returns every document.
	Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error)

	// Ready reports whether the service can take requests now.
	Ready(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// NoOpReranker is a reranker that returns results in original order.
// Used when reranking is disabled.
type NoOpReranker struct{}

// Rerank returns documents in original order with decreasing scores.
func (n *NoOpReranker) Rerank(_ context.Context, _ string, documents []string, topN int) ([]RerankResult, error) {
	results := make([]RerankResult, len(documents))
	for i := range documents {
		// 1.0, 0.99, 0.98, ...
		results[i] = RerankResult{Index: i, Score: 1.0 - float64(i)*0.01}
	}
	if topN > 0 && topN < len(results) {
		results = results[:topN]
	}
	return results, nil
}

// Ready always returns true.
func (n *NoOpReranker) Ready(_ context.Context) bool {
	return true
}

// Close is a no-op.
func (n *NoOpReranker) Close() error {
	return nil
}

var _ Reranker = (*NoOpReranker)(nil)
