// Package search provides hybrid retrieval combining BM25 and vector search.
// Chunk hits are aggregated into file scores per signal, the file lists are
// fused with Reciprocal Rank Fusion (RRF) and the merged chunk candidates are
// optionally reranked by a cross-encoder.
package search

import (
	"errors"
	"fmt"
	"time"

	"github.com/Aman-CERP/hybridrank/internal/store"
)

// ErrAllSignalsFailed is returned when no retrieval signal produced results.
var ErrAllSignalsFailed = errors.New("all retrieval signals failed")

// ChunkResult is a scored chunk.
type ChunkResult struct {
	ChunkID  string
	FilePath string

	// ChunkIndex is the position of the chunk in its file, -1 for the title chunk.
	ChunkIndex int

	Content string
	Score   float64

	// Metadata is the stored record of the chunk, nil when it was not loaded.
	Metadata *store.ChunkMetadata
}

// IsTitle reports whether the chunk is the synthetic title chunk of its file.
func (c ChunkResult) IsTitle() bool {
	return c.ChunkIndex < 0
}

// SearchResult is a scored file.
type SearchResult struct {
	FilePath string
	Title    string
	Score    float64

	// TopChunk is the highest scoring chunk of the file, shown as its excerpt.
	TopChunk *ChunkResult

	// ChunkCount is the number of chunks of the file that contributed.
	ChunkCount int

	// FileSize is the size of the source document in bytes.
	FileSize int64
}

// SearchMode selects the retrieval signals of a query.
type SearchMode string

const (
	ModeHybrid  SearchMode = "hybrid"
	ModeLexical SearchMode = "bm25"
	ModeVector  SearchMode = "vector"
)

// ParseSearchMode parses a mode name. Empty selects ModeHybrid.
func ParseSearchMode(s string) (SearchMode, error) {
	switch SearchMode(s) {
	case "", ModeHybrid:
		return ModeHybrid, nil
	case ModeLexical, "lexical":
		return ModeLexical, nil
	case ModeVector, "semantic":
		return ModeVector, nil
	default:
		return "", fmt.Errorf("unknown search mode %q (want hybrid, bm25 or vector)", s)
	}
}

// SearchOptions configures one query. Zero fields take the engine defaults.
type SearchOptions struct {
	// Limit is the number of results to return.
	Limit int

	// RetrievalMultiplier scales Limit into the candidate count requested
	// from each signal.
	RetrievalMultiplier int

	// Mode restricts the query to one signal.
	Mode SearchMode

	// LexicalAggregation and VectorAggregation turn chunk scores into file
	// scores for each signal.
	LexicalAggregation AggregationMethod
	VectorAggregation  AggregationMethod

	// Aggregation holds the parameters of the aggregation methods.
	Aggregation *AggregationParams

	// Fusion overrides the RRF constant and signal weights.
	Fusion *FusionConfig

	// TitleWeight > 0 scores title chunk matches separately and blends them
	// with body matches using ContentWeight.
	TitleWeight   float64
	ContentWeight float64

	// RerankCandidates bounds the chunks sent to the reranker.
	RerankCandidates int

	// SkipRerank disables reranking for this query.
	SkipRerank bool
}

// Degradation records the signals that were unavailable for a query.
type Degradation struct {
	Lexical bool
	Vector  bool
	Rerank  bool
}

// Any reports whether any signal was unavailable.
func (d Degradation) Any() bool {
	return d.Lexical || d.Vector || d.Rerank
}

// SearchResponse is the answer to a file level query.
type SearchResponse struct {
	Query    string
	Results  []SearchResult
	Degraded Degradation

	// Reranked is set when the reranker reordered the results.
	Reranked bool

	LexicalHits int
	VectorHits  int
	Duration    time.Duration
}

// ChunkResponse is the answer to a chunk level query.
type ChunkResponse struct {
	Query    string
	Chunks   []ChunkResult
	Degraded Degradation
	Reranked bool
	Duration time.Duration
}

// Document is one source document submitted for indexing.
type Document struct {
	Path    string
	Title   string
	Content string
	MTime   time.Time
	Size    int64
}

// IndexResult describes one indexed document.
type IndexResult struct {
	Path   string
	Chunks int

	// Removed counts the stale chunks of a previous version that were deleted.
	Removed int
}

// EngineStats describes the indexed collection.
type EngineStats struct {
	Files      int
	Chunks     int
	Vectors    int
	Dimensions int
	Lexical    store.CorpusStats
	Model      string
}

// EngineConfig holds the engine defaults.
type EngineConfig struct {
	// DefaultLimit is the default number of results (default: 10).
	DefaultLimit int

	// MaxLimit is the maximum allowed results (default: 100).
	MaxLimit int

	// RetrievalMultiplier scales the limit into the per-signal candidate count (default: 5).
	RetrievalMultiplier int

	LexicalAggregation AggregationMethod
	VectorAggregation  AggregationMethod
	Aggregation        AggregationParams
	Fusion             FusionConfig

	TitleWeight   float64
	ContentWeight float64

	// RerankCandidates bounds the chunks sent to the reranker (default: 50).
	RerankCandidates int

	// SearchTimeout bounds one query; zero disables it.
	SearchTimeout time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() EngineConfig {
	return EngineConfig{
		DefaultLimit:        10,
		MaxLimit:            100,
		RetrievalMultiplier: 5,
		LexicalAggregation:  AggregateMaxP,
		VectorAggregation:   AggregateMaxP,
		Aggregation:         DefaultAggregationParams(),
		Fusion:              DefaultFusionConfig(),
		ContentWeight:       1.0,
		RerankCandidates:    50,
		SearchTimeout:       30 * time.Second,
	}
}
