// Package store provides the persistence layer of the retrieval core: a
// transactional key-value abstraction with SQLite and bbolt adapters, the BM25
// lexical index, the exact cosine vector index and the chunk metadata table.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TitleChunkSuffix is the chunk id suffix of the synthetic title chunk.
const TitleChunkSuffix = "title"

// chunkIDSeparator joins a file path and a chunk suffix.
const chunkIDSeparator = "#"

// Common errors.
var (
	// ErrNotFound is returned when a key does not exist in a namespace.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned by operations on a closed store or index.
	ErrClosed = errors.New("store is closed")

	// ErrInvalidChunkID is returned when a chunk id does not follow the
	// "<filePath>#<index>" or "<filePath>#title" convention.
	ErrInvalidChunkID = errors.New("invalid chunk id")
)

// ChunkID builds the id of the content chunk at index for filePath.
func ChunkID(filePath string, index int) string {
	return filePath + chunkIDSeparator + strconv.Itoa(index)
}

// TitleChunkID builds the id of the synthetic title chunk for filePath.
func TitleChunkID(filePath string) string {
	return filePath + chunkIDSeparator + TitleChunkSuffix
}

// ParsedChunkID is the decomposed form of a chunk id.
type ParsedChunkID struct {
	FilePath string
	Index    int  // -1 for the title chunk
	IsTitle  bool
}

// ParseChunkID splits a chunk id on its last separator.
func ParseChunkID(id string) (ParsedChunkID, error) {
	pos := strings.LastIndex(id, chunkIDSeparator)
	if pos <= 0 || pos == len(id)-1 {
		return ParsedChunkID{}, fmt.Errorf("%w: %q", ErrInvalidChunkID, id)
	}
	path, suffix := id[:pos], id[pos+1:]
	if suffix == TitleChunkSuffix {
		return ParsedChunkID{FilePath: path, Index: -1, IsTitle: true}, nil
	}
	n, err := strconv.Atoi(suffix)
	if err != nil || n < 0 {
		return ParsedChunkID{}, fmt.Errorf("%w: %q", ErrInvalidChunkID, id)
	}
	return ParsedChunkID{FilePath: path, Index: n}, nil
}

// FilePathOf returns the file path part of a chunk id, or the id itself when
// it does not follow the chunk id convention.
func FilePathOf(id string) string {
	parsed, err := ParseChunkID(id)
	if err != nil {
		return id
	}
	return parsed.FilePath
}

// ChunkMetadata is the canonical record of an indexed chunk.
// MTime and Size describe the source document at indexing time so callers can
// detect staleness without re-reading it.
type ChunkMetadata struct {
	ID        string    `json:"id"`
	FilePath  string    `json:"file_path"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Headings  []string  `json:"headings,omitempty"`
	MTime     time.Time `json:"mtime"`
	Size      int64     `json:"size"`
	IndexedAt time.Time `json:"indexed_at"`
}

// LexicalDocument is one chunk submitted to the lexical index.
type LexicalDocument struct {
	DocID   string
	Content string
}

// Posting is the occurrence count of a token within one chunk.
type Posting struct {
	DocID     string `json:"doc_id"`
	Frequency int    `json:"tf"`
}

// InvertedIndexEntry is the posting set of one token.
// DocumentFrequency always equals len(Postings).
type InvertedIndexEntry struct {
	Token             string         `json:"token"`
	Postings          map[string]int `json:"postings"`
	DocumentFrequency int            `json:"df"`
}

// DocumentTokenInfo records the tokens of one chunk so its contribution can be
// undone and its length normalisation computed.
type DocumentTokenInfo struct {
	DocID  string   `json:"doc_id"`
	Tokens []string `json:"tokens"`
	Length int      `json:"length"`
}

// CorpusStats are the global lexical statistics.
// Version increments on every mutation.
type CorpusStats struct {
	TotalDocuments        int     `json:"total_documents"`
	AverageDocumentLength float64 `json:"average_document_length"`
	Version               uint64  `json:"version"`
}

// Embedding is the vector of one chunk.
type Embedding struct {
	ID     string
	Vector []float32
}

// BM25Result is a lexical search hit.
type BM25Result struct {
	DocID        string
	Score        float64
	MatchedTerms []string
}

// VectorResult is a vector search hit.
type VectorResult struct {
	ID    string
	Score float64 // cosine similarity in [-1, 1]
}

// BM25Config contains the BM25 scoring and tokenization parameters.
type BM25Config struct {
	K1        float64
	B         float64
	Tokenizer TokenizerOptions
}

// DefaultBM25Config returns the standard Okapi parameters.
func DefaultBM25Config() BM25Config {
	return BM25Config{
		K1:        1.2,
		B:         0.75,
		Tokenizer: DefaultTokenizerOptions(),
	}
}

// LexicalIndex is the lexical (BM25) retrieval contract.
// Mutating calls must be serialised per collection by the caller.
type LexicalIndex interface {
	// IndexBatch adds or replaces chunks in one atomic write.
	IndexBatch(ctx context.Context, docs []LexicalDocument) error

	// RemoveBatch removes chunks by id.
	RemoveBatch(ctx context.Context, docIDs []string) error

	// RemoveByFilePaths removes every chunk of the given files.
	RemoveByFilePaths(ctx context.Context, filePaths []string) error

	// Search returns the topK chunks by BM25 score, descending.
	Search(ctx context.Context, query string, topK int) ([]*BM25Result, error)

	// Stats returns the current corpus statistics.
	Stats(ctx context.Context) (CorpusStats, error)

	// AllIDs returns every indexed chunk id.
	AllIDs(ctx context.Context) ([]string, error)

	// Close releases resources.
	Close() error
}

// ErrDimensionMismatch is returned when a vector's dimension differs from the
// dimension of the vectors already stored.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
