// Package chunk splits documents into token-bounded chunks that carry their
// enclosing heading chain and their byte offset in the source.
package chunk

// Chunk size defaults, in tokens of the injected TokenCounter.
const (
	DefaultMaxChunkSize = 512
	DefaultChunkOverlap = 64

	// MaxHeadingLevel is the deepest heading level tracked in a chunk.
	MaxHeadingLevel = 3
)

// Chunk is a retrievable unit of a document.
// Content is always document[StartOffset : StartOffset+len(Content)].
type Chunk struct {
	Index       int      // Position among the document's chunks, from 0
	Content     string   // Exact slice of the document
	Headings    []string // Enclosing headings, outermost first, at most MaxHeadingLevel
	StartOffset int      // Byte offset of Content in the document
	Tokens      int      // Running token count the chunk was closed with
}

// Options configures a Chunker.
type Options struct {
	// MaxChunkSize is the token budget of one chunk. Zero selects DefaultMaxChunkSize.
	MaxChunkSize int
	// ChunkOverlap is the token budget of the lines repeated at the start of
	// the next chunk. Zero disables overlap.
	ChunkOverlap int
}

// DefaultOptions returns the 512/64 budget.
func DefaultOptions() Options {
	return Options{MaxChunkSize: DefaultMaxChunkSize, ChunkOverlap: DefaultChunkOverlap}
}

// TokenCounter measures text in the unit the chunk budget is expressed in.
type TokenCounter interface {
	CountTokens(text string) int
}

// TokenCounterFunc adapts a function to TokenCounter.
type TokenCounterFunc func(text string) int

// CountTokens implements TokenCounter.
func (f TokenCounterFunc) CountTokens(text string) int {
	return f(text)
}
