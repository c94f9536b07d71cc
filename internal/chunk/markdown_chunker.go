package chunk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ctxCheckInterval is the number of lines processed between context checks.
const ctxCheckInterval = 1024

var (
	// Matches tracked headers: # Title, ## Title, ### Title.
	headerPattern = regexp.MustCompile(`^(#{1,3})[ \t]+(\S.*)$`)

	// Matches the opening or closing line of a fenced code block.
	fencePattern = regexp.MustCompile("^[ \t]{0,3}(```|~~~)")
)

// Chunker splits text line by line under a token budget, tracking the
// markdown heading chain of every chunk.
type Chunker struct {
	options Options
	counter TokenCounter
	logger  *slog.Logger

	// sepCost is the token cost of the newline joining two lines.
	sepCost int
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Chunker) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewChunker creates a chunker measuring text with counter.
func NewChunker(counter TokenCounter, opts Options, options ...Option) (*Chunker, error) {
	if counter == nil {
		return nil, errors.New("chunker requires a token counter")
	}
	if opts.MaxChunkSize == 0 {
		opts.MaxChunkSize = DefaultMaxChunkSize
	}
	if opts.MaxChunkSize < 0 {
		return nil, fmt.Errorf("max chunk size must be positive, got %d", opts.MaxChunkSize)
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.MaxChunkSize {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", opts.MaxChunkSize, opts.ChunkOverlap)
	}

	c := &Chunker{
		options: opts,
		counter: counter,
		logger:  slog.Default(),
		sepCost: counter.CountTokens("\n"),
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// Options returns the effective options.
func (c *Chunker) Options() Options {
	return c.options
}

// unit is one line, or one piece of an oversized line, of the document.
type unit struct {
	start, end int
	tokens     int
	// sep is the cost of joining this unit to the previous one: the newline
	// cost for a line, zero for a continuation piece of the same line.
	sep int
	// level and title are set for heading lines.
	level int
	title string
}

// builder accumulates the units of the chunk being built.
type builder struct {
	units  []unit
	tokens int
}

func (b *builder) cost(u unit) int {
	if len(b.units) == 0 {
		return u.tokens
	}
	return u.sep + u.tokens
}

func (b *builder) add(u unit) {
	b.tokens += b.cost(u)
	b.units = append(b.units, u)
}

// Chunk splits text into chunks.
//
// Lines accumulate until the next one would exceed MaxChunkSize. The closed
// chunk snapshots the heading chain, and the next chunk is seeded with the
// longest contiguous suffix of the closed chunk's lines that fits both
// ChunkOverlap and the room needed for the incoming line. A line that alone
// exceeds the budget is cut at sentence, then word, then fixed character
// boundaries.
func (c *Chunker) Chunk(ctx context.Context, text string) ([]Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		chunks   []Chunk
		headings [MaxHeadingLevel]string
		cur      builder
		inFence  bool
		lineNo   int
	)

	closeChunk := func() {
		if len(cur.units) == 0 {
			return
		}
		if ch, ok := c.buildChunk(text, cur, headings, len(chunks)); ok {
			chunks = append(chunks, ch)
		}
	}

	push := func(u unit) {
		if len(cur.units) > 0 && cur.tokens+cur.cost(u) > c.options.MaxChunkSize {
			closed := cur
			closeChunk()
			cur = c.seedOverlap(closed, u)
		}
		cur.add(u)
	}

	for start := 0; start <= len(text); {
		end := strings.IndexByte(text[start:], '\n')
		if end < 0 {
			end = len(text)
		} else {
			end += start
		}
		line := text[start:end]

		lineNo++
		if lineNo%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		u := unit{start: start, end: end, tokens: c.counter.CountTokens(line), sep: c.sepCost}
		if fencePattern.MatchString(line) {
			inFence = !inFence
		} else if !inFence {
			if m := headerPattern.FindStringSubmatch(strings.TrimRight(line, "\r")); m != nil {
				u.level = len(m[1])
				u.title = strings.TrimSpace(m[2])
			}
		}

		if u.level > 0 {
			// The chunk closes under the old heading chain before a new
			// heading takes effect.
			if len(cur.units) > 0 && (u.tokens > c.options.MaxChunkSize || cur.tokens+cur.cost(u) > c.options.MaxChunkSize) {
				closed := cur
				closeChunk()
				cur = c.seedOverlap(closed, u)
			}
			headings[u.level-1] = u.title
			for i := u.level; i < MaxHeadingLevel; i++ {
				headings[i] = ""
			}
		}

		if u.tokens > c.options.MaxChunkSize {
			for i, piece := range c.splitOversized(line, start) {
				if i > 0 {
					piece.sep = 0
				} else {
					piece.sep = c.sepCost
				}
				push(piece)
			}
		} else {
			push(u)
		}

		if end == len(text) {
			break
		}
		start = end + 1
	}
	closeChunk()

	c.logger.Debug("document_chunked",
		slog.Int("bytes", len(text)),
		slog.Int("lines", lineNo),
		slog.Int("chunks", len(chunks)))
	return chunks, nil
}

// buildChunk trims surrounding whitespace, keeping Content an exact slice of
// text. Whitespace-only chunks are dropped.
func (c *Chunker) buildChunk(text string, b builder, headings [MaxHeadingLevel]string, index int) (Chunk, bool) {
	start := b.units[0].start
	end := b.units[len(b.units)-1].end
	raw := text[start:end]

	trimmedLeft := strings.TrimLeftFunc(raw, unicode.IsSpace)
	start += len(raw) - len(trimmedLeft)
	content := strings.TrimRightFunc(trimmedLeft, unicode.IsSpace)
	if content == "" {
		return Chunk{}, false
	}

	var chain []string
	for _, h := range headings {
		if h != "" {
			chain = append(chain, h)
		}
	}
	return Chunk{
		Index:       index,
		Content:     content,
		Headings:    chain,
		StartOffset: start,
		Tokens:      b.tokens,
	}, true
}

// seedOverlap returns a builder holding the longest proper suffix of closed
// whose cost fits ChunkOverlap and leaves room for next.
func (c *Chunker) seedOverlap(closed builder, next unit) builder {
	var seed builder
	if c.options.ChunkOverlap == 0 || len(closed.units) < 2 {
		return seed
	}

	first := len(closed.units)
	total := 0
	for i := len(closed.units) - 1; i >= 1; i-- {
		u := closed.units[i]
		candidate := total + u.tokens
		if i < len(closed.units)-1 {
			candidate += closed.units[i+1].sep
		}
		if candidate > c.options.ChunkOverlap || candidate+next.sep+next.tokens > c.options.MaxChunkSize {
			break
		}
		total = candidate
		first = i
	}
	for _, u := range closed.units[first:] {
		seed.add(u)
	}
	return seed
}

// splitOversized cuts a line into pieces that each fit the budget, trying
// sentence boundaries first, then word boundaries, then a fixed character
// stride. Pieces are contiguous and cover the whole line.
func (c *Chunker) splitOversized(line string, base int) []unit {
	return c.splitAt(line, base, splitSentence)
}

type splitLevel int

const (
	splitSentence splitLevel = iota
	splitWord
	splitStride
)

func (c *Chunker) splitAt(s string, base int, level splitLevel) []unit {
	if level == splitStride {
		return c.splitStride(s, base)
	}

	var bounds []int
	if level == splitSentence {
		bounds = sentenceBounds(s)
	} else {
		bounds = wordBounds(s)
	}
	bounds = append(bounds, len(s))

	var pieces []unit
	prev := 0
	for _, b := range bounds {
		if b <= prev {
			continue
		}
		piece := s[prev:b]
		n := c.counter.CountTokens(piece)
		if n > c.options.MaxChunkSize {
			pieces = append(pieces, c.splitAt(piece, base+prev, level+1)...)
		} else {
			pieces = append(pieces, unit{start: base + prev, end: base + b, tokens: n})
		}
		prev = b
	}
	return pieces
}

// splitStride cuts s into runs of runes, halving the stride until a run fits.
// A single rune is always accepted so the split terminates.
func (c *Chunker) splitStride(s string, base int) []unit {
	var pieces []unit
	for pos := 0; pos < len(s); {
		stride := max(c.options.MaxChunkSize, 1)
		for {
			end := advanceRunes(s, pos, stride)
			n := c.counter.CountTokens(s[pos:end])
			if n <= c.options.MaxChunkSize || stride == 1 {
				pieces = append(pieces, unit{start: base + pos, end: base + end, tokens: n})
				pos = end
				break
			}
			stride /= 2
		}
	}
	return pieces
}

func advanceRunes(s string, pos, n int) int {
	for i := 0; i < n && pos < len(s); i++ {
		_, size := utf8.DecodeRuneInString(s[pos:])
		pos += size
	}
	return pos
}

// sentenceBounds returns the offsets just past the whitespace that follows
// a '.', '!' or '?'.
func sentenceBounds(s string) []int {
	var bounds []int
	for i := 0; i < len(s); i++ {
		if s[i] != '.' && s[i] != '!' && s[i] != '?' {
			continue
		}
		j := i + 1
		for j < len(s) && (s[j] == ' ' || s[j] == '\t') {
			j++
		}
		if j > i+1 && j < len(s) {
			bounds = append(bounds, j)
		}
		i = j - 1
	}
	return bounds
}

// wordBounds returns the offsets just past every whitespace run.
func wordBounds(s string) []int {
	var bounds []int
	inSpace := false
	for i, r := range s {
		space := unicode.IsSpace(r)
		if inSpace && !space {
			bounds = append(bounds, i)
		}
		inSpace = space
	}
	return bounds
}
