package chunk

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// words counts whitespace-separated words.
var words = TokenCounterFunc(func(s string) int { return len(strings.Fields(s)) })

func newTestChunker(t *testing.T, counter TokenCounter, maxSize, overlap int) *Chunker {
	t.Helper()
	c, err := NewChunker(counter, Options{MaxChunkSize: maxSize, ChunkOverlap: overlap})
	require.NoError(t, err)
	return c
}

func contents(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Content
	}
	return out
}

// requireChunkProperties checks offsets, budget, indexes and overlap of a chunk sequence.
func requireChunkProperties(t *testing.T, text string, chunks []Chunk, counter TokenCounter, opts Options) {
	t.Helper()
	prevEnd := 0
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		require.NotEmpty(t, strings.TrimSpace(c.Content))
		require.LessOrEqual(t, c.StartOffset+len(c.Content), len(text))
		assert.Equal(t, c.Content, text[c.StartOffset:c.StartOffset+len(c.Content)], "chunk %d is not a slice of the document", i)
		assert.LessOrEqual(t, counter.CountTokens(c.Content), opts.MaxChunkSize, "chunk %d over budget", i)
		assert.LessOrEqual(t, len(c.Headings), MaxHeadingLevel)

		if i > 0 && c.StartOffset < prevEnd {
			overlap := text[c.StartOffset:prevEnd]
			prev := chunks[i-1].Content
			assert.True(t, strings.HasSuffix(prev, overlap), "overlap of chunk %d is not a suffix of chunk %d", i, i-1)
			assert.LessOrEqual(t, counter.CountTokens(overlap), opts.ChunkOverlap)
		}
		assert.GreaterOrEqual(t, c.StartOffset, chunks[max(i-1, 0)].StartOffset)
		prevEnd = c.StartOffset + len(c.Content)
	}
}

func TestChunker_EmptyInput(t *testing.T) {
	c := newTestChunker(t, words, 10, 2)

	for _, text := range []string{"", "   ", "\n\n\t\n"} {
		chunks, err := c.Chunk(context.Background(), text)
		require.NoError(t, err)
		assert.Empty(t, chunks)
	}
}

func TestChunker_SmallDocumentIsOneChunk(t *testing.T) {
	c := newTestChunker(t, words, 512, 64)
	text := "\n\n# Guide\n\nShort body text.\n"

	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)

	require.Len(t, chunks, 1)
	assert.Equal(t, "# Guide\n\nShort body text.", chunks[0].Content)
	assert.Equal(t, 2, chunks[0].StartOffset)
	assert.Equal(t, []string{"Guide"}, chunks[0].Headings)
	assert.Equal(t, 5, chunks[0].Tokens)
}

func TestChunker_OverlapSeedsContiguousSuffix(t *testing.T) {
	c := newTestChunker(t, words, 4, 2)
	text := "a b\nc d\ne f\ng h"

	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)

	assert.Equal(t, []string{"a b\nc d", "c d\ne f", "e f\ng h"}, contents(chunks))
	requireChunkProperties(t, text, chunks, words, c.Options())
}

func TestChunker_NoOverlap(t *testing.T) {
	c := newTestChunker(t, words, 4, 0)
	text := "a b\nc d\ne f\ng h"

	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)

	assert.Equal(t, []string{"a b\nc d", "e f\ng h"}, contents(chunks))
}

func TestChunker_HeadingChainReflectsNearestSection(t *testing.T) {
	c := newTestChunker(t, words, 4, 0)
	text := strings.Join([]string{
		"# A", "text a",
		"## B", "text b",
		"#### deep", "### C",
		"text c", "# D",
		"text d",
	}, "\n")

	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)
	require.Len(t, chunks, 5)

	assert.Equal(t, []string{"A"}, chunks[0].Headings)
	assert.Equal(t, []string{"A", "B"}, chunks[1].Headings)
	assert.Equal(t, []string{"A", "B", "C"}, chunks[2].Headings)
	assert.Equal(t, []string{"D"}, chunks[3].Headings, "a new top-level heading clears deeper levels")
	assert.Equal(t, []string{"D"}, chunks[4].Headings)

	for _, ch := range chunks {
		assert.NotContains(t, ch.Headings, "deep")
	}
	requireChunkProperties(t, text, chunks, words, c.Options())
}

func TestChunker_HeadingClosesChunkUnderPreviousChain(t *testing.T) {
	c := newTestChunker(t, words, 3, 0)
	text := "# First\nbody one\n# Second\nbody two"

	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	assert.Equal(t, "# First", chunks[0].Content)
	assert.Equal(t, []string{"First"}, chunks[0].Headings)
	assert.Equal(t, "body one", chunks[1].Content)
	assert.Equal(t, []string{"First"}, chunks[1].Headings)
	assert.Equal(t, []string{"Second"}, chunks[2].Headings)
	assert.Equal(t, []string{"Second"}, chunks[3].Headings)
}

func TestChunker_OversizedHeadingStartsNewSection(t *testing.T) {
	// Given a heading longer than the chunk budget between two sections
	c := newTestChunker(t, words, 3, 1)
	text := "# Intro\nintro text\n## Very long heading title that overflows\nbody after"
	headingAt := strings.Index(text, "## Very")

	// When the document is chunked
	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)

	// Then the heading pieces and the body carry the new chain, and nothing
	// before the heading does
	require.NotEmpty(t, chunks)
	var sawBody bool
	for _, ch := range chunks {
		if ch.StartOffset >= headingAt {
			assert.Equal(t, []string{"Intro", "Very long heading title that overflows"}, ch.Headings, ch.Content)
		} else {
			assert.Equal(t, []string{"Intro"}, ch.Headings, ch.Content)
			assert.LessOrEqual(t, ch.StartOffset+len(ch.Content), headingAt, "pre-heading chunk spans the heading")
		}
		sawBody = sawBody || strings.Contains(ch.Content, "body after")
	}
	assert.True(t, sawBody)
	requireChunkProperties(t, text, chunks, words, c.Options())
}

func TestChunker_HashInsideCodeFenceIsNotAHeading(t *testing.T) {
	c := newTestChunker(t, words, 512, 0)
	text := "# Setup\n```sh\n# install deps\nmake\n```\n"

	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, []string{"Setup"}, chunks[0].Headings)
}

func TestChunker_OversizedLineSplitsAtSentences(t *testing.T) {
	c := newTestChunker(t, words, 5, 0)
	text := "one two three. four five six! seven eight nine? ten eleven"

	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"one two three.",
		"four five six!",
		"seven eight nine?",
		"ten eleven",
	}, contents(chunks))
	requireChunkProperties(t, text, chunks, words, c.Options())
}

func TestChunker_OversizedSentenceSplitsAtWords(t *testing.T) {
	c := newTestChunker(t, words, 3, 0)
	text := "alpha beta gamma delta epsilon zeta eta"

	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha beta gamma", "delta epsilon zeta", "eta"}, contents(chunks))
	requireChunkProperties(t, text, chunks, words, c.Options())
}

func TestChunker_UnbreakableRunSplitsAtStride(t *testing.T) {
	chars := TokenCounterFunc(utf8.RuneCountInString)
	c := newTestChunker(t, chars, 8, 0)
	text := strings.Repeat("x", 50)

	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)

	require.Len(t, chunks, 7)
	var rebuilt strings.Builder
	for _, ch := range chunks {
		assert.LessOrEqual(t, chars.CountTokens(ch.Content), 8)
		rebuilt.WriteString(ch.Content)
	}
	assert.Equal(t, text, rebuilt.String())
	requireChunkProperties(t, text, chunks, chars, c.Options())
}

func TestChunker_ForcedSubdivisionTerminates(t *testing.T) {
	// Every non-empty string costs more than the budget.
	expensive := TokenCounterFunc(func(s string) int {
		if s == "" {
			return 0
		}
		return 100
	})
	c := newTestChunker(t, expensive, 10, 0)

	chunks, err := c.Chunk(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, contents(chunks))
}

func TestChunker_MultiByteStrideKeepsRunesWhole(t *testing.T) {
	chars := TokenCounterFunc(utf8.RuneCountInString)
	c := newTestChunker(t, chars, 4, 0)
	text := "機械学習機械学習機械"

	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)

	assert.Equal(t, []string{"機械学習", "機械学習", "機械"}, contents(chunks))
	requireChunkProperties(t, text, chunks, chars, c.Options())
}

func TestChunker_PropertiesHoldOnLargeDocument(t *testing.T) {
	var b strings.Builder
	for section := 0; section < 12; section++ {
		fmt.Fprintf(&b, "%s Section %d\n\n", strings.Repeat("#", section%4+1), section)
		for line := 0; line < 9; line++ {
			n := (section*7+line*3)%11 + 1
			for w := 0; w < n; w++ {
				fmt.Fprintf(&b, "w%d ", w)
			}
			if line%4 == 0 {
				b.WriteString("Sentence ends here. Another starts and keeps going for a while longer")
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	text := b.String()

	for _, opts := range []Options{{MaxChunkSize: 16, ChunkOverlap: 4}, {MaxChunkSize: 40, ChunkOverlap: 10}, {MaxChunkSize: 7, ChunkOverlap: 3}} {
		t.Run(fmt.Sprintf("max=%d overlap=%d", opts.MaxChunkSize, opts.ChunkOverlap), func(t *testing.T) {
			c := newTestChunker(t, words, opts.MaxChunkSize, opts.ChunkOverlap)
			chunks, err := c.Chunk(context.Background(), text)
			require.NoError(t, err)
			require.NotEmpty(t, chunks)
			requireChunkProperties(t, text, chunks, words, opts)

			for _, ch := range chunks {
				for _, h := range ch.Headings {
					assert.NotContains(t, h, "####")
				}
			}
		})
	}
}

func TestChunker_CanceledContext(t *testing.T) {
	c := newTestChunker(t, words, 10, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Chunk(ctx, "some text")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewChunker_ValidatesOptions(t *testing.T) {
	_, err := NewChunker(nil, DefaultOptions())
	assert.Error(t, err)

	_, err = NewChunker(words, Options{MaxChunkSize: 10, ChunkOverlap: 10})
	assert.Error(t, err)

	_, err = NewChunker(words, Options{MaxChunkSize: 10, ChunkOverlap: -1})
	assert.Error(t, err)

	_, err = NewChunker(words, Options{MaxChunkSize: -5})
	assert.Error(t, err)

	c, err := NewChunker(words, Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxChunkSize, c.Options().MaxChunkSize)
	assert.Zero(t, c.Options().ChunkOverlap)
}
