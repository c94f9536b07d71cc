package store

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBM25(t *testing.T) (*BM25Index, TransactionalStore) {
	t.Helper()
	kv := newTestKV(t)
	idx, err := NewBM25Index(kv, DefaultBM25Config())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx, kv
}

func requireConsistent(t *testing.T, idx *BM25Index) {
	t.Helper()
	report, err := idx.Verify(context.Background())
	require.NoError(t, err)
	require.True(t, report.OK(), "lexical invariants violated: %+v", report)
}

func TestBM25Index_MachineLearningRanksAboveUnrelated(t *testing.T) {
	idx, _ := newTestBM25(t)
	ctx := context.Background()

	// Given: two chunks sharing only the word "great"
	require.NoError(t, idx.IndexBatch(ctx, []LexicalDocument{
		{DocID: "a.md#0", Content: "machine learning is great"},
		{DocID: "b.md#0", Content: "cats are great"},
	}))

	// When: querying "machine learning"
	results, err := idx.Search(ctx, "machine learning", 10)
	require.NoError(t, err)

	// Then: a.md#0 ranks first and strictly above b.md#0 if present
	require.NotEmpty(t, results)
	assert.Equal(t, "a.md#0", results[0].DocID)
	assert.ElementsMatch(t, []string{"machine", "learning"}, results[0].MatchedTerms)
	for _, r := range results[1:] {
		if r.DocID == "b.md#0" {
			assert.Greater(t, results[0].Score, r.Score)
		}
	}
}

func TestBM25Index_ScoreMatchesOkapiFormula(t *testing.T) {
	idx, _ := newTestBM25(t)
	ctx := context.Background()

	// Given: one document of length 2, so len == avgLen
	require.NoError(t, idx.IndexBatch(ctx, []LexicalDocument{{DocID: "a.md#0", Content: "alpha beta"}}))

	results, err := idx.Search(ctx, "alpha", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)

	// Then: tf=1 at average length reduces the posting weight to the idf
	idf := math.Log((1-1+0.5)/(1+0.5) + 1)
	assert.InDelta(t, idf, results[0].Score, 1e-9)
}

func TestBM25Index_TiesBrokenByDocID(t *testing.T) {
	idx, _ := newTestBM25(t)
	ctx := context.Background()

	require.NoError(t, idx.IndexBatch(ctx, []LexicalDocument{
		{DocID: "z.md#0", Content: "shared words"},
		{DocID: "a.md#0", Content: "shared words"},
		{DocID: "m.md#0", Content: "shared words"},
	}))

	results, err := idx.Search(ctx, "shared", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a.md#0", results[0].DocID)
	assert.Equal(t, "m.md#0", results[1].DocID)
}

func TestBM25Index_EmptyCorpusAndQuery(t *testing.T) {
	idx, _ := newTestBM25(t)
	ctx := context.Background()

	results, err := idx.Search(ctx, "anything", 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	require.NoError(t, idx.IndexBatch(ctx, []LexicalDocument{{DocID: "a.md#0", Content: "text"}}))

	results, err = idx.Search(ctx, "   ", 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = idx.Search(ctx, "text", 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestBM25Index_IndexingIsIdempotent(t *testing.T) {
	idx, _ := newTestBM25(t)
	ctx := context.Background()
	doc := LexicalDocument{DocID: "a.md#0", Content: "the quick brown fox jumps over the lazy dog"}

	// Given: the document indexed once
	require.NoError(t, idx.IndexBatch(ctx, []LexicalDocument{doc}))
	statsOnce, err := idx.Stats(ctx)
	require.NoError(t, err)
	entryOnce, err := idx.Entry(ctx, "the")
	require.NoError(t, err)
	infoOnce, err := idx.TokenInfo(ctx, doc.DocID)
	require.NoError(t, err)

	// When: indexing the same pair again
	require.NoError(t, idx.IndexBatch(ctx, []LexicalDocument{doc}))

	// Then: the lexical state is unchanged apart from the version counter
	statsTwice, err := idx.Stats(ctx)
	require.NoError(t, err)
	entryTwice, err := idx.Entry(ctx, "the")
	require.NoError(t, err)
	infoTwice, err := idx.TokenInfo(ctx, doc.DocID)
	require.NoError(t, err)

	assert.Equal(t, statsOnce.TotalDocuments, statsTwice.TotalDocuments)
	assert.Equal(t, statsOnce.AverageDocumentLength, statsTwice.AverageDocumentLength)
	assert.Greater(t, statsTwice.Version, statsOnce.Version)
	assert.Equal(t, entryOnce, entryTwice)
	assert.Equal(t, 2, entryTwice.Postings[doc.DocID])
	assert.Equal(t, infoOnce, infoTwice)
	requireConsistent(t, idx)
}

func TestBM25Index_ReplacementDropsOldPostings(t *testing.T) {
	idx, _ := newTestBM25(t)
	ctx := context.Background()

	require.NoError(t, idx.IndexBatch(ctx, []LexicalDocument{{DocID: "a.md#0", Content: "cats"}}))
	require.NoError(t, idx.IndexBatch(ctx, []LexicalDocument{{DocID: "a.md#0", Content: "dogs and more dogs"}}))

	results, err := idx.Search(ctx, "cats", 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	_, err = idx.Entry(ctx, "cats")
	assert.ErrorIs(t, err, ErrNotFound, "emptied entries are deleted")

	stats, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalDocuments)
	assert.InDelta(t, 4.0, stats.AverageDocumentLength, 1e-9)
	requireConsistent(t, idx)
}

func TestBM25Index_DuplicateIDsLastWins(t *testing.T) {
	idx, _ := newTestBM25(t)
	ctx := context.Background()

	require.NoError(t, idx.IndexBatch(ctx, []LexicalDocument{
		{DocID: "a.md#0", Content: "first version"},
		{DocID: "a.md#0", Content: "second edition"},
	}))

	stats, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalDocuments)

	results, err := idx.Search(ctx, "first", 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = idx.Search(ctx, "edition", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	requireConsistent(t, idx)
}

func TestBM25Index_AverageLengthTracksIncrementalUpdates(t *testing.T) {
	idx, _ := newTestBM25(t)
	ctx := context.Background()

	require.NoError(t, idx.IndexBatch(ctx, []LexicalDocument{
		{DocID: "a.md#0", Content: "one two"},
		{DocID: "b.md#0", Content: "one two three four"},
	}))
	stats, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalDocuments)
	assert.InDelta(t, 3.0, stats.AverageDocumentLength, 1e-9)

	require.NoError(t, idx.RemoveBatch(ctx, []string{"b.md#0", "unknown#0"}))
	stats, err = idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalDocuments)
	assert.InDelta(t, 2.0, stats.AverageDocumentLength, 1e-9)

	require.NoError(t, idx.RemoveBatch(ctx, []string{"a.md#0"}))
	stats, err = idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalDocuments)
	assert.Zero(t, stats.AverageDocumentLength)
}

func TestBM25Index_RemoveByFilePathsRoundTrip(t *testing.T) {
	idx, _ := newTestBM25(t)
	ctx := context.Background()

	// Given: chunks of a.md, a prefix-sharing a.mdx, and b.md
	require.NoError(t, idx.IndexBatch(ctx, []LexicalDocument{
		{DocID: "a.md#0", Content: "alpha shared"},
		{DocID: "a.md#1", Content: "beta shared"},
		{DocID: "a.md#title", Content: "alpha title"},
		{DocID: "a.mdx#0", Content: "gamma shared"},
		{DocID: "b.md#0", Content: "delta shared"},
	}))

	// When: removing every chunk of a.md
	require.NoError(t, idx.RemoveByFilePaths(ctx, []string{"a.md"}))

	// Then: only the other files remain
	ids, err := idx.AllIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.mdx#0", "b.md#0"}, ids)

	stats, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalDocuments)

	// And: no posting references a.md
	entry, err := idx.Entry(ctx, "shared")
	require.NoError(t, err)
	for id := range entry.Postings {
		assert.False(t, strings.HasPrefix(id, "a.md#"), id)
	}
	_, err = idx.Entry(ctx, "alpha")
	assert.ErrorIs(t, err, ErrNotFound)
	requireConsistent(t, idx)
}

func TestBM25Index_InvariantsHoldAcrossMixedBatches(t *testing.T) {
	idx, _ := newTestBM25(t)
	ctx := context.Background()

	words := []string{"red", "green", "blue", "cyan", "magenta", "yellow"}
	for round := 0; round < 6; round++ {
		var docs []LexicalDocument
		for i := 0; i < 5; i++ {
			content := strings.Join([]string{words[(round+i)%len(words)], words[i%len(words)], "common"}, " ")
			docs = append(docs, LexicalDocument{DocID: ChunkID(fmt.Sprintf("f%d.md", i), round%3), Content: content})
		}
		require.NoError(t, idx.IndexBatch(ctx, docs))
		if round%2 == 1 {
			require.NoError(t, idx.RemoveBatch(ctx, []string{ChunkID("f1.md", 0), ChunkID("f3.md", 1)}))
		}
		if round == 4 {
			require.NoError(t, idx.RemoveByFilePaths(ctx, []string{"f2.md"}))
		}
		requireConsistent(t, idx)
	}

	ids, err := idx.AllIDs(ctx)
	require.NoError(t, err)
	stats, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(ids), stats.TotalDocuments)
}

func TestBM25Index_WithOpsCommitsExtraOperations(t *testing.T) {
	idx, kv := newTestBM25(t)
	ctx := context.Background()

	// Given: metadata written in the same batch as the lexical write
	extra := []Op{PutOp(NamespaceMetadata, "a.md#0", []byte(`{"id":"a.md#0"}`))}
	require.NoError(t, idx.IndexBatchWithOps(ctx, []LexicalDocument{{DocID: "a.md#0", Content: "hello"}}, extra))

	_, err := kv.Get(ctx, NamespaceMetadata, "a.md#0")
	require.NoError(t, err)

	// When: removing a file with no lexical chunks but pending extra ops
	extra = []Op{DeleteOp(NamespaceMetadata, "a.md#0"), PutOp(NamespaceMetadata, "orphan#0", []byte("{}"))}
	require.NoError(t, idx.RemoveByFilePathsWithOps(ctx, []string{"nothing-here.md"}, extra))

	// Then: the extra ops are still applied
	_, err = kv.Get(ctx, NamespaceMetadata, "a.md#0")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = kv.Get(ctx, NamespaceMetadata, "orphan#0")
	assert.NoError(t, err)
}

func TestBM25Index_ReplaceFilesSwapsChunkSetAtomically(t *testing.T) {
	idx, kv := newTestBM25(t)
	ctx := context.Background()

	// Given: a.md indexed with three chunks and b.md with one
	require.NoError(t, idx.IndexBatch(ctx, []LexicalDocument{
		{DocID: "a.md#0", Content: "old intro text"},
		{DocID: "a.md#1", Content: "old body text"},
		{DocID: "a.md#2", Content: "old tail text"},
		{DocID: "b.md#0", Content: "unrelated text"},
	}))

	// When: a.md is replaced by two chunks, one reusing an id
	extra := []Op{PutOp(NamespaceMetadata, "a.md#0", []byte("{}"))}
	require.NoError(t, idx.ReplaceFilesWithOps(ctx, []string{"a.md"}, []LexicalDocument{
		{DocID: "a.md#0", Content: "new intro"},
		{DocID: "a.md#title", Content: "new title"},
	}, extra))

	// Then: only the new chunk set of a.md remains
	ids, err := idx.AllIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md#0", "a.md#title", "b.md#0"}, ids)

	stats, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalDocuments)
	assert.InDelta(t, (2.0+2.0+2.0)/3.0, stats.AverageDocumentLength, 1e-9)

	_, err = idx.Entry(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = kv.Get(ctx, NamespaceMetadata, "a.md#0")
	assert.NoError(t, err)
	requireConsistent(t, idx)
}

func TestBM25Index_StatsVersionIncrementsOnMutation(t *testing.T) {
	idx, _ := newTestBM25(t)
	ctx := context.Background()

	before, err := idx.Stats(ctx)
	require.NoError(t, err)
	require.NoError(t, idx.IndexBatch(ctx, []LexicalDocument{{DocID: "a.md#0", Content: "x"}}))
	mid, err := idx.Stats(ctx)
	require.NoError(t, err)
	require.NoError(t, idx.RemoveBatch(ctx, []string{"a.md#0"}))
	after, err := idx.Stats(ctx)
	require.NoError(t, err)

	assert.Less(t, before.Version, mid.Version)
	assert.Less(t, mid.Version, after.Version)
}

func TestBM25Index_PersistsThroughStore(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	first, err := NewBM25Index(kv, DefaultBM25Config())
	require.NoError(t, err)
	require.NoError(t, first.IndexBatch(ctx, []LexicalDocument{{DocID: "a.md#0", Content: "persistent words"}}))
	require.NoError(t, first.Close())

	second, err := NewBM25Index(kv, DefaultBM25Config())
	require.NoError(t, err)
	results, err := second.Search(ctx, "persistent", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a.md#0", results[0].DocID)
}

func TestBM25Index_ClosedIndexFails(t *testing.T) {
	idx, _ := newTestBM25(t)
	require.NoError(t, idx.Close())

	_, err := idx.Search(context.Background(), "x", 1)
	assert.ErrorIs(t, err, ErrClosed)
	err = idx.IndexBatch(context.Background(), []LexicalDocument{{DocID: "a#0", Content: "x"}})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewBM25Index_DefaultsInvalidParameters(t *testing.T) {
	idx, err := NewBM25Index(newTestKV(t), BM25Config{K1: -1, B: 2})
	require.NoError(t, err)
	assert.Equal(t, 1.2, idx.config.K1)
	assert.Equal(t, 0.75, idx.config.B)

	_, err = NewBM25Index(nil, DefaultBM25Config())
	assert.Error(t, err)
}
