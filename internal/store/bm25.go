package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
)

// statsKey is the key of the CorpusStats singleton.
const statsKey = "corpus"

// storedStats is the persisted form of CorpusStats. The total token count is
// kept as an integer so the average never drifts across incremental updates.
type storedStats struct {
	TotalDocuments int    `json:"total_documents"`
	TotalTokens    int64  `json:"total_tokens"`
	Version        uint64 `json:"version"`
}

func (s storedStats) corpusStats() CorpusStats {
	cs := CorpusStats{TotalDocuments: s.TotalDocuments, Version: s.Version}
	if s.TotalDocuments > 0 {
		cs.AverageDocumentLength = float64(s.TotalTokens) / float64(s.TotalDocuments)
	}
	return cs
}

// BM25Index is an incrementally maintained Okapi BM25 index stored in the
// lexical namespaces of a TransactionalStore.
//
// Writes follow a two-phase protocol: tokens are computed outside the
// transaction, a read phase loads the superseded token info and every touched
// inverted-index entry, and a single atomic batch writes postings, token info
// and the updated stats. Corpus statistics are derived analytically from the
// delta, never by recounting.
type BM25Index struct {
	kv     TransactionalStore
	config BM25Config
	logger *slog.Logger

	// writeMu serialises the read-then-write protocol within this process.
	writeMu sync.Mutex

	stats   *VersionedCache[string, storedStats]
	terms   *VersionedCache[string, InvertedIndexEntry]
	docLens *VersionedCache[string, int]

	mu     sync.RWMutex
	closed bool
}

// Verify interface implementation at compile time
var _ LexicalIndex = (*BM25Index)(nil)

// BM25Option configures a BM25Index.
type BM25Option func(*BM25Index)

// WithBM25Logger sets the logger.
func WithBM25Logger(logger *slog.Logger) BM25Option {
	return func(b *BM25Index) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithBM25CacheSize sets the size of the term and length caches.
func WithBM25CacheSize(size int) BM25Option {
	return func(b *BM25Index) {
		b.terms = NewVersionedCache[string, InvertedIndexEntry](size)
		b.docLens = NewVersionedCache[string, int](size)
	}
}

// NewBM25Index creates a BM25 index over kv.
func NewBM25Index(kv TransactionalStore, config BM25Config, opts ...BM25Option) (*BM25Index, error) {
	if kv == nil {
		return nil, errors.New("bm25 index requires a store")
	}
	if config.K1 <= 0 {
		config.K1 = DefaultBM25Config().K1
	}
	if config.B < 0 || config.B > 1 {
		config.B = DefaultBM25Config().B
	}

	b := &BM25Index{
		kv:      kv,
		config:  config,
		logger:  slog.Default(),
		stats:   NewVersionedCache[string, storedStats](1),
		terms:   NewVersionedCache[string, InvertedIndexEntry](DefaultCacheSize),
		docLens: NewVersionedCache[string, int](DefaultCacheSize),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// preparedDoc holds the tokenization of one incoming chunk.
type preparedDoc struct {
	id     string
	tokens []string
	tf     map[string]int
}

// BatchJoiner is implemented by lexical indexes living in a TransactionalStore
// that can commit extra operations in the same transaction as their own
// writes, so metadata and embeddings change together with the postings.
type BatchJoiner interface {
	Store() TransactionalStore
	IndexBatchWithOps(ctx context.Context, docs []LexicalDocument, extra []Op) error
	RemoveBatchWithOps(ctx context.Context, docIDs []string, extra []Op) error
	RemoveByFilePathsWithOps(ctx context.Context, filePaths []string, extra []Op) error
	ReplaceFilesWithOps(ctx context.Context, filePaths []string, docs []LexicalDocument, extra []Op) error
}

var _ BatchJoiner = (*BM25Index)(nil)

// Store returns the underlying store.
func (b *BM25Index) Store() TransactionalStore {
	return b.kv
}

// IndexBatch adds or replaces chunks. Within one batch the last occurrence of a
// doc id wins.
func (b *BM25Index) IndexBatch(ctx context.Context, docs []LexicalDocument) error {
	return b.IndexBatchWithOps(ctx, docs, nil)
}

// IndexBatchWithOps is IndexBatch with extra operations committed atomically
// alongside the lexical writes.
func (b *BM25Index) IndexBatchWithOps(ctx context.Context, docs []LexicalDocument, extra []Op) error {
	return b.ReplaceFilesWithOps(ctx, nil, docs, extra)
}

// RemoveBatch removes chunks by id. Unknown ids are ignored.
func (b *BM25Index) RemoveBatch(ctx context.Context, docIDs []string) error {
	return b.RemoveBatchWithOps(ctx, docIDs, nil)
}

// RemoveBatchWithOps is RemoveBatch with extra operations committed atomically.
func (b *BM25Index) RemoveBatchWithOps(ctx context.Context, docIDs []string, extra []Op) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	infos, err := b.loadTokenInfos(ctx, uniqueStrings(docIDs))
	if err != nil {
		return err
	}
	return b.commit(ctx, nil, infos, nil, extra)
}

// RemoveByFilePaths removes every chunk belonging to the given files. Chunk
// ids are resolved with one ordered prefix scan per path, which also yields
// the token info needed to undo each chunk.
func (b *BM25Index) RemoveByFilePaths(ctx context.Context, filePaths []string) error {
	return b.RemoveByFilePathsWithOps(ctx, filePaths, nil)
}

// RemoveByFilePathsWithOps is RemoveByFilePaths with extra operations
// committed atomically.
func (b *BM25Index) RemoveByFilePathsWithOps(ctx context.Context, filePaths []string, extra []Op) error {
	return b.ReplaceFilesWithOps(ctx, filePaths, nil, extra)
}

// ReplaceFilesWithOps removes every chunk of filePaths and indexes docs in
// the same atomic batch, together with extra. Re-indexing a document this
// way never exposes a state where its old and new chunk sets coexist.
func (b *BM25Index) ReplaceFilesWithOps(ctx context.Context, filePaths []string, docs []LexicalDocument, extra []Op) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	// Tokenization happens before any store access.
	prepared := make([]preparedDoc, 0, len(docs))
	position := make(map[string]int, len(docs))
	for _, d := range docs {
		tokens := Tokenize(d.Content, b.config.Tokenizer)
		p := preparedDoc{id: d.DocID, tokens: tokens, tf: CalculateTermFrequency(tokens)}
		if i, dup := position[d.DocID]; dup {
			prepared[i] = p
			continue
		}
		position[d.DocID] = len(prepared)
		prepared = append(prepared, p)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	ids := make([]string, len(prepared))
	for i, p := range prepared {
		ids[i] = p.id
	}
	superseded, err := b.loadTokenInfos(ctx, ids)
	if err != nil {
		return err
	}
	removed, err := b.resolveFilePaths(ctx, filePaths)
	if err != nil {
		return err
	}
	for id := range superseded {
		delete(removed, id)
	}
	return b.commit(ctx, prepared, removed, superseded, extra)
}

// resolveFilePaths scans the doc-token namespace for the chunks of each path.
func (b *BM25Index) resolveFilePaths(ctx context.Context, filePaths []string) (map[string]DocumentTokenInfo, error) {
	infos := make(map[string]DocumentTokenInfo)
	for _, path := range uniqueStrings(filePaths) {
		err := b.kv.Iterate(ctx, NamespaceLexicalDocs, path+chunkIDSeparator, func(key string, value []byte) error {
			if FilePathOf(key) != path {
				return nil
			}
			var info DocumentTokenInfo
			if err := json.Unmarshal(value, &info); err != nil {
				return fmt.Errorf("decode token info %s: %w", key, err)
			}
			infos[key] = info
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("resolve chunks of %s: %w", path, err)
		}
	}
	return infos, nil
}

// commit runs the read and write phases of one lexical batch: prepared docs
// are written (replacing superseded ones), removed docs are deleted. The ids
// of removed and prepared are disjoint; superseded is keyed by prepared ids.
// Caller holds writeMu.
func (b *BM25Index) commit(ctx context.Context, prepared []preparedDoc, removed, superseded map[string]DocumentTokenInfo, extra []Op) error {
	if len(prepared) == 0 && len(removed) == 0 {
		return b.applyExtra(ctx, extra)
	}

	// Read phase.
	touched := make(map[string]struct{})
	for _, p := range prepared {
		for tok := range p.tf {
			touched[tok] = struct{}{}
		}
	}
	for _, set := range []map[string]DocumentTokenInfo{superseded, removed} {
		for _, info := range set {
			for _, tok := range info.Tokens {
				touched[tok] = struct{}{}
			}
		}
	}
	entries, err := b.loadEntriesForWrite(ctx, touched)
	if err != nil {
		return err
	}
	stats, err := b.loadStats(ctx)
	if err != nil {
		return err
	}

	// Compute phase.
	var oldTokens int64
	for _, set := range []map[string]DocumentTokenInfo{superseded, removed} {
		for id, info := range set {
			oldTokens += int64(info.Length)
			for _, tok := range info.Tokens {
				delete(entries[tok].Postings, id)
			}
		}
	}
	var added int
	var newTokens int64
	for _, p := range prepared {
		if _, replaced := superseded[p.id]; !replaced {
			added++
		}
		newTokens += int64(len(p.tokens))
		for tok, f := range p.tf {
			entries[tok].Postings[p.id] = f
		}
	}

	next := storedStats{
		TotalDocuments: max(stats.TotalDocuments+added-len(removed), 0),
		TotalTokens:    max(stats.TotalTokens+newTokens-oldTokens, 0),
		Version:        stats.Version + 1,
	}

	// Write phase.
	ops := make([]Op, 0, len(entries)+len(prepared)+len(removed)+len(extra)+1)
	ops, err = appendEntryOps(ops, entries)
	if err != nil {
		return err
	}
	for _, p := range prepared {
		value, err := json.Marshal(DocumentTokenInfo{DocID: p.id, Tokens: p.tokens, Length: len(p.tokens)})
		if err != nil {
			return fmt.Errorf("encode token info %s: %w", p.id, err)
		}
		ops = append(ops, PutOp(NamespaceLexicalDocs, p.id, value))
	}
	for id := range removed {
		ops = append(ops, DeleteOp(NamespaceLexicalDocs, id))
	}
	ops, err = appendStatsOp(ops, next)
	if err != nil {
		return err
	}
	ops = append(ops, extra...)

	if err := b.kv.Batch(ctx, ops); err != nil {
		return fmt.Errorf("bm25 batch: %w", err)
	}
	b.invalidate()

	b.logger.Debug("bm25_batch_committed",
		slog.Int("indexed", len(prepared)),
		slog.Int("replaced", len(superseded)),
		slog.Int("removed", len(removed)),
		slog.Int("terms_touched", len(entries)),
		slog.Int("total_documents", next.TotalDocuments),
		slog.Uint64("version", next.Version))
	return nil
}

// Search scores every chunk sharing at least one token with the query.
func (b *BM25Index) Search(ctx context.Context, query string, topK int) ([]*BM25Result, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return []*BM25Result{}, nil
	}

	tokens := uniqueStrings(Tokenize(query, b.config.Tokenizer))
	if len(tokens) == 0 {
		return []*BM25Result{}, nil
	}

	stats, err := b.Stats(ctx)
	if err != nil {
		return nil, err
	}
	if stats.TotalDocuments == 0 {
		return []*BM25Result{}, nil
	}

	entries, err := b.cachedEntries(ctx, tokens)
	if err != nil {
		return nil, err
	}

	// Collect candidate docs to fetch their lengths in one read.
	candidates := make(map[string]struct{})
	for _, e := range entries {
		for id := range e.Postings {
			candidates[id] = struct{}{}
		}
	}
	lengths, err := b.cachedLengths(ctx, candidates)
	if err != nil {
		return nil, err
	}

	n := float64(stats.TotalDocuments)
	avgLen := stats.AverageDocumentLength
	if avgLen <= 0 {
		avgLen = 1
	}
	k1, bb := b.config.K1, b.config.B

	scores := make(map[string]float64, len(candidates))
	matched := make(map[string][]string, len(candidates))
	for _, tok := range tokens {
		e, ok := entries[tok]
		if !ok || len(e.Postings) == 0 {
			continue
		}
		df := float64(e.DocumentFrequency)
		idf := math.Log((n-df+0.5)/(df+0.5) + 1)
		for id, f := range e.Postings {
			tf := float64(f)
			docLen := float64(lengths[id])
			scores[id] += idf * (tf * (k1 + 1)) / (tf + k1*(1-bb+bb*(docLen/avgLen)))
			matched[id] = append(matched[id], tok)
		}
	}

	results := make([]*BM25Result, 0, len(scores))
	for id, s := range scores {
		results = append(results, &BM25Result{DocID: id, Score: s, MatchedTerms: matched[id]})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocID < results[j].DocID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Stats returns the current corpus statistics.
func (b *BM25Index) Stats(ctx context.Context) (CorpusStats, error) {
	if err := b.checkOpen(); err != nil {
		return CorpusStats{}, err
	}
	if s, ok := b.stats.Get(statsKey); ok {
		return s.corpusStats(), nil
	}
	version := b.stats.Version()
	s, err := b.loadStats(ctx)
	if err != nil {
		return CorpusStats{}, err
	}
	b.stats.Add(version, statsKey, s)
	return s.corpusStats(), nil
}

// AllIDs returns every indexed chunk id in key order.
func (b *BM25Index) AllIDs(ctx context.Context) ([]string, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var ids []string
	err := b.kv.Iterate(ctx, NamespaceLexicalDocs, "", func(key string, _ []byte) error {
		ids = append(ids, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list lexical ids: %w", err)
	}
	return ids, nil
}

// TokenInfo returns the stored token info of one chunk.
func (b *BM25Index) TokenInfo(ctx context.Context, docID string) (DocumentTokenInfo, error) {
	infos, err := b.loadTokenInfos(ctx, []string{docID})
	if err != nil {
		return DocumentTokenInfo{}, err
	}
	info, ok := infos[docID]
	if !ok {
		return DocumentTokenInfo{}, ErrNotFound
	}
	return info, nil
}

// Entry returns the stored inverted-index entry of one token.
func (b *BM25Index) Entry(ctx context.Context, token string) (InvertedIndexEntry, error) {
	value, err := b.kv.Get(ctx, NamespaceLexicalTerms, token)
	if err != nil {
		return InvertedIndexEntry{}, err
	}
	var e InvertedIndexEntry
	if err := json.Unmarshal(value, &e); err != nil {
		return InvertedIndexEntry{}, fmt.Errorf("decode entry %s: %w", token, err)
	}
	return e, nil
}

// Close marks the index closed. The underlying store is owned by the caller.
func (b *BM25Index) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *BM25Index) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bm25 index: %w", ErrClosed)
	}
	return nil
}

func (b *BM25Index) applyExtra(ctx context.Context, extra []Op) error {
	if len(extra) == 0 {
		return nil
	}
	if err := b.kv.Batch(ctx, extra); err != nil {
		return fmt.Errorf("bm25 batch: %w", err)
	}
	return nil
}

func (b *BM25Index) invalidate() {
	b.stats.Bump()
	b.terms.Bump()
	b.docLens.Bump()
}

func (b *BM25Index) loadStats(ctx context.Context) (storedStats, error) {
	value, err := b.kv.Get(ctx, NamespaceLexicalStats, statsKey)
	if errors.Is(err, ErrNotFound) {
		return storedStats{}, nil
	}
	if err != nil {
		return storedStats{}, fmt.Errorf("load corpus stats: %w", err)
	}
	var s storedStats
	if err := json.Unmarshal(value, &s); err != nil {
		return storedStats{}, fmt.Errorf("decode corpus stats: %w", err)
	}
	return s, nil
}

func (b *BM25Index) loadTokenInfos(ctx context.Context, ids []string) (map[string]DocumentTokenInfo, error) {
	raw, err := b.kv.GetMany(ctx, NamespaceLexicalDocs, ids)
	if err != nil {
		return nil, fmt.Errorf("load token infos: %w", err)
	}
	infos := make(map[string]DocumentTokenInfo, len(raw))
	for id, value := range raw {
		var info DocumentTokenInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return nil, fmt.Errorf("decode token info %s: %w", id, err)
		}
		infos[id] = info
	}
	return infos, nil
}

// loadEntriesForWrite reads the touched entries straight from the store and
// returns mutable copies, creating empty entries for new tokens.
func (b *BM25Index) loadEntriesForWrite(ctx context.Context, touched map[string]struct{}) (map[string]*InvertedIndexEntry, error) {
	tokens := make([]string, 0, len(touched))
	for tok := range touched {
		tokens = append(tokens, tok)
	}
	raw, err := b.kv.GetMany(ctx, NamespaceLexicalTerms, tokens)
	if err != nil {
		return nil, fmt.Errorf("load inverted entries: %w", err)
	}

	entries := make(map[string]*InvertedIndexEntry, len(tokens))
	for _, tok := range tokens {
		e := &InvertedIndexEntry{Token: tok, Postings: make(map[string]int)}
		if value, ok := raw[tok]; ok {
			if err := json.Unmarshal(value, e); err != nil {
				return nil, fmt.Errorf("decode entry %s: %w", tok, err)
			}
			if e.Postings == nil {
				e.Postings = make(map[string]int)
			}
		}
		entries[tok] = e
	}
	return entries, nil
}

func (b *BM25Index) cachedEntries(ctx context.Context, tokens []string) (map[string]InvertedIndexEntry, error) {
	out := make(map[string]InvertedIndexEntry, len(tokens))
	var missing []string
	for _, tok := range tokens {
		if e, ok := b.terms.Get(tok); ok {
			out[tok] = e
			continue
		}
		missing = append(missing, tok)
	}
	if len(missing) == 0 {
		return out, nil
	}

	version := b.terms.Version()
	raw, err := b.kv.GetMany(ctx, NamespaceLexicalTerms, missing)
	if err != nil {
		return nil, fmt.Errorf("load inverted entries: %w", err)
	}
	for tok, value := range raw {
		var e InvertedIndexEntry
		if err := json.Unmarshal(value, &e); err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", tok, err)
		}
		out[tok] = e
		b.terms.Add(version, tok, e)
	}
	return out, nil
}

func (b *BM25Index) cachedLengths(ctx context.Context, ids map[string]struct{}) (map[string]int, error) {
	out := make(map[string]int, len(ids))
	var missing []string
	for id := range ids {
		if n, ok := b.docLens.Get(id); ok {
			out[id] = n
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	version := b.docLens.Version()
	infos, err := b.loadTokenInfos(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, info := range infos {
		out[id] = info.Length
		b.docLens.Add(version, id, info.Length)
	}
	return out, nil
}

// appendEntryOps writes non-empty entries and deletes emptied ones, keeping
// DocumentFrequency equal to the posting count.
func appendEntryOps(ops []Op, entries map[string]*InvertedIndexEntry) ([]Op, error) {
	for tok, e := range entries {
		e.DocumentFrequency = len(e.Postings)
		if e.DocumentFrequency == 0 {
			ops = append(ops, DeleteOp(NamespaceLexicalTerms, tok))
			continue
		}
		value, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("encode entry %s: %w", tok, err)
		}
		ops = append(ops, PutOp(NamespaceLexicalTerms, tok, value))
	}
	return ops, nil
}

func appendStatsOp(ops []Op, s storedStats) ([]Op, error) {
	value, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode corpus stats: %w", err)
	}
	return append(ops, PutOp(NamespaceLexicalStats, statsKey, value)), nil
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
