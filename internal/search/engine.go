package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/hybridrank/internal/chunk"
	"github.com/Aman-CERP/hybridrank/internal/embed"
	apperrors "github.com/Aman-CERP/hybridrank/internal/errors"
	"github.com/Aman-CERP/hybridrank/internal/metrics"
	"github.com/Aman-CERP/hybridrank/internal/store"
)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// WriteLocker serialises the mutations of one collection.
type WriteLocker interface {
	Lock(ctx context.Context) error
	Unlock() error
}

// mutexLocker is the in-process WriteLocker used when none is configured.
type mutexLocker struct {
	ch chan struct{}
}

func newMutexLocker() *mutexLocker {
	return &mutexLocker{ch: make(chan struct{}, 1)}
}

func (l *mutexLocker) Lock(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *mutexLocker) Unlock() error {
	<-l.ch
	return nil
}

// Engine is the retrieval orchestrator of one collection. Searches run
// concurrently; mutations are serialised by the WriteLocker.
type Engine struct {
	lexical  store.LexicalIndex
	vectors  *store.VectorIndex
	metadata *store.MetadataStore
	embedder embed.Embedder
	chunker  *chunk.Chunker

	queue   *RerankQueue
	metrics *metrics.Metrics
	locker  WriteLocker
	logger  *slog.Logger
	config  EngineConfig

	mu     sync.RWMutex
	closed bool
}

// EngineOption configures the search engine.
type EngineOption func(*Engine)

// WithReranker reranks the merged chunk candidates of every query through a
// FIFO queue. The engine owns r and closes it.
func WithReranker(r Reranker) EngineOption {
	return func(e *Engine) {
		if r != nil {
			e.queue = NewRerankQueue(r, DefaultQueueCapacity)
		}
	}
}

// WithMetrics records query and indexing metrics.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithWriteLocker replaces the in-process write lock, e.g. by a lock that
// also excludes other processes.
func WithWriteLocker(l WriteLocker) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.locker = l
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithConfig replaces the engine defaults.
func WithConfig(cfg EngineConfig) EngineOption {
	return func(e *Engine) {
		e.config = cfg
	}
}

// NewEngine creates a retrieval engine over the given stores.
// Returns an error if any required dependency is nil.
func NewEngine(
	lexical store.LexicalIndex,
	vectors *store.VectorIndex,
	metadata *store.MetadataStore,
	embedder embed.Embedder,
	chunker *chunk.Chunker,
	opts ...EngineOption,
) (*Engine, error) {
	if lexical == nil {
		return nil, fmt.Errorf("%w: lexical index is required", ErrNilDependency)
	}
	if vectors == nil {
		return nil, fmt.Errorf("%w: vector index is required", ErrNilDependency)
	}
	if metadata == nil {
		return nil, fmt.Errorf("%w: metadata store is required", ErrNilDependency)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrNilDependency)
	}
	if chunker == nil {
		return nil, fmt.Errorf("%w: chunker is required", ErrNilDependency)
	}

	e := &Engine{
		lexical:  lexical,
		vectors:  vectors,
		metadata: metadata,
		embedder: embedder,
		chunker:  chunker,
		locker:   newMutexLocker(),
		logger:   slog.Default(),
		config:   DefaultConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.queue != nil {
		// Options may run in any order; the queue picks up the final ones.
		e.queue.logger = e.logger
		e.queue.metrics = e.metrics
	}
	return e, nil
}

// Config returns the engine defaults.
func (e *Engine) Config() EngineConfig {
	return e.config
}

// Embedder returns the embedder.
func (e *Engine) Embedder() embed.Embedder {
	return e.embedder
}

func (e *Engine) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return fmt.Errorf("search engine: %w", store.ErrClosed)
	}
	return nil
}

// resolved holds the effective parameters of one query.
type resolved struct {
	SearchOptions
	candidates int
	params     AggregationParams
	fusion     FusionConfig
}

// applyDefaults fills in default values for search options.
func (e *Engine) applyDefaults(opts SearchOptions) (resolved, error) {
	cfg := e.config
	if opts.Limit <= 0 {
		opts.Limit = cfg.DefaultLimit
	}
	if cfg.MaxLimit > 0 && opts.Limit > cfg.MaxLimit {
		opts.Limit = cfg.MaxLimit
	}
	if opts.RetrievalMultiplier <= 0 {
		opts.RetrievalMultiplier = max(cfg.RetrievalMultiplier, 1)
	}
	if opts.Mode == "" {
		opts.Mode = ModeHybrid
	}
	if _, err := ParseSearchMode(string(opts.Mode)); err != nil {
		return resolved{}, apperrors.ValidationError(err.Error(), err)
	}
	if opts.LexicalAggregation == "" {
		opts.LexicalAggregation = cfg.LexicalAggregation
	}
	if opts.VectorAggregation == "" {
		opts.VectorAggregation = cfg.VectorAggregation
	}
	for _, m := range []AggregationMethod{opts.LexicalAggregation, opts.VectorAggregation} {
		if _, err := ParseAggregationMethod(string(m)); err != nil {
			return resolved{}, apperrors.ValidationError(err.Error(), err)
		}
	}
	if opts.TitleWeight == 0 && opts.ContentWeight == 0 {
		opts.TitleWeight = cfg.TitleWeight
		opts.ContentWeight = cfg.ContentWeight
	}
	if opts.RerankCandidates <= 0 {
		opts.RerankCandidates = cfg.RerankCandidates
	}

	r := resolved{
		SearchOptions: opts,
		candidates:    opts.Limit * opts.RetrievalMultiplier,
		params:        cfg.Aggregation,
		fusion:        cfg.Fusion,
	}
	if opts.Aggregation != nil {
		r.params = *opts.Aggregation
	}
	if opts.Fusion != nil {
		r.fusion = *opts.Fusion
	}
	r.params = r.params.withDefaults()
	return r, nil
}

// retrieval holds the per-signal chunk hits of one query.
type retrieval struct {
	lexical    []ChunkResult
	vector     []ChunkResult
	lexicalErr error
	vectorErr  error
	degraded   Degradation
}

// Search runs a file level hybrid query.
//
// Lexical and vector retrieval run in parallel with Limit*RetrievalMultiplier
// candidates each. Chunk hits are aggregated into file lists per signal and
// fused with RRF. When a reranker is configured and ready, the two chunk
// lists are interleaved into one candidate set of at most RerankCandidates,
// reranked and re-aggregated by max_p; fused files the reranker never saw
// follow in fused order. A failing signal
// degrades the query; only the failure of every requested signal fails it.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) (*SearchResponse, error) {
	start := time.Now()
	resp, err := e.search(ctx, query, opts)
	e.observe(start, resp, err)
	return resp, err
}

func (e *Engine) search(ctx context.Context, query string, opts SearchOptions) (*SearchResponse, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperrors.New(apperrors.ErrCodeQueryEmpty, "query is empty", nil)
	}
	r, err := e.applyDefaults(opts)
	if err != nil {
		return nil, err
	}
	if e.config.SearchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.SearchTimeout)
		defer cancel()
	}

	start := time.Now()
	hits, err := e.retrieve(ctx, query, r)
	if err != nil {
		return nil, err
	}

	lexicalFiles := e.aggregateLexical(hits.lexical, r)
	vectorFiles := AggregateChunkScores(hits.vector, r.VectorAggregation, r.params)
	results := FuseFileResults(lexicalFiles, vectorFiles, r.fusion)

	resp := &SearchResponse{
		Query:       query,
		Degraded:    hits.degraded,
		LexicalHits: len(hits.lexical),
		VectorHits:  len(hits.vector),
	}

	candidates := DedupeChunks(interleave(hits.lexical, hits.vector))
	if reranked, ok := e.rerank(ctx, query, candidates, r, &resp.Degraded); ok {
		results = appendUnrankedFiles(AggregateChunkScores(reranked, AggregateMaxP, r.params), results)
		resp.Reranked = true
	}

	if len(results) > r.Limit {
		results = results[:r.Limit]
	}
	resp.Results = results
	resp.Duration = time.Since(start)

	e.logger.Debug("search_done",
		slog.String("query", query),
		slog.String("mode", string(r.Mode)),
		slog.Int("lexical_hits", resp.LexicalHits),
		slog.Int("vector_hits", resp.VectorHits),
		slog.Int("results", len(results)),
		slog.Bool("reranked", resp.Reranked),
		slog.Duration("duration", resp.Duration))
	return resp, nil
}

// SearchChunks runs a chunk level hybrid query: the lexical and vector
// chunk lists are fused with RRF by chunk id, then reranked when possible.
func (e *Engine) SearchChunks(ctx context.Context, query string, opts SearchOptions) (*ChunkResponse, error) {
	start := time.Now()
	resp, err := e.searchChunks(ctx, query, opts)
	var fileResp *SearchResponse
	if resp != nil {
		fileResp = &SearchResponse{Degraded: resp.Degraded}
	}
	e.observe(start, fileResp, err)
	return resp, err
}

func (e *Engine) searchChunks(ctx context.Context, query string, opts SearchOptions) (*ChunkResponse, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperrors.New(apperrors.ErrCodeQueryEmpty, "query is empty", nil)
	}
	r, err := e.applyDefaults(opts)
	if err != nil {
		return nil, err
	}
	if e.config.SearchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.SearchTimeout)
		defer cancel()
	}

	start := time.Now()
	hits, err := e.retrieve(ctx, query, r)
	if err != nil {
		return nil, err
	}

	resp := &ChunkResponse{Query: query, Degraded: hits.degraded}
	chunks := FuseChunkResults(hits.lexical, hits.vector, r.fusion)
	if reranked, ok := e.rerank(ctx, query, DedupeChunks(interleave(hits.lexical, hits.vector)), r, &resp.Degraded); ok {
		chunks = appendUnrankedChunks(reranked, chunks)
		resp.Reranked = true
	}
	if len(chunks) > r.Limit {
		chunks = chunks[:r.Limit]
	}
	resp.Chunks = chunks
	resp.Duration = time.Since(start)
	return resp, nil
}

// retrieve runs the requested signals in parallel and enriches their hits
// from metadata.
func (e *Engine) retrieve(ctx context.Context, query string, r resolved) (*retrieval, error) {
	var (
		bm25Results []*store.BM25Result
		vecResults  []*store.VectorResult
		out         retrieval
	)

	g, gctx := errgroup.WithContext(ctx)

	if r.Mode != ModeVector {
		g.Go(func() error {
			var err error
			bm25Results, err = e.lexical.Search(gctx, query, r.candidates)
			if err != nil {
				// Don't fail the group, the vector signal may still answer.
				out.lexicalErr = err
			}
			return nil
		})
	}

	if r.Mode != ModeLexical {
		g.Go(func() error {
			embedStart := time.Now()
			vec, err := e.embedder.Embed(gctx, query, embed.KindQuery)
			e.metrics.ObserveEmbedding(time.Since(embedStart))
			if err != nil {
				out.vectorErr = err
				return nil
			}
			vecResults, err = e.vectors.Search(gctx, vec, nil, r.candidates)
			if err != nil {
				out.vectorErr = err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch {
	case r.Mode == ModeLexical && out.lexicalErr != nil:
		return nil, allSignalsFailed(out.lexicalErr)
	case r.Mode == ModeVector && out.vectorErr != nil:
		return nil, allSignalsFailed(out.vectorErr)
	case out.lexicalErr != nil && out.vectorErr != nil:
		return nil, allSignalsFailed(out.lexicalErr, out.vectorErr)
	}
	if out.lexicalErr != nil {
		out.degraded.Lexical = true
		e.logger.Warn("lexical_search_failed",
			slog.String("fallback", "vector"),
			slog.String("error", out.lexicalErr.Error()))
	}
	if out.vectorErr != nil {
		out.degraded.Vector = true
		e.logger.Warn("vector_search_failed",
			slog.String("fallback", "lexical"),
			slog.String("error", out.vectorErr.Error()))
	}

	ids := make([]string, 0, len(bm25Results)+len(vecResults))
	for _, h := range bm25Results {
		ids = append(ids, h.DocID)
	}
	for _, h := range vecResults {
		ids = append(ids, h.ID)
	}
	records, err := e.metadata.GetChunks(ctx, ids)
	if err != nil {
		return nil, apperrors.StoreError("load chunk metadata", err)
	}

	for _, h := range bm25Results {
		if c, ok := e.chunkResult(h.DocID, h.Score, records); ok {
			out.lexical = append(out.lexical, c)
		}
	}
	for _, h := range vecResults {
		if c, ok := e.chunkResult(h.ID, h.Score, records); ok {
			out.vector = append(out.vector, c)
		}
	}
	return &out, nil
}

func allSignalsFailed(causes ...error) error {
	return apperrors.New(apperrors.ErrCodeSearchFailed, "no retrieval signal is available",
		errors.Join(append([]error{ErrAllSignalsFailed}, causes...)...))
}

// chunkResult builds the result of one hit. Hits without a metadata record
// are skipped; they can only come from an interrupted write.
func (e *Engine) chunkResult(id string, score float64, records map[string]*store.ChunkMetadata) (ChunkResult, bool) {
	meta, ok := records[id]
	if !ok {
		e.logger.Debug("search_hit_without_metadata", slog.String("chunk_id", id))
		return ChunkResult{}, false
	}
	parsed, err := store.ParseChunkID(id)
	if err != nil {
		e.logger.Debug("search_hit_invalid_id", slog.String("chunk_id", id))
		return ChunkResult{}, false
	}
	return ChunkResult{
		ChunkID:    id,
		FilePath:   parsed.FilePath,
		ChunkIndex: parsed.Index,
		Content:    meta.Content,
		Score:      score,
		Metadata:   meta,
	}, true
}

// aggregateLexical turns lexical chunk hits into files. With a positive
// title weight, title chunk hits are scored apart and blended in.
func (e *Engine) aggregateLexical(chunks []ChunkResult, r resolved) []SearchResult {
	if r.TitleWeight <= 0 {
		return AggregateChunkScores(chunks, r.LexicalAggregation, r.params)
	}
	var titles, bodies []ChunkResult
	for _, c := range chunks {
		if c.IsTitle() {
			titles = append(titles, c)
		} else {
			bodies = append(bodies, c)
		}
	}
	return CombineSearchResults(
		AggregateChunkScores(titles, AggregateMaxP, r.params),
		AggregateChunkScores(bodies, r.LexicalAggregation, r.params),
		r.TitleWeight, r.ContentWeight, 0)
}

// rerank sends candidates through the rerank queue. It reports false when
// no reranking happened: no reranker, reranker not ready or failing.
func (e *Engine) rerank(ctx context.Context, query string, candidates []ChunkResult, r resolved, degraded *Degradation) ([]ChunkResult, bool) {
	if e.queue == nil || r.SkipRerank || len(candidates) == 0 {
		return nil, false
	}
	if !e.queue.Ready(ctx) {
		degraded.Rerank = true
		e.logger.Info("rerank_skipped", slog.String("reason", "reranker not ready"))
		return nil, false
	}

	if len(candidates) > r.RerankCandidates {
		candidates = candidates[:r.RerankCandidates]
	}
	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Content
	}

	scored, err := e.queue.Rerank(ctx, query, docs, 0)
	if err != nil {
		degraded.Rerank = true
		e.logger.Warn("rerank_failed",
			append([]any{slog.Int("candidates", len(docs))}, apperrors.LogAttrs(err)...)...)
		return nil, false
	}

	out := make([]ChunkResult, 0, len(scored))
	for _, s := range scored {
		if s.Index < 0 || s.Index >= len(candidates) {
			continue
		}
		c := candidates[s.Index]
		c.Score = s.Score
		out = append(out, c)
	}
	sortChunks(out)
	return out, true
}

// interleave alternates the hits of two ranked lists, a first at each rank,
// so neither signal can fill a truncated candidate budget on its own.
func interleave(a, b []ChunkResult) []ChunkResult {
	out := make([]ChunkResult, 0, len(a)+len(b))
	for i := 0; i < len(a) || i < len(b); i++ {
		if i < len(a) {
			out = append(out, a[i])
		}
		if i < len(b) {
			out = append(out, b[i])
		}
	}
	return out
}

// appendUnrankedFiles appends the fused files missing from reranked, in fused
// order. Their scores are capped at the lowest reranked score so the list
// stays sorted.
func appendUnrankedFiles(reranked, fused []SearchResult) []SearchResult {
	if len(reranked) == 0 {
		return fused
	}
	seen := make(map[string]struct{}, len(reranked))
	for _, r := range reranked {
		seen[r.FilePath] = struct{}{}
	}
	floor := reranked[len(reranked)-1].Score
	for _, f := range fused {
		if _, ok := seen[f.FilePath]; ok {
			continue
		}
		f.Score = min(f.Score, floor)
		reranked = append(reranked, f)
	}
	return reranked
}

// appendUnrankedChunks is appendUnrankedFiles for chunk lists.
func appendUnrankedChunks(reranked, fused []ChunkResult) []ChunkResult {
	if len(reranked) == 0 {
		return fused
	}
	seen := make(map[string]struct{}, len(reranked))
	for _, c := range reranked {
		seen[c.ChunkID] = struct{}{}
	}
	floor := reranked[len(reranked)-1].Score
	for _, c := range fused {
		if _, ok := seen[c.ChunkID]; ok {
			continue
		}
		c.Score = min(c.Score, floor)
		reranked = append(reranked, c)
	}
	return reranked
}

// observe records the outcome of one query.
func (e *Engine) observe(start time.Time, resp *SearchResponse, err error) {
	if e.metrics == nil {
		return
	}
	d := time.Since(start)
	if err != nil {
		e.metrics.ObserveQuery(metrics.OutcomeFailed, d)
		return
	}
	var signals []string
	if resp.Degraded.Lexical {
		signals = append(signals, metrics.SignalLexical)
	}
	if resp.Degraded.Vector {
		signals = append(signals, metrics.SignalVector)
	}
	if resp.Degraded.Rerank {
		signals = append(signals, metrics.SignalRerank)
	}
	outcome := metrics.OutcomeOK
	if len(signals) > 0 {
		outcome = metrics.OutcomeDegraded
	}
	e.metrics.ObserveQuery(outcome, d, signals...)
}

// Stats describes the indexed collection.
func (e *Engine) Stats(ctx context.Context) (*EngineStats, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	lexical, err := e.lexical.Stats(ctx)
	if err != nil {
		return nil, apperrors.StoreError("load lexical stats", err)
	}
	files, err := e.metadata.FilePaths(ctx)
	if err != nil {
		return nil, apperrors.StoreError("list files", err)
	}
	chunks, err := e.metadata.AllIDs(ctx)
	if err != nil {
		return nil, apperrors.StoreError("list chunks", err)
	}
	vectors, err := e.vectors.AllIDs(ctx)
	if err != nil {
		return nil, apperrors.StoreError("list vectors", err)
	}
	return &EngineStats{
		Files:      len(files),
		Chunks:     len(chunks),
		Vectors:    len(vectors),
		Dimensions: e.vectors.Dimensions(),
		Lexical:    lexical,
		Model:      e.embedder.ModelName(),
	}, nil
}

// Close stops the rerank queue. The stores and the embedder belong to the
// caller.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.queue != nil {
		return e.queue.Close()
	}
	return nil
}
