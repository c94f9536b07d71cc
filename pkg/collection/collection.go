package collection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Aman-CERP/hybridrank/internal/chunk"
	"github.com/Aman-CERP/hybridrank/internal/config"
	"github.com/Aman-CERP/hybridrank/internal/corpus"
	"github.com/Aman-CERP/hybridrank/internal/embed"
	"github.com/Aman-CERP/hybridrank/internal/index"
	"github.com/Aman-CERP/hybridrank/internal/metrics"
	"github.com/Aman-CERP/hybridrank/internal/search"
	"github.com/Aman-CERP/hybridrank/internal/store"
)

// Collection is an open collection. Close releases every store it opened.
type Collection struct {
	Root    string
	DataDir string
	Config  *config.Config

	Engine   *search.Engine
	Store    store.TransactionalStore
	Lexical  store.LexicalIndex
	Vectors  *store.VectorIndex
	Metadata *store.MetadataStore
	Embedder embed.Embedder
	Lock     *index.WriteLock
	Metrics  *metrics.Metrics

	logger *slog.Logger
}

type options struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	embedder embed.Embedder
	reranker search.Reranker
	inMemory bool
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger of every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics records search and indexing metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithEmbedder uses e instead of the configured provider. The collection
// takes ownership of e.
func WithEmbedder(e embed.Embedder) Option {
	return func(o *options) {
		o.embedder = e
	}
}

// WithReranker uses r instead of the configured reranker.
func WithReranker(r search.Reranker) Option {
	return func(o *options) {
		o.reranker = r
	}
}

// InMemory keeps every store in memory and skips the write lock file.
// Nothing is written to the data directory.
func InMemory() Option {
	return func(o *options) {
		o.inMemory = true
	}
}

// StorePath returns the transactional store file for backend in dataDir.
func StorePath(dataDir string, backend store.Backend) string {
	if backend == store.BackendBolt {
		return filepath.Join(dataDir, "index.bolt")
	}
	return filepath.Join(dataDir, "index.db")
}

// Open opens or creates the collection of the corpus rooted at root.
func Open(ctx context.Context, root string, cfg *config.Config, opts ...Option) (_ *Collection, err error) {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	backend, err := store.ParseBackend(cfg.Store.Backend)
	if err != nil {
		return nil, err
	}
	lexicalBackend, err := store.ParseLexicalBackend(cfg.Lexical.Backend)
	if err != nil {
		return nil, err
	}
	engineCfg, err := EngineConfig(cfg)
	if err != nil {
		return nil, err
	}

	c := &Collection{
		Root:    root,
		DataDir: cfg.DataDir(root),
		Config:  cfg,
		Metrics: o.metrics,
		logger:  o.logger,
	}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	storePath, lexicalDir := "", ""
	if o.inMemory {
		backend = store.BackendSQLite
	} else {
		if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		storePath, lexicalDir = StorePath(c.DataDir, backend), c.DataDir
		c.Lock = index.NewWriteLock(c.DataDir)
	}

	if c.Store, err = store.OpenStore(backend, storePath); err != nil {
		return nil, err
	}

	bm25 := store.DefaultBM25Config()
	bm25.K1, bm25.B = cfg.Lexical.K1, cfg.Lexical.B
	bm25.Tokenizer.CaseFold = cfg.Lexical.CaseFold
	bm25.Tokenizer.Unigrams = cfg.Lexical.Unigrams
	if c.Lexical, err = store.NewLexicalIndex(lexicalBackend, c.Store, lexicalDir, bm25, o.logger); err != nil {
		return nil, err
	}
	if c.Vectors, err = store.NewVectorIndex(c.Store, store.WithVectorLogger(o.logger)); err != nil {
		return nil, err
	}
	metaOpts := []store.MetadataOption{store.WithMetadataLogger(o.logger)}
	if cfg.Store.CacheSize > 0 {
		metaOpts = append(metaOpts, store.WithMetadataCacheSize(cfg.Store.CacheSize))
	}
	if c.Metadata, err = store.NewMetadataStore(c.Store, metaOpts...); err != nil {
		return nil, err
	}

	c.Embedder = o.embedder
	if c.Embedder == nil {
		if c.Embedder, err = newEmbedder(cfg, o.logger); err != nil {
			return nil, err
		}
	}

	counter, err := embed.NewTokenCounter(cfg.Chunking.Tokenizer)
	if err != nil {
		return nil, err
	}
	chunker, err := chunk.NewChunker(counter, chunk.Options{
		MaxChunkSize: cfg.Chunking.MaxChunkSize,
		ChunkOverlap: cfg.Chunking.ChunkOverlap,
	}, chunk.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}

	engineOpts := []search.EngineOption{
		search.WithConfig(engineCfg),
		search.WithLogger(o.logger),
		search.WithMetrics(o.metrics),
	}
	if c.Lock != nil {
		engineOpts = append(engineOpts, search.WithWriteLocker(c.Lock))
	}
	reranker := o.reranker
	if reranker == nil && cfg.Reranker.Enabled {
		if reranker, err = newReranker(cfg, o.logger); err != nil {
			return nil, err
		}
	}
	if reranker != nil {
		engineOpts = append(engineOpts, search.WithReranker(reranker))
	}

	if c.Engine, err = search.NewEngine(c.Lexical, c.Vectors, c.Metadata, c.Embedder, chunker, engineOpts...); err != nil {
		if reranker != nil {
			_ = reranker.Close()
		}
		return nil, err
	}

	o.logger.Debug("collection_opened",
		slog.String("root", root),
		slog.String("data_dir", c.DataDir),
		slog.String("store", string(backend)),
		slog.String("lexical", string(lexicalBackend)),
		slog.String("model", c.Embedder.ModelName()),
		slog.Bool("in_memory", o.inMemory))
	return c, nil
}

// EngineConfig converts the search section of cfg into engine defaults.
func EngineConfig(cfg *config.Config) (search.EngineConfig, error) {
	ec := search.DefaultConfig()
	s := cfg.Search

	lexAgg, err := search.ParseAggregationMethod(s.LexicalAggregation)
	if err != nil {
		return ec, err
	}
	vecAgg, err := search.ParseAggregationMethod(s.VectorAggregation)
	if err != nil {
		return ec, err
	}

	ec.DefaultLimit = s.Limit
	ec.MaxLimit = s.MaxLimit
	ec.RetrievalMultiplier = s.RetrievalMultiplier
	ec.LexicalAggregation = lexAgg
	ec.VectorAggregation = vecAgg
	ec.Aggregation = search.AggregationParams{M: s.AggregationM, L: s.AggregationL, Decay: s.AggregationDecay, RRFK: s.AggregationRRFK}
	ec.Fusion = search.FusionConfig{K: s.RRFConstant, LexicalWeight: s.LexicalWeight, VectorWeight: s.VectorWeight, Normalize: s.Normalize}
	ec.TitleWeight = s.TitleWeight
	ec.ContentWeight = s.ContentWeight
	ec.RerankCandidates = s.RerankCandidates
	ec.SearchTimeout = cfg.SearchTimeout()
	return ec, nil
}

func newEmbedder(cfg *config.Config, logger *slog.Logger) (embed.Embedder, error) {
	provider, err := embed.ParseProvider(cfg.Embeddings.Provider)
	if err != nil {
		return nil, err
	}
	cacheSize := cfg.Embeddings.CacheSize
	if cacheSize == 0 {
		cacheSize = -1
	}
	return embed.NewEmbedder(embed.Config{
		Provider:      provider,
		Model:         cfg.Embeddings.Model,
		Host:          cfg.Embeddings.Host,
		Dimensions:    cfg.Embeddings.Dimensions,
		Counter:       cfg.Chunking.Tokenizer,
		CacheSize:     cacheSize,
		BatchSize:     cfg.Embeddings.BatchSize,
		Timeout:       cfg.EmbeddingsTimeout(),
		QueryPrefix:   cfg.Embeddings.QueryPrefix,
		PassagePrefix: cfg.Embeddings.PassagePrefix,
	}, logger)
}

func newReranker(cfg *config.Config, logger *slog.Logger) (search.Reranker, error) {
	timeout, reset := cfg.RerankerTimeouts()
	return search.NewHTTPReranker(search.HTTPRerankerConfig{
		Endpoint:     cfg.Reranker.Endpoint,
		Model:        cfg.Reranker.Model,
		Timeout:      timeout,
		MaxRetries:   cfg.Reranker.MaxRetries,
		MaxFailures:  cfg.Reranker.MaxFailures,
		ResetTimeout: reset,
	}, logger)
}

// SearchOptions returns per-query options for mode ("" keeps the configured
// mode) and limit (0 keeps the configured limit).
func (c *Collection) SearchOptions(mode string, limit int) (search.SearchOptions, error) {
	if mode == "" {
		mode = c.Config.Search.Mode
	}
	m, err := search.ParseSearchMode(mode)
	if err != nil {
		return search.SearchOptions{}, err
	}
	return search.SearchOptions{Mode: m, Limit: limit}, nil
}

// Walker returns a directory source over dir using the corpus section of the
// configuration. The data directory is always excluded.
func (c *Collection) Walker(dir string) (*corpus.Walker, error) {
	cc := c.Config.Corpus
	opts := []corpus.WalkerOption{corpus.WithWalkerLogger(c.logger)}
	if len(cc.Include) > 0 {
		opts = append(opts, corpus.WithInclude(cc.Include...))
	}
	if len(cc.Exclude) > 0 {
		opts = append(opts, corpus.WithExclude(cc.Exclude...))
	}
	if cc.MaxFileSize > 0 {
		opts = append(opts, corpus.WithMaxFileSize(cc.MaxFileSize))
	}
	if rel, err := filepath.Rel(dir, c.DataDir); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		opts = append(opts, corpus.WithExclude(filepath.ToSlash(rel)+"/**"))
	}
	return corpus.NewWalker(dir, opts...)
}

// Index runs the indexing runner over src.
func (c *Collection) Index(ctx context.Context, src corpus.Source, rc index.RunnerConfig, opts ...index.RunnerOption) (*index.Report, error) {
	if rc.BatchSize <= 0 {
		rc.BatchSize = c.Config.Corpus.BatchSize
	}
	runnerOpts := append([]index.RunnerOption{
		index.WithRunnerConfig(rc),
		index.WithRunnerLogger(c.logger),
		index.WithRunnerMetrics(c.Metrics),
	}, opts...)
	runner, err := index.NewRunner(c.Engine, runnerOpts...)
	if err != nil {
		return nil, err
	}
	return runner.Run(ctx, src)
}

// Checker returns a consistency checker over the collection stores.
func (c *Collection) Checker() *index.ConsistencyChecker {
	checker := index.NewConsistencyChecker(c.Metadata, c.Lexical, c.Vectors, c.logger)
	if c.Lock != nil {
		checker.WithLock(c.Lock)
	}
	return checker
}

// Close releases the engine, the indexes, the embedder and the store.
func (c *Collection) Close() error {
	var errs []error
	if c.Engine != nil {
		errs = append(errs, c.Engine.Close())
	}
	if c.Metadata != nil {
		errs = append(errs, c.Metadata.Close())
	}
	if c.Vectors != nil {
		errs = append(errs, c.Vectors.Close())
	}
	if c.Lexical != nil {
		errs = append(errs, c.Lexical.Close())
	}
	if c.Embedder != nil {
		errs = append(errs, c.Embedder.Close())
	}
	if c.Store != nil {
		errs = append(errs, c.Store.Close())
	}
	if c.Lock != nil {
		errs = append(errs, c.Lock.Unlock())
	}
	return errors.Join(errs...)
}
