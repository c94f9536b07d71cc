package collection

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/hybridrank/internal/config"
	"github.com/Aman-CERP/hybridrank/internal/embed"
	apperrors "github.com/Aman-CERP/hybridrank/internal/errors"
	"github.com/Aman-CERP/hybridrank/internal/index"
	"github.com/Aman-CERP/hybridrank/internal/logging"
	"github.com/Aman-CERP/hybridrank/internal/metrics"
	"github.com/Aman-CERP/hybridrank/internal/search"
	"github.com/Aman-CERP/hybridrank/internal/store"
)

func newVault(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"ml.md":           "# Machine Learning\n\nMachine learning models learn from data.\n",
		"notes/cook.md":   "# Cooking\n\nBoil the pasta in salted water.\n",
		"notes/garden.md": "---\ntitle: Garden\n---\nTomatoes need sun and water.\n",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func TestEngineConfig_FromConfig(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Search.LexicalAggregation = "top_m_sum"
	cfg.Search.AggregationM = 2
	cfg.Search.RRFConstant = 30
	cfg.Search.VectorWeight = 0.5
	cfg.Search.TitleWeight = 0.2
	cfg.Search.Timeout = "5s"

	ec, err := EngineConfig(cfg)

	require.NoError(t, err)
	assert.Equal(t, search.AggregateTopMSum, ec.LexicalAggregation)
	assert.Equal(t, search.AggregateMaxP, ec.VectorAggregation)
	assert.Equal(t, 2, ec.Aggregation.M)
	assert.Equal(t, search.FusionConfig{K: 30, LexicalWeight: 1, VectorWeight: 0.5, Normalize: true}, ec.Fusion)
	assert.Equal(t, 0.2, ec.TitleWeight)
	assert.Equal(t, "5s", ec.SearchTimeout.String())

	cfg.Search.VectorAggregation = "median"
	_, err = EngineConfig(cfg)
	require.Error(t, err)
}

func TestStorePath(t *testing.T) {
	assert.Equal(t, filepath.Join("d", "index.db"), StorePath("d", store.BackendSQLite))
	assert.Equal(t, filepath.Join("d", "index.bolt"), StorePath("d", store.BackendBolt))
}

func TestOpen_InMemoryIndexAndSearch(t *testing.T) {
	// Given an in-memory collection over a small vault
	ctx := context.Background()
	root := newVault(t)
	m := metrics.New()
	c, err := Open(ctx, root, config.NewConfig(), InMemory(), WithLogger(logging.Discard()), WithMetrics(m))
	require.NoError(t, err)
	defer func() { require.NoError(t, c.Close()) }()
	assert.Nil(t, c.Lock)
	assert.NoDirExists(t, filepath.Join(root, config.DataDirName))

	// When indexing the vault
	walker, err := c.Walker(root)
	require.NoError(t, err)
	report, err := c.Index(ctx, walker, index.DefaultRunnerConfig())
	require.NoError(t, err)

	// Then every file is searchable
	assert.Equal(t, 3, report.Indexed)
	assert.Empty(t, report.Failures())

	opts, err := c.SearchOptions("bm25", 2)
	require.NoError(t, err)
	resp, err := c.Engine.Search(ctx, "machine learning", opts)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "ml.md", resp.Results[0].FilePath)

	stats, err := c.Engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Files)

	check, err := c.Checker().Check(ctx)
	require.NoError(t, err)
	assert.True(t, check.OK())
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	tests := []struct {
		name    string
		store   string
		lexical string
	}{
		{"sqlite kv", "sqlite", "kv"},
		{"bolt kv", "bolt", "kv"},
		{"sqlite bleve", "sqlite", "bleve"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given a collection indexed on disk
			ctx := context.Background()
			root := newVault(t)
			cfg := config.NewConfig()
			cfg.Store.Backend = tt.store
			cfg.Lexical.Backend = tt.lexical

			c, err := Open(ctx, root, cfg, WithLogger(logging.Discard()))
			require.NoError(t, err)
			require.NotNil(t, c.Lock)
			walker, err := c.Walker(root)
			require.NoError(t, err)
			_, err = c.Index(ctx, walker, index.DefaultRunnerConfig())
			require.NoError(t, err)
			require.NoError(t, c.Close())

			// When reopening
			c, err = Open(ctx, root, cfg, WithLogger(logging.Discard()))
			require.NoError(t, err)
			defer func() { _ = c.Close() }()

			// Then the index is still there and the data dir was not indexed
			files, err := c.Engine.IndexedFiles(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"ml.md", "notes/cook.md", "notes/garden.md"}, files)
			backend, err := store.ParseBackend(tt.store)
			require.NoError(t, err)
			assert.FileExists(t, StorePath(c.DataDir, backend))
		})
	}
}

func TestOpen_CustomDataDirIsExcluded(t *testing.T) {
	ctx := context.Background()
	root := newVault(t)
	cfg := config.NewConfig()
	cfg.Store.Path = filepath.Join(root, "state")
	require.NoError(t, os.MkdirAll(cfg.Store.Path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Store.Path, "stray.md"), []byte("stray"), 0o644))

	c, err := Open(ctx, root, cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	walker, err := c.Walker(root)
	require.NoError(t, err)
	entries, err := walker.List(ctx)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Path, "state/")
	}
}

func TestOpen_InvalidBackends(t *testing.T) {
	for name, mutate := range map[string]func(*config.Config){
		"store":    func(c *config.Config) { c.Store.Backend = "redis" },
		"lexical":  func(c *config.Config) { c.Lexical.Backend = "fts5" },
		"provider": func(c *config.Config) { c.Embeddings.Provider = "openai" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := config.NewConfig()
			mutate(cfg)
			_, err := Open(context.Background(), t.TempDir(), cfg, InMemory())
			require.Error(t, err)
		})
	}
}

func TestCollection_SearchOptions(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Search.Mode = "vector"
	c := &Collection{Config: cfg}

	opts, err := c.SearchOptions("", 0)
	require.NoError(t, err)
	assert.Equal(t, search.ModeVector, opts.Mode)

	opts, err = c.SearchOptions("hybrid", 5)
	require.NoError(t, err)
	assert.Equal(t, search.ModeHybrid, opts.Mode)
	assert.Equal(t, 5, opts.Limit)

	_, err = c.SearchOptions("fuzzy", 0)
	require.Error(t, err)
}

func TestOpen_ReopenWithOtherEmbeddingModelAbortsIndexing(t *testing.T) {
	// Given a collection indexed with the default embedder
	ctx := context.Background()
	root := newVault(t)
	cfg := config.NewConfig()
	c, err := Open(ctx, root, cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)
	walker, err := c.Walker(root)
	require.NoError(t, err)
	_, err = c.Index(ctx, walker, index.DefaultRunnerConfig())
	require.NoError(t, err)
	before, err := c.Engine.Stats(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	// When reopening with an embedder of another dimension
	other := embed.NewStaticEmbedder(embed.WithStaticDimensions(before.Dimensions / 2))
	c, err = Open(ctx, root, cfg, WithLogger(logging.Discard()), WithEmbedder(other))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	// Then the stored dimension is still known
	after, err := c.Engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Dimensions, after.Dimensions)

	// And a forced re-index stops at the first mismatching document
	walker, err = c.Walker(root)
	require.NoError(t, err)
	rc := index.DefaultRunnerConfig()
	rc.Force = true
	_, err = c.Index(ctx, walker, rc)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeDimensionMismatch, apperrors.GetCode(err))
}
