package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/hybridrank/internal/chunk"
	"github.com/Aman-CERP/hybridrank/internal/embed"
	"github.com/Aman-CERP/hybridrank/internal/search"
	"github.com/Aman-CERP/hybridrank/internal/store"
)

type testEnv struct {
	kv       store.TransactionalStore
	lexical  *store.BM25Index
	vectors  *store.VectorIndex
	metadata *store.MetadataStore
	engine   *search.Engine
}

func newTestEnv(t *testing.T, embedder embed.Embedder) *testEnv {
	t.Helper()
	kv, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	lexical, err := store.NewBM25Index(kv, store.DefaultBM25Config())
	require.NoError(t, err)
	vectors, err := store.NewVectorIndex(kv)
	require.NoError(t, err)
	metadata, err := store.NewMetadataStore(kv)
	require.NoError(t, err)

	if embedder == nil {
		embedder = embed.NewStaticEmbedder()
	}
	chunker, err := chunk.NewChunker(embed.WordCounter{}, chunk.Options{MaxChunkSize: 64})
	require.NoError(t, err)

	engine, err := search.NewEngine(lexical, vectors, metadata, embedder, chunker)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	return &testEnv{kv: kv, lexical: lexical, vectors: vectors, metadata: metadata, engine: engine}
}

func writeDoc(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func indexed(t *testing.T, env *testEnv) []string {
	t.Helper()
	files, err := env.engine.IndexedFiles(context.Background())
	require.NoError(t, err)
	return files
}
