package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestKV opens an in-memory SQLite store closed at test end.
func newTestKV(t *testing.T) TransactionalStore {
	t.Helper()
	kv, err := NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

// kvBackends returns one opened store per adapter.
func kvBackends(t *testing.T) map[string]TransactionalStore {
	t.Helper()
	dir := t.TempDir()

	sqliteStore, err := NewSQLiteStore(filepath.Join(dir, "store.db"))
	require.NoError(t, err)
	boltStore, err := NewBoltStore(filepath.Join(dir, "store.bolt"))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = sqliteStore.Close()
		_ = boltStore.Close()
	})
	return map[string]TransactionalStore{
		"sqlite": sqliteStore,
		"bolt":   boltStore,
	}
}

func TestTransactionalStore_GetPutDelete(t *testing.T) {
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// Given: a missing key
			_, err := kv.Get(ctx, NamespaceMetadata, "missing")
			assert.True(t, errors.Is(err, ErrNotFound))

			// When: putting a value
			require.NoError(t, kv.Put(ctx, NamespaceMetadata, "k", []byte("v1")))

			// Then: it can be read back
			got, err := kv.Get(ctx, NamespaceMetadata, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), got)

			// And: namespaces are isolated
			_, err = kv.Get(ctx, NamespaceEmbeddings, "k")
			assert.True(t, errors.Is(err, ErrNotFound))

			// When: deleting it twice
			require.NoError(t, kv.Delete(ctx, NamespaceMetadata, "k"))
			require.NoError(t, kv.Delete(ctx, NamespaceMetadata, "k"))

			// Then: it is gone
			_, err = kv.Get(ctx, NamespaceMetadata, "k")
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestTransactionalStore_BatchAndGetMany(t *testing.T) {
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			err := kv.Batch(ctx, []Op{
				PutOp(NamespaceLexicalTerms, "a", []byte("1")),
				PutOp(NamespaceLexicalTerms, "b", []byte("2")),
				PutOp(NamespaceLexicalTerms, "c", []byte("3")),
				DeleteOp(NamespaceLexicalTerms, "b"),
				PutOp(NamespaceLexicalStats, "corpus", []byte("{}")),
			})
			require.NoError(t, err)

			got, err := kv.GetMany(ctx, NamespaceLexicalTerms, []string{"a", "b", "c", "zz"})
			require.NoError(t, err)
			assert.Equal(t, map[string][]byte{"a": []byte("1"), "c": []byte("3")}, got)

			got, err = kv.GetMany(ctx, NamespaceLexicalTerms, nil)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestTransactionalStore_IteratePrefixInKeyOrder(t *testing.T) {
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, kv.Batch(ctx, []Op{
				PutOp(NamespaceLexicalDocs, "docs/b.md#0", []byte("x")),
				PutOp(NamespaceLexicalDocs, "docs/a.md#1", []byte("x")),
				PutOp(NamespaceLexicalDocs, "docs/a.md#0", []byte("x")),
				PutOp(NamespaceLexicalDocs, "docs/a.md#title", []byte("x")),
				PutOp(NamespaceLexicalDocs, "docs/a.mdx#0", []byte("x")),
			}))

			var keys []string
			err := kv.Iterate(ctx, NamespaceLexicalDocs, "docs/a.md#", func(key string, _ []byte) error {
				keys = append(keys, key)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"docs/a.md#0", "docs/a.md#1", "docs/a.md#title"}, keys)

			var all []string
			err = kv.Iterate(ctx, NamespaceLexicalDocs, "", func(key string, _ []byte) error {
				all = append(all, key)
				return nil
			})
			require.NoError(t, err)
			assert.Len(t, all, 5)
		})
	}
}

func TestTransactionalStore_IterateStopsOnError(t *testing.T) {
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, kv.Batch(ctx, []Op{
				PutOp(NamespaceMetadata, "1", []byte("x")),
				PutOp(NamespaceMetadata, "2", []byte("x")),
			}))

			stop := errors.New("stop")
			calls := 0
			err := kv.Iterate(ctx, NamespaceMetadata, "", func(string, []byte) error {
				calls++
				return stop
			})
			assert.ErrorIs(t, err, stop)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestTransactionalStore_IterateCallbackMayWrite(t *testing.T) {
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, kv.Put(ctx, NamespaceMetadata, "a", []byte("x")))

			err := kv.Iterate(ctx, NamespaceMetadata, "", func(key string, _ []byte) error {
				return kv.Delete(ctx, NamespaceMetadata, key)
			})
			require.NoError(t, err)

			_, err = kv.Get(ctx, NamespaceMetadata, "a")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestTransactionalStore_ClosedStoreFails(t *testing.T) {
	kv, err := NewSQLiteStore("")
	require.NoError(t, err)
	require.NoError(t, kv.Close())
	require.NoError(t, kv.Close())

	_, err = kv.Get(context.Background(), NamespaceMetadata, "k")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.db")
	ctx := context.Background()

	kv, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, kv.Put(ctx, NamespaceEmbeddings, "a.md#0", []byte{1, 2, 3, 4}))
	require.NoError(t, kv.Close())

	kv, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer func() { _ = kv.Close() }()

	got, err := kv.Get(ctx, NamespaceEmbeddings, "a.md#0")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestParseBackend(t *testing.T) {
	b, err := ParseBackend("")
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, b)

	b, err = ParseBackend(" Bolt ")
	require.NoError(t, err)
	assert.Equal(t, BackendBolt, b)

	_, err = ParseBackend("redis")
	assert.Error(t, err)
}

func TestOpenStore_BoltRequiresPath(t *testing.T) {
	_, err := OpenStore(BackendBolt, "")
	assert.Error(t, err)
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, "b", prefixUpperBound("a"))
	assert.Equal(t, "a.md$", prefixUpperBound("a.md#"))
	assert.Equal(t, "", prefixUpperBound(""))
	assert.Equal(t, "b", prefixUpperBound("a\xff"))
}
