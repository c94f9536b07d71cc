package store

import (
	"context"
	"fmt"
	"strings"
)

// Namespace is a logical key space inside a TransactionalStore.
type Namespace string

// Namespaces used by the retrieval core.
const (
	// NamespaceMetadata holds ChunkMetadata keyed by chunk id. Chunk ids share
	// the file path as prefix, so an ordered prefix scan doubles as the
	// file path secondary index.
	NamespaceMetadata Namespace = "metadata"

	// NamespaceEmbeddings holds encoded vectors keyed by chunk id.
	NamespaceEmbeddings Namespace = "embeddings"

	// NamespaceLexicalTerms holds InvertedIndexEntry records keyed by token.
	NamespaceLexicalTerms Namespace = "lexical_terms"

	// NamespaceLexicalDocs holds DocumentTokenInfo records keyed by chunk id.
	NamespaceLexicalDocs Namespace = "lexical_docs"

	// NamespaceLexicalStats holds the CorpusStats singleton.
	NamespaceLexicalStats Namespace = "lexical_stats"
)

// AllNamespaces lists every namespace an adapter must provision.
var AllNamespaces = []Namespace{
	NamespaceMetadata,
	NamespaceEmbeddings,
	NamespaceLexicalTerms,
	NamespaceLexicalDocs,
	NamespaceLexicalStats,
}

// OpKind is the kind of a batched write.
type OpKind int

const (
	// OpPut writes Value at Key.
	OpPut OpKind = iota
	// OpDelete removes Key.
	OpDelete
)

// Op is one write inside an atomic batch.
type Op struct {
	Kind      OpKind
	Namespace Namespace
	Key       string
	Value     []byte
}

// PutOp builds a put operation.
func PutOp(ns Namespace, key string, value []byte) Op {
	return Op{Kind: OpPut, Namespace: ns, Key: key, Value: value}
}

// DeleteOp builds a delete operation.
func DeleteOp(ns Namespace, key string) Op {
	return Op{Kind: OpDelete, Namespace: ns, Key: key}
}

// TransactionalStore is the storage capability the retrieval core depends on.
// Implementations must apply Batch atomically and iterate keys in byte order.
type TransactionalStore interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, ns Namespace, key string) ([]byte, error)

	// GetMany returns the values of the keys that exist. Missing keys are omitted.
	GetMany(ctx context.Context, ns Namespace, keys []string) (map[string][]byte, error)

	// Put writes a single value.
	Put(ctx context.Context, ns Namespace, key string, value []byte) error

	// Delete removes a single key. Deleting a missing key is not an error.
	Delete(ctx context.Context, ns Namespace, key string) error

	// Batch applies all operations in one transaction.
	Batch(ctx context.Context, ops []Op) error

	// Iterate calls fn for every key with the given prefix in key order.
	// Returning an error from fn stops the iteration and is returned.
	Iterate(ctx context.Context, ns Namespace, prefix string, fn func(key string, value []byte) error) error

	// Close releases the underlying database.
	Close() error
}

// Backend selects a TransactionalStore adapter.
type Backend string

const (
	// BackendSQLite uses modernc.org/sqlite (pure Go). Default.
	BackendSQLite Backend = "sqlite"
	// BackendBolt uses go.etcd.io/bbolt.
	BackendBolt Backend = "bolt"
)

// ParseBackend validates a backend name. Empty selects SQLite.
func ParseBackend(name string) (Backend, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(name))) {
	case "", BackendSQLite:
		return BackendSQLite, nil
	case BackendBolt:
		return BackendBolt, nil
	default:
		return "", fmt.Errorf("unknown store backend %q (supported: sqlite, bolt)", name)
	}
}

// OpenStore opens a TransactionalStore with the given backend.
// An empty path opens an in-memory SQLite database; bolt requires a path.
func OpenStore(backend Backend, path string) (TransactionalStore, error) {
	switch backend {
	case "", BackendSQLite:
		return NewSQLiteStore(path)
	case BackendBolt:
		if path == "" {
			return nil, fmt.Errorf("bolt store requires a path")
		}
		return NewBoltStore(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or "" when no such bound exists.
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
