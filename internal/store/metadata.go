package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// MetadataStore keeps the canonical ChunkMetadata records in the metadata
// namespace of a TransactionalStore.
type MetadataStore struct {
	kv     TransactionalStore
	logger *slog.Logger
	cache  *VersionedCache[string, ChunkMetadata]

	mu     sync.RWMutex
	closed bool
}

// MetadataOption configures a MetadataStore.
type MetadataOption func(*MetadataStore)

// WithMetadataLogger sets the logger.
func WithMetadataLogger(logger *slog.Logger) MetadataOption {
	return func(m *MetadataStore) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetadataCacheSize sets the number of records kept in the read cache.
func WithMetadataCacheSize(size int) MetadataOption {
	return func(m *MetadataStore) {
		m.cache = NewVersionedCache[string, ChunkMetadata](size)
	}
}

// NewMetadataStore creates a metadata store over kv.
func NewMetadataStore(kv TransactionalStore, opts ...MetadataOption) (*MetadataStore, error) {
	if kv == nil {
		return nil, errors.New("metadata store requires a store")
	}
	m := &MetadataStore{
		kv:     kv,
		logger: slog.Default(),
		cache:  NewVersionedCache[string, ChunkMetadata](DefaultCacheSize),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Store returns the underlying store.
func (m *MetadataStore) Store() TransactionalStore {
	return m.kv
}

// SaveChunks upserts chunk records in one batch.
func (m *MetadataStore) SaveChunks(ctx context.Context, chunks []*ChunkMetadata) error {
	ops, commit, err := m.PrepareSave(chunks)
	if err != nil || len(ops) == 0 {
		return err
	}
	if err := m.kv.Batch(ctx, ops); err != nil {
		return fmt.Errorf("save chunks: %w", err)
	}
	commit()
	return nil
}

// PrepareSave returns the store operations that save chunks. commit must be
// called once the operations have been applied.
func (m *MetadataStore) PrepareSave(chunks []*ChunkMetadata) ([]Op, func(), error) {
	if err := m.checkOpen(); err != nil {
		return nil, nil, err
	}
	ops := make([]Op, 0, len(chunks))
	for _, c := range chunks {
		if c == nil || c.ID == "" {
			return nil, nil, fmt.Errorf("save chunk: %w", ErrInvalidChunkID)
		}
		value, err := json.Marshal(c)
		if err != nil {
			return nil, nil, fmt.Errorf("encode chunk %s: %w", c.ID, err)
		}
		ops = append(ops, PutOp(NamespaceMetadata, c.ID, value))
	}
	commit := func() {
		m.cache.Bump()
		m.logger.Debug("metadata_chunks_saved", slog.Int("count", len(chunks)))
	}
	return ops, commit, nil
}

// DeleteChunks removes chunk records by id. Unknown ids are ignored.
func (m *MetadataStore) DeleteChunks(ctx context.Context, ids []string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	ops, commit := m.PrepareDelete(ids)
	if len(ops) == 0 {
		return nil
	}
	if err := m.kv.Batch(ctx, ops); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	commit()
	return nil
}

// PrepareDelete returns the store operations that delete ids.
func (m *MetadataStore) PrepareDelete(ids []string) ([]Op, func()) {
	ops := make([]Op, 0, len(ids))
	for _, id := range uniqueStrings(ids) {
		ops = append(ops, DeleteOp(NamespaceMetadata, id))
	}
	return ops, func() { m.cache.Bump() }
}

// GetChunk returns one chunk record.
func (m *MetadataStore) GetChunk(ctx context.Context, id string) (*ChunkMetadata, error) {
	chunks, err := m.GetChunks(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	c, ok := chunks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// GetChunks returns the records of the given ids. Missing ids are omitted.
func (m *MetadataStore) GetChunks(ctx context.Context, ids []string) (map[string]*ChunkMetadata, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	out := make(map[string]*ChunkMetadata, len(ids))
	var missing []string
	for _, id := range uniqueStrings(ids) {
		if c, ok := m.cache.Get(id); ok {
			c := c
			out[id] = &c
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	version := m.cache.Version()
	raw, err := m.kv.GetMany(ctx, NamespaceMetadata, missing)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	for id, value := range raw {
		var c ChunkMetadata
		if err := json.Unmarshal(value, &c); err != nil {
			return nil, fmt.Errorf("decode chunk %s: %w", id, err)
		}
		m.cache.Add(version, id, c)
		out[id] = &c
	}
	return out, nil
}

// ChunksByFile returns every record of filePath ordered by chunk index, with
// the title chunk first.
func (m *MetadataStore) ChunksByFile(ctx context.Context, filePath string) ([]*ChunkMetadata, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	var chunks []*ChunkMetadata
	err := m.kv.Iterate(ctx, NamespaceMetadata, filePath+chunkIDSeparator, func(key string, value []byte) error {
		if FilePathOf(key) != filePath {
			return nil
		}
		var c ChunkMetadata
		if err := json.Unmarshal(value, &c); err != nil {
			return fmt.Errorf("decode chunk %s: %w", key, err)
		}
		chunks = append(chunks, &c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list chunks of %s: %w", filePath, err)
	}
	sort.Slice(chunks, func(i, j int) bool {
		return chunkOrder(chunks[i].ID) < chunkOrder(chunks[j].ID)
	})
	return chunks, nil
}

func chunkOrder(id string) int {
	parsed, err := ParseChunkID(id)
	if err != nil {
		return -2
	}
	return parsed.Index
}

// IDsByFilePaths returns the ids of every record of the given files.
func (m *MetadataStore) IDsByFilePaths(ctx context.Context, filePaths []string) ([]string, error) {
	var ids []string
	for _, path := range uniqueStrings(filePaths) {
		err := m.kv.Iterate(ctx, NamespaceMetadata, path+chunkIDSeparator, func(key string, _ []byte) error {
			if FilePathOf(key) == path {
				ids = append(ids, key)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("resolve chunks of %s: %w", path, err)
		}
	}
	return ids, nil
}

// FilePaths returns every distinct file path with at least one record, sorted.
func (m *MetadataStore) FilePaths(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	err := m.kv.Iterate(ctx, NamespaceMetadata, "", func(key string, _ []byte) error {
		seen[FilePathOf(key)] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// AllIDs returns every chunk id with a record, in key order.
func (m *MetadataStore) AllIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := m.kv.Iterate(ctx, NamespaceMetadata, "", func(key string, _ []byte) error {
		ids = append(ids, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list metadata ids: %w", err)
	}
	return ids, nil
}

// Close marks the store closed. The underlying store is owned by the caller.
func (m *MetadataStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MetadataStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("metadata store: %w", ErrClosed)
	}
	return nil
}
