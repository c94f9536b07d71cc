package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
)

// VectorIndex stores one embedding per chunk and answers exact cosine
// similarity queries by linear scan.
type VectorIndex struct {
	kv     TransactionalStore
	logger *slog.Logger
	cache  *VersionedCache[string, []float32]

	mu         sync.RWMutex
	dimensions int
	closed     bool
}

// VectorOption configures a VectorIndex.
type VectorOption func(*VectorIndex)

// WithVectorLogger sets the logger.
func WithVectorLogger(logger *slog.Logger) VectorOption {
	return func(v *VectorIndex) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithVectorCacheSize sets the number of decoded vectors kept in memory.
func WithVectorCacheSize(size int) VectorOption {
	return func(v *VectorIndex) {
		v.cache = NewVersionedCache[string, []float32](size)
	}
}

// NewVectorIndex creates a vector index over the embeddings namespace of kv.
func NewVectorIndex(kv TransactionalStore, opts ...VectorOption) (*VectorIndex, error) {
	if kv == nil {
		return nil, errors.New("vector index requires a store")
	}
	v := &VectorIndex{
		kv:     kv,
		logger: slog.Default(),
		cache:  NewVersionedCache[string, []float32](DefaultCacheSize),
	}
	for _, opt := range opts {
		opt(v)
	}
	dims, err := v.storedDimensions(context.Background())
	if err != nil {
		return nil, err
	}
	v.dimensions = dims
	return v, nil
}

var errStopIteration = errors.New("stop iteration")

// storedDimensions reads the dimension of the first stored vector, 0 when
// the index is empty. Every stored vector shares it.
func (v *VectorIndex) storedDimensions(ctx context.Context) (int, error) {
	var dims int
	err := v.kv.Iterate(ctx, NamespaceEmbeddings, "", func(key string, value []byte) error {
		vec, err := DecodeVector(value)
		if err != nil {
			return fmt.Errorf("decode vector %s: %w", key, err)
		}
		dims = len(vec)
		return errStopIteration
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return 0, fmt.Errorf("read vector dimensions: %w", err)
	}
	return dims, nil
}

// Store returns the underlying store.
func (v *VectorIndex) Store() TransactionalStore {
	return v.kv
}

// AddEmbeddings upserts embeddings by id in one batch.
func (v *VectorIndex) AddEmbeddings(ctx context.Context, entries []Embedding) error {
	ops, commit, err := v.PrepareAdd(entries)
	if err != nil || len(ops) == 0 {
		return err
	}
	if err := v.kv.Batch(ctx, ops); err != nil {
		return fmt.Errorf("add embeddings: %w", err)
	}
	commit()
	return nil
}

// PrepareAdd validates entries and returns the store operations that add
// them. commit must be called once the operations have been applied.
func (v *VectorIndex) PrepareAdd(entries []Embedding) ([]Op, func(), error) {
	if len(entries) == 0 {
		return nil, func() {}, nil
	}

	v.mu.RLock()
	closed, dims := v.closed, v.dimensions
	v.mu.RUnlock()
	if closed {
		return nil, nil, fmt.Errorf("vector index: %w", ErrClosed)
	}

	ops := make([]Op, 0, len(entries))
	for _, e := range entries {
		if len(e.Vector) == 0 {
			return nil, nil, fmt.Errorf("empty vector for %s", e.ID)
		}
		if dims == 0 {
			dims = len(e.Vector)
		}
		if len(e.Vector) != dims {
			return nil, nil, ErrDimensionMismatch{Expected: dims, Got: len(e.Vector)}
		}
		ops = append(ops, PutOp(NamespaceEmbeddings, e.ID, EncodeVector(e.Vector)))
	}

	commit := func() {
		v.mu.Lock()
		if v.dimensions == 0 {
			v.dimensions = dims
		}
		v.mu.Unlock()
		v.cache.Bump()
		v.logger.Debug("vector_embeddings_added",
			slog.Int("count", len(entries)),
			slog.Int("dimensions", dims))
	}
	return ops, commit, nil
}

// DeleteEmbeddings removes embeddings by id. Unknown ids are ignored.
func (v *VectorIndex) DeleteEmbeddings(ctx context.Context, ids []string) error {
	ops, commit := v.PrepareDelete(ids)
	if len(ops) == 0 {
		return nil
	}
	if err := v.checkOpen(); err != nil {
		return err
	}
	if err := v.kv.Batch(ctx, ops); err != nil {
		return fmt.Errorf("delete embeddings: %w", err)
	}
	commit()
	return nil
}

// PrepareDelete returns the store operations that delete ids.
func (v *VectorIndex) PrepareDelete(ids []string) ([]Op, func()) {
	ops := make([]Op, 0, len(ids))
	for _, id := range uniqueStrings(ids) {
		ops = append(ops, DeleteOp(NamespaceEmbeddings, id))
	}
	return ops, func() { v.cache.Bump() }
}

// IDsByFilePaths returns the ids of every stored embedding of the given files.
func (v *VectorIndex) IDsByFilePaths(ctx context.Context, filePaths []string) ([]string, error) {
	var ids []string
	for _, path := range uniqueStrings(filePaths) {
		err := v.kv.Iterate(ctx, NamespaceEmbeddings, path+chunkIDSeparator, func(key string, _ []byte) error {
			if FilePathOf(key) == path {
				ids = append(ids, key)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("resolve embeddings of %s: %w", path, err)
		}
	}
	return ids, nil
}

func (v *VectorIndex) checkOpen() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return fmt.Errorf("vector index: %w", ErrClosed)
	}
	return nil
}

// Get returns the stored vector of one chunk.
func (v *VectorIndex) Get(ctx context.Context, id string) ([]float32, error) {
	value, err := v.kv.Get(ctx, NamespaceEmbeddings, id)
	if err != nil {
		return nil, err
	}
	return DecodeVector(value)
}

// Search returns stored vectors ranked by cosine similarity to query.
// A nil candidates slice scans every vector; a non-nil slice restricts the
// scan to those ids. topK <= 0 returns every scored vector.
func (v *VectorIndex) Search(ctx context.Context, query []float32, candidates []string, topK int) ([]*VectorResult, error) {
	v.mu.RLock()
	closed := v.closed
	dims := v.dimensions
	v.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("vector index: %w", ErrClosed)
	}
	if len(query) == 0 {
		return []*VectorResult{}, nil
	}
	if dims != 0 && len(query) != dims {
		return nil, ErrDimensionMismatch{Expected: dims, Got: len(query)}
	}

	var results []*VectorResult
	score := func(id string, vec []float32) error {
		if len(vec) != len(query) {
			return ErrDimensionMismatch{Expected: len(vec), Got: len(query)}
		}
		results = append(results, &VectorResult{ID: id, Score: CosineSimilarity(query, vec)})
		return nil
	}

	if candidates != nil {
		vectors, err := v.loadVectors(ctx, candidates)
		if err != nil {
			return nil, err
		}
		for _, id := range uniqueStrings(candidates) {
			vec, ok := vectors[id]
			if !ok {
				continue
			}
			if err := score(id, vec); err != nil {
				return nil, err
			}
		}
	} else {
		err := v.kv.Iterate(ctx, NamespaceEmbeddings, "", func(key string, value []byte) error {
			vec, err := DecodeVector(value)
			if err != nil {
				return fmt.Errorf("decode vector %s: %w", key, err)
			}
			return score(key, vec)
		})
		if err != nil {
			return nil, fmt.Errorf("vector search: %w", err)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// AllIDs returns every chunk id that has an embedding.
func (v *VectorIndex) AllIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := v.kv.Iterate(ctx, NamespaceEmbeddings, "", func(key string, _ []byte) error {
		ids = append(ids, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list vector ids: %w", err)
	}
	return ids, nil
}

// Dimensions returns the dimension of stored vectors, 0 when unknown.
func (v *VectorIndex) Dimensions() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.dimensions
}

// Close marks the index closed. The underlying store is owned by the caller.
func (v *VectorIndex) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	return nil
}

func (v *VectorIndex) loadVectors(ctx context.Context, ids []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(ids))
	var missing []string
	for _, id := range ids {
		if vec, ok := v.cache.Get(id); ok {
			out[id] = vec
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	version := v.cache.Version()
	raw, err := v.kv.GetMany(ctx, NamespaceEmbeddings, missing)
	if err != nil {
		return nil, fmt.Errorf("load vectors: %w", err)
	}
	for id, value := range raw {
		vec, err := DecodeVector(value)
		if err != nil {
			return nil, fmt.Errorf("decode vector %s: %w", id, err)
		}
		out[id] = vec
		v.cache.Add(version, id, vec)
	}
	return out, nil
}

// CosineSimilarity returns dot(a,b) / (|a|·|b|). It returns 0 when either norm
// is zero or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// EncodeVector encodes a vector as little-endian float32 values.
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, x := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

// DecodeVector decodes a vector produced by EncodeVector.
func DecodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("invalid vector encoding: %d bytes", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec, nil
}
