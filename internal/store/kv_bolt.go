package store

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore implements TransactionalStore on bbolt with one bucket per namespace.
type BoltStore struct {
	mu     sync.RWMutex
	db     *bolt.DB
	path   string
	closed bool
}

// Verify interface implementation at compile time
var _ TransactionalStore = (*BoltStore)(nil)

// NewBoltStore opens (or creates) a bbolt database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, ns := range AllNamespaces {
			if _, err := tx.CreateBucketIfNotExists([]byte(ns)); err != nil {
				return fmt.Errorf("create bucket %s: %w", ns, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltStore{db: db, path: path}, nil
}

func (s *BoltStore) bucket(tx *bolt.Tx, ns Namespace) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(ns))
	if b == nil {
		return nil, fmt.Errorf("unknown namespace %q", ns)
	}
	return b, nil
}

// Get implements TransactionalStore.
func (s *BoltStore) Get(_ context.Context, ns Namespace, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, ns)
		if err != nil {
			return err
		}
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// Values are only valid for the life of the transaction.
		out = bytes.Clone(v)
		return nil
	})
	return out, err
}

// GetMany implements TransactionalStore.
func (s *BoltStore) GetMany(_ context.Context, ns Namespace, keys []string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	out := make(map[string][]byte, len(keys))
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, ns)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if v := b.Get([]byte(k)); v != nil {
				out[k] = bytes.Clone(v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Put implements TransactionalStore.
func (s *BoltStore) Put(ctx context.Context, ns Namespace, key string, value []byte) error {
	return s.Batch(ctx, []Op{PutOp(ns, key, value)})
}

// Delete implements TransactionalStore.
func (s *BoltStore) Delete(ctx context.Context, ns Namespace, key string) error {
	return s.Batch(ctx, []Op{DeleteOp(ns, key)})
}

// Batch implements TransactionalStore.
func (s *BoltStore) Batch(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		for _, op := range ops {
			b, err := s.bucket(tx, op.Namespace)
			if err != nil {
				return err
			}
			switch op.Kind {
			case OpPut:
				if err := b.Put([]byte(op.Key), op.Value); err != nil {
					return fmt.Errorf("put %s/%s: %w", op.Namespace, op.Key, err)
				}
			case OpDelete:
				if err := b.Delete([]byte(op.Key)); err != nil {
					return fmt.Errorf("delete %s/%s: %w", op.Namespace, op.Key, err)
				}
			default:
				return fmt.Errorf("unknown op kind %d", op.Kind)
			}
		}
		return nil
	})
}

// Iterate implements TransactionalStore.
// Pairs are copied out of the read transaction before fn runs.
func (s *BoltStore) Iterate(_ context.Context, ns Namespace, prefix string, fn func(key string, value []byte) error) error {
	type pair struct {
		key   string
		value []byte
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	var buf []pair
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, ns)
		if err != nil {
			return err
		}
		p := []byte(prefix)
		c := b.Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			buf = append(buf, pair{key: string(k), value: bytes.Clone(v)})
		}
		return nil
	})
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	for _, kv := range buf {
		if err := fn(kv.key, kv.value); err != nil {
			return err
		}
	}
	return nil
}

// Close implements TransactionalStore.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
