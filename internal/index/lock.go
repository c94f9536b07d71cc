// Package index runs collection-level indexing: writing a corpus into the
// search engine, serialising writers across processes and checking that the
// lexical, vector and metadata stores agree.
package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// lockRetryDelay is the polling interval while another process holds the lock.
const lockRetryDelay = 50 * time.Millisecond

// WriteLockFile is the lock file created in the collection directory.
const WriteLockFile = ".write.lock"

// WriteLock serialises the writers of one collection: an in-process mutex
// for goroutines plus an advisory file lock for other processes.
type WriteLock struct {
	mu     sync.Mutex
	held   chan struct{}
	flock  *flock.Flock
	path   string
	locked bool
}

// NewWriteLock creates the lock for the collection stored in dir.
func NewWriteLock(dir string) *WriteLock {
	path := filepath.Join(dir, WriteLockFile)
	return &WriteLock{
		held:  make(chan struct{}, 1),
		flock: flock.New(path),
		path:  path,
	}
}

// Lock blocks until both the in-process and the file lock are held, or ctx
// ends.
func (l *WriteLock) Lock(ctx context.Context) error {
	select {
	case l.held <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		<-l.held
		return fmt.Errorf("create lock directory: %w", err)
	}
	ok, err := l.flock.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !ok {
		<-l.held
		if err == nil {
			err = ctx.Err()
		}
		return fmt.Errorf("acquire %s: %w", l.path, err)
	}

	l.mu.Lock()
	l.locked = true
	l.mu.Unlock()
	return nil
}

// TryLock acquires the lock without waiting. It returns false when another
// goroutine or process holds it.
func (l *WriteLock) TryLock() (bool, error) {
	select {
	case l.held <- struct{}{}:
	default:
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		<-l.held
		return false, fmt.Errorf("create lock directory: %w", err)
	}
	ok, err := l.flock.TryLock()
	if err != nil || !ok {
		<-l.held
		return false, err
	}

	l.mu.Lock()
	l.locked = true
	l.mu.Unlock()
	return true, nil
}

// Unlock releases the lock. Unlocking a lock that is not held is a no-op.
func (l *WriteLock) Unlock() error {
	l.mu.Lock()
	if !l.locked {
		l.mu.Unlock()
		return nil
	}
	l.locked = false
	l.mu.Unlock()

	err := l.flock.Unlock()
	<-l.held
	if err != nil {
		return fmt.Errorf("release %s: %w", l.path, err)
	}
	return nil
}

// Path returns the lock file path.
func (l *WriteLock) Path() string {
	return l.path
}

// IsLocked reports whether this WriteLock currently holds the lock.
func (l *WriteLock) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}
