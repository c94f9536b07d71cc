package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// sqliteMaxParams bounds the number of placeholders in one IN clause.
const sqliteMaxParams = 500

// SQLiteStore implements TransactionalStore on a single SQLite table keyed by
// (namespace, key). Keys use the BINARY collation, so ranges follow byte order.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

// Verify interface implementation at compile time
var _ TransactionalStore = (*SQLiteStore)(nil)

// validateSQLiteIntegrity checks an existing database file before opening it.
// Returns nil if valid or absent.
func validateSQLiteIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

// NewSQLiteStore opens (or creates) a SQLite-backed store.
// If path is empty, an in-memory database is used.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		if validErr := validateSQLiteIntegrity(path); validErr != nil {
			// A corrupted collection is not repaired silently: the caller must reindex.
			slog.Warn("sqlite_store_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			return nil, fmt.Errorf("store at %s is corrupted, remove it and reindex: %w", path, validErr)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection: batches are the only writers and the in-memory
	// database only lives as long as its connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	if path != "" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS kv (
		ns    TEXT NOT NULL,
		key   TEXT NOT NULL,
		value BLOB NOT NULL,
		PRIMARY KEY (ns, key)
	) WITHOUT ROWID;

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get implements TransactionalStore.
func (s *SQLiteStore) Get(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE ns = ? AND key = ?`, string(ns), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", ns, key, err)
	}
	return value, nil
}

// GetMany implements TransactionalStore.
func (s *SQLiteStore) GetMany(ctx context.Context, ns Namespace, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	for start := 0; start < len(keys); start += sqliteMaxParams {
		end := min(start+sqliteMaxParams, len(keys))
		part := keys[start:end]

		args := make([]any, 0, len(part)+1)
		args = append(args, string(ns))
		for _, k := range part {
			args = append(args, k)
		}
		query := `SELECT key, value FROM kv WHERE ns = ? AND key IN (?` +
			strings.Repeat(",?", len(part)-1) + `)`

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("get many %s: %w", ns, err)
		}
		for rows.Next() {
			var k string
			var v []byte
			if err := rows.Scan(&k, &v); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("scan %s: %w", ns, err)
			}
			out[k] = v
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, fmt.Errorf("get many %s: %w", ns, err)
		}
	}
	return out, nil
}

// Put implements TransactionalStore.
func (s *SQLiteStore) Put(ctx context.Context, ns Namespace, key string, value []byte) error {
	return s.Batch(ctx, []Op{PutOp(ns, key, value)})
}

// Delete implements TransactionalStore.
func (s *SQLiteStore) Delete(ctx context.Context, ns Namespace, key string) error {
	return s.Batch(ctx, []Op{DeleteOp(ns, key)})
}

// Batch implements TransactionalStore.
func (s *SQLiteStore) Batch(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	putStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO kv (ns, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(ns, key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return fmt.Errorf("failed to prepare put: %w", err)
	}
	defer putStmt.Close()

	delStmt, err := tx.PrepareContext(ctx, `DELETE FROM kv WHERE ns = ? AND key = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer delStmt.Close()

	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			if _, err := putStmt.ExecContext(ctx, string(op.Namespace), op.Key, op.Value); err != nil {
				return fmt.Errorf("put %s/%s: %w", op.Namespace, op.Key, err)
			}
		case OpDelete:
			if _, err := delStmt.ExecContext(ctx, string(op.Namespace), op.Key); err != nil {
				return fmt.Errorf("delete %s/%s: %w", op.Namespace, op.Key, err)
			}
		default:
			return fmt.Errorf("unknown op kind %d", op.Kind)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Iterate implements TransactionalStore.
// Rows are buffered before fn runs so fn may call back into the store.
func (s *SQLiteStore) Iterate(ctx context.Context, ns Namespace, prefix string, fn func(key string, value []byte) error) error {
	type row struct {
		key   string
		value []byte
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}

	query := `SELECT key, value FROM kv WHERE ns = ? AND key >= ?`
	args := []any{string(ns), prefix}
	if upper := prefixUpperBound(prefix); upper != "" {
		query += ` AND key < ?`
		args = append(args, upper)
	}
	query += ` ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.mu.RUnlock()
		return fmt.Errorf("iterate %s: %w", ns, err)
	}
	var buf []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.key, &r.value); err != nil {
			_ = rows.Close()
			s.mu.RUnlock()
			return fmt.Errorf("scan %s: %w", ns, err)
		}
		buf = append(buf, r)
	}
	err = rows.Err()
	_ = rows.Close()
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("iterate %s: %w", ns, err)
	}

	for _, r := range buf {
		if err := fn(r.key, r.value); err != nil {
			return err
		}
	}
	return nil
}

// Close implements TransactionalStore.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
