package store

import (
	"fmt"
	"log/slog"
	"path/filepath"
)

// LexicalBackend selects the lexical index implementation.
type LexicalBackend string

const (
	// LexicalBackendKV stores the BM25 index in the TransactionalStore (default).
	// Lexical writes can then join metadata and embedding writes atomically.
	LexicalBackendKV LexicalBackend = "kv"

	// LexicalBackendBleve keeps the lexical index in a separate Bleve index.
	LexicalBackendBleve LexicalBackend = "bleve"
)

// ParseLexicalBackend validates a backend name. Empty selects LexicalBackendKV.
func ParseLexicalBackend(s string) (LexicalBackend, error) {
	switch LexicalBackend(s) {
	case "", LexicalBackendKV:
		return LexicalBackendKV, nil
	case LexicalBackendBleve:
		return LexicalBackendBleve, nil
	default:
		return "", fmt.Errorf("unknown lexical backend: %s (valid options: kv, bleve)", s)
	}
}

// NewLexicalIndex creates the lexical index for backend.
//
// The kv backend lives in kv. The bleve backend lives in "<dataDir>/lexical.bleve",
// or in memory when dataDir is empty.
func NewLexicalIndex(backend LexicalBackend, kv TransactionalStore, dataDir string, config BM25Config, logger *slog.Logger) (LexicalIndex, error) {
	switch backend {
	case LexicalBackendKV, "":
		return NewBM25Index(kv, config, WithBM25Logger(logger))

	case LexicalBackendBleve:
		var path string
		if dataDir != "" {
			path = BleveIndexPath(dataDir)
		}
		return NewBleveLexicalIndex(path, config, logger)

	default:
		return nil, fmt.Errorf("unknown lexical backend: %s (valid options: kv, bleve)", backend)
	}
}

// BleveIndexPath returns the Bleve index directory inside dataDir.
func BleveIndexPath(dataDir string) string {
	return filepath.Join(dataDir, "lexical.bleve")
}
