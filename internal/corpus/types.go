// Package corpus discovers and loads the documents of a collection, either
// from a directory tree or from a BEIR-style corpus.jsonl file.
package corpus

import (
	"context"
	"time"
)

// DefaultMaxFileSize is the largest file the walker loads (10MB).
const DefaultMaxFileSize = 10 * 1024 * 1024

// DefaultInclude selects markdown and plain text files.
var DefaultInclude = []string{"**/*.md", "**/*.markdown", "**/*.txt"}

// DefaultExclude skips VCS, editor and index directories.
var DefaultExclude = []string{
	"**/.git/**",
	"**/.hybridrank/**",
	"**/.obsidian/**",
	"**/.trash/**",
	"**/node_modules/**",
}

// Entry identifies one document of a source without reading it.
type Entry struct {
	// Path is the document id: a slash separated path relative to the root,
	// or the record id of a JSONL corpus.
	Path string

	// ModTime is zero when the source has no modification times.
	ModTime time.Time
	Size    int64
}

// Document is a loaded source document.
type Document struct {
	Path    string
	Title   string
	Text    string
	ModTime time.Time
	Size    int64
}

// Source enumerates and loads documents.
type Source interface {
	// List returns every document of the source ordered by path.
	List(ctx context.Context) ([]Entry, error)

	// Load reads one document by path.
	Load(ctx context.Context, path string) (Document, error)
}
