package corpus

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"

	apperrors "github.com/Aman-CERP/hybridrank/internal/errors"
)

// dirProbe is appended to a directory path to test "dir/**" style excludes.
const dirProbe = "_"

// Walker discovers text documents under a root directory.
type Walker struct {
	root        string
	include     []string
	exclude     []string
	maxFileSize int64
	logger      *slog.Logger
}

var _ Source = (*Walker)(nil)

// WalkerOption configures a Walker.
type WalkerOption func(*Walker)

// WithInclude replaces the include globs. An empty list includes every text file.
func WithInclude(patterns ...string) WalkerOption {
	return func(w *Walker) {
		w.include = patterns
	}
}

// WithExclude adds exclude globs to DefaultExclude.
func WithExclude(patterns ...string) WalkerOption {
	return func(w *Walker) {
		w.exclude = append(w.exclude, patterns...)
	}
}

// WithMaxFileSize sets the size above which files are skipped.
func WithMaxFileSize(size int64) WalkerOption {
	return func(w *Walker) {
		if size > 0 {
			w.maxFileSize = size
		}
	}
}

// WithWalkerLogger sets the logger.
func WithWalkerLogger(logger *slog.Logger) WalkerOption {
	return func(w *Walker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWalker creates a walker rooted at root. Globs use doublestar syntax and
// match slash separated paths relative to root.
func NewWalker(root string, opts ...WalkerOption) (*Walker, error) {
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeFileNotFound, "corpus root not found: "+root, err)
	}
	if !info.IsDir() {
		return nil, apperrors.New(apperrors.ErrCodeInvalidPath, "corpus root is not a directory: "+root, nil)
	}

	w := &Walker{
		root:        absRoot,
		include:     DefaultInclude,
		exclude:     append([]string(nil), DefaultExclude...),
		maxFileSize: DefaultMaxFileSize,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, p := range append(append([]string(nil), w.include...), w.exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, apperrors.ValidationError(fmt.Sprintf("invalid glob pattern %q", p), nil)
		}
	}
	return w, nil
}

// Root returns the absolute root directory.
func (w *Walker) Root() string {
	return w.root
}

// List implements Source. Unreadable entries are skipped.
func (w *Walker) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(w.root, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			return nil
		}

		rel, err := filepath.Rel(w.root, p)
		if err != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if w.excluded(rel) || w.excluded(path.Join(rel, dirProbe)) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 || !d.Type().IsRegular() {
			return nil
		}
		if w.excluded(rel) || !w.included(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Size() > w.maxFileSize {
			w.logger.Debug("corpus_file_too_large",
				slog.String("path", rel),
				slog.Int64("size", info.Size()))
			return nil
		}
		if !isText(p) {
			w.logger.Debug("corpus_file_not_text", slog.String("path", rel))
			return nil
		}

		entries = append(entries, Entry{Path: rel, ModTime: info.ModTime(), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	w.logger.Debug("corpus_listed",
		slog.String("root", w.root),
		slog.Int("files", len(entries)))
	return entries, nil
}

// Load implements Source.
func (w *Walker) Load(ctx context.Context, rel string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	abs, err := w.resolve(rel)
	if err != nil {
		return Document{}, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return Document{}, apperrors.New(apperrors.ErrCodeFileNotFound, "stat "+rel, err)
	}
	if info.Size() > w.maxFileSize {
		return Document{}, apperrors.New(apperrors.ErrCodeFileTooLarge,
			fmt.Sprintf("%s is %d bytes, limit is %d", rel, info.Size(), w.maxFileSize), nil)
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return Document{}, apperrors.New(apperrors.ErrCodeFilePermission, "read "+rel, err)
	}
	if !utf8.Valid(content) {
		return Document{}, apperrors.New(apperrors.ErrCodeInvalidInput, rel+" is not valid UTF-8", nil)
	}

	text := normalizeNewlines(string(content))
	return Document{
		Path:    filepath.ToSlash(rel),
		Title:   DeriveTitle(rel, text),
		Text:    text,
		ModTime: info.ModTime(),
		Size:    info.Size(),
	}, nil
}

// resolve maps a relative document path to an absolute path inside root.
func (w *Walker) resolve(rel string) (string, error) {
	clean := path.Clean(filepath.ToSlash(rel))
	if clean == "." || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", apperrors.New(apperrors.ErrCodeInvalidPath, "path escapes the corpus root: "+rel, nil)
	}
	return filepath.Join(w.root, filepath.FromSlash(clean)), nil
}

func (w *Walker) excluded(rel string) bool {
	return matchAny(w.exclude, rel)
}

func (w *Walker) included(rel string) bool {
	return len(w.include) == 0 || matchAny(w.include, rel)
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// isText reports whether the detected media type descends from text/plain.
func isText(p string) bool {
	mt, err := mimetype.DetectFile(p)
	if err != nil {
		return false
	}
	for ; mt != nil; mt = mt.Parent() {
		if mt.Is("text/plain") {
			return true
		}
	}
	return false
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
