package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search"
)

const (
	// ScriptTokenizerType is the registered type of the script-aware tokenizer.
	ScriptTokenizerType = "hybridrank_script"

	scriptTokenizerName = "script_tokenizer"
	scriptAnalyzerName  = "script_analyzer"

	bleveContentField  = "content"
	bleveFilePathField = "file_path"
)

func init() {
	_ = registry.RegisterTokenizer(ScriptTokenizerType, scriptTokenizerConstructor)
}

// BleveLexicalIndex implements LexicalIndex on Bleve, using the same
// tokenizer as BM25Index. Scores follow Bleve's own similarity model, so they
// are comparable within one backend only.
type BleveLexicalIndex struct {
	mu      sync.RWMutex
	index   bleve.Index
	path    string
	logger  *slog.Logger
	version uint64
	closed  bool
}

var _ LexicalIndex = (*BleveLexicalIndex)(nil)

type bleveDocument struct {
	Content  string `json:"content"`
	FilePath string `json:"file_path"`
}

// NewBleveLexicalIndex opens or creates a Bleve index at path. An empty path
// creates an in-memory index.
func NewBleveLexicalIndex(path string, config BM25Config, logger *slog.Logger) (*BleveLexicalIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}
	indexMapping, err := newBleveMapping(config.Tokenizer)
	if err != nil {
		return nil, fmt.Errorf("create index mapping: %w", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create directory for %s: %w", path, err)
		}
		if validErr := validateBleveIntegrity(path); validErr != nil {
			logger.Warn("bleve_index_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("bleve index corrupted at %s and cannot remove: %w", path, removeErr)
			}
		}
		idx, err = bleve.Open(path)
		if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open bleve index: %w", err)
	}

	return &BleveLexicalIndex{index: idx, path: path, logger: logger}, nil
}

func newBleveMapping(opts TokenizerOptions) (*mapping.IndexMappingImpl, error) {
	m := bleve.NewIndexMapping()

	err := m.AddCustomTokenizer(scriptTokenizerName, map[string]interface{}{
		"type":      ScriptTokenizerType,
		"case_fold": opts.CaseFold,
		"unigrams":  opts.Unigrams,
	})
	if err != nil {
		return nil, fmt.Errorf("add tokenizer: %w", err)
	}
	err = m.AddCustomAnalyzer(scriptAnalyzerName, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     scriptTokenizerName,
		"token_filters": []string{},
	})
	if err != nil {
		return nil, fmt.Errorf("add analyzer: %w", err)
	}
	m.DefaultAnalyzer = scriptAnalyzerName

	content := bleve.NewTextFieldMapping()
	content.Analyzer = scriptAnalyzerName
	content.Store = false
	content.IncludeTermVectors = true

	filePath := bleve.NewKeywordFieldMapping()
	filePath.IncludeInAll = false

	m.DefaultMapping.AddFieldMappingsAt(bleveContentField, content)
	m.DefaultMapping.AddFieldMappingsAt(bleveFilePathField, filePath)
	return m, nil
}

// validateBleveIntegrity reports a half-written index directory.
func validateBleveIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(path, "index_meta.json"))
	if err != nil {
		return fmt.Errorf("read index_meta.json: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

// IndexBatch adds or replaces chunks.
func (b *BleveLexicalIndex) IndexBatch(ctx context.Context, docs []LexicalDocument) error {
	if len(docs) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bleve index: %w", ErrClosed)
	}

	batch := b.index.NewBatch()
	for _, d := range docs {
		doc := bleveDocument{Content: d.Content, FilePath: FilePathOf(d.DocID)}
		if err := batch.Index(d.DocID, doc); err != nil {
			return fmt.Errorf("index document %s: %w", d.DocID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("bleve index batch: %w", err)
	}
	b.version++
	b.logger.Debug("bleve_batch_indexed", slog.Int("docs", len(docs)))
	return nil
}

// RemoveBatch removes chunks by id.
func (b *BleveLexicalIndex) RemoveBatch(ctx context.Context, docIDs []string) error {
	if len(docIDs) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bleve index: %w", ErrClosed)
	}
	return b.deleteLocked(docIDs)
}

// RemoveByFilePaths removes every chunk of the given files.
func (b *BleveLexicalIndex) RemoveByFilePaths(ctx context.Context, filePaths []string) error {
	if len(filePaths) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bleve index: %w", ErrClosed)
	}

	count, err := b.index.DocCount()
	if err != nil {
		return fmt.Errorf("count documents: %w", err)
	}
	if count == 0 {
		return nil
	}

	var ids []string
	for _, path := range uniqueStrings(filePaths) {
		q := bleve.NewTermQuery(path)
		q.SetField(bleveFilePathField)
		req := bleve.NewSearchRequest(q)
		req.Size = int(count)
		res, err := b.index.SearchInContext(ctx, req)
		if err != nil {
			return fmt.Errorf("resolve chunks of %s: %w", path, err)
		}
		for _, hit := range res.Hits {
			ids = append(ids, hit.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return b.deleteLocked(ids)
}

func (b *BleveLexicalIndex) deleteLocked(ids []string) error {
	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("bleve remove batch: %w", err)
	}
	b.version++
	b.logger.Debug("bleve_batch_removed", slog.Int("docs", len(ids)))
	return nil
}

// Search returns the topK chunks for query.
func (b *BleveLexicalIndex) Search(ctx context.Context, query string, topK int) ([]*BM25Result, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("bleve index: %w", ErrClosed)
	}
	if topK <= 0 || strings.TrimSpace(query) == "" {
		return []*BM25Result{}, nil
	}

	q := bleve.NewMatchQuery(query)
	q.SetField(bleveContentField)
	req := bleve.NewSearchRequest(q)
	req.Size = topK
	req.IncludeLocations = true

	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bleve search: %w", err)
	}
	results := make([]*BM25Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		results = append(results, &BM25Result{
			DocID:        hit.ID,
			Score:        hit.Score,
			MatchedTerms: matchedTerms(hit),
		})
	}
	return results, nil
}

// Stats reports the document count. Bleve does not expose the average
// document length, so it is reported as zero.
func (b *BleveLexicalIndex) Stats(ctx context.Context) (CorpusStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return CorpusStats{}, fmt.Errorf("bleve index: %w", ErrClosed)
	}
	count, err := b.index.DocCount()
	if err != nil {
		return CorpusStats{}, fmt.Errorf("count documents: %w", err)
	}
	return CorpusStats{TotalDocuments: int(count), Version: b.version}, nil
}

// AllIDs returns every indexed chunk id.
func (b *BleveLexicalIndex) AllIDs(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("bleve index: %w", ErrClosed)
	}
	count, err := b.index.DocCount()
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	req.Size = int(count)
	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("list bleve ids: %w", err)
	}
	ids := make([]string, len(res.Hits))
	for i, hit := range res.Hits {
		ids[i] = hit.ID
	}
	return ids, nil
}

// Close closes the index.
func (b *BleveLexicalIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

func matchedTerms(hit *search.DocumentMatch) []string {
	terms := make([]string, 0, len(hit.Locations[bleveContentField]))
	for term := range hit.Locations[bleveContentField] {
		terms = append(terms, term)
	}
	return terms
}

func scriptTokenizerConstructor(config map[string]interface{}, _ *registry.Cache) (analysis.Tokenizer, error) {
	opts := DefaultTokenizerOptions()
	if v, ok := config["case_fold"].(bool); ok {
		opts.CaseFold = v
	}
	if v, ok := config["unigrams"].(bool); ok {
		opts.Unigrams = v
	}
	return &scriptTokenizer{opts: opts}, nil
}

// scriptTokenizer adapts Tokenize to analysis.Tokenizer. Offsets point into
// the input where the token can be found verbatim and are otherwise empty.
type scriptTokenizer struct {
	opts TokenizerOptions
}

func (t *scriptTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	tokens := Tokenize(text, t.opts)

	stream := make(analysis.TokenStream, 0, len(tokens))
	for i, tok := range tokens {
		start := strings.Index(text, tok)
		end := start + len(tok)
		if start < 0 {
			start, end = 0, 0
		}
		typ := analysis.AlphaNumeric
		if classify([]rune(tok)[0]) == classDense {
			typ = analysis.Ideographic
		}
		stream = append(stream, &analysis.Token{
			Term:     []byte(tok),
			Start:    start,
			End:      end,
			Position: i + 1,
			Type:     typ,
		})
	}
	return stream
}
