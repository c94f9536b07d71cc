package corpus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	apperrors "github.com/Aman-CERP/hybridrank/internal/errors"
)

// maxJSONLLine bounds one corpus record.
const maxJSONLLine = 16 * 1024 * 1024

type jsonlRecord struct {
	ID    string `json:"_id"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// JSONLSource is an in-memory corpus read from a BEIR corpus.jsonl file.
// Document paths are the record ids.
type JSONLSource struct {
	docs  map[string]Document
	order []string
}

var _ Source = (*JSONLSource)(nil)

// LoadJSONL reads every record of a corpus.jsonl file. Blank lines are
// skipped; a record without "_id" or a duplicate id is an error.
func LoadJSONL(path string) (*JSONLSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeFileNotFound, "open corpus "+path, err)
	}
	defer func() { _ = f.Close() }()

	src := &JSONLSource{docs: make(map[string]Document)}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxJSONLLine)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var rec jsonlRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, apperrors.New(apperrors.ErrCodeInvalidInput,
				fmt.Sprintf("%s:%d: decode record", path, line), err)
		}
		if rec.ID == "" {
			return nil, apperrors.New(apperrors.ErrCodeInvalidInput,
				fmt.Sprintf("%s:%d: record has no _id", path, line), nil)
		}
		if _, dup := src.docs[rec.ID]; dup {
			return nil, apperrors.New(apperrors.ErrCodeInvalidInput,
				fmt.Sprintf("%s:%d: duplicate _id %q", path, line, rec.ID), nil)
		}
		src.docs[rec.ID] = Document{
			Path:  rec.ID,
			Title: strings.TrimSpace(rec.Title),
			Text:  normalizeNewlines(rec.Text),
			Size:  int64(len(rec.Text)),
		}
		src.order = append(src.order, rec.ID)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read corpus %s: %w", path, err)
	}
	sort.Strings(src.order)
	return src, nil
}

// Len returns the number of documents.
func (s *JSONLSource) Len() int {
	return len(s.order)
}

// List implements Source.
func (s *JSONLSource) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(s.order))
	for _, id := range s.order {
		entries = append(entries, Entry{Path: id, Size: s.docs[id].Size})
	}
	return entries, nil
}

// Load implements Source.
func (s *JSONLSource) Load(ctx context.Context, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	doc, ok := s.docs[id]
	if !ok {
		return Document{}, apperrors.New(apperrors.ErrCodeFileNotFound, "no corpus record "+id, nil)
	}
	return doc, nil
}
