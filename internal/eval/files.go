package eval

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	apperrors "github.com/Aman-CERP/hybridrank/internal/errors"
)

const maxLine = 1024 * 1024

// LoadQueries reads a BEIR queries.jsonl file ({"_id", "text"} per line) in
// file order. Blank lines are skipped.
func LoadQueries(path string) ([]Query, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeFileNotFound, "open queries "+path, err)
	}
	defer func() { _ = f.Close() }()

	var (
		queries []Query
		seen    = make(map[string]bool)
		line    int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var rec struct {
			ID   string `json:"_id"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, invalid(path, line, "decode query", err)
		}
		if rec.ID == "" {
			return nil, invalid(path, line, "query has no _id", nil)
		}
		if seen[rec.ID] {
			return nil, invalid(path, line, fmt.Sprintf("duplicate query id %q", rec.ID), nil)
		}
		seen[rec.ID] = true
		queries = append(queries, Query{ID: rec.ID, Text: rec.Text})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read queries %s: %w", path, err)
	}
	return queries, nil
}

// LoadQrels reads relevance judgements. A ".tsv" file must have the BEIR
// header "query-id corpus-id score"; any other file is read as TREC qrels
// ("qid iter docid grade").
func LoadQrels(path string) (Qrels, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeFileNotFound, "open qrels "+path, err)
	}
	defer func() { _ = f.Close() }()

	if strings.HasSuffix(strings.ToLower(path), ".tsv") {
		return readQrelsTSV(path, f)
	}
	return readQrelsTREC(path, f)
}

func readQrelsTSV(path string, r io.Reader) (Qrels, error) {
	reader := csv.NewReader(r)
	reader.Comma = '\t'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, invalid(path, 1, "read header", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, name := range []string{"query-id", "corpus-id", "score"} {
		if _, ok := col[name]; !ok {
			return nil, invalid(path, 1, "header has no "+name+" column", nil)
		}
	}

	qrels := make(Qrels)
	for line := 2; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, invalid(path, line, "read judgement", err)
		}
		if len(rec) < len(header) {
			return nil, invalid(path, line, "short judgement", nil)
		}
		grade, err := strconv.Atoi(strings.TrimSpace(rec[col["score"]]))
		if err != nil {
			return nil, invalid(path, line, "score is not an integer", err)
		}
		qrels.add(strings.TrimSpace(rec[col["query-id"]]), strings.TrimSpace(rec[col["corpus-id"]]), grade)
	}
	return qrels, nil
}

func readQrelsTREC(path string, r io.Reader) (Qrels, error) {
	qrels := make(Qrels)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for line := 1; scanner.Scan(); line++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 4 {
			return nil, invalid(path, line, "want 4 fields", nil)
		}
		grade, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, invalid(path, line, "grade is not an integer", err)
		}
		qrels.add(fields[0], fields[2], grade)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read qrels %s: %w", path, err)
	}
	return qrels, nil
}

func (q Qrels) add(qid, docID string, grade int) {
	if q[qid] == nil {
		q[qid] = make(map[string]int)
	}
	q[qid][docID] = grade
}

// ReadRun reads a TREC run file ("qid Q0 docid rank score run_id").
func ReadRun(path string) (Run, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeFileNotFound, "open run "+path, err)
	}
	defer func() { _ = f.Close() }()

	run := make(Run)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for line := 1; scanner.Scan(); line++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 6 {
			return nil, invalid(path, line, "want 6 fields", nil)
		}
		rank, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, invalid(path, line, "rank is not an integer", err)
		}
		score, err := strconv.ParseFloat(fields[4], 64)
		if err != nil {
			return nil, invalid(path, line, "score is not a number", err)
		}
		run[fields[0]] = append(run[fields[0]], Hit{DocID: fields[2], Rank: rank, Score: score})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read run %s: %w", path, err)
	}
	return run, nil
}

// WriteRun writes run in TREC format, queries sorted by id and hits in rank
// order. Ranks are rewritten from 1.
func WriteRun(w io.Writer, runID string, run Run) error {
	bw := bufio.NewWriter(w)
	for _, qid := range run.QueryIDs() {
		for i, hit := range run.Ranked(qid) {
			if _, err := fmt.Fprintf(bw, "%s Q0 %s %d %s %s\n",
				qid, hit.DocID, i+1, strconv.FormatFloat(hit.Score, 'f', -1, 64), runID); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// WriteRunFile writes run to path, creating or truncating it.
func WriteRunFile(path, runID string, run Run) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create run %s: %w", path, err)
	}
	if err := WriteRun(f, runID, run); err != nil {
		_ = f.Close()
		return fmt.Errorf("write run %s: %w", path, err)
	}
	return f.Close()
}

func invalid(path string, line int, msg string, cause error) error {
	return apperrors.New(apperrors.ErrCodeInvalidInput, fmt.Sprintf("%s:%d: %s", path, line, msg), cause)
}
