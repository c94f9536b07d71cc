package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// LexicalReport lists invariant violations found by BM25Index.Verify.
type LexicalReport struct {
	// DocumentFrequencyMismatches are tokens whose df differs from their posting count.
	DocumentFrequencyMismatches []string
	// DanglingPostings are "token -> docID" pairs pointing at unknown chunks.
	DanglingPostings []string
	// MissingPostings are "token -> docID" pairs present in token info but absent from the entry.
	MissingPostings []string
	// StatsMismatch describes a disagreement between CorpusStats and the doc table.
	StatsMismatch string

	Terms     int
	Documents int
}

// OK reports whether no violation was found.
func (r *LexicalReport) OK() bool {
	return len(r.DocumentFrequencyMismatches) == 0 &&
		len(r.DanglingPostings) == 0 &&
		len(r.MissingPostings) == 0 &&
		r.StatsMismatch == ""
}

// Verify walks the lexical namespaces and checks the index invariants:
// df == |postings| for every entry, postings only reference indexed chunks,
// every chunk token has its posting, and the stats match the doc table.
func (b *BM25Index) Verify(ctx context.Context) (*LexicalReport, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	report := &LexicalReport{}

	docs := make(map[string]DocumentTokenInfo)
	var totalTokens int64
	err := b.kv.Iterate(ctx, NamespaceLexicalDocs, "", func(key string, value []byte) error {
		var info DocumentTokenInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return fmt.Errorf("decode token info %s: %w", key, err)
		}
		docs[key] = info
		totalTokens += int64(info.Length)
		return nil
	})
	if err != nil {
		return nil, err
	}
	report.Documents = len(docs)

	postings := make(map[string]map[string]int)
	err = b.kv.Iterate(ctx, NamespaceLexicalTerms, "", func(key string, value []byte) error {
		var e InvertedIndexEntry
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("decode entry %s: %w", key, err)
		}
		report.Terms++
		if e.DocumentFrequency != len(e.Postings) || len(e.Postings) == 0 {
			report.DocumentFrequencyMismatches = append(report.DocumentFrequencyMismatches,
				fmt.Sprintf("%s: df=%d postings=%d", key, e.DocumentFrequency, len(e.Postings)))
		}
		for id := range e.Postings {
			if _, ok := docs[id]; !ok {
				report.DanglingPostings = append(report.DanglingPostings, key+" -> "+id)
			}
		}
		postings[key] = e.Postings
		return nil
	})
	if err != nil {
		return nil, err
	}

	for id, info := range docs {
		for tok, f := range CalculateTermFrequency(info.Tokens) {
			if postings[tok][id] != f {
				report.MissingPostings = append(report.MissingPostings, tok+" -> "+id)
			}
		}
	}

	stats, err := b.loadStats(ctx)
	if err != nil {
		return nil, err
	}
	if stats.TotalDocuments != len(docs) || stats.TotalTokens != totalTokens {
		report.StatsMismatch = fmt.Sprintf("stats report %d docs / %d tokens, doc table has %d docs / %d tokens",
			stats.TotalDocuments, stats.TotalTokens, len(docs), totalTokens)
	}

	sort.Strings(report.DocumentFrequencyMismatches)
	sort.Strings(report.DanglingPostings)
	sort.Strings(report.MissingPostings)
	return report, nil
}
