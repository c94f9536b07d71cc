package eval

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// SummaryHeader is the header row of a CSV summary.
var SummaryHeader = []string{"run", "nDCG@10", "Recall@10", "Recall@100", "MRR@10", "MAP"}

// Summary is the scored result of one named run.
type Summary struct {
	Run     string
	Metrics Metrics
}

func (s Summary) row() []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }
	m := s.Metrics
	return []string{s.Run, f(m.NDCG10), f(m.Recall10), f(m.Recall100), f(m.MRR10), f(m.MAP)}
}

// WriteCSV writes summaries as CSV with SummaryHeader.
func WriteCSV(w io.Writer, summaries []Summary) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(SummaryHeader); err != nil {
		return err
	}
	for _, s := range summaries {
		if err := cw.Write(s.row()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteTable writes summaries as an aligned comparison table.
func WriteTable(w io.Writer, summaries []Summary) error {
	width := len("run")
	for _, s := range summaries {
		width = max(width, len(s.Run))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-*s %10s %10s %11s %10s %10s\n", width, "run", "nDCG@10", "Recall@10", "Recall@100", "MRR@10", "MAP")
	b.WriteString(strings.Repeat("-", width+56))
	b.WriteByte('\n')
	for _, s := range summaries {
		m := s.Metrics
		fmt.Fprintf(&b, "%-*s %10.4f %10.4f %11.4f %10.4f %10.4f\n", width, s.Run, m.NDCG10, m.Recall10, m.Recall100, m.MRR10, m.MAP)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
