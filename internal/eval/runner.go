package eval

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/hybridrank/internal/search"
)

// Searcher runs file level queries. *search.Engine implements it.
type Searcher interface {
	Search(ctx context.Context, query string, opts search.SearchOptions) (*search.SearchResponse, error)
}

// RunnerConfig configures a benchmark run.
type RunnerConfig struct {
	// TopK is the number of documents kept per query.
	TopK int

	// Concurrency bounds the queries in flight; zero means GOMAXPROCS.
	Concurrency int

	// Options are passed to every search; Limit is replaced by TopK.
	Options search.SearchOptions

	// DocID maps a result path to a judged document id; nil means DocID.
	DocID func(path string) string
}

// DefaultRunnerConfig keeps 100 documents per query.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{TopK: 100}
}

// RunReport summarises a benchmark run.
type RunReport struct {
	Queries  int
	Failed   []string
	Degraded int
	Duration time.Duration
}

// Runner searches every benchmark query and collects a TREC run.
type Runner struct {
	searcher Searcher
	cfg      RunnerConfig
	logger   *slog.Logger
}

// NewRunner creates a runner over searcher. A nil logger uses slog.Default().
func NewRunner(searcher Searcher, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultRunnerConfig().TopK
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.GOMAXPROCS(0)
	}
	if cfg.DocID == nil {
		cfg.DocID = DocID
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{searcher: searcher, cfg: cfg, logger: logger}
}

// Run searches queries concurrently. A failing query is logged and left out
// of the run; cancellation stops the run and returns the context error.
func (r *Runner) Run(ctx context.Context, queries []Query) (Run, *RunReport, error) {
	start := time.Now()
	run := make(Run, len(queries))
	report := &RunReport{Queries: len(queries)}

	opts := r.cfg.Options
	opts.Limit = r.cfg.TopK

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, q := range queries {
		g.Go(func() error {
			resp, err := r.searcher.Search(gctx, q.Text, opts)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				r.logger.Warn("eval_query_failed", slog.String("query_id", q.ID), slog.String("error", err.Error()))
				mu.Lock()
				report.Failed = append(report.Failed, q.ID)
				mu.Unlock()
				return nil
			}

			hits := r.hits(resp.Results)
			mu.Lock()
			run[q.ID] = hits
			if resp.Degraded.Any() {
				report.Degraded++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	report.Duration = time.Since(start)
	r.logger.Info("eval_run_complete",
		slog.Int("queries", report.Queries),
		slog.Int("failed", len(report.Failed)),
		slog.Int("degraded", report.Degraded),
		slog.Duration("duration", report.Duration))
	return run, report, nil
}

// hits converts results to ranked hits, keeping the first result of each
// document id.
func (r *Runner) hits(results []search.SearchResult) []Hit {
	hits := make([]Hit, 0, len(results))
	seen := make(map[string]bool, len(results))
	for _, res := range results {
		id := r.cfg.DocID(res.FilePath)
		if seen[id] {
			continue
		}
		seen[id] = true
		hits = append(hits, Hit{DocID: id, Rank: len(hits) + 1, Score: res.Score})
		if len(hits) == r.cfg.TopK {
			break
		}
	}
	return hits
}

var docExtensions = []string{".md", ".markdown", ".txt"}

// DocID maps an indexed path to a benchmark document id: the base name of a
// markdown or text file without its extension, otherwise the path itself.
// Corpora read from corpus.jsonl are indexed under their ids already.
func DocID(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	for _, ext := range docExtensions {
		if strings.HasSuffix(strings.ToLower(p), ext) {
			base := path.Base(p)
			return base[:len(base)-len(ext)]
		}
	}
	return p
}
