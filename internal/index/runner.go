package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Aman-CERP/hybridrank/internal/corpus"
	apperrors "github.com/Aman-CERP/hybridrank/internal/errors"
	"github.com/Aman-CERP/hybridrank/internal/metrics"
	"github.com/Aman-CERP/hybridrank/internal/search"
)

// DefaultBatchSize is the number of documents indexed between progress reports.
const DefaultBatchSize = 32

// RunnerConfig configures an indexing run.
type RunnerConfig struct {
	// BatchSize is the number of documents per batch.
	BatchSize int

	// Force re-indexes documents whose mtime and size are unchanged.
	Force bool

	// Prune removes indexed documents that the source no longer lists.
	Prune bool

	// Retry applies to retryable embedding failures only.
	Retry apperrors.RetryConfig
}

// DefaultRunnerConfig returns the default configuration.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		BatchSize: DefaultBatchSize,
		Prune:     true,
		Retry: apperrors.RetryConfig{
			MaxRetries:   2,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
		},
	}
}

// DocumentReport is the outcome of one document.
type DocumentReport struct {
	Path     string
	Chunks   int
	Removed  int
	Skipped  bool
	Err      error
	Duration time.Duration
}

// Report summarises an indexing run.
type Report struct {
	Indexed int
	Skipped int
	Failed  int
	Chunks  int

	// Pruned is the number of documents removed because the source no
	// longer lists them.
	Pruned int

	Documents []DocumentReport
	Duration  time.Duration
}

// Failures returns the reports of failed documents.
func (r *Report) Failures() []DocumentReport {
	var out []DocumentReport
	for _, d := range r.Documents {
		if d.Err != nil {
			out = append(out, d)
		}
	}
	return out
}

func (r *Report) add(d DocumentReport) {
	r.Documents = append(r.Documents, d)
	switch {
	case d.Err != nil:
		r.Failed++
	case d.Skipped:
		r.Skipped++
	default:
		r.Indexed++
		r.Chunks += d.Chunks
	}
}

// Progress is passed to the progress callback after every document.
type Progress struct {
	Done  int
	Total int
	Path  string
}

// Runner writes the documents of a corpus.Source into a search engine, one
// document at a time. A failing document is recorded and the run continues.
type Runner struct {
	engine   *search.Engine
	metrics  *metrics.Metrics
	logger   *slog.Logger
	config   RunnerConfig
	progress func(Progress)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerConfig replaces the default configuration.
func WithRunnerConfig(cfg RunnerConfig) RunnerOption {
	return func(r *Runner) {
		r.config = cfg
	}
}

// WithRunnerMetrics records failed documents.
func WithRunnerMetrics(m *metrics.Metrics) RunnerOption {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithProgress registers a callback invoked after every document.
func WithProgress(fn func(Progress)) RunnerOption {
	return func(r *Runner) {
		r.progress = fn
	}
}

// NewRunner creates a runner for engine.
func NewRunner(engine *search.Engine, opts ...RunnerOption) (*Runner, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	r := &Runner{
		engine: engine,
		logger: slog.Default(),
		config: DefaultRunnerConfig(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.config.BatchSize <= 0 {
		r.config.BatchSize = DefaultBatchSize
	}
	return r, nil
}

// Run indexes every document of src. It returns the partial report together
// with the context error when ctx ends, and aborts on fatal errors such as an
// embedding dimension mismatch.
func (r *Runner) Run(ctx context.Context, src corpus.Source) (*Report, error) {
	start := time.Now()
	report := &Report{}

	entries, err := src.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	r.logger.Info("index_started", slog.Int("documents", len(entries)))

	if r.config.Prune {
		pruned, err := r.prune(ctx, entries)
		if err != nil {
			return nil, err
		}
		report.Pruned = pruned
	}

	total := len(entries)
	for batchStart := 0; batchStart < total; batchStart += r.config.BatchSize {
		batchEnd := min(batchStart+r.config.BatchSize, total)
		for i := batchStart; i < batchEnd; i++ {
			if err := ctx.Err(); err != nil {
				report.Duration = time.Since(start)
				return report, err
			}

			doc := r.indexOne(ctx, src, entries[i])
			report.add(doc)
			if r.progress != nil {
				r.progress(Progress{Done: i + 1, Total: total, Path: doc.Path})
			}
			if doc.Err != nil && abortsRun(doc.Err) {
				report.Duration = time.Since(start)
				return report, doc.Err
			}
		}
		r.logger.Debug("index_batch_done",
			slog.Int("done", batchEnd),
			slog.Int("total", total))
	}

	report.Duration = time.Since(start)
	r.logger.Info("index_complete",
		slog.Int("indexed", report.Indexed),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
		slog.Int("pruned", report.Pruned),
		slog.Int("chunks", report.Chunks),
		slog.Int64("duration_ms", report.Duration.Milliseconds()))
	return report, nil
}

// prune removes indexed files missing from entries.
func (r *Runner) prune(ctx context.Context, entries []corpus.Entry) (int, error) {
	indexed, err := r.engine.IndexedFiles(ctx)
	if err != nil {
		return 0, err
	}
	listed := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		listed[e.Path] = struct{}{}
	}
	var gone []string
	for _, p := range indexed {
		if _, ok := listed[p]; !ok {
			gone = append(gone, p)
		}
	}
	if len(gone) == 0 {
		return 0, nil
	}
	if _, err := r.engine.RemoveFiles(ctx, gone); err != nil {
		return 0, fmt.Errorf("prune removed documents: %w", err)
	}
	return len(gone), nil
}

func (r *Runner) indexOne(ctx context.Context, src corpus.Source, entry corpus.Entry) DocumentReport {
	start := time.Now()
	rep := DocumentReport{Path: entry.Path}

	if !r.config.Force && !entry.ModTime.IsZero() {
		mtime, size, ok, err := r.engine.IndexedVersion(ctx, entry.Path)
		if err != nil {
			return r.fail(rep, start, err)
		}
		if ok && mtime.Equal(entry.ModTime) && size == entry.Size {
			rep.Skipped = true
			rep.Duration = time.Since(start)
			return rep
		}
	}

	doc, err := src.Load(ctx, entry.Path)
	if err != nil {
		return r.fail(rep, start, err)
	}

	retry := r.config.Retry
	retry.ShouldRetry = apperrors.IsRetryable
	res, err := apperrors.RetryWithResult(ctx, retry, func() (*search.IndexResult, error) {
		return r.engine.IndexDocument(ctx, search.Document{
			Path:    doc.Path,
			Title:   doc.Title,
			Content: doc.Text,
			MTime:   doc.ModTime,
			Size:    doc.Size,
		})
	})
	if err != nil {
		return r.fail(rep, start, err)
	}

	rep.Chunks = res.Chunks
	rep.Removed = res.Removed
	rep.Duration = time.Since(start)
	return rep
}

func (r *Runner) fail(rep DocumentReport, start time.Time, err error) DocumentReport {
	rep.Err = err
	rep.Duration = time.Since(start)
	r.metrics.ObserveFailedDocument()
	r.logger.Warn("document_index_failed",
		append([]any{slog.String("path", rep.Path)}, apperrors.LogAttrs(err)...)...)
	return rep
}

// abortsRun reports whether err makes every following document fail too.
func abortsRun(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return apperrors.IsFatal(err) || apperrors.GetCode(err) == apperrors.ErrCodeDimensionMismatch
}
