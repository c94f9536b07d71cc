package search

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Aman-CERP/hybridrank/internal/metrics"
)

// ErrQueueClosed is returned by a closed RerankQueue.
var ErrQueueClosed = errors.New("rerank queue is closed")

// DefaultQueueCapacity is the number of requests that may wait for the reranker.
const DefaultQueueCapacity = 64

type rerankJob struct {
	ctx      context.Context
	query    string
	docs     []string
	topN     int
	enqueued time.Time
	done     chan rerankOutcome
}

type rerankOutcome struct {
	results []RerankResult
	err     error
}

// RerankQueue serialises calls to a Reranker that accepts one in-flight
// request at a time. Requests are served in FIFO order by a single worker.
type RerankQueue struct {
	reranker Reranker
	metrics  *metrics.Metrics
	logger   *slog.Logger

	jobs   chan *rerankJob
	stopCh chan struct{}
	doneCh chan struct{}

	mu     sync.RWMutex
	closed bool
}

// QueueOption configures a RerankQueue.
type QueueOption func(*RerankQueue)

// WithQueueMetrics records queue wait times.
func WithQueueMetrics(m *metrics.Metrics) QueueOption {
	return func(q *RerankQueue) {
		q.metrics = m
	}
}

// WithQueueLogger sets the logger.
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *RerankQueue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// NewRerankQueue starts the worker serving r.
func NewRerankQueue(r Reranker, capacity int, opts ...QueueOption) *RerankQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	q := &RerankQueue{
		reranker: r,
		logger:   slog.Default(),
		jobs:     make(chan *rerankJob, capacity),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	go q.run()
	return q
}

// Ready reports whether the underlying reranker is ready.
func (q *RerankQueue) Ready(ctx context.Context) bool {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	return !closed && q.reranker.Ready(ctx)
}

// Rerank enqueues a request and waits for its turn and its result.
// A request whose context ends while it waits is never sent.
func (q *RerankQueue) Rerank(ctx context.Context, query string, docs []string, topN int) ([]RerankResult, error) {
	job := &rerankJob{
		ctx:      ctx,
		query:    query,
		docs:     docs,
		topN:     topN,
		enqueued: time.Now(),
		done:     make(chan rerankOutcome, 1),
	}

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return nil, ErrQueueClosed
	}
	select {
	case q.jobs <- job:
		q.mu.RUnlock()
	case <-ctx.Done():
		q.mu.RUnlock()
		return nil, ctx.Err()
	}

	select {
	case out := <-job.done:
		return out.results, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *RerankQueue) run() {
	defer close(q.doneCh)
	for {
		select {
		case <-q.stopCh:
			q.drain()
			return
		case job := <-q.jobs:
			q.serve(job)
		}
	}
}

func (q *RerankQueue) serve(job *rerankJob) {
	if err := job.ctx.Err(); err != nil {
		job.done <- rerankOutcome{err: err}
		return
	}
	wait := time.Since(job.enqueued)
	q.metrics.ObserveRerankWait(wait)

	results, err := q.reranker.Rerank(job.ctx, job.query, job.docs, job.topN)
	q.logger.Debug("rerank_served",
		slog.Int("documents", len(job.docs)),
		slog.Duration("queue_wait", wait),
		slog.Bool("ok", err == nil))
	job.done <- rerankOutcome{results: results, err: err}
}

// drain fails the requests still waiting after Close.
func (q *RerankQueue) drain() {
	for {
		select {
		case job := <-q.jobs:
			job.done <- rerankOutcome{err: ErrQueueClosed}
		default:
			return
		}
	}
}

// Close stops the worker and closes the reranker. Requests still queued
// fail with ErrQueueClosed.
func (q *RerankQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stopCh)
	<-q.doneCh
	return q.reranker.Close()
}
