// Package metrics exposes Prometheus counters and histograms for search and
// indexing. Every Metrics value owns its own registry, so tests and multiple
// engines in one process never collide.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hybridrank"

// Query outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeDegraded = "degraded"
	OutcomeFailed   = "failed"
)

// Signals that can degrade a query.
const (
	SignalLexical = "lexical"
	SignalVector  = "vector"
	SignalRerank  = "rerank"
)

// Metrics groups the collectors of one engine.
type Metrics struct {
	registry *prometheus.Registry

	queries         *prometheus.CounterVec
	degraded        *prometheus.CounterVec
	searchLatency   prometheus.Histogram
	indexedChunks   prometheus.Counter
	indexedDocs     prometheus.Counter
	failedDocs      prometheus.Counter
	removedFiles    prometheus.Counter
	embedLatency    prometheus.Histogram
	rerankQueueWait prometheus.Histogram
}

// New creates a Metrics with a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Search queries by outcome.",
		}, []string{"outcome"}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_queries_total",
			Help:      "Queries answered without one of their signals.",
		}, []string{"signal"}),
		searchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "End-to-end search latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		indexedChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indexed_chunks_total",
			Help:      "Chunks written to the index, title chunks included.",
		}),
		indexedDocs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indexed_documents_total",
			Help:      "Documents indexed successfully.",
		}),
		failedDocs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_documents_total",
			Help:      "Documents whose indexing failed.",
		}),
		removedFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "removed_files_total",
			Help:      "Files removed from the index.",
		}),
		embedLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "embedding_duration_seconds",
			Help:      "Latency of embedding calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		rerankQueueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rerank_queue_wait_seconds",
			Help:      "Time a rerank request waited for the single worker.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		m.queries,
		m.degraded,
		m.searchLatency,
		m.indexedChunks,
		m.indexedDocs,
		m.failedDocs,
		m.removedFiles,
		m.embedLatency,
		m.rerankQueueWait,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveQuery records one search with its outcome and degraded signals.
func (m *Metrics) ObserveQuery(outcome string, d time.Duration, degraded ...string) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(outcome).Inc()
	m.searchLatency.Observe(d.Seconds())
	for _, s := range degraded {
		m.degraded.WithLabelValues(s).Inc()
	}
}

// ObserveIndexed records a successfully indexed document of n chunks.
func (m *Metrics) ObserveIndexed(chunks int) {
	if m == nil {
		return
	}
	m.indexedDocs.Inc()
	m.indexedChunks.Add(float64(chunks))
}

// ObserveFailedDocument records a document that could not be indexed.
func (m *Metrics) ObserveFailedDocument() {
	if m == nil {
		return
	}
	m.failedDocs.Inc()
}

// ObserveRemoved records removed files.
func (m *Metrics) ObserveRemoved(files int) {
	if m == nil {
		return
	}
	m.removedFiles.Add(float64(files))
}

// ObserveEmbedding records the latency of one embedding call.
func (m *Metrics) ObserveEmbedding(d time.Duration) {
	if m == nil {
		return
	}
	m.embedLatency.Observe(d.Seconds())
}

// ObserveRerankWait records how long a rerank request queued.
func (m *Metrics) ObserveRerankWait(d time.Duration) {
	if m == nil {
		return
	}
	m.rerankQueueWait.Observe(d.Seconds())
}
