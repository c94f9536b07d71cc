package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	apperrors "github.com/Aman-CERP/hybridrank/internal/errors"
)

const (
	rerankPath = "/rerank"
	healthPath = "/health"

	// DefaultRerankTimeout bounds one rerank request.
	DefaultRerankTimeout = 30 * time.Second

	// healthTTL is how long a health check answer is reused.
	healthTTL = 5 * time.Second
)

// HTTPRerankerConfig configures an HTTPReranker.
type HTTPRerankerConfig struct {
	// Endpoint is the service base URL, e.g. http://localhost:8080.
	Endpoint string

	// Model is sent with every request; some servers ignore it.
	Model string

	Timeout    time.Duration
	MaxRetries int

	// MaxFailures consecutive failures open the circuit for ResetTimeout.
	MaxFailures  int
	ResetTimeout time.Duration
}

type rerankRequest struct {
	Model           string   `json:"model,omitempty"`
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	TopN            int      `json:"top_n,omitempty"`
	ReturnDocuments bool     `json:"return_documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// HTTPReranker calls a Cohere-compatible /rerank endpoint, as served by
// Jina, Infinity, vLLM and llama.cpp. Calls go through a circuit breaker so
// an unhealthy service is skipped instead of slowing every query.
type HTTPReranker struct {
	client  *resty.Client
	config  HTTPRerankerConfig
	breaker *apperrors.CircuitBreaker
	logger  *slog.Logger

	mu        sync.Mutex
	checkedAt time.Time
	healthy   bool
}

var _ Reranker = (*HTTPReranker)(nil)

// NewHTTPReranker creates an HTTP reranker. It does not contact the service.
func NewHTTPReranker(cfg HTTPRerankerConfig, logger *slog.Logger) (*HTTPReranker, error) {
	if cfg.Endpoint == "" {
		return nil, apperrors.ConfigError("reranker endpoint is required", nil).
			WithSuggestion("Set reranker.endpoint or disable the reranker")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRerankTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	var breakerOpts []apperrors.CircuitBreakerOption
	if cfg.MaxFailures > 0 {
		breakerOpts = append(breakerOpts, apperrors.WithMaxFailures(cfg.MaxFailures))
	}
	if cfg.ResetTimeout > 0 {
		breakerOpts = append(breakerOpts, apperrors.WithResetTimeout(cfg.ResetTimeout))
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.Endpoint, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		return r != nil && (r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests)
	})

	return &HTTPReranker{
		client:  client,
		config:  cfg,
		breaker: apperrors.NewCircuitBreaker("reranker", breakerOpts...),
		logger:  logger,
	}, nil
}

// Rerank implements Reranker.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error) {
	if len(documents) == 0 {
		return []RerankResult{}, nil
	}
	results, err := apperrors.CircuitExecute(r.breaker, func() ([]RerankResult, error) {
		return r.doRerank(ctx, query, documents, topN)
	})
	if errors.Is(err, apperrors.ErrCircuitOpen) {
		return nil, apperrors.New(apperrors.ErrCodeRerankFailed, "reranker circuit is open", err).
			WithDetail("endpoint", r.config.Endpoint)
	}
	return results, err
}

func (r *HTTPReranker) doRerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error) {
	start := time.Now()
	var out rerankResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(rerankRequest{Model: r.config.Model, Query: query, Documents: documents, TopN: topN}).
		SetResult(&out).
		Post(rerankPath)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apperrors.New(apperrors.ErrCodeRerankFailed, "rerank request failed", err).
			WithRetryable(true).
			WithDetail("endpoint", r.config.Endpoint)
	}
	if !resp.IsSuccess() {
		return nil, apperrors.New(apperrors.ErrCodeRerankFailed,
			fmt.Sprintf("rerank request returned %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String())), nil).
			WithRetryable(resp.StatusCode() >= 500)
	}

	results := make([]RerankResult, 0, len(out.Results))
	for _, res := range out.Results {
		if res.Index < 0 || res.Index >= len(documents) {
			return nil, apperrors.New(apperrors.ErrCodeRerankFailed,
				fmt.Sprintf("rerank result index %d out of range [0, %d)", res.Index, len(documents)), nil)
		}
		results = append(results, RerankResult{Index: res.Index, Score: res.RelevanceScore})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if topN > 0 && len(results) > topN {
		results = results[:topN]
	}

	r.logger.Debug("rerank_done",
		slog.Int("documents", len(documents)),
		slog.Int("results", len(results)),
		slog.Duration("duration", time.Since(start)))
	return results, nil
}

// Ready reports whether the circuit lets calls through and the service
// answers its health check. Health answers are reused for healthTTL.
func (r *HTTPReranker) Ready(ctx context.Context) bool {
	if !r.breaker.Allow() {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.checkedAt.IsZero() && time.Since(r.checkedAt) < healthTTL {
		return r.healthy
	}

	resp, err := r.client.R().SetContext(ctx).Get(healthPath)
	r.checkedAt = time.Now()
	r.healthy = err == nil && resp.IsSuccess()
	if !r.healthy {
		r.logger.Debug("reranker_unavailable",
			slog.String("endpoint", r.config.Endpoint),
			slog.Any("error", err))
	}
	return r.healthy
}

// Close releases idle connections.
func (r *HTTPReranker) Close() error {
	r.client.GetClient().CloseIdleConnections()
	return nil
}
