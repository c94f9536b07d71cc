package embed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	apperrors "github.com/Aman-CERP/hybridrank/internal/errors"
)

// Ollama-compatible API defaults.
const (
	// DefaultHost is the default embedding endpoint.
	DefaultHost = "http://localhost:11434"

	// DefaultModel is the default embedding model.
	DefaultModel = "nomic-embed-text"

	embedPath = "/api/embed"
	tagsPath  = "/api/tags"
)

// HTTPConfig configures an HTTPEmbedder.
type HTTPConfig struct {
	// Host is the API base URL (default: http://localhost:11434).
	Host string

	// Model is the embedding model name.
	Model string

	// Dimensions pins the expected dimension; 0 learns it from the first
	// response.
	Dimensions int

	// BatchSize is the number of texts per request (default: 32).
	BatchSize int

	// Timeout bounds one request including retries' individual attempts.
	Timeout time.Duration

	// MaxRetries is the number of transport retries for 5xx, 429 and
	// network errors.
	MaxRetries int

	// QueryPrefix and PassagePrefix are prepended by kind, for models
	// trained with instruction prefixes.
	QueryPrefix   string
	PassagePrefix string

	// Counter measures text for the chunk budget (default: words).
	Counter TokenCounter
}

// DefaultHTTPConfig returns the defaults for a local Ollama server.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Host:       DefaultHost,
		Model:      DefaultModel,
		BatchSize:  DefaultBatchSize,
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
	}
}

// embedRequest is the /api/embed request.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse is the /api/embed response.
type embedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

// tagsResponse is the /api/tags response.
type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// HTTPEmbedder generates embeddings through an Ollama-compatible HTTP API.
type HTTPEmbedder struct {
	client *resty.Client
	config HTTPConfig
	logger *slog.Logger

	mu     sync.RWMutex
	dims   int
	closed bool
}

var _ Embedder = (*HTTPEmbedder)(nil)

// NewHTTPEmbedder creates an HTTP embedder. It does not contact the server;
// use Available for a health check.
func NewHTTPEmbedder(cfg HTTPConfig, logger *slog.Logger) *HTTPEmbedder {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Counter == nil {
		cfg.Counter = WordCounter{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.Host, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second)
	client.AddRetryCondition(retryCondition)

	return &HTTPEmbedder{
		client: client,
		config: cfg,
		logger: logger,
		dims:   cfg.Dimensions,
	}
}

// retryCondition retries network errors, 5xx and 429 responses.
func retryCondition(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}
	return isTransientStatus(r.StatusCode())
}

func isTransientStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// Embed generates the embedding of a single text.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string, kind Kind) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text}, kind)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in requests of at most BatchSize texts.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string, kind Kind) ([][]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	prefix := e.prefix(kind)
	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := min(start+e.config.BatchSize, len(texts))

		input := make([]string, end-start)
		for i, t := range texts[start:end] {
			input[i] = prefix + t
		}

		vecs, err := e.doEmbed(ctx, input)
		if err != nil {
			return nil, err
		}
		results = append(results, vecs...)
	}
	return results, nil
}

func (e *HTTPEmbedder) prefix(kind Kind) string {
	if kind == KindQuery {
		return e.config.QueryPrefix
	}
	return e.config.PassagePrefix
}

func (e *HTTPEmbedder) doEmbed(ctx context.Context, input []string) ([][]float32, error) {
	start := time.Now()
	var out embedResponse
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(embedRequest{Model: e.config.Model, Input: input}).
		SetResult(&out).
		Post(embedPath)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apperrors.New(apperrors.ErrCodeEmbeddingFailed, "embedding request failed", err).
			WithRetryable(true).
			WithDetail("host", e.config.Host)
	}
	if !resp.IsSuccess() {
		return nil, apperrors.New(apperrors.ErrCodeEmbeddingFailed,
			fmt.Sprintf("embedding request returned %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String())), nil).
			WithRetryable(isTransientStatus(resp.StatusCode())).
			WithDetail("model", e.config.Model)
	}
	if len(out.Embeddings) != len(input) {
		return nil, apperrors.New(apperrors.ErrCodeEmbeddingFailed,
			fmt.Sprintf("expected %d embeddings, got %d", len(input), len(out.Embeddings)), nil)
	}

	vecs := make([][]float32, len(out.Embeddings))
	for i, raw := range out.Embeddings {
		vec := make([]float32, len(raw))
		for j, v := range raw {
			vec[j] = float32(v)
		}
		if err := e.checkDimensions(len(vec)); err != nil {
			return nil, err
		}
		vecs[i] = normalizeVector(vec)
	}

	e.logger.Debug("embedding_batch_done",
		slog.String("model", e.config.Model),
		slog.Int("texts", len(input)),
		slog.Duration("duration", time.Since(start)))
	return vecs, nil
}

// checkDimensions learns the dimension from the first vector and rejects
// any later vector of another length.
func (e *HTTPEmbedder) checkDimensions(n int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dims == 0 {
		e.dims = n
		return nil
	}
	if n != e.dims {
		return apperrors.New(apperrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("model %s returned %d dimensions, expected %d", e.config.Model, n, e.dims), nil)
	}
	return nil
}

// CountTokens implements Embedder.
func (e *HTTPEmbedder) CountTokens(text string) int {
	return e.config.Counter.CountTokens(text)
}

// Dimensions returns the embedding dimension, 0 until known.
func (e *HTTPEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dims
}

// ModelName returns the model identifier.
func (e *HTTPEmbedder) ModelName() string {
	return e.config.Model
}

// Available checks that the server answers and lists the model.
func (e *HTTPEmbedder) Available(ctx context.Context) bool {
	if e.checkOpen() != nil {
		return false
	}

	var tags tagsResponse
	resp, err := e.client.R().SetContext(ctx).SetResult(&tags).Get(tagsPath)
	if err != nil || !resp.IsSuccess() {
		e.logger.Debug("embedder_unavailable", slog.String("host", e.config.Host), slog.Any("error", err))
		return false
	}

	for _, m := range tags.Models {
		if m.Name == e.config.Model || m.Name == e.config.Model+":latest" {
			return true
		}
	}
	e.logger.Debug("embedding_model_missing", slog.String("model", e.config.Model))
	return false
}

// Close releases idle connections.
func (e *HTTPEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.client.GetClient().CloseIdleConnections()
	return nil
}

func (e *HTTPEmbedder) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return fmt.Errorf("http embedder: %w", ErrClosed)
	}
	return nil
}
