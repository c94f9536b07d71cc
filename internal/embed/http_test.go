package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Aman-CERP/hybridrank/internal/errors"
)

// fakeOllama serves /api/embed and /api/tags. Vectors are [len(input), 3, 4].
type fakeOllama struct {
	requests  atomic.Int64
	failFirst int64
	status    int
	inputs    [][]string
}

func (f *fakeOllama) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/embed", func(w http.ResponseWriter, r *http.Request) {
		n := f.requests.Add(1)
		if n <= f.failFirst {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if f.status != 0 {
			http.Error(w, "model not found", f.status)
			return
		}

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.inputs = append(f.inputs, req.Input)

		resp := embedResponse{Model: req.Model}
		for _, in := range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float64{float64(len(in)), 3, 4})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[{"name":"nomic-embed-text:latest"}]}`))
	})
	return mux
}

func newTestHTTPEmbedder(t *testing.T, fake *fakeOllama, mutate func(*HTTPConfig)) *HTTPEmbedder {
	t.Helper()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	cfg := DefaultHTTPConfig()
	cfg.Host = srv.URL
	cfg.Timeout = 5 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	e := NewHTTPEmbedder(cfg, nil)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestHTTPEmbedder_EmbedNormalizesAndLearnsDimensions(t *testing.T) {
	fake := &fakeOllama{}
	e := newTestHTTPEmbedder(t, fake, nil)
	assert.Zero(t, e.Dimensions())

	// When: embedding an empty text
	vec, err := e.Embed(context.Background(), "", KindPassage)

	// Then: the vector [0,3,4] is normalized to [0,0.6,0.8]
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0, 0.6, 0.8}, vec, 1e-6)
	assert.Equal(t, 3, e.Dimensions())
}

func TestHTTPEmbedder_BatchesAndPrefixesByKind(t *testing.T) {
	fake := &fakeOllama{}
	e := newTestHTTPEmbedder(t, fake, func(c *HTTPConfig) {
		c.BatchSize = 2
		c.QueryPrefix = "query: "
		c.PassagePrefix = "passage: "
	})
	ctx := context.Background()

	vecs, err := e.EmbedBatch(ctx, []string{"a", "b", "c"}, KindPassage)
	require.NoError(t, err)
	assert.Len(t, vecs, 3)

	_, err = e.Embed(ctx, "q", KindQuery)
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{"passage: a", "passage: b"},
		{"passage: c"},
		{"query: q"},
	}, fake.inputs)
}

func TestHTTPEmbedder_RetriesTransientFailures(t *testing.T) {
	fake := &fakeOllama{failFirst: 2}
	e := newTestHTTPEmbedder(t, fake, func(c *HTTPConfig) { c.MaxRetries = 3 })

	_, err := e.Embed(context.Background(), "text", KindPassage)
	require.NoError(t, err)
	assert.Equal(t, int64(3), fake.requests.Load())
}

func TestHTTPEmbedder_ClientErrorIsNotRetryable(t *testing.T) {
	fake := &fakeOllama{status: http.StatusNotFound}
	e := newTestHTTPEmbedder(t, fake, nil)

	_, err := e.Embed(context.Background(), "text", KindPassage)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeEmbeddingFailed, apperrors.GetCode(err))
	assert.False(t, apperrors.IsRetryable(err))
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int64(1), fake.requests.Load())
}

func TestHTTPEmbedder_ExhaustedRetriesAreRetryable(t *testing.T) {
	fake := &fakeOllama{failFirst: 100}
	e := newTestHTTPEmbedder(t, fake, func(c *HTTPConfig) { c.MaxRetries = 1 })

	_, err := e.Embed(context.Background(), "text", KindPassage)
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestHTTPEmbedder_DimensionMismatch(t *testing.T) {
	fake := &fakeOllama{}
	e := newTestHTTPEmbedder(t, fake, func(c *HTTPConfig) { c.Dimensions = 768 })

	_, err := e.Embed(context.Background(), "text", KindPassage)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeDimensionMismatch, apperrors.GetCode(err))
}

func TestHTTPEmbedder_Available(t *testing.T) {
	fake := &fakeOllama{}
	e := newTestHTTPEmbedder(t, fake, nil)
	assert.True(t, e.Available(context.Background()))

	other := newTestHTTPEmbedder(t, fake, func(c *HTTPConfig) { c.Model = "bge-m3" })
	assert.False(t, other.Available(context.Background()))

	require.NoError(t, e.Close())
	assert.False(t, e.Available(context.Background()))
	_, err := e.Embed(context.Background(), "x", KindQuery)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHTTPEmbedder_UnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := DefaultHTTPConfig()
	cfg.Host = url
	cfg.MaxRetries = 0
	e := NewHTTPEmbedder(cfg, nil)
	defer func() { _ = e.Close() }()

	_, err := e.Embed(context.Background(), "text", KindPassage)
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	assert.False(t, e.Available(context.Background()))
}
