package index

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/hybridrank/internal/corpus"
	"github.com/Aman-CERP/hybridrank/internal/embed"
	apperrors "github.com/Aman-CERP/hybridrank/internal/errors"
	"github.com/Aman-CERP/hybridrank/internal/metrics"
	"github.com/Aman-CERP/hybridrank/internal/search"
)

func fastRetry() RunnerConfig {
	cfg := DefaultRunnerConfig()
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = 2 * time.Millisecond
	return cfg
}

// flakyEmbedder fails the first failures passage batches with a retryable error.
type flakyEmbedder struct {
	*embed.StaticEmbedder
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyEmbedder) EmbedBatch(ctx context.Context, texts []string, kind embed.Kind) ([][]float32, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return nil, apperrors.New(apperrors.ErrCodeEmbeddingFailed, "temporarily overloaded", nil).WithRetryable(true)
	}
	return f.StaticEmbedder.EmbedBatch(ctx, texts, kind)
}

// brokenSource fails to load the listed paths in broken.
type brokenSource struct {
	corpus.Source
	broken map[string]bool
}

func (b *brokenSource) Load(ctx context.Context, path string) (corpus.Document, error) {
	if b.broken[path] {
		return corpus.Document{}, apperrors.New(apperrors.ErrCodeFilePermission, "permission denied: "+path, nil)
	}
	return b.Source.Load(ctx, path)
}

func newVault(t *testing.T) (string, *corpus.Walker) {
	t.Helper()
	root := t.TempDir()
	writeDoc(t, root, "ml.md", "# Machine Learning\nmachine learning is great")
	writeDoc(t, root, "notes/cats.md", "cats are great")
	writeDoc(t, root, "notes/dogs.txt", "dogs are loyal")
	w, err := corpus.NewWalker(root)
	require.NoError(t, err)
	return root, w
}

func TestNewRunner_RequiresEngine(t *testing.T) {
	_, err := NewRunner(nil)
	assert.Error(t, err)
}

func TestRunner_IndexesDirectory(t *testing.T) {
	// Given a vault of three documents
	env := newTestEnv(t, nil)
	_, src := newVault(t)
	var progress []Progress
	runner, err := NewRunner(env.engine, WithProgress(func(p Progress) { progress = append(progress, p) }))
	require.NoError(t, err)

	// When running the indexer
	report, err := runner.Run(context.Background(), src)
	require.NoError(t, err)

	// Then every document is searchable
	assert.Equal(t, 3, report.Indexed)
	assert.Zero(t, report.Failed)
	assert.Positive(t, report.Chunks)
	assert.Equal(t, []string{"ml.md", "notes/cats.md", "notes/dogs.txt"}, indexed(t, env))
	require.Len(t, progress, 3)
	assert.Equal(t, Progress{Done: 3, Total: 3, Path: "notes/dogs.txt"}, progress[2])

	resp, err := env.engine.Search(context.Background(), "machine learning", search.SearchOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "ml.md", resp.Results[0].FilePath)
	assert.Equal(t, "Machine Learning", resp.Results[0].Title)
}

func TestRunner_SkipsUnchangedDocuments(t *testing.T) {
	env := newTestEnv(t, nil)
	root, src := newVault(t)
	runner, err := NewRunner(env.engine)
	require.NoError(t, err)

	_, err = runner.Run(context.Background(), src)
	require.NoError(t, err)

	// Given one modified document
	writeDoc(t, root, "notes/cats.md", "cats are great and independent")
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(root, "notes", "cats.md"), later, later))

	// When indexing again
	report, err := runner.Run(context.Background(), src)
	require.NoError(t, err)

	// Then only the modified document is re-indexed
	assert.Equal(t, 1, report.Indexed)
	assert.Equal(t, 2, report.Skipped)
}

func TestRunner_ForceReindexes(t *testing.T) {
	env := newTestEnv(t, nil)
	_, src := newVault(t)
	cfg := fastRetry()
	cfg.Force = true
	runner, err := NewRunner(env.engine, WithRunnerConfig(cfg))
	require.NoError(t, err)

	_, err = runner.Run(context.Background(), src)
	require.NoError(t, err)
	report, err := runner.Run(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Indexed)
	assert.Zero(t, report.Skipped)
}

func TestRunner_PrunesDeletedDocuments(t *testing.T) {
	env := newTestEnv(t, nil)
	root, src := newVault(t)
	runner, err := NewRunner(env.engine)
	require.NoError(t, err)
	_, err = runner.Run(context.Background(), src)
	require.NoError(t, err)

	// Given a document deleted from the vault
	require.NoError(t, os.Remove(filepath.Join(root, "notes", "dogs.txt")))

	// When indexing again
	report, err := runner.Run(context.Background(), src)
	require.NoError(t, err)

	// Then it disappears from the index
	assert.Equal(t, 1, report.Pruned)
	assert.Equal(t, []string{"ml.md", "notes/cats.md"}, indexed(t, env))
}

func TestRunner_PruneDisabled(t *testing.T) {
	env := newTestEnv(t, nil)
	root, src := newVault(t)
	cfg := fastRetry()
	cfg.Prune = false
	runner, err := NewRunner(env.engine, WithRunnerConfig(cfg))
	require.NoError(t, err)
	_, err = runner.Run(context.Background(), src)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(root, "ml.md")))
	report, err := runner.Run(context.Background(), src)
	require.NoError(t, err)

	assert.Zero(t, report.Pruned)
	assert.Contains(t, indexed(t, env), "ml.md")
}

func TestRunner_FailingDocumentDoesNotStopRun(t *testing.T) {
	// Given a source where one document cannot be read
	env := newTestEnv(t, nil)
	_, walker := newVault(t)
	src := &brokenSource{Source: walker, broken: map[string]bool{"notes/cats.md": true}}
	m := metrics.New()
	runner, err := NewRunner(env.engine, WithRunnerMetrics(m))
	require.NoError(t, err)

	// When indexing
	report, err := runner.Run(context.Background(), src)
	require.NoError(t, err)

	// Then the failure is reported and the others are indexed
	assert.Equal(t, 2, report.Indexed)
	assert.Equal(t, 1, report.Failed)
	failures := report.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "notes/cats.md", failures[0].Path)
	assert.Equal(t, apperrors.ErrCodeFilePermission, apperrors.GetCode(failures[0].Err))
	assert.Equal(t, []string{"ml.md", "notes/dogs.txt"}, indexed(t, env))
}

func TestRunner_RetriesRetryableEmbeddingErrors(t *testing.T) {
	// Given an embedder that fails twice before recovering
	flaky := &flakyEmbedder{StaticEmbedder: embed.NewStaticEmbedder()}
	flaky.failures.Store(2)
	env := newTestEnv(t, flaky)
	root := t.TempDir()
	writeDoc(t, root, "a.md", "alpha beta")
	src, err := corpus.NewWalker(root)
	require.NoError(t, err)
	runner, err := NewRunner(env.engine, WithRunnerConfig(fastRetry()))
	require.NoError(t, err)

	// When indexing
	report, err := runner.Run(context.Background(), src)
	require.NoError(t, err)

	// Then the document is indexed after the retries
	assert.Equal(t, 1, report.Indexed)
	assert.Equal(t, int32(3), flaky.calls.Load())
}

func TestRunner_GivesUpAfterRetries(t *testing.T) {
	flaky := &flakyEmbedder{StaticEmbedder: embed.NewStaticEmbedder()}
	flaky.failures.Store(100)
	env := newTestEnv(t, flaky)
	root := t.TempDir()
	writeDoc(t, root, "a.md", "alpha beta")
	src, err := corpus.NewWalker(root)
	require.NoError(t, err)
	runner, err := NewRunner(env.engine, WithRunnerConfig(fastRetry()))
	require.NoError(t, err)

	report, err := runner.Run(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, int32(3), flaky.calls.Load())
	assert.Empty(t, indexed(t, env))
}

func TestRunner_CanceledContextReturnsPartialReport(t *testing.T) {
	env := newTestEnv(t, nil)
	_, src := newVault(t)
	ctx, cancel := context.WithCancel(context.Background())
	runner, err := NewRunner(env.engine, WithProgress(func(p Progress) {
		if p.Done == 1 {
			cancel()
		}
	}))
	require.NoError(t, err)

	report, err := runner.Run(ctx, src)

	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Indexed)
}

func TestRunner_JSONLCorpus(t *testing.T) {
	env := newTestEnv(t, nil)
	p := filepath.Join(t.TempDir(), "corpus.jsonl")
	require.NoError(t, os.WriteFile(p, []byte(
		`{"_id": "doc1", "title": "Neural networks", "text": "deep learning with neural networks"}`+"\n"+
			`{"_id": "doc2", "title": "", "text": "gardening tips for spring"}`+"\n"), 0o644))
	src, err := corpus.LoadJSONL(p)
	require.NoError(t, err)
	runner, err := NewRunner(env.engine)
	require.NoError(t, err)

	report, err := runner.Run(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Indexed)

	resp, err := env.engine.Search(context.Background(), "neural networks", search.SearchOptions{Mode: search.ModeLexical})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "doc1", resp.Results[0].FilePath)
}

func TestAbortsRun(t *testing.T) {
	assert.True(t, abortsRun(context.Canceled))
	assert.True(t, abortsRun(apperrors.InvariantError("broken", nil)))
	assert.True(t, abortsRun(apperrors.New(apperrors.ErrCodeDimensionMismatch, "dims", nil)))
	assert.False(t, abortsRun(apperrors.New(apperrors.ErrCodeEmbeddingFailed, "down", nil)))
	assert.False(t, abortsRun(apperrors.StoreError("write", nil)))
}

func TestRunner_FailureLogCarriesErrorCode(t *testing.T) {
	// Given a runner logging JSON into a buffer
	env := newTestEnv(t, nil)
	_, walker := newVault(t)
	src := &brokenSource{Source: walker, broken: map[string]bool{"notes/cats.md": true}}
	var buf bytes.Buffer
	runner, err := NewRunner(env.engine, WithRunnerLogger(slog.New(slog.NewJSONHandler(&buf, nil))))
	require.NoError(t, err)

	// When one document fails
	_, err = runner.Run(context.Background(), src)
	require.NoError(t, err)

	// Then its warning names the path and the error code
	var found bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["msg"] != "document_index_failed" {
			continue
		}
		found = true
		assert.Equal(t, "notes/cats.md", entry["path"])
		assert.Equal(t, apperrors.ErrCodeFilePermission, entry["code"])
		assert.Equal(t, "ERROR", entry["severity"])
	}
	assert.True(t, found)
}
