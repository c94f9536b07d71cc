package index

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Aman-CERP/hybridrank/internal/errors"
	"github.com/Aman-CERP/hybridrank/internal/search"
	"github.com/Aman-CERP/hybridrank/internal/store"
)

func indexDocs(t *testing.T, env *testEnv, docs ...search.Document) {
	t.Helper()
	for _, d := range docs {
		_, err := env.engine.IndexDocument(context.Background(), d)
		require.NoError(t, err)
	}
}

func TestInconsistencyType_String(t *testing.T) {
	tests := []struct {
		typ  InconsistencyType
		want string
	}{
		{InconsistencyOrphanLexical, "orphan_lexical"},
		{InconsistencyOrphanVector, "orphan_vector"},
		{InconsistencyMissingLexical, "missing_lexical"},
		{InconsistencyMissingVector, "missing_vector"},
		{InconsistencyType(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.typ.String())
	}
}

func TestConsistencyChecker_ConsistentIndex(t *testing.T) {
	// Given an index written through the engine
	env := newTestEnv(t, nil)
	indexDocs(t, env,
		search.Document{Path: "a.md", Title: "Alpha", Content: "alpha beta"},
		search.Document{Path: "b.md", Content: "gamma delta"},
	)
	checker := NewConsistencyChecker(env.metadata, env.lexical, env.vectors, nil)

	// When checking
	result, err := checker.Check(context.Background())
	require.NoError(t, err)

	// Then nothing is reported
	assert.True(t, result.OK())
	assert.NoError(t, result.Err())
	assert.Equal(t, 3, result.Checked)
	require.NotNil(t, result.Lexical)
	assert.True(t, result.Lexical.OK())
}

func TestConsistencyChecker_DetectsAndRepairsOrphans(t *testing.T) {
	// Given orphan entries written behind the engine's back
	env := newTestEnv(t, nil)
	indexDocs(t, env, search.Document{Path: "a.md", Content: "alpha beta"})
	ctx := context.Background()
	ghost := store.ChunkID("ghost.md", 0)
	require.NoError(t, env.lexical.IndexBatch(ctx, []store.LexicalDocument{{DocID: ghost, Content: "boo"}}))
	vec, err := env.vectors.Get(ctx, store.ChunkID("a.md", 0))
	require.NoError(t, err)
	require.NoError(t, env.vectors.AddEmbeddings(ctx, []store.Embedding{{ID: ghost, Vector: vec}}))
	checker := NewConsistencyChecker(env.metadata, env.lexical, env.vectors, nil)

	// When checking
	result, err := checker.Check(ctx)
	require.NoError(t, err)

	// Then both orphans are reported as an invariant violation
	assert.Equal(t, []Inconsistency{
		{Type: InconsistencyOrphanLexical, ChunkID: ghost},
		{Type: InconsistencyOrphanVector, ChunkID: ghost},
	}, result.Inconsistencies)
	assert.Equal(t, apperrors.ErrCodeInvariantViolation, apperrors.GetCode(result.Err()))
	assert.True(t, apperrors.IsFatal(result.Err()))
	assert.Empty(t, result.AffectedFiles())

	// And repair removes them
	repaired, err := checker.Repair(ctx, result)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired.RemovedLexical)
	assert.Equal(t, 1, repaired.RemovedVectors)

	after, err := checker.Check(ctx)
	require.NoError(t, err)
	assert.True(t, after.OK())
}

func TestConsistencyChecker_MissingEntriesNeedReindex(t *testing.T) {
	// Given chunks missing from the lexical and vector indexes
	env := newTestEnv(t, nil)
	indexDocs(t, env,
		search.Document{Path: "a.md", Content: "alpha beta"},
		search.Document{Path: "b.md", Content: "gamma delta"},
	)
	ctx := context.Background()
	require.NoError(t, env.lexical.RemoveBatch(ctx, []string{store.ChunkID("b.md", 0)}))
	require.NoError(t, env.vectors.DeleteEmbeddings(ctx, []string{store.ChunkID("a.md", 0)}))
	checker := NewConsistencyChecker(env.metadata, env.lexical, env.vectors, nil)

	// When checking and repairing
	result, err := checker.Check(ctx)
	require.NoError(t, err)
	repaired, err := checker.Repair(ctx, result)
	require.NoError(t, err)

	// Then the files are listed for re-indexing
	assert.Len(t, result.Inconsistencies, 2)
	assert.Equal(t, []string{"a.md", "b.md"}, result.AffectedFiles())
	assert.Equal(t, []string{"a.md", "b.md"}, repaired.Reindex)
	assert.Zero(t, repaired.RemovedLexical)
}

func TestCheckResult_LexicalReportFailsCheck(t *testing.T) {
	result := &CheckResult{Lexical: &store.LexicalReport{StatsMismatch: "off by one"}}
	assert.False(t, result.OK())
	require.Error(t, result.Err())
}

func TestConsistencyChecker_RepairHoldsWriteLock(t *testing.T) {
	// Given a checker bound to a lock that another writer holds
	env := newTestEnv(t, nil)
	indexDocs(t, env, search.Document{Path: "a.md", Content: "alpha beta"})
	lock := NewWriteLock(t.TempDir())
	checker := NewConsistencyChecker(env.metadata, env.lexical, env.vectors, nil).WithLock(lock)
	result, err := checker.Check(context.Background())
	require.NoError(t, err)
	require.NoError(t, lock.Lock(context.Background()))

	// When repairing with a short deadline
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = checker.Repair(ctx, result)

	// Then repair gives up waiting, and succeeds once the lock is free
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, lock.Unlock())
	_, err = checker.Repair(context.Background(), result)
	require.NoError(t, err)
	assert.False(t, lock.IsLocked())
}
