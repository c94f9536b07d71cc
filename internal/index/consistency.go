package index

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	apperrors "github.com/Aman-CERP/hybridrank/internal/errors"
	"github.com/Aman-CERP/hybridrank/internal/search"
	"github.com/Aman-CERP/hybridrank/internal/store"
)

// InconsistencyType categorizes detected issues.
type InconsistencyType int

const (
	// InconsistencyOrphanLexical is a lexical entry without matching metadata.
	InconsistencyOrphanLexical InconsistencyType = iota
	// InconsistencyOrphanVector is a vector entry without matching metadata.
	InconsistencyOrphanVector
	// InconsistencyMissingLexical is a metadata record missing from the lexical index.
	InconsistencyMissingLexical
	// InconsistencyMissingVector is a metadata record missing from the vector index.
	InconsistencyMissingVector
)

// String returns a human-readable description of the inconsistency type.
func (t InconsistencyType) String() string {
	switch t {
	case InconsistencyOrphanLexical:
		return "orphan_lexical"
	case InconsistencyOrphanVector:
		return "orphan_vector"
	case InconsistencyMissingLexical:
		return "missing_lexical"
	case InconsistencyMissingVector:
		return "missing_vector"
	default:
		return "unknown"
	}
}

// Inconsistency is one cross-store disagreement.
type Inconsistency struct {
	Type    InconsistencyType
	ChunkID string
}

// CheckResult contains the outcome of a consistency check.
type CheckResult struct {
	// Checked is the number of metadata records verified.
	Checked int

	Inconsistencies []Inconsistency

	// Lexical holds the BM25 invariant report when the lexical index is a
	// *store.BM25Index.
	Lexical *store.LexicalReport

	Duration time.Duration
}

// OK reports whether no issue was found.
func (r *CheckResult) OK() bool {
	return len(r.Inconsistencies) == 0 && (r.Lexical == nil || r.Lexical.OK())
}

// Err returns an invariant violation describing the issues, or nil.
func (r *CheckResult) Err() error {
	if r.OK() {
		return nil
	}
	e := apperrors.InvariantError(
		fmt.Sprintf("index is inconsistent: %d cross-store issues", len(r.Inconsistencies)), nil)
	if r.Lexical != nil && !r.Lexical.OK() {
		e = e.WithDetail("lexical", fmt.Sprintf("%d df mismatches, %d dangling postings, %d missing postings",
			len(r.Lexical.DocumentFrequencyMismatches), len(r.Lexical.DanglingPostings), len(r.Lexical.MissingPostings)))
	}
	return e.WithSuggestion("Run 'hybridrank verify --repair' or re-index with --force")
}

// AffectedFiles returns the sorted file paths of every missing entry. These
// files must be re-indexed.
func (r *CheckResult) AffectedFiles() []string {
	seen := make(map[string]struct{})
	var files []string
	for _, issue := range r.Inconsistencies {
		if issue.Type != InconsistencyMissingLexical && issue.Type != InconsistencyMissingVector {
			continue
		}
		p := store.FilePathOf(issue.ChunkID)
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		files = append(files, p)
	}
	sort.Strings(files)
	return files
}

// ConsistencyChecker validates that the lexical index, the vector index and
// the metadata store hold the same chunk ids. Metadata is the source of truth.
type ConsistencyChecker struct {
	metadata *store.MetadataStore
	lexical  store.LexicalIndex
	vectors  *store.VectorIndex
	locker   search.WriteLocker
	logger   *slog.Logger
}

// NewConsistencyChecker creates a checker over the three stores.
func NewConsistencyChecker(metadata *store.MetadataStore, lexical store.LexicalIndex, vectors *store.VectorIndex, logger *slog.Logger) *ConsistencyChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsistencyChecker{
		metadata: metadata,
		lexical:  lexical,
		vectors:  vectors,
		logger:   logger,
	}
}

// WithLock makes Repair hold l while it deletes orphans.
func (c *ConsistencyChecker) WithLock(l search.WriteLocker) *ConsistencyChecker {
	c.locker = l
	return c
}

// Check compares the id sets of the three stores and, for the native BM25
// index, verifies the posting invariants.
func (c *ConsistencyChecker) Check(ctx context.Context) (*CheckResult, error) {
	start := time.Now()

	metadataIDs, err := c.metadata.AllIDs(ctx)
	if err != nil {
		return nil, apperrors.StoreError("list metadata ids", err)
	}
	lexicalIDs, err := c.lexical.AllIDs(ctx)
	if err != nil {
		return nil, apperrors.StoreError("list lexical ids", err)
	}
	vectorIDs, err := c.vectors.AllIDs(ctx)
	if err != nil {
		return nil, apperrors.StoreError("list vector ids", err)
	}

	inMetadata := toSet(metadataIDs)
	inLexical := toSet(lexicalIDs)
	inVectors := toSet(vectorIDs)

	var issues []Inconsistency
	for _, id := range lexicalIDs {
		if _, ok := inMetadata[id]; !ok {
			issues = append(issues, Inconsistency{Type: InconsistencyOrphanLexical, ChunkID: id})
		}
	}
	for _, id := range vectorIDs {
		if _, ok := inMetadata[id]; !ok {
			issues = append(issues, Inconsistency{Type: InconsistencyOrphanVector, ChunkID: id})
		}
	}
	for _, id := range metadataIDs {
		if _, ok := inLexical[id]; !ok {
			issues = append(issues, Inconsistency{Type: InconsistencyMissingLexical, ChunkID: id})
		}
		if _, ok := inVectors[id]; !ok {
			issues = append(issues, Inconsistency{Type: InconsistencyMissingVector, ChunkID: id})
		}
	}
	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Type != issues[j].Type {
			return issues[i].Type < issues[j].Type
		}
		return issues[i].ChunkID < issues[j].ChunkID
	})

	result := &CheckResult{
		Checked:         len(metadataIDs),
		Inconsistencies: issues,
	}
	if bm25, ok := c.lexical.(*store.BM25Index); ok {
		report, err := bm25.Verify(ctx)
		if err != nil {
			return nil, apperrors.StoreError("verify lexical index", err)
		}
		result.Lexical = report
	}
	result.Duration = time.Since(start)

	c.logger.Info("consistency_checked",
		slog.Int("checked", result.Checked),
		slog.Int("issues", len(issues)),
		slog.Bool("ok", result.OK()),
		slog.Int64("duration_ms", result.Duration.Milliseconds()))
	return result, nil
}

// RepairResult describes what Repair changed.
type RepairResult struct {
	RemovedLexical int
	RemovedVectors int

	// Reindex lists files with missing entries; they need re-indexing.
	Reindex []string
}

// Repair deletes orphans from the lexical and vector indexes. Missing
// entries cannot be rebuilt without the source text, so their files are
// returned for re-indexing.
func (c *ConsistencyChecker) Repair(ctx context.Context, result *CheckResult) (_ *RepairResult, err error) {
	if c.locker != nil {
		if err := c.locker.Lock(ctx); err != nil {
			return nil, fmt.Errorf("acquire write lock: %w", err)
		}
		defer func() {
			if uerr := c.locker.Unlock(); uerr != nil && err == nil {
				err = uerr
			}
		}()
	}

	var orphanLexical, orphanVector []string
	for _, issue := range result.Inconsistencies {
		switch issue.Type {
		case InconsistencyOrphanLexical:
			orphanLexical = append(orphanLexical, issue.ChunkID)
		case InconsistencyOrphanVector:
			orphanVector = append(orphanVector, issue.ChunkID)
		}
	}

	out := &RepairResult{Reindex: result.AffectedFiles()}
	if len(orphanLexical) > 0 {
		if err := c.lexical.RemoveBatch(ctx, orphanLexical); err != nil {
			return nil, apperrors.StoreError("delete orphan lexical entries", err)
		}
		out.RemovedLexical = len(orphanLexical)
	}
	if len(orphanVector) > 0 {
		if err := c.vectors.DeleteEmbeddings(ctx, orphanVector); err != nil {
			return nil, apperrors.StoreError("delete orphan embeddings", err)
		}
		out.RemovedVectors = len(orphanVector)
	}

	c.logger.Info("consistency_repaired",
		slog.Int("removed_lexical", out.RemovedLexical),
		slog.Int("removed_vectors", out.RemovedVectors),
		slog.Int("reindex_files", len(out.Reindex)))
	return out, nil
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
