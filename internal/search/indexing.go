package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Aman-CERP/hybridrank/internal/embed"
	apperrors "github.com/Aman-CERP/hybridrank/internal/errors"
	"github.com/Aman-CERP/hybridrank/internal/store"
)

// preparedDocument is a chunked and embedded document ready to be written.
type preparedDocument struct {
	path       string
	records    []*store.ChunkMetadata
	embeddings []store.Embedding
	lexical    []store.LexicalDocument
}

func (p *preparedDocument) ids() map[string]struct{} {
	ids := make(map[string]struct{}, len(p.records))
	for _, r := range p.records {
		ids[r.ID] = struct{}{}
	}
	return ids
}

// IndexDocument chunks, embeds and stores one document, replacing every
// chunk of a previous version. All embeddings are computed before the first
// write, so a failing embedder leaves the stores untouched. When the three
// stores share one transactional store the replacement is a single atomic
// batch.
func (e *Engine) IndexDocument(ctx context.Context, doc Document) (*IndexResult, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(doc.Path) == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidPath, "document path is empty", nil)
	}

	prepared, err := e.prepare(ctx, doc)
	if err != nil {
		return nil, err
	}

	if err := e.locker.Lock(ctx); err != nil {
		return nil, fmt.Errorf("acquire write lock: %w", err)
	}
	defer func() {
		if err := e.locker.Unlock(); err != nil {
			e.logger.Warn("write_lock_release_failed", slog.String("error", err.Error()))
		}
	}()

	stale, err := e.staleIDs(ctx, []string{doc.Path}, prepared.ids())
	if err != nil {
		return nil, err
	}
	if err := e.replace(ctx, prepared, stale); err != nil {
		return nil, err
	}

	e.metrics.ObserveIndexed(len(prepared.records))
	e.logger.Debug("document_indexed",
		slog.String("path", doc.Path),
		slog.Int("chunks", len(prepared.records)),
		slog.Int("removed", len(stale)))
	return &IndexResult{Path: doc.Path, Chunks: len(prepared.records), Removed: len(stale)}, nil
}

// prepare chunks and embeds doc. No store is touched.
func (e *Engine) prepare(ctx context.Context, doc Document) (*preparedDocument, error) {
	chunks, err := e.chunker.Chunk(ctx, doc.Content)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeChunkingFailed, "chunk "+doc.Path, err)
	}

	now := time.Now().UTC()
	p := &preparedDocument{path: doc.Path}
	texts := make([]string, 0, len(chunks)+1)
	for _, c := range chunks {
		p.records = append(p.records, &store.ChunkMetadata{
			ID:        store.ChunkID(doc.Path, c.Index),
			FilePath:  doc.Path,
			Title:     doc.Title,
			Content:   c.Content,
			Headings:  c.Headings,
			MTime:     doc.MTime,
			Size:      doc.Size,
			IndexedAt: now,
		})
		texts = append(texts, c.Content)
	}
	if title := strings.TrimSpace(doc.Title); title != "" && len(chunks) > 0 {
		p.records = append(p.records, &store.ChunkMetadata{
			ID:        store.TitleChunkID(doc.Path),
			FilePath:  doc.Path,
			Title:     doc.Title,
			Content:   title,
			MTime:     doc.MTime,
			Size:      doc.Size,
			IndexedAt: now,
		})
		texts = append(texts, title)
	}
	if len(texts) == 0 {
		return p, nil
	}

	start := time.Now()
	vectors, err := e.embedder.EmbedBatch(ctx, texts, embed.KindPassage)
	e.metrics.ObserveEmbedding(time.Since(start))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if apperrors.GetCode(err) != "" {
			return nil, err
		}
		return nil, apperrors.New(apperrors.ErrCodeEmbeddingFailed, "embed "+doc.Path, err)
	}
	if len(vectors) != len(texts) {
		return nil, apperrors.New(apperrors.ErrCodeEmbeddingFailed,
			fmt.Sprintf("embedder returned %d vectors for %d chunks", len(vectors), len(texts)), nil)
	}

	for i, r := range p.records {
		p.embeddings = append(p.embeddings, store.Embedding{ID: r.ID, Vector: vectors[i]})
		p.lexical = append(p.lexical, store.LexicalDocument{DocID: r.ID, Content: r.Content})
	}
	return p, nil
}

// staleIDs returns the stored chunk ids of paths that keep is not going to
// overwrite.
func (e *Engine) staleIDs(ctx context.Context, paths []string, keep map[string]struct{}) ([]string, error) {
	fromMetadata, err := e.metadata.IDsByFilePaths(ctx, paths)
	if err != nil {
		return nil, apperrors.StoreError("resolve chunk ids", err)
	}
	fromVectors, err := e.vectors.IDsByFilePaths(ctx, paths)
	if err != nil {
		return nil, apperrors.StoreError("resolve embedding ids", err)
	}

	seen := make(map[string]struct{})
	var stale []string
	for _, id := range append(fromMetadata, fromVectors...) {
		if _, ok := keep[id]; ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		stale = append(stale, id)
	}
	return stale, nil
}

// joiner returns the lexical index as a BatchJoiner when metadata and
// vectors live in the same transactional store.
func (e *Engine) joiner() (store.BatchJoiner, bool) {
	j, ok := e.lexical.(store.BatchJoiner)
	if !ok {
		return nil, false
	}
	kv := j.Store()
	return j, kv == e.metadata.Store() && kv == e.vectors.Store()
}

// replace swaps the chunk set of one document. Caller holds the write lock.
func (e *Engine) replace(ctx context.Context, p *preparedDocument, stale []string) error {
	metaDel, metaDelDone := e.metadata.PrepareDelete(stale)
	vecDel, vecDelDone := e.vectors.PrepareDelete(stale)
	metaPut, metaPutDone, err := e.metadata.PrepareSave(p.records)
	if err != nil {
		return apperrors.StoreError("prepare chunk metadata", err)
	}
	vecPut, vecPutDone, err := e.vectors.PrepareAdd(p.embeddings)
	if err != nil {
		code := apperrors.ErrCodeStoreFailed
		if _, mismatch := err.(store.ErrDimensionMismatch); mismatch {
			code = apperrors.ErrCodeDimensionMismatch
		}
		return apperrors.New(code, "prepare embeddings of "+p.path, err).
			WithSuggestion("Remove the collection data directory and re-index after changing the embedding model")
	}
	done := func() {
		metaDelDone()
		vecDelDone()
		metaPutDone()
		vecPutDone()
	}

	if j, ok := e.joiner(); ok {
		ops := make([]store.Op, 0, len(metaDel)+len(vecDel)+len(metaPut)+len(vecPut))
		ops = append(ops, metaDel...)
		ops = append(ops, vecDel...)
		ops = append(ops, metaPut...)
		ops = append(ops, vecPut...)
		if err := j.ReplaceFilesWithOps(ctx, []string{p.path}, p.lexical, ops); err != nil {
			return apperrors.StoreError("replace chunks of "+p.path, err)
		}
		done()
		return nil
	}

	// Separate stores: remove the old version everywhere, then write the
	// new one, lexical last so searches never see postings without metadata.
	if err := e.lexical.RemoveByFilePaths(ctx, []string{p.path}); err != nil {
		return apperrors.StoreError("remove lexical chunks of "+p.path, err)
	}
	if err := e.metadata.DeleteChunks(ctx, stale); err != nil {
		return apperrors.StoreError("remove chunk metadata of "+p.path, err)
	}
	if err := e.vectors.DeleteEmbeddings(ctx, stale); err != nil {
		return apperrors.StoreError("remove embeddings of "+p.path, err)
	}
	if len(p.records) == 0 {
		return nil
	}
	if err := e.metadata.SaveChunks(ctx, p.records); err != nil {
		return apperrors.StoreError("save chunk metadata of "+p.path, err)
	}
	if err := e.vectors.AddEmbeddings(ctx, p.embeddings); err != nil {
		return apperrors.StoreError("save embeddings of "+p.path, err)
	}
	if err := e.lexical.IndexBatch(ctx, p.lexical); err != nil {
		return apperrors.StoreError("index lexical chunks of "+p.path, err)
	}
	return nil
}

// RemoveFiles deletes every chunk of the given files from all stores and
// returns the number of chunks removed.
func (e *Engine) RemoveFiles(ctx context.Context, paths []string) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	if len(paths) == 0 {
		return 0, nil
	}

	if err := e.locker.Lock(ctx); err != nil {
		return 0, fmt.Errorf("acquire write lock: %w", err)
	}
	defer func() {
		if err := e.locker.Unlock(); err != nil {
			e.logger.Warn("write_lock_release_failed", slog.String("error", err.Error()))
		}
	}()

	ids, err := e.staleIDs(ctx, paths, nil)
	if err != nil {
		return 0, err
	}

	if j, ok := e.joiner(); ok {
		metaDel, metaDone := e.metadata.PrepareDelete(ids)
		vecDel, vecDone := e.vectors.PrepareDelete(ids)
		if err := j.RemoveByFilePathsWithOps(ctx, paths, append(metaDel, vecDel...)); err != nil {
			return 0, apperrors.StoreError("remove files", err)
		}
		metaDone()
		vecDone()
	} else {
		if err := e.lexical.RemoveByFilePaths(ctx, paths); err != nil {
			return 0, apperrors.StoreError("remove lexical chunks", err)
		}
		if err := e.metadata.DeleteChunks(ctx, ids); err != nil {
			return 0, apperrors.StoreError("remove chunk metadata", err)
		}
		if err := e.vectors.DeleteEmbeddings(ctx, ids); err != nil {
			return 0, apperrors.StoreError("remove embeddings", err)
		}
	}

	e.metrics.ObserveRemoved(len(paths))
	e.logger.Info("files_removed",
		slog.Int("files", len(paths)),
		slog.Int("chunks", len(ids)))
	return len(ids), nil
}

// IndexedFiles lists the paths of every indexed document.
func (e *Engine) IndexedFiles(ctx context.Context) ([]string, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	paths, err := e.metadata.FilePaths(ctx)
	if err != nil {
		return nil, apperrors.StoreError("list files", err)
	}
	return paths, nil
}

// IndexedVersion returns the source mtime and size recorded when path was
// last indexed. ok is false when path has no chunks.
func (e *Engine) IndexedVersion(ctx context.Context, path string) (mtime time.Time, size int64, ok bool, err error) {
	if err := e.checkOpen(); err != nil {
		return time.Time{}, 0, false, err
	}
	records, err := e.metadata.ChunksByFile(ctx, path)
	if err != nil {
		return time.Time{}, 0, false, apperrors.StoreError("read chunks of "+path, err)
	}
	if len(records) == 0 {
		return time.Time{}, 0, false, nil
	}
	return records[0].MTime, records[0].Size, true, nil
}
