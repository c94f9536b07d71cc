package search

import (
	"sort"
)

// DefaultRRFConstant is the standard RRF smoothing parameter.
// k=60 is empirically validated across domains (used by Azure AI Search, OpenSearch, etc.).
const DefaultRRFConstant = 60

// RankedList is one ranked source of a fusion, best first.
type RankedList struct {
	Name    string
	Weight  float64
	Results []SearchResult
}

// FusionConfig configures the fusion of the lexical and vector file lists.
type FusionConfig struct {
	K             int
	LexicalWeight float64
	VectorWeight  float64

	// Normalize divides fused scores by their maximum (Σw)/(K+1), keeping
	// them in [0, 1].
	Normalize bool
}

// DefaultFusionConfig returns k=60, equal weights, normalized.
func DefaultFusionConfig() FusionConfig {
	return FusionConfig{
		K:             DefaultRRFConstant,
		LexicalWeight: 1.0,
		VectorWeight:  1.0,
		Normalize:     true,
	}
}

// ReciprocalRankFusion combines ranked file lists.
//
// Algorithm: RRF_score(d) = Σ weight_i / (k + rank_i)
//
// Where:
//   - k = smoothing constant (default: 60)
//   - rank_i = position of d in list i (1-indexed)
//   - weight_i = weight of list i
//
// A file absent from a list gets no contribution from it. The excerpt of a
// file (TopChunk, Title) comes from the last list containing it, so callers
// pass the semantic source last.
func ReciprocalRankFusion(lists []RankedList, k int, normalize bool) []SearchResult {
	if k <= 0 {
		k = DefaultRRFConstant
	}

	var order []string
	fused := make(map[string]*SearchResult)
	var totalWeight float64
	for _, list := range lists {
		totalWeight += list.Weight
		for i, r := range list.Results {
			f, ok := fused[r.FilePath]
			if !ok {
				f = &SearchResult{FilePath: r.FilePath}
				fused[r.FilePath] = f
				order = append(order, r.FilePath)
			}
			f.Score += list.Weight / float64(k+i+1)
			if r.TopChunk != nil {
				f.TopChunk = r.TopChunk
			}
			if r.Title != "" {
				f.Title = r.Title
			}
			if r.FileSize > 0 {
				f.FileSize = r.FileSize
			}
			f.ChunkCount = max(f.ChunkCount, r.ChunkCount)
		}
	}

	results := make([]SearchResult, 0, len(order))
	for _, path := range order {
		results = append(results, *fused[path])
	}
	if normalize && totalWeight > 0 {
		ceiling := totalWeight / float64(k+1)
		for i := range results {
			results[i].Score /= ceiling
		}
	}
	sortResults(results)
	return results
}

// FuseFileResults fuses the lexical and vector file lists.
func FuseFileResults(lexical, vector []SearchResult, cfg FusionConfig) []SearchResult {
	return ReciprocalRankFusion([]RankedList{
		{Name: "lexical", Weight: cfg.LexicalWeight, Results: lexical},
		{Name: "vector", Weight: cfg.VectorWeight, Results: vector},
	}, cfg.K, cfg.Normalize)
}

// FuseChunkResults is ReciprocalRankFusion over chunk lists, keyed by
// chunk id. The chunk record comes from the last list containing it.
func FuseChunkResults(lexical, vector []ChunkResult, cfg FusionConfig) []ChunkResult {
	k := cfg.K
	if k <= 0 {
		k = DefaultRRFConstant
	}

	var order []string
	fused := make(map[string]*ChunkResult)
	add := func(list []ChunkResult, weight float64) {
		for i, c := range list {
			f, ok := fused[c.ChunkID]
			if !ok {
				order = append(order, c.ChunkID)
				f = &ChunkResult{}
				fused[c.ChunkID] = f
			}
			score := f.Score + weight/float64(k+i+1)
			*f = c
			f.Score = score
		}
	}
	add(lexical, cfg.LexicalWeight)
	add(vector, cfg.VectorWeight)

	results := make([]ChunkResult, 0, len(order))
	for _, id := range order {
		results = append(results, *fused[id])
	}
	if total := cfg.LexicalWeight + cfg.VectorWeight; cfg.Normalize && total > 0 {
		ceiling := total / float64(k+1)
		for i := range results {
			results[i].Score /= ceiling
		}
	}
	sortChunks(results)
	return results
}

// sortChunks orders chunks by score descending, then by id.
func sortChunks(chunks []ChunkResult) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		return chunks[i].ChunkID < chunks[j].ChunkID
	})
}
