package search

import (
	"fmt"
	"math"
	"sort"
)

// AggregationMethod turns the chunk scores of a file into one file score.
type AggregationMethod string

const (
	// AggregateMaxP keeps the best chunk score.
	AggregateMaxP AggregationMethod = "max_p"
	// AggregateTopMSum sums the M best chunk scores.
	AggregateTopMSum AggregationMethod = "top_m_sum"
	// AggregateTopMAvg averages the M best chunk scores.
	AggregateTopMAvg AggregationMethod = "top_m_avg"
	// AggregateWeightedTopLSum sums the L best scores weighted by Decay^i.
	AggregateWeightedTopLSum AggregationMethod = "weighted_top_l_sum"
	// AggregateRRFPerDoc sums 1/(RRFK+rank) over the within-file chunk ranks.
	AggregateRRFPerDoc AggregationMethod = "rrf_per_doc"
)

// AggregationMethods lists every supported method.
var AggregationMethods = []AggregationMethod{
	AggregateMaxP,
	AggregateTopMSum,
	AggregateTopMAvg,
	AggregateWeightedTopLSum,
	AggregateRRFPerDoc,
}

// ParseAggregationMethod parses a method name. Empty selects AggregateMaxP.
func ParseAggregationMethod(s string) (AggregationMethod, error) {
	if s == "" {
		return AggregateMaxP, nil
	}
	for _, m := range AggregationMethods {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown aggregation method %q", s)
}

// AggregationParams are the parameters of the aggregation methods.
type AggregationParams struct {
	M     int     // top_m_sum, top_m_avg
	L     int     // weighted_top_l_sum
	Decay float64 // weighted_top_l_sum
	RRFK  int     // rrf_per_doc
}

// DefaultAggregationParams returns M=3, L=3, Decay=0.95, RRFK=60.
func DefaultAggregationParams() AggregationParams {
	return AggregationParams{M: 3, L: 3, Decay: 0.95, RRFK: 60}
}

// withDefaults replaces non-positive parameters by their defaults.
func (p AggregationParams) withDefaults() AggregationParams {
	d := DefaultAggregationParams()
	if p.M <= 0 {
		p.M = d.M
	}
	if p.L <= 0 {
		p.L = d.L
	}
	if p.Decay <= 0 {
		p.Decay = d.Decay
	}
	if p.RRFK <= 0 {
		p.RRFK = d.RRFK
	}
	return p
}

// AggregateChunkScores groups chunks by file and scores every file with
// method. The TopChunk of a file is always its highest scoring chunk,
// whatever the method. Files are sorted by score descending, ties broken by
// path.
func AggregateChunkScores(chunks []ChunkResult, method AggregationMethod, params AggregationParams) []SearchResult {
	if len(chunks) == 0 {
		return []SearchResult{}
	}
	params = params.withDefaults()

	var order []string
	byFile := make(map[string][]ChunkResult)
	for _, c := range chunks {
		if _, seen := byFile[c.FilePath]; !seen {
			order = append(order, c.FilePath)
		}
		byFile[c.FilePath] = append(byFile[c.FilePath], c)
	}

	results := make([]SearchResult, 0, len(order))
	for _, path := range order {
		group := byFile[path]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Score > group[j].Score
		})
		scores := make([]float64, len(group))
		for i, c := range group {
			scores[i] = c.Score
		}

		top := group[0]
		r := SearchResult{
			FilePath:   path,
			Score:      fileScore(scores, method, params),
			TopChunk:   &top,
			ChunkCount: len(group),
		}
		for _, c := range group {
			if c.Metadata != nil {
				r.Title = c.Metadata.Title
				r.FileSize = c.Metadata.Size
				break
			}
		}
		results = append(results, r)
	}

	sortResults(results)
	return results
}

// fileScore scores one file from its descending chunk scores.
func fileScore(scores []float64, method AggregationMethod, p AggregationParams) float64 {
	switch method {
	case AggregateTopMSum:
		return sum(scores[:min(p.M, len(scores))])
	case AggregateTopMAvg:
		top := scores[:min(p.M, len(scores))]
		return sum(top) / float64(len(top))
	case AggregateWeightedTopLSum:
		var total float64
		for i, s := range scores[:min(p.L, len(scores))] {
			total += math.Pow(p.Decay, float64(i)) * s
		}
		return total
	case AggregateRRFPerDoc:
		var total float64
		for rank := 1; rank <= len(scores); rank++ {
			total += 1.0 / float64(p.RRFK+rank)
		}
		return total
	default:
		return scores[0]
	}
}

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

// sortResults orders files by score descending, then by path.
func sortResults(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].FilePath < results[j].FilePath
	})
}
