package eval

import (
	"math"
	"sort"
)

// Metrics are the averaged scores of a run.
type Metrics struct {
	NDCG10    float64
	Recall10  float64
	Recall100 float64
	MRR10     float64
	MAP       float64

	// Queries is the number of judged queries averaged over.
	Queries int
}

// Evaluate scores run against qrels. Every query with at least one relevant
// judgement counts; a judged query missing from the run scores zero.
func Evaluate(qrels Qrels, run Run) Metrics {
	var m Metrics
	for qid, judged := range qrels {
		relevant := qrels.Relevant(qid)
		if relevant == 0 {
			continue
		}
		m.Queries++

		hits := run.Ranked(qid)
		m.NDCG10 += NDCG(hits, judged, 10)
		m.Recall10 += Recall(hits, judged, relevant, 10)
		m.Recall100 += Recall(hits, judged, relevant, 100)
		m.MRR10 += ReciprocalRank(hits, judged, 10)
		m.MAP += AveragePrecision(hits, judged, relevant)
	}
	if m.Queries == 0 {
		return m
	}
	n := float64(m.Queries)
	m.NDCG10 /= n
	m.Recall10 /= n
	m.Recall100 /= n
	m.MRR10 /= n
	m.MAP /= n
	return m
}

// NDCG returns the normalised discounted cumulative gain of the first k hits,
// with the grade as gain and log2(rank+1) as discount.
func NDCG(hits []Hit, judged map[string]int, k int) float64 {
	var dcg float64
	for i, hit := range cut(hits, k) {
		if grade := judged[hit.DocID]; grade > 0 {
			dcg += float64(grade) / math.Log2(float64(i+2))
		}
	}

	grades := make([]int, 0, len(judged))
	for _, grade := range judged {
		if grade > 0 {
			grades = append(grades, grade)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(grades)))
	var ideal float64
	for i, grade := range grades[:min(k, len(grades))] {
		ideal += float64(grade) / math.Log2(float64(i+2))
	}
	if ideal == 0 {
		return 0
	}
	return dcg / ideal
}

// Recall returns the share of the relevant documents found in the first k hits.
func Recall(hits []Hit, judged map[string]int, relevant, k int) float64 {
	if relevant == 0 {
		return 0
	}
	found := 0
	for _, hit := range cut(hits, k) {
		if judged[hit.DocID] > 0 {
			found++
		}
	}
	return float64(found) / float64(relevant)
}

// ReciprocalRank returns 1/rank of the first relevant hit within k, else 0.
func ReciprocalRank(hits []Hit, judged map[string]int, k int) float64 {
	for i, hit := range cut(hits, k) {
		if judged[hit.DocID] > 0 {
			return 1 / float64(i+1)
		}
	}
	return 0
}

// AveragePrecision returns the mean of precision at each relevant hit,
// divided over all relevant documents.
func AveragePrecision(hits []Hit, judged map[string]int, relevant int) float64 {
	if relevant == 0 {
		return 0
	}
	var sum float64
	found := 0
	for i, hit := range hits {
		if judged[hit.DocID] > 0 {
			found++
			sum += float64(found) / float64(i+1)
		}
	}
	return sum / float64(relevant)
}

func cut(hits []Hit, k int) []Hit {
	return hits[:min(k, len(hits))]
}
