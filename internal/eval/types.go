package eval

import "sort"

// Query is one benchmark query.
type Query struct {
	ID   string
	Text string
}

// Qrels maps a query id to the graded relevance of its judged documents.
type Qrels map[string]map[string]int

// Relevant returns the number of documents judged relevant (grade > 0) for qid.
func (q Qrels) Relevant(qid string) int {
	n := 0
	for _, grade := range q[qid] {
		if grade > 0 {
			n++
		}
	}
	return n
}

// Hit is one ranked document of a run.
type Hit struct {
	DocID string
	Rank  int
	Score float64
}

// Run maps a query id to its ranked hits.
type Run map[string][]Hit

// QueryIDs returns the query ids of the run, sorted.
func (r Run) QueryIDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Ranked returns the hits of qid ordered by descending score, ties broken by
// rank. Files written by other tools are not trusted to be sorted.
func (r Run) Ranked(qid string) []Hit {
	hits := append([]Hit(nil), r[qid]...)
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Rank < hits[j].Rank
	})
	return hits
}
