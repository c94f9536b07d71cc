// Package eval measures retrieval quality against BEIR style relevance
// judgements.
//
// A benchmark is a queries.jsonl file, a qrels TSV file and an indexed
// corpus. Runner searches every query and produces a TREC run; Evaluate
// scores a run against the qrels with nDCG@10, Recall@10, Recall@100, MRR@10
// and MAP.
package eval
