package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/hybridrank/internal/eval"
	"github.com/Aman-CERP/hybridrank/internal/output"
	"github.com/Aman-CERP/hybridrank/internal/search"
)

func newEvalCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Benchmark retrieval quality against judged queries",
		Long: `Run benchmark queries against the collection and score TREC runs
against relevance judgements (nDCG@10, Recall@10, Recall@100, MRR@10, MAP).`,
	}
	cmd.AddCommand(newEvalRunCmd(a))
	cmd.AddCommand(newEvalScoreCmd())
	return cmd
}

// evalRunOptions holds CLI flags for eval run.
type evalRunOptions struct {
	queries     string
	out         string
	runID       string
	mode        string
	topK        int
	concurrency int
	lexAgg      string
	vecAgg      string
	rerank      bool
	qrels       string
}

func newEvalRunCmd(a *app) *cobra.Command {
	var opts evalRunOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Search every benchmark query and write a TREC run file",
		Long: `Search every query of a BEIR queries.jsonl file and write the ranked
documents as a TREC run. Result paths are mapped to corpus ids by dropping
the directory and the .md/.txt extension.

Examples:
  hybridrank eval run --queries queries.jsonl --output runs/hybrid.trec
  hybridrank eval run --queries queries.jsonl --output runs/bm25.trec --mode bm25 --qrels qrels/test.tsv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEvalRun(cmd, a, opts)
		},
	}

	cmd.Flags().StringVar(&opts.queries, "queries", "", "BEIR queries.jsonl file (required)")
	cmd.Flags().StringVarP(&opts.out, "output", "o", "", "Run file to write (required)")
	cmd.Flags().StringVar(&opts.runID, "run-id", "", "Run tag written to the run file (default: output file name)")
	cmd.Flags().StringVarP(&opts.mode, "mode", "m", "", "Retrieval mode: hybrid, bm25, vector (default from config)")
	cmd.Flags().IntVar(&opts.topK, "top-k", 100, "Documents kept per query")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "Queries in flight (default: number of CPUs)")
	cmd.Flags().StringVar(&opts.lexAgg, "lexical-aggregation", "", "Override the BM25 chunk aggregation method")
	cmd.Flags().StringVar(&opts.vecAgg, "vector-aggregation", "", "Override the vector chunk aggregation method")
	cmd.Flags().BoolVar(&opts.rerank, "rerank", false, "Apply the configured reranker")
	cmd.Flags().StringVar(&opts.qrels, "qrels", "", "Score the run against these judgements when done")
	_ = cmd.MarkFlagRequired("queries")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

func runEvalRun(cmd *cobra.Command, a *app, opts evalRunOptions) (err error) {
	ctx := cmd.Context()
	out := output.New(cmd.OutOrStdout())

	queries, err := eval.LoadQueries(opts.queries)
	if err != nil {
		return err
	}

	c, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer closeCollection(c, &err)

	searchOpts, err := c.SearchOptions(opts.mode, 0)
	if err != nil {
		return err
	}
	searchOpts.SkipRerank = !opts.rerank
	if opts.lexAgg != "" {
		if searchOpts.LexicalAggregation, err = search.ParseAggregationMethod(opts.lexAgg); err != nil {
			return err
		}
	}
	if opts.vecAgg != "" {
		if searchOpts.VectorAggregation, err = search.ParseAggregationMethod(opts.vecAgg); err != nil {
			return err
		}
	}

	rc := eval.DefaultRunnerConfig()
	rc.TopK = opts.topK
	rc.Concurrency = opts.concurrency
	rc.Options = searchOpts

	run, report, err := eval.NewRunner(c.Engine, rc, a.logger).Run(ctx, queries)
	if err != nil {
		return err
	}

	runID := opts.runID
	if runID == "" {
		runID = runName(opts.out)
	}
	if dir := filepath.Dir(opts.out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := eval.WriteRunFile(opts.out, runID, run); err != nil {
		return err
	}

	out.Successf("Wrote %d queries to %s in %s", report.Queries-len(report.Failed), opts.out, report.Duration.Round(time.Millisecond))
	if len(report.Failed) > 0 {
		out.Warningf("%d queries failed: %s", len(report.Failed), strings.Join(report.Failed, ", "))
	}
	if report.Degraded > 0 {
		out.Warningf("%d queries ran degraded", report.Degraded)
	}

	if opts.qrels == "" {
		return nil
	}
	qrels, err := eval.LoadQrels(opts.qrels)
	if err != nil {
		return err
	}
	out.Newline()
	return eval.WriteTable(cmd.OutOrStdout(), []eval.Summary{{Run: runID, Metrics: eval.Evaluate(qrels, run)}})
}

func newEvalScoreCmd() *cobra.Command {
	var qrelsPath, csvPath string

	cmd := &cobra.Command{
		Use:   "score <run>...",
		Short: "Score TREC run files against relevance judgements",
		Long: `Score one or more TREC run files against BEIR (query-id, corpus-id, score)
TSV or TREC qrels and print a summary table.

Examples:
  hybridrank eval score --qrels qrels/test.tsv runs/*.trec
  hybridrank eval score --qrels qrels/test.tsv runs/*.trec --csv summary.csv`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			qrels, err := eval.LoadQrels(qrelsPath)
			if err != nil {
				return err
			}

			summaries := make([]eval.Summary, 0, len(args))
			for _, path := range args {
				run, err := eval.ReadRun(path)
				if err != nil {
					return err
				}
				summaries = append(summaries, eval.Summary{Run: runName(path), Metrics: eval.Evaluate(qrels, run)})
			}

			if err := eval.WriteTable(cmd.OutOrStdout(), summaries); err != nil {
				return err
			}
			if csvPath == "" {
				return nil
			}
			f, err := os.Create(csvPath)
			if err != nil {
				return fmt.Errorf("create %s: %w", csvPath, err)
			}
			if err := eval.WriteCSV(f, summaries); err != nil {
				_ = f.Close()
				return err
			}
			return f.Close()
		},
	}

	cmd.Flags().StringVar(&qrelsPath, "qrels", "", "Relevance judgements, BEIR TSV or TREC format (required)")
	cmd.Flags().StringVar(&csvPath, "csv", "", "Also write the summary as CSV")
	_ = cmd.MarkFlagRequired("qrels")

	return cmd
}

// runName is the file name of path without its extension.
func runName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
