package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/hybridrank/internal/output"
	"github.com/Aman-CERP/hybridrank/internal/search"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	limit    int
	mode     string // "hybrid", "bm25", "vector"
	format   string // "text", "json"
	chunks   bool
	noRerank bool
	lexAgg   string
	vecAgg   string
}

func newSearchCmd(a *app) *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the indexed collection",
		Long: `Rank the documents of the collection against a query.

Combines BM25 (keyword) and embedding similarity with Reciprocal Rank
Fusion. Chunk scores are aggregated per document before fusion.

Examples:
  hybridrank search "gradient descent convergence"
  hybridrank search "error budget" --mode bm25 -n 5
  hybridrank search "vaccine efficacy" --chunks --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, a, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Maximum number of results (default from config)")
	cmd.Flags().StringVarP(&opts.mode, "mode", "m", "", "Retrieval mode: hybrid, bm25, vector (default from config)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")
	cmd.Flags().BoolVar(&opts.chunks, "chunks", false, "Return individual chunks instead of documents")
	cmd.Flags().BoolVar(&opts.noRerank, "no-rerank", false, "Skip the cross-encoder reranker")
	cmd.Flags().StringVar(&opts.lexAgg, "lexical-aggregation", "", "Override the BM25 chunk aggregation method")
	cmd.Flags().StringVar(&opts.vecAgg, "vector-aggregation", "", "Override the vector chunk aggregation method")

	return cmd
}

// jsonResult is one document in JSON output.
type jsonResult struct {
	FilePath   string  `json:"file_path"`
	Title      string  `json:"title,omitempty"`
	Score      float64 `json:"score"`
	ChunkCount int     `json:"chunk_count"`
	Excerpt    string  `json:"excerpt,omitempty"`
}

// jsonChunk is one chunk in JSON output.
type jsonChunk struct {
	ChunkID    string  `json:"chunk_id"`
	FilePath   string  `json:"file_path"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float64 `json:"score"`
	Content    string  `json:"content"`
}

type jsonResponse struct {
	Query      string       `json:"query"`
	Results    []jsonResult `json:"results,omitempty"`
	Chunks     []jsonChunk  `json:"chunks,omitempty"`
	Degraded   []string     `json:"degraded,omitempty"`
	Reranked   bool         `json:"reranked"`
	DurationMS int64        `json:"duration_ms"`
}

func runSearch(cmd *cobra.Command, a *app, query string, opts searchOptions) (err error) {
	if opts.format != "text" && opts.format != "json" {
		return fmt.Errorf("unknown format %q (want text or json)", opts.format)
	}
	ctx := cmd.Context()

	c, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer closeCollection(c, &err)

	searchOpts, err := c.SearchOptions(opts.mode, opts.limit)
	if err != nil {
		return err
	}
	searchOpts.SkipRerank = opts.noRerank
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

	if opts.chunks {
		resp, err := c.Engine.SearchChunks(ctx, query, searchOpts)
		if err != nil {
			return err
		}
		return printChunks(cmd, query, resp, opts.format)
	}

	resp, err := c.Engine.Search(ctx, query, searchOpts)
	if err != nil {
		return err
	}
	return printResults(cmd, query, resp, opts.format)
}

func degradedNames(d search.Degradation) []string {
	var names []string
	if d.Lexical {
		names = append(names, "bm25")
	}
	if d.Vector {
		names = append(names, "vector")
	}
	if d.Rerank {
		names = append(names, "rerank")
	}
	return names
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func excerptOf(content string, n int) string {
	content = strings.Join(strings.Fields(content), " ")
	r := []rune(content)
	if len(r) <= n {
		return content
	}
	return string(r[:n]) + "..."
}

func printResults(cmd *cobra.Command, query string, resp *search.SearchResponse, format string) error {
	if format == "json" {
		out := jsonResponse{
			Query:      query,
			Results:    make([]jsonResult, 0, len(resp.Results)),
			Degraded:   degradedNames(resp.Degraded),
			Reranked:   resp.Reranked,
			DurationMS: resp.Duration.Milliseconds(),
		}
		for _, r := range resp.Results {
			item := jsonResult{FilePath: r.FilePath, Title: r.Title, Score: r.Score, ChunkCount: r.ChunkCount}
			if r.TopChunk != nil {
				item.Excerpt = excerptOf(r.TopChunk.Content, 300)
			}
			out.Results = append(out.Results, item)
		}
		return writeJSON(cmd, out)
	}

	out := output.New(cmd.OutOrStdout())
	if len(resp.Results) == 0 {
		out.Statusf("", "No results for %q", query)
		return nil
	}
	for i, r := range resp.Results {
		excerpt := ""
		if r.TopChunk != nil {
			excerpt = excerptOf(r.TopChunk.Content, 160)
		}
		out.Result(i+1, r.FilePath, r.Title, r.Score, excerpt)
	}
	printFooter(out, len(resp.Results), resp.Degraded, resp.Reranked, resp.Duration)
	return nil
}

func printChunks(cmd *cobra.Command, query string, resp *search.ChunkResponse, format string) error {
	if format == "json" {
		out := jsonResponse{
			Query:      query,
			Chunks:     make([]jsonChunk, 0, len(resp.Chunks)),
			Degraded:   degradedNames(resp.Degraded),
			Reranked:   resp.Reranked,
			DurationMS: resp.Duration.Milliseconds(),
		}
		for _, c := range resp.Chunks {
			out.Chunks = append(out.Chunks, jsonChunk{
				ChunkID:    c.ChunkID,
				FilePath:   c.FilePath,
				ChunkIndex: c.ChunkIndex,
				Score:      c.Score,
				Content:    c.Content,
			})
		}
		return writeJSON(cmd, out)
	}

	out := output.New(cmd.OutOrStdout())
	if len(resp.Chunks) == 0 {
		out.Statusf("", "No results for %q", query)
		return nil
	}
	for i, c := range resp.Chunks {
		out.Result(i+1, c.ChunkID, "", c.Score, excerptOf(c.Content, 240))
	}
	printFooter(out, len(resp.Chunks), resp.Degraded, resp.Reranked, resp.Duration)
	return nil
}

func printFooter(out *output.Writer, n int, degraded search.Degradation, reranked bool, d time.Duration) {
	out.Newline()
	line := fmt.Sprintf("%d result(s) in %s", n, d.Round(time.Millisecond))
	if reranked {
		line += ", reranked"
	}
	out.Status("", line)
	if names := degradedNames(degraded); len(names) > 0 {
		out.Warningf("degraded: %s unavailable", strings.Join(names, ", "))
	}
}
