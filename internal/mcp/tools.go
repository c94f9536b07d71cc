package mcp

import (
	"fmt"
	"strings"

	"github.com/Aman-CERP/hybridrank/internal/search"
)

// excerptRunes bounds the chunk text returned with each result.
const excerptRunes = 400

// SearchInput defines the input schema for the search and search_chunks tools.
type SearchInput struct {
	Query string `json:"query" jsonschema:"the search query to execute"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of results, default from the collection config"`
	Mode  string `json:"mode,omitempty" jsonschema:"retrieval mode: hybrid, bm25 or vector"`
}

// SearchOutput defines the output schema for the search tool.
type SearchOutput struct {
	Results  []SearchResultOutput `json:"results" jsonschema:"documents ranked by relevance"`
	Degraded []string             `json:"degraded,omitempty" jsonschema:"signals that were unavailable for this query"`
	Reranked bool                 `json:"reranked,omitempty" jsonschema:"true if a cross-encoder reordered the results"`
}

// SearchResultOutput is one ranked document.
type SearchResultOutput struct {
	FilePath   string   `json:"file_path" jsonschema:"path of the document relative to the collection root"`
	Title      string   `json:"title,omitempty" jsonschema:"document title"`
	Score      float64  `json:"score" jsonschema:"fused relevance score"`
	Excerpt    string   `json:"excerpt,omitempty" jsonschema:"best matching chunk of the document"`
	Headings   []string `json:"headings,omitempty" jsonschema:"section headings enclosing the excerpt"`
	ChunkCount int      `json:"chunk_count" jsonschema:"number of chunks that matched"`
}

// ChunkSearchOutput defines the output schema for the search_chunks tool.
type ChunkSearchOutput struct {
	Chunks   []ChunkOutput `json:"chunks" jsonschema:"chunks ranked by relevance"`
	Degraded []string      `json:"degraded,omitempty" jsonschema:"signals that were unavailable for this query"`
	Reranked bool          `json:"reranked,omitempty" jsonschema:"true if a cross-encoder reordered the chunks"`
}

// ChunkOutput is one ranked chunk.
type ChunkOutput struct {
	ChunkID    string   `json:"chunk_id"`
	FilePath   string   `json:"file_path"`
	ChunkIndex int      `json:"chunk_index"`
	Score      float64  `json:"score"`
	Content    string   `json:"content"`
	Headings   []string `json:"headings,omitempty"`
}

// IndexStatusInput defines the input schema for the index_status tool (no parameters).
type IndexStatusInput struct{}

// IndexStatusOutput defines the output schema for the index_status tool.
type IndexStatusOutput struct {
	RootPath       string  `json:"root_path"`
	Files          int     `json:"files"`
	Chunks         int     `json:"chunks"`
	Vectors        int     `json:"vectors"`
	Dimensions     int     `json:"dimensions"`
	Model          string  `json:"model"`
	TotalDocuments int     `json:"total_documents" jsonschema:"lexical documents, one per chunk plus title entries"`
	AvgDocLength   float64 `json:"avg_doc_length"`
	LexicalVersion uint64  `json:"lexical_version"`
	Ready          bool    `json:"ready" jsonschema:"true once at least one file is indexed"`
}

func degradedSignals(d search.Degradation) []string {
	var out []string
	if d.Lexical {
		out = append(out, "lexical")
	}
	if d.Vector {
		out = append(out, "vector")
	}
	if d.Rerank {
		out = append(out, "rerank")
	}
	return out
}

func toSearchOutput(resp *search.SearchResponse) SearchOutput {
	out := SearchOutput{
		Results:  make([]SearchResultOutput, 0, len(resp.Results)),
		Degraded: degradedSignals(resp.Degraded),
		Reranked: resp.Reranked,
	}
	for _, r := range resp.Results {
		item := SearchResultOutput{
			FilePath:   r.FilePath,
			Title:      r.Title,
			Score:      r.Score,
			ChunkCount: r.ChunkCount,
		}
		if r.TopChunk != nil {
			item.Excerpt = excerpt(r.TopChunk.Content)
			if r.TopChunk.Metadata != nil {
				item.Headings = r.TopChunk.Metadata.Headings
			}
		}
		out.Results = append(out.Results, item)
	}
	return out
}

func toChunkOutput(resp *search.ChunkResponse) ChunkSearchOutput {
	out := ChunkSearchOutput{
		Chunks:   make([]ChunkOutput, 0, len(resp.Chunks)),
		Degraded: degradedSignals(resp.Degraded),
		Reranked: resp.Reranked,
	}
	for _, c := range resp.Chunks {
		item := ChunkOutput{
			ChunkID:    c.ChunkID,
			FilePath:   c.FilePath,
			ChunkIndex: c.ChunkIndex,
			Score:      c.Score,
			Content:    c.Content,
		}
		if c.Metadata != nil {
			item.Headings = c.Metadata.Headings
		}
		out.Chunks = append(out.Chunks, item)
	}
	return out
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= excerptRunes {
		return s
	}
	return strings.TrimSpace(string(runes[:excerptRunes])) + "..."
}

// formatSearchResults renders results as markdown for clients that only
// read text content.
func formatSearchResults(query string, out SearchOutput) string {
	var sb strings.Builder
	if len(out.Results) == 0 {
		fmt.Fprintf(&sb, "No results found for %q.\n", query)
		return sb.String()
	}

	fmt.Fprintf(&sb, "## Results for %q\n\n", query)
	if len(out.Degraded) > 0 {
		fmt.Fprintf(&sb, "_Degraded: %s unavailable._\n\n", strings.Join(out.Degraded, ", "))
	}
	for i, r := range out.Results {
		title := r.Title
		if title == "" {
			title = r.FilePath
		}
		fmt.Fprintf(&sb, "### %d. %s\n", i+1, title)
		fmt.Fprintf(&sb, "`%s` score %.4f, %d matching chunk(s)\n", r.FilePath, r.Score, r.ChunkCount)
		if len(r.Headings) > 0 {
			fmt.Fprintf(&sb, "Section: %s\n", strings.Join(r.Headings, " > "))
		}
		if r.Excerpt != "" {
			fmt.Fprintf(&sb, "\n> %s\n", strings.ReplaceAll(r.Excerpt, "\n", "\n> "))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
