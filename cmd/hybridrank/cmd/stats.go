package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/hybridrank/internal/output"
)

// statsOutput is the JSON form of the stats command.
type statsOutput struct {
	Root           string  `json:"root"`
	DataDir        string  `json:"data_dir"`
	Store          string  `json:"store"`
	Lexical        string  `json:"lexical"`
	Files          int     `json:"files"`
	Chunks         int     `json:"chunks"`
	Vectors        int     `json:"vectors"`
	Dimensions     int     `json:"dimensions"`
	Model          string  `json:"model"`
	TotalDocuments int     `json:"total_documents"`
	AvgDocLength   float64 `json:"avg_doc_length"`
	LexicalVersion uint64  `json:"lexical_version"`
}

func newStatsCmd(a *app) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show index statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			c, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer closeCollection(c, &err)

			stats, err := c.Engine.Stats(ctx)
			if err != nil {
				return err
			}
			s := statsOutput{
				Root:           c.Root,
				DataDir:        c.DataDir,
				Store:          c.Config.Store.Backend,
				Lexical:        c.Config.Lexical.Backend,
				Files:          stats.Files,
				Chunks:         stats.Chunks,
				Vectors:        stats.Vectors,
				Dimensions:     stats.Dimensions,
				Model:          stats.Model,
				TotalDocuments: stats.Lexical.TotalDocuments,
				AvgDocLength:   stats.Lexical.AverageDocumentLength,
				LexicalVersion: stats.Lexical.Version,
			}
			if jsonOutput {
				return writeJSON(cmd, s)
			}

			out := output.New(cmd.OutOrStdout())
			out.Header("Collection")
			out.KeyValue("Root", s.Root)
			out.KeyValue("Data dir", s.DataDir)
			out.KeyValue("Store", s.Store)
			out.KeyValue("Lexical", s.Lexical)
			out.Header("Index")
			out.KeyValue("Files", s.Files)
			out.KeyValue("Chunks", s.Chunks)
			out.KeyValue("Vectors", s.Vectors)
			out.KeyValue("Dimensions", s.Dimensions)
			out.KeyValue("Model", s.Model)
			out.Header("BM25")
			out.KeyValue("Documents", s.TotalDocuments)
			out.KeyValue("Avg length", formatFloat(s.AvgDocLength))
			out.KeyValue("Version", s.LexicalVersion)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output statistics as JSON")
	return cmd
}
