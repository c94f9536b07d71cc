package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/hybridrank/internal/output"
)

func newVerifyCmd(a *app) *cobra.Command {
	var repair bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that the lexical, vector and metadata stores agree",
		Long: `Cross-check every chunk of the metadata store against the lexical and
vector indexes and verify the BM25 corpus statistics.

With --repair, orphan entries are deleted. Chunks missing from an index
cannot be rebuilt in place; their files are listed for re-indexing with
'hybridrank index --force'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			c, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer closeCollection(c, &err)

			out := output.New(cmd.OutOrStdout())
			checker := c.Checker()
			result, err := checker.Check(ctx)
			if err != nil {
				return err
			}
			if result.OK() {
				out.Successf("%d chunks consistent", result.Checked)
				return nil
			}

			for _, inc := range result.Inconsistencies {
				out.Warningf("%s %s", inc.Type, inc.ChunkID)
			}
			if lr := result.Lexical; lr != nil && !lr.OK() {
				out.Warningf("lexical: %d df mismatches, %d dangling and %d missing postings",
					len(lr.DocumentFrequencyMismatches), len(lr.DanglingPostings), len(lr.MissingPostings))
				if lr.StatsMismatch != "" {
					out.Warningf("lexical stats: %s", lr.StatsMismatch)
				}
			}
			if !repair {
				return result.Err()
			}

			repaired, err := checker.Repair(ctx, result)
			if err != nil {
				return err
			}
			out.Successf("Removed %d lexical and %d vector orphans", repaired.RemovedLexical, repaired.RemovedVectors)
			for _, p := range repaired.Reindex {
				out.Statusf("", "needs re-index: %s", p)
			}
			if len(repaired.Reindex) > 0 {
				return fmt.Errorf("%d file(s) need re-indexing", len(repaired.Reindex))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&repair, "repair", false, "Delete orphan entries")
	return cmd
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
