package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/hybridrank/internal/output"
)

func newRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <path>...",
		Short: "Remove documents from the index",
		Long: `Remove documents and all their chunks from the lexical, vector and
metadata stores. Paths are relative to the collection root.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			c, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer closeCollection(c, &err)

			paths := make([]string, len(args))
			for i, p := range args {
				paths[i] = filepath.ToSlash(filepath.Clean(p))
			}
			removed, err := c.Engine.RemoveFiles(ctx, paths)
			if err != nil {
				return err
			}
			output.New(cmd.OutOrStdout()).Successf("Removed %d chunks from %d path(s)", removed, len(paths))
			return nil
		},
	}
}
