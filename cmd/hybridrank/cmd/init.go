package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/hybridrank/internal/config"
	"github.com/Aman-CERP/hybridrank/internal/output"
)

func newInitCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a project configuration file with the default settings",
		Long: `Write .hybridrank.yaml to the collection root with the effective
configuration. An existing file is kept unless --force is given, in which
case it is backed up before being replaced.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := output.New(cmd.OutOrStdout())
			root, err := a.root()
			if err != nil {
				return err
			}

			if existing := config.FindProjectFile(root); existing != "" && !force {
				out.Warningf("%s already exists, use --force to overwrite", existing)
				return nil
			}
			if err := os.MkdirAll(root, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", root, err)
			}

			path, backup, err := a.cfg.WriteProjectFile(root)
			if err != nil {
				return err
			}
			if backup != "" {
				out.Statusf("", "Previous file saved to %s", backup)
			}
			out.Successf("Wrote %s", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing configuration file")
	return cmd
}
