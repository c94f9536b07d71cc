package cmd

import (
	"fmt"
	"regexp"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/hybridrank/internal/logging"
	"github.com/Aman-CERP/hybridrank/internal/output"
)

func newLogsCmd(a *app) *cobra.Command {
	var (
		lines   int
		level   string
		filter  string
		noColor bool
		logFile string
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View hybridrank log files",
		Long: `Show the last lines of the hybridrank log file.

The file is --file, else logging.file from the configuration, else
~/.hybridrank/logs/hybridrank.log.

Examples:
  hybridrank logs -n 100
  hybridrank logs --level warn
  hybridrank logs --filter "search_.*failed"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if logFile == "" && a.cfg != nil {
				logFile = a.cfg.Logging.File
			}
			path, err := logging.FindLogFile(logFile)
			if err != nil {
				return err
			}

			vc := logging.ViewerConfig{
				Level:   level,
				NoColor: noColor || !output.IsTerminal(cmd.OutOrStdout()),
			}
			if filter != "" {
				if vc.Pattern, err = regexp.Compile(filter); err != nil {
					return fmt.Errorf("invalid filter pattern: %w", err)
				}
			}

			viewer := logging.NewViewer(vc, cmd.OutOrStdout())
			entries, err := viewer.Tail(path, lines)
			if err != nil {
				return err
			}
			viewer.Print(entries)
			return nil
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of lines to show (0 for all)")
	cmd.Flags().StringVar(&level, "level", "", "Minimum level: debug, info, warn, error")
	cmd.Flags().StringVar(&filter, "filter", "", "Only show lines matching this regular expression")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	cmd.Flags().StringVar(&logFile, "file", "", "Log file path")

	return cmd
}
