package cmd

import (
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/hybridrank/internal/corpus"
	"github.com/Aman-CERP/hybridrank/internal/index"
	"github.com/Aman-CERP/hybridrank/internal/output"
)

// indexOptions holds CLI flags for index.
type indexOptions struct {
	corpusFile string
	force      bool
	noPrune    bool
	quiet      bool
}

func newIndexCmd(a *app) *cobra.Command {
	var opts indexOptions

	cmd := &cobra.Command{
		Use:   "index [dir]",
		Short: "Index the documents of the collection",
		Long: `Index the Markdown and text files under dir (default: the collection root).
Document paths are stored relative to dir.

Unchanged files are skipped by modification time and size. Files that were
indexed before but no longer exist are removed unless --no-prune is given.

With --corpus, documents are read from a JSONL file with _id, title and
text fields instead of the file system.

Examples:
  hybridrank index
  hybridrank index notes/ --force
  hybridrank index --corpus scifact/corpus.jsonl`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(cmd, a, args, opts)
		},
	}

	cmd.Flags().StringVar(&opts.corpusFile, "corpus", "", "Index documents from a JSONL corpus file")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Re-index documents even if unchanged")
	cmd.Flags().BoolVar(&opts.noPrune, "no-prune", false, "Keep indexed documents missing from the source")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Suppress the progress bar")

	return cmd
}

func runIndex(cmd *cobra.Command, a *app, args []string, opts indexOptions) (err error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	out := output.New(cmd.OutOrStdout())

	c, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer closeCollection(c, &err)

	var src corpus.Source
	if opts.corpusFile != "" {
		jsonl, err := corpus.LoadJSONL(opts.corpusFile)
		if err != nil {
			return err
		}
		out.Statusf("", "Loaded %d documents from %s", jsonl.Len(), opts.corpusFile)
		src = jsonl
	} else {
		dir := c.Root
		if len(args) == 1 {
			if dir, err = filepath.Abs(args[0]); err != nil {
				return err
			}
		}
		walker, err := c.Walker(dir)
		if err != nil {
			return err
		}
		src = walker
	}

	rc := index.DefaultRunnerConfig()
	rc.Force = opts.force
	rc.Prune = !opts.noPrune

	var runnerOpts []index.RunnerOption
	if !opts.quiet {
		runnerOpts = append(runnerOpts, index.WithProgress(func(p index.Progress) {
			out.Progress(p.Done, p.Total, p.Path)
		}))
	}

	report, err := c.Index(ctx, src, rc, runnerOpts...)
	if err != nil {
		return err
	}

	for _, f := range report.Failures() {
		out.Warningf("%s: %v", f.Path, f.Err)
	}
	out.Successf("Indexed %d documents (%d chunks) in %s", report.Indexed, report.Chunks, report.Duration.Round(time.Millisecond))
	if report.Skipped > 0 {
		out.Statusf("", "%d unchanged", report.Skipped)
	}
	if report.Pruned > 0 {
		out.Statusf("", "%d removed", report.Pruned)
	}
	if report.Failed > 0 {
		out.Errorf("%d failed", report.Failed)
	}
	slog.Debug("index_command_complete",
		slog.Int("indexed", report.Indexed),
		slog.Int("failed", report.Failed))
	return nil
}
