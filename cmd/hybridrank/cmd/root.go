// Package cmd provides the CLI commands for hybridrank.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/hybridrank/internal/config"
	apperrors "github.com/Aman-CERP/hybridrank/internal/errors"
	"github.com/Aman-CERP/hybridrank/internal/logging"
	"github.com/Aman-CERP/hybridrank/internal/profiling"
	"github.com/Aman-CERP/hybridrank/pkg/collection"
	"github.com/Aman-CERP/hybridrank/pkg/version"
)

// app holds the state shared by all subcommands of one invocation.
type app struct {
	dir        string
	configFile string
	envFile    string
	debug      bool
	profile    profiling.Options

	cfg      *config.Config
	logger   *slog.Logger
	cleanup  func()
	profiler *profiling.Profiler
}

// NewRootCmd creates the root command for hybridrank CLI.
func NewRootCmd() *cobra.Command {
	cmd, _ := newRoot()
	return cmd
}

// newRoot creates the root command and the state its run must tear down.
func newRoot() (*cobra.Command, *app) {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "hybridrank",
		Short: "Hybrid BM25 and embedding search over document collections",
		Long: `hybridrank indexes a directory of Markdown and text files and ranks them
against queries by fusing BM25 keyword scores with embedding similarity.

The index lives in .hybridrank/ under the collection root. Configuration is
read from .hybridrank.yaml (or .yml/.toml) in the root, the user config
directory and HYBRIDRANK_* environment variables.`,
		Version:           version.Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	cmd.SetVersionTemplate("hybridrank version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&a.dir, "dir", "C", ".", "Collection root directory")
	cmd.PersistentFlags().StringVar(&a.configFile, "config", "", "Config file to apply over the discovered configuration")
	cmd.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "Environment file loaded before configuration")
	cmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "Enable debug logging to ~/.hybridrank/logs/")
	cmd.PersistentFlags().StringVar(&a.profile.CPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&a.profile.Heap, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&a.profile.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.AddCommand(newInitCmd(a))
	cmd.AddCommand(newIndexCmd(a))
	cmd.AddCommand(newSearchCmd(a))
	cmd.AddCommand(newRemoveCmd(a))
	cmd.AddCommand(newStatsCmd(a))
	cmd.AddCommand(newVerifyCmd(a))
	cmd.AddCommand(newEvalCmd(a))
	cmd.AddCommand(newServeCmd(a))
	cmd.AddCommand(newLogsCmd(a))
	cmd.AddCommand(newVersionCmd())

	return cmd, a
}

// Execute runs the root command with the process arguments.
func Execute() error {
	return run(os.Args[1:], os.Stdout, os.Stderr)
}

// run executes one invocation. Profiles and the log file are finalised even
// when the command fails, and a failure is printed with its hint and code.
func run(args []string, stdout, stderr io.Writer) error {
	cmd, a := newRoot()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	defer a.teardown()

	err := cmd.Execute()
	if err != nil {
		_, _ = fmt.Fprint(stderr, apperrors.FormatForCLI(err))
	}
	return err
}

// root returns the absolute collection root.
func (a *app) root() (string, error) {
	root, err := filepath.Abs(a.dir)
	if err != nil {
		return "", fmt.Errorf("resolve collection root: %w", err)
	}
	return root, nil
}

// setup loads the environment file and configuration and installs the
// default logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", a.envFile, err)
		}
	}

	root, err := a.root()
	if err != nil {
		return err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return err
	}
	if a.configFile != "" {
		if err := cfg.LoadFile(a.configFile); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	a.cfg = cfg

	logCfg := logging.Config{
		Level:         cfg.Logging.Level,
		FilePath:      cfg.Logging.File,
		MaxSizeMB:     cfg.Logging.MaxSizeMB,
		MaxFiles:      cfg.Logging.MaxFiles,
		WriteToStderr: true,
	}
	switch {
	case a.debug:
		logCfg = logging.DebugConfig()
	case cmd.Name() == "serve":
		logCfg = logging.ServeConfig(cfg.Logging.Level, cfg.Logging.File)
	}

	logger, cleanup, err := logging.SetupDefault(logCfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	a.logger, a.cleanup = logger, cleanup
	if a.debug {
		logger.Debug("debug_logging_enabled", slog.String("log_file", logCfg.FilePath), slog.String("version", version.Version))
	}

	if a.profile.Enabled() {
		if a.profiler, err = profiling.Start(a.profile); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) teardown() {
	if a.profiler != nil {
		if err := a.profiler.Stop(); err != nil && a.logger != nil {
			a.logger.Warn("profile_write_failed", slog.String("error", err.Error()))
		}
		a.profiler = nil
	}
	if a.cleanup != nil {
		a.cleanup()
		a.cleanup = nil
	}
}

// open opens the collection at the root directory.
func (a *app) open(ctx context.Context, opts ...collection.Option) (*collection.Collection, error) {
	root, err := a.root()
	if err != nil {
		return nil, err
	}
	opts = append([]collection.Option{collection.WithLogger(a.logger)}, opts...)
	return collection.Open(ctx, root, a.cfg, opts...)
}

// closeCollection closes c and reports a close failure unless err is set.
func closeCollection(c *collection.Collection, err *error) {
	if cerr := c.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}
