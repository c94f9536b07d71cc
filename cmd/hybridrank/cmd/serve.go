package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/hybridrank/internal/mcp"
	"github.com/Aman-CERP/hybridrank/internal/metrics"
	"github.com/Aman-CERP/hybridrank/pkg/collection"
)

func newServeCmd(a *app) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the collection over the Model Context Protocol (stdio)",
		Long: `Start an MCP server on stdin/stdout exposing the search, search_chunks
and index_status tools. Logs go to ~/.hybridrank/logs/ (or logging.file)
because stdout carries the protocol stream.

With --metrics-addr (or server.metrics_addr), Prometheus metrics are served
over HTTP at /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("metrics-addr") {
				metricsAddr = a.cfg.Server.MetricsAddr
			}
			return runServe(cmd, a, metricsAddr)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. 127.0.0.1:9464")
	return cmd
}

func runServe(cmd *cobra.Command, a *app, metricsAddr string) (err error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	c, err := a.open(ctx, collection.WithMetrics(m))
	if err != nil {
		return err
	}
	defer closeCollection(c, &err)

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           metricsMux(m),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics_server_failed", slog.String("addr", metricsAddr), slog.String("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		a.logger.Info("metrics_server_started", slog.String("addr", metricsAddr))
	}

	defaults, err := c.SearchOptions("", 0)
	if err != nil {
		return err
	}
	server, err := mcp.NewServer(c.Engine, c.Root,
		mcp.WithServerLogger(a.logger),
		mcp.WithDefaultOptions(defaults))
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

func metricsMux(m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}
