package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"testrig/internal/config"
	"testrig/internal/metrics"
	"testrig/internal/server"
	"testrig/internal/telemetry"
	"testrig/pkg/logging"
)

var (
	// serveMetricsAddr is the listen address of the Prometheus endpoint; empty disables it.
	serveMetricsAddr string
	// serveTraceExporter overrides telemetry.traceExporter from config.yaml.
	serveTraceExporter string
)

// serveCmd starts the MCP server on stdio.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve testrig to AI assistants as an MCP server over stdio",
	Long: `Starts an MCP server on stdin/stdout exposing the tools run_tests, stop_run,
get_run_status, list_runs, detect_flaky_tests, suggest_fixes,
get_flaky_history and feature_status.

Logs go to stderr. With --metrics-addr, Prometheus metrics for runs, circuit
breakers, retries, feature degradation and flaky detection are served on
/metrics at that address. With --trace-exporter (or telemetry.traceExporter in
config.yaml), spans for runs, circuit breaker calls and flaky detection are
exported to stderr or an OTLP receiver.

Example MCP client configuration:
  {"command": "testrig", "args": ["serve"]}`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	application, err := newApplication(true)
	if err != nil {
		return err
	}
	defer application.Close()

	ctx := commandContext(cmd)
	services := application.Services()

	shutdownTracing, err := startTracing(ctx, application.Config().Testrig.Telemetry, serveTraceExporter)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logging.Error("Serve", err, "Error flushing traces")
		}
	}()

	if serveMetricsAddr != "" {
		metricsServer, err := startMetricsServer(serveMetricsAddr, services.Registry)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logging.Error("Serve", err, "Error shutting down metrics server")
			}
		}()
	}

	err = server.New(services, GetVersion()).Start(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// startTracing installs the tracer provider from the telemetry section, with
// exporter taking precedence when set.
func startTracing(ctx context.Context, cfg config.TelemetryConfig, exporter string) (telemetry.ShutdownFunc, error) {
	if exporter != "" {
		cfg.TraceExporter = exporter
	}
	return telemetry.Setup(ctx, cfg.TelemetrySetup(GetVersion()))
}

// startMetricsServer binds addr synchronously so that a taken port fails the
// command, then serves /metrics in the background.
func startMetricsServer(addr string, gatherer prometheus.Gatherer) (*http.Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(gatherer))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logging.Info("Serve", "Serving metrics on http://%s/metrics", listener.Addr())
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Serve", err, "Metrics server error")
		}
	}()
	return srv, nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	serveCmd.Flags().StringVar(&serveTraceExporter, "trace-exporter", "", "Trace exporter: none, stdout (to stderr) or otlp; overrides the config file")
}
