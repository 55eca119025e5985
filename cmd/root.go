package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"testrig/internal/api"
	"testrig/internal/app"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution with no failing tests.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, process crashed).
	ExitCodeError = 1
	// ExitCodeValidation indicates the request was rejected before anything ran.
	ExitCodeValidation = 2
	// ExitCodeTimeout indicates a run exceeded its timeout.
	ExitCodeTimeout = 3
	// ExitCodeTestsFailed indicates the run completed with failing tests.
	ExitCodeTestsFailed = 4
)

var (
	rootConfigPath string
	rootLogLevel   string
	rootDebug      bool
)

// rootCmd represents the base command for the testrig application.
// It is the entry point when the application is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "testrig",
	Short: "Run tests, detect flaky tests and serve them to AI assistants",
	Long: `testrig runs go test, jest and vitest suites as supervised subprocesses
with timeouts, parallel chunks, circuit breakers and retries, finds flaky
tests by running them repeatedly, and exposes all of it as MCP tools.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors that are handled by the application.
	SilenceUsage: true,
}

// TestsFailedError is returned by commands whose run completed with failing tests.
type TestsFailedError struct {
	Failed int
	Total  int
}

func (e *TestsFailedError) Error() string {
	return fmt.Sprintf("%d of %d tests failed", e.Failed, e.Total)
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application. SIGINT and
// SIGTERM cancel the command context, which stops running tests.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "testrig version %s\n" .Version}}`)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode determines the appropriate exit code based on the error type.
// This provides semantic exit codes for scripting and automation.
func getExitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}

	var validationErr *api.ValidationError
	if errors.As(err, &validationErr) {
		return ExitCodeValidation
	}

	var timeoutErr *api.TimeoutError
	if errors.As(err, &timeoutErr) {
		return ExitCodeTimeout
	}

	var failedErr *TestsFailedError
	if errors.As(err, &failedErr) {
		return ExitCodeTestsFailed
	}

	return ExitCodeError
}

// newApplication bootstraps the services from the persistent flags.
func newApplication(serverMode bool) (*app.Application, error) {
	cfg := app.NewConfig(rootDebug, rootLogLevel, rootConfigPath)
	cfg.ServerMode = serverMode

	application, err := app.NewApplication(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application: %w", err)
	}
	return application, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config-path", "", "Configuration directory containing config.yaml (default $HOME/.config/testrig)")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level: debug, info, warn or error (overrides config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&rootDebug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
}
