package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"testrig/internal/api"
	"testrig/internal/formatting"
)

var runFlags requestFlags

// runCmd runs a test suite once through the resilient runner.
var runCmd = &cobra.Command{
	Use:   "run <framework> [path]",
	Short: "Run tests once and report every outcome",
	Long: `Runs tests with go test, jest or vitest and reports the outcome of every test.

The run is supervised: it is stopped after its timeout (partial results are
still reported), retried on transient process failures, and rejected early when
the framework has failed repeatedly (circuit breaker).

Exit codes:
  0  all tests passed
  1  the run could not be executed
  2  the request was rejected (invalid framework, path or environment)
  3  the run timed out
  4  tests failed

Examples:
  testrig run gotest ./internal/...
  testrig run jest src/cart.test.js --name "adds item"
  testrig run vitest --parallel --workers 4 -o json`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	format, err := formatting.ParseFormat(runFlags.output)
	if err != nil {
		return err
	}
	req, err := runFlags.request(args)
	if err != nil {
		return err
	}

	application, err := newApplication(false)
	if err != nil {
		return err
	}
	defer application.Close()

	stop := startSpinner(cmd, format, runFlags.quiet, fmt.Sprintf(" Running %s tests...", req.Framework))
	results, runErr := application.Services().Runner.Execute(commandContext(cmd), req)
	stop()

	return reportRun(cmd.OutOrStdout(), format, results, runErr)
}

// reportRun renders the results of a run and maps the outcome onto the
// error that selects the exit code. Partial results of a timed out run are
// rendered before the timeout is reported.
func reportRun(w io.Writer, format formatting.OutputFormat, results []api.TestOutcome, runErr error) error {
	if partial := api.PartialResults(runErr); len(partial) > len(results) {
		results = partial
	}
	if runErr != nil && len(results) == 0 && !api.IsTimeout(runErr) {
		return withHint(runErr)
	}

	if format == formatting.FormatJSON {
		data, err := formatting.ToJSON(formatting.NewResultsPayload(results, runErr))
		if err != nil {
			return err
		}
		fmt.Fprintln(w, data)
	} else if err := newFormatter(w, format).FormatResults(results); err != nil {
		return err
	}

	if runErr != nil {
		return withHint(runErr)
	}
	if s := api.Summarize(results); s.Failed > 0 {
		return &TestsFailedError{Failed: s.Failed, Total: s.Total}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(runCmd)

	runFlags.register(runCmd)
	runFlags.registerSelection(runCmd)
	runCmd.Flags().BoolVar(&runFlags.parallel, "parallel", false, "Split the run into chunks executed concurrently")
	runCmd.Flags().IntVar(&runFlags.workers, "workers", 0, "Maximum number of concurrent chunks (default from config.yaml)")
}
