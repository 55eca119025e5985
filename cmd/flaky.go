package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"testrig/internal/api"
	"testrig/internal/flaky"
	"testrig/internal/formatting"
)

var (
	flakyFlags      requestFlags
	flakyTestID     string
	flakyTestPath   string
	flakyIterations int
	flakyFixes      bool
)

// flakyCmd runs a test repeatedly and reports whether its outcome varies.
var flakyCmd = &cobra.Command{
	Use:   "flaky <framework>",
	Short: "Detect flaky tests by running them repeatedly",
	Long: `Runs one test, or one test file or package as a unit, several times and
reports it as flaky when it both passed and failed. Flaky tests are reported
with their failure rate and the likely causes (timing, race conditions,
external dependencies, random data).

Test IDs have the form <file or package>::<name>, as printed by 'testrig run -o json'.

Examples:
  testrig flaky gotest --test-id example.com/cart::TestCheckout --iterations 20
  testrig flaky jest --path src/cart.test.js --fixes`,
	Args: cobra.ExactArgs(1),
	RunE: runFlaky,
}

func runFlaky(cmd *cobra.Command, args []string) error {
	format, err := formatting.ParseFormat(flakyFlags.output)
	if err != nil {
		return err
	}
	if flakyTestID == "" && flakyTestPath == "" {
		return api.NewValidationError("one of --test-id or --path is required")
	}
	req, err := flakyFlags.request(args)
	if err != nil {
		return err
	}
	opts := flaky.Options{
		Framework:  req.Framework,
		TestID:     flakyTestID,
		TestPath:   flakyTestPath,
		Dir:        req.Dir,
		Iterations: flakyIterations,
		Timeout:    req.Timeout,
		Env:        req.Env,
	}

	application, err := newApplication(false)
	if err != nil {
		return err
	}
	defer application.Close()

	iterations := flakyIterations
	if iterations == 0 {
		iterations = application.Services().Config.Flaky.DefaultIterations
	}
	target := flakyTestID
	if target == "" {
		target = flakyTestPath
	}

	stop := startSpinner(cmd, format, flakyFlags.quiet, fmt.Sprintf(" Running %s %d times...", target, iterations))
	records, err := application.Services().Detector.DetectFlakyTests(commandContext(cmd), opts)
	stop()
	if err != nil {
		return withHint(err)
	}

	return reportFlaky(cmd.OutOrStdout(), format, records, flakyFixes)
}

// reportFlaky renders the flaky records and, when requested, the fix
// suggestions for each of them.
func reportFlaky(w io.Writer, format formatting.OutputFormat, records []flaky.Record, withFixes bool) error {
	if format == formatting.FormatJSON {
		payload := formatting.FlakyPayload{FlakyTests: records, Count: len(records)}
		if payload.FlakyTests == nil {
			payload.FlakyTests = []flaky.Record{}
		}
		if withFixes {
			payload.Fixes = make(map[string][]flaky.Fix, len(records))
			for _, r := range records {
				payload.Fixes[r.TestID] = flaky.SuggestFixes(r)
			}
		}
		data, err := formatting.ToJSON(payload)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, data)
		return nil
	}

	f := newFormatter(w, format)
	if err := f.FormatFlakyRecords(records); err != nil {
		return err
	}
	if !withFixes {
		return nil
	}
	for _, r := range records {
		fmt.Fprintln(w)
		if err := f.FormatFixes(r, flaky.SuggestFixes(r)); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(flakyCmd)

	flakyFlags.register(flakyCmd)
	flakyCmd.Flags().StringVar(&flakyTestID, "test-id", "", "Test to examine, as <file or package>::<name>")
	flakyCmd.Flags().StringVar(&flakyTestPath, "path", "", "Test file or package to examine as one unit")
	flakyCmd.Flags().IntVarP(&flakyIterations, "iterations", "n", 0, "Runs per test (default from config.yaml)")
	flakyCmd.Flags().BoolVar(&flakyFixes, "fixes", false, "Suggest fixes for every flaky test")
}
