package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"testrig/internal/execution"
	"testrig/internal/formatting"
	"testrig/pkg/logging"
)

var watchFlags requestFlags

// watchCmd re-runs affected tests whenever files change.
var watchCmd = &cobra.Command{
	Use:   "watch <framework> [path]",
	Short: "Run tests and re-run the affected ones on every file change",
	Long: `Runs the selected tests once and then watches the test path for changes.
Every batch of changes re-runs the changed test files and the test files next
to changed sources. Stop watching with Ctrl+C.

Examples:
  testrig watch gotest ./internal/cart
  testrig watch jest src --env NODE_ENV=test`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	format, err := formatting.ParseFormat(watchFlags.output)
	if err != nil {
		return err
	}
	req, err := watchFlags.request(args)
	if err != nil {
		return err
	}
	req.Watch = true

	application, err := newApplication(false)
	if err != nil {
		return err
	}
	defer application.Close()

	services := application.Services()
	batches, err := services.Engine.WatchWith(commandContext(cmd), req, services.Runner)
	if err != nil {
		return withHint(err)
	}

	logging.Info("Watch", "Watching %s tests, press Ctrl+C to stop", req.Framework)
	for b := range batches {
		if err := reportBatch(cmd.OutOrStdout(), cmd.ErrOrStderr(), format, b); err != nil {
			return err
		}
	}
	return nil
}

// watchReport is the JSON shape of one watch round.
type watchReport struct {
	Round int      `json:"round"`
	Files []string `json:"files,omitempty"`
	formatting.ResultsPayload
}

// reportBatch renders one watch round. Errors of a round are reported and
// watching continues.
func reportBatch(w, errW io.Writer, format formatting.OutputFormat, b execution.WatchBatch) error {
	if format == formatting.FormatJSON {
		data, err := formatting.ToJSON(watchReport{Round: b.Round, Files: b.Files, ResultsPayload: formatting.NewResultsPayload(b.Results, b.Err)})
		if err != nil {
			return err
		}
		fmt.Fprintln(w, data)
		return nil
	}

	if b.Round == 0 {
		fmt.Fprintln(w, "Initial run")
	} else {
		fmt.Fprintf(w, "\nRound %d: %s\n", b.Round, strings.Join(b.Files, ", "))
	}
	if b.Err != nil {
		fmt.Fprintf(errW, "Error: %v\n", withHint(b.Err))
		if len(b.Results) == 0 {
			return nil
		}
	}
	return newFormatter(w, format).FormatResults(b.Results)
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchFlags.register(watchCmd)
	watchFlags.registerSelection(watchCmd)
}
