package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"testrig/internal/api"
	"testrig/internal/formatting"
)

// requestFlags are the run request flags shared by run, watch and flaky.
type requestFlags struct {
	name     string
	pattern  string
	dir      string
	files    []string
	env      []string
	timeout  time.Duration
	workers  int
	coverage bool
	parallel bool
	output   string
	quiet    bool
}

// register adds the flags common to every command that starts tests.
func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.dir, "dir", "", "Working directory of the test process (default: current directory)")
	cmd.Flags().StringArrayVarP(&f.env, "env", "e", nil, "Environment variable KEY=VALUE for the test process (repeatable)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Run timeout (default from config.yaml)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "table", "Output format: table or json")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "Do not show progress")
}

// registerSelection adds the test selection flags of run and watch.
func (f *requestFlags) registerSelection(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "Run only the test with this name")
	cmd.Flags().StringVar(&f.pattern, "pattern", "", "Test name pattern passed to the framework filter")
	cmd.Flags().StringSliceVar(&f.files, "files", nil, "Explicit list of test files")
	cmd.Flags().BoolVar(&f.coverage, "coverage", false, "Collect coverage; falls back to a plain run when coverage fails")
}

// request builds a run request from "<framework> [path]" and the flags.
func (f *requestFlags) request(args []string) (api.RunRequest, error) {
	env, err := parseEnv(f.env)
	if err != nil {
		return api.RunRequest{}, err
	}
	req := api.RunRequest{
		Framework:  api.Framework(strings.ToLower(args[0])),
		TestName:   f.name,
		Pattern:    f.pattern,
		Files:      f.files,
		Dir:        f.dir,
		Coverage:   f.coverage,
		Parallel:   f.parallel,
		MaxWorkers: f.workers,
		Timeout:    f.timeout,
		Env:        env,
	}
	if len(args) > 1 {
		req.TestPath = args[1]
	}
	return req, nil
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, api.NewValidationError(fmt.Sprintf("--env %q must have the form KEY=VALUE", p))
		}
		env[k] = v
	}
	return env, nil
}

// withHint appends the remediation hint to err, keeping it unwrappable.
func withHint(err error) error {
	if hint := api.RemediationHint(err); hint != "" {
		return fmt.Errorf("%w\nHint: %s", err, hint)
	}
	return err
}

// newFormatter creates a formatter writing to w, colored only on terminals.
func newFormatter(w io.Writer, format formatting.OutputFormat) formatting.Formatter {
	return formatting.New(formatting.Options{
		Format: format,
		Writer: w,
		Color:  format == formatting.FormatTable && isTerminal(w),
	})
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

// startSpinner shows progress on stderr for interactive table output. The
// returned stop function is always safe to call.
func startSpinner(cmd *cobra.Command, format formatting.OutputFormat, quiet bool, suffix string) (stop func()) {
	if quiet || format != formatting.FormatTable || !isTerminal(cmd.ErrOrStderr()) {
		return func() {}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
	s.Suffix = suffix
	s.Start()
	return s.Stop
}
