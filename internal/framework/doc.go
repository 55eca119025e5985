// Package framework contains the per-framework knowledge of testrig: how to
// build the command line for a run request and how to turn the captured
// output into api.TestOutcome values.
//
// Supported frameworks:
//
//   - gotest: `go test -json`, parsed from the NDJSON event stream
//   - jest: `--json` report, through `npm test --` when the project defines a
//     test script and through npx otherwise
//   - vitest: `run --reporter=json`, same report shape and delegation as jest
//
// The engine selects an implementation through a Registry. Discover walks a
// directory for test files and DirectoryImpact maps changed files to the
// tests a watch round should re-run.
package framework
