// Package app provides application bootstrap and the composition root for testrig.
//
// # Architecture Overview
//
// The package has three parts:
//
// 1. **Bootstrap (`bootstrap.go`)**: logging setup, configuration loading and service initialization
// 2. **Services (`services.go`)**: creates every component and wires hooks and listeners between them
// 3. **Resilient runner (`runner.go`)**: the execution path used by the CLI, the MCP server and the flaky detector
//
// ## Resilient runner
//
// Every request sent through ResilientRunner.Execute passes these layers, outermost first:
//
//	parallel feature   (request.parallel)  falls back to a serial run
//	coverage feature   (request.coverage)  falls back to a run without coverage
//	retry              transient process failures only
//	circuit breaker    one per framework, named "execute:<framework>"
//	execution engine
//
// A feature layer degrades its feature in the degradation registry when the
// run fails with a process error, then re-runs the request without the
// feature. A disabled feature skips straight to that fallback.
//
// Validation errors and cancelled calls never count against a breaker.
// Test timeouts do count, and are not retried.
//
// ## Logging
//
// Logs go to stderr in every mode: stdout carries either command output or
// the MCP stdio stream. Debug forces debug level; an explicit level flag
// overrides logLevel from config.yaml.
package app
