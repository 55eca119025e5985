// Package logging provides a structured logging system for testrig built on
// Go's standard slog package.
//
// # Log Levels
//   - **Debug**: Detailed information for debugging and development
//   - **Info**: General informational messages about application operation
//   - **Warn**: Warning messages that indicate potential issues
//   - **Error**: Error messages for failures and exceptional conditions
//
// # Usage
//
//	logging.InitForCLI(logging.LevelInfo, os.Stderr)
//
//	logging.Info("Engine", "Run %s started", runID)
//	logging.Warn("Parser", "Could not parse output for run %s", runID)
//	logging.Error("Engine", err, "Failed to spawn %s", executable)
//
// The MCP server uses InitForServer, which pins output to stderr so that
// stdout stays reserved for the stdio transport.
//
// # Subsystems
//
// Every entry carries a subsystem attribute:
//
//   - **Bootstrap**: Application initialization
//   - **Config**: Configuration loading and validation
//   - **Engine**: Process execution, timeouts and cancellation
//   - **Watch**: File change detection and watch rounds
//   - **Circuit**, **Retry**, **Degradation**: Resilience primitives
//   - **Flaky**: Flaky test detection
//   - **Server**: MCP tool handlers
//
// Logging is safe for concurrent use.
package logging
