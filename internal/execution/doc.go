// Package execution runs test processes on behalf of testrig.
//
// The Engine validates a run request through a security.Validator, builds the
// command with the request's framework.Framework, spawns one process (or one
// per chunk for parallel requests), captures its output line by line and
// parses it into api.TestOutcome values once the process exits.
//
// Every run is tracked by a handle in the active-handle table:
//
//	running -> completed | failed | timeout
//
// Finished handles stay queryable through GetStatus for the retention window.
//
// # Termination
//
// Processes run in their own process group. On timeout and on Stop the group
// receives SIGTERM; if it has not exited after the kill grace period it
// receives SIGKILL. Both phases are bounded, so a stuck child never blocks the
// caller.
//
// # Watch mode
//
// Watch runs the request once and then re-runs the tests affected by every
// debounced batch of file changes reported by fsnotify, until the caller's
// context is cancelled.
package execution
