// Package flaky detects non-deterministic tests.
//
// A Detector runs a test repeatedly through a Runner (normally the execution
// engine), compares the outcomes with AnalyzeFlakiness and keeps an
// append-only per-test history of every observed run. SuggestFixes turns the
// suspected causes of a flaky record into remediation suggestions.
//
// Detection passes are serialized: concurrent calls to DetectFlakyTests run
// one after the other, and the history only ever grows.
package flaky
