// Package server exposes testrig to AI assistants as an MCP server over stdio.
//
// Every tool maps onto one operation of the application services:
//
//	run_tests           Runner.Execute (breakers, retry and feature fallbacks)
//	stop_run            Engine.Stop
//	get_run_status      Engine.GetStatus
//	list_runs           Engine.ListRuns
//	detect_flaky_tests  Detector.DetectFlakyTests
//	suggest_fixes       Detector.GetHistory + flaky.SuggestFixes
//	get_flaky_history   Detector.GetHistory / Detector.Records
//	feature_status      DegradationRegistry.Features + Runner.Breakers
//
// Results are returned as indented JSON text using the payload types of the
// formatting package. Failures are returned as tool errors carrying a
// remediation hint, never as protocol errors, so the assistant can react.
//
// stdout belongs to the protocol; logging must be initialized with
// logging.InitForServer before Start is called.
package server
