package server

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"testrig/internal/api"
	"testrig/internal/flaky"
	"testrig/internal/formatting"
	"testrig/pkg/logging"
)

// toolError converts err into a tool error result with a remediation hint.
func toolError(err error) *mcp.CallToolResult {
	msg := err.Error()
	if hint := api.RemediationHint(err); hint != "" {
		msg = fmt.Sprintf("%s\nHint: %s", msg, hint)
	}
	return mcp.NewToolResultError(msg)
}

func jsonResult(v any) *mcp.CallToolResult {
	data, err := formatting.ToJSON(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to format result: %v", err))
	}
	return mcp.NewToolResultText(data)
}

// handleRunTests runs a request through the resilient runner. A run that
// produced results is reported even when it ended with an error (a timeout
// carries partial results); the result is then flagged as an error.
func (s *Server) handleRunTests(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req, err := runRequestFrom(request)
	if err != nil {
		return toolError(err), nil
	}

	results, err := s.services.Runner.Execute(ctx, req)
	if err != nil {
		if partial := api.PartialResults(err); len(partial) > len(results) {
			results = partial
		}
		logging.Warn("Server", "run_tests for %s failed: %v", req.Framework, err)
		if len(results) == 0 {
			return toolError(err), nil
		}
	}

	result := jsonResult(formatting.NewResultsPayload(results, err))
	result.IsError = err != nil
	return result, nil
}

func (s *Server) handleStopRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("runId")
	if err != nil {
		return mcp.NewToolResultError("runId argument is required"), nil
	}

	results, err := s.services.Engine.Stop(ctx, runID)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(formatting.NewResultsPayload(results, nil)), nil
}

func (s *Server) handleGetRunStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("runId")
	if err != nil {
		return mcp.NewToolResultError("runId argument is required"), nil
	}
	includeOutput, err := argumentsOf(request).boolean("includeOutput")
	if err != nil {
		return toolError(err), nil
	}

	run, err := s.services.Engine.GetStatus(runID)
	if err != nil {
		return toolError(err), nil
	}
	if !includeOutput {
		run.Stdout, run.Stderr = "", ""
	}
	return jsonResult(run), nil
}

func (s *Server) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := argumentsOf(request).str("status")
	if err != nil {
		return toolError(err), nil
	}
	switch api.RunStatus(status) {
	case "", api.RunRunning, api.RunCompleted, api.RunFailed, api.RunTimeout:
	default:
		return toolError(api.NewValidationError(fmt.Sprintf("unknown run status %q", status))), nil
	}

	runs := []api.RunSnapshot{}
	for _, r := range s.services.Engine.ListRuns() {
		if status != "" && r.Status != api.RunStatus(status) {
			continue
		}
		r.Stdout, r.Stderr = "", ""
		runs = append(runs, r)
	}
	return jsonResult(map[string]any{"runs": runs, "count": len(runs)}), nil
}

func (s *Server) handleDetectFlakyTests(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts, err := flakyOptionsFrom(request)
	if err != nil {
		return toolError(err), nil
	}

	records, err := s.services.Detector.DetectFlakyTests(ctx, opts)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(formatting.FlakyPayload{FlakyTests: records, Count: len(records)}), nil
}

func (s *Server) handleSuggestFixes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	testID, err := request.RequireString("testId")
	if err != nil {
		return mcp.NewToolResultError("testId argument is required"), nil
	}

	record, err := s.services.Detector.GetHistory(testID)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(formatting.FixesPayload{
		TestID: record.TestID,
		Causes: record.Causes,
		Fixes:  flaky.SuggestFixes(record),
	}), nil
}

func (s *Server) handleGetFlakyHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	testID, err := argumentsOf(request).str("testId")
	if err != nil {
		return toolError(err), nil
	}

	if testID == "" {
		records := s.services.Detector.Records()
		return jsonResult(map[string]any{"records": records, "count": len(records)}), nil
	}

	record, err := s.services.Detector.GetHistory(testID)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(record), nil
}

func (s *Server) handleFeatureStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	restore, err := argumentsOf(request).str("restore")
	if err != nil {
		return toolError(err), nil
	}

	features := s.services.Runner.Features()
	if restore != "" {
		if err := features.RestoreFeature(restore); err != nil {
			return toolError(err), nil
		}
	}

	return jsonResult(formatting.FeaturesPayload{
		Features: features.Features(),
		Circuits: s.services.Runner.Breakers(),
	}), nil
}
