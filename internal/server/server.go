package server

import (
	"context"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"testrig/internal/app"
	"testrig/pkg/logging"
)

// Server wraps the application services and exposes them as MCP tools.
type Server struct {
	services  *app.Services
	mcpServer *server.MCPServer
}

// New creates an MCP server with all testrig tools registered.
func New(services *app.Services, version string) *Server {
	mcpServer := server.NewMCPServer(
		"testrig",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	s := &Server{
		services:  services,
		mcpServer: mcpServer,
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Start serves the protocol on stdin/stdout until ctx is cancelled or the
// client closes the connection.
func (s *Server) Start(ctx context.Context) error {
	logging.Info("Server", "Starting MCP server with stdio transport")
	return server.NewStdioServer(s.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
}

func (s *Server) registerTools() {
	runTests := mcp.NewTool("run_tests",
		mcp.WithDescription("Run tests with the given framework and return the outcome of every test"),
		mcp.WithString("framework",
			mcp.Required(),
			mcp.Description("Test framework: gotest, jest or vitest"),
			mcp.Enum("gotest", "jest", "vitest"),
		),
		mcp.WithString("testPath",
			mcp.Description("File, directory or package pattern to run"),
		),
		mcp.WithString("testName",
			mcp.Description("Run only the test with this name"),
		),
		mcp.WithString("pattern",
			mcp.Description("Test name pattern passed to the framework filter"),
		),
		mcp.WithArray("files",
			mcp.Description("Explicit list of test files"),
			mcp.WithStringItems(),
		),
		mcp.WithString("dir",
			mcp.Description("Working directory of the test process"),
		),
		mcp.WithBoolean("coverage",
			mcp.Description("Collect coverage; falls back to a plain run if coverage fails"),
		),
		mcp.WithBoolean("parallel",
			mcp.Description("Split the run into chunks executed concurrently"),
		),
		mcp.WithNumber("maxWorkers",
			mcp.Description("Maximum number of concurrent chunks for parallel runs"),
		),
		mcp.WithNumber("timeoutSeconds",
			mcp.Description("Run timeout in seconds (default from configuration)"),
		),
		mcp.WithObject("env",
			mcp.Description("Environment variables for the test process (string values)"),
		),
	)
	s.mcpServer.AddTool(runTests, s.handleRunTests)

	stopRun := mcp.NewTool("stop_run",
		mcp.WithDescription("Stop a running test run and return the results collected so far"),
		mcp.WithString("runId",
			mcp.Required(),
			mcp.Description("ID of the run to stop"),
		),
	)
	s.mcpServer.AddTool(stopRun, s.handleStopRun)

	getRunStatus := mcp.NewTool("get_run_status",
		mcp.WithDescription("Get the status, output and results of a run"),
		mcp.WithString("runId",
			mcp.Required(),
			mcp.Description("ID of the run"),
		),
		mcp.WithBoolean("includeOutput",
			mcp.Description("Include captured stdout and stderr (default: false)"),
		),
	)
	s.mcpServer.AddTool(getRunStatus, s.handleGetRunStatus)

	listRuns := mcp.NewTool("list_runs",
		mcp.WithDescription("List retained runs, oldest first"),
		mcp.WithString("status",
			mcp.Description("Only list runs in this state: running, completed, failed or timeout"),
		),
	)
	s.mcpServer.AddTool(listRuns, s.handleListRuns)

	detectFlaky := mcp.NewTool("detect_flaky_tests",
		mcp.WithDescription("Run a test or test file repeatedly and report the tests whose outcome varies"),
		mcp.WithString("framework",
			mcp.Required(),
			mcp.Description("Test framework: gotest, jest or vitest"),
		),
		mcp.WithString("testId",
			mcp.Description("Single test to examine, as <file or package>::<name>"),
		),
		mcp.WithString("testPath",
			mcp.Description("File or package to examine as one unit"),
		),
		mcp.WithString("pattern",
			mcp.Description("Test name pattern"),
		),
		mcp.WithString("dir",
			mcp.Description("Working directory of the test process"),
		),
		mcp.WithNumber("iterations",
			mcp.Description("Number of runs per test (default from configuration)"),
		),
		mcp.WithNumber("timeoutSeconds",
			mcp.Description("Timeout of each run in seconds"),
		),
		mcp.WithObject("env",
			mcp.Description("Environment variables for the test process (string values)"),
		),
	)
	s.mcpServer.AddTool(detectFlaky, s.handleDetectFlakyTests)

	suggestFixes := mcp.NewTool("suggest_fixes",
		mcp.WithDescription("Suggest fixes for a test examined by detect_flaky_tests"),
		mcp.WithString("testId",
			mcp.Required(),
			mcp.Description("ID of the test"),
		),
	)
	s.mcpServer.AddTool(suggestFixes, s.handleSuggestFixes)

	history := mcp.NewTool("get_flaky_history",
		mcp.WithDescription("Get the accumulated run history of one test, or of all examined tests"),
		mcp.WithString("testId",
			mcp.Description("ID of the test; omit to list every record"),
		),
	)
	s.mcpServer.AddTool(history, s.handleGetFlakyHistory)

	features := mcp.NewTool("feature_status",
		mcp.WithDescription("Report optional feature availability and circuit breaker state"),
		mcp.WithString("restore",
			mcp.Description("Name of a degraded feature to restore before reporting"),
		),
	)
	s.mcpServer.AddTool(features, s.handleFeatureStatus)
}
