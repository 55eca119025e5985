package flaky

import "fmt"

// Priority ranks a suggested fix.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Fix is a remediation suggestion for a flaky test.
type Fix struct {
	Cause       CauseType `json:"cause,omitempty"`
	Priority    Priority  `json:"priority"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Example     string    `json:"example,omitempty"`
}

var fixCatalog = map[CauseType][]Fix{
	CauseTiming: {
		{Priority: PriorityHigh, Title: "Wait for the condition, not the clock",
			Description: "Replace fixed sleeps with an explicit wait on the state the test depends on.",
			Example:     "await waitFor(() => expect(screen.getByText('Saved')).toBeVisible())"},
		{Priority: PriorityMedium, Title: "Increase the timeout",
			Description: "Raise the timeout of the slow step or of the test so normal variance fits."},
		{Priority: PriorityLow, Title: "Use fake timers",
			Description: "Control time in the test instead of depending on wall-clock scheduling."},
	},
	CauseRaceCondition: {
		{Priority: PriorityHigh, Title: "Add synchronization",
			Description: "Guard shared state and wait for concurrent work before asserting."},
		{Priority: PriorityHigh, Title: "Wait for all operations to complete",
			Description: "Await every started operation before checking results.",
			Example:     "await Promise.all(pending)"},
		{Priority: PriorityMedium, Title: "Isolate shared state",
			Description: "Give each test its own fixtures so parallel tests do not interfere."},
	},
	CauseExternalDependency: {
		{Priority: PriorityHigh, Title: "Mock the dependency",
			Description: "Replace network and service calls with a mock or a local fake."},
		{Priority: PriorityMedium, Title: "Retry transient failures",
			Description: "Retry calls that fail with connection or 5xx errors, with backoff."},
		{Priority: PriorityLow, Title: "Check dependency health first",
			Description: "Skip or fail fast with a clear message when the dependency is down."},
	},
	CauseRandomData: {
		{Priority: PriorityHigh, Title: "Fix the random seed",
			Description: "Seed random generators so every run sees the same values."},
		{Priority: PriorityMedium, Title: "Use deterministic fixtures",
			Description: "Replace generated IDs, dates and timestamps with fixed values."},
	},
	CauseUnknown: {
		{Priority: PriorityMedium, Title: "Add diagnostic logging",
			Description: "Log inputs and intermediate state so the next failure explains itself."},
		{Priority: PriorityMedium, Title: "Run the test in isolation",
			Description: "Run the test alone to rule out interference from other tests."},
	},
}

// SuggestFixes maps the causes of a record to remediation suggestions, in
// cause order, followed by the general suggestion to gather more signal.
func SuggestFixes(r Record) []Fix {
	var fixes []Fix
	seen := make(map[CauseType]bool)
	for _, c := range r.Causes {
		if seen[c.Type] {
			continue
		}
		seen[c.Type] = true
		for _, f := range fixCatalog[c.Type] {
			f.Cause = c.Type
			fixes = append(fixes, f)
		}
	}

	fixes = append(fixes, Fix{
		Priority: PriorityLow,
		Title:    "Run more iterations",
		Description: fmt.Sprintf("%d runs so far; more iterations give a more reliable failure rate and cause estimate.",
			r.TotalRuns),
	})
	return fixes
}
