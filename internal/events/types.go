package events

import (
	"time"

	"testrig/internal/api"
)

// EventType represents the severity of an event.
type EventType string

const (
	// EventTypeNormal indicates normal, non-problematic events.
	EventTypeNormal EventType = "Normal"

	// EventTypeWarning indicates events that may require attention.
	EventTypeWarning EventType = "Warning"
)

// EventReason represents the reason code for an event.
type EventReason string

// Run lifecycle event reasons
const (
	// ReasonRunStarted indicates a handle was registered and its process is being spawned.
	ReasonRunStarted EventReason = "RunStarted"

	// ReasonRunStopped indicates a run was stopped on request.
	ReasonRunStopped EventReason = "RunStopped"

	// ReasonRunCompleted indicates the process exited and its output was parsed.
	ReasonRunCompleted EventReason = "RunCompleted"

	// ReasonRunFailed indicates the process could not start or crashed.
	ReasonRunFailed EventReason = "RunFailed"

	// ReasonRunTimedOut indicates the run exceeded its deadline.
	ReasonRunTimedOut EventReason = "RunTimedOut"

	// ReasonOutputParseFailed indicates output could not be parsed and was dropped.
	ReasonOutputParseFailed EventReason = "OutputParseFailed"
)

// ExecutionEvent describes one transition of an execution handle.
type ExecutionEvent struct {
	Type      EventType
	Reason    EventReason
	RunID     string
	ParentID  string
	Framework api.Framework
	Status    api.RunStatus
	Results   []api.TestOutcome
	Message   string
	Timestamp time.Time
}

// TypeFor returns the event type matching a reason.
func TypeFor(reason EventReason) EventType {
	switch reason {
	case ReasonRunFailed, ReasonRunTimedOut, ReasonOutputParseFailed:
		return EventTypeWarning
	default:
		return EventTypeNormal
	}
}
