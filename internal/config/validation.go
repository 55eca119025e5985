package config

import (
	"fmt"
	"slices"
	"strings"

	"testrig/internal/api"
	"testrig/internal/telemetry"
	"testrig/pkg/logging"
)

// FieldError is one invalid setting.
type FieldError struct {
	Field   string
	Value   any
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("field '%s': %s", e.Field, e.Message)
}

// ValidationErrors lists every invalid setting of a configuration.
type ValidationErrors []FieldError

func (ve ValidationErrors) Error() string {
	if len(ve) == 1 {
		return ve[0].Error()
	}
	msgs := make([]string, len(ve))
	for i, e := range ve {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%d invalid settings: %s", len(ve), strings.Join(msgs, "; "))
}

func (ve *ValidationErrors) add(field, message string, value any) {
	*ve = append(*ve, FieldError{Field: field, Value: value, Message: message})
}

var knownFrameworks = []api.Framework{api.FrameworkGoTest, api.FrameworkJest, api.FrameworkVitest}

// Validate checks every section and returns ValidationErrors listing all
// problems, or nil.
func (c Config) Validate() error {
	var errs ValidationErrors

	if c.LogLevel != "" {
		if _, ok := logging.ParseLevel(c.LogLevel); !ok {
			errs.add("logLevel", "must be one of: debug, info, warn, error", c.LogLevel)
		}
	}

	positive := func(field string, d Duration) {
		if d <= 0 {
			errs.add(field, "must be a positive duration", d.Std().String())
		}
	}
	atLeast := func(field string, v, min int) {
		if v < min {
			errs.add(field, fmt.Sprintf("must be at least %d", min), v)
		}
	}

	positive("execution.defaultTimeout", c.Execution.DefaultTimeout)
	positive("execution.killGracePeriod", c.Execution.KillGracePeriod)
	positive("execution.retention", c.Execution.Retention)
	atLeast("execution.maxWorkers", c.Execution.MaxWorkers, 1)

	positive("security.maxTestDuration", c.Security.MaxTestDuration)
	if c.Security.MaxTestDuration > 0 && c.Execution.DefaultTimeout > c.Security.MaxTestDuration {
		errs.add("execution.defaultTimeout", "must not exceed security.maxTestDuration", c.Execution.DefaultTimeout.Std().String())
	}
	if len(c.Security.AllowedFrameworks) == 0 {
		errs.add("security.allowedFrameworks", "must list at least one framework", nil)
	}
	for _, fw := range c.Security.AllowedFrameworks {
		if !slices.Contains(knownFrameworks, fw) {
			errs.add("security.allowedFrameworks", "unknown framework "+string(fw), fw)
		}
	}
	atLeast("security.maxWorkers", c.Security.MaxWorkers, 1)
	atLeast("security.maxConcurrentProcesses", c.Security.MaxConcurrentProcesses, 1)
	if c.Security.SpawnRate < 0 {
		errs.add("security.spawnRate", "must not be negative", c.Security.SpawnRate)
	}
	if c.Security.SpawnRate > 0 {
		atLeast("security.spawnBurst", c.Security.SpawnBurst, 1)
	}

	atLeast("resilience.circuit.failureThreshold", c.Resilience.Circuit.FailureThreshold, 1)
	atLeast("resilience.circuit.successThreshold", c.Resilience.Circuit.SuccessThreshold, 1)
	positive("resilience.circuit.callTimeout", c.Resilience.Circuit.CallTimeout)
	positive("resilience.circuit.resetTimeout", c.Resilience.Circuit.ResetTimeout)
	atLeast("resilience.retry.maxRetries", c.Resilience.Retry.MaxRetries, 0)
	positive("resilience.retry.initialDelay", c.Resilience.Retry.InitialDelay)
	if c.Resilience.Retry.MaxDelay < c.Resilience.Retry.InitialDelay {
		errs.add("resilience.retry.maxDelay", "must not be below initialDelay", c.Resilience.Retry.MaxDelay.Std().String())
	}
	if c.Resilience.Retry.Multiplier < 1 {
		errs.add("resilience.retry.multiplier", "must be at least 1", c.Resilience.Retry.Multiplier)
	}

	atLeast("flaky.defaultIterations", c.Flaky.DefaultIterations, 2)
	positive("watch.debounce", c.Watch.Debounce)
	if !slices.Contains(telemetry.Exporters, c.Telemetry.TraceExporter) {
		errs.add("telemetry.traceExporter", "must be one of: "+strings.Join(telemetry.Exporters, ", "), c.Telemetry.TraceExporter)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
