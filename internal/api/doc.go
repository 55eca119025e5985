// Package api holds the types shared between the execution engine, the
// resilience layer, the flaky detector and the tool-dispatch surface.
//
// It defines the request and result model (RunRequest, TestOutcome,
// RunSnapshot) and the error taxonomy every other package returns:
//
//   - ValidationError: the request failed shape or security checks; nothing was spawned
//   - NotFoundError: an unknown run id, feature or test history
//   - TimeoutError: the deadline elapsed; partial results are attached
//   - ProcessError: the subprocess could not start or crashed
//   - IntegrationUnavailableError: a feature is off and has no fallback
//   - CircuitOpenError: a breaker rejected the call without attempting it
//
// IsRetryable and ShouldDegrade classify any error for the retrying executor
// and the degradation registry. RemediationHint turns an error into a short
// suggestion for the user.
package api
