// Package telemetry installs the OpenTelemetry tracer provider.
//
// The execution engine, the circuit breakers and the flaky detector start
// spans through the global provider (otel.Tracer). Without Setup those spans
// go to the no-op provider; with Setup they are batched to stdout (written to
// stderr, since stdout may carry the MCP stream) or to an OTLP gRPC receiver.
package telemetry
