package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"testrig/internal/api"
	"testrig/internal/resilience"
	"testrig/internal/security"
	"testrig/internal/telemetry"
)

// Config is the top-level configuration structure for testrig.
type Config struct {
	LogLevel   string           `yaml:"logLevel,omitempty"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Security   SecurityConfig   `yaml:"security"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Flaky      FlakyConfig      `yaml:"flaky"`
	Watch      WatchConfig      `yaml:"watch"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// Duration is a time.Duration written as a Go duration string ("30s", "5m")
// in YAML. A bare integer is read as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if value.ShortTag() == "!!int" {
		var secs int64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ExecutionConfig configures the process execution engine.
type ExecutionConfig struct {
	DefaultTimeout  Duration `yaml:"defaultTimeout"`  // Timeout for requests without one (default: 5m)
	KillGracePeriod Duration `yaml:"killGracePeriod"` // SIGTERM to SIGKILL delay (default: 5s)
	Retention       Duration `yaml:"retention"`       // How long finished runs stay queryable (default: 60s)
	MaxWorkers      int      `yaml:"maxWorkers"`      // Parallel chunks when a request sets none (default: CPU count)
}

// SecurityConfig configures the default security validator.
type SecurityConfig struct {
	MaxTestDuration        Duration        `yaml:"maxTestDuration"`
	AllowedFrameworks      []api.Framework `yaml:"allowedFrameworks"`
	MaxWorkers             int             `yaml:"maxWorkers"`
	MaxConcurrentProcesses int             `yaml:"maxConcurrentProcesses"`
	SpawnRate              float64         `yaml:"spawnRate"`
	SpawnBurst             int             `yaml:"spawnBurst"`
	MaxCPUPercent          int             `yaml:"maxCPUPercent"`
	MaxMemoryMB            int             `yaml:"maxMemoryMB"`
}

// Limits converts the section into validator limits.
func (c SecurityConfig) Limits() security.Limits {
	return security.Limits{
		MaxTestDuration:        c.MaxTestDuration.Std(),
		AllowedFrameworks:      append([]api.Framework(nil), c.AllowedFrameworks...),
		MaxWorkers:             c.MaxWorkers,
		MaxConcurrentProcesses: c.MaxConcurrentProcesses,
		SpawnRate:              c.SpawnRate,
		SpawnBurst:             c.SpawnBurst,
		MaxCPUPercent:          c.MaxCPUPercent,
		MaxMemoryMB:            c.MaxMemoryMB,
	}
}

// ResilienceConfig configures the breaker and retry policy wrapped around
// every execution.
type ResilienceConfig struct {
	Circuit CircuitConfig `yaml:"circuit"`
	Retry   RetryConfig   `yaml:"retry"`
}

// CircuitConfig holds the per-framework circuit breaker thresholds.
type CircuitConfig struct {
	FailureThreshold int      `yaml:"failureThreshold"`
	SuccessThreshold int      `yaml:"successThreshold"`
	CallTimeout      Duration `yaml:"callTimeout"`
	ResetTimeout     Duration `yaml:"resetTimeout"`
}

// BreakerConfig converts the section into a breaker configuration for name.
func (c CircuitConfig) BreakerConfig(name string) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		CallTimeout:      c.CallTimeout.Std(),
		ResetTimeout:     c.ResetTimeout.Std(),
	}
}

// RetryConfig holds the retry policy for transient process failures.
type RetryConfig struct {
	MaxRetries   int      `yaml:"maxRetries"`
	InitialDelay Duration `yaml:"initialDelay"`
	MaxDelay     Duration `yaml:"maxDelay"`
	Multiplier   float64  `yaml:"multiplier"`
}

// RetrierConfig converts the section into a retry configuration.
func (c RetryConfig) RetrierConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxRetries:   c.MaxRetries,
		InitialDelay: c.InitialDelay.Std(),
		MaxDelay:     c.MaxDelay.Std(),
		Multiplier:   c.Multiplier,
	}
}

// FlakyConfig configures flaky test detection.
type FlakyConfig struct {
	DefaultIterations int `yaml:"defaultIterations"`
}

// WatchConfig configures watch mode.
type WatchConfig struct {
	Debounce Duration `yaml:"debounce"`
}

// TelemetryConfig selects the trace exporter used by serve.
type TelemetryConfig struct {
	TraceExporter string `yaml:"traceExporter"`          // none, stdout or otlp (default: none)
	OTLPEndpoint  string `yaml:"otlpEndpoint,omitempty"` // gRPC receiver for otlp (default: localhost:4317)
	OTLPInsecure  bool   `yaml:"otlpInsecure,omitempty"`
}

// TelemetrySetup converts the section into a telemetry configuration.
func (c TelemetryConfig) TelemetrySetup(version string) telemetry.Config {
	return telemetry.Config{
		TraceExporter:  c.TraceExporter,
		OTLPEndpoint:   c.OTLPEndpoint,
		OTLPInsecure:   c.OTLPInsecure,
		ServiceVersion: version,
	}
}
