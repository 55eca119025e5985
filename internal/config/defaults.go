package config

import (
	"runtime"
	"time"

	"testrig/internal/flaky"
	"testrig/internal/resilience"
	"testrig/internal/security"
	"testrig/internal/telemetry"
)

const (
	// DefaultLogLevel is used when neither the config file nor --log-level set one.
	DefaultLogLevel = "info"
)

// GetDefaultConfig returns the configuration used when no config.yaml exists.
// Loaded files are decoded on top of it, so omitted keys keep these values.
func GetDefaultConfig() Config {
	limits := security.DefaultLimits()
	retry := resilience.DefaultRetryConfig()

	return Config{
		LogLevel: DefaultLogLevel,
		Execution: ExecutionConfig{
			DefaultTimeout:  Duration(5 * time.Minute),
			KillGracePeriod: Duration(5 * time.Second),
			Retention:       Duration(60 * time.Second),
			MaxWorkers:      runtime.NumCPU(),
		},
		Security: SecurityConfig{
			MaxTestDuration:        Duration(limits.MaxTestDuration),
			AllowedFrameworks:      limits.AllowedFrameworks,
			MaxWorkers:             limits.MaxWorkers,
			MaxConcurrentProcesses: limits.MaxConcurrentProcesses,
			SpawnRate:              limits.SpawnRate,
			SpawnBurst:             limits.SpawnBurst,
			MaxCPUPercent:          limits.MaxCPUPercent,
			MaxMemoryMB:            limits.MaxMemoryMB,
		},
		Resilience: ResilienceConfig{
			Circuit: CircuitConfig{
				FailureThreshold: resilience.DefaultFailureThreshold,
				SuccessThreshold: resilience.DefaultSuccessThreshold,
				CallTimeout:      Duration(resilience.DefaultCallTimeout),
				ResetTimeout:     Duration(resilience.DefaultResetTimeout),
			},
			Retry: RetryConfig{
				MaxRetries:   retry.MaxRetries,
				InitialDelay: Duration(retry.InitialDelay),
				MaxDelay:     Duration(retry.MaxDelay),
				Multiplier:   retry.Multiplier,
			},
		},
		Flaky: FlakyConfig{
			DefaultIterations: flaky.DefaultIterations,
		},
		Watch: WatchConfig{
			Debounce: Duration(300 * time.Millisecond),
		},
		Telemetry: TelemetryConfig{
			TraceExporter: telemetry.ExporterNone,
			OTLPEndpoint:  telemetry.DefaultOTLPEndpoint,
		},
	}
}
