// Package config provides configuration management for testrig.
//
// Configuration is a single config.yaml in one directory. The default
// directory is ~/.config/testrig; commands accept --config-path to use
// another one. A missing file is not an error: GetDefaultConfig is used as
// is. Keys present in the file override the defaults, omitted keys keep
// them, and unknown keys are rejected.
//
// # Configuration Structure
//
//	logLevel: info                  # debug, info, warn, error
//	execution:
//	  defaultTimeout: 5m            # timeout for requests without one
//	  killGracePeriod: 5s           # SIGTERM to SIGKILL delay
//	  retention: 60s                # how long finished runs stay queryable
//	  maxWorkers: 8                 # parallel chunks (default: CPU count)
//	security:
//	  maxTestDuration: 10m
//	  allowedFrameworks: [gotest, jest, vitest]
//	  maxWorkers: 16
//	  maxConcurrentProcesses: 32
//	  spawnRate: 10                 # spawns per second, 0 disables
//	  spawnBurst: 20
//	resilience:
//	  circuit:
//	    failureThreshold: 5
//	    successThreshold: 3
//	    callTimeout: 30s
//	    resetTimeout: 30s
//	  retry:
//	    maxRetries: 3
//	    initialDelay: 1s
//	    maxDelay: 30s
//	    multiplier: 2
//	flaky:
//	  defaultIterations: 10
//	watch:
//	  debounce: 300ms
//
// Durations are Go duration strings; a bare integer is read as seconds.
//
// # Usage Examples
//
//	cfg, err := config.LoadConfig(config.GetDefaultConfigPathOrPanic())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	engine := execution.NewEngine(execution.Config{
//	    DefaultTimeout: cfg.Execution.DefaultTimeout.Std(),
//	}, execution.Options{})
package config
