package app

import (
	"fmt"
	"io"
	"os"

	"testrig/internal/config"
	"testrig/pkg/logging"
)

// Application bootstraps and owns a testrig instance.
//
// Example usage:
//
//	cfg := app.NewConfig(false, "info", "")
//	application, err := app.NewApplication(cfg)
//	if err != nil {
//	    return fmt.Errorf("failed to create application: %w", err)
//	}
//	defer application.Close()
//	results, err := application.Services().Runner.Execute(ctx, req)
type Application struct {
	config   *Config
	services *Services
}

// NewApplication performs the bootstrap sequence:
//
//  1. Configures logging from the flags
//  2. Loads config.yaml from cfg.ConfigPath or ~/.config/testrig
//  3. Re-applies the log level from the file unless a flag set one
//  4. Initializes all services
func NewApplication(cfg *Config) (*Application, error) {
	initLogging(cfg, cfg.LogLevel)

	configPath := cfg.ConfigPath
	if configPath == "" {
		configPath = config.GetDefaultConfigPathOrPanic()
	}

	testrigCfg, err := config.LoadConfig(configPath)
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to load configuration from path: %s", configPath)
		return nil, fmt.Errorf("failed to load configuration from path %s: %w", configPath, err)
	}
	cfg.Testrig = &testrigCfg

	if cfg.LogLevel == "" && testrigCfg.LogLevel != "" {
		initLogging(cfg, testrigCfg.LogLevel)
	}

	services, err := InitializeServices(testrigCfg, ServiceOptions{})
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to initialize services")
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return &Application{
		config:   cfg,
		services: services,
	}, nil
}

// Services returns the initialized components.
func (a *Application) Services() *Services {
	return a.services
}

// Config returns the application configuration.
func (a *Application) Config() *Config {
	return a.config
}

// Close releases the services.
func (a *Application) Close() {
	a.services.Close()
}

// resolveLevel picks the effective log level; Debug always wins.
func resolveLevel(debug bool, name string) logging.LogLevel {
	if debug {
		return logging.LevelDebug
	}
	level, ok := logging.ParseLevel(name)
	if !ok {
		logging.Warn("Bootstrap", "Unknown log level %q, using info", name)
	}
	return level
}

func initLogging(cfg *Config, levelName string) {
	level := resolveLevel(cfg.Debug, levelName)
	switch {
	case cfg.Silent:
		logging.InitForCLI(level, io.Discard)
	case cfg.ServerMode:
		logging.InitForServer(level)
	default:
		// stdout is reserved for command output.
		logging.InitForCLI(level, os.Stderr)
	}
}
