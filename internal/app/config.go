package app

import (
	"testrig/internal/config"
)

// Config holds the application configuration
type Config struct {
	// Debug forces debug logging regardless of LogLevel.
	Debug bool

	// LogLevel overrides the level from config.yaml when set.
	LogLevel string

	// ServerMode keeps stdout free for the MCP stdio protocol.
	ServerMode bool

	// Silent discards all log output.
	Silent bool

	// Custom configuration path (optional)
	ConfigPath string

	// Loaded configuration; set during bootstrap
	Testrig *config.Config
}

// NewConfig creates a new application configuration
func NewConfig(debug bool, logLevel, configPath string) *Config {
	return &Config{
		Debug:      debug,
		LogLevel:   logLevel,
		ConfigPath: configPath,
	}
}
