// Package config provides configuration management for the workflow engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	Server   ServerConfig
	Logging  LoggingConfig
	Workflow WorkflowConfig
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORS            bool
	CORSAllowedOrigins []string
}

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level  string
	Format string // "json" or "text"
}

// WorkflowConfig holds the workflow engine's own tunables: where workflow
// definitions live, whether to hot-reload them, the debug-serial switch for
// parallel_foreach, and default control-flow bounds.
type WorkflowConfig struct {
	Dir                  string
	HotReload            bool
	DebugSerial          bool
	MaxIterationsDefault int
	SchedulerTickTimeout time.Duration
}

// Load loads the configuration from environment variables (optionally
// seeded by a .env file in the working directory).
func Load() (*Config, error) {
	godotenv.Load()
	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnvAsInt("AROMCP_PORT", 8585),
			Host:               getEnv("AROMCP_HOST", "0.0.0.0"),
			ReadTimeout:        getEnvAsDuration("AROMCP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:       getEnvAsDuration("AROMCP_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout:    getEnvAsDuration("AROMCP_SHUTDOWN_TIMEOUT", 30*time.Second),
			CORS:               getEnvAsBool("AROMCP_CORS_ENABLED", true),
			CORSAllowedOrigins: getEnvAsSlice("AROMCP_CORS_ALLOWED_ORIGINS", []string{}),
		},
		Logging: LoggingConfig{
			Level:  getEnv("AROMCP_LOG_LEVEL", "info"),
			Format: getEnv("AROMCP_LOG_FORMAT", "json"),
		},
		Workflow: WorkflowConfig{
			Dir:                  getEnv("AROMCP_WORKFLOW_DIR", "./workflows"),
			HotReload:            getEnvAsBool("AROMCP_WORKFLOW_HOT_RELOAD", true),
			DebugSerial:          getEnv("AROMCP_WORKFLOW_DEBUG", "") == "serial",
			MaxIterationsDefault: getEnvAsInt("AROMCP_MAX_ITERATIONS", 100),
			SchedulerTickTimeout: getEnvAsDuration("AROMCP_SCHEDULER_TICK_TIMEOUT", 50*time.Millisecond),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Workflow.Dir == "" {
		return fmt.Errorf("workflow directory is required")
	}

	if c.Workflow.MaxIterationsDefault < 1 {
		return fmt.Errorf("max iterations default must be at least 1")
	}

	return nil
}

// Helper functions for environment variables.

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	var result []string
	current := ""
	for _, ch := range valueStr {
		if ch == ',' {
			if current != "" {
				result = append(result, current)
				current = ""
			}
		} else {
			current += string(ch)
		}
	}

	if current != "" {
		result = append(result, current)
	}

	return result
}
