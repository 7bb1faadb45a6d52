package logging

import (
	"os"
	"strings"
)

// Environment types
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// GetConfigFromEnv creates a logger configuration based on environment variables
func GetConfigFromEnv() Config {
	return ApplyEnv(DefaultConfig)
}

// ApplyEnv overlays LOG_LEVEL, LOG_FORMAT, ENVIRONMENT and LOG_ADD_SOURCE on
// config, then fills in the per-environment defaults.
func ApplyEnv(config Config) Config {
	explicitLevel := false
	explicitFormat := false

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Level = strings.ToLower(level)
		explicitLevel = true
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Format = strings.ToLower(format)
		explicitFormat = true
	}
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		config.Environment = strings.ToLower(env)
	}
	addSource, hasAddSource := os.LookupEnv("LOG_ADD_SOURCE")
	if hasAddSource {
		config.AddSource = strings.ToLower(addSource) == "true"
	}

	switch config.Environment {
	case EnvDevelopment, EnvTest:
		if !explicitFormat {
			config.Format = "text"
		}
		if !explicitLevel {
			config.Level = "debug"
		}
		if !hasAddSource {
			config.AddSource = config.Environment == EnvDevelopment
		}
	case EnvProduction:
		if config.Format == "" {
			config.Format = "json"
		}
		if config.Level == "" {
			config.Level = "info"
		}
	}

	return config
}
