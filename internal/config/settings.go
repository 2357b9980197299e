package config

import (
	"os"
	"strconv"

	"mcphub/internal/logging"
)

// Settings holds the process-level configuration read from the environment.
// File-backed configuration (servers, groups, api tools) lives in Store.
type Settings struct {
	ConfigPath        string
	LogLevel          logging.Level
	LogFile           string
	EnableLazyLoading bool
	EnableCaching     bool
	Host              string
	Port              int
}

// Load reads settings from the environment, applying defaults.
func Load() *Settings {
	return &Settings{
		ConfigPath:        getEnvOrDefault("CONFIG_PATH", GetConfigRoot()),
		LogLevel:          logging.ParseLevel(os.Getenv("LOG_LEVEL")),
		LogFile:           os.Getenv("LOG_FILE"),
		EnableLazyLoading: getEnvBoolOrDefault("ENABLE_LAZY_LOADING", false),
		EnableCaching:     getEnvBoolOrDefault("ENABLE_CACHING", true),
		Host:              getEnvOrDefault("HOST", "0.0.0.0"),
		Port:              getEnvIntOrDefault("PORT", 3000),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
