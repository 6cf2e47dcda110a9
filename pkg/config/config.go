package config

import (
	"fmt"
	"os"
)

// Config holds application configuration.
type Config struct {
	Port          string
	DBPath        string
	LogLevel      string
	SweepSchedule string // cron expression for the overdue/classification sweeps
}

// New loads configuration from environment variables.
func New() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		DBPath:        getEnv("DB_PATH", "kopaloan.db"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		SweepSchedule: getEnv("SWEEP_SCHEDULE", "0 2 * * *"),
	}

	if cfg.DBPath == "" {
		return nil, fmt.Errorf("DB_PATH is required")
	}
	if cfg.SweepSchedule == "" {
		return nil, fmt.Errorf("SWEEP_SCHEDULE is required")
	}

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}
