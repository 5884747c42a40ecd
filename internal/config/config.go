package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerPort  string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string

	// TombstoneRetention must cover the maximum offline staleness window so
	// long-absent clients still learn about deletions.
	TombstoneRetention time.Duration
	SweepInterval      time.Duration
	MaxBatchSize       int
}

func LoadConfig() (*Config, error) {
	retention, err := getDurationEnv("TOMBSTONE_RETENTION", 7*24*time.Hour)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := getDurationEnv("SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}
	maxBatch, err := getIntEnv("MAX_BATCH_SIZE", 500)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ServerPort:         getEnv("SERVER_PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		TombstoneRetention: retention,
		SweepInterval:      sweepInterval,
		MaxBatchSize:       maxBatch,
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.MaxBatchSize < 1 {
		return nil, errors.New("MAX_BATCH_SIZE must be positive")
	}

	return cfg, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s format", key)
	}
	return d, nil
}

func getIntEnv(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s format", key)
	}
	return n, nil
}
