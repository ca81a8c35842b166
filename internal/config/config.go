// Package config loads the oracle's environment-sourced settings once
// at startup into an immutable struct, with an optional .env file read
// via github.com/joho/godotenv for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-sourced setting the oracle reads once
// at startup: ports, ping/reconnect timings, TTLs, the data-age
// ceiling, and the feed category map path. Immutable after Load.
type Config struct {
	HTTPHost string
	HTTPPort int

	CacheTTL   time.Duration
	MaxDataAge time.Duration

	PingInterval  time.Duration
	ReconnectInit time.Duration
	ReconnectMax  time.Duration

	FeedCategoryMapPath string
}

// Load reads .env (if present, via godotenv) then the process
// environment into a validated Config. Missing optional variables fall
// back to built-in defaults.
func Load() (Config, error) {
	_ = godotenv.Load() // optional local-dev .env; absence is not an error

	cfg := Config{
		HTTPHost:            getEnv("ORACLE_HTTP_HOST", "127.0.0.1"),
		HTTPPort:            8080,
		CacheTTL:            1000 * time.Millisecond,
		MaxDataAge:          2000 * time.Millisecond,
		PingInterval:        30 * time.Second,
		ReconnectInit:       1 * time.Second,
		ReconnectMax:        30 * time.Second,
		FeedCategoryMapPath: getEnv("ORACLE_FEED_MAP", "feeds.yaml"),
	}

	var err error
	if cfg.HTTPPort, err = getEnvInt("ORACLE_HTTP_PORT", cfg.HTTPPort); err != nil {
		return Config{}, err
	}
	if cfg.CacheTTL, err = getEnvDuration("ORACLE_CACHE_TTL_MS", cfg.CacheTTL, time.Millisecond); err != nil {
		return Config{}, err
	}
	if cfg.MaxDataAge, err = getEnvDuration("ORACLE_MAX_DATA_AGE_MS", cfg.MaxDataAge, time.Millisecond); err != nil {
		return Config{}, err
	}
	if cfg.PingInterval, err = getEnvDuration("ORACLE_PING_INTERVAL_SEC", cfg.PingInterval, time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectInit, err = getEnvDuration("ORACLE_RECONNECT_INIT_SEC", cfg.ReconnectInit, time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectMax, err = getEnvDuration("ORACLE_RECONNECT_MAX_SEC", cfg.ReconnectMax, time.Second); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings that would produce a nonsensical runtime
// configuration.
func (c Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("ORACLE_HTTP_PORT out of range: %d", c.HTTPPort)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("ORACLE_CACHE_TTL_MS must be positive")
	}
	if c.MaxDataAge <= 0 {
		return fmt.Errorf("ORACLE_MAX_DATA_AGE_MS must be positive")
	}
	if c.ReconnectMax < c.ReconnectInit {
		return fmt.Errorf("ORACLE_RECONNECT_MAX_SEC (%s) must be >= ORACLE_RECONNECT_INIT_SEC (%s)", c.ReconnectMax, c.ReconnectInit)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration, unit time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return time.Duration(n) * unit, nil
}
