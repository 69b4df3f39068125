// Package config loads agent configuration from environment variables with
// defaults that let the binary run locally without excessive setup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AgentConfig captures all tunable parameters for the match agent process.
type AgentConfig struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration

	BackendURL string
	PushURL    string
	AuthToken  string
	UserID     string

	RequestTimeout time.Duration
	SearchWindow   time.Duration

	CacheTTL      time.Duration
	CacheCapacity int

	HeartbeatInterval    time.Duration
	ReconnectBackoffBase time.Duration
	ReconnectBackoffMax  time.Duration
	ReconnectMaxAttempts int

	RedisAddr     string
	RedisPassword string

	ThrottleReadRate   float64
	ThrottleReadBurst  float64
	ThrottleWriteRate  float64
	ThrottleWriteBurst float64

	NATSURL     string
	NATSSubject string

	LogLevel string
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		HTTPAddr:             ":8090",
		ShutdownTimeout:      15 * time.Second,
		BackendURL:           "http://localhost:8080",
		PushURL:              "ws://localhost:8080/ws",
		RequestTimeout:       10 * time.Second,
		SearchWindow:         5 * time.Minute,
		CacheTTL:             5 * time.Minute,
		CacheCapacity:        10,
		HeartbeatInterval:    25 * time.Second,
		ReconnectBackoffBase: time.Second,
		ReconnectBackoffMax:  30 * time.Second,
		ReconnectMaxAttempts: 10,
		NATSSubject:          "matching.terminal",
		ThrottleReadRate:     10,
		ThrottleReadBurst:    20,
		ThrottleWriteRate:    2,
		ThrottleWriteBurst:   5,
		LogLevel:             "info",
	}
}

// LoadAgentConfig reads the environment. Malformed values are collected and
// returned joined so the operator sees every problem at once.
func LoadAgentConfig() (AgentConfig, error) {
	cfg := defaultAgentConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.BackendURL, "MATCHING_BACKEND_URL")
	setStringFromEnv(&cfg.PushURL, "MATCHING_PUSH_URL")
	cfg.AuthToken = strings.TrimSpace(os.Getenv("MATCHING_AUTH_TOKEN"))
	setStringFromEnv(&cfg.UserID, "MATCHING_USER_ID")

	setDurationFromEnv(&cfg.RequestTimeout, "MATCHING_REQUEST_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.SearchWindow, "MATCHING_SEARCH_WINDOW", &errs)

	setDurationFromEnv(&cfg.CacheTTL, "SEARCH_CACHE_TTL", &errs)
	setIntFromEnv(&cfg.CacheCapacity, "SEARCH_CACHE_CAPACITY", &errs)

	setDurationFromEnv(&cfg.HeartbeatInterval, "PUSH_HEARTBEAT_INTERVAL", &errs)
	setDurationFromEnv(&cfg.ReconnectBackoffBase, "PUSH_BACKOFF_BASE", &errs)
	setDurationFromEnv(&cfg.ReconnectBackoffMax, "PUSH_BACKOFF_MAX", &errs)
	setIntFromEnv(&cfg.ReconnectMaxAttempts, "PUSH_MAX_ATTEMPTS", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	setFloatFromEnv(&cfg.ThrottleReadRate, "THROTTLE_READ_RATE", &errs)
	setFloatFromEnv(&cfg.ThrottleReadBurst, "THROTTLE_READ_BURST", &errs)
	setFloatFromEnv(&cfg.ThrottleWriteRate, "THROTTLE_WRITE_RATE", &errs)
	setFloatFromEnv(&cfg.ThrottleWriteBurst, "THROTTLE_WRITE_BURST", &errs)

	cfg.NATSURL = strings.TrimSpace(os.Getenv("NATS_URL"))
	setStringFromEnv(&cfg.NATSSubject, "NATS_SUBJECT")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.AuthToken == "" {
		errs = append(errs, fmt.Errorf("MATCHING_AUTH_TOKEN is required"))
	}
	if cfg.CacheCapacity <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_CACHE_CAPACITY must be > 0"))
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("PUSH_MAX_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}
