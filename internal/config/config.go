package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice session service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	JanitorInterval          time.Duration
	ConnectTimeout           time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	// StageProvider selects the adapter set: "mock" or "remote". With
	// "remote", a failover to mock adapters kicks in when the backend
	// rejects an invocation.
	StageProvider string

	RemoteBaseURL string
	RemoteAPIKey  string

	STTTimeout   time.Duration
	LLMTimeout   time.Duration
	TTSTimeout   time.Duration
	RetryBackoff time.Duration

	DefaultLanguage string
	HistoryLimit    int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "voxhub"),
		AllowAnyOrigin:           false,
		StageProvider:            strings.ToLower(envOrDefault("STAGE_PROVIDER", "mock")),
		RemoteBaseURL:            envTrimmed("STAGE_REMOTE_BASE_URL"),
		RemoteAPIKey:             envTrimmed("STAGE_REMOTE_API_KEY"),
		DefaultLanguage:          envOrDefault("APP_DEFAULT_LANGUAGE", "en"),
		DatabaseURL:              envTrimmed("DATABASE_URL"),
		HistoryLimit:             8,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		JanitorInterval:          5 * time.Second,
		ConnectTimeout:           10 * time.Second,
		STTTimeout:               30 * time.Second,
		LLMTimeout:               60 * time.Second,
		TTSTimeout:               30 * time.Second,
		RetryBackoff:             150 * time.Millisecond,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.JanitorInterval, err = durationFromEnv("APP_JANITOR_INTERVAL", cfg.JanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectTimeout, err = durationFromEnv("APP_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.STTTimeout, err = durationFromEnv("STAGE_STT_TIMEOUT", cfg.STTTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMTimeout, err = durationFromEnv("STAGE_LLM_TIMEOUT", cfg.LLMTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSTimeout, err = durationFromEnv("STAGE_TTS_TIMEOUT", cfg.TTSTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryBackoff, err = durationFromEnv("STAGE_RETRY_BACKOFF", cfg.RetryBackoff)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryLimit, err = intFromEnv("APP_HISTORY_LIMIT", cfg.HistoryLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.HistoryLimit <= 0 {
		return Config{}, fmt.Errorf("APP_HISTORY_LIMIT must be positive")
	}
	switch cfg.StageProvider {
	case "mock", "remote":
	default:
		return Config{}, fmt.Errorf("STAGE_PROVIDER must be mock or remote, got %q", cfg.StageProvider)
	}
	if cfg.StageProvider == "remote" && cfg.RemoteBaseURL == "" {
		return Config{}, fmt.Errorf("STAGE_REMOTE_BASE_URL is required when STAGE_PROVIDER=remote")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
