// Package config loads the whole server configuration in one place.
// Values come from environment variables; a .env file is honoured for local
// development.
//
// Instead of calling os.Getenv() all over the codebase we build one Config
// value at startup and pass the relevant sub-struct to each component.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every configuration value of the server.
// Each sub-struct covers a single concern.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	LiveKit   LiveKitConfig
	Registry  RegistryConfig
	RateLimit RateLimitConfig
}

// ServerConfig, HTTP server settings.
type ServerConfig struct {
	Host        string
	Port        int
	CORSOrigins []string
}

// DatabaseConfig, SQLite settings for the stream history store.
type DatabaseConfig struct {
	Path string // e.g. ./data/livecast.db
}

// LiveKitConfig holds the media server address and the signing pair used to
// mint access tokens. APIKey doubles as the public "appId" handed to clients.
type LiveKitConfig struct {
	URL       string // ws://localhost:7880
	APIKey    string
	APISecret string // KEEP SECRET
	TokenTTL  time.Duration
}

// RegistryConfig drives the stream registry and the heartbeat monitor.
type RegistryConfig struct {
	SweepInterval    time.Duration // how often the monitor runs
	HeartbeatTimeout time.Duration // no heartbeat for this long = stream is dead
	EndGracePeriod   time.Duration // ended entries stay readable this long
}

// RateLimitConfig, per-IP budgets for the token endpoints. Audience and host
// tokens are counted separately.
type RateLimitConfig struct {
	TokenRequests     int // audience tokens per window
	HostTokenRequests int
	TokenWindow       time.Duration
}

// ConfigurationError is returned when a startup-critical value is missing.
// It is fatal: main logs it and exits. It is never produced per request.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("missing required configuration: %s", strings.Join(e.Missing, ", "))
}

// Load builds a Config from the environment.
// A .env file is loaded first if present; production uses real env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var missing []string
	apiKey := getEnv("LIVEKIT_API_KEY", "")
	if apiKey == "" {
		missing = append(missing, "LIVEKIT_API_KEY")
	}
	apiSecret := getEnv("LIVEKIT_API_SECRET", "")
	if apiSecret == "" {
		missing = append(missing, "LIVEKIT_API_SECRET")
	}
	if len(missing) > 0 {
		return nil, &ConfigurationError{Missing: missing}
	}

	port, err := strconv.Atoi(getEnv("SERVER_PORT", "9090"))
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}

	tokenTTL, err := getMinutes("TOKEN_TTL_MINUTES", "120")
	if err != nil {
		return nil, err
	}
	sweep, err := getSeconds("HEARTBEAT_SWEEP_INTERVAL_SECONDS", "12")
	if err != nil {
		return nil, err
	}
	timeout, err := getSeconds("HEARTBEAT_TIMEOUT_SECONDS", "40")
	if err != nil {
		return nil, err
	}
	grace, err := getSeconds("END_GRACE_PERIOD_SECONDS", "5")
	if err != nil {
		return nil, err
	}
	if timeout <= sweep {
		return nil, fmt.Errorf("HEARTBEAT_TIMEOUT_SECONDS (%s) must be longer than HEARTBEAT_SWEEP_INTERVAL_SECONDS (%s)", timeout, sweep)
	}

	tokenRequests, err := strconv.Atoi(getEnv("TOKEN_RATE_LIMIT", "30"))
	if err != nil {
		return nil, fmt.Errorf("invalid TOKEN_RATE_LIMIT: %w", err)
	}
	hostTokenRequests, err := strconv.Atoi(getEnv("HOST_TOKEN_RATE_LIMIT", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid HOST_TOKEN_RATE_LIMIT: %w", err)
	}
	tokenWindow, err := getSeconds("TOKEN_RATE_WINDOW_SECONDS", "60")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:        getEnv("SERVER_HOST", "0.0.0.0"),
			Port:        port,
			CORSOrigins: splitList(getEnv("CORS_ORIGINS", "http://localhost:3000,http://localhost:5173")),
		},
		Database: DatabaseConfig{
			Path: getEnv("DATABASE_PATH", "./data/livecast.db"),
		},
		LiveKit: LiveKitConfig{
			URL:       getEnv("LIVEKIT_URL", "ws://localhost:7880"),
			APIKey:    apiKey,
			APISecret: apiSecret,
			TokenTTL:  tokenTTL,
		},
		Registry: RegistryConfig{
			SweepInterval:    sweep,
			HeartbeatTimeout: timeout,
			EndGracePeriod:   grace,
		},
		RateLimit: RateLimitConfig{
			TokenRequests:     tokenRequests,
			HostTokenRequests: hostTokenRequests,
			TokenWindow:       tokenWindow,
		},
	}

	return cfg, nil
}

// Addr returns the listen address, e.g. "0.0.0.0:9090".
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// getEnv reads an environment variable, falling back when it is unset.
func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getSeconds(key, fallback string) (time.Duration, error) {
	n, err := strconv.Atoi(getEnv(key, fallback))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive integer", key)
	}
	return time.Duration(n) * time.Second, nil
}

func getMinutes(key, fallback string) (time.Duration, error) {
	n, err := strconv.Atoi(getEnv(key, fallback))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive integer", key)
	}
	return time.Duration(n) * time.Minute, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
