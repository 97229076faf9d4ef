package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// config is the server configuration. A YAML file named by
// RELAYSYNC_CONFIG supplies the base values; RELAYSYNC_* variables
// override them.
type config struct {
	Addr string `yaml:"addr"`

	DocumentBackendDSN string `yaml:"documentBackend"`
	MembershipDSN      string `yaml:"membership"`
	// ResourcesDSN points at the CRUD service's events table, which says
	// whether an event still exists and which workspace owns it.
	ResourcesDSN string `yaml:"resources"`
	// Members is the static membership table used when no membership DSN
	// is configured: workspace id to user ids.
	Members map[string][]string `yaml:"members"`

	StrictVersions      bool          `yaml:"strictVersions"`
	MaxDocumentBytes    int           `yaml:"maxDocumentBytes"`
	HeartbeatInterval   time.Duration `yaml:"heartbeatInterval"`
	StalenessMultiplier int           `yaml:"stalenessMultiplier"`
	OutboxSize          int           `yaml:"outboxSize"`

	JWTSecret          string        `yaml:"jwtSecret"`
	JWTAudience        string        `yaml:"jwtAudience"`
	InternalHMACSecret string        `yaml:"internalHmacSecret"`
	InternalMaxSkew    time.Duration `yaml:"internalMaxSkew"`
	RateLimitMax       int           `yaml:"rateLimitMax"`
	RateLimitWindow    time.Duration `yaml:"rateLimitWindow"`
	MaxBodyBytes       int64         `yaml:"maxBodyBytes"`
	AllowedOrigins     []string      `yaml:"allowedOrigins"`
	ShutdownTimeout    time.Duration `yaml:"shutdownTimeout"`

	LogFormat string `yaml:"logFormat"`
	LogLevel  string `yaml:"logLevel"`
}

func defaultConfig() config {
	return config{
		Addr:            ":8080",
		InternalMaxSkew: 5 * time.Minute,
		RateLimitWindow: time.Minute,
		ShutdownTimeout: 15 * time.Second,
		LogFormat:       "json",
		LogLevel:        "info",
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *config) {
	cfg.Addr = envOrDefault("RELAYSYNC_ADDR", cfg.Addr)
	cfg.DocumentBackendDSN = envOrDefault("RELAYSYNC_DOCUMENT_BACKEND_DSN", cfg.DocumentBackendDSN)
	cfg.MembershipDSN = envOrDefault("RELAYSYNC_MEMBERSHIP_DSN", cfg.MembershipDSN)
	cfg.ResourcesDSN = envOrDefault("RELAYSYNC_RESOURCES_DSN", cfg.ResourcesDSN)
	cfg.StrictVersions = boolEnv("RELAYSYNC_STRICT_VERSIONS", cfg.StrictVersions)
	cfg.MaxDocumentBytes = intEnv("RELAYSYNC_MAX_DOCUMENT_BYTES", cfg.MaxDocumentBytes)
	cfg.HeartbeatInterval = durationEnv("RELAYSYNC_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.StalenessMultiplier = intEnv("RELAYSYNC_STALENESS_MULTIPLIER", cfg.StalenessMultiplier)
	cfg.OutboxSize = intEnv("RELAYSYNC_OUTBOX_SIZE", cfg.OutboxSize)
	cfg.JWTSecret = envOrDefault("RELAYSYNC_JWT_SECRET", cfg.JWTSecret)
	cfg.JWTAudience = envOrDefault("RELAYSYNC_JWT_AUDIENCE", cfg.JWTAudience)
	cfg.InternalHMACSecret = envOrDefault("RELAYSYNC_INTERNAL_HMAC_SECRET", cfg.InternalHMACSecret)
	cfg.InternalMaxSkew = durationEnv("RELAYSYNC_INTERNAL_MAX_SKEW", cfg.InternalMaxSkew)
	cfg.RateLimitMax = intEnv("RELAYSYNC_RATE_LIMIT_MAX", cfg.RateLimitMax)
	cfg.RateLimitWindow = durationEnv("RELAYSYNC_RATE_LIMIT_WINDOW", cfg.RateLimitWindow)
	cfg.MaxBodyBytes = int64Env("RELAYSYNC_MAX_BODY_BYTES", cfg.MaxBodyBytes)
	cfg.ShutdownTimeout = durationEnv("RELAYSYNC_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if raw := strings.TrimSpace(os.Getenv("RELAYSYNC_ALLOWED_ORIGINS")); raw != "" {
		cfg.AllowedOrigins = splitList(raw)
	}
	cfg.LogFormat = envOrDefault("RELAYSYNC_LOG_FORMAT", cfg.LogFormat)
	cfg.LogLevel = envOrDefault("RELAYSYNC_LOG_LEVEL", cfg.LogLevel)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
