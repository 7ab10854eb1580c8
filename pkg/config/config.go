// Package config loads runtime configuration from environment variables and
// optional YAML deployment profiles.
package config

import (
	"os"
	"strings"
)

// Config holds server configuration.
type Config struct {
	Port                 string
	LogLevel             string
	StorePath            string
	AtlasPaths           []string
	AuthSecret           string
	RedisURL             string
	OTLPEndpoint         string
	RateLimitRPS         float64
	RateBurst            int
	CORSOrigins          []string
	ProfilePath          string
	ObservabilityEnabled bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:         envOr("CARP_PORT", "8090"),
		LogLevel:     envOr("CARP_LOG_LEVEL", "INFO"),
		StorePath:    os.Getenv("CARP_STORE_PATH"),
		AuthSecret:   os.Getenv("CARP_AUTH_SECRET"),
		RedisURL:     os.Getenv("CARP_REDIS_URL"),
		OTLPEndpoint: os.Getenv("CARP_OTLP_ENDPOINT"),
		ProfilePath:  os.Getenv("CARP_PROFILE"),
		RateLimitRPS: 50,
		RateBurst:    100,
	}

	if paths := os.Getenv("CARP_ATLAS_PATHS"); paths != "" {
		cfg.AtlasPaths = splitList(paths)
	}
	if origins := os.Getenv("CARP_CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}
	cfg.ObservabilityEnabled = os.Getenv("CARP_OBSERVABILITY") == "true"

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
