package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile represents a deployment-specific configuration profile. Profiles
// layer over the env config: any zero field keeps the env value.
type Profile struct {
	Name      string          `yaml:"name" json:"name"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Policy    PolicyConfig    `yaml:"policy" json:"policy"`
	Atlases   []string        `yaml:"atlases,omitempty" json:"atlases,omitempty"`
	Retention RetentionConfig `yaml:"retention" json:"retention"`
}

// ServerConfig holds per-profile HTTP server settings.
type ServerConfig struct {
	Port         string   `yaml:"port,omitempty" json:"port,omitempty"`
	CORSOrigins  []string `yaml:"cors_origins,omitempty" json:"cors_origins,omitempty"`
	RateLimitRPS float64  `yaml:"rate_limit_rps,omitempty" json:"rate_limit_rps,omitempty"`
	RateBurst    int      `yaml:"rate_burst,omitempty" json:"rate_burst,omitempty"`
}

// PolicyConfig tunes the default policy rules per profile.
type PolicyConfig struct {
	DenyPatterns     []string `yaml:"deny_patterns,omitempty" json:"deny_patterns,omitempty"`
	RateLimitMax     int      `yaml:"rate_limit_max,omitempty" json:"rate_limit_max,omitempty"`
	RateLimitWindow  int      `yaml:"rate_limit_window_seconds,omitempty" json:"rate_limit_window_seconds,omitempty"`
	DisableRedaction bool     `yaml:"disable_redaction,omitempty" json:"disable_redaction,omitempty"`
}

// RetentionConfig defines event retention policy.
type RetentionConfig struct {
	MaxEventsPerTrace int `yaml:"max_events_per_trace,omitempty" json:"max_events_per_trace,omitempty"`
	MaxTraceAgeDays   int `yaml:"max_trace_age_days,omitempty" json:"max_trace_age_days,omitempty"`
}

// LoadProfile loads a profile YAML file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}

	if profile.Name == "" {
		base := filepath.Base(path)
		profile.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}

	return &profile, nil
}

// Apply overlays a profile onto an env-derived config.
func (p *Profile) Apply(cfg *Config) {
	if p.Server.Port != "" {
		cfg.Port = p.Server.Port
	}
	if len(p.Server.CORSOrigins) > 0 {
		cfg.CORSOrigins = p.Server.CORSOrigins
	}
	if p.Server.RateLimitRPS > 0 {
		cfg.RateLimitRPS = p.Server.RateLimitRPS
	}
	if p.Server.RateBurst > 0 {
		cfg.RateBurst = p.Server.RateBurst
	}
	if len(p.Atlases) > 0 {
		cfg.AtlasPaths = append(cfg.AtlasPaths, p.Atlases...)
	}
}
