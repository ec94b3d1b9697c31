// Package config loads coordination engine configuration from environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all engine configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8750"`

	// Storage
	DBPath string `envconfig:"DB_PATH" default:"coordd.db"`

	// Agent liveness
	AgentTTL          time.Duration `envconfig:"AGENT_TTL" default:"5m"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	ReaperInterval    time.Duration `envconfig:"REAPER_INTERVAL" default:"5s"`

	// File locks
	LockTTLDefault time.Duration `envconfig:"LOCK_TTL_DEFAULT" default:"5m"`
	LockTTLMax     time.Duration `envconfig:"LOCK_TTL_MAX" default:"30m"`

	// Auth: HMAC secret for bearer tokens. If empty a random secret is
	// generated at startup (tokens do not survive a restart in that mode).
	AuthSecret string        `envconfig:"AUTH_SECRET"`
	TokenTTL   time.Duration `envconfig:"TOKEN_TTL" default:"12h"`

	// Operator token for cross-project surfaces. Agent bearer tokens never
	// grant cross-project reads; when this is empty those surfaces are
	// disabled entirely.
	AdminToken string `envconfig:"ADMIN_TOKEN"`

	// HTTP hardening
	RateLimitRPS   int    `envconfig:"RATE_LIMIT_RPS" default:"100"`
	RateLimitBurst int    `envconfig:"RATE_LIMIT_BURST" default:"200"`
	CORSOrigins    string `envconfig:"CORS_ORIGINS"`

	// Workspace manifest file name looked up in the working directory
	// during project resolution.
	ManifestName string `envconfig:"MANIFEST_NAME" default:".coordd.yaml"`

	// Retention
	MemoryRetention  time.Duration `envconfig:"MEMORY_RETENTION" default:"2160h"` // 90 days
	SessionRetention time.Duration `envconfig:"SESSION_RETENTION" default:"720h"` // 30 days
}

// Validate checks cross-field constraints that envconfig cannot express.
func (c *Config) Validate() error {
	if c.LockTTLDefault > c.LockTTLMax {
		return fmt.Errorf("LOCK_TTL_DEFAULT (%s) exceeds LOCK_TTL_MAX (%s)", c.LockTTLDefault, c.LockTTLMax)
	}
	if c.AgentTTL < c.HeartbeatInterval {
		return fmt.Errorf("AGENT_TTL (%s) must be at least HEARTBEAT_INTERVAL (%s)", c.AgentTTL, c.HeartbeatInterval)
	}
	if c.ReaperInterval <= 0 {
		return fmt.Errorf("REAPER_INTERVAL must be positive")
	}
	return nil
}

// Load reads configuration from COORDD_-prefixed environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("COORDD", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
