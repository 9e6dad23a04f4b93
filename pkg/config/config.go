// Package config loads relay configuration: environment variables first, in
// the shape deployments actually set, with an optional YAML file overlay for
// everything the environment left at its default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the relay binary needs to start.
type Config struct {
	LogLevel string `yaml:"log_level"`

	// Storage. DatabasePath selects the embedded SQLite store; DatabaseURL,
	// when set, selects Postgres instead. RedisAddr enables the Redis guard
	// for multi-process deployments.
	DatabasePath string `yaml:"database_path"`
	DatabaseURL  string `yaml:"database_url"`
	RedisAddr    string `yaml:"redis_addr"`

	PolicyPath     string `yaml:"policy_path"`
	KillSwitchPath string `yaml:"kill_switch_path"`
	TracePath      string `yaml:"trace_path"`

	AutonomyMode string `yaml:"autonomy_mode"`

	QueueCapacity int           `yaml:"queue_capacity"`
	PromptTTL     time.Duration `yaml:"prompt_ttl"`
	ExpiryGrace   time.Duration `yaml:"expiry_grace"`
	StallTimeout  time.Duration `yaml:"stall_timeout"`
	Threshold     float64       `yaml:"threshold"`

	AllowedIdentities []string `yaml:"allowed_identities"`
	AllowFreeText     bool     `yaml:"allow_free_text"`

	OTLPEnabled  bool   `yaml:"otlp_enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Load reads configuration from environment variables, falling back to
// defaults suitable for a single-process relay.
func Load() *Config {
	c := &Config{
		LogLevel:       envOr("RELAY_LOG_LEVEL", "INFO"),
		DatabasePath:   envOr("RELAY_DATABASE_PATH", "relay.db"),
		DatabaseURL:    os.Getenv("RELAY_DATABASE_URL"),
		RedisAddr:      os.Getenv("RELAY_REDIS_ADDR"),
		PolicyPath:     envOr("RELAY_POLICY_PATH", "policy.yaml"),
		KillSwitchPath: envOr("RELAY_KILL_SWITCH_PATH", "killswitch.json"),
		TracePath:      envOr("RELAY_TRACE_PATH", "decisions.jsonl"),
		AutonomyMode:   envOr("RELAY_AUTONOMY_MODE", "ASSIST"),
		QueueCapacity:  envInt("RELAY_QUEUE_CAPACITY", 64),
		PromptTTL:      envDuration("RELAY_PROMPT_TTL", 300*time.Second),
		ExpiryGrace:    envDuration("RELAY_EXPIRY_GRACE", 2*time.Second),
		StallTimeout:   envDuration("RELAY_STALL_TIMEOUT", 2*time.Second),
		Threshold:      envFloat("RELAY_THRESHOLD", 0.65),
		AllowFreeText:  os.Getenv("RELAY_ALLOW_FREE_TEXT") == "true",
		OTLPEnabled:    os.Getenv("RELAY_OTLP_ENABLED") == "true",
		OTLPEndpoint:   envOr("RELAY_OTLP_ENDPOINT", "localhost:4317"),
	}
	return c
}

// LoadFile overlays a YAML file onto the environment-derived config. Values
// present in the file win over env defaults; the file is optional.
func LoadFile(path string) (*Config, error) {
	c := Load()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return c, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
