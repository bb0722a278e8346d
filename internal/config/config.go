package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TLSConfig controls the bridge's self-signed TLS identity (§6.3).
type TLSConfig struct {
	Enabled   bool     `yaml:"enabled"`
	ExtraSANs []string `yaml:"extra_sans"`
}

// AuthConfig controls bearer-token admission.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
}

// OTelConfig mirrors the otel package's Config shape so it can be embedded in
// config.yaml without internal/otel importing internal/config.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config holds the bridge's effective runtime settings (§6.4).
type Config struct {
	HomeDir string `yaml:"-"`

	// AgentCommand is the argv spawned as the agent subprocess (C4). Required.
	AgentCommand []string `yaml:"agent_command"`

	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`

	TLS  TLSConfig  `yaml:"tls"`
	Auth AuthConfig `yaml:"auth"`

	MaxConnectionsPerIP  int `yaml:"max_connections_per_ip"`
	MaxAttemptsPerMinute int `yaml:"max_attempts_per_minute"`

	KeepAlive             bool `yaml:"keep_alive"`
	SessionTimeoutSeconds int  `yaml:"session_timeout"`
	MaxAgents             int  `yaml:"max_agents"`
	BufferMessages        bool `yaml:"buffer_messages"`

	// PairingCodeTTLSeconds and PairingMaxAttempts bound C3; not named in the
	// runtime-options table but needed so those constants aren't hard-coded.
	PairingCodeTTLSeconds int `yaml:"pairing_code_ttl_seconds"`
	PairingMaxAttempts    int `yaml:"pairing_max_attempts"`

	LogLevel string     `yaml:"log_level"`
	OTel     OTelConfig `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the effective config, for diagnostics
// (not to be confused with the TLS certificate fingerprint).
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "cmd=%v|bind=%s|port=%d|tls=%v|auth=%v|maxconn=%d|maxattempt=%d|keepalive=%v|timeout=%d|maxagents=%d|buffer=%v|log=%s",
		c.AgentCommand, c.Bind, c.Port, c.TLS.Enabled, c.Auth.Enabled,
		c.MaxConnectionsPerIP, c.MaxAttemptsPerMinute, c.KeepAlive,
		c.SessionTimeoutSeconds, c.MaxAgents, c.BufferMessages, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// SessionTimeout returns SessionTimeoutSeconds as a time.Duration.
func (c Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSeconds) * time.Second
}

func defaultConfig() Config {
	return Config{
		Bind:                  "0.0.0.0",
		Port:                  8765,
		TLS:                   TLSConfig{Enabled: true},
		Auth:                  AuthConfig{Enabled: true},
		MaxConnectionsPerIP:   3,
		MaxAttemptsPerMinute:  10,
		KeepAlive:             false,
		SessionTimeoutSeconds: 1800,
		MaxAgents:             10,
		BufferMessages:        false,
		PairingCodeTTLSeconds: 60,
		PairingMaxAttempts:    5,
		LogLevel:              "info",
	}
}

// HomeDir resolves the bridge's state directory: BRIDGE_HOME if set, else
// ~/.bridge.
func HomeDir() string {
	if override := os.Getenv("BRIDGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".bridge")
}

// Load reads config.yaml from HomeDir, applies defaults and env overrides,
// and returns the effective config. A missing config.yaml is not an error:
// defaults apply, but AgentCommand must still be supplied by an env override
// or the call fails validation.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create bridge home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.Bind == "" {
		cfg.Bind = "0.0.0.0"
	}
	if cfg.Port <= 0 {
		cfg.Port = 8765
	}
	if cfg.MaxConnectionsPerIP <= 0 {
		cfg.MaxConnectionsPerIP = 3
	}
	if cfg.MaxAttemptsPerMinute <= 0 {
		cfg.MaxAttemptsPerMinute = 10
	}
	if cfg.SessionTimeoutSeconds <= 0 {
		cfg.SessionTimeoutSeconds = 1800
	}
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = 10
	}
	if cfg.PairingCodeTTLSeconds <= 0 {
		cfg.PairingCodeTTLSeconds = 60
	}
	if cfg.PairingMaxAttempts <= 0 {
		cfg.PairingMaxAttempts = 5
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// validate checks the fields normalize cannot default its way out of. A
// failure here is a ConfigurationError: fatal at startup, never per-connection.
func validate(cfg *Config) error {
	if len(cfg.AgentCommand) == 0 {
		return fmt.Errorf("config: agent_command is required")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("BRIDGE_BIND"); raw != "" {
		cfg.Bind = raw
	}
	if raw := os.Getenv("BRIDGE_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Port = v
		}
	}
	if raw := os.Getenv("BRIDGE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("BRIDGE_MAX_CONNECTIONS_PER_IP"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxConnectionsPerIP = v
		}
	}
	if raw := os.Getenv("BRIDGE_MAX_ATTEMPTS_PER_MINUTE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxAttemptsPerMinute = v
		}
	}
	if raw := os.Getenv("BRIDGE_SESSION_TIMEOUT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SessionTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("BRIDGE_MAX_AGENTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxAgents = v
		}
	}
	if raw := os.Getenv("BRIDGE_KEEP_ALIVE"); raw != "" {
		cfg.KeepAlive = strings.EqualFold(raw, "true") || raw == "1"
	}
	if raw := os.Getenv("BRIDGE_BUFFER_MESSAGES"); raw != "" {
		cfg.BufferMessages = strings.EqualFold(raw, "true") || raw == "1"
	}
	if raw := os.Getenv("BRIDGE_AGENT_COMMAND"); raw != "" {
		cfg.AgentCommand = strings.Fields(raw)
	}
	if raw := os.Getenv("BRIDGE_TLS"); raw != "" {
		cfg.TLS.Enabled = strings.EqualFold(raw, "true") || raw == "1"
	}
	if raw := os.Getenv("BRIDGE_AUTH"); raw != "" {
		cfg.Auth.Enabled = strings.EqualFold(raw, "true") || raw == "1"
	}
}
