// Package config loads voxctl's configuration: connection-manager tuning,
// per-provider transport/endpoint declarations, session timeouts, and LLM
// credentials. It reuses the teacher's $include/env-expand/strict-decode
// loader (loader.go) unchanged and narrows the top-level Config struct to
// what this orchestrator actually needs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration structure for voxctl.
type Config struct {
	Version    int              `yaml:"version"`
	Server     ServerConfig     `yaml:"server"`
	Connection ConnectionConfig `yaml:"connection"`
	Session    SessionConfig    `yaml:"session"`
	LLM        LLMConfig        `yaml:"llm"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the HTTP gateway (§6).
type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// ConnectionConfig tunes the Connection Manager (C5, §4.4/§6 env vars).
type ConnectionConfig struct {
	PingIntervalMS       int `yaml:"ping_interval_ms"`
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	ReconnectBackoffMS   int `yaml:"reconnect_backoff_ms"`
}

// SessionConfig tunes the Conversation Store (C6, §4.5).
type SessionConfig struct {
	IdleTimeoutMS int    `yaml:"idle_timeout_ms"`
	PostgresDSN   string `yaml:"postgres_dsn"` // optional durable backend; empty means in-memory only
}

// LoggingConfig configures the ambient slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// LLMConfig configures the Planner's Anthropic client (C8).
type LLMConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// ProviderConfig declares one MCP tool provider's transport. Transport
// "local" dispatches in-process via a registered Backend; "remote" dials
// endpoint as a JSON-RPC+SSE session (§4.3).
type ProviderConfig struct {
	Transport string `yaml:"transport"` // "local" or "remote"
	Endpoint  string `yaml:"endpoint"`  // required when Transport == "remote"
}

// Default returns the zero-value configuration with every documented
// default from §6 applied.
func Default() Config {
	return Config{
		Version: CurrentVersion,
		Server: ServerConfig{
			Host:        "0.0.0.0",
			HTTPPort:    8080,
			MetricsPort: 9090,
		},
		Connection: ConnectionConfig{
			PingIntervalMS:       30000,
			MaxReconnectAttempts: 3,
			ReconnectBackoffMS:   1000,
		},
		Session: SessionConfig{
			IdleTimeoutMS: 900000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path (resolving $include directives and expanding
// environment variables), decodes it over Default() with unknown-field
// rejection, applies the §6 environment-variable overrides, and validates
// the result.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	decoded, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	mergeDecoded(&cfg, decoded)

	applyEnvOverrides(&cfg)
	loadProviderEndpointsFromEnv(&cfg)

	if err := ValidateVersion(cfg.Version); err != nil {
		// A missing version in the file is expected (we default it);
		// only a version the file explicitly set wrong is fatal.
		if decoded.Version != 0 {
			return nil, err
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeDecoded overlays every field the file actually set onto defaults.
// Because decodeRawConfig decodes into a zero-value *Config, an absent
// section in the file is indistinguishable from an explicit zero value;
// this is an accepted simplification since every field here has a sensible zero
// behavior (e.g. an unset provider map just yields no providers).
func mergeDecoded(dst, src *Config) {
	if src.Version != 0 {
		dst.Version = src.Version
	}
	if src.Server.Host != "" {
		dst.Server.Host = src.Server.Host
	}
	if src.Server.HTTPPort != 0 {
		dst.Server.HTTPPort = src.Server.HTTPPort
	}
	if src.Server.MetricsPort != 0 {
		dst.Server.MetricsPort = src.Server.MetricsPort
	}
	if src.Connection.PingIntervalMS != 0 {
		dst.Connection.PingIntervalMS = src.Connection.PingIntervalMS
	}
	if src.Connection.MaxReconnectAttempts != 0 {
		dst.Connection.MaxReconnectAttempts = src.Connection.MaxReconnectAttempts
	}
	if src.Connection.ReconnectBackoffMS != 0 {
		dst.Connection.ReconnectBackoffMS = src.Connection.ReconnectBackoffMS
	}
	if src.Session.IdleTimeoutMS != 0 {
		dst.Session.IdleTimeoutMS = src.Session.IdleTimeoutMS
	}
	if src.Session.PostgresDSN != "" {
		dst.Session.PostgresDSN = src.Session.PostgresDSN
	}
	if src.LLM.APIKey != "" {
		dst.LLM.APIKey = src.LLM.APIKey
	}
	if src.LLM.Model != "" {
		dst.LLM.Model = src.LLM.Model
	}
	if src.Logging.Level != "" {
		dst.Logging.Level = src.Logging.Level
	}
	if src.Logging.Format != "" {
		dst.Logging.Format = src.Logging.Format
	}
	if len(src.Providers) > 0 {
		if dst.Providers == nil {
			dst.Providers = make(map[string]ProviderConfig, len(src.Providers))
		}
		for name, p := range src.Providers {
			dst.Providers[name] = p
		}
	}
}

// applyEnvOverrides implements the §6 environment-variable table.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MCP_PING_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Connection.PingIntervalMS = n
		}
	}
	if v := os.Getenv("MCP_MAX_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Connection.MaxReconnectAttempts = n
		}
	}
	if v := os.Getenv("MCP_RECONNECT_BACKOFF_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Connection.ReconnectBackoffMS = n
		}
	}
	if v := os.Getenv("SESSION_IDLE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.IdleTimeoutMS = n
		}
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
}

// loadProviderEndpointsFromEnv scans the process environment for
// MCP_<PROVIDER>_ENDPOINT variables and installs/overrides a remote
// ProviderConfig for each, per §6.
func loadProviderEndpointsFromEnv(cfg *Config) {
	const prefix = "MCP_"
	const suffix = "_ENDPOINT"

	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || v == "" {
			continue
		}
		if !strings.HasPrefix(k, prefix) || !strings.HasSuffix(k, suffix) {
			continue
		}
		provider := strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(k, prefix), suffix))
		if provider == "" {
			continue
		}
		if cfg.Providers == nil {
			cfg.Providers = make(map[string]ProviderConfig)
		}
		cfg.Providers[provider] = ProviderConfig{Transport: "remote", Endpoint: v}
	}
}

// PingInterval projects the Connection Manager's health-ticker period
// (§6 MCP_PING_INTERVAL_MS).
func (c Config) PingInterval() time.Duration {
	return time.Duration(c.Connection.PingIntervalMS) * time.Millisecond
}

// ReconnectBackoff projects the Connection Manager's reconnect-backoff base
// duration (§6 MCP_RECONNECT_BACKOFF_MS).
func (c Config) ReconnectBackoff() time.Duration {
	return time.Duration(c.Connection.ReconnectBackoffMS) * time.Millisecond
}

// IdleTimeout projects the Conversation Store's idle-timeout duration.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.Session.IdleTimeoutMS) * time.Millisecond
}

func validate(cfg *Config) error {
	var issues []string

	for name, p := range cfg.Providers {
		switch p.Transport {
		case "local", "remote":
		case "":
			issues = append(issues, fmt.Sprintf("providers.%s.transport is required", name))
		default:
			issues = append(issues, fmt.Sprintf("providers.%s.transport must be local or remote, got %q", name, p.Transport))
		}
		if p.Transport == "remote" && strings.TrimSpace(p.Endpoint) == "" {
			issues = append(issues, fmt.Sprintf("providers.%s.endpoint is required for remote transport", name))
		}
	}

	if cfg.Connection.MaxReconnectAttempts < 0 {
		issues = append(issues, "connection.max_reconnect_attempts must be >= 0")
	}
	if cfg.Session.IdleTimeoutMS <= 0 {
		issues = append(issues, "session.idle_timeout_ms must be > 0")
	}

	if len(issues) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(issues, "; "))
	}
	return nil
}
