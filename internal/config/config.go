// Package config loads and validates runtime configuration for conduit.
//
// Configuration comes from three layers, lowest precedence first:
// built-in defaults, a YAML (or JSON/JSON5) config file, and
// CONDUIT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/ratelimit"
)

// Config is the root configuration for the conduit runtime.
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	Logging   observability.LogConfig `yaml:"logging"`
	RateLimit ratelimit.Config        `yaml:"rate_limit"`
	Auth      AuthConfig              `yaml:"auth"`
	LLM       LLMConfig               `yaml:"llm"`
	Domains   DomainsConfig           `yaml:"domains"`
	Metrics   MetricsConfig           `yaml:"metrics"`
}

// ServerConfig controls transports and request handling.
type ServerConfig struct {
	Name           string        `yaml:"name"`
	Version        string        `yaml:"version"`
	Host           string        `yaml:"host"`
	HTTPPort       int           `yaml:"http_port"`
	WSPort         int           `yaml:"ws_port"`
	Stdio          bool          `yaml:"stdio"`
	HTTP           bool          `yaml:"http"`
	WebSocket      bool          `yaml:"websocket"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	StrictMethods  bool          `yaml:"strict_methods"`
}

// AuthConfig selects and configures the authentication provider.
type AuthConfig struct {
	// Provider is "none", "token", or "hmac".
	Provider string `yaml:"provider"`

	// Tokens maps bearer tokens to role names for the token provider.
	Tokens map[string]string `yaml:"tokens"`

	// Clients maps client ids to shared secrets for the HMAC provider.
	Clients map[string]HMACClientConfig `yaml:"clients"`
}

// HMACClientConfig is a single HMAC-authenticated client.
type HMACClientConfig struct {
	Secret string `yaml:"secret"`
	Role   string `yaml:"role"`
}

// LLMConfig configures the language model backends used by the agent.
type LLMConfig struct {
	// Provider is "ollama" or "openai".
	Provider string `yaml:"provider"`

	Ollama OllamaConfig `yaml:"ollama"`
	OpenAI OpenAIConfig `yaml:"openai"`
}

// OllamaConfig points at a local Ollama daemon.
type OllamaConfig struct {
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// OpenAIConfig configures an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// DomainsConfig enables the built-in domain servers.
type DomainsConfig struct {
	Filesystem FilesystemConfig `yaml:"filesystem"`
	Terminal   TerminalConfig   `yaml:"terminal"`
}

// FilesystemConfig confines file operations to a root directory.
type FilesystemConfig struct {
	Enabled  bool   `yaml:"enabled"`
	RootPath string `yaml:"root_path"`
}

// TerminalConfig controls command execution.
type TerminalConfig struct {
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:           "conduit",
			Version:        "1.0.0",
			Host:           "127.0.0.1",
			HTTPPort:       8080,
			WSPort:         8765,
			HTTP:           true,
			RequestTimeout: 30 * time.Second,
		},
		Logging:   observability.DefaultLogConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Auth:      AuthConfig{Provider: "none"},
		LLM: LLMConfig{
			Provider: "ollama",
			Ollama: OllamaConfig{
				BaseURL: "http://localhost:11434",
				Model:   "llama3.2",
				Timeout: 120 * time.Second,
			},
			OpenAI: OpenAIConfig{Model: "gpt-4o-mini"},
		},
		Domains: DomainsConfig{
			Filesystem: FilesystemConfig{Enabled: true, RootPath: "."},
			Terminal:   TerminalConfig{Enabled: true, Timeout: 30 * time.Second},
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load builds the effective configuration: defaults, then the file at
// path (if non-empty), then CONDUIT_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := LoadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
		loaded, err := decodeRawConfig(raw)
		if err != nil {
			return nil, err
		}
		cfg.merge(loaded)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// merge overlays non-zero values from src onto c. File values win over
// defaults; zero values in the file leave the default in place.
func (c *Config) merge(src *Config) {
	mergeString(&c.Server.Name, src.Server.Name)
	mergeString(&c.Server.Version, src.Server.Version)
	mergeString(&c.Server.Host, src.Server.Host)
	mergeInt(&c.Server.HTTPPort, src.Server.HTTPPort)
	mergeInt(&c.Server.WSPort, src.Server.WSPort)
	if src.Server.Stdio {
		c.Server.Stdio = true
	}
	if src.Server.WebSocket {
		c.Server.WebSocket = true
	}
	if src.Server.RequestTimeout > 0 {
		c.Server.RequestTimeout = src.Server.RequestTimeout
	}
	if src.Server.StrictMethods {
		c.Server.StrictMethods = true
	}

	mergeString(&c.Logging.Level, src.Logging.Level)
	mergeString(&c.Logging.Format, src.Logging.Format)
	mergeString(&c.Logging.Output, src.Logging.Output)
	if src.Logging.AddSource {
		c.Logging.AddSource = true
	}
	if len(src.Logging.RedactPatterns) > 0 {
		c.Logging.RedactPatterns = src.Logging.RedactPatterns
	}

	if src.RateLimit.RequestsPerMinute > 0 || src.RateLimit.BurstCapacity > 0 {
		c.RateLimit = src.RateLimit
	}

	mergeString(&c.Auth.Provider, src.Auth.Provider)
	if len(src.Auth.Tokens) > 0 {
		c.Auth.Tokens = src.Auth.Tokens
	}
	if len(src.Auth.Clients) > 0 {
		c.Auth.Clients = src.Auth.Clients
	}

	mergeString(&c.LLM.Provider, src.LLM.Provider)
	mergeString(&c.LLM.Ollama.BaseURL, src.LLM.Ollama.BaseURL)
	mergeString(&c.LLM.Ollama.Model, src.LLM.Ollama.Model)
	if src.LLM.Ollama.Timeout > 0 {
		c.LLM.Ollama.Timeout = src.LLM.Ollama.Timeout
	}
	mergeString(&c.LLM.OpenAI.BaseURL, src.LLM.OpenAI.BaseURL)
	mergeString(&c.LLM.OpenAI.APIKey, src.LLM.OpenAI.APIKey)
	mergeString(&c.LLM.OpenAI.Model, src.LLM.OpenAI.Model)

	mergeString(&c.Domains.Filesystem.RootPath, src.Domains.Filesystem.RootPath)
	if src.Domains.Terminal.Timeout > 0 {
		c.Domains.Terminal.Timeout = src.Domains.Terminal.Timeout
	}
	mergeString(&c.Metrics.Path, src.Metrics.Path)
}

func mergeString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

func mergeInt(dst *int, src int) {
	if src != 0 {
		*dst = src
	}
}

// applyEnv overrides individual fields from CONDUIT_* variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("CONDUIT_HOST"); v != "" {
		c.Server.Host = v
	}
	if v, ok := envInt("CONDUIT_HTTP_PORT"); ok {
		c.Server.HTTPPort = v
	}
	if v, ok := envInt("CONDUIT_WS_PORT"); ok {
		c.Server.WSPort = v
	}
	if v := os.Getenv("CONDUIT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CONDUIT_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("CONDUIT_AUTH_PROVIDER"); v != "" {
		c.Auth.Provider = v
	}
	if v := os.Getenv("CONDUIT_OLLAMA_URL"); v != "" {
		c.LLM.Ollama.BaseURL = v
	}
	if v := os.Getenv("CONDUIT_OLLAMA_MODEL"); v != "" {
		c.LLM.Ollama.Model = v
	}
	if v := os.Getenv("CONDUIT_OPENAI_API_KEY"); v != "" {
		c.LLM.OpenAI.APIKey = v
	}
	if v := os.Getenv("CONDUIT_ROOT_PATH"); v != "" {
		c.Domains.Filesystem.RootPath = v
	}
	if v := os.Getenv("CONDUIT_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Server.RequestTimeout = d
		}
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if !c.Server.Stdio && !c.Server.HTTP && !c.Server.WebSocket {
		return fmt.Errorf("at least one transport must be enabled")
	}
	if c.Server.HTTP && (c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("http_port %d out of range", c.Server.HTTPPort)
	}
	if c.Server.WebSocket && (c.Server.WSPort < 1 || c.Server.WSPort > 65535) {
		return fmt.Errorf("ws_port %d out of range", c.Server.WSPort)
	}
	if c.Server.HTTP && c.Server.WebSocket && c.Server.HTTPPort == c.Server.WSPort {
		return fmt.Errorf("http_port and ws_port must differ")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	switch strings.ToLower(c.Auth.Provider) {
	case "", "none", "token", "hmac":
	default:
		return fmt.Errorf("unknown auth provider %q", c.Auth.Provider)
	}
	switch strings.ToLower(c.LLM.Provider) {
	case "", "ollama", "openai":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	return nil
}
