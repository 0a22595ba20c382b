// ABOUTME: Configuration loading and parsing for ochre-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete ochre-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Agent    AgentConfig    `yaml:"agent"`
	Socket   SocketConfig   `yaml:"socket"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// APIKey, when set, must be presented in the hello frame before a
	// websocket connection is accepted. Empty disables the check.
	APIKey string `yaml:"api_key"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentConfig holds agent runner configuration
type AgentConfig struct {
	// BaseURL is the OpenAI-compatible chat completions endpoint base,
	// e.g. "https://openrouter.ai/api/v1"
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// DefaultModel is used when a submission does not name a model
	DefaultModel string `yaml:"default_model"`
	// MaxToolRounds bounds the streaming tool loop per run
	MaxToolRounds int `yaml:"max_tool_rounds"`

	RequestTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// SocketConfig holds websocket tuning for the transport adapter
type SocketConfig struct {
	MaxMessageSize int64 `yaml:"max_message_size"`

	ReadTimeout  time.Duration `yaml:"-"`
	WriteTimeout time.Duration `yaml:"-"`
	PingInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ReadTimeoutRaw  string `yaml:"read_timeout"`
	WriteTimeoutRaw string `yaml:"write_timeout"`
	PingIntervalRaw string `yaml:"ping_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with sensible local-use defaults applied.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: "127.0.0.1:8787"},
		Database: DatabaseConfig{Path: "data/ochre.db"},
		Agent: AgentConfig{
			BaseURL:        "https://openrouter.ai/api/v1",
			DefaultModel:   "openai/gpt-4o-mini",
			MaxToolRounds:  8,
			RequestTimeout: 120 * time.Second,
		},
		Socket: SocketConfig{
			MaxMessageSize: 1 << 20,
			ReadTimeout:    90 * time.Second,
			WriteTimeout:   10 * time.Second,
			PingInterval:   30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with environment variable values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// Validate checks the configuration for required fields and consistency.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Agent.DefaultModel == "" {
		return fmt.Errorf("agent.default_model is required")
	}
	if c.Agent.MaxToolRounds < 1 {
		return fmt.Errorf("agent.max_tool_rounds must be at least 1")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}
	return nil
}

// parseDurations converts raw duration strings into time.Duration fields,
// leaving defaults in place when the raw value is empty.
func parseDurations(cfg *Config) error {
	parse := func(raw string, dst *time.Duration, field string) error {
		if raw == "" {
			return nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", field, err)
		}
		*dst = d
		return nil
	}

	if err := parse(cfg.Agent.RequestTimeoutRaw, &cfg.Agent.RequestTimeout, "agent.request_timeout"); err != nil {
		return err
	}
	if err := parse(cfg.Socket.ReadTimeoutRaw, &cfg.Socket.ReadTimeout, "socket.read_timeout"); err != nil {
		return err
	}
	if err := parse(cfg.Socket.WriteTimeoutRaw, &cfg.Socket.WriteTimeout, "socket.write_timeout"); err != nil {
		return err
	}
	if err := parse(cfg.Socket.PingIntervalRaw, &cfg.Socket.PingInterval, "socket.ping_interval"); err != nil {
		return err
	}
	return nil
}
