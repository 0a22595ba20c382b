// ABOUTME: Tests for configuration loading
// ABOUTME: Verifies YAML parsing, env expansion, duration parsing, and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "0.0.0.0:9000"
database:
  path: "/tmp/ochre-test.db"
agent:
  base_url: "https://openrouter.ai/api/v1"
  default_model: "openai/gpt-4o"
  max_tool_rounds: 4
  request_timeout: "90s"
socket:
  read_timeout: "2m"
  write_timeout: "5s"
  ping_interval: "20s"
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.HTTPAddr)
	assert.Equal(t, "/tmp/ochre-test.db", cfg.Database.Path)
	assert.Equal(t, "openai/gpt-4o", cfg.Agent.DefaultModel)
	assert.Equal(t, 4, cfg.Agent.MaxToolRounds)
	assert.Equal(t, 90*time.Second, cfg.Agent.RequestTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Socket.ReadTimeout)
	assert.Equal(t, 5*time.Second, cfg.Socket.WriteTimeout)
	assert.Equal(t, 20*time.Second, cfg.Socket.PingInterval)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "ochre.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8787", cfg.Server.HTTPAddr)
	assert.Equal(t, "openai/gpt-4o-mini", cfg.Agent.DefaultModel)
	assert.Equal(t, 8, cfg.Agent.MaxToolRounds)
	assert.Equal(t, 30*time.Second, cfg.Socket.PingInterval)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("OCHRE_TEST_KEY", "sk-or-test-123")

	path := writeConfig(t, `
database:
  path: "ochre.db"
agent:
  api_key: "${OCHRE_TEST_KEY}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-or-test-123", cfg.Agent.APIKey)
}

func TestLoad_UnsetEnvExpandsEmpty(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "ochre.db"
agent:
  api_key: "${OCHRE_DEFINITELY_NOT_SET}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Agent.APIKey)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "ochre.db"
socket:
  read_timeout: "not-a-duration"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "socket.read_timeout")
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"missing db path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"missing model", func(c *Config) { c.Agent.DefaultModel = "" }, "agent.default_model"},
		{"zero tool rounds", func(c *Config) { c.Agent.MaxToolRounds = 0 }, "max_tool_rounds"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
