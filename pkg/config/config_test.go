package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convo-dev/convo/pkg/tools"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "knowledge", cfg.Knowledge.Collection)
	assert.Equal(t, float32(0.3), cfg.Knowledge.MinRelevance)
	assert.Equal(t, 3, cfg.Knowledge.TopK)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NotEmpty(t, cfg.Orchestrator.SystemPrompt)
	assert.False(t, cfg.Tools.CommandEnabled)
}

func TestLoadFromFileWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_CONVO_KEY", "sk-test-123")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9090
llm:
  provider: openai
  api_key: ${TEST_CONVO_KEY}
  model: gpt-4o
tools:
  command_enabled: true
  command:
    allowed_commands: [ls, echo]
  mcp_servers:
    - name: weather
      command: ./weather-mcp
  invoke_timeout: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sk-test-123", cfg.LLM.APIKey)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.True(t, cfg.Tools.CommandEnabled)
	assert.Equal(t, []string{"ls", "echo"}, cfg.Tools.Command.AllowedCommands)
	require.Len(t, cfg.Tools.MCPServers, 1)
	assert.Equal(t, "weather", cfg.Tools.MCPServers[0].Name)
	assert.Equal(t, 5*time.Second, cfg.Tools.InvokeTimeout.Duration())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 99999 }},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "mystery" }},
		{"openai without key", func(c *Config) { c.LLM.Provider = "openai"; c.LLM.APIKey = "" }},
		{"bad relevance", func(c *Config) { c.Knowledge.MinRelevance = 1.5 }},
		{"mcp server without name", func(c *Config) {
			c.Tools.MCPServers = []tools.MCPConfig{{Command: "./weather-mcp"}}
		}},
		{"mcp server without command", func(c *Config) {
			c.Tools.MCPServers = []tools.MCPConfig{{Name: "weather"}}
		}},
		{"duplicate mcp server", func(c *Config) {
			c.Tools.MCPServers = []tools.MCPConfig{
				{Name: "weather", Command: "./weather-mcp"},
				{Name: "weather", Command: "./other"},
			}
		}},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.SetDefaults()
			cfg.LLM.APIKey = "sk-test"
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
