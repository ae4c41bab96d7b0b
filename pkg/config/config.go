// Package config loads and validates the server configuration from YAML,
// with environment variable expansion and .env support.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/convo-dev/convo/pkg/tools"
)

// Config is the root configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	LLM          LLMConfig          `yaml:"llm"`
	Knowledge    KnowledgeConfig    `yaml:"knowledge"`
	Tools        ToolsConfig        `yaml:"tools"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout Duration      `yaml:"shutdown_timeout"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = Duration(10 * time.Second)
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Port)
	}
	return nil
}

type LLMConfig struct {
	// Provider is "openai" or "scripted". The scripted provider needs no
	// API key and echoes input; it is the default when no key is set.
	Provider    string        `yaml:"provider"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     Duration      `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

func (c *LLMConfig) SetDefaults() {
	if c.APIKey == "" {
		c.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Provider == "" {
		if c.APIKey != "" {
			c.Provider = "openai"
		} else {
			c.Provider = "scripted"
		}
	}
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
}

func (c *LLMConfig) Validate() error {
	switch c.Provider {
	case "openai", "scripted":
	default:
		return fmt.Errorf("unknown llm provider %q", c.Provider)
	}
	if c.Provider == "openai" && c.APIKey == "" {
		return fmt.Errorf("llm provider %q requires an api key", c.Provider)
	}
	return nil
}

type KnowledgeConfig struct {
	Enabled      bool    `yaml:"enabled"`
	PersistPath  string  `yaml:"persist_path"`
	Compress     bool    `yaml:"compress"`
	Collection   string  `yaml:"collection"`
	MinRelevance float32 `yaml:"min_relevance"`
	TopK         int     `yaml:"top_k"`
}

func (c *KnowledgeConfig) SetDefaults() {
	if c.Collection == "" {
		c.Collection = "knowledge"
	}
	if c.MinRelevance == 0 {
		c.MinRelevance = 0.3
	}
	if c.TopK == 0 {
		c.TopK = 3
	}
}

func (c *KnowledgeConfig) Validate() error {
	if c.MinRelevance < 0 || c.MinRelevance > 1 {
		return fmt.Errorf("knowledge min_relevance must be in [0,1], got %v", c.MinRelevance)
	}
	if c.TopK < 1 {
		return fmt.Errorf("knowledge top_k must be positive, got %d", c.TopK)
	}
	return nil
}

type ToolsConfig struct {
	// Command enables the privileged shell tool. Off unless opted in.
	CommandEnabled bool                `yaml:"command_enabled"`
	Command        tools.CommandConfig `yaml:"command"`

	MCPServers []tools.MCPConfig `yaml:"mcp_servers"`

	InvokeTimeout Duration `yaml:"invoke_timeout"`
}

func (c *ToolsConfig) SetDefaults() {
	if c.InvokeTimeout == 0 {
		c.InvokeTimeout = Duration(tools.DefaultInvokeTimeout)
	}
}

func (c *ToolsConfig) Validate() error {
	seen := make(map[string]bool)
	for _, server := range c.MCPServers {
		if server.Name == "" {
			return fmt.Errorf("mcp server entries require a name")
		}
		if server.Command == "" {
			return fmt.Errorf("mcp server %q requires a command", server.Name)
		}
		if seen[server.Name] {
			return fmt.Errorf("duplicate mcp server name %q", server.Name)
		}
		seen[server.Name] = true
	}
	return nil
}

type OrchestratorConfig struct {
	SystemPrompt       string `yaml:"system_prompt"`
	MaxIterations      int    `yaml:"max_iterations"`
	ContextTokenBudget int    `yaml:"context_token_budget"`
}

func (c *OrchestratorConfig) SetDefaults() {
	if c.SystemPrompt == "" {
		c.SystemPrompt = "You are a helpful assistant. Use the available tools when they help answer the user."
	}
}

func (c *OrchestratorConfig) Validate() error {
	if c.MaxIterations < 0 {
		return fmt.Errorf("orchestrator max_iterations must not be negative")
	}
	if c.ContextTokenBudget < 0 {
		return fmt.Errorf("orchestrator context_token_budget must not be negative")
	}
	return nil
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

func (c *LoggingConfig) Validate() error {
	switch c.Format {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("logging format must be text or json, got %q", c.Format)
	}
}

// SetDefaults fills zero values across all sections.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.LLM.SetDefaults()
	c.Knowledge.SetDefaults()
	c.Tools.SetDefaults()
	c.Orchestrator.SetDefaults()
	c.Logging.SetDefaults()
}

// Validate checks all sections.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Knowledge.Validate(); err != nil {
		return err
	}
	if err := c.Tools.Validate(); err != nil {
		return err
	}
	if err := c.Orchestrator.Validate(); err != nil {
		return err
	}
	return c.Logging.Validate()
}

// Load reads the configuration file, expanding ${VAR} references from the
// environment (a .env file next to the process is honored). An empty path
// yields the defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
