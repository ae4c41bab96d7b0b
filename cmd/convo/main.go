// Command convo runs the conversational agent server.
//
// Usage:
//
//	convo serve --config config.yaml
//	convo serve --log-level debug
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/convo-dev/convo/pkg/config"
	"github.com/convo-dev/convo/pkg/driver"
	"github.com/convo-dev/convo/pkg/knowledge"
	"github.com/convo-dev/convo/pkg/llms"
	"github.com/convo-dev/convo/pkg/logger"
	"github.com/convo-dev/convo/pkg/orchestrator"
	"github.com/convo-dev/convo/pkg/server"
	"github.com/convo-dev/convo/pkg/session"
	"github.com/convo-dev/convo/pkg/tools"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the chat server."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (text or json)." default:"text"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("convo version %s\n", version)
	return nil
}

// ServeCmd starts the chat server.
type ServeCmd struct {
	Port int `help:"Port to listen on (overrides config)." default:"0"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	// Config logging settings apply unless CLI flags override them
	level := cfg.Logging.Level
	if cli.LogLevel != "info" {
		level = cli.LogLevel
	}
	format := cfg.Logging.Format
	if cli.LogFormat != "text" {
		format = cli.LogFormat
	}
	logger.Init(logger.ParseLevel(level), os.Stderr, format)

	store := session.InMemoryStore()

	var index knowledge.Index
	if cfg.Knowledge.Enabled {
		idx, err := knowledge.NewChromemIndex(knowledge.Options{
			PersistPath:  cfg.Knowledge.PersistPath,
			Compress:     cfg.Knowledge.Compress,
			Collection:   cfg.Knowledge.Collection,
			MinRelevance: cfg.Knowledge.MinRelevance,
		})
		if err != nil {
			return fmt.Errorf("failed to create knowledge index: %w", err)
		}
		index = idx
		slog.Info("Knowledge index enabled",
			"collection", cfg.Knowledge.Collection,
			"persist_path", cfg.Knowledge.PersistPath)
	}

	provider := buildProvider(cfg)
	slog.Info("LLM provider ready", "provider", provider.Name(), "model", cfg.LLM.Model)

	registry := tools.NewRegistry(tools.WithInvokeTimeout(cfg.Tools.InvokeTimeout.Duration()))
	defer registry.Close()

	if cfg.Tools.CommandEnabled {
		if err := registry.Register(tools.NewCommandTool(cfg.Tools.Command)); err != nil {
			return fmt.Errorf("failed to register command tool: %w", err)
		}
	}
	for _, mcpCfg := range cfg.Tools.MCPServers {
		source, err := tools.NewMCPSource(mcpCfg)
		if err != nil {
			return fmt.Errorf("invalid mcp server %q: %w", mcpCfg.Name, err)
		}
		// A server that fails to start should not take the whole process
		// down with it.
		if err := registry.RegisterSource(ctx, source); err != nil {
			slog.Warn("Skipping MCP server", "name", mcpCfg.Name, "error", err)
		}
	}
	slog.Info("Tool registry ready", "tools", len(registry.List()))

	d := driver.New(provider, registry, driver.Config{
		MaxIterations: cfg.Orchestrator.MaxIterations,
	})
	orch := orchestrator.New(store, index, d, orchestrator.Config{
		SystemPrompt:       cfg.Orchestrator.SystemPrompt,
		RetrievalTopK:      retrievalTopK(cfg),
		ContextTokenBudget: cfg.Orchestrator.ContextTokenBudget,
	})

	srv := server.New(server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration(),
	}, orch, store, index, registry)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	slog.Info("Server stopped")
	return nil
}

func buildProvider(cfg *config.Config) llms.Provider {
	if cfg.LLM.Provider == "openai" {
		return llms.NewOpenAIProvider(llms.OpenAIConfig{
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			APIKey:      cfg.LLM.APIKey,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLM.Timeout.Duration(),
			MaxRetries:  cfg.LLM.MaxRetries,
		})
	}
	return llms.NewScriptedProvider()
}

func retrievalTopK(cfg *config.Config) int {
	if !cfg.Knowledge.Enabled {
		return 0
	}
	return cfg.Knowledge.TopK
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("convo"),
		kong.Description("convo - conversational agent server with tools and retrieval"),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
