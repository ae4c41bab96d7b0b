package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

const mcpProtocolVersion = "2024-11-05"

// MCPConfig configures a stdio MCP server connection.
type MCPConfig struct {
	// Name identifies this server in logs and config.
	Name string `yaml:"name"`

	// Command is the executable that speaks MCP over stdio.
	Command string `yaml:"command"`

	// Args for the command.
	Args []string `yaml:"args"`

	// Env for the subprocess.
	Env map[string]string `yaml:"env"`

	// Filter limits which advertised tools are exposed.
	Filter []string `yaml:"filter"`
}

// MCPSource connects to an MCP server subprocess over stdio and exposes its
// advertised tools. Transport failures during a call surface as
// ErrToolUnreachable so the registry can disable the affected tool.
type MCPSource struct {
	cfg       MCPConfig
	filterSet map[string]bool

	mu     sync.Mutex
	client *client.Client
	tools  []Tool
}

func NewMCPSource(cfg MCPConfig) (*MCPSource, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcp server %q: command is required", cfg.Name)
	}

	var filterSet map[string]bool
	if len(cfg.Filter) > 0 {
		filterSet = make(map[string]bool, len(cfg.Filter))
		for _, name := range cfg.Filter {
			filterSet[name] = true
		}
	}

	return &MCPSource{cfg: cfg, filterSet: filterSet}, nil
}

func (s *MCPSource) Name() string {
	return s.cfg.Name
}

// Connect spawns the server subprocess, performs the MCP handshake, and
// discovers the advertised tools.
func (s *MCPSource) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return nil
	}

	mcpClient, err := client.NewStdioMCPClient(
		s.cfg.Command,
		convertEnv(s.cfg.Env),
		s.cfg.Args...,
	)
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "convo",
		Version: "0.1.0",
	}
	initReq.Params.ProtocolVersion = mcpProtocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to list tools: %w", err)
	}

	var discovered []Tool
	for _, advertised := range listResp.Tools {
		if s.filterSet != nil && !s.filterSet[advertised.Name] {
			continue
		}
		discovered = append(discovered, &mcpTool{
			source: s,
			info: ToolInfo{
				Name:        advertised.Name,
				Description: advertised.Description,
				InputSchema: convertSchema(advertised.InputSchema),
			},
		})
	}

	s.client = mcpClient
	s.tools = discovered

	slog.Info("Connected to MCP server",
		"name", s.cfg.Name,
		"command", s.cfg.Command,
		"tools", len(discovered),
	)
	return nil
}

// Tools returns the tools discovered during Connect.
func (s *MCPSource) Tools() []Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tools
}

func (s *MCPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// mcpTool is a single tool advertised by an MCP server.
type mcpTool struct {
	source *MCPSource
	info   ToolInfo
}

func (t *mcpTool) Info() ToolInfo {
	return t.info
}

func (t *mcpTool) Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error) {
	t.source.mu.Lock()
	mcpClient := t.source.client
	t.source.mu.Unlock()

	if mcpClient == nil {
		return ToolResult{Success: false, Error: "MCP client not connected"},
			fmt.Errorf("%w: %q is not connected", ErrToolUnreachable, t.source.Name())
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = t.info.Name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ToolResult{Success: false, Error: err.Error()}, ctx.Err()
		}
		return ToolResult{Success: false, Error: err.Error()},
			fmt.Errorf("%w: MCP call to %q failed: %v", ErrToolUnreachable, t.info.Name, err)
	}

	if resp.IsError {
		errText := "unknown error"
		for _, content := range resp.Content {
			if textContent, ok := content.(mcp.TextContent); ok {
				errText = textContent.Text
				break
			}
		}
		return ToolResult{Success: false, Error: errText}, nil
	}

	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}

	return ToolResult{Success: true, Output: strings.Join(texts, "\n")}, nil
}

// convertSchema converts an MCP input schema to a plain map.
func convertSchema(schema mcp.ToolInputSchema) map[string]interface{} {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// convertEnv converts an env map to "KEY=VALUE" pairs.
func convertEnv(env map[string]string) []string {
	result := make([]string, 0, len(env))
	for key, value := range env {
		result = append(result, fmt.Sprintf("%s=%s", key, value))
	}
	return result
}

var (
	_ ToolSource = (*MCPSource)(nil)
	_ Tool       = (*mcpTool)(nil)
)
