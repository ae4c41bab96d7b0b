package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// DefaultAllowedCommands is the base-command allowlist applied when the
// configuration does not provide one.
var DefaultAllowedCommands = []string{
	"ls", "cat", "head", "tail", "wc", "pwd", "echo", "date",
	"grep", "find", "sort", "uniq", "which", "uname", "df", "du",
}

// CommandConfig configures the privileged shell tool.
type CommandConfig struct {
	AllowedCommands []string `yaml:"allowed_commands"`
	DeniedPatterns  []string `yaml:"denied_patterns"`
	WorkingDir      string   `yaml:"working_dir"`
}

// CommandTool executes shell commands through `sh -c`, restricted to an
// allowlist of base commands and a deny-list of argument substrings.
type CommandTool struct {
	config CommandConfig
}

type commandArgs struct {
	Command    string `json:"command" jsonschema:"description=Shell command to execute"`
	WorkingDir string `json:"working_dir,omitempty" jsonschema:"description=Directory to run the command in"`
}

func NewCommandTool(config CommandConfig) *CommandTool {
	if len(config.AllowedCommands) == 0 {
		config.AllowedCommands = DefaultAllowedCommands
	}
	return &CommandTool{config: config}
}

func (t *CommandTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "execute_command",
		Description: "Execute a shell command and return its combined output and exit code",
		InputSchema: reflectSchema(&commandArgs{}),
	}
}

func (t *CommandTool) Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error) {
	command, _ := args["command"].(string)
	command = strings.TrimSpace(command)
	if command == "" {
		return ToolResult{Success: false, Error: "command must not be empty"},
			fmt.Errorf("%w: command must not be empty", ErrInvalidToolArguments)
	}

	if err := t.validateCommand(command); err != nil {
		return ToolResult{Success: false, Error: err.Error()}, err
	}

	workingDir := t.config.WorkingDir
	if dir, ok := args["working_dir"].(string); ok && dir != "" {
		workingDir = dir
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if workingDir != "" {
		cmd.Dir = workingDir
	}

	output, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		// The process was killed by the deadline; report the timeout, not
		// the kill signal.
		return ToolResult{Success: false, Output: string(output), Error: ctx.Err().Error()}, ctx.Err()
	}
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return ToolResult{Success: false, Output: string(output), Error: err.Error()},
				fmt.Errorf("command failed to start: %w", err)
		}
	}

	result := ToolResult{
		Success: exitCode == 0,
		Output:  string(output),
		Metadata: map[string]interface{}{
			"exit_code": exitCode,
			"command":   command,
		},
	}
	if exitCode != 0 {
		result.Error = fmt.Sprintf("command exited with code %d", exitCode)
	}
	return result, nil
}

func (t *CommandTool) validateCommand(command string) error {
	for _, pattern := range t.config.DeniedPatterns {
		if pattern != "" && strings.Contains(command, pattern) {
			return fmt.Errorf("%w: command contains denied pattern %q", ErrInvalidToolArguments, pattern)
		}
	}

	base := extractBaseCommand(command)
	if !t.isCommandAllowed(base) {
		return fmt.Errorf("%w: command %q is not allowed", ErrInvalidToolArguments, base)
	}
	return nil
}

// extractBaseCommand returns the leading program name, cutting at shell
// metacharacters. Pipe and redirect targets are policed by the deny-list
// patterns rather than the allowlist.
func extractBaseCommand(command string) string {
	command = strings.TrimSpace(command)
	for _, sep := range []string{"|", ">", "<", ";", "&"} {
		if idx := strings.Index(command, sep); idx != -1 {
			command = command[:idx]
		}
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func (t *CommandTool) isCommandAllowed(base string) bool {
	for _, allowed := range t.config.AllowedCommands {
		if base == allowed {
			return true
		}
	}
	return false
}

var _ Tool = (*CommandTool)(nil)
