package tools

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/BlakeLiAFK/kelemesh/internal/config"
)

// ShellTool 在任务工作目录中执行 shell 命令
type ShellTool struct {
	workDir string
	cfg     config.ToolsConfig
}

// NewShellTool 创建 shell 工具
func NewShellTool(env Env) *ShellTool {
	return &ShellTool{workDir: env.WorkDir, cfg: env.Config}
}

func (t *ShellTool) Name() string { return "shell" }

func (t *ShellTool) Description() string {
	return "Run a shell command inside the task's scratch directory and return combined stdout/stderr."
}

func (t *ShellTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "the command to run with sh -c",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return "", fmt.Errorf("缺少 command 参数")
	}
	if t.cfg.IsDangerous(command) {
		return "", fmt.Errorf("禁止执行危险命令: %s", command)
	}

	timeout := time.Duration(t.cfg.BashTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.workDir
	output, err := cmd.CombinedOutput()
	out := limitOutput(string(output), t.cfg.MaxOutputSize)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out, fmt.Errorf("command timeout (>%s)", timeout)
	}
	if err != nil {
		return out, fmt.Errorf("command failed: %w", err)
	}
	return out, nil
}

func limitOutput(s string, max int) string {
	if max <= 0 {
		max = 10240
	}
	if len(s) <= max {
		return s
	}
	return truncateUTF8(s, max) + fmt.Sprintf("\n\n... [output truncated at %d bytes]", max)
}
