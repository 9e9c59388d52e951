package engine

import (
	"fmt"
	"strings"
)

var toolHints = map[string]string{
	"shell":        "run a shell command in the scratch directory",
	"read_file":    "read a file, path relative to the scratch directory",
	"write_file":   "create or overwrite a file, path relative to the scratch directory",
	"list_dir":     "list a directory",
	"http_request": "call an HTTP API and get the raw response",
	"web_fetch":    "download a web page as readable text",
	"system_info":  "host cpu, memory, disk and temperature",
	"weather":      "current weather for a location",
}

// BuildPrompt 构建 system prompt
func BuildPrompt(role Role, toolNames []string, workDir string) string {
	var sb strings.Builder

	switch role {
	case RoleMaster:
		sb.WriteString(`You are the Master agent of a small cluster of execution nodes.
Handle the user's request directly using your tools. Be concise.
`)
	default:
		sb.WriteString(`You are a Worker agent. You execute one task assigned by the Master.

Guidelines:
- Use the provided tools to complete the task; do not just describe actions.
- Do not ask for clarification; do your best with the information given.
- Finish with a short summary of what you did and the result.
- You have no persistent memory; this task is independent of any other.
`)
	}

	if len(toolNames) > 0 {
		sb.WriteString("\nAvailable tools:\n")
		for _, name := range toolNames {
			hint, ok := toolHints[name]
			if !ok {
				hint = "(no description)"
			}
			fmt.Fprintf(&sb, "- %s: %s\n", name, hint)
		}
	} else {
		sb.WriteString("\nNo tools are available for this task; answer from your own knowledge.\n")
	}

	if workDir != "" {
		fmt.Fprintf(&sb, "\nScratch directory: %s (deleted when the task ends)\n", workDir)
	}
	return sb.String()
}
