package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/utils"
)

// denyPatterns blocks obviously destructive commands. Best effort, not
// a sandbox.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\bdel\s+/[fq]\b`),
	regexp.MustCompile(`\brmdir\s+/s\b`),
	regexp.MustCompile(`\b(format|mkfs|diskpart)\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
}

type ExecTool struct {
	timeout    time.Duration
	workingDir string
	restrict   bool
}

func NewExecTool(workingDir string, restrict bool) *ExecTool {
	return &ExecTool{
		timeout:    60 * time.Second,
		workingDir: workingDir,
		restrict:   restrict,
	}
}

func (t *ExecTool) Name() string {
	return "exec"
}

func (t *ExecTool) Description() string {
	return "Execute a shell command and return its output. Use with caution."
}

func (t *ExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"working_dir": map[string]interface{}{
				"type":        "string",
				"description": "Optional working directory for the command",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	command, ok := args["command"].(string)
	if !ok || strings.TrimSpace(command) == "" {
		return ErrorResult("command is required")
	}

	cwd := t.workingDir
	if wd, ok := args["working_dir"].(string); ok && wd != "" {
		cwd = wd
	}

	if msg := guardCommand(command, t.restrict); msg != "" {
		return ErrorResult(msg)
	}

	execCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = cwd
	// Don't hang in Wait if the shell exits but a child keeps the
	// pipes open. Only the shell itself is killed on timeout.
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if execCtx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("Error: Command timed out after %d seconds", int(t.timeout.Seconds())))
	}

	var parts []string
	if stdout.Len() > 0 {
		parts = append(parts, stdout.String())
	}
	if s := strings.TrimSpace(stderr.String()); s != "" {
		parts = append(parts, "STDERR:\n"+stderr.String())
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			parts = append(parts, fmt.Sprintf("\nExit code: %d", exitErr.ExitCode()))
		} else {
			return ErrorResult(fmt.Sprintf("Error executing command: %v", err))
		}
	}

	result := "(no output)"
	if len(parts) > 0 {
		result = strings.Join(parts, "\n")
	}
	return NewToolResult(utils.Truncate(result, 10000))
}

// guardCommand returns a refusal message for dangerous commands, empty
// when the command may run.
func guardCommand(command string, restrict bool) string {
	lower := strings.ToLower(strings.TrimSpace(command))

	for _, pattern := range denyPatterns {
		if pattern.MatchString(lower) {
			return "Error: Command blocked by safety guard (dangerous pattern detected)"
		}
	}

	if restrict {
		if strings.Contains(command, "../") || strings.Contains(command, `..\`) {
			return "Error: Command blocked by safety guard (path traversal detected)"
		}
	}

	return ""
}
