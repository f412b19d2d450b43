package tools

import (
	"context"
	"strings"
	"testing"
)

func TestExecToolRunsCommand(t *testing.T) {
	tool := NewExecTool(t.TempDir(), false)
	result := tool.Execute(context.Background(), map[string]interface{}{
		"command": "echo hello",
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.ForLLM)
	}
	if !strings.Contains(result.ForLLM, "hello") {
		t.Errorf("expected output to contain hello, got %q", result.ForLLM)
	}
}

func TestExecToolReportsExitCode(t *testing.T) {
	tool := NewExecTool(t.TempDir(), false)
	result := tool.Execute(context.Background(), map[string]interface{}{
		"command": "exit 3",
	})
	if !strings.Contains(result.ForLLM, "Exit code: 3") {
		t.Errorf("expected exit code in output, got %q", result.ForLLM)
	}
}

func TestExecToolBlocksDangerousCommands(t *testing.T) {
	tool := NewExecTool(t.TempDir(), false)
	dangerous := []string{
		"rm -rf /",
		"sudo rm -r /home",
		"dd if=/dev/zero of=/dev/sda",
		"mkfs.ext4 /dev/sda1",
		"shutdown now",
		":(){ :|:& };:",
	}
	for _, cmd := range dangerous {
		result := tool.Execute(context.Background(), map[string]interface{}{
			"command": cmd,
		})
		if !result.IsError {
			t.Errorf("command %q should be blocked", cmd)
		}
		if !strings.Contains(result.ForLLM, "safety guard") {
			t.Errorf("command %q: expected guard message, got %q", cmd, result.ForLLM)
		}
	}
}

func TestExecToolBlocksTraversalWhenRestricted(t *testing.T) {
	tool := NewExecTool(t.TempDir(), true)
	result := tool.Execute(context.Background(), map[string]interface{}{
		"command": "cat ../../etc/passwd",
	})
	if !result.IsError {
		t.Error("path traversal should be blocked when restricted")
	}
}

func TestExecToolRequiresCommand(t *testing.T) {
	tool := NewExecTool(t.TempDir(), false)
	result := tool.Execute(context.Background(), map[string]interface{}{})
	if !result.IsError {
		t.Error("missing command should be an error")
	}
}
