package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteThenReadFile(t *testing.T) {
	ws := t.TempDir()
	write := NewWriteFileTool(ws, true)
	read := NewReadFileTool(ws, true)

	result := write.Execute(context.Background(), map[string]interface{}{
		"path":    "notes/hello.txt",
		"content": "hello world",
	})
	if result.IsError {
		t.Fatalf("write failed: %s", result.ForLLM)
	}

	result = read.Execute(context.Background(), map[string]interface{}{
		"path": "notes/hello.txt",
	})
	if result.IsError {
		t.Fatalf("read failed: %s", result.ForLLM)
	}
	if result.ForLLM != "hello world" {
		t.Errorf("read content = %q", result.ForLLM)
	}
}

func TestReadFileRejectsEscape(t *testing.T) {
	ws := t.TempDir()
	read := NewReadFileTool(ws, true)

	result := read.Execute(context.Background(), map[string]interface{}{
		"path": "../outside.txt",
	})
	if !result.IsError {
		t.Error("path escaping the workspace should be rejected")
	}
}

func TestEditFileReplacesUniqueFragment(t *testing.T) {
	ws := t.TempDir()
	path := filepath.Join(ws, "config.txt")
	if err := os.WriteFile(path, []byte("mode = slow\nretries = 3\n"), 0644); err != nil {
		t.Fatal(err)
	}

	edit := NewEditFileTool(ws, true)
	result := edit.Execute(context.Background(), map[string]interface{}{
		"path":     "config.txt",
		"old_text": "mode = slow",
		"new_text": "mode = fast",
	})
	if result.IsError {
		t.Fatalf("edit failed: %s", result.ForLLM)
	}

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "mode = fast") {
		t.Errorf("edit not applied: %q", string(data))
	}
}

func TestEditFileRejectsAmbiguousFragment(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "a.txt"), []byte("x\nx\n"), 0644); err != nil {
		t.Fatal(err)
	}

	edit := NewEditFileTool(ws, true)
	result := edit.Execute(context.Background(), map[string]interface{}{
		"path":     "a.txt",
		"old_text": "x",
		"new_text": "y",
	})
	if !result.IsError {
		t.Error("ambiguous old_text should be rejected")
	}
}

func TestAppendFileCreatesAndAppends(t *testing.T) {
	ws := t.TempDir()
	appendTool := NewAppendFileTool(ws, true)

	for _, chunk := range []string{"one\n", "two\n"} {
		result := appendTool.Execute(context.Background(), map[string]interface{}{
			"path":    "log.txt",
			"content": chunk,
		})
		if result.IsError {
			t.Fatalf("append failed: %s", result.ForLLM)
		}
	}

	data, err := os.ReadFile(filepath.Join(ws, "log.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "one\ntwo\n" {
		t.Errorf("append content = %q", string(data))
	}
}

func TestListDir(t *testing.T) {
	ws := t.TempDir()
	os.MkdirAll(filepath.Join(ws, "sub"), 0755)
	os.WriteFile(filepath.Join(ws, "file.txt"), []byte("x"), 0644)

	list := NewListDirTool(ws, true)
	result := list.Execute(context.Background(), map[string]interface{}{"path": "."})
	if result.IsError {
		t.Fatalf("list failed: %s", result.ForLLM)
	}
	if !strings.Contains(result.ForLLM, "DIR:  sub") || !strings.Contains(result.ForLLM, "FILE: file.txt") {
		t.Errorf("unexpected listing: %q", result.ForLLM)
	}
}
