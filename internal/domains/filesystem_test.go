package domains

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/conduit/internal/config"
	"github.com/haasonsaas/conduit/internal/protocol"
	"github.com/haasonsaas/conduit/internal/server"
)

func newFS(t *testing.T) (*server.Catalog, string) {
	t.Helper()
	root := t.TempDir()
	c, err := NewFilesystem(config.FilesystemConfig{Enabled: true, RootPath: root}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c, root
}

func callFS(t *testing.T, c *server.Catalog, tool string, args map[string]any) *protocol.ToolResult {
	t.Helper()
	return c.CallTool(context.Background(), protocol.NewToolCall(tool, args))
}

func TestReadWriteRoundTrip(t *testing.T) {
	c, _ := newFS(t)

	result := callFS(t, c, "write_file", map[string]any{"path": "notes/a.txt", "content": "hello"})
	if result.IsError {
		t.Fatalf("write failed: %s", result.Text())
	}
	if result.Text() != "Successfully wrote to notes/a.txt" {
		t.Errorf("write result = %q", result.Text())
	}

	result = callFS(t, c, "read_file", map[string]any{"path": "notes/a.txt"})
	if result.IsError {
		t.Fatalf("read failed: %s", result.Text())
	}
	if result.Text() != "hello" {
		t.Errorf("content = %q", result.Text())
	}
}

func TestAppendMode(t *testing.T) {
	c, _ := newFS(t)

	callFS(t, c, "write_file", map[string]any{"path": "log.txt", "content": "one\n"})
	result := callFS(t, c, "write_file", map[string]any{"path": "log.txt", "content": "two\n", "mode": "a"})
	if result.IsError {
		t.Fatalf("append failed: %s", result.Text())
	}

	result = callFS(t, c, "read_file", map[string]any{"path": "log.txt"})
	if result.Text() != "one\ntwo\n" {
		t.Errorf("content = %q", result.Text())
	}
}

func TestInvalidWriteMode(t *testing.T) {
	c, _ := newFS(t)
	result := callFS(t, c, "write_file", map[string]any{"path": "a.txt", "content": "x", "mode": "x"})
	if !result.IsError || !strings.Contains(result.Text(), "invalid mode") {
		t.Errorf("result = %q", result.Text())
	}
}

func TestReadMissingFile(t *testing.T) {
	c, _ := newFS(t)
	result := callFS(t, c, "read_file", map[string]any{"path": "nope.txt"})
	if !result.IsError || !strings.Contains(result.Text(), "file not found") {
		t.Errorf("result = %q", result.Text())
	}
}

func TestReadDirectoryRejected(t *testing.T) {
	c, root := newFS(t)
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	result := callFS(t, c, "read_file", map[string]any{"path": "sub"})
	if !result.IsError || !strings.Contains(result.Text(), "not a file") {
		t.Errorf("result = %q", result.Text())
	}
}

func TestPathEscapeRejected(t *testing.T) {
	c, _ := newFS(t)
	for _, tool := range []string{"read_file", "write_file", "list_directory"} {
		args := map[string]any{"path": "../../etc/passwd"}
		if tool == "write_file" {
			args["content"] = "x"
		}
		result := callFS(t, c, tool, args)
		if !result.IsError || !strings.Contains(result.Text(), "path outside root") {
			t.Errorf("%s: result = %q", tool, result.Text())
		}
	}
}

func TestListDirectory(t *testing.T) {
	c, root := newFS(t)
	if err := os.WriteFile(filepath.Join(root, "b.txt"), []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "adir"), 0o755); err != nil {
		t.Fatal(err)
	}

	result := callFS(t, c, "list_directory", map[string]any{"path": "."})
	if result.IsError {
		t.Fatalf("list failed: %s", result.Text())
	}

	var entries []struct {
		Name string `json:"name"`
		Type string `json:"type"`
		Size int64  `json:"size"`
	}
	if err := json.Unmarshal([]byte(result.Text()), &entries); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Name != "adir" || entries[0].Type != "directory" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Name != "b.txt" || entries[1].Type != "file" || entries[1].Size != 5 {
		t.Errorf("entry 1 = %+v", entries[1])
	}
}

func TestListMissingDirectory(t *testing.T) {
	c, _ := newFS(t)
	result := callFS(t, c, "list_directory", map[string]any{"path": "ghost"})
	if !result.IsError || !strings.Contains(result.Text(), "directory not found") {
		t.Errorf("result = %q", result.Text())
	}
}

func TestWorkspaceResource(t *testing.T) {
	c, root := newFS(t)
	if err := os.WriteFile(filepath.Join(root, "x.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatal(err)
	}

	content, err := c.ReadResource(context.Background(), "file://workspace")
	if err != nil {
		t.Fatal(err)
	}
	if content.Text != "src/\nx.txt" {
		t.Errorf("listing = %q", content.Text)
	}
	if content.MimeType != "text/plain" {
		t.Errorf("mime = %q", content.MimeType)
	}
}

func TestToolInventory(t *testing.T) {
	c, _ := newFS(t)
	tools := c.ListTools()
	if len(tools) != 3 {
		t.Fatalf("tools = %d", len(tools))
	}
	want := []string{"read_file", "write_file", "list_directory"}
	for i, name := range want {
		if tools[i].Name != name {
			t.Errorf("tool[%d] = %s, want %s", i, tools[i].Name, name)
		}
		if len(tools[i].InputSchema) == 0 {
			t.Errorf("tool %s has no input schema", name)
		}
	}
}
