// Package domains provides the built-in MCP domain servers: a
// root-confined filesystem server and a whitelisted terminal server.
// Each is a Catalog meant to be registered on the registry, which
// prefixes its tools with the server name.
package domains

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/haasonsaas/conduit/internal/config"
	"github.com/haasonsaas/conduit/internal/server"
)

var readFileSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {"type": "string", "description": "Path to file relative to root"}
  },
  "required": ["path"]
}`)

var writeFileSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {"type": "string", "description": "File path"},
    "content": {"type": "string", "description": "File content"},
    "mode": {"type": "string", "enum": ["w", "a"], "description": "Write mode (w=overwrite, a=append)"}
  },
  "required": ["path", "content"]
}`)

var listDirectorySchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {"type": "string", "description": "Directory path"}
  },
  "required": ["path"]
}`)

// Filesystem serves file access confined to a root directory.
type Filesystem struct {
	root   string
	logger *slog.Logger
}

// NewFilesystem builds the "fs" domain server. The configured root
// path is the security boundary: every operation resolves inside it.
func NewFilesystem(cfg config.FilesystemConfig, logger *slog.Logger) (*server.Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	root := cfg.RootPath
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root path %s: %w", root, err)
	}
	fs := &Filesystem{root: abs, logger: logger.With("component", "fs")}

	c := server.NewCatalog("fs", "1.0.0", "File system access rooted at "+abs, logger)
	c.RegisterTool("read_file", "Read contents of a file", readFileSchema, fs.readFile)
	c.RegisterTool("write_file", "Write contents to a file", writeFileSchema, fs.writeFile)
	c.RegisterTool("list_directory", "List files in a directory", listDirectorySchema, fs.listDirectory)
	c.RegisterResource("file://workspace", "workspace", "Listing of the workspace root", "text/plain", fs.workspaceListing)
	return c, nil
}

// resolve joins path onto the root and rejects escapes.
func (f *Filesystem) resolve(path string) (string, error) {
	target := filepath.Join(f.root, path)
	rel, err := filepath.Rel(f.root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path outside root: %s", path)
	}
	return target, nil
}

func (f *Filesystem) readFile(ctx context.Context, args map[string]any) (any, error) {
	path, _ := args["path"].(string)
	full, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("file not found: %s", path)
	}
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("not a file: %s", path)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		f.logger.Error("failed to read file", "path", path, "error", err)
		return nil, err
	}
	return string(data), nil
}

func (f *Filesystem) writeFile(ctx context.Context, args map[string]any) (any, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	mode, _ := args["mode"].(string)
	if mode == "" {
		mode = "w"
	}

	full, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, err
	}

	switch mode {
	case "w":
		err = os.WriteFile(full, []byte(content), 0o644)
	case "a":
		var file *os.File
		file, err = os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err == nil {
			_, err = file.WriteString(content)
			if closeErr := file.Close(); err == nil {
				err = closeErr
			}
		}
	default:
		return nil, fmt.Errorf("invalid mode: %s", mode)
	}
	if err != nil {
		f.logger.Error("failed to write file", "path", path, "error", err)
		return nil, err
	}
	f.logger.Info("wrote file", "path", path, "bytes", len(content))
	return fmt.Sprintf("Successfully wrote to %s", path), nil
}

type dirEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

func (f *Filesystem) listDirectory(ctx context.Context, args map[string]any) (any, error) {
	path, _ := args["path"].(string)
	full, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("directory not found: %s", path)
	}
	if err != nil {
		if info, statErr := os.Stat(full); statErr == nil && !info.IsDir() {
			return nil, fmt.Errorf("not a directory: %s", path)
		}
		return nil, err
	}

	items := make([]dirEntry, 0, len(entries))
	for _, entry := range entries {
		item := dirEntry{Name: entry.Name(), Type: "file"}
		if entry.IsDir() {
			item.Type = "directory"
		} else if info, err := entry.Info(); err == nil {
			item.Size = info.Size()
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// workspaceListing backs the file://workspace resource with a plain
// listing of the root directory.
func (f *Filesystem) workspaceListing(ctx context.Context) (string, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}
