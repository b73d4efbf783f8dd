package domains

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/haasonsaas/conduit/internal/config"
	"github.com/haasonsaas/conduit/internal/server"
)

var runCommandSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "command": {"type": "string", "description": "Command to execute"},
    "cwd": {"type": "string", "description": "Working directory"}
  },
  "required": ["command"]
}`)

// defaultWhitelist is the set of binaries run_command accepts unless
// dangerous commands are enabled.
var defaultWhitelist = []string{
	"ls", "dir", "pwd", "cd", "cat", "grep", "python",
	"pip", "git", "npm", "node", "pytest", "make", "go",
}

// Terminal serves shell command execution.
type Terminal struct {
	timeout        time.Duration
	allowDangerous bool
	whitelist      map[string]bool
	logger         *slog.Logger
}

// TerminalOption configures the terminal server.
type TerminalOption func(*Terminal)

// WithDangerousCommands disables the whitelist entirely.
func WithDangerousCommands() TerminalOption {
	return func(t *Terminal) { t.allowDangerous = true }
}

// WithWhitelistedCommands extends the allowed command set.
func WithWhitelistedCommands(names ...string) TerminalOption {
	return func(t *Terminal) {
		for _, name := range names {
			t.whitelist[name] = true
		}
	}
}

// NewTerminal builds the "terminal" domain server.
func NewTerminal(cfg config.TerminalConfig, logger *slog.Logger, opts ...TerminalOption) *server.Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	t := &Terminal{
		timeout:   timeout,
		whitelist: make(map[string]bool, len(defaultWhitelist)),
		logger:    logger.With("component", "terminal"),
	}
	for _, name := range defaultWhitelist {
		t.whitelist[name] = true
	}
	for _, opt := range opts {
		opt(t)
	}

	c := server.NewCatalog("terminal", "1.0.0", "Shell command execution", logger)
	c.RegisterTool("run_command", "Execute a shell command", runCommandSchema, t.runCommand)
	return c
}

// isSafe checks the first word of the command against the whitelist,
// ignoring any directory prefix.
func (t *Terminal) isSafe(command string) bool {
	if t.allowDangerous {
		return true
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	name := fields[0]
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return t.whitelist[name]
}

func (t *Terminal) runCommand(ctx context.Context, args map[string]any) (any, error) {
	command, _ := args["command"].(string)
	cwd, _ := args["cwd"].(string)

	if !t.isSafe(command) {
		first := ""
		if fields := strings.Fields(command); len(fields) > 0 {
			first = fields[0]
		}
		return nil, fmt.Errorf("command not whitelisted: %s", first)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		t.logger.Error("command timed out", "command", command, "timeout", t.timeout)
		return map[string]any{
			"exit_code": 124,
			"stdout":    "",
			"stderr":    "Command timed out",
			"success":   false,
		}, nil
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			t.logger.Error("command failed to start", "command", command, "error", err)
			return map[string]any{
				"exit_code": 1,
				"stdout":    "",
				"stderr":    err.Error(),
				"success":   false,
			}, nil
		}
	}

	return map[string]any{
		"exit_code": exitCode,
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"success":   exitCode == 0,
	}, nil
}
