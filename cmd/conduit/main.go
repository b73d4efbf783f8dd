// Package main provides the CLI entry point for the Conduit MCP runtime.
//
// Conduit serves Model Context Protocol tools, resources, and prompts
// over stdio, WebSocket, and HTTP transports, with authentication, rate
// limiting, and metrics around the protocol engine. It also ships an
// autonomous task runner that plans and executes tool calls with an LLM.
//
// # Basic Usage
//
// Start the server:
//
//	conduit serve --config conduit.yaml
//
// Run a task against the built-in domain servers:
//
//	conduit task "list the files in src and summarize them"
//
// # Environment Variables
//
//   - CONDUIT_HOST, CONDUIT_HTTP_PORT, CONDUIT_WS_PORT: transport binding
//   - CONDUIT_LOG_LEVEL, CONDUIT_LOG_FORMAT: logging
//   - CONDUIT_AUTH_PROVIDER: "none", "token", or "hmac"
//   - CONDUIT_OLLAMA_URL, CONDUIT_OLLAMA_MODEL, CONDUIT_OPENAI_API_KEY: LLM
//   - CONDUIT_ROOT_PATH: filesystem domain root
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conduit",
		Short: "Conduit - Model Context Protocol server runtime",
		Long: `Conduit serves MCP tools, resources, and prompts over stdio, WebSocket,
and HTTP, with authentication, rate limiting, input validation, and
Prometheus metrics.

Built-in domain servers: filesystem (root-confined), terminal (whitelisted)
LLM backends for the task runner: Ollama, OpenAI-compatible`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildTaskCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "conduit %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}
