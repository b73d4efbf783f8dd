package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/config"
	"github.com/haasonsaas/conduit/internal/llm"
	"github.com/haasonsaas/conduit/internal/observability"
)

func buildTaskCmd() *cobra.Command {
	var (
		configPath  string
		rootPath    string
		autoApprove bool
		maxRetries  int
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "task <description>",
		Short: "Run an autonomous task against the domain servers",
		Long: `Plan and execute a task with the configured LLM.

The task runner plans tool calls against the filesystem and terminal
domain servers, executes them with retry, verifies the outcome, and
prints a summary. Risky steps ask for confirmation on the terminal
unless --yes is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("root-path") {
				cfg.Domains.Filesystem.RootPath = rootPath
			}

			logger, closeLogs, err := observability.NewLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer closeLogs()

			backend, err := buildBackend(cfg, logger)
			if err != nil {
				return err
			}
			model, err := llm.New(cfg.LLM)
			if err != nil {
				return err
			}

			var prompter agent.Prompter
			if autoApprove {
				prompter = agent.AutoPrompter{Response: "y"}
			} else {
				prompter = agent.CLIPrompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
			}
			confirm := agent.NewConfirmationManager(prompter, 2*time.Minute, true, logger)
			assessor := agent.NewAssessor(agent.RiskMedium)

			executor := agent.NewExecutor(backend, logger,
				agent.WithToolTimeout(timeout),
				agent.WithRepairLLM(model))
			orchestrator := agent.NewOrchestrator(model, backend, logger,
				agent.WithExecutor(executor),
				agent.WithConfirmation(assessor, confirm),
				agent.WithOrchestratorRetries(maxRetries))

			task := strings.Join(args, " ")
			state, err := orchestrator.Run(cmd.Context(), task, map[string]any{
				"workspace": cfg.Domains.Filesystem.RootPath,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, state.FinalResult)
			fmt.Fprintf(out, "\nStatus: %s (%d tool calls, %d retries, %s)\n",
				state.Status, len(state.ToolCalls), state.RetryCount,
				state.Duration().Round(time.Millisecond))
			if state.Status != agent.StatusComplete {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&rootPath, "root-path", "", "Root directory for the filesystem domain")
	cmd.Flags().BoolVarP(&autoApprove, "yes", "y", false, "Approve all confirmations")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 3, "Plan-level retry budget")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Per-tool execution timeout")
	return cmd
}
