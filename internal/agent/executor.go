package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/conduit/internal/llm"
	"github.com/haasonsaas/conduit/internal/protocol"
	"github.com/haasonsaas/conduit/internal/server"
)

// Attempt records one failed tool invocation.
type Attempt struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Message   string         `json:"message"`
	Category  Category       `json:"category"`
	Attempt   int            `json:"attempt"`
	Timestamp time.Time      `json:"timestamp"`
}

// ExecutionResult is the outcome of executing one tool, including
// retries.
type ExecutionResult struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Success   bool           `json:"success"`
	Output    string         `json:"output,omitempty"`
	Error     *Attempt       `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Attempts  int            `json:"attempts"`
}

// Executor invokes tools with automatic retry: strategies adjust
// arguments between attempts, and unknown errors go to the LLM for a
// suggested fix.
type Executor struct {
	backend    server.Backend
	llm        llm.Client
	strategies *StrategyRegistry
	maxRetries int
	timeout    time.Duration
	logger     *slog.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error

	history []Attempt
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMaxRetries sets the attempt budget per Execute call.
func WithMaxRetries(n int) ExecutorOption {
	return func(e *Executor) { e.maxRetries = n }
}

// WithToolTimeout bounds each individual attempt.
func WithToolTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// WithRepairLLM enables LLM-guided argument repair for unknown errors.
func WithRepairLLM(client llm.Client) ExecutorOption {
	return func(e *Executor) { e.llm = client }
}

// NewExecutor creates an executor over an MCP backend, typically the
// registry.
func NewExecutor(backend server.Backend, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		backend:    backend,
		strategies: NewStrategyRegistry(),
		maxRetries: 3,
		timeout:    30 * time.Second,
		logger:     logger.With("component", "executor"),
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs one tool with automatic retry and returns the final
// outcome. Fatal errors stop retrying immediately.
func (e *Executor) Execute(ctx context.Context, tool string, arguments map[string]any) ExecutionResult {
	start := time.Now()
	e.history = nil
	currentArgs := copyArgs(arguments)

	var lastAttempt *Attempt
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		e.logger.Info("executing tool", "tool", tool, "attempt", attempt, "max", e.maxRetries)

		output, err := e.callTool(ctx, tool, currentArgs)
		if err == nil {
			return ExecutionResult{
				Tool:      tool,
				Arguments: currentArgs,
				Success:   true,
				Output:    output,
				Duration:  time.Since(start),
				Attempts:  attempt,
			}
		}

		message := err.Error()
		category := Classify(message)
		record := Attempt{
			Tool:      tool,
			Arguments: currentArgs,
			Message:   message,
			Category:  category,
			Attempt:   attempt,
			Timestamp: time.Now(),
		}
		e.history = append(e.history, record)
		lastAttempt = &e.history[len(e.history)-1]

		if category == CategoryFatal {
			e.logger.Warn("fatal error, not retrying", "tool", tool, "error", message)
			break
		}
		if attempt == e.maxRetries {
			break
		}

		plan := e.strategies.RecoveryPlan(message, currentArgs, attempt)
		if !plan.ShouldRetry {
			e.logger.Warn("strategy says don't retry", "tool", tool, "reason", plan.Reason)
			break
		}
		if plan.Wait > 0 {
			e.logger.Info("waiting before retry", "wait", plan.Wait)
			if err := e.sleep(ctx, plan.Wait); err != nil {
				break
			}
		}

		if category == CategoryUnknown && e.llm != nil {
			if repaired, ok := e.repairArguments(ctx, tool, currentArgs, record); ok {
				e.logger.Info("llm suggested modified arguments", "tool", tool)
				currentArgs = repaired
				continue
			}
		}
		currentArgs = plan.ModifiedArgs
	}

	return ExecutionResult{
		Tool:      tool,
		Arguments: arguments,
		Success:   false,
		Error:     lastAttempt,
		Duration:  time.Since(start),
		Attempts:  len(e.history),
	}
}

// History returns the failed attempts of the last Execute call.
func (e *Executor) History() []Attempt {
	out := make([]Attempt, len(e.history))
	copy(out, e.history)
	return out
}

// callTool invokes the backend and converts error results to errors.
func (e *Executor) callTool(ctx context.Context, tool string, args map[string]any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	result := e.backend.CallTool(ctx, protocol.NewToolCall(tool, args))
	if ctx.Err() != nil {
		return "", fmt.Errorf("tool execution timed out after %s", e.timeout)
	}
	if result.IsError {
		text := result.Text()
		if text == "" {
			text = "tool error"
		}
		return "", fmt.Errorf("%s", text)
	}
	return result.Text(), nil
}

type repairEnvelope struct {
	CanFix       bool           `json:"can_fix"`
	NewArguments map[string]any `json:"new_arguments"`
	Reason       string         `json:"reason"`
}

// repairArguments asks the LLM for corrected arguments after an
// unclassified failure.
func (e *Executor) repairArguments(ctx context.Context, tool string, args map[string]any, failure Attempt) (map[string]any, bool) {
	argsJSON, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return nil, false
	}

	prompt := fmt.Sprintf(`You attempted to call tool '%s' with:
Arguments: %s

It failed with error:
Message: %s

This is attempt %d of %d.

Analyze the error and suggest modified arguments to fix it.
Respond with JSON only (no explanation):
{
    "can_fix": true/false,
    "new_arguments": {...},
    "reason": "brief explanation"
}`, tool, argsJSON, failure.Message, failure.Attempt, e.maxRetries)

	response, err := e.llm.Generate(ctx, prompt)
	if err != nil {
		e.logger.Warn("llm error analysis failed", "error", err)
		return nil, false
	}

	var envelope repairEnvelope
	if err := json.Unmarshal([]byte(extractJSON(response)), &envelope); err != nil {
		e.logger.Warn("llm repair response was not json", "error", err)
		return nil, false
	}
	if !envelope.CanFix || envelope.NewArguments == nil {
		return nil, false
	}
	return envelope.NewArguments, true
}

// extractJSON pulls the first JSON object out of a response that may
// be wrapped in prose or a fenced code block.
func extractJSON(response string) string {
	s := strings.TrimSpace(response)
	if i := strings.Index(s, "{"); i >= 0 {
		if j := strings.LastIndex(s, "}"); j > i {
			return s[i : j+1]
		}
	}
	return s
}

// PlanStep is one unit of a batch plan.
type PlanStep struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// BatchExecutor runs multiple tools through one Executor.
type BatchExecutor struct {
	executor *Executor
}

// NewBatchExecutor wraps an executor for plan and parallel execution.
func NewBatchExecutor(executor *Executor) *BatchExecutor {
	return &BatchExecutor{executor: executor}
}

// ExecutePlan runs steps in order. With stopOnError set, the first
// failed step ends the run; its result is still included.
func (b *BatchExecutor) ExecutePlan(ctx context.Context, steps []PlanStep, stopOnError bool) []ExecutionResult {
	results := make([]ExecutionResult, 0, len(steps))
	for i, step := range steps {
		b.executor.logger.Info("executing plan step",
			"step", i+1, "total", len(steps), "tool", step.Tool)
		result := b.executor.Execute(ctx, step.Tool, step.Arguments)
		results = append(results, result)
		if !result.Success && stopOnError {
			b.executor.logger.Warn("stopping plan on error", "step", i+1)
			break
		}
	}
	return results
}

// ExecuteParallel runs independent steps concurrently. Results keep
// the input order. Each step gets its own executor so retry history
// does not interleave.
func (b *BatchExecutor) ExecuteParallel(ctx context.Context, steps []PlanStep) []ExecutionResult {
	results := make([]ExecutionResult, len(steps))
	g, ctx := errgroup.WithContext(ctx)
	for i, step := range steps {
		i, step := i, step
		g.Go(func() error {
			ex := NewExecutor(b.executor.backend, b.executor.logger,
				WithMaxRetries(b.executor.maxRetries),
				WithToolTimeout(b.executor.timeout))
			ex.llm = b.executor.llm
			ex.sleep = b.executor.sleep
			results[i] = ex.Execute(ctx, step.Tool, step.Arguments)
			return nil
		})
	}
	g.Wait()
	return results
}
