package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/conduit/internal/llm"
	"github.com/haasonsaas/conduit/internal/server"
)

// Status tracks where a task is in the plan/execute/verify loop.
type Status string

const (
	StatusPlanning             Status = "planning"
	StatusExecuting            Status = "executing"
	StatusVerifying            Status = "verifying"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusRetrying             Status = "retrying"
	StatusComplete             Status = "complete"
	StatusFailed               Status = "failed"
)

// Step is a single entry in a generated execution plan.
type Step struct {
	ID          int            `json:"id"`
	Tool        string         `json:"tool"`
	Description string         `json:"description"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	Optional    bool           `json:"optional,omitempty"`
}

// ToolCallRecord captures one tool invocation and its outcome.
type ToolCallRecord struct {
	StepID    int            `json:"step_id"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"-"`
	Timestamp time.Time      `json:"timestamp"`
}

// ErrorRecord captures one failure during plan execution.
type ErrorRecord struct {
	StepID   int    `json:"step_id"`
	Category string `json:"category"`
	Message  string `json:"message"`
}

// Verification is the LLM's judgement of whether the task succeeded.
type Verification struct {
	Passed  bool     `json:"passed"`
	Message string   `json:"message"`
	Issues  []string `json:"issues,omitempty"`
}

// ErrorAnalysis is the LLM's diagnosis before a retry.
type ErrorAnalysis struct {
	RootCause           string   `json:"root_cause"`
	Suggestions         []string `json:"suggestions"`
	AlternativeApproach string   `json:"alternative_approach,omitempty"`
}

// State is the full record of one orchestrator run.
type State struct {
	Task    string
	Context map[string]any

	Plan        []Step
	ToolCalls   []ToolCallRecord
	ToolResults []string
	Errors      []ErrorRecord

	RetryCount    int
	RetryAnalysis *ErrorAnalysis

	Verification       Verification
	VerificationPassed bool

	UserDenied bool
	Aborted    bool

	FinalResult string
	Status      Status

	StartTime time.Time
	EndTime   time.Time
}

// Duration reports the total run time.
func (s *State) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// Orchestrator drives a task through plan, execute, verify and retry
// until it succeeds, runs out of retries, or the user denies a step.
type Orchestrator struct {
	llm        llm.Client
	backend    server.Backend
	executor   *Executor
	assessor   *Assessor
	confirm    *ConfirmationManager
	maxRetries int
	logger     *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithConfirmation enables risk assessment and user confirmation for
// plan steps.
func WithConfirmation(assessor *Assessor, manager *ConfirmationManager) OrchestratorOption {
	return func(o *Orchestrator) {
		o.assessor = assessor
		o.confirm = manager
	}
}

// WithOrchestratorRetries overrides the plan-level retry limit.
func WithOrchestratorRetries(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

// WithExecutor replaces the default step executor.
func WithExecutor(e *Executor) OrchestratorOption {
	return func(o *Orchestrator) { o.executor = e }
}

// NewOrchestrator creates an orchestrator over a backend. A default
// Executor is built unless WithExecutor replaces it.
func NewOrchestrator(llmClient llm.Client, backend server.Backend, logger *slog.Logger, opts ...OrchestratorOption) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		llm:        llmClient,
		backend:    backend,
		maxRetries: 3,
		logger:     logger.With("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.executor == nil {
		o.executor = NewExecutor(backend, logger, WithRepairLLM(llmClient))
	}
	return o
}

// Run executes a task to completion and returns the final state.
func (o *Orchestrator) Run(ctx context.Context, task string, taskContext map[string]any) (*State, error) {
	if taskContext == nil {
		taskContext = map[string]any{}
	}
	state := &State{
		Task:      task,
		Context:   taskContext,
		Status:    StatusPlanning,
		StartTime: time.Now(),
	}
	o.logger.Info("starting task", "task", truncate(task, 100))

	for {
		if err := o.plan(ctx, state); err != nil {
			state.Status = StatusFailed
			state.EndTime = time.Now()
			return state, err
		}

		o.executePlan(ctx, state)
		if state.Aborted || state.UserDenied {
			break
		}

		if err := o.verify(ctx, state); err != nil {
			state.Status = StatusFailed
			state.EndTime = time.Now()
			return state, err
		}
		if state.VerificationPassed {
			break
		}
		if state.RetryCount >= o.maxRetries {
			o.logger.Warn("max retries reached", "max_retries", o.maxRetries)
			break
		}

		o.prepareRetry(ctx, state)
	}

	o.summarize(ctx, state)
	state.EndTime = time.Now()
	o.logger.Info("task finished", "status", string(state.Status), "duration", state.Duration())
	return state, nil
}

func (o *Orchestrator) plan(ctx context.Context, state *State) error {
	o.logger.Info("planning", "retry", state.RetryCount)

	var prompt string
	if state.RetryAnalysis != nil {
		prompt = o.retryPlanPrompt(state)
	} else {
		prompt = o.initialPlanPrompt(state)
	}

	response, err := o.llm.Generate(ctx, prompt)
	if err != nil {
		return fmt.Errorf("planning failed: %w", err)
	}
	state.Plan = parsePlan(response)
	state.Status = StatusPlanning
	return nil
}

func (o *Orchestrator) executePlan(ctx context.Context, state *State) {
	state.Status = StatusExecuting

	for i, step := range state.Plan {
		o.logger.Info("executing step",
			"step", i+1, "total", len(state.Plan), "tool", step.Tool)

		if !o.confirmStep(ctx, state, step) {
			if state.Aborted || state.UserDenied {
				return
			}
			continue // optional step denied, skip it
		}

		start := time.Now()
		result := o.executor.Execute(ctx, step.Tool, step.Arguments)

		record := ToolCallRecord{
			StepID:    i,
			Tool:      step.Tool,
			Arguments: step.Arguments,
			Duration:  time.Since(start),
			Timestamp: time.Now(),
		}
		if result.Success {
			record.Result = result.Output
			state.ToolResults = append(state.ToolResults, result.Output)
		} else {
			record.Error = result.Error.Message
			state.ToolResults = append(state.ToolResults, result.Error.Message)
			state.Errors = append(state.Errors, ErrorRecord{
				StepID:   i,
				Category: string(result.Error.Category),
				Message:  result.Error.Message,
			})
			o.logger.Error("step failed", "tool", step.Tool, "error", result.Error.Message)
		}
		state.ToolCalls = append(state.ToolCalls, record)
	}
}

// confirmStep returns false when the step must not run. It sets
// state.UserDenied or state.Aborted when the user stops the workflow;
// a denied optional step just reports false.
func (o *Orchestrator) confirmStep(ctx context.Context, state *State, step Step) bool {
	if o.assessor == nil {
		return true
	}
	assessment := o.assessor.Assess(step.Tool, step.Arguments)
	if !assessment.RequiresConfirmation {
		return true
	}

	state.Status = StatusAwaitingConfirmation
	if o.confirm == nil {
		o.logger.Warn("no confirmation manager, denying step", "tool", step.Tool)
		state.UserDenied = true
		return false
	}

	decision := o.confirm.Request(ctx, assessment)
	state.Status = StatusExecuting
	if decision.TrustFuture {
		o.assessor.Trust(step.Tool)
	}
	if decision.Approved {
		return true
	}
	if decision.Abort {
		state.Aborted = true
		return false
	}
	if step.Optional {
		o.logger.Info("optional step denied, skipping", "tool", step.Tool)
		return false
	}
	state.UserDenied = true
	return false
}

func (o *Orchestrator) verify(ctx context.Context, state *State) error {
	o.logger.Info("verifying results")
	state.Status = StatusVerifying

	response, err := o.llm.Generate(ctx, o.verificationPrompt(state))
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	var verification Verification
	if jsonErr := json.Unmarshal([]byte(extractJSON(response)), &verification); jsonErr != nil {
		verification = Verification{
			Passed:  strings.Contains(strings.ToLower(response), "success"),
			Message: response,
		}
	}
	state.Verification = verification
	state.VerificationPassed = verification.Passed
	return nil
}

func (o *Orchestrator) prepareRetry(ctx context.Context, state *State) {
	state.RetryCount++
	state.Status = StatusRetrying
	o.logger.Info("preparing retry", "attempt", state.RetryCount)

	analysis := &ErrorAnalysis{}
	response, err := o.llm.Generate(ctx, o.errorAnalysisPrompt(state))
	if err != nil {
		o.logger.Warn("error analysis failed", "error", err)
		analysis.RootCause = "analysis unavailable"
	} else if jsonErr := json.Unmarshal([]byte(extractJSON(response)), analysis); jsonErr != nil {
		analysis.RootCause = response
	}
	state.RetryAnalysis = analysis

	// Reset execution state for re-planning.
	state.Plan = nil
	state.ToolCalls = nil
	state.ToolResults = nil
}

func (o *Orchestrator) summarize(ctx context.Context, state *State) {
	o.logger.Info("generating summary")

	summary, err := o.llm.Generate(ctx, o.summaryPrompt(state))
	if err != nil {
		o.logger.Warn("summary generation failed", "error", err)
		if state.VerificationPassed {
			summary = "Task completed successfully."
		} else {
			summary = "Task did not complete successfully."
		}
	}
	state.FinalResult = strings.TrimSpace(summary)

	switch {
	case state.VerificationPassed:
		state.Status = StatusComplete
	case state.UserDenied || state.Aborted:
		state.Status = StatusFailed
	case state.RetryCount >= o.maxRetries:
		state.Status = StatusFailed
	default:
		state.Status = StatusComplete
	}
}

// toolListing enumerates the backend's tools for the planning prompt.
func (o *Orchestrator) toolListing() string {
	if o.backend == nil {
		return "(no tools available)"
	}
	var b strings.Builder
	for _, tool := range o.backend.ListTools() {
		fmt.Fprintf(&b, "- %s - %s\n", tool.Name, tool.Description)
	}
	if b.Len() == 0 {
		return "(no tools available)"
	}
	return strings.TrimRight(b.String(), "\n")
}

func (o *Orchestrator) initialPlanPrompt(state *State) string {
	contextJSON, _ := json.MarshalIndent(state.Context, "", "  ")
	return fmt.Sprintf(`You are an autonomous AI agent. Create an execution plan for this task.

TASK: %s

CONTEXT:
%s

AVAILABLE TOOLS:
%s

Create a step-by-step plan. Respond with JSON:
{
    "steps": [
        {
            "id": 1,
            "tool": "tool_name",
            "description": "What this step does",
            "arguments": {"arg": "value"},
            "optional": false
        }
    ],
    "reasoning": "Brief explanation of approach"
}`, state.Task, contextJSON, o.toolListing())
}

func (o *Orchestrator) retryPlanPrompt(state *State) string {
	analysisJSON, _ := json.MarshalIndent(state.RetryAnalysis, "", "  ")
	errorsJSON, _ := json.MarshalIndent(state.Errors, "", "  ")
	return fmt.Sprintf(`You are an autonomous AI agent. Your previous attempt failed. Create a new plan.

ORIGINAL TASK: %s

PREVIOUS ATTEMPT:
%s

ERRORS ENCOUNTERED:
%s

Create an improved plan that avoids the previous errors. Respond with JSON:
{
    "steps": [
        {
            "id": 1,
            "tool": "tool_name",
            "description": "What this step does",
            "arguments": {"arg": "value"},
            "optional": false
        }
    ],
    "reasoning": "How this plan addresses the previous failure"
}`, state.Task, analysisJSON, errorsJSON)
}

func (o *Orchestrator) verificationPrompt(state *State) string {
	resultsJSON, _ := json.MarshalIndent(state.ToolResults, "", "  ")
	errorsJSON, _ := json.MarshalIndent(state.Errors, "", "  ")
	return fmt.Sprintf(`Verify if this task was completed successfully.

TASK: %s

EXECUTION RESULTS:
%s

ERRORS (if any):
%s

Respond with JSON:
{
    "passed": true/false,
    "message": "Explanation of verification result",
    "issues": ["List of any issues found"]
}`, state.Task, resultsJSON, errorsJSON)
}

func (o *Orchestrator) errorAnalysisPrompt(state *State) string {
	planJSON, _ := json.MarshalIndent(state.Plan, "", "  ")
	resultsJSON, _ := json.MarshalIndent(state.ToolResults, "", "  ")
	errorsJSON, _ := json.MarshalIndent(state.Errors, "", "  ")
	return fmt.Sprintf(`Analyze why this task execution failed and suggest improvements.

TASK: %s

PLAN THAT WAS EXECUTED:
%s

TOOL RESULTS:
%s

ERRORS:
%s

This is retry attempt %d of %d.

Respond with JSON:
{
    "root_cause": "Main reason for failure",
    "suggestions": ["List of improvements to try"],
    "alternative_approach": "Different strategy if available"
}`, state.Task, planJSON, resultsJSON, errorsJSON, state.RetryCount+1, o.maxRetries)
}

func (o *Orchestrator) summaryPrompt(state *State) string {
	status := "failed"
	if state.VerificationPassed {
		status = "succeeded"
	}
	callsJSON, _ := json.MarshalIndent(state.ToolCalls, "", "  ")
	verificationJSON, _ := json.MarshalIndent(state.Verification, "", "  ")
	return fmt.Sprintf(`Summarize the results of this task execution.

TASK: %s
STATUS: %s

STEPS EXECUTED:
%s

VERIFICATION:
%s

Provide a concise summary for the user explaining what was done and the outcome.`,
		state.Task, status, callsJSON, verificationJSON)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// parsePlan decodes the LLM planning response. Malformed output falls
// back to a single opaque step so the failure surfaces at execution.
func parsePlan(response string) []Step {
	var envelope struct {
		Steps []Step `json:"steps"`
	}
	if err := json.Unmarshal([]byte(extractJSON(response)), &envelope); err == nil && len(envelope.Steps) > 0 {
		return envelope.Steps
	}
	return []Step{{ID: 1, Tool: "unknown", Description: response}}
}
