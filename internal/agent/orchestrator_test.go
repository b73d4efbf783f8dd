package agent

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/internal/server"
)

func orchestratorBackend(t *testing.T) *server.Catalog {
	t.Helper()
	c := server.NewCatalog("workspace", "1.0.0", "Workspace tools", nil)
	c.RegisterTool("filesystem.read_file", "Read a file", nil, func(ctx context.Context, args map[string]any) (any, error) {
		return "file contents", nil
	})
	c.RegisterTool("filesystem.write_file", "Write a file", nil, func(ctx context.Context, args map[string]any) (any, error) {
		return "written", nil
	})
	return c
}

const singleStepPlan = `{
  "steps": [
    {"id": 1, "tool": "filesystem.read_file", "description": "Read the file", "arguments": {"path": "a.txt"}}
  ],
  "reasoning": "one read is enough"
}`

func TestRunHappyPath(t *testing.T) {
	script := &scriptedLLM{responses: []string{
		singleStepPlan,
		`{"passed": true, "message": "looks good"}`,
		"All done: read the file successfully.",
	}}
	o := NewOrchestrator(script, orchestratorBackend(t), nil)

	state, err := o.Run(context.Background(), "read a.txt", nil)
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != StatusComplete {
		t.Errorf("status = %s, want complete", state.Status)
	}
	if !state.VerificationPassed {
		t.Error("expected verification to pass")
	}
	if len(state.ToolCalls) != 1 || state.ToolCalls[0].Tool != "filesystem.read_file" {
		t.Errorf("tool calls = %+v", state.ToolCalls)
	}
	if state.ToolCalls[0].Result != "file contents" {
		t.Errorf("result = %q", state.ToolCalls[0].Result)
	}
	if state.FinalResult != "All done: read the file successfully." {
		t.Errorf("final result = %q", state.FinalResult)
	}
	if state.Duration() < 0 {
		t.Error("duration should be non-negative")
	}

	// The planning prompt advertises the backend's tools.
	if !strings.Contains(script.prompts[0], "- filesystem.read_file - Read a file") {
		t.Errorf("plan prompt missing tool listing:\n%s", script.prompts[0])
	}
}

func TestRunRetryAfterFailedVerification(t *testing.T) {
	script := &scriptedLLM{responses: []string{
		// First plan targets a tool that does not exist.
		`{"steps": [{"id": 1, "tool": "missing_tool", "description": "oops"}]}`,
		`{"passed": false, "message": "nothing was read", "issues": ["wrong tool"]}`,
		`{"root_cause": "tool name was wrong", "suggestions": ["use read_file"]}`,
		singleStepPlan,
		`{"passed": true, "message": "fixed"}`,
		"Recovered after one retry.",
	}}
	o := NewOrchestrator(script, orchestratorBackend(t), nil)

	state, err := o.Run(context.Background(), "read a.txt", nil)
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != StatusComplete {
		t.Errorf("status = %s, want complete", state.Status)
	}
	if state.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", state.RetryCount)
	}
	if state.RetryAnalysis == nil || state.RetryAnalysis.RootCause != "tool name was wrong" {
		t.Errorf("analysis = %+v", state.RetryAnalysis)
	}
	// Errors from the failed attempt are preserved across re-planning.
	if len(state.Errors) != 1 {
		t.Errorf("errors = %+v", state.Errors)
	}
	if !strings.Contains(script.prompts[3], "Your previous attempt failed") {
		t.Errorf("expected retry planning prompt, got:\n%s", script.prompts[3])
	}
}

func TestRunFailsAfterMaxRetries(t *testing.T) {
	badPlan := `{"steps": [{"id": 1, "tool": "missing_tool", "description": "oops"}]}`
	failedVerify := `{"passed": false, "message": "still broken"}`
	analysis := `{"root_cause": "unknown"}`
	script := &scriptedLLM{responses: []string{
		badPlan, failedVerify, analysis,
		badPlan, failedVerify,
		"Could not complete the task.",
	}}
	o := NewOrchestrator(script, orchestratorBackend(t), nil, WithOrchestratorRetries(1))

	state, err := o.Run(context.Background(), "impossible task", nil)
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != StatusFailed {
		t.Errorf("status = %s, want failed", state.Status)
	}
	if state.RetryCount != 1 {
		t.Errorf("retry count = %d", state.RetryCount)
	}
}

func TestRunConfirmationDenied(t *testing.T) {
	script := &scriptedLLM{responses: []string{
		`{"steps": [{"id": 1, "tool": "filesystem.write_file", "description": "write", "arguments": {"path": "a.txt"}}]}`,
		"The task was cancelled by the user.",
	}}
	o := NewOrchestrator(script, orchestratorBackend(t), nil,
		WithConfirmation(
			NewAssessor(RiskMedium),
			NewConfirmationManager(AutoPrompter{Response: "n"}, time.Second, true, nil),
		))

	state, err := o.Run(context.Background(), "write a.txt", nil)
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != StatusFailed {
		t.Errorf("status = %s, want failed", state.Status)
	}
	if !state.UserDenied {
		t.Error("expected UserDenied")
	}
	if len(state.ToolCalls) != 0 {
		t.Errorf("denied step must not execute, got %+v", state.ToolCalls)
	}
}

func TestRunAbort(t *testing.T) {
	script := &scriptedLLM{responses: []string{
		`{"steps": [{"id": 1, "tool": "filesystem.write_file", "description": "write"}]}`,
		"Aborted.",
	}}
	o := NewOrchestrator(script, orchestratorBackend(t), nil,
		WithConfirmation(
			NewAssessor(RiskMedium),
			NewConfirmationManager(AutoPrompter{Response: "a"}, time.Second, true, nil),
		))

	state, err := o.Run(context.Background(), "write a.txt", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !state.Aborted || state.Status != StatusFailed {
		t.Errorf("state = aborted=%v status=%s", state.Aborted, state.Status)
	}
}

func TestRunOptionalStepSkippedOnDeny(t *testing.T) {
	script := &scriptedLLM{responses: []string{
		`{"steps": [
		   {"id": 1, "tool": "filesystem.write_file", "description": "optional write", "arguments": {"path": "a.txt"}, "optional": true},
		   {"id": 2, "tool": "filesystem.read_file", "description": "read", "arguments": {"path": "a.txt"}}
		 ]}`,
		`{"passed": true, "message": "read succeeded"}`,
		"Done, skipped the optional write.",
	}}
	o := NewOrchestrator(script, orchestratorBackend(t), nil,
		WithConfirmation(
			NewAssessor(RiskMedium),
			NewConfirmationManager(AutoPrompter{Response: "n"}, time.Second, true, nil),
		))

	state, err := o.Run(context.Background(), "read a.txt", nil)
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != StatusComplete {
		t.Errorf("status = %s, want complete", state.Status)
	}
	if len(state.ToolCalls) != 1 || state.ToolCalls[0].Tool != "filesystem.read_file" {
		t.Errorf("tool calls = %+v", state.ToolCalls)
	}
}

// countingPrompter approves everything with trust on the first ask and
// counts how often it is consulted.
type countingPrompter struct {
	asks atomic.Int32
}

func (p *countingPrompter) Prompt(ctx context.Context, message string) (string, error) {
	p.asks.Add(1)
	return "t", nil
}

func TestRunTrustSkipsRepeatConfirmation(t *testing.T) {
	prompter := &countingPrompter{}
	script := &scriptedLLM{responses: []string{
		`{"steps": [
		   {"id": 1, "tool": "filesystem.write_file", "description": "first", "arguments": {"path": "a.txt"}},
		   {"id": 2, "tool": "filesystem.write_file", "description": "second", "arguments": {"path": "b.txt"}}
		 ]}`,
		`{"passed": true, "message": "both written"}`,
		"Wrote both files.",
	}}
	o := NewOrchestrator(script, orchestratorBackend(t), nil,
		WithConfirmation(
			NewAssessor(RiskMedium),
			NewConfirmationManager(prompter, time.Second, true, nil),
		))

	state, err := o.Run(context.Background(), "write both", nil)
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != StatusComplete {
		t.Errorf("status = %s", state.Status)
	}
	if got := prompter.asks.Load(); got != 1 {
		t.Errorf("prompter asked %d times, want 1 (trust grant)", got)
	}
}

func TestRunPlanningError(t *testing.T) {
	o := NewOrchestrator(&scriptedLLM{}, orchestratorBackend(t), nil)

	state, err := o.Run(context.Background(), "anything", nil)
	if err == nil {
		t.Fatal("expected planning error")
	}
	if !strings.Contains(err.Error(), "planning failed") {
		t.Errorf("err = %v", err)
	}
	if state.Status != StatusFailed {
		t.Errorf("status = %s", state.Status)
	}
}

func TestVerificationNonJSONFallback(t *testing.T) {
	script := &scriptedLLM{responses: []string{
		singleStepPlan,
		"The task completed with success.",
		"Summary.",
	}}
	o := NewOrchestrator(script, orchestratorBackend(t), nil)

	state, err := o.Run(context.Background(), "read a.txt", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !state.VerificationPassed {
		t.Error("prose response containing 'success' should pass")
	}
	if !strings.Contains(state.Verification.Message, "completed with success") {
		t.Errorf("message = %q", state.Verification.Message)
	}
}

func TestParsePlanFallback(t *testing.T) {
	steps := parsePlan("I cannot produce JSON right now")
	if len(steps) != 1 || steps[0].Tool != "unknown" {
		t.Errorf("steps = %+v", steps)
	}

	steps = parsePlan("Here is the plan:\n```json\n" + singleStepPlan + "\n```")
	if len(steps) != 1 || steps[0].Tool != "filesystem.read_file" {
		t.Errorf("fenced plan not extracted: %+v", steps)
	}
}
