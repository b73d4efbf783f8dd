package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/internal/llm"
	"github.com/haasonsaas/conduit/internal/server"
)

// scriptedLLM returns canned responses in order and records prompts.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []string
	prompts   []string
}

func (s *scriptedLLM) Generate(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if len(s.responses) == 0 {
		return "", errors.New("script exhausted")
	}
	response := s.responses[0]
	s.responses = s.responses[1:]
	return response, nil
}

func (s *scriptedLLM) Model() string { return "scripted" }

var _ llm.Client = (*scriptedLLM)(nil)

// noSleep replaces the executor's backoff so tests run instantly,
// recording each requested wait.
func noSleep(e *Executor) *[]time.Duration {
	var waits []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return &waits
}

// flakyCatalog registers a tool that fails with message until the
// given number of calls have been made.
func flakyCatalog(t *testing.T, failures int, message string) *server.Catalog {
	t.Helper()
	c := server.NewCatalog("test", "1.0.0", "", nil)
	calls := 0
	c.RegisterTool("flaky", "fails then succeeds", nil, func(ctx context.Context, args map[string]any) (any, error) {
		calls++
		if calls <= failures {
			return nil, errors.New(message)
		}
		return "ok", nil
	})
	return c
}

func TestExecuteSuccessFirstTry(t *testing.T) {
	e := NewExecutor(flakyCatalog(t, 0, ""), nil)
	noSleep(e)

	result := e.Execute(context.Background(), "flaky", map[string]any{})
	if !result.Success {
		t.Fatalf("expected success, got error %v", result.Error)
	}
	if result.Output != "ok" {
		t.Errorf("output = %q", result.Output)
	}
	if result.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", result.Attempts)
	}
	if len(e.History()) != 0 {
		t.Errorf("history should be empty on clean success")
	}
}

func TestExecuteRetryThenSucceed(t *testing.T) {
	e := NewExecutor(flakyCatalog(t, 2, "connection refused"), nil)
	waits := noSleep(e)

	result := e.Execute(context.Background(), "flaky", map[string]any{})
	if !result.Success {
		t.Fatalf("expected eventual success, got %v", result.Error)
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
	history := e.History()
	if len(history) != 2 {
		t.Fatalf("history = %d entries, want 2", len(history))
	}
	if history[0].Category != CategoryTransient {
		t.Errorf("category = %q, want transient", history[0].Category)
	}
	// Connection strategy backs off linearly: 5s then 10s.
	want := []time.Duration{5 * time.Second, 10 * time.Second}
	if len(*waits) != len(want) {
		t.Fatalf("waits = %v, want %v", *waits, want)
	}
	for i, w := range want {
		if (*waits)[i] != w {
			t.Errorf("wait[%d] = %s, want %s", i, (*waits)[i], w)
		}
	}
}

func TestExecuteFatalStopsImmediately(t *testing.T) {
	e := NewExecutor(flakyCatalog(t, 10, "permission denied"), nil)
	noSleep(e)

	result := e.Execute(context.Background(), "flaky", map[string]any{})
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (fatal errors do not retry)", result.Attempts)
	}
	if result.Error == nil || result.Error.Category != CategoryFatal {
		t.Errorf("error = %+v, want fatal category", result.Error)
	}
}

func TestExecuteUnknownToolFails(t *testing.T) {
	e := NewExecutor(flakyCatalog(t, 0, ""), nil)
	noSleep(e)

	result := e.Execute(context.Background(), "nope", nil)
	if result.Success {
		t.Fatal("expected failure for unknown tool")
	}
	// "Tool not found" classifies fatal, so exactly one attempt.
	if result.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", result.Attempts)
	}
	if !strings.Contains(result.Error.Message, "Tool not found") {
		t.Errorf("message = %q", result.Error.Message)
	}
}

func TestExecuteLLMRepair(t *testing.T) {
	c := server.NewCatalog("test", "1.0.0", "", nil)
	c.RegisterTool("picky", "needs mode=fast", nil, func(ctx context.Context, args map[string]any) (any, error) {
		if args["mode"] != "fast" {
			return nil, errors.New("strange glitch in mode handling")
		}
		return "done", nil
	})

	script := &scriptedLLM{responses: []string{
		`{"can_fix": true, "new_arguments": {"mode": "fast"}, "reason": "set mode"}`,
	}}
	e := NewExecutor(c, nil, WithRepairLLM(script))
	noSleep(e)

	result := e.Execute(context.Background(), "picky", map[string]any{"mode": "slow"})
	if !result.Success {
		t.Fatalf("expected LLM repair to succeed, got %v", result.Error)
	}
	if result.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", result.Attempts)
	}
	if len(script.prompts) != 1 || !strings.Contains(script.prompts[0], "suggest modified arguments") {
		t.Errorf("unexpected repair prompt: %v", script.prompts)
	}
}

func TestExecuteLLMRepairDeclined(t *testing.T) {
	e := NewExecutor(flakyCatalog(t, 10, "strange glitch"), nil,
		WithRepairLLM(&scriptedLLM{responses: []string{
			`{"can_fix": false, "reason": "not fixable"}`,
			`{"can_fix": false, "reason": "not fixable"}`,
		}}))
	noSleep(e)

	result := e.Execute(context.Background(), "flaky", map[string]any{"k": "v"})
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3 (generic retry budget)", result.Attempts)
	}
}

func TestExecuteTimeout(t *testing.T) {
	c := server.NewCatalog("test", "1.0.0", "", nil)
	c.RegisterTool("sleep", "waits forever", nil, func(ctx context.Context, args map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	e := NewExecutor(c, nil, WithMaxRetries(1), WithToolTimeout(50*time.Millisecond))
	noSleep(e)

	result := e.Execute(context.Background(), "sleep", nil)
	if result.Success {
		t.Fatal("expected timeout failure")
	}
	if !strings.Contains(result.Error.Message, "timed out after") {
		t.Errorf("message = %q", result.Error.Message)
	}
}

func TestExecutePathRepairViaStrategy(t *testing.T) {
	c := server.NewCatalog("test", "1.0.0", "", nil)
	c.RegisterTool("read", "reads a file", nil, func(ctx context.Context, args map[string]any) (any, error) {
		path, _ := args["path"].(string)
		if path != "./data.txt" {
			return nil, fmt.Errorf("no such file: %s", path)
		}
		return "contents", nil
	})

	e := NewExecutor(c, nil)
	noSleep(e)

	result := e.Execute(context.Background(), "read", map[string]any{"path": "data.txt"})
	if !result.Success {
		t.Fatalf("expected path variation to recover, got %v", result.Error)
	}
	if result.Output != "contents" {
		t.Errorf("output = %q", result.Output)
	}
	if result.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", result.Attempts)
	}
}

func TestBatchPlanStopOnError(t *testing.T) {
	c := server.NewCatalog("test", "1.0.0", "", nil)
	c.RegisterTool("good", "", nil, func(ctx context.Context, args map[string]any) (any, error) {
		return "v", nil
	})
	c.RegisterTool("bad", "", nil, func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("permission denied")
	})

	e := NewExecutor(c, nil)
	noSleep(e)
	b := NewBatchExecutor(e)

	steps := []PlanStep{{Tool: "good"}, {Tool: "bad"}, {Tool: "good"}}
	results := b.ExecutePlan(context.Background(), steps, true)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2 (stopped after failure)", len(results))
	}
	if !results[0].Success || results[1].Success {
		t.Errorf("unexpected outcomes: %+v", results)
	}

	results = b.ExecutePlan(context.Background(), steps, false)
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3 without stopOnError", len(results))
	}
}

func TestBatchParallelKeepsOrder(t *testing.T) {
	c := server.NewCatalog("test", "1.0.0", "", nil)
	c.RegisterTool("echo", "", nil, func(ctx context.Context, args map[string]any) (any, error) {
		return args["v"], nil
	})

	b := NewBatchExecutor(NewExecutor(c, nil))
	steps := []PlanStep{
		{Tool: "echo", Arguments: map[string]any{"v": "a"}},
		{Tool: "echo", Arguments: map[string]any{"v": "b"}},
		{Tool: "echo", Arguments: map[string]any{"v": "c"}},
	}
	results := b.ExecuteParallel(context.Background(), steps)
	for i, want := range []string{"a", "b", "c"} {
		if !results[i].Success || results[i].Output != want {
			t.Errorf("result[%d] = %+v, want output %q", i, results[i], want)
		}
	}
}
