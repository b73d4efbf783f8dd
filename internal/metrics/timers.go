package metrics

import (
	"time"
)

// RequestTimer scopes the timing of one request. Obtain with StartRequest,
// finish with Done; MarkFailed flips the recorded outcome.
type RequestTimer struct {
	collector *Collector
	method    string
	start     time.Time
	failed    bool
}

// StartRequest begins timing a request.
func (c *Collector) StartRequest(method string) *RequestTimer {
	return &RequestTimer{collector: c, method: method, start: time.Now()}
}

// MarkFailed records the request as unsuccessful.
func (t *RequestTimer) MarkFailed() { t.failed = true }

// Done records the duration and outcome.
func (t *RequestTimer) Done() {
	t.collector.RecordRequest(t.method, time.Since(t.start), !t.failed)
}

// ToolTimer scopes the timing of one tool invocation.
type ToolTimer struct {
	collector *Collector
	toolName  string
	start     time.Time
	failed    bool
}

// StartTool begins timing a tool call.
func (c *Collector) StartTool(toolName string) *ToolTimer {
	return &ToolTimer{collector: c, toolName: toolName, start: time.Now()}
}

// MarkFailed records the tool call as unsuccessful.
func (t *ToolTimer) MarkFailed() { t.failed = true }

// Done records the duration and outcome.
func (t *ToolTimer) Done() {
	t.collector.RecordToolCall(t.toolName, time.Since(t.start), !t.failed)
}
