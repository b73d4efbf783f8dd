package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRedaction(t *testing.T) {
	redactors := make([]*regexp.Regexp, 0)
	for _, p := range DefaultRedactPatterns() {
		redactors = append(redactors, regexp.MustCompile(p))
	}
	var buf bytes.Buffer
	opts := &slog.HandlerOptions{ReplaceAttr: redactAttr(redactors)}
	logger := slog.New(slog.NewJSONHandler(&buf, opts))
	logger.Info("auth", "api_key", "sk-12345", "client_id", "abc")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}
	if entry["api_key"] != "[REDACTED]" {
		t.Errorf("api_key = %v, want [REDACTED]", entry["api_key"])
	}
	if entry["client_id"] != "abc" {
		t.Errorf("client_id = %v, want abc", entry["client_id"])
	}
}

func TestNewLoggerBadPattern(t *testing.T) {
	_, _, err := NewLogger(LogConfig{RedactPatterns: []string{"("}})
	if err == nil {
		t.Fatal("expected error for invalid redact pattern")
	}
}

func TestNewLoggerDefaults(t *testing.T) {
	logger, closeFn, err := NewLogger(DefaultLogConfig())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer closeFn()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithClientID(ctx, "client-9")
	FromContext(ctx, logger).Info("handled")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}
	if entry["request_id"] != "req-1" {
		t.Errorf("request_id = %v, want req-1", entry["request_id"])
	}
	if entry["client_id"] != "client-9" {
		t.Errorf("client_id = %v, want client-9", entry["client_id"])
	}
}
