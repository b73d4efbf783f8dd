// Package observability provides structured logging for the conduit runtime.
//
// Logging is built on log/slog with configurable level, format, and
// output destination, plus optional redaction of sensitive attribute
// values before they are emitted.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig controls logger construction.
type LogConfig struct {
	Level          string   `yaml:"level" json:"level"`
	Format         string   `yaml:"format" json:"format"` // "json" or "text"
	Output         string   `yaml:"output" json:"output"` // "stdout", "stderr", or a file path
	AddSource      bool     `yaml:"add_source" json:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns" json:"redact_patterns"`
}

// DefaultLogConfig returns a text logger at info level on stderr.
// Stderr is the default so stdio transports keep stdout clean for
// protocol frames.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:          "info",
		Format:         "text",
		Output:         "stderr",
		RedactPatterns: DefaultRedactPatterns(),
	}
}

// DefaultRedactPatterns matches attribute keys whose values should be
// masked in log output.
func DefaultRedactPatterns() []string {
	return []string{
		`(?i)token`,
		`(?i)secret`,
		`(?i)password`,
		`(?i)api[_-]?key`,
		`(?i)authorization`,
		`(?i)signature`,
	}
}

// ParseLevel maps a level name to its slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a *slog.Logger from cfg. The returned close function
// releases the output file when one was opened; for stdout/stderr it
// is a no-op.
func NewLogger(cfg LogConfig) (*slog.Logger, func() error, error) {
	var (
		out     io.Writer
		closeFn = func() error { return nil }
	)
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		out = f
		closeFn = f.Close
	}

	redactors := make([]*regexp.Regexp, 0, len(cfg.RedactPatterns))
	for _, p := range cfg.RedactPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			if closeFn != nil {
				_ = closeFn()
			}
			return nil, nil, err
		}
		redactors = append(redactors, re)
	}

	opts := &slog.HandlerOptions{
		Level:       ParseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: redactAttr(redactors),
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closeFn, nil
}

// redactAttr masks the value of any attribute whose key matches one of
// the configured patterns.
func redactAttr(redactors []*regexp.Regexp) func([]string, slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		for _, re := range redactors {
			if re.MatchString(a.Key) {
				a.Value = slog.StringValue("[REDACTED]")
				break
			}
		}
		return a
	}
}

type contextKey string

// Context keys for request-scoped log correlation.
const (
	RequestIDKey contextKey = "request_id"
	ClientIDKey  contextKey = "client_id"
	MethodKey    contextKey = "method"
)

// WithRequestID stores a request id for later retrieval by FromContext.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// WithClientID stores a client id for later retrieval by FromContext.
func WithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ClientIDKey, id)
}

// FromContext returns logger enriched with any correlation ids carried
// by ctx.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if v, ok := ctx.Value(RequestIDKey).(string); ok && v != "" {
		logger = logger.With("request_id", v)
	}
	if v, ok := ctx.Value(ClientIDKey).(string); ok && v != "" {
		logger = logger.With("client_id", v)
	}
	if v, ok := ctx.Value(MethodKey).(string); ok && v != "" {
		logger = logger.With("method", v)
	}
	return logger
}
