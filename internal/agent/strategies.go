package agent

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// StrategyResult is the recovery plan a strategy produces for one
// failed attempt.
type StrategyResult struct {
	ShouldRetry  bool
	ModifiedArgs map[string]any
	Wait         time.Duration
	Reason       string
	StrategyName string
}

// Strategy recovers from one class of tool errors by deciding whether
// to retry and how to adjust the arguments.
type Strategy interface {
	Name() string
	Matches(message string) bool
	Apply(message string, args map[string]any, attempt int) StrategyResult
}

func copyArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

func containsAny(message string, patterns ...string) bool {
	lower := strings.ToLower(message)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// fileNotFoundStrategy tries path spellings in a fixed order, one per
// attempt.
type fileNotFoundStrategy struct{}

var pathVariations = []func(string) string{
	func(p string) string { return "./" + p },
	func(p string) string { return strings.TrimLeft(p, "./") },
	func(p string) string { return strings.ReplaceAll(p, `\`, "/") },
	func(p string) string { return strings.ReplaceAll(p, "/", `\`) },
	strings.ToLower,
	func(p string) string { return "src/" + p },
	func(p string) string { return "lib/" + p },
}

var pathArgKeys = []string{"path", "file", "file_path", "filepath", "source"}

func (fileNotFoundStrategy) Name() string { return "file_not_found" }

func (fileNotFoundStrategy) Matches(message string) bool {
	return containsAny(message, "no such file", "not found", "does not exist", "cannot find", "enoent")
}

func (s fileNotFoundStrategy) Apply(message string, args map[string]any, attempt int) StrategyResult {
	var path, pathKey string
	for _, key := range pathArgKeys {
		if v, ok := args[key].(string); ok && v != "" {
			path, pathKey = v, key
			break
		}
	}
	if pathKey == "" {
		return StrategyResult{ModifiedArgs: args, Reason: "No path argument found"}
	}

	if attempt <= len(pathVariations) {
		newPath := pathVariations[attempt-1](path)
		modified := copyArgs(args)
		modified[pathKey] = newPath
		return StrategyResult{
			ShouldRetry:  true,
			ModifiedArgs: modified,
			Reason:       fmt.Sprintf("Trying path variation: %s", newPath),
			StrategyName: s.Name(),
		}
	}
	return StrategyResult{ModifiedArgs: args, Reason: "Exhausted path variations"}
}

// permissionDeniedStrategy never retries; escalation needs a human.
type permissionDeniedStrategy struct{}

func (permissionDeniedStrategy) Name() string { return "permission_denied" }

func (permissionDeniedStrategy) Matches(message string) bool {
	return containsAny(message, "permission denied", "access denied", "eacces", "eperm")
}

func (s permissionDeniedStrategy) Apply(message string, args map[string]any, attempt int) StrategyResult {
	return StrategyResult{
		ModifiedArgs: args,
		Reason:       "Permission denied - manual intervention required",
		StrategyName: s.Name(),
	}
}

// timeoutStrategy backs off exponentially and stretches an explicit
// timeout argument when present.
type timeoutStrategy struct{}

const (
	timeoutBaseWait = 2
	timeoutMaxWait  = 60 * time.Second
)

func (timeoutStrategy) Name() string { return "timeout" }

func (timeoutStrategy) Matches(message string) bool {
	return containsAny(message, "timeout", "timed out", "deadline exceeded")
}

func (s timeoutStrategy) Apply(message string, args map[string]any, attempt int) StrategyResult {
	wait := time.Duration(math.Pow(timeoutBaseWait, float64(attempt))) * time.Second
	if wait > timeoutMaxWait {
		wait = timeoutMaxWait
	}

	modified := copyArgs(args)
	if v, ok := modified["timeout"].(float64); ok {
		modified["timeout"] = v * 1.5
	}

	return StrategyResult{
		ShouldRetry:  true,
		ModifiedArgs: modified,
		Wait:         wait,
		Reason:       fmt.Sprintf("Timeout - waiting %s before retry", wait),
		StrategyName: s.Name(),
	}
}

// connectionStrategy retries connection failures with linear backoff.
type connectionStrategy struct{}

func (connectionStrategy) Name() string { return "connection_error" }

func (connectionStrategy) Matches(message string) bool {
	return containsAny(message,
		"connection refused", "connection reset", "network unreachable", "name resolution", "dns")
}

func (s connectionStrategy) Apply(message string, args map[string]any, attempt int) StrategyResult {
	wait := time.Duration(5*attempt) * time.Second
	if wait > 30*time.Second {
		wait = 30 * time.Second
	}
	return StrategyResult{
		ShouldRetry:  true,
		ModifiedArgs: args,
		Wait:         wait,
		Reason:       fmt.Sprintf("Connection error - waiting %s before retry", wait),
		StrategyName: s.Name(),
	}
}

// rateLimitStrategy honors a retry-after hint when the message carries
// one, otherwise backs off linearly.
type rateLimitStrategy struct{}

var retryAfterPattern = regexp.MustCompile(`retry.?after[:\s]+(\d+)`)

func (rateLimitStrategy) Name() string { return "rate_limit" }

func (rateLimitStrategy) Matches(message string) bool {
	return containsAny(message, "rate limit", "too many requests", "429", "quota exceeded", "throttled")
}

func (s rateLimitStrategy) Apply(message string, args map[string]any, attempt int) StrategyResult {
	var wait time.Duration
	if m := retryAfterPattern.FindStringSubmatch(strings.ToLower(message)); m != nil {
		if secs, err := strconv.Atoi(m[1]); err == nil {
			wait = time.Duration(secs) * time.Second
		}
	}
	if wait == 0 {
		wait = time.Duration(30*attempt) * time.Second
		if wait > 120*time.Second {
			wait = 120 * time.Second
		}
	}
	return StrategyResult{
		ShouldRetry:  true,
		ModifiedArgs: args,
		Wait:         wait,
		Reason:       fmt.Sprintf("Rate limited - waiting %s", wait),
		StrategyName: s.Name(),
	}
}

// validationStrategy coerces the type of the field named in the error
// message.
type validationStrategy struct{}

var quotedFieldPattern = regexp.MustCompile(`['"]([\w_]+)['"]`)

func (validationStrategy) Name() string { return "validation_error" }

func (validationStrategy) Matches(message string) bool {
	return containsAny(message,
		"invalid argument", "validation error", "bad request", "missing required", "type error")
}

func (s validationStrategy) Apply(message string, args map[string]any, attempt int) StrategyResult {
	modified := copyArgs(args)
	lower := strings.ToLower(message)

	if m := quotedFieldPattern.FindStringSubmatch(message); m != nil {
		field := m[1]
		if value, ok := modified[field]; ok {
			switch {
			case strings.Contains(lower, "integer"):
				if str, ok := value.(string); ok {
					if n, err := strconv.Atoi(str); err == nil {
						modified[field] = n
					}
				}
			case strings.Contains(lower, "string"):
				if _, ok := value.(string); !ok {
					modified[field] = fmt.Sprint(value)
				}
			}
			if strings.Contains(lower, "boolean") {
				switch value {
				case "true", "1", 1, float64(1):
					modified[field] = true
				case "false", "0", 0, float64(0):
					modified[field] = false
				}
			}
		}
	}

	if changed(args, modified) {
		return StrategyResult{
			ShouldRetry:  true,
			ModifiedArgs: modified,
			Reason:       "Applied type correction",
			StrategyName: s.Name(),
		}
	}
	return StrategyResult{ModifiedArgs: args, Reason: "Could not determine correction"}
}

func changed(a, b map[string]any) bool {
	if len(a) != len(b) {
		return true
	}
	for k, v := range a {
		if b[k] != v {
			return true
		}
	}
	return false
}

// syntaxErrorStrategy only identifies the error; regeneration is an
// LLM job.
type syntaxErrorStrategy struct{}

func (syntaxErrorStrategy) Name() string { return "syntax_error" }

func (syntaxErrorStrategy) Matches(message string) bool {
	return containsAny(message, "syntaxerror", "syntax error")
}

func (s syntaxErrorStrategy) Apply(message string, args map[string]any, attempt int) StrategyResult {
	return StrategyResult{
		ModifiedArgs: args,
		Reason:       "Syntax error requires code regeneration",
		StrategyName: s.Name(),
	}
}

// StrategyRegistry matches errors to recovery strategies in a fixed
// order.
type StrategyRegistry struct {
	strategies []Strategy
}

// NewStrategyRegistry returns a registry with the default strategies.
func NewStrategyRegistry() *StrategyRegistry {
	return &StrategyRegistry{strategies: []Strategy{
		fileNotFoundStrategy{},
		permissionDeniedStrategy{},
		timeoutStrategy{},
		connectionStrategy{},
		rateLimitStrategy{},
		validationStrategy{},
		syntaxErrorStrategy{},
	}}
}

// Register appends a custom strategy.
func (r *StrategyRegistry) Register(s Strategy) {
	r.strategies = append(r.strategies, s)
}

// Find returns the first strategy matching the error message.
func (r *StrategyRegistry) Find(message string) (Strategy, bool) {
	for _, s := range r.strategies {
		if s.Matches(message) {
			return s, true
		}
	}
	return nil, false
}

// RecoveryPlan applies the matching strategy. Unmatched errors get a
// generic plan: retry the first couple of attempts with exponential
// backoff.
func (r *StrategyRegistry) RecoveryPlan(message string, args map[string]any, attempt int) StrategyResult {
	if s, ok := r.Find(message); ok {
		return s.Apply(message, args, attempt)
	}
	return StrategyResult{
		ShouldRetry:  attempt < 3,
		ModifiedArgs: args,
		Wait:         time.Duration(math.Pow(2, float64(attempt))) * time.Second,
		Reason:       "No specific strategy, generic retry",
	}
}
