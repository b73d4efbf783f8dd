// Package agent implements autonomous task execution on top of the MCP
// surface: an executor with retry strategies and LLM-guided argument
// repair, risk-based confirmation for destructive tools, and an
// orchestrator running the plan, execute, verify, retry loop.
package agent

import "strings"

// Category buckets an error for the retry decision.
type Category string

const (
	// CategoryTransient errors (network, timeout) retry as-is.
	CategoryTransient Category = "transient"
	// CategoryRecoverable errors (bad arguments) retry with fixes.
	CategoryRecoverable Category = "recoverable"
	// CategoryFatal errors (permission, missing entity) do not retry.
	CategoryFatal Category = "fatal"
	// CategoryUnknown errors go to the LLM for analysis.
	CategoryUnknown Category = "unknown"
)

var transientPatterns = []string{
	"timeout",
	"connection",
	"network",
	"temporary",
	"unavailable",
	"rate limit",
	"too many requests",
}

var recoverablePatterns = []string{
	"invalid argument",
	"bad request",
	"missing parameter",
	"type error",
	"validation",
}

var fatalPatterns = []string{
	"permission denied",
	"unauthorized",
	"forbidden",
	"not found",
	"does not exist",
	"authentication",
}

// Classify buckets an error message. Transient patterns win over
// recoverable, which win over fatal; anything unmatched is unknown.
func Classify(message string) Category {
	lower := strings.ToLower(message)
	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return CategoryTransient
		}
	}
	for _, p := range recoverablePatterns {
		if strings.Contains(lower, p) {
			return CategoryRecoverable
		}
	}
	for _, p := range fatalPatterns {
		if strings.Contains(lower, p) {
			return CategoryFatal
		}
	}
	return CategoryUnknown
}
