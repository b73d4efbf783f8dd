package schema

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/conduit/internal/protocol"
)

// knownMethods is the fixed MCP method set enforced in strict mode.
var knownMethods = map[string]bool{
	protocol.MethodInitialize:           true,
	protocol.MethodShutdown:             true,
	protocol.MethodToolsList:            true,
	protocol.MethodToolsCall:            true,
	protocol.MethodResourcesList:        true,
	protocol.MethodResourcesRead:        true,
	protocol.MethodResourcesSubscribe:   true,
	protocol.MethodResourcesUnsubscribe: true,
	protocol.MethodPromptsList:          true,
	protocol.MethodPromptsGet:           true,
	protocol.MethodLoggingSetLevel:      true,
	protocol.MethodGetStats:             true,
}

// RequestValidator checks JSON-RPC frames for protocol compliance. In
// strict mode unknown non-notification methods are rejected; otherwise
// they pass through for the dispatcher to handle.
type RequestValidator struct {
	Strict bool
}

// NewRequestValidator returns a request validator.
func NewRequestValidator(strict bool) *RequestValidator {
	return &RequestValidator{Strict: strict}
}

// ValidateRequest checks a request frame's shape. Frames arriving here
// already decoded, so the checks mirror the decode-level rules plus the
// strict-mode method check.
func (rv *RequestValidator) ValidateRequest(frame *protocol.Frame) *Result {
	var errors, warnings []string

	if frame.JSONRPC != "2.0" {
		errors = append(errors, "Invalid or missing jsonrpc version (must be '2.0')")
	}

	method := frame.Method
	if method == "" {
		errors = append(errors, "Missing required field: 'method'")
	} else if rv.Strict && !knownMethods[method] && !strings.HasPrefix(method, "notifications/") {
		errors = append(errors, fmt.Sprintf("Unknown method: '%s'", method))
	}

	if method != "" && !strings.HasPrefix(method, "notifications/") && !frame.HasID {
		warnings = append(warnings, "Request missing 'id' field (will be treated as notification)")
	}

	return &Result{Valid: len(errors) == 0, Errors: errors, Warnings: warnings}
}

// ValidateResponse checks a response frame's shape: version, the
// result-or-error requirement, and the error object fields.
func (rv *RequestValidator) ValidateResponse(frame *protocol.Frame) *Result {
	var errors []string

	if frame.JSONRPC != "2.0" {
		errors = append(errors, "Invalid or missing jsonrpc version")
	}
	if !frame.HasResult && !frame.HasError {
		errors = append(errors, "Response must have either 'result' or 'error'")
	}
	if frame.HasError {
		if frame.Error.Message == "" {
			errors = append(errors, "Error missing 'message'")
		}
	}

	return &Result{Valid: len(errors) == 0, Errors: errors}
}
