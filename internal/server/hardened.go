package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/conduit/internal/audit"
	"github.com/haasonsaas/conduit/internal/auth"
	"github.com/haasonsaas/conduit/internal/metrics"
	"github.com/haasonsaas/conduit/internal/protocol"
	"github.com/haasonsaas/conduit/internal/ratelimit"
	"github.com/haasonsaas/conduit/internal/schema"
)

// HardenedConfig tunes the hardened pipeline.
type HardenedConfig struct {
	// RequestTimeout bounds dispatch of a single request.
	RequestTimeout time.Duration

	// ValidateInputs gates tool arguments against their input schema
	// before the handler runs.
	ValidateInputs bool

	// StrictMethods rejects requests for methods outside the protocol
	// surface.
	StrictMethods bool
}

// Hardened wraps the core engine with the production pipeline:
// request validation, rate limiting, authentication, authorization,
// input schema validation, timeouts, metrics, and auditing.
type Hardened struct {
	core      *Server
	backend   Backend
	cfg       HardenedConfig
	requests  *schema.RequestValidator
	limiter   *ratelimit.Limiter
	security  *auth.Middleware
	collector *metrics.Collector
	logger    *slog.Logger
}

// NewHardened builds the hardened pipeline around backend. Nil limiter,
// security, or collector get working defaults.
func NewHardened(backend Backend, cfg HardenedConfig, limiter *ratelimit.Limiter, security *auth.Middleware, collector *metrics.Collector, logger *slog.Logger, opts ...Option) *Hardened {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if limiter == nil {
		limiter = ratelimit.NewLimiter(ratelimit.DefaultConfig(), logger)
	}
	if security == nil {
		security = auth.NewMiddleware(nil, nil, logger)
	}
	if collector == nil {
		collector = metrics.NewCollector()
	}

	vb := &validatingBackend{
		Backend:   backend,
		validator: schema.NewValidator(),
		collector: collector,
		enabled:   cfg.ValidateInputs,
		logger:    logger,
	}
	return &Hardened{
		core:      New(vb, logger, opts...),
		backend:   backend,
		cfg:       cfg,
		requests:  schema.NewRequestValidator(cfg.StrictMethods),
		limiter:   limiter,
		security:  security,
		collector: collector,
		logger:    logger.With("component", "hardened"),
	}
}

// Core exposes the wrapped engine for notification wiring.
func (h *Hardened) Core() *Server { return h.core }

// Collector exposes the metrics collector for exposition endpoints.
func (h *Hardened) Collector() *metrics.Collector { return h.collector }

// HandleMessage runs the full pipeline for one inbound frame. It
// satisfies transport.Handler.
func (h *Hardened) HandleMessage(ctx context.Context, clientID string, data []byte) []byte {
	return h.HandleWithCredentials(ctx, clientID, auth.Credentials{ClientID: clientID}, data)
}

// HandleWithCredentials is HandleMessage with explicit authentication
// credentials, for transports that carry them out of band.
func (h *Hardened) HandleWithCredentials(ctx context.Context, clientID string, creds auth.Credentials, data []byte) []byte {
	start := time.Now()

	frame, decErr := protocol.Decode(data)
	if decErr != nil {
		h.collector.RecordRequest("parse_error", time.Since(start), false)
		return encodeResponse(protocol.NewErrorResponse(nil, decErr))
	}

	if frame.Kind() != protocol.FrameRequest {
		// Notifications and stray responses skip the pipeline.
		return h.core.HandleMessage(ctx, clientID, data)
	}

	method := frame.Method
	requestID := frame.ID
	toolName := toolNameOf(method, frame.Params)

	if result := h.requests.ValidateRequest(frame); !result.Valid {
		h.collector.RecordRequest(method, time.Since(start), false)
		return encodeResponse(protocol.NewErrorResponse(requestID,
			protocol.NewError(protocol.CodeInvalidRequest, "%s", strings.Join(result.Errors, "; "))))
	}

	allowed, retryAfter := h.limiter.Check(clientID, toolName)
	if !allowed {
		h.collector.Increment(metrics.MetricRateLimitExceeded, 1, map[string]string{"client": clientID})
		h.security.Trail().Record(&audit.Event{Type: audit.EventRateLimited, ClientID: clientID, Resource: method})
		rpcErr := protocol.NewError(protocol.CodeRateLimited, "Rate limit exceeded")
		if retryAfter > 0 {
			rpcErr = rpcErr.WithData(map[string]float64{"retryAfter": retryAfter})
		}
		return encodeResponse(protocol.NewErrorResponse(requestID, rpcErr))
	}

	authCtx := h.security.Authenticate(creds)
	if !h.security.AuthorizeMethod(authCtx, method, toolName) {
		h.collector.RecordRequest(method, time.Since(start), false)
		return encodeResponse(protocol.NewErrorResponse(requestID,
			protocol.NewError(protocol.CodePermissionDenied, "Unauthorized")))
	}

	h.limiter.Consume(clientID, toolName)

	if method == protocol.MethodGetStats {
		resp, err := protocol.NewResponse(requestID, h.GetStats(clientID))
		if err != nil {
			return encodeResponse(protocol.NewErrorResponse(requestID,
				protocol.NewError(protocol.CodeInternalError, "failed to encode stats")))
		}
		h.collector.RecordRequest(method, time.Since(start), true)
		return encodeResponse(resp)
	}

	result, rpcErr := h.dispatchWithTimeout(ctx, clientID, method, frame.Params)
	h.collector.RecordRequest(method, time.Since(start), rpcErr == nil)
	if rpcErr != nil {
		return encodeResponse(protocol.NewErrorResponse(requestID, rpcErr))
	}
	resp, err := protocol.NewResponse(requestID, result)
	if err != nil {
		h.logger.Error("failed to encode result", "method", method, "error", err)
		return encodeResponse(protocol.NewErrorResponse(requestID,
			protocol.NewError(protocol.CodeInternalError, "failed to encode result")))
	}
	return encodeResponse(resp)
}

func (h *Hardened) dispatchWithTimeout(ctx context.Context, clientID, method string, params []byte) (any, *protocol.Error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.RequestTimeout)
	defer cancel()

	type outcome struct {
		result any
		rpcErr *protocol.Error
	}
	done := make(chan outcome, 1)
	go func() {
		result, rpcErr := h.core.Dispatch(ctx, clientID, method, params)
		done <- outcome{result, rpcErr}
	}()

	select {
	case out := <-done:
		return out.result, out.rpcErr
	case <-ctx.Done():
		h.logger.Warn("request timeout", "method", method)
		h.collector.Increment(metrics.MetricRequestTimeout, 1, map[string]string{"method": method})
		return nil, protocol.NewError(protocol.CodeTimeout,
			"Request timeout (%gs)", h.cfg.RequestTimeout.Seconds())
	}
}

// GetStats is the get_stats payload: a health snapshot plus the
// caller's rate limit state.
func (h *Hardened) GetStats(clientID string) map[string]any {
	return map[string]any{
		"server":     h.backend.Name(),
		"version":    h.backend.Version(),
		"metrics":    h.collector.GetStats(),
		"rate_limit": h.limiter.Stats(clientID),
	}
}

// Health is the REST health view.
func (h *Hardened) Health() any {
	stats := h.collector.GetStats()
	return map[string]any{
		"status":          "healthy",
		"server":          h.backend.Name(),
		"version":         h.backend.Version(),
		"tools_count":     len(h.backend.ListTools()),
		"resources_count": len(h.backend.ListResources()),
		"prompts_count":   len(h.backend.ListPrompts()),
		"metrics": map[string]any{
			"uptime_seconds": stats.UptimeSeconds,
			"total_requests": stats.TotalRequests,
			"error_rate":     stats.ErrorRate,
			"latency":        stats.Latency,
		},
	}
}

// Info is the REST server identity view.
func (h *Hardened) Info() any {
	return map[string]any{
		"name":            h.backend.Name(),
		"version":         h.backend.Version(),
		"protocolVersion": protocol.ProtocolVersion,
		"instructions":    h.backend.Instructions(),
	}
}

// Tools is the REST tool catalog view.
func (h *Hardened) Tools() any { return h.backend.ListTools() }

// Tool looks up one tool for the REST view.
func (h *Hardened) Tool(name string) (any, bool) {
	for _, tool := range h.backend.ListTools() {
		if tool.Name == name {
			return tool, true
		}
	}
	return nil, false
}

// Resources is the REST resource catalog view.
func (h *Hardened) Resources() any { return h.backend.ListResources() }

// Resource looks up one resource for the REST view.
func (h *Hardened) Resource(uri string) (any, bool) {
	for _, resource := range h.backend.ListResources() {
		if resource.URI == uri {
			return resource, true
		}
	}
	return nil, false
}

// Prompts is the REST prompt catalog view.
func (h *Hardened) Prompts() any { return h.backend.ListPrompts() }

// Prompt looks up one prompt for the REST view.
func (h *Hardened) Prompt(name string) (any, bool) {
	for _, prompt := range h.backend.ListPrompts() {
		if prompt.Name == name {
			return prompt, true
		}
	}
	return nil, false
}

// toolNameOf extracts the tool name from tools/call params for rate
// limiting and authorization.
func toolNameOf(method string, params []byte) string {
	if method != protocol.MethodToolsCall || len(params) == 0 {
		return ""
	}
	var p protocol.CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return ""
	}
	return p.Name
}

// validatingBackend gates tool arguments against the tool's schema and
// times every call. Validation failures come back as error results
// without invoking the handler.
type validatingBackend struct {
	Backend
	validator *schema.Validator
	collector *metrics.Collector
	enabled   bool
	logger    *slog.Logger
}

func (b *validatingBackend) CallTool(ctx context.Context, call *protocol.ToolCall) *protocol.ToolResult {
	if b.enabled {
		if tool, ok := b.findTool(call.Name); ok && len(tool.InputSchema) > 0 {
			result := b.validator.ValidateJSON(tool.InputSchema, call.Arguments)
			if !result.Valid {
				b.logger.Warn("tool input validation failed",
					"tool", call.Name, "errors", result.Errors)
				out := protocol.ErrorResult("Validation error: %s", strings.Join(result.Errors, "; "))
				out.CallID = call.CallID
				timer := b.collector.StartTool(call.Name)
				timer.MarkFailed()
				timer.Done()
				return out
			}
		}
	}

	timer := b.collector.StartTool(call.Name)
	result := b.Backend.CallTool(ctx, call)
	if result.IsError {
		timer.MarkFailed()
	}
	timer.Done()
	return result
}

// HasTool forwards the unknown-tool check to the wrapped backend.
func (b *validatingBackend) HasTool(name string) bool {
	if checker, ok := b.Backend.(toolChecker); ok {
		return checker.HasTool(name)
	}
	_, ok := b.findTool(name)
	return ok
}

func (b *validatingBackend) findTool(name string) (protocol.Tool, bool) {
	for _, tool := range b.Backend.ListTools() {
		if tool.Name == name {
			return tool, true
		}
	}
	return protocol.Tool{}, false
}
