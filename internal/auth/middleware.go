package auth

import (
	"log/slog"

	"github.com/haasonsaas/conduit/internal/audit"
	"github.com/haasonsaas/conduit/internal/protocol"
)

// methodPermissions maps MCP methods to the permission they require.
// Methods absent from the map (lifecycle, notifications) need none.
var methodPermissions = map[string]Permission{
	protocol.MethodToolsList:     PermToolsList,
	protocol.MethodToolsCall:     PermToolsCall,
	protocol.MethodResourcesList: PermResourcesList,
	protocol.MethodResourcesRead: PermResourcesRead,
	protocol.MethodPromptsList:   PermPromptsList,
	protocol.MethodPromptsGet:    PermPromptsGet,
}

// Middleware wraps a Provider with authorization checks and audit logging.
type Middleware struct {
	provider Provider
	trail    *audit.Trail
	logger   *slog.Logger
}

// NewMiddleware builds security middleware. A nil provider defaults to
// NoAuthProvider; a nil trail disables audit fan-out but keeps decisions
// in the log.
func NewMiddleware(provider Provider, trail *audit.Trail, logger *slog.Logger) *Middleware {
	if provider == nil {
		provider = NewNoAuthProvider()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if trail == nil {
		trail = audit.NewTrail(logger)
	}
	return &Middleware{provider: provider, trail: trail, logger: logger.With("component", "auth")}
}

// Trail exposes the audit trail for additional sinks.
func (m *Middleware) Trail() *audit.Trail {
	return m.trail
}

// Authenticate validates credentials. It never fails hard: a provider
// error or rejection yields an unauthenticated context for the authorizer
// to deny.
func (m *Middleware) Authenticate(credentials Credentials) *Context {
	ctx, err := m.provider.Authenticate(credentials)
	if err != nil {
		m.logger.Error("authentication error", "error", err)
	}
	if ctx != nil {
		m.trail.Record(&audit.Event{Type: audit.EventAuthSuccess, ClientID: ctx.ClientID})
		return ctx
	}

	clientID := credentials.ClientID
	if clientID == "" {
		clientID = "unknown"
	}
	m.trail.Record(&audit.Event{Type: audit.EventAuthFailed, ClientID: clientID})
	return &Context{ClientID: clientID, Authenticated: false}
}

// Authorize checks a permission, optionally scoped to a resource such as a
// tool name. For tools:call the role's allow/deny lists apply.
func (m *Middleware) Authorize(ctx *Context, permission Permission, resource string) bool {
	if !ctx.Authenticated {
		m.record(audit.EventAuthzDenied, ctx.ClientID, permission, resource)
		return false
	}

	var allowed bool
	if permission == PermToolsCall && resource != "" {
		allowed = ctx.CanCallTool(resource)
	} else {
		allowed = ctx.HasPermission(permission)
	}

	if allowed {
		m.record(audit.EventAuthzGranted, ctx.ClientID, permission, resource)
	} else {
		m.record(audit.EventAuthzDenied, ctx.ClientID, permission, resource)
	}
	return allowed
}

// AuthorizeMethod checks the permission required by an MCP method.
// toolName is consulted only for tools/call. Methods with no mapped
// permission (lifecycle, notifications) are always authorized.
func (m *Middleware) AuthorizeMethod(ctx *Context, method, toolName string) bool {
	permission, ok := methodPermissions[method]
	if !ok {
		return true
	}

	resource := ""
	if method == protocol.MethodToolsCall {
		resource = toolName
	}
	return m.Authorize(ctx, permission, resource)
}

func (m *Middleware) record(eventType audit.EventType, clientID string, permission Permission, resource string) {
	m.trail.Record(&audit.Event{
		Type:       eventType,
		ClientID:   clientID,
		Permission: string(permission),
		Resource:   resource,
	})
}
