package auth

import (
	"strconv"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/internal/audit"
	"github.com/haasonsaas/conduit/internal/protocol"
)

func TestRolePermissions(t *testing.T) {
	tests := []struct {
		name       string
		role       *Role
		permission Permission
		want       bool
	}{
		{"readonly can list tools", RoleReadOnly, PermToolsList, true},
		{"readonly cannot call tools", RoleReadOnly, PermToolsCall, false},
		{"user can call tools", RoleUser, PermToolsCall, true},
		{"user lacks admin config", RoleUser, PermAdminConfig, false},
		{"admin has everything", RoleAdmin, PermToolsCallDangerous, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := &Context{ClientID: "c", Authenticated: true, Role: tt.role}
			if got := ctx.HasPermission(tt.permission); got != tt.want {
				t.Errorf("HasPermission(%s) = %v, want %v", tt.permission, got, tt.want)
			}
		})
	}
}

func TestUnauthenticatedHasNothing(t *testing.T) {
	ctx := &Context{ClientID: "c", Authenticated: false, Role: RoleAdmin}
	if ctx.HasPermission(PermToolsList) {
		t.Error("unauthenticated context should hold no permissions")
	}
	if ctx.CanCallTool("echo") {
		t.Error("unauthenticated context should not call tools")
	}
}

func TestCanCallTool(t *testing.T) {
	role := NewRole("limited", PermToolsCall)
	role.ToolDenylist = map[string]bool{"fs.delete_file": true}
	ctx := &Context{ClientID: "c", Authenticated: true, Role: role}

	if !ctx.CanCallTool("fs.read_file") {
		t.Error("tool outside denylist should be allowed")
	}
	if ctx.CanCallTool("fs.delete_file") {
		t.Error("denylisted tool should be blocked")
	}

	role.ToolAllowlist = map[string]bool{"fs.read_file": true}
	if ctx.CanCallTool("fs.write_file") {
		t.Error("tool outside allowlist should be blocked")
	}
	if !ctx.CanCallTool("fs.read_file") {
		t.Error("allowlisted tool should be allowed")
	}
}

func TestNoAuthProvider(t *testing.T) {
	p := NewNoAuthProvider()

	ctx, err := p.Authenticate(Credentials{ClientID: "c1"})
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if !ctx.Authenticated || ctx.ClientID != "c1" || ctx.Role != RoleUser {
		t.Errorf("context = %+v", ctx)
	}

	ctx, _ = p.Authenticate(Credentials{})
	if ctx.ClientID != "anonymous" {
		t.Errorf("ClientID = %q, want anonymous", ctx.ClientID)
	}
}

func TestTokenProvider(t *testing.T) {
	p := NewTokenProvider()
	token, err := p.GenerateToken(RoleUser)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	ctx, err := p.Authenticate(Credentials{Token: token})
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if ctx == nil || !ctx.Authenticated {
		t.Fatal("valid token rejected")
	}
	if len(ctx.ClientID) != 16 {
		t.Errorf("ClientID = %q, want 16 hex chars of the token hash", ctx.ClientID)
	}

	if ctx, _ := p.Authenticate(Credentials{Token: "wrong"}); ctx != nil {
		t.Error("invalid token accepted")
	}
	if ctx, _ := p.Authenticate(Credentials{}); ctx != nil {
		t.Error("empty token accepted")
	}

	if !p.RevokeToken(token) {
		t.Error("RevokeToken() = false for known token")
	}
	if ctx, _ := p.Authenticate(Credentials{Token: token}); ctx != nil {
		t.Error("revoked token accepted")
	}
}

func TestHMACProvider(t *testing.T) {
	p := NewHMACProvider(nil)
	secret, err := p.GenerateClient("svc-1", RoleUser)
	if err != nil {
		t.Fatalf("GenerateClient() error = %v", err)
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	body := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`

	ctx, err := p.Authenticate(Credentials{
		ClientID:  "svc-1",
		Timestamp: ts,
		Signature: Sign(secret, "svc-1", ts, body),
		Body:      body,
	})
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if ctx == nil || !ctx.Authenticated || ctx.ClientID != "svc-1" {
		t.Fatalf("valid signature rejected: %+v", ctx)
	}

	tests := []struct {
		name  string
		creds Credentials
	}{
		{"wrong signature", Credentials{ClientID: "svc-1", Timestamp: ts, Signature: "deadbeef", Body: body}},
		{"unknown client", Credentials{ClientID: "nobody", Timestamp: ts, Signature: Sign(secret, "nobody", ts, body), Body: body}},
		{"tampered body", Credentials{ClientID: "svc-1", Timestamp: ts, Signature: Sign(secret, "svc-1", ts, body), Body: body + "x"}},
		{"non-numeric timestamp", Credentials{ClientID: "svc-1", Timestamp: "soon", Signature: "x", Body: body}},
		{"missing fields", Credentials{ClientID: "svc-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if ctx, _ := p.Authenticate(tt.creds); ctx != nil {
				t.Error("authentication succeeded, want rejection")
			}
		})
	}
}

func TestHMACStaleTimestamp(t *testing.T) {
	p := NewHMACProvider(nil)
	secret, _ := p.GenerateClient("svc-1", RoleUser)

	stale := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	ctx, _ := p.Authenticate(Credentials{
		ClientID:  "svc-1",
		Timestamp: stale,
		Signature: Sign(secret, "svc-1", stale, ""),
	})
	if ctx != nil {
		t.Error("stale timestamp accepted")
	}

	// Just inside the window passes.
	recent := strconv.FormatInt(time.Now().Add(-4*time.Minute).Unix(), 10)
	ctx, _ = p.Authenticate(Credentials{
		ClientID:  "svc-1",
		Timestamp: recent,
		Signature: Sign(secret, "svc-1", recent, ""),
	})
	if ctx == nil {
		t.Error("timestamp inside window rejected")
	}
}

func TestMiddlewareAuthorizeMethod(t *testing.T) {
	m := NewMiddleware(NewNoAuthProvider(), nil, nil)
	ctx := m.Authenticate(Credentials{ClientID: "c1"})

	tests := []struct {
		method string
		tool   string
		want   bool
	}{
		{protocol.MethodToolsList, "", true},
		{protocol.MethodToolsCall, "echo", true},
		{protocol.MethodInitialize, "", true},
		{protocol.MethodShutdown, "", true},
		{protocol.NotificationInitialized, "", true},
	}
	for _, tt := range tests {
		if got := m.AuthorizeMethod(ctx, tt.method, tt.tool); got != tt.want {
			t.Errorf("AuthorizeMethod(%s) = %v, want %v", tt.method, got, tt.want)
		}
	}
}

func TestMiddlewareDeniesReadonlyToolCall(t *testing.T) {
	provider := NewNoAuthProvider()
	provider.DefaultRole = RoleReadOnly
	trail := audit.NewTrail(nil)
	sink := audit.NewMemorySink()
	trail.AddSink(sink.Sink())
	m := NewMiddleware(provider, trail, nil)

	ctx := m.Authenticate(Credentials{ClientID: "c1"})
	if m.AuthorizeMethod(ctx, protocol.MethodToolsCall, "echo") {
		t.Error("readonly role should be denied tools/call")
	}
	if !m.AuthorizeMethod(ctx, protocol.MethodToolsList, "") {
		t.Error("readonly role should be allowed tools/list")
	}

	if got := len(sink.ByType(audit.EventAuthzDenied)); got != 1 {
		t.Errorf("denied audit events = %d, want 1", got)
	}
	if got := len(sink.ByType(audit.EventAuthzGranted)); got != 1 {
		t.Errorf("granted audit events = %d, want 1", got)
	}
}

func TestMiddlewareAuthFailureAudited(t *testing.T) {
	trail := audit.NewTrail(nil)
	sink := audit.NewMemorySink()
	trail.AddSink(sink.Sink())
	m := NewMiddleware(NewTokenProvider(), trail, nil)

	ctx := m.Authenticate(Credentials{ClientID: "c1", Token: "bogus"})
	if ctx.Authenticated {
		t.Fatal("bogus token authenticated")
	}
	if got := len(sink.ByType(audit.EventAuthFailed)); got != 1 {
		t.Errorf("auth.failed events = %d, want 1", got)
	}
	if m.AuthorizeMethod(ctx, protocol.MethodToolsList, "") {
		t.Error("unauthenticated context authorized")
	}
}
