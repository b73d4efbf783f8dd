// Package auth provides authentication and role-based authorization for
// MCP requests: pluggable credential providers, roles with per-tool
// allow/deny lists, and middleware that maps methods to permissions and
// records every decision on the audit trail.
package auth

// Permission is a named capability a role can hold.
type Permission string

const (
	// Tool permissions
	PermToolsList          Permission = "tools:list"
	PermToolsCall          Permission = "tools:call"
	PermToolsCallDangerous Permission = "tools:call:dangerous"

	// Resource permissions
	PermResourcesList  Permission = "resources:list"
	PermResourcesRead  Permission = "resources:read"
	PermResourcesWrite Permission = "resources:write"

	// Prompt permissions
	PermPromptsList Permission = "prompts:list"
	PermPromptsGet  Permission = "prompts:get"

	// Admin permissions
	PermAdminConfig Permission = "admin:config"
	PermAdminLogs   Permission = "admin:logs"
)

// AllPermissions lists every defined permission.
var AllPermissions = []Permission{
	PermToolsList,
	PermToolsCall,
	PermToolsCallDangerous,
	PermResourcesList,
	PermResourcesRead,
	PermResourcesWrite,
	PermPromptsList,
	PermPromptsGet,
	PermAdminConfig,
	PermAdminLogs,
}

// Role bundles permissions with optional per-tool allow and deny lists.
// A nil ToolAllowlist means every tool is allowed; the denylist always
// applies.
type Role struct {
	Name          string              `json:"name"`
	Permissions   map[Permission]bool `json:"permissions"`
	ToolAllowlist map[string]bool     `json:"tool_allowlist,omitempty"`
	ToolDenylist  map[string]bool     `json:"tool_denylist,omitempty"`
}

// NewRole builds a role from a permission list.
func NewRole(name string, permissions ...Permission) *Role {
	perms := make(map[Permission]bool, len(permissions))
	for _, p := range permissions {
		perms[p] = true
	}
	return &Role{Name: name, Permissions: perms}
}

// Predefined roles.
var (
	RoleReadOnly = NewRole("readonly",
		PermToolsList, PermResourcesList, PermResourcesRead, PermPromptsList, PermPromptsGet)

	RoleUser = NewRole("user",
		PermToolsList, PermToolsCall, PermResourcesList, PermResourcesRead, PermPromptsList, PermPromptsGet)

	RoleAdmin = NewRole("admin", AllPermissions...)
)

// Context is the request-scoped outcome of authentication. It is derived
// per request and never persisted.
type Context struct {
	ClientID      string         `json:"client_id"`
	Authenticated bool           `json:"authenticated"`
	Role          *Role          `json:"role,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// HasPermission reports whether the context holds a permission.
func (c *Context) HasPermission(permission Permission) bool {
	if !c.Authenticated || c.Role == nil {
		return false
	}
	return c.Role.Permissions[permission]
}

// CanCallTool reports whether the context may invoke a specific tool,
// applying the role's deny and allow lists on top of the tools:call
// permission.
func (c *Context) CanCallTool(toolName string) bool {
	if !c.HasPermission(PermToolsCall) {
		return false
	}
	if c.Role.ToolDenylist[toolName] {
		return false
	}
	if c.Role.ToolAllowlist != nil {
		return c.Role.ToolAllowlist[toolName]
	}
	return true
}
