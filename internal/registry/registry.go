// Package registry aggregates multiple domain servers behind one MCP
// surface. Tools are exposed under "server.tool" names (bare names
// also route, last registration wins), resources route by URI, and
// prompts by name.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/conduit/internal/protocol"
	"github.com/haasonsaas/conduit/internal/server"
)

// Registry fans one Backend surface out to many registered servers.
// It implements server.Backend, so it can sit behind the protocol
// engine or the hardened pipeline like any single Catalog.
type Registry struct {
	name    string
	version string
	logger  *slog.Logger

	mu         sync.RWMutex
	order      []string
	servers    map[string]server.Backend
	toolRoutes map[string]toolRoute // "server.tool" and bare "tool"
	promptable map[string]string    // prompt name -> server name
}

type toolRoute struct {
	serverName string
	toolName   string
}

// New creates an empty registry.
func New(name, version string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		name:       name,
		version:    version,
		logger:     logger.With("component", "registry"),
		servers:    make(map[string]server.Backend),
		toolRoutes: make(map[string]toolRoute),
		promptable: make(map[string]string),
	}
}

// RegisterServer adds a server under its own name as the tool prefix.
func (r *Registry) RegisterServer(b server.Backend) error {
	name := b.Name()
	if name == "" {
		return fmt.Errorf("server has no name")
	}
	if strings.Contains(name, ".") {
		return fmt.Errorf("server name %q must not contain '.'", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.servers[name]; exists {
		return fmt.Errorf("server %q already registered", name)
	}
	r.servers[name] = b
	r.order = append(r.order, name)
	r.rebuildRoutes()

	r.logger.Info("server registered",
		"server", name,
		"tools", len(b.ListTools()),
		"resources", len(b.ListResources()),
		"prompts", len(b.ListPrompts()))
	return nil
}

// UnregisterServer removes a server and its routes. Returns false when
// the server was not registered.
func (r *Registry) UnregisterServer(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.servers[name]; !exists {
		return false
	}
	delete(r.servers, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.rebuildRoutes()
	r.logger.Info("server unregistered", "server", name)
	return true
}

// rebuildRoutes recomputes tool and prompt routing. Callers hold the
// write lock. Bare tool names collide across servers; the later
// registration wins, matching the prefixed-name-is-canonical rule.
func (r *Registry) rebuildRoutes() {
	r.toolRoutes = make(map[string]toolRoute)
	r.promptable = make(map[string]string)
	for _, name := range r.order {
		b := r.servers[name]
		for _, tool := range b.ListTools() {
			route := toolRoute{serverName: name, toolName: tool.Name}
			r.toolRoutes[name+"."+tool.Name] = route
			r.toolRoutes[tool.Name] = route
		}
		for _, prompt := range b.ListPrompts() {
			r.promptable[prompt.Name] = name
		}
	}
}

// ServerNames returns registered server names in registration order.
func (r *Registry) ServerNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Server returns a registered server by name.
func (r *Registry) Server(name string) (server.Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.servers[name]
	return b, ok
}

// Name implements server.Backend.
func (r *Registry) Name() string { return r.name }

// Version implements server.Backend.
func (r *Registry) Version() string { return r.version }

// Instructions summarizes the registered servers for the initialize
// handshake.
func (r *Registry) Instructions() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("Registry with %d servers: %s",
		len(r.order), strings.Join(r.order, ", "))
}

// ListTools returns every server's tools under prefixed names, with
// the owning server tagged in the description.
func (r *Registry) ListTools() []protocol.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var tools []protocol.Tool
	for _, name := range r.order {
		for _, tool := range r.servers[name].ListTools() {
			tool.Name = name + "." + tool.Name
			tool.Description = fmt.Sprintf("[%s] %s", name, tool.Description)
			tools = append(tools, tool)
		}
	}
	return tools
}

// HasTool reports whether a prefixed or bare tool name routes to a
// registered server.
func (r *Registry) HasTool(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.toolRoutes[name]
	return ok
}

// CallTool routes a call to the owning server, stripping the server
// prefix from the tool name.
func (r *Registry) CallTool(ctx context.Context, call *protocol.ToolCall) *protocol.ToolResult {
	r.mu.RLock()
	route, ok := r.toolRoutes[call.Name]
	var target server.Backend
	if ok {
		target = r.servers[route.serverName]
	}
	r.mu.RUnlock()

	if !ok {
		result := protocol.ErrorResult("Tool not found: %s", call.Name)
		result.CallID = call.CallID
		return result
	}

	routed := *call
	routed.Name = route.toolName
	return target.CallTool(ctx, &routed)
}

// ListResources aggregates resources from every server. URIs are
// globally unique already, so they pass through unprefixed.
func (r *Registry) ListResources() []protocol.Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var resources []protocol.Resource
	for _, name := range r.order {
		resources = append(resources, r.servers[name].ListResources()...)
	}
	return resources
}

// ReadResource routes by URI: an exact match against a server's
// resource list wins, then the longest URI-prefix match for servers
// that expose hierarchical resources.
func (r *Registry) ReadResource(ctx context.Context, uri string) (protocol.ResourceContent, error) {
	r.mu.RLock()
	var exact server.Backend
	var prefixed server.Backend
	prefixLen := -1
	for _, name := range r.order {
		b := r.servers[name]
		for _, resource := range b.ListResources() {
			if resource.URI == uri {
				exact = b
			} else if strings.HasPrefix(uri, resource.URI) && len(resource.URI) > prefixLen {
				prefixed = b
				prefixLen = len(resource.URI)
			}
		}
	}
	r.mu.RUnlock()

	if exact != nil {
		return exact.ReadResource(ctx, uri)
	}
	if prefixed != nil {
		return prefixed.ReadResource(ctx, uri)
	}
	return protocol.ResourceContent{}, &server.ErrNotFound{Kind: "resource", Name: uri}
}

// ListPrompts aggregates prompts from every server.
func (r *Registry) ListPrompts() []protocol.Prompt {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var prompts []protocol.Prompt
	for _, name := range r.order {
		prompts = append(prompts, r.servers[name].ListPrompts()...)
	}
	return prompts
}

// GetPrompt routes by prompt name.
func (r *Registry) GetPrompt(ctx context.Context, name string, args map[string]string) ([]protocol.PromptMessage, error) {
	r.mu.RLock()
	serverName, ok := r.promptable[name]
	var target server.Backend
	if ok {
		target = r.servers[serverName]
	}
	r.mu.RUnlock()

	if !ok {
		return nil, &server.ErrNotFound{Kind: "prompt", Name: name}
	}
	return target.GetPrompt(ctx, name, args)
}

// Stats counts the aggregated surface.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := map[string]int{"servers": len(r.order)}
	for _, name := range r.order {
		b := r.servers[name]
		stats["tools"] += len(b.ListTools())
		stats["resources"] += len(b.ListResources())
		stats["prompts"] += len(b.ListPrompts())
	}
	return stats
}

// ToolNames returns every routable tool name, prefixed names first,
// sorted for stable display.
func (r *Registry) ToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.toolRoutes))
	for name := range r.toolRoutes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
