// Package server implements the MCP server runtime: the protocol
// engine that speaks JSON-RPC over a transport, the Catalog used by
// domain servers to register tools, resources, and prompts, and the
// hardened wrapper that adds validation, auth, rate limiting, and
// metrics around the core engine.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/conduit/internal/protocol"
)

// ToolHandler implements one tool. The returned value is normalized
// into tool content: content slices pass through, strings become text,
// maps become indented JSON, everything else is stringified.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// ResourceHandler produces the current content of a resource.
type ResourceHandler func(ctx context.Context) (string, error)

// PromptHandler renders a prompt template with the given arguments.
type PromptHandler func(ctx context.Context, args map[string]string) ([]protocol.PromptMessage, error)

// Backend is the capability surface the protocol engine serves. Both
// a single Catalog and an aggregating registry implement it.
type Backend interface {
	Name() string
	Version() string
	Instructions() string

	ListTools() []protocol.Tool
	CallTool(ctx context.Context, call *protocol.ToolCall) *protocol.ToolResult

	ListResources() []protocol.Resource
	ReadResource(ctx context.Context, uri string) (protocol.ResourceContent, error)

	ListPrompts() []protocol.Prompt
	GetPrompt(ctx context.Context, name string, args map[string]string) ([]protocol.PromptMessage, error)
}

// ErrNotFound distinguishes unknown entities from handler failures.
type ErrNotFound struct {
	Kind string // "tool", "resource", or "prompt"
	Name string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Name)
}

// Catalog is a registry of tools, resources, and prompts backing one
// domain server. It implements Backend.
type Catalog struct {
	name         string
	version      string
	instructions string
	logger       *slog.Logger

	mu            sync.RWMutex
	toolOrder     []string
	tools         map[string]protocol.Tool
	toolHandlers  map[string]ToolHandler
	resourceOrder []string
	resources     map[string]protocol.Resource
	resourceFns   map[string]ResourceHandler
	promptOrder   []string
	prompts       map[string]protocol.Prompt
	promptFns     map[string]PromptHandler
}

// NewCatalog creates an empty catalog. instructions may be empty.
func NewCatalog(name, version, instructions string, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		name:         name,
		version:      version,
		instructions: instructions,
		logger:       logger.With("component", "catalog", "server", name),
		tools:        make(map[string]protocol.Tool),
		toolHandlers: make(map[string]ToolHandler),
		resources:    make(map[string]protocol.Resource),
		resourceFns:  make(map[string]ResourceHandler),
		prompts:      make(map[string]protocol.Prompt),
		promptFns:    make(map[string]PromptHandler),
	}
}

func (c *Catalog) Name() string         { return c.name }
func (c *Catalog) Version() string      { return c.version }
func (c *Catalog) Instructions() string { return c.instructions }

// RegisterTool adds or replaces a tool.
func (c *Catalog) RegisterTool(name, description string, inputSchema json.RawMessage, handler ToolHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tools[name]; !exists {
		c.toolOrder = append(c.toolOrder, name)
	}
	c.tools[name] = protocol.Tool{Name: name, Description: description, InputSchema: inputSchema}
	c.toolHandlers[name] = handler
	c.logger.Debug("registered tool", "tool", name)
}

// RegisterResource adds or replaces a resource. handler may be nil,
// in which case reads return empty content.
func (c *Catalog) RegisterResource(uri, name, description, mimeType string, handler ResourceHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.resources[uri]; !exists {
		c.resourceOrder = append(c.resourceOrder, uri)
	}
	c.resources[uri] = protocol.Resource{URI: uri, Name: name, Description: description, MimeType: mimeType}
	if handler != nil {
		c.resourceFns[uri] = handler
	}
	c.logger.Debug("registered resource", "uri", uri)
}

// RegisterPrompt adds or replaces a prompt template.
func (c *Catalog) RegisterPrompt(name, description string, args []protocol.PromptArgument, handler PromptHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.prompts[name]; !exists {
		c.promptOrder = append(c.promptOrder, name)
	}
	c.prompts[name] = protocol.Prompt{Name: name, Description: description, Arguments: args}
	if handler != nil {
		c.promptFns[name] = handler
	}
	c.logger.Debug("registered prompt", "prompt", name)
}

// ListTools returns tools in registration order.
func (c *Catalog) ListTools() []protocol.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tools := make([]protocol.Tool, 0, len(c.toolOrder))
	for _, name := range c.toolOrder {
		tools = append(tools, c.tools[name])
	}
	return tools
}

// CallTool executes a tool. Unknown tools and handler failures are
// reported as error results, not protocol errors.
func (c *Catalog) CallTool(ctx context.Context, call *protocol.ToolCall) *protocol.ToolResult {
	c.mu.RLock()
	handler, ok := c.toolHandlers[call.Name]
	c.mu.RUnlock()
	if !ok {
		result := protocol.ErrorResult("Tool not found: %s", call.Name)
		result.CallID = call.CallID
		return result
	}

	output, err := handler(ctx, call.Arguments)
	if err != nil {
		c.logger.Error("tool execution failed", "tool", call.Name, "error", err)
		result := protocol.ErrorResult("%s", err.Error())
		result.CallID = call.CallID
		return result
	}
	return &protocol.ToolResult{CallID: call.CallID, Content: NormalizeOutput(output)}
}

// HasTool reports whether name is registered.
func (c *Catalog) HasTool(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tools[name]
	return ok
}

// ListResources returns resources in registration order.
func (c *Catalog) ListResources() []protocol.Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	resources := make([]protocol.Resource, 0, len(c.resourceOrder))
	for _, uri := range c.resourceOrder {
		resources = append(resources, c.resources[uri])
	}
	return resources
}

// ReadResource returns the current content of a registered resource.
func (c *Catalog) ReadResource(ctx context.Context, uri string) (protocol.ResourceContent, error) {
	c.mu.RLock()
	resource, ok := c.resources[uri]
	handler := c.resourceFns[uri]
	c.mu.RUnlock()
	if !ok {
		return protocol.ResourceContent{}, &ErrNotFound{Kind: "resource", Name: uri}
	}

	var text string
	if handler != nil {
		var err error
		text, err = handler(ctx)
		if err != nil {
			return protocol.ResourceContent{}, fmt.Errorf("read %s: %w", uri, err)
		}
	}
	return protocol.ResourceContent{URI: uri, MimeType: resource.MimeType, Text: text}, nil
}

// ListPrompts returns prompts in registration order.
func (c *Catalog) ListPrompts() []protocol.Prompt {
	c.mu.RLock()
	defer c.mu.RUnlock()
	prompts := make([]protocol.Prompt, 0, len(c.promptOrder))
	for _, name := range c.promptOrder {
		prompts = append(prompts, c.prompts[name])
	}
	return prompts
}

// GetPrompt renders a registered prompt. Prompts without handlers
// return no messages.
func (c *Catalog) GetPrompt(ctx context.Context, name string, args map[string]string) ([]protocol.PromptMessage, error) {
	c.mu.RLock()
	_, ok := c.prompts[name]
	handler := c.promptFns[name]
	c.mu.RUnlock()
	if !ok {
		return nil, &ErrNotFound{Kind: "prompt", Name: name}
	}
	if handler == nil {
		return nil, nil
	}
	return handler(ctx, args)
}

// NormalizeOutput converts a tool handler's return value into content.
func NormalizeOutput(output any) []protocol.ToolContent {
	switch v := output.(type) {
	case []protocol.ToolContent:
		return v
	case protocol.ToolContent:
		return []protocol.ToolContent{v}
	case string:
		return []protocol.ToolContent{protocol.TextContent(v)}
	case map[string]any:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return []protocol.ToolContent{protocol.TextContent(fmt.Sprint(v))}
		}
		return []protocol.ToolContent{protocol.TextContent(string(data))}
	case nil:
		return []protocol.ToolContent{protocol.TextContent("")}
	default:
		return []protocol.ToolContent{protocol.TextContent(fmt.Sprint(v))}
	}
}
