// Package client is a typed MCP client. It speaks JSON-RPC over stdio,
// WebSocket, or HTTP, correlates responses by request id, and surfaces
// server-initiated notifications through a handler.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/conduit/internal/protocol"
)

const defaultRequestTimeout = 30 * time.Second

// NotificationHandler receives server-initiated notifications.
type NotificationHandler func(method string, params json.RawMessage)

// Client is a connection to one MCP server.
type Client struct {
	conn    conn
	logger  *slog.Logger
	timeout time.Duration
	name    string
	version string

	nextID atomic.Int64
	onNote atomic.Pointer[NotificationHandler]

	serverInfo   protocol.ServerInfo
	instructions string
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithClientInfo sets the identity sent in the initialize handshake.
func WithClientInfo(name, version string) Option {
	return func(c *Client) {
		c.name = name
		c.version = version
	}
}

func newClient(opts ...Option) *Client {
	c := &Client{
		logger:  slog.Default(),
		timeout: defaultRequestTimeout,
		name:    "conduit-client",
		version: "1.0.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "client")
	return c
}

// OnNotification installs the handler for server-initiated
// notifications. Safe to call while requests are in flight.
func (c *Client) OnNotification(handler NotificationHandler) {
	c.onNote.Store(&handler)
}

// ServerInfo returns the server identity from the initialize handshake.
func (c *Client) ServerInfo() protocol.ServerInfo { return c.serverInfo }

// Instructions returns the server's initialize instructions.
func (c *Client) Instructions() string { return c.instructions }

// Close tears down the connection. In-flight requests fail.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Initialize performs the initialize request and remembers the server
// identity. Call Initialized after it succeeds.
func (c *Client) Initialize(ctx context.Context) (*protocol.InitializeResult, error) {
	params := protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		Capabilities:    protocol.Capabilities{},
		ClientInfo:      protocol.ClientInfo{Name: c.name, Version: c.version},
	}
	var result protocol.InitializeResult
	if err := c.call(ctx, protocol.MethodInitialize, params, &result); err != nil {
		return nil, err
	}
	c.serverInfo = result.ServerInfo
	c.instructions = result.Instructions
	return &result, nil
}

// Initialized sends the initialized notification, completing the
// handshake.
func (c *Client) Initialized(ctx context.Context) error {
	return c.notify(ctx, protocol.NotificationInitialized, nil)
}

// Connect runs the full handshake: initialize then initialized.
func (c *Client) Connect(ctx context.Context) (*protocol.InitializeResult, error) {
	result, err := c.Initialize(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Initialized(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

// ListTools fetches one page of tools. An empty cursor starts at the
// beginning.
func (c *Client) ListTools(ctx context.Context, cursor string) (*protocol.ListToolsResult, error) {
	var result protocol.ListToolsResult
	if err := c.call(ctx, protocol.MethodToolsList, protocol.ListParams{Cursor: cursor}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AllTools walks the cursor chain and returns every tool.
func (c *Client) AllTools(ctx context.Context) ([]*protocol.Tool, error) {
	var tools []*protocol.Tool
	cursor := ""
	for {
		page, err := c.ListTools(ctx, cursor)
		if err != nil {
			return nil, err
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// CallTool invokes a tool and returns its result. Tool-level failures
// come back as a result with IsError set, not as an error.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*protocol.ToolResult, error) {
	params := protocol.CallToolParams{Name: name, Arguments: arguments}
	var result protocol.ToolResult
	if err := c.call(ctx, protocol.MethodToolsCall, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListResources fetches one page of resources.
func (c *Client) ListResources(ctx context.Context, cursor string) (*protocol.ListResourcesResult, error) {
	var result protocol.ListResourcesResult
	if err := c.call(ctx, protocol.MethodResourcesList, protocol.ListParams{Cursor: cursor}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReadResource reads a resource's content by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*protocol.ReadResourceResult, error) {
	var result protocol.ReadResourceResult
	if err := c.call(ctx, protocol.MethodResourcesRead, protocol.ReadResourceParams{URI: uri}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Subscribe registers for update notifications on a resource.
func (c *Client) Subscribe(ctx context.Context, uri string) error {
	var result map[string]any
	return c.call(ctx, protocol.MethodResourcesSubscribe, protocol.SubscribeParams{URI: uri}, &result)
}

// Unsubscribe cancels a resource subscription.
func (c *Client) Unsubscribe(ctx context.Context, uri string) error {
	var result map[string]any
	return c.call(ctx, protocol.MethodResourcesUnsubscribe, protocol.SubscribeParams{URI: uri}, &result)
}

// ListPrompts fetches one page of prompts.
func (c *Client) ListPrompts(ctx context.Context, cursor string) (*protocol.ListPromptsResult, error) {
	var result protocol.ListPromptsResult
	if err := c.call(ctx, protocol.MethodPromptsList, protocol.ListParams{Cursor: cursor}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetPrompt renders a prompt with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*protocol.GetPromptResult, error) {
	params := protocol.GetPromptParams{Name: name, Arguments: args}
	var result protocol.GetPromptResult
	if err := c.call(ctx, protocol.MethodPromptsGet, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SetLogLevel sets the minimum level for logging notifications.
func (c *Client) SetLogLevel(ctx context.Context, level protocol.LogLevel) error {
	var result map[string]any
	return c.call(ctx, protocol.MethodLoggingSetLevel, protocol.SetLevelParams{Level: level}, &result)
}

// GetStats fetches the server's operational stats.
func (c *Client) GetStats(ctx context.Context) (map[string]json.RawMessage, error) {
	var result map[string]json.RawMessage
	if err := c.call(ctx, protocol.MethodGetStats, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Shutdown asks the server to end the session.
func (c *Client) Shutdown(ctx context.Context) error {
	var result map[string]any
	return c.call(ctx, protocol.MethodShutdown, nil, &result)
}

// call performs one request/response exchange. A *protocol.Error from
// the server is returned as the error.
func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	id := c.nextID.Add(1)
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return err
	}
	payload, err := protocol.Encode(req)
	if err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	raw, err := c.conn.Call(ctx, id, payload)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	frame, decErr := protocol.Decode(raw)
	if decErr != nil {
		return fmt.Errorf("%s: invalid response: %w", method, decErr)
	}
	if frame.HasError {
		return frame.Error
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(frame.Result, result); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

// notify sends a notification; no response is expected.
func (c *Client) notify(ctx context.Context, method string, params any) error {
	note, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	payload, err := protocol.Encode(note)
	if err != nil {
		return err
	}
	return c.conn.Notify(ctx, payload)
}

// dispatch routes an unsolicited inbound frame to the notification
// handler.
func (c *Client) dispatch(data []byte) {
	frame, decErr := protocol.Decode(data)
	if decErr != nil {
		c.logger.Warn("dropping malformed server message", "error", decErr)
		return
	}
	if frame.Kind() != protocol.FrameNotification {
		c.logger.Debug("dropping unexpected server frame", "kind", frame.Kind().String())
		return
	}
	if handler := c.onNote.Load(); handler != nil {
		(*handler)(frame.Method, frame.Params)
	}
}
