package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/haasonsaas/conduit/internal/protocol"
)

// defaultPageSize bounds list results; a nextCursor is returned when
// more entries remain.
const defaultPageSize = 50

// Notifier is the outbound half of a transport, used for
// server-initiated notifications.
type Notifier interface {
	Send(clientID string, data []byte) error
	Broadcast(data []byte)
}

// toolChecker lets the engine distinguish unknown tools (a protocol
// error) from tool failures (an error result).
type toolChecker interface {
	HasTool(name string) bool
}

type sessionState int

const (
	stateUninitialized sessionState = iota
	stateInitializing
	stateReady
	stateShutdown
)

func (s sessionState) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateInitializing:
		return "initializing"
	case stateReady:
		return "ready"
	case stateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// session is the per-client protocol state.
type session struct {
	state         sessionState
	clientInfo    protocol.ClientInfo
	subscriptions map[string]bool
}

// Server is the core MCP protocol engine. It decodes JSON-RPC frames,
// tracks per-client lifecycle, and dispatches onto a Backend.
type Server struct {
	backend  Backend
	logger   *slog.Logger
	pageSize int

	mu        sync.RWMutex
	sessions  map[string]*session
	notifiers []Notifier
	minLevel  protocol.LogLevel
}

// Option configures a Server.
type Option func(*Server)

// WithPageSize overrides the list page size.
func WithPageSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// New creates a protocol engine over backend.
func New(backend Backend, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		backend:  backend,
		logger:   logger.With("component", "server", "server", backend.Name()),
		pageSize: defaultPageSize,
		sessions: make(map[string]*session),
		minLevel: protocol.LogInfo,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the capability surface the engine serves.
func (s *Server) Backend() Backend { return s.backend }

// RegisterNotifier attaches a transport's outbound path for
// server-initiated notifications.
func (s *Server) RegisterNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifiers = append(s.notifiers, n)
}

// HandleMessage processes one inbound frame and returns the serialized
// response, or nil for notifications. It satisfies transport.Handler.
func (s *Server) HandleMessage(ctx context.Context, clientID string, data []byte) []byte {
	frame, decErr := protocol.Decode(data)
	if decErr != nil {
		return encodeResponse(protocol.NewErrorResponse(nil, decErr))
	}

	switch frame.Kind() {
	case protocol.FrameNotification:
		s.handleNotification(ctx, clientID, frame.Notification())
		return nil
	case protocol.FrameResponse:
		// Responses to server-initiated requests; nothing outstanding.
		s.logger.Debug("ignoring unexpected response frame", "client_id", clientID)
		return nil
	}

	req := frame.Request()
	result, rpcErr := s.Dispatch(ctx, clientID, req.Method, req.Params)
	if rpcErr != nil {
		return encodeResponse(protocol.NewErrorResponse(req.ID, rpcErr))
	}
	resp, err := protocol.NewResponse(req.ID, result)
	if err != nil {
		s.logger.Error("failed to encode result", "method", req.Method, "error", err)
		return encodeResponse(protocol.NewErrorResponse(req.ID,
			protocol.NewError(protocol.CodeInternalError, "failed to encode result")))
	}
	return encodeResponse(resp)
}

// Dispatch routes one request to its method handler. It is exported so
// wrappers can layer checks around it without re-decoding frames.
func (s *Server) Dispatch(ctx context.Context, clientID, method string, params []byte) (any, *protocol.Error) {
	if rpcErr := s.checkLifecycle(clientID, method); rpcErr != nil {
		return nil, rpcErr
	}

	switch method {
	case protocol.MethodInitialize:
		return s.handleInitialize(clientID, params)
	case protocol.MethodShutdown:
		return s.handleShutdown(clientID)
	case protocol.MethodToolsList:
		return s.handleToolsList(params)
	case protocol.MethodToolsCall:
		return s.handleToolsCall(ctx, params)
	case protocol.MethodResourcesList:
		return s.handleResourcesList(params)
	case protocol.MethodResourcesRead:
		return s.handleResourcesRead(ctx, params)
	case protocol.MethodResourcesSubscribe:
		return s.handleSubscribe(clientID, params, true)
	case protocol.MethodResourcesUnsubscribe:
		return s.handleSubscribe(clientID, params, false)
	case protocol.MethodPromptsList:
		return s.handlePromptsList(params)
	case protocol.MethodPromptsGet:
		return s.handlePromptsGet(ctx, params)
	case protocol.MethodLoggingSetLevel:
		return s.handleSetLevel(params)
	default:
		return nil, protocol.NewError(protocol.CodeMethodNotFound, "Method not found: %s", method)
	}
}

// checkLifecycle enforces the session state machine: only initialize
// is accepted before a session exists, and nothing after shutdown.
func (s *Server) checkLifecycle(clientID, method string) *protocol.Error {
	_, state := s.sessionAndState(clientID)
	switch state {
	case stateUninitialized:
		if method != protocol.MethodInitialize {
			return protocol.NewError(protocol.CodeInvalidRequest, "server not initialized")
		}
	case stateShutdown:
		return protocol.NewError(protocol.CodeInvalidRequest, "server has shut down")
	default:
		if method == protocol.MethodInitialize {
			return protocol.NewError(protocol.CodeInvalidRequest, "server already initialized")
		}
	}
	return nil
}

func (s *Server) session(clientID string) *session {
	sess, _ := s.sessionAndState(clientID)
	return sess
}

func (s *Server) sessionAndState(clientID string) (*session, sessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[clientID]
	if !ok {
		sess = &session{subscriptions: make(map[string]bool)}
		s.sessions[clientID] = sess
	}
	return sess, sess.state
}

// SessionState reports the lifecycle state for a client, mainly for
// diagnostics.
func (s *Server) SessionState(clientID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[clientID]; ok {
		return sess.state.String()
	}
	return stateUninitialized.String()
}

func (s *Server) handleNotification(ctx context.Context, clientID string, n *protocol.Notification) {
	switch n.Method {
	case protocol.NotificationInitialized:
		sess := s.session(clientID)
		s.mu.Lock()
		if sess.state == stateInitializing {
			sess.state = stateReady
		}
		clientName := sess.clientInfo.Name
		s.mu.Unlock()
		s.logger.Info("client initialized",
			"client_id", clientID, "client", clientName)
	case protocol.NotificationCancelled:
		s.logger.Debug("request cancelled", "client_id", clientID, "params", string(n.Params))
	default:
		s.logger.Debug("unhandled notification", "method", n.Method)
	}
}

func (s *Server) handleInitialize(clientID string, params []byte) (any, *protocol.Error) {
	var p protocol.InitializeParams
	if len(params) > 0 {
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
	}

	sess := s.session(clientID)
	s.mu.Lock()
	sess.state = stateInitializing
	sess.clientInfo = p.ClientInfo
	s.mu.Unlock()

	s.logger.Info("initialize",
		"client_id", clientID,
		"client", p.ClientInfo.Name,
		"client_version", p.ClientInfo.Version,
		"protocol_version", p.ProtocolVersion)

	return &protocol.InitializeResult{
		ProtocolVersion: protocol.ProtocolVersion,
		Capabilities:    s.capabilities(),
		ServerInfo:      protocol.ServerInfo{Name: s.backend.Name(), Version: s.backend.Version()},
		Instructions:    s.backend.Instructions(),
	}, nil
}

// capabilities advertises only the surfaces the backend populates.
func (s *Server) capabilities() protocol.Capabilities {
	caps := protocol.Capabilities{Logging: &protocol.LoggingCapability{}}
	if len(s.backend.ListTools()) > 0 {
		caps.Tools = &protocol.ToolsCapability{ListChanged: true}
	}
	if len(s.backend.ListResources()) > 0 {
		caps.Resources = &protocol.ResourcesCapability{Subscribe: true, ListChanged: true}
	}
	if len(s.backend.ListPrompts()) > 0 {
		caps.Prompts = &protocol.PromptsCapability{ListChanged: true}
	}
	return caps
}

func (s *Server) handleShutdown(clientID string) (any, *protocol.Error) {
	sess := s.session(clientID)
	s.mu.Lock()
	sess.state = stateShutdown
	s.mu.Unlock()
	s.logger.Info("shutdown", "client_id", clientID)
	return map[string]any{}, nil
}

func (s *Server) handleToolsList(params []byte) (any, *protocol.Error) {
	var p protocol.ListParams
	if len(params) > 0 {
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
	}
	tools := s.backend.ListTools()
	start, rpcErr := decodeCursor(p.Cursor, len(tools))
	if rpcErr != nil {
		return nil, rpcErr
	}
	end, next := pageBounds(start, len(tools), s.pageSize)

	out := make([]*protocol.Tool, 0, end-start)
	for i := start; i < end; i++ {
		tool := tools[i]
		out = append(out, &tool)
	}
	return &protocol.ListToolsResult{Tools: out, NextCursor: next}, nil
}

func (s *Server) handleToolsCall(ctx context.Context, params []byte) (any, *protocol.Error) {
	var p protocol.CallToolParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "tool name is required")
	}
	if checker, ok := s.backend.(toolChecker); ok && !checker.HasTool(p.Name) {
		return nil, protocol.NewError(protocol.CodeToolNotFound, "Tool not found: %s", p.Name)
	}
	call := protocol.NewToolCall(p.Name, p.Arguments)
	return s.backend.CallTool(ctx, call), nil
}

func (s *Server) handleResourcesList(params []byte) (any, *protocol.Error) {
	var p protocol.ListParams
	if len(params) > 0 {
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
	}
	resources := s.backend.ListResources()
	start, rpcErr := decodeCursor(p.Cursor, len(resources))
	if rpcErr != nil {
		return nil, rpcErr
	}
	end, next := pageBounds(start, len(resources), s.pageSize)

	out := make([]*protocol.Resource, 0, end-start)
	for i := start; i < end; i++ {
		resource := resources[i]
		out = append(out, &resource)
	}
	return &protocol.ListResourcesResult{Resources: out, NextCursor: next}, nil
}

func (s *Server) handleResourcesRead(ctx context.Context, params []byte) (any, *protocol.Error) {
	var p protocol.ReadResourceParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.URI == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "resource uri is required")
	}
	content, err := s.backend.ReadResource(ctx, p.URI)
	if err != nil {
		var notFound *ErrNotFound
		if errors.As(err, &notFound) {
			return nil, protocol.NewError(protocol.CodeResourceNotFound, "Resource not found: %s", p.URI)
		}
		return nil, protocol.NewError(protocol.CodeInternalError, "%s", err.Error())
	}
	return &protocol.ReadResourceResult{Contents: []*protocol.ResourceContent{&content}}, nil
}

func (s *Server) handleSubscribe(clientID string, params []byte, subscribe bool) (any, *protocol.Error) {
	var p protocol.SubscribeParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.URI == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "resource uri is required")
	}
	if subscribe {
		known := false
		for _, r := range s.backend.ListResources() {
			if r.URI == p.URI {
				known = true
				break
			}
		}
		if !known {
			return nil, protocol.NewError(protocol.CodeResourceNotFound, "Resource not found: %s", p.URI)
		}
	}

	sess := s.session(clientID)
	s.mu.Lock()
	if subscribe {
		sess.subscriptions[p.URI] = true
	} else {
		delete(sess.subscriptions, p.URI)
	}
	s.mu.Unlock()
	return map[string]any{}, nil
}

func (s *Server) handlePromptsList(params []byte) (any, *protocol.Error) {
	var p protocol.ListParams
	if len(params) > 0 {
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
	}
	prompts := s.backend.ListPrompts()
	start, rpcErr := decodeCursor(p.Cursor, len(prompts))
	if rpcErr != nil {
		return nil, rpcErr
	}
	end, next := pageBounds(start, len(prompts), s.pageSize)

	out := make([]*protocol.Prompt, 0, end-start)
	for i := start; i < end; i++ {
		prompt := prompts[i]
		out = append(out, &prompt)
	}
	return &protocol.ListPromptsResult{Prompts: out, NextCursor: next}, nil
}

func (s *Server) handlePromptsGet(ctx context.Context, params []byte) (any, *protocol.Error) {
	var p protocol.GetPromptParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "prompt name is required")
	}
	messages, err := s.backend.GetPrompt(ctx, p.Name, p.Arguments)
	if err != nil {
		var notFound *ErrNotFound
		if errors.As(err, &notFound) {
			return nil, protocol.NewError(protocol.CodeInvalidParams, "Prompt not found: %s", p.Name)
		}
		return nil, protocol.NewError(protocol.CodeInternalError, "%s", err.Error())
	}
	if messages == nil {
		messages = []protocol.PromptMessage{}
	}
	return &protocol.GetPromptResult{Messages: messages}, nil
}

func (s *Server) handleSetLevel(params []byte) (any, *protocol.Error) {
	var p protocol.SetLevelParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.Level == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "level is required")
	}
	s.mu.Lock()
	s.minLevel = p.Level
	s.mu.Unlock()
	s.logger.Info("log level changed", "level", string(p.Level))
	return map[string]any{}, nil
}

// NotifyProgress sends a progress notification to one client.
func (s *Server) NotifyProgress(clientID string, token any, progress float64, message string) error {
	data, err := encodeNotification(protocol.NotificationProgress, &protocol.ProgressParams{
		ProgressToken: token,
		Progress:      progress,
		Message:       message,
	})
	if err != nil {
		return err
	}
	return s.send(clientID, data)
}

// NotifyMessage broadcasts a log notification, filtered by the level
// set via logging/setLevel.
func (s *Server) NotifyMessage(level protocol.LogLevel, loggerName string, payload any) error {
	s.mu.RLock()
	minLevel := s.minLevel
	s.mu.RUnlock()
	if level.Severity() < minLevel.Severity() {
		return nil
	}
	data, err := encodeNotification(protocol.NotificationMessage, &protocol.LogMessageParams{
		Level:  level,
		Logger: loggerName,
		Data:   payload,
	})
	if err != nil {
		return err
	}
	s.broadcast(data)
	return nil
}

// NotifyResourceUpdated informs only the clients subscribed to uri.
func (s *Server) NotifyResourceUpdated(uri string) error {
	data, err := encodeNotification(protocol.NotificationResourcesUpdated,
		&protocol.ResourceUpdatedParams{URI: uri})
	if err != nil {
		return err
	}

	s.mu.RLock()
	targets := make([]string, 0)
	for clientID, sess := range s.sessions {
		if sess.subscriptions[uri] {
			targets = append(targets, clientID)
		}
	}
	s.mu.RUnlock()

	for _, clientID := range targets {
		if err := s.send(clientID, data); err != nil {
			s.logger.Warn("resource update delivery failed",
				"client_id", clientID, "uri", uri, "error", err)
		}
	}
	return nil
}

// NotifyToolsListChanged broadcasts notifications/tools/list_changed.
func (s *Server) NotifyToolsListChanged() error {
	return s.broadcastNotification(protocol.NotificationToolsListChanged)
}

// NotifyResourcesListChanged broadcasts notifications/resources/list_changed.
func (s *Server) NotifyResourcesListChanged() error {
	return s.broadcastNotification(protocol.NotificationResourcesListChanged)
}

// NotifyPromptsListChanged broadcasts notifications/prompts/list_changed.
func (s *Server) NotifyPromptsListChanged() error {
	return s.broadcastNotification(protocol.NotificationPromptsListChanged)
}

func (s *Server) broadcastNotification(method string) error {
	data, err := encodeNotification(method, nil)
	if err != nil {
		return err
	}
	s.broadcast(data)
	return nil
}

func (s *Server) send(clientID string, data []byte) error {
	s.mu.RLock()
	notifiers := s.notifiers
	s.mu.RUnlock()
	var lastErr error
	for _, n := range notifiers {
		if err := n.Send(clientID, data); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no transport reaches client %q", clientID)
	}
	return lastErr
}

func (s *Server) broadcast(data []byte) {
	s.mu.RLock()
	notifiers := s.notifiers
	s.mu.RUnlock()
	for _, n := range notifiers {
		n.Broadcast(data)
	}
}

func unmarshalParams(params []byte, dst any) *protocol.Error {
	if len(params) == 0 {
		return protocol.NewError(protocol.CodeInvalidParams, "params are required")
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return protocol.NewError(protocol.CodeInvalidParams, "invalid params: %v", err)
	}
	return nil
}

func encodeResponse(resp *protocol.Response) []byte {
	data, err := protocol.Encode(resp)
	if err != nil {
		// Fall back to a minimal internal error frame.
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return data
}

func encodeNotification(method string, params any) ([]byte, error) {
	n, err := protocol.NewNotification(method, params)
	if err != nil {
		return nil, err
	}
	return protocol.Encode(n)
}

// decodeCursor turns an opaque cursor back into a list offset.
func decodeCursor(cursor string, total int) (int, *protocol.Error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil || !strings.HasPrefix(string(raw), "o:") {
		return 0, protocol.NewError(protocol.CodeInvalidParams, "invalid cursor")
	}
	offset, err := strconv.Atoi(strings.TrimPrefix(string(raw), "o:"))
	if err != nil || offset < 0 || offset > total {
		return 0, protocol.NewError(protocol.CodeInvalidParams, "invalid cursor")
	}
	return offset, nil
}

func encodeCursor(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte("o:" + strconv.Itoa(offset)))
}

// pageBounds computes the slice bounds for a page and the next cursor,
// empty when the page reaches the end.
func pageBounds(start, total, pageSize int) (end int, next string) {
	end = start + pageSize
	if end >= total {
		return total, ""
	}
	return end, encodeCursor(end)
}
