// Package protocol defines the Model Context Protocol (MCP) data model and
// the JSON-RPC 2.0 codec the rest of the runtime speaks.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ProtocolVersion is the MCP revision this runtime implements. Servers echo
// it back during initialize regardless of what the client sent.
const ProtocolVersion = "2024-11-05"

// Method names fixed by the protocol.
const (
	MethodInitialize           = "initialize"
	MethodShutdown             = "shutdown"
	MethodToolsList            = "tools/list"
	MethodToolsCall            = "tools/call"
	MethodResourcesList        = "resources/list"
	MethodResourcesRead        = "resources/read"
	MethodResourcesSubscribe   = "resources/subscribe"
	MethodResourcesUnsubscribe = "resources/unsubscribe"
	MethodPromptsList          = "prompts/list"
	MethodPromptsGet           = "prompts/get"
	MethodLoggingSetLevel      = "logging/setLevel"
	MethodGetStats             = "get_stats"

	NotificationInitialized          = "notifications/initialized"
	NotificationCancelled            = "notifications/cancelled"
	NotificationProgress             = "notifications/progress"
	NotificationMessage              = "notifications/message"
	NotificationResourcesUpdated     = "notifications/resources/updated"
	NotificationResourcesListChanged = "notifications/resources/list_changed"
	NotificationToolsListChanged     = "notifications/tools/list_changed"
	NotificationPromptsListChanged   = "notifications/prompts/list_changed"
)

// Tool describes an invocable function exposed by a server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Resource describes an addressable content blob exposed by a server.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Prompt describes a parameterized message template exposed by a server.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes one parameter of a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ResourceContent holds the content of a resource read. Exactly one of Text
// or Blob is set; Blob is base64 encoded.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// PromptMessage is one message in a rendered prompt.
type PromptMessage struct {
	Role    string         `json:"role"` // user | assistant
	Content MessageContent `json:"content"`
}

// MessageContent holds the content of a prompt message.
type MessageContent struct {
	Type     string           `json:"type"` // text | image | resource
	Text     string           `json:"text,omitempty"`
	Data     string           `json:"data,omitempty"`
	MimeType string           `json:"mimeType,omitempty"`
	Resource *ResourceContent `json:"resource,omitempty"`
}

// Content types for tool results and prompt messages.
const (
	ContentTypeText     = "text"
	ContentTypeImage    = "image"
	ContentTypeResource = "resource"
)

// ToolContent is one piece of content from a tool invocation.
type ToolContent struct {
	Type     string           `json:"type"`
	Text     string           `json:"text,omitempty"`
	Data     string           `json:"data,omitempty"` // base64 for images
	MimeType string           `json:"mimeType,omitempty"`
	Resource *ResourceContent `json:"resource,omitempty"`
}

// TextContent wraps a string as text tool content.
func TextContent(text string) ToolContent {
	return ToolContent{Type: ContentTypeText, Text: text}
}

// ToolResult is the outcome of a tool invocation. Dispatch failures surface
// here as IsError with a text content; they never escape as JSON-RPC errors.
type ToolResult struct {
	CallID  string        `json:"callId,omitempty"`
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ErrorResult builds a ToolResult carrying a single error message.
func ErrorResult(format string, args ...any) *ToolResult {
	return &ToolResult{
		Content: []ToolContent{TextContent(fmt.Sprintf(format, args...))},
		IsError: true,
	}
}

// TextResult builds a successful ToolResult with a single text content.
func TextResult(text string) *ToolResult {
	return &ToolResult{Content: []ToolContent{TextContent(text)}}
}

// Text concatenates the text parts of the result content.
func (r *ToolResult) Text() string {
	var out string
	for _, c := range r.Content {
		if c.Type == ContentTypeText {
			out += c.Text
		}
	}
	return out
}

// ToolCall is a request to invoke a named tool.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	CallID    string         `json:"callId"`
}

// NewToolCall builds a ToolCall with a fresh call ID.
func NewToolCall(name string, arguments map[string]any) *ToolCall {
	if arguments == nil {
		arguments = map[string]any{}
	}
	return &ToolCall{Name: name, Arguments: arguments, CallID: uuid.NewString()}
}

// ServerInfo identifies a server implementation.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientInfo identifies a client implementation.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities advertises the optional surfaces a peer supports.
type Capabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Logging   *LoggingCapability   `json:"logging,omitempty"`
}

// ToolsCapability describes tool-related capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability describes resource-related capabilities.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// PromptsCapability describes prompt-related capabilities.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability describes logging-related capabilities.
type LoggingCapability struct{}

// InitializeParams holds the parameters of the initialize method.
type InitializeParams struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ClientInfo      ClientInfo   `json:"clientInfo"`
}

// InitializeResult holds the result of the initialize method.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
	Instructions    string       `json:"instructions,omitempty"`
}

// ListParams holds the cursor shared by tools/list, resources/list,
// and prompts/list.
type ListParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult holds the result of tools/list.
type ListToolsResult struct {
	Tools      []*Tool `json:"tools"`
	NextCursor string  `json:"nextCursor,omitempty"`
}

// ListResourcesResult holds the result of resources/list.
type ListResourcesResult struct {
	Resources  []*Resource `json:"resources"`
	NextCursor string      `json:"nextCursor,omitempty"`
}

// ListPromptsResult holds the result of prompts/list.
type ListPromptsResult struct {
	Prompts    []*Prompt `json:"prompts"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

// ReadResourceParams holds the parameters of resources/read.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ReadResourceResult holds the result of resources/read.
type ReadResourceResult struct {
	Contents []*ResourceContent `json:"contents"`
}

// CallToolParams holds the parameters of tools/call.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// GetPromptParams holds the parameters of prompts/get.
type GetPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// GetPromptResult holds the result of prompts/get.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// SubscribeParams holds the parameters of resources/subscribe and
// resources/unsubscribe.
type SubscribeParams struct {
	URI string `json:"uri"`
}

// SetLevelParams holds the parameters of logging/setLevel.
type SetLevelParams struct {
	Level LogLevel `json:"level"`
}

// ProgressParams holds the parameters of notifications/progress.
// Progress runs from 0 to 1.
type ProgressParams struct {
	ProgressToken any     `json:"progressToken,omitempty"`
	Progress      float64 `json:"progress"`
	Message       string  `json:"message,omitempty"`
}

// CancelledParams holds the parameters of notifications/cancelled.
type CancelledParams struct {
	RequestID any    `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

// LogMessageParams holds the parameters of notifications/message.
type LogMessageParams struct {
	Level  LogLevel `json:"level"`
	Logger string   `json:"logger,omitempty"`
	Data   any      `json:"data"`
}

// ResourceUpdatedParams holds the parameters of
// notifications/resources/updated.
type ResourceUpdatedParams struct {
	URI string `json:"uri"`
}

// LogLevel is an MCP logging severity.
type LogLevel string

const (
	LogDebug     LogLevel = "debug"
	LogInfo      LogLevel = "info"
	LogNotice    LogLevel = "notice"
	LogWarning   LogLevel = "warning"
	LogError     LogLevel = "error"
	LogCritical  LogLevel = "critical"
	LogAlert     LogLevel = "alert"
	LogEmergency LogLevel = "emergency"
)

var logSeverity = map[LogLevel]int{
	LogDebug:     0,
	LogInfo:      1,
	LogNotice:    2,
	LogWarning:   3,
	LogError:     4,
	LogCritical:  5,
	LogAlert:     6,
	LogEmergency: 7,
}

// Severity returns the numeric rank of the level, with debug lowest.
// Unknown levels rank as info.
func (l LogLevel) Severity() int {
	if s, ok := logSeverity[l]; ok {
		return s
	}
	return logSeverity[LogInfo]
}
