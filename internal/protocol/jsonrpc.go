package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// MCP error codes. CodeRateLimited is outside the reserved range but fixed
// by convention.
const (
	CodeToolNotFound     = -32001
	CodeResourceNotFound = -32002
	CodePermissionDenied = -32003
	CodeTimeout          = -32004
	CodeRateLimited      = -32029
)

// Error is a JSON-RPC 2.0 error object. It implements error so dispatch
// code can return it directly.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an Error with no data attached.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData returns a copy of the error with data marshaled in. Marshal
// failures drop the data rather than fail the error path.
func (e *Error) WithData(data any) *Error {
	out := &Error{Code: e.Code, Message: e.Message}
	if raw, err := json.Marshal(data); err == nil {
		out.Data = raw
	}
	return out
}

// Request is a JSON-RPC 2.0 request. ID is a string or a number per the
// spec; json.Unmarshal yields float64 for numeric ids.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response. ID is always emitted, including the
// null id on parse-error responses.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification is a JSON-RPC 2.0 notification: a request with no id, and
// therefore no response.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest builds a request, marshaling params. Nil params are omitted.
func NewRequest(id any, method string, params any) (*Request, error) {
	req := &Request{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		req.Params = raw
	}
	return req, nil
}

// NewNotification builds a notification, marshaling params.
func NewNotification(method string, params any) (*Notification, error) {
	n := &Notification{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		n.Params = raw
	}
	return n, nil
}

// NewResponse builds a success response, marshaling the result.
func NewResponse(id any, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: "2.0", ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id any, rpcErr *Error) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: rpcErr}
}

// FrameKind classifies a decoded frame.
type FrameKind int

const (
	FrameRequest FrameKind = iota
	FrameNotification
	FrameResponse
)

func (k FrameKind) String() string {
	switch k {
	case FrameRequest:
		return "request"
	case FrameNotification:
		return "notification"
	case FrameResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Frame is a decoded JSON-RPC message of any kind. HasID distinguishes an
// absent or null id from a present one; a null id counts as absent so the
// frame classifies as a notification.
type Frame struct {
	JSONRPC   string
	ID        any
	HasID     bool
	Method    string
	Params    json.RawMessage
	Result    json.RawMessage
	HasResult bool
	Error     *Error
	HasError  bool
}

// Kind classifies the frame: a request carries both method and id, a
// response carries result or error with no method, everything else with a
// method is a notification.
func (f *Frame) Kind() FrameKind {
	if f.Method != "" {
		if f.HasID {
			return FrameRequest
		}
		return FrameNotification
	}
	return FrameResponse
}

// Request converts the frame to a Request. Valid only when Kind is
// FrameRequest.
func (f *Frame) Request() *Request {
	return &Request{JSONRPC: f.JSONRPC, ID: f.ID, Method: f.Method, Params: f.Params}
}

// Notification converts the frame to a Notification.
func (f *Frame) Notification() *Notification {
	return &Notification{JSONRPC: f.JSONRPC, Method: f.Method, Params: f.Params}
}

// Response converts the frame to a Response.
func (f *Frame) Response() *Response {
	return &Response{JSONRPC: f.JSONRPC, ID: f.ID, Result: f.Result, Error: f.Error}
}

// Decode parses a single JSON-RPC frame. It returns a *Error (not a plain
// error) so callers can put the code straight on the wire: CodeParseError
// for malformed JSON, CodeInvalidRequest for well-formed JSON with the
// wrong shape. Batch arrays are not supported and decode as invalid
// requests.
func Decode(data []byte) (*Frame, *Error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, NewError(CodeParseError, "empty message")
	}
	if trimmed[0] == '[' {
		return nil, NewError(CodeInvalidRequest, "batch requests are not supported")
	}
	if trimmed[0] != '{' {
		return nil, NewError(CodeInvalidRequest, "message must be a JSON object")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, NewError(CodeParseError, "invalid JSON: %v", err)
	}

	frame := &Frame{}

	rawVersion, ok := fields["jsonrpc"]
	if !ok {
		return nil, NewError(CodeInvalidRequest, "missing jsonrpc field")
	}
	if err := json.Unmarshal(rawVersion, &frame.JSONRPC); err != nil || frame.JSONRPC != "2.0" {
		return nil, NewError(CodeInvalidRequest, "jsonrpc must be \"2.0\"")
	}

	if rawID, ok := fields["id"]; ok && !bytes.Equal(rawID, []byte("null")) {
		var id any
		if err := json.Unmarshal(rawID, &id); err != nil {
			return nil, NewError(CodeInvalidRequest, "invalid id")
		}
		switch id.(type) {
		case string, float64:
		default:
			return nil, NewError(CodeInvalidRequest, "id must be a string or number")
		}
		frame.ID = id
		frame.HasID = true
	}

	if rawMethod, ok := fields["method"]; ok {
		if err := json.Unmarshal(rawMethod, &frame.Method); err != nil || frame.Method == "" {
			return nil, NewError(CodeInvalidRequest, "method must be a non-empty string")
		}
	}

	if rawParams, ok := fields["params"]; ok && !bytes.Equal(rawParams, []byte("null")) {
		p := bytes.TrimSpace(rawParams)
		if len(p) == 0 || p[0] != '{' {
			return nil, NewError(CodeInvalidRequest, "params must be an object")
		}
		frame.Params = rawParams
	}

	if rawResult, ok := fields["result"]; ok {
		frame.Result = rawResult
		frame.HasResult = true
	}
	if rawError, ok := fields["error"]; ok && !bytes.Equal(rawError, []byte("null")) {
		var rpcErr Error
		if err := json.Unmarshal(rawError, &rpcErr); err != nil {
			return nil, NewError(CodeInvalidRequest, "invalid error object")
		}
		frame.Error = &rpcErr
		frame.HasError = true
	}

	if frame.Method == "" {
		if frame.HasResult == frame.HasError {
			return nil, NewError(CodeInvalidRequest, "frame must carry a method, or exactly one of result and error")
		}
	}

	return frame, nil
}

// Encode marshals a frame value (Request, Response, or Notification) to its
// wire form.
func Encode(frame any) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// IDKey normalizes a JSON-RPC id for use as a map key: numeric ids compare
// equal across int/float decodings, string ids are prefixed to avoid
// colliding with numerics.
func IDKey(id any) string {
	switch v := id.(type) {
	case string:
		return "s:" + v
	case float64:
		return fmt.Sprintf("n:%v", v)
	case int:
		return fmt.Sprintf("n:%v", float64(v))
	case int64:
		return fmt.Sprintf("n:%v", float64(v))
	default:
		return fmt.Sprintf("o:%v", v)
	}
}
