package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/haasonsaas/conduit/internal/protocol"
)

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	return New(testCatalog(), nil, opts...)
}

// roundTrip sends a request and decodes the response.
func roundTrip(t *testing.T, s interface {
	HandleMessage(ctx context.Context, clientID string, data []byte) []byte
}, clientID, body string) *protocol.Frame {
	t.Helper()
	raw := s.HandleMessage(context.Background(), clientID, []byte(body))
	if raw == nil {
		t.Fatalf("no response for %s", body)
	}
	frame, decErr := protocol.Decode(raw)
	if decErr != nil {
		t.Fatalf("invalid response %s: %v", raw, decErr)
	}
	return frame
}

// initClient drives a client through initialize and initialized.
func initClient(t *testing.T, s interface {
	HandleMessage(ctx context.Context, clientID string, data []byte) []byte
}, clientID string) {
	t.Helper()
	frame := roundTrip(t, s, clientID,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"1.0"}}}`)
	if frame.HasError {
		t.Fatalf("initialize failed: %+v", frame.Error)
	}
	if resp := s.HandleMessage(context.Background(), clientID,
		[]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)); resp != nil {
		t.Fatalf("initialized notification produced a response: %s", resp)
	}
}

func TestInitializeResult(t *testing.T) {
	s := newTestServer(t)
	frame := roundTrip(t, s, "c1",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"1.0"}}}`)

	var result protocol.InitializeResult
	if err := json.Unmarshal(frame.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.ProtocolVersion != "2024-11-05" {
		t.Errorf("protocolVersion = %q", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "files" || result.ServerInfo.Version != "1.0.0" {
		t.Errorf("serverInfo = %+v", result.ServerInfo)
	}
	if result.Capabilities.Tools == nil || !result.Capabilities.Tools.ListChanged {
		t.Error("tools capability missing")
	}
	if result.Capabilities.Resources == nil || !result.Capabilities.Resources.Subscribe {
		t.Error("resources capability missing subscribe")
	}
	if result.Capabilities.Prompts == nil {
		t.Error("prompts capability missing")
	}
	if result.Instructions != "File tools" {
		t.Errorf("instructions = %q", result.Instructions)
	}
}

func TestCapabilitiesOmittedWhenEmpty(t *testing.T) {
	s := New(NewCatalog("empty", "0.1.0", "", nil), nil)
	frame := roundTrip(t, s, "c1",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`)

	var result protocol.InitializeResult
	if err := json.Unmarshal(frame.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Capabilities.Tools != nil || result.Capabilities.Resources != nil || result.Capabilities.Prompts != nil {
		t.Errorf("capabilities should be empty: %+v", result.Capabilities)
	}
}

func TestRequestsRejectedBeforeInitialize(t *testing.T) {
	s := newTestServer(t)
	frame := roundTrip(t, s, "c1", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if !frame.HasError || frame.Error.Code != protocol.CodeInvalidRequest {
		t.Fatalf("want invalid request, got %+v", frame.Error)
	}
}

func TestDoubleInitializeRejected(t *testing.T) {
	s := newTestServer(t)
	initClient(t, s, "c1")
	frame := roundTrip(t, s, "c1",
		`{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`)
	if !frame.HasError || frame.Error.Code != protocol.CodeInvalidRequest {
		t.Fatalf("want invalid request, got %+v", frame.Error)
	}
}

func TestShutdownEndsSession(t *testing.T) {
	s := newTestServer(t)
	initClient(t, s, "c1")

	frame := roundTrip(t, s, "c1", `{"jsonrpc":"2.0","id":2,"method":"shutdown"}`)
	if frame.HasError {
		t.Fatalf("shutdown failed: %+v", frame.Error)
	}
	frame = roundTrip(t, s, "c1", `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	if !frame.HasError || frame.Error.Code != protocol.CodeInvalidRequest {
		t.Fatalf("want invalid request after shutdown, got %+v", frame.Error)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	s := newTestServer(t)
	initClient(t, s, "c1")

	// c2 has not initialized.
	frame := roundTrip(t, s, "c2", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if !frame.HasError {
		t.Fatal("c2 should be rejected before initialize")
	}
	frame = roundTrip(t, s, "c1", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if frame.HasError {
		t.Fatalf("c1 should be ready: %+v", frame.Error)
	}
}

func TestToolsList(t *testing.T) {
	s := newTestServer(t)
	initClient(t, s, "c1")

	frame := roundTrip(t, s, "c1", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	var result protocol.ListToolsResult
	if err := json.Unmarshal(frame.Result, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Tools) != 1 || result.Tools[0].Name != "read_file" {
		t.Errorf("tools = %+v", result.Tools)
	}
	if result.NextCursor != "" {
		t.Errorf("nextCursor = %q, want empty", result.NextCursor)
	}
}

func TestToolsListPagination(t *testing.T) {
	catalog := NewCatalog("many", "1", "", nil)
	for i := 0; i < 5; i++ {
		catalog.RegisterTool(fmt.Sprintf("tool_%d", i), "", nil,
			func(ctx context.Context, args map[string]any) (any, error) { return "", nil })
	}
	s := New(catalog, nil, WithPageSize(2))
	initClient(t, s, "c1")

	var seen []string
	cursor := ""
	for page := 0; page < 4; page++ {
		body := `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`
		if cursor != "" {
			body = fmt.Sprintf(`{"jsonrpc":"2.0","id":2,"method":"tools/list","params":{"cursor":%q}}`, cursor)
		}
		frame := roundTrip(t, s, "c1", body)
		var result protocol.ListToolsResult
		if err := json.Unmarshal(frame.Result, &result); err != nil {
			t.Fatalf("decode: %v", err)
		}
		for _, tool := range result.Tools {
			seen = append(seen, tool.Name)
		}
		cursor = result.NextCursor
		if cursor == "" {
			break
		}
	}
	if len(seen) != 5 {
		t.Fatalf("saw %d tools across pages: %v", len(seen), seen)
	}
	for i, name := range seen {
		if want := fmt.Sprintf("tool_%d", i); name != want {
			t.Errorf("seen[%d] = %q, want %q", i, name, want)
		}
	}
}

func TestToolsListBadCursor(t *testing.T) {
	s := newTestServer(t)
	initClient(t, s, "c1")
	frame := roundTrip(t, s, "c1",
		`{"jsonrpc":"2.0","id":2,"method":"tools/list","params":{"cursor":"garbage"}}`)
	if !frame.HasError || frame.Error.Code != protocol.CodeInvalidParams {
		t.Fatalf("want invalid params, got %+v", frame.Error)
	}
}

func TestToolsCall(t *testing.T) {
	s := newTestServer(t)
	initClient(t, s, "c1")

	frame := roundTrip(t, s, "c1",
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"read_file","arguments":{"path":"a.txt"}}}`)
	var result protocol.ToolResult
	if err := json.Unmarshal(frame.Result, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.IsError || result.Text() != "contents of a.txt" {
		t.Errorf("result = %+v", result)
	}
}

func TestToolsCallUnknownTool(t *testing.T) {
	s := newTestServer(t)
	initClient(t, s, "c1")
	frame := roundTrip(t, s, "c1",
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"bogus"}}`)
	if !frame.HasError || frame.Error.Code != protocol.CodeToolNotFound {
		t.Fatalf("want tool not found, got %+v", frame.Error)
	}
}

func TestResourcesReadUnknown(t *testing.T) {
	s := newTestServer(t)
	initClient(t, s, "c1")
	frame := roundTrip(t, s, "c1",
		`{"jsonrpc":"2.0","id":2,"method":"resources/read","params":{"uri":"file:///nope"}}`)
	if !frame.HasError || frame.Error.Code != protocol.CodeResourceNotFound {
		t.Fatalf("want resource not found, got %+v", frame.Error)
	}
}

func TestResourcesRead(t *testing.T) {
	s := newTestServer(t)
	initClient(t, s, "c1")
	frame := roundTrip(t, s, "c1",
		`{"jsonrpc":"2.0","id":2,"method":"resources/read","params":{"uri":"file:///workspace"}}`)
	var result protocol.ReadResourceResult
	if err := json.Unmarshal(frame.Result, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Contents) != 1 || result.Contents[0].Text != "workspace listing" {
		t.Errorf("contents = %+v", result.Contents)
	}
}

func TestPromptsGet(t *testing.T) {
	s := newTestServer(t)
	initClient(t, s, "c1")
	frame := roundTrip(t, s, "c1",
		`{"jsonrpc":"2.0","id":2,"method":"prompts/get","params":{"name":"summarize","arguments":{"path":"a.txt"}}}`)
	var result protocol.GetPromptResult
	if err := json.Unmarshal(frame.Result, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Messages) != 1 {
		t.Fatalf("messages = %+v", result.Messages)
	}
}

func TestMethodNotFound(t *testing.T) {
	s := newTestServer(t)
	initClient(t, s, "c1")
	frame := roundTrip(t, s, "c1", `{"jsonrpc":"2.0","id":2,"method":"no/such"}`)
	if !frame.HasError || frame.Error.Code != protocol.CodeMethodNotFound {
		t.Fatalf("want method not found, got %+v", frame.Error)
	}
}

func TestParseErrorResponse(t *testing.T) {
	s := newTestServer(t)
	raw := s.HandleMessage(context.Background(), "c1", []byte("{bad json"))
	frame, decErr := protocol.Decode(raw)
	if decErr != nil {
		t.Fatalf("invalid response: %v", decErr)
	}
	if !frame.HasError || frame.Error.Code != protocol.CodeParseError {
		t.Fatalf("want parse error, got %+v", frame.Error)
	}
	if frame.HasID {
		t.Error("parse error response must carry a null id")
	}
}

// recordingNotifier captures outbound notifications per client.
type recordingNotifier struct {
	mu        sync.Mutex
	sent      map[string][][]byte
	broadcast [][]byte
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{sent: make(map[string][][]byte)}
}

func (n *recordingNotifier) Send(clientID string, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent[clientID] = append(n.sent[clientID], data)
	return nil
}

func (n *recordingNotifier) Broadcast(data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcast = append(n.broadcast, data)
}

func TestResourceUpdateGoesToSubscribersOnly(t *testing.T) {
	s := newTestServer(t)
	notifier := newRecordingNotifier()
	s.RegisterNotifier(notifier)
	initClient(t, s, "c1")
	initClient(t, s, "c2")

	frame := roundTrip(t, s, "c1",
		`{"jsonrpc":"2.0","id":2,"method":"resources/subscribe","params":{"uri":"file:///workspace"}}`)
	if frame.HasError {
		t.Fatalf("subscribe failed: %+v", frame.Error)
	}

	if err := s.NotifyResourceUpdated("file:///workspace"); err != nil {
		t.Fatalf("NotifyResourceUpdated: %v", err)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.sent["c1"]) != 1 {
		t.Errorf("c1 received %d notifications, want 1", len(notifier.sent["c1"]))
	}
	if len(notifier.sent["c2"]) != 0 {
		t.Errorf("c2 received %d notifications, want 0", len(notifier.sent["c2"]))
	}
}

func TestUnsubscribeStopsUpdates(t *testing.T) {
	s := newTestServer(t)
	notifier := newRecordingNotifier()
	s.RegisterNotifier(notifier)
	initClient(t, s, "c1")

	roundTrip(t, s, "c1", `{"jsonrpc":"2.0","id":2,"method":"resources/subscribe","params":{"uri":"file:///workspace"}}`)
	roundTrip(t, s, "c1", `{"jsonrpc":"2.0","id":3,"method":"resources/unsubscribe","params":{"uri":"file:///workspace"}}`)

	s.NotifyResourceUpdated("file:///workspace")

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.sent["c1"]) != 0 {
		t.Errorf("c1 received %d notifications after unsubscribe", len(notifier.sent["c1"]))
	}
}

func TestSubscribeUnknownResource(t *testing.T) {
	s := newTestServer(t)
	initClient(t, s, "c1")
	frame := roundTrip(t, s, "c1",
		`{"jsonrpc":"2.0","id":2,"method":"resources/subscribe","params":{"uri":"file:///nope"}}`)
	if !frame.HasError || frame.Error.Code != protocol.CodeResourceNotFound {
		t.Fatalf("want resource not found, got %+v", frame.Error)
	}
}

func TestListChangedBroadcast(t *testing.T) {
	s := newTestServer(t)
	notifier := newRecordingNotifier()
	s.RegisterNotifier(notifier)

	if err := s.NotifyToolsListChanged(); err != nil {
		t.Fatalf("NotifyToolsListChanged: %v", err)
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.broadcast) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(notifier.broadcast))
	}
	frame, decErr := protocol.Decode(notifier.broadcast[0])
	if decErr != nil || frame.Method != protocol.NotificationToolsListChanged {
		t.Errorf("broadcast frame = %+v (%v)", frame, decErr)
	}
}

func TestNotifyMessageLevelFilter(t *testing.T) {
	s := newTestServer(t)
	notifier := newRecordingNotifier()
	s.RegisterNotifier(notifier)
	initClient(t, s, "c1")

	// Raise the floor to error.
	roundTrip(t, s, "c1", `{"jsonrpc":"2.0","id":2,"method":"logging/setLevel","params":{"level":"error"}}`)

	s.NotifyMessage(protocol.LogInfo, "test", "suppressed")
	s.NotifyMessage(protocol.LogError, "test", "delivered")

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.broadcast) != 1 {
		t.Fatalf("broadcasts = %d, want only the error-level message", len(notifier.broadcast))
	}
}

func TestNotificationFramesGetNoResponse(t *testing.T) {
	s := newTestServer(t)
	if resp := s.HandleMessage(context.Background(), "c1",
		[]byte(`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":1}}`)); resp != nil {
		t.Fatalf("notification produced response: %s", resp)
	}
}
