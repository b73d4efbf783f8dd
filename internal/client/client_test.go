package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/internal/protocol"
	"github.com/haasonsaas/conduit/internal/server"
	"github.com/haasonsaas/conduit/internal/transport"
)

func demoBackend() *server.Catalog {
	c := server.NewCatalog("demo", "1.2.3", "Demo server", nil)
	c.RegisterTool("greet", "Say hello",
		json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
		func(ctx context.Context, args map[string]any) (any, error) {
			name, _ := args["name"].(string)
			return "hello " + name, nil
		})
	c.RegisterResource("mem://notes", "notes", "", "text/plain",
		func(ctx context.Context) (string, error) { return "note body", nil })
	c.RegisterPrompt("plan", "Plan work", nil,
		func(ctx context.Context, args map[string]string) ([]protocol.PromptMessage, error) {
			return []protocol.PromptMessage{{Role: "user",
				Content: protocol.MessageContent{Type: "text", Text: "plan it"}}}, nil
		})
	return c
}

// newStdioPair runs a server on an in-memory line stream and returns a
// connected client.
func newStdioPair(t *testing.T) (*Client, *server.Server) {
	t.Helper()
	srv := server.New(demoBackend(), nil)

	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()

	tr := transport.NewStdioPipeTransport(nil, serverIn, serverOut)
	tr.SetHandler(srv.HandleMessage)
	srv.RegisterNotifier(tr)
	ctx, cancel := context.WithCancel(context.Background())
	go tr.Start(ctx)
	t.Cleanup(func() {
		cancel()
		tr.Stop(context.Background())
		clientOut.Close()
		serverOut.Close()
	})

	c := ConnectStdio(clientIn, clientOut, WithTimeout(2*time.Second))
	t.Cleanup(func() { c.Close() })
	return c, srv
}

func connect(t *testing.T, c *Client) {
	t.Helper()
	result, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if result.ServerInfo.Name != "demo" {
		t.Fatalf("server name = %q", result.ServerInfo.Name)
	}
}

func TestStdioHandshake(t *testing.T) {
	c, _ := newStdioPair(t)
	connect(t, c)
	if c.ServerInfo().Version != "1.2.3" {
		t.Errorf("version = %q", c.ServerInfo().Version)
	}
	if c.Instructions() != "Demo server" {
		t.Errorf("instructions = %q", c.Instructions())
	}
}

func TestStdioToolRoundTrip(t *testing.T) {
	c, _ := newStdioPair(t)
	connect(t, c)

	tools, err := c.AllTools(context.Background())
	if err != nil {
		t.Fatalf("AllTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "greet" {
		t.Fatalf("tools = %+v", tools)
	}

	result, err := c.CallTool(context.Background(), "greet", map[string]any{"name": "ada"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.Text() != "hello ada" {
		t.Errorf("text = %q", result.Text())
	}
}

func TestStdioServerErrorSurfaced(t *testing.T) {
	c, _ := newStdioPair(t)
	connect(t, c)

	_, err := c.CallTool(context.Background(), "nope", nil)
	var rpcErr *protocol.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *protocol.Error", err)
	}
	if rpcErr.Code != protocol.CodeToolNotFound {
		t.Errorf("code = %d", rpcErr.Code)
	}
}

func TestStdioResourceAndPrompt(t *testing.T) {
	c, _ := newStdioPair(t)
	connect(t, c)

	read, err := c.ReadResource(context.Background(), "mem://notes")
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if len(read.Contents) != 1 || read.Contents[0].Text != "note body" {
		t.Fatalf("contents = %+v", read.Contents)
	}

	prompt, err := c.GetPrompt(context.Background(), "plan", nil)
	if err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
	if len(prompt.Messages) != 1 || prompt.Messages[0].Content.Text != "plan it" {
		t.Fatalf("messages = %+v", prompt.Messages)
	}
}

func TestStdioNotifications(t *testing.T) {
	c, srv := newStdioPair(t)
	connect(t, c)

	var mu sync.Mutex
	var methods []string
	c.OnNotification(func(method string, params json.RawMessage) {
		mu.Lock()
		methods = append(methods, method)
		mu.Unlock()
	})

	if err := c.Subscribe(context.Background(), "mem://notes"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	srv.NotifyResourceUpdated("mem://notes")

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(methods)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no notification arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if methods[0] != protocol.NotificationResourcesUpdated {
		t.Errorf("method = %q", methods[0])
	}
}

func TestStdioShutdown(t *testing.T) {
	c, _ := newStdioPair(t)
	connect(t, c)

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	_, err := c.ListTools(context.Background(), "")
	var rpcErr *protocol.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *protocol.Error", err)
	}
	if !strings.Contains(rpcErr.Message, "shut down") {
		t.Errorf("message = %q", rpcErr.Message)
	}
}

func TestHTTPClient(t *testing.T) {
	srv := server.New(demoBackend(), nil)
	tr := transport.NewHTTPTransport("127.0.0.1:0", nil, nil, nil)
	tr.SetHandler(srv.HandleMessage)

	ts := httptest.NewServer(tr.Routes())
	t.Cleanup(ts.Close)

	c := ConnectHTTP(ts.URL, WithTimeout(2*time.Second))
	t.Cleanup(func() { c.Close() })
	connect(t, c)

	result, err := c.CallTool(context.Background(), "greet", map[string]any{"name": "bob"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.Text() != "hello bob" {
		t.Errorf("text = %q", result.Text())
	}

	// The handshake stuck because the client id is stable per conn: a
	// second request hits the same ready session.
	if _, err := c.ListResources(context.Background(), ""); err != nil {
		t.Fatalf("ListResources: %v", err)
	}
}

func TestWebSocketClient(t *testing.T) {
	srv := server.New(demoBackend(), nil)
	tr := transport.NewWebSocketTransport("127.0.0.1:0", nil)
	tr.SetHandler(srv.HandleMessage)

	ctx, cancel := context.WithCancel(context.Background())
	go tr.Start(ctx)
	t.Cleanup(func() {
		cancel()
		tr.Stop(context.Background())
	})

	deadline := time.Now().Add(2 * time.Second)
	for tr.Addr() == "" || strings.HasSuffix(tr.Addr(), ":0") {
		if time.Now().After(deadline) {
			t.Fatal("transport did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	c, err := ConnectWebSocket(context.Background(), "ws://"+tr.Addr(), WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("ConnectWebSocket: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	connect(t, c)

	result, err := c.CallTool(context.Background(), "greet", map[string]any{"name": "eve"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.Text() != "hello eve" {
		t.Errorf("text = %q", result.Text())
	}
}

func TestCallTimeout(t *testing.T) {
	slow := server.NewCatalog("slow", "1", "", nil)
	slow.RegisterTool("wait", "", nil, func(ctx context.Context, args map[string]any) (any, error) {
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
		return "done", nil
	})
	// The engine dispatches synchronously, so a stalled handler stalls
	// the reply; the client's timeout must fire.
	srv := server.New(slow, nil)

	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()
	tr := transport.NewStdioPipeTransport(nil, serverIn, serverOut)
	tr.SetHandler(srv.HandleMessage)
	ctx, cancel := context.WithCancel(context.Background())
	go tr.Start(ctx)
	t.Cleanup(func() {
		cancel()
		clientOut.Close()
		serverOut.Close()
	})

	c := ConnectStdio(clientIn, clientOut, WithTimeout(100*time.Millisecond))
	t.Cleanup(func() { c.Close() })
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := c.CallTool(context.Background(), "wait", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
