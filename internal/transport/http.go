package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	httpMaxBodyBytes = 1 << 20
	sseQueueSize     = 64
)

// RESTSource supplies the read-only REST views served alongside the
// JSON-RPC endpoint. Lookups return false when the entity is unknown.
type RESTSource interface {
	Health() any
	Info() any
	Tools() any
	Tool(name string) (any, bool)
	Resources() any
	Resource(uri string) (any, bool)
	Prompts() any
	Prompt(name string) (any, bool)
}

// sseClient is one /events subscriber with a bounded outbound queue.
type sseClient struct {
	id     string
	events chan []byte
}

// HTTPTransport serves JSON-RPC over POST /rpc, server-initiated
// messages over an SSE stream at GET /events, and read-only REST
// views of the catalog.
type HTTPTransport struct {
	addr    string
	logger  *slog.Logger
	handler Handler

	rest    RESTSource
	metrics http.Handler

	mu      sync.RWMutex
	clients map[string]*sseClient

	server   *http.Server
	listener net.Listener
}

// NewHTTPTransport listens on addr (host:port). rest and metrics are
// optional; nil disables the corresponding endpoints.
func NewHTTPTransport(addr string, logger *slog.Logger, rest RESTSource, metrics http.Handler) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		addr:    addr,
		logger:  logger.With("transport", "http"),
		rest:    rest,
		metrics: metrics,
		clients: make(map[string]*sseClient),
	}
}

func (t *HTTPTransport) Name() string { return "http" }

func (t *HTTPTransport) SetHandler(h Handler) { t.handler = h }

// Start serves until ctx is cancelled or Stop is called.
func (t *HTTPTransport) Start(ctx context.Context) error {
	if t.handler == nil {
		return fmt.Errorf("http transport: handler not set")
	}
	listener, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", t.addr, err)
	}

	t.mu.Lock()
	t.listener = listener
	t.server = &http.Server{
		Handler:           t.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := t.server
	t.mu.Unlock()

	t.logger.Info("http transport started", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Stop shuts down the listener and closes every SSE stream.
func (t *HTTPTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	srv := t.server
	for id, c := range t.clients {
		close(c.events)
		delete(t.clients, id)
	}
	t.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// Addr reports the bound listen address.
func (t *HTTPTransport) Addr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener == nil {
		return t.addr
	}
	return t.listener.Addr().String()
}

// Send queues a message onto one SSE subscriber's stream.
func (t *HTTPTransport) Send(clientID string, data []byte) error {
	t.mu.RLock()
	client, ok := t.clients[clientID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown sse client %q", clientID)
	}
	select {
	case client.events <- data:
		return nil
	default:
		return fmt.Errorf("sse client %q queue full", clientID)
	}
}

// Broadcast queues a message for every SSE subscriber. Full queues are
// skipped rather than blocking.
func (t *HTTPTransport) Broadcast(data []byte) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, client := range t.clients {
		select {
		case client.events <- data:
		default:
			t.logger.Warn("sse queue full, dropping event", "client_id", client.id)
		}
	}
}

// Routes builds the HTTP mux. Exposed for tests via httptest.
func (t *HTTPTransport) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", t.handleRPC)
	mux.HandleFunc("/events", t.handleEvents)
	if t.rest != nil {
		mux.HandleFunc("/health", t.restGet(func(*http.Request) (any, bool) { return t.rest.Health(), true }))
		mux.HandleFunc("/info", t.restGet(func(*http.Request) (any, bool) { return t.rest.Info(), true }))
		mux.HandleFunc("/tools", t.restGet(func(*http.Request) (any, bool) { return t.rest.Tools(), true }))
		mux.HandleFunc("/tools/", t.restGet(func(r *http.Request) (any, bool) {
			return t.rest.Tool(strings.TrimPrefix(r.URL.Path, "/tools/"))
		}))
		mux.HandleFunc("/resources", t.restGet(func(*http.Request) (any, bool) { return t.rest.Resources(), true }))
		mux.HandleFunc("/resources/", t.restGet(func(r *http.Request) (any, bool) {
			return t.rest.Resource(strings.TrimPrefix(r.URL.Path, "/resources/"))
		}))
		mux.HandleFunc("/prompts", t.restGet(func(*http.Request) (any, bool) { return t.rest.Prompts(), true }))
		mux.HandleFunc("/prompts/", t.restGet(func(r *http.Request) (any, bool) {
			return t.rest.Prompt(strings.TrimPrefix(r.URL.Path, "/prompts/"))
		}))
	}
	if t.metrics != nil {
		mux.Handle("/metrics", t.metrics)
	}
	return mux
}

func (t *HTTPTransport) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, httpMaxBodyBytes+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > httpMaxBodyBytes {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	clientID := r.Header.Get("X-Client-ID")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	resp := t.handler(r.Context(), clientID, body)
	if resp == nil {
		// Notification: acknowledged with no content.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(resp)
}

// handleEvents streams server-initiated messages as SSE. The first
// event is the subscriber's client id, which the client echoes in
// X-Client-ID on /rpc calls to correlate the two channels.
func (t *HTTPTransport) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	clientID := r.URL.Query().Get("client")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	client := &sseClient{id: clientID, events: make(chan []byte, sseQueueSize)}

	t.mu.Lock()
	t.clients[clientID] = client
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		if current, ok := t.clients[clientID]; ok && current == client {
			delete(t.clients, clientID)
		}
		t.mu.Unlock()
		t.logger.Info("sse client disconnected", "client_id", clientID)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprintf(w, "event: client\ndata: %s\n\n", clientID)
	flusher.Flush()
	t.logger.Info("sse client connected", "client_id", clientID)

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-client.events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// restGet wraps a catalog lookup as a GET-only JSON endpoint.
func (t *HTTPTransport) restGet(lookup func(*http.Request) (any, bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		value, ok := lookup(r)
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(value); err != nil {
			t.logger.Warn("rest encode failed", "path", r.URL.Path, "error", err)
		}
	}
}
