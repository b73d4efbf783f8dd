package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 45 * time.Second
	wsPingInterval    = 15 * time.Second
)

// wsPeer is one connected WebSocket client.
type wsPeer struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *wsPeer) write(msgType int, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return p.conn.WriteMessage(msgType, data)
}

// WebSocketTransport serves JSON-RPC frames over WebSocket, one
// message per frame. Each connection is an independent client.
type WebSocketTransport struct {
	addr     string
	logger   *slog.Logger
	upgrader websocket.Upgrader
	handler  Handler

	mu    sync.RWMutex
	peers map[string]*wsPeer

	server   *http.Server
	listener net.Listener
}

// NewWebSocketTransport listens on addr (host:port).
func NewWebSocketTransport(addr string, logger *slog.Logger) *WebSocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketTransport{
		addr:   addr,
		logger: logger.With("transport", "websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		peers: make(map[string]*wsPeer),
	}
}

func (t *WebSocketTransport) Name() string { return "websocket" }

func (t *WebSocketTransport) SetHandler(h Handler) { t.handler = h }

// Start accepts connections until ctx is cancelled or Stop is called.
func (t *WebSocketTransport) Start(ctx context.Context) error {
	if t.handler == nil {
		return fmt.Errorf("websocket transport: handler not set")
	}
	listener, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("websocket listen %s: %w", t.addr, err)
	}
	t.mu.Lock()
	t.listener = listener
	t.server = &http.Server{Handler: http.HandlerFunc(t.serveWS)}
	srv := t.server
	t.mu.Unlock()

	t.logger.Info("websocket transport started", "addr", listener.Addr().String())

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

// Stop closes the listener and all peers.
func (t *WebSocketTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	srv := t.server
	peers := make([]*wsPeer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	for _, p := range peers {
		_ = p.write(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		p.conn.Close()
	}
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// Addr reports the bound listen address, useful when addr used port 0.
func (t *WebSocketTransport) Addr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener == nil {
		return t.addr
	}
	return t.listener.Addr().String()
}

// Send writes to one peer. A failed write drops the peer.
func (t *WebSocketTransport) Send(clientID string, data []byte) error {
	t.mu.RLock()
	peer, ok := t.peers[clientID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown websocket client %q", clientID)
	}
	if err := peer.write(websocket.TextMessage, data); err != nil {
		t.dropPeer(peer)
		return fmt.Errorf("write to %s: %w", clientID, err)
	}
	return nil
}

// Broadcast writes to every peer, dropping peers whose writes fail.
func (t *WebSocketTransport) Broadcast(data []byte) {
	t.mu.RLock()
	peers := make([]*wsPeer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.RUnlock()

	for _, peer := range peers {
		if err := peer.write(websocket.TextMessage, data); err != nil {
			t.logger.Warn("broadcast write failed, dropping peer",
				"client_id", peer.id, "error", err)
			t.dropPeer(peer)
		}
	}
}

// ClientCount reports the number of connected peers.
func (t *WebSocketTransport) ClientCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

func (t *WebSocketTransport) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	peer := &wsPeer{id: uuid.NewString(), conn: conn}
	t.mu.Lock()
	t.peers[peer.id] = peer
	t.mu.Unlock()
	t.logger.Info("websocket client connected",
		"client_id", peer.id, "remote", r.RemoteAddr)

	go t.pingLoop(peer)
	t.readLoop(r.Context(), peer)
}

func (t *WebSocketTransport) readLoop(ctx context.Context, peer *wsPeer) {
	defer t.dropPeer(peer)

	peer.conn.SetReadLimit(wsMaxPayloadBytes)
	peer.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	peer.conn.SetPongHandler(func(string) error {
		peer.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := peer.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Warn("websocket read error", "client_id", peer.id, "error", err)
			}
			return
		}
		if len(data) == 0 {
			continue
		}
		if resp := t.handler(ctx, peer.id, data); resp != nil {
			if err := peer.write(websocket.TextMessage, resp); err != nil {
				t.logger.Warn("websocket write error", "client_id", peer.id, "error", err)
				return
			}
		}
	}
}

func (t *WebSocketTransport) pingLoop(peer *wsPeer) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for range ticker.C {
		if err := peer.write(websocket.PingMessage, nil); err != nil {
			return
		}
	}
}

func (t *WebSocketTransport) dropPeer(peer *wsPeer) {
	t.mu.Lock()
	current, ok := t.peers[peer.id]
	if ok && current == peer {
		delete(t.peers, peer.id)
	}
	t.mu.Unlock()
	if ok {
		peer.conn.Close()
		t.logger.Info("websocket client disconnected", "client_id", peer.id)
	}
}
