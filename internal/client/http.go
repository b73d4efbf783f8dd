package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// httpConn speaks JSON-RPC over HTTP POST. Every request carries a
// stable client id so the server keeps one session across calls.
// Server-initiated notifications are not delivered over this conn; use
// the /events stream or a WebSocket connection for those.
type httpConn struct {
	endpoint string
	clientID string
	http     *http.Client
}

// ConnectHTTP wires a client to an HTTP MCP endpoint. baseURL is the
// server root, e.g. http://127.0.0.1:8080.
func ConnectHTTP(baseURL string, opts ...Option) *Client {
	c := newClient(opts...)
	c.conn = &httpConn{
		endpoint: strings.TrimRight(baseURL, "/") + "/rpc",
		clientID: uuid.NewString(),
		http:     &http.Client{Timeout: 2 * time.Minute},
	}
	return c
}

func (hc *httpConn) post(ctx context.Context, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hc.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-ID", hc.clientID)
	return hc.http.Do(req)
}

func (hc *httpConn) Call(ctx context.Context, id any, payload []byte) ([]byte, error) {
	resp, err := hc.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

func (hc *httpConn) Notify(ctx context.Context, payload []byte) error {
	resp, err := hc.post(ctx, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (hc *httpConn) Close() error {
	hc.http.CloseIdleConnections()
	return nil
}
