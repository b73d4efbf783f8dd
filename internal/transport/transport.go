// Package transport provides the server-side byte transports for the
// conduit runtime: newline-delimited stdio, WebSocket, and HTTP with
// server-sent events.
//
// Transports are payload-agnostic. They deliver each inbound message to
// a Handler and write back whatever the handler returns; a nil return
// means the message was a notification and produces no reply.
package transport

import "context"

// Handler processes one inbound message from clientID and returns the
// serialized response, or nil when no response should be sent.
type Handler func(ctx context.Context, clientID string, data []byte) []byte

// Transport is a server-side message transport.
type Transport interface {
	// Name identifies the transport in logs ("stdio", "websocket", "http").
	Name() string

	// SetHandler installs the message handler. Must be called before Start.
	SetHandler(Handler)

	// Start begins accepting traffic and blocks until the transport
	// stops or ctx is cancelled.
	Start(ctx context.Context) error

	// Stop shuts the transport down, releasing listeners and peers.
	Stop(ctx context.Context) error

	// Send delivers a server-initiated message to one connected client.
	Send(clientID string, data []byte) error

	// Broadcast delivers a server-initiated message to every connected
	// client.
	Broadcast(data []byte)
}
