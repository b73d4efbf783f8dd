package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/conduit/internal/protocol"
)

// conn moves raw frames for one client connection.
type conn interface {
	// Call sends a request payload and returns the matching response.
	Call(ctx context.Context, id any, payload []byte) ([]byte, error)
	// Notify sends a payload that expects no response.
	Notify(ctx context.Context, payload []byte) error
	Close() error
}

// ErrClosed reports a request failed because the connection closed.
var ErrClosed = errors.New("connection closed")

// framer reads and writes one wire message at a time over a stream.
type framer interface {
	readMessage() ([]byte, error)
	writeMessage(data []byte) error
	close() error
}

// streamConn correlates responses on a full-duplex stream: each request
// registers a pending channel by id, and the read loop delivers
// responses to it. Frames with no pending id go to the client's
// notification dispatch.
type streamConn struct {
	framer  framer
	logger  *slog.Logger
	onAsync func(data []byte)

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan []byte
	closed  bool
}

func newStreamConn(f framer, logger *slog.Logger, onAsync func(data []byte)) *streamConn {
	sc := &streamConn{
		framer:  f,
		logger:  logger,
		onAsync: onAsync,
		pending: make(map[string]chan []byte),
	}
	go sc.readLoop()
	return sc
}

func (sc *streamConn) readLoop() {
	for {
		data, err := sc.framer.readMessage()
		if err != nil {
			sc.failAll()
			return
		}
		if !sc.deliver(data) {
			sc.onAsync(data)
		}
	}
}

// deliver hands a frame to its pending caller. Returns false when the
// frame is not a response to an in-flight request.
func (sc *streamConn) deliver(data []byte) bool {
	frame, decErr := protocol.Decode(data)
	if decErr != nil || frame.Kind() != protocol.FrameResponse || !frame.HasID {
		return false
	}

	sc.mu.Lock()
	ch, ok := sc.pending[protocol.IDKey(frame.ID)]
	if ok {
		delete(sc.pending, protocol.IDKey(frame.ID))
	}
	sc.mu.Unlock()

	if !ok {
		sc.logger.Debug("response with no pending request", "id", frame.ID)
		return true
	}
	ch <- data
	return true
}

// failAll wakes every waiter after the stream dies.
func (sc *streamConn) failAll() {
	sc.mu.Lock()
	sc.closed = true
	for key, ch := range sc.pending {
		close(ch)
		delete(sc.pending, key)
	}
	sc.mu.Unlock()
}

func (sc *streamConn) Call(ctx context.Context, id any, payload []byte) ([]byte, error) {
	ch := make(chan []byte, 1)
	key := protocol.IDKey(id)

	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return nil, ErrClosed
	}
	sc.pending[key] = ch
	sc.mu.Unlock()

	if err := sc.write(payload); err != nil {
		sc.mu.Lock()
		delete(sc.pending, key)
		sc.mu.Unlock()
		return nil, err
	}

	select {
	case data, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return data, nil
	case <-ctx.Done():
		sc.mu.Lock()
		delete(sc.pending, key)
		sc.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (sc *streamConn) Notify(ctx context.Context, payload []byte) error {
	return sc.write(payload)
}

func (sc *streamConn) write(payload []byte) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return sc.framer.writeMessage(payload)
}

func (sc *streamConn) Close() error {
	err := sc.framer.close()
	sc.failAll()
	return err
}

// lineFramer frames messages as newline-delimited JSON, the stdio wire
// format.
type lineFramer struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer
}

func (f *lineFramer) readMessage() ([]byte, error) {
	line, err := f.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return line, nil
}

func (f *lineFramer) writeMessage(data []byte) error {
	if _, err := f.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (f *lineFramer) close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

// wsFramer frames messages as WebSocket text frames.
type wsFramer struct {
	conn *websocket.Conn
}

func (f *wsFramer) readMessage() ([]byte, error) {
	_, data, err := f.conn.ReadMessage()
	return data, err
}

func (f *wsFramer) writeMessage(data []byte) error {
	return f.conn.WriteMessage(websocket.TextMessage, data)
}

func (f *wsFramer) close() error {
	f.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return f.conn.Close()
}

// ConnectStdio wires a client over a line-delimited stream, typically a
// spawned server's stdin and stdout.
func ConnectStdio(in io.Reader, out io.Writer, opts ...Option) *Client {
	c := newClient(opts...)
	f := &lineFramer{reader: bufio.NewReader(in), writer: out}
	if closer, ok := out.(io.Closer); ok && out != os.Stdout {
		f.closer = closer
	}
	c.conn = newStreamConn(f, c.logger, c.dispatch)
	return c
}

// ConnectWebSocket dials a WebSocket MCP endpoint such as
// ws://127.0.0.1:8765.
func ConnectWebSocket(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := newClient(opts...)
	wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c.conn = newStreamConn(&wsFramer{conn: wsConn}, c.logger, c.dispatch)
	return c, nil
}
