package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// StdioClientID is the client id for the single stdio peer.
const StdioClientID = "stdio"

const maxLineBytes = 1024 * 1024 // 1MB per message

// StdioTransport serves newline-delimited JSON-RPC over stdin/stdout.
// Logs must go to stderr; stdout carries only protocol frames.
type StdioTransport struct {
	logger  *slog.Logger
	in      io.Reader
	out     io.Writer
	outMu   sync.Mutex
	handler Handler
	running atomic.Bool
	done    chan struct{}
}

// NewStdioTransport creates a transport over os.Stdin and os.Stdout.
func NewStdioTransport(logger *slog.Logger) *StdioTransport {
	return NewStdioPipeTransport(logger, os.Stdin, os.Stdout)
}

// NewStdioPipeTransport creates a stdio transport over arbitrary
// streams, mainly for tests and in-process wiring.
func NewStdioPipeTransport(logger *slog.Logger, in io.Reader, out io.Writer) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		logger: logger.With("transport", "stdio"),
		in:     in,
		out:    out,
		done:   make(chan struct{}),
	}
}

func (t *StdioTransport) Name() string { return "stdio" }

func (t *StdioTransport) SetHandler(h Handler) { t.handler = h }

// Start reads messages line by line until EOF or ctx cancellation.
func (t *StdioTransport) Start(ctx context.Context) error {
	if t.handler == nil {
		return fmt.Errorf("stdio transport: handler not set")
	}
	t.running.Store(true)
	defer t.running.Store(false)
	t.logger.Info("stdio transport started")

	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, maxLineBytes), maxLineBytes)

	lines := make(chan []byte)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			buf := make([]byte, len(line))
			copy(buf, line)
			select {
			case lines <- buf:
			case <-t.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return nil
		case line, ok := <-lines:
			if !ok {
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("stdio read: %w", err)
				}
				t.logger.Info("stdio transport closed on EOF")
				return nil
			}
			if resp := t.handler(ctx, StdioClientID, line); resp != nil {
				if err := t.write(resp); err != nil {
					return fmt.Errorf("stdio write: %w", err)
				}
			}
		}
	}
}

// Stop unblocks Start. The underlying streams are not closed; the
// caller owns them.
func (t *StdioTransport) Stop(ctx context.Context) error {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	return nil
}

// Send writes a server-initiated message to the stdio peer.
func (t *StdioTransport) Send(clientID string, data []byte) error {
	if clientID != StdioClientID {
		return fmt.Errorf("unknown stdio client %q", clientID)
	}
	if !t.running.Load() {
		return fmt.Errorf("stdio transport not running")
	}
	return t.write(data)
}

func (t *StdioTransport) Broadcast(data []byte) {
	if t.running.Load() {
		if err := t.write(data); err != nil {
			t.logger.Warn("broadcast write failed", "error", err)
		}
	}
}

func (t *StdioTransport) write(data []byte) error {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	if _, err := t.out.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}
