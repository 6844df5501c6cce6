package hub

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Transport writes one session's encoded frames to its client.
//
// Implementations must tolerate concurrent WriteEvent and
// WriteHeartbeat calls and must make Close safe to call more than
// once.
type Transport interface {
	// WriteEvent delivers one JSON-encoded event.
	WriteEvent(data []byte) error

	// WriteHeartbeat delivers a content-free keep-alive frame whose
	// only purpose is defeating intermediary idle timeouts.
	WriteHeartbeat() error

	// Close releases the transport.
	Close() error
}

// SSETransport streams events as server-sent events. The heartbeat is
// an SSE comment frame, invisible to EventSource consumers.
type SSETransport struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
	closed  bool
}

// NewSSETransport wraps a response writer that has already sent the
// text/event-stream headers.
func NewSSETransport(w http.ResponseWriter, flusher http.Flusher) *SSETransport {
	return &SSETransport{w: w, flusher: flusher, done: make(chan struct{})}
}

// Done is closed when the transport is closed, letting the HTTP
// handler that owns the connection return.
func (t *SSETransport) Done() <-chan struct{} { return t.done }

func (t *SSETransport) WriteEvent(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("sse transport closed")
	}
	if _, err := fmt.Fprintf(t.w, "data: %s\n\n", data); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

func (t *SSETransport) WriteHeartbeat() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("sse transport closed")
	}
	if _, err := fmt.Fprint(t.w, ": keepalive\n\n"); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

func (t *SSETransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

// wsWriteTimeout bounds each websocket write so one stalled client
// cannot hold up the fan-out.
const wsWriteTimeout = 5 * time.Second

// WSTransport streams events over a websocket connection. The
// heartbeat is a ping frame.
type WSTransport struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

// NewWSTransport wraps an accepted websocket connection.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn}
}

func (t *WSTransport) WriteEvent(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *WSTransport) WriteHeartbeat() error {
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	return t.conn.Ping(ctx)
}

func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		_ = t.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}
