package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// maxFrameSize bounds inbound frames; reply audio chunks are well below it.
	maxFrameSize = 16 << 20
)

var _ Conn = (*WebSocketConn)(nil)

// WebSocketConn is a [Conn] over a WebSocket. Frames are sent as text messages
// and pinged periodically so idle sessions survive proxies.
type WebSocketConn struct {
	conn *websocket.Conn

	done      chan struct{}
	closeOnce sync.Once
}

// DialWebSocket connects to url. header may be nil.
func DialWebSocket(ctx context.Context, url string, header http.Header) (*WebSocketConn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("live: dial: %w", err)
	}
	return NewWebSocketConn(conn), nil
}

// NewWebSocketConn wraps an established connection and starts its keepalive
// loop. Used by servers on the accepting side, too.
func NewWebSocketConn(conn *websocket.Conn) *WebSocketConn {
	conn.SetReadLimit(maxFrameSize)
	c := &WebSocketConn{conn: conn, done: make(chan struct{})}
	go c.keepaliveLoop()
	return c
}

// WriteFrame sends frame as a text message.
func (c *WebSocketConn) WriteFrame(ctx context.Context, frame []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		if c.isClosed() {
			return ErrClosed
		}
		return fmt.Errorf("live: write: %w", err)
	}
	return nil
}

// ReadFrame returns the payload of the next message.
func (c *WebSocketConn) ReadFrame(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		if c.isClosed() {
			return nil, ErrClosed
		}
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return nil, fmt.Errorf("live: closed by peer (%d %s): %w", ce.Code, ce.Reason, err)
		}
		return nil, fmt.Errorf("live: read: %w", err)
	}
	return data, nil
}

// Close sends a normal closure. Idempotent. The closing handshake is best
// effort: a peer that already went away is not an error.
func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
			slog.Debug("live: close handshake", "err", err)
		}
	})
	return nil
}

func (c *WebSocketConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// keepaliveLoop pings the peer until the connection is closed.
func (c *WebSocketConn) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), keepaliveTimeout)
			if err := c.conn.Ping(ctx); err != nil {
				slog.Debug("live: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}
