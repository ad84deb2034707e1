package wire

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a framed, bidirectional message transport.
type Conn interface {
	// ReadFrame returns the next raw text frame.
	ReadFrame() ([]byte, error)
	// WriteFrame sends one text frame. Calls are serialized by the caller.
	WriteFrame(data []byte) error
	// Close terminates the transport, sending code/reason when the
	// transport supports it.
	Close(code int, reason string) error
	RemoteAddr() string
}

// ErrBinaryFrame is returned by WebSocket connections for binary messages.
var ErrBinaryFrame = &ProtocolError{Reason: "binary frames are not accepted"}

const closeWriteTimeout = time.Second

// WebSocketConn adapts a gorilla/websocket connection.
type WebSocketConn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
}

// NewWebSocketConn wraps ws and applies the frame ceiling as the read limit.
func NewWebSocketConn(ws *websocket.Conn, maxFrameBytes int64) *WebSocketConn {
	if maxFrameBytes > 0 {
		ws.SetReadLimit(maxFrameBytes)
	}
	return &WebSocketConn{ws: ws}
}

// ReadFrame reads one text message. Oversized frames surface as
// ErrFrameTooLarge; gorilla has already sent the 1009 close frame.
func (c *WebSocketConn) ReadFrame() ([]byte, error) {
	kind, data, err := c.ws.ReadMessage()
	if err != nil {
		if errors.Is(err, websocket.ErrReadLimit) {
			return nil, ErrFrameTooLarge
		}
		return nil, err
	}
	if kind != websocket.TextMessage {
		return nil, ErrBinaryFrame
	}
	return data, nil
}

// WriteFrame writes one text message.
func (c *WebSocketConn) WriteFrame(data []byte) error {
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// SetWriteDeadline bounds the next write.
func (c *WebSocketConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

// Ping sends a control ping.
func (c *WebSocketConn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(closeWriteTimeout))
}

// Close sends a close frame with code and closes the socket.
func (c *WebSocketConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		if len(reason) > 120 {
			reason = reason[:120]
		}
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(closeWriteTimeout))
		err = c.ws.Close()
	})
	return err
}

// RemoteAddr returns the peer address.
func (c *WebSocketConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// StreamConn frames messages as newline-delimited JSON over a raw stream.
type StreamConn struct {
	conn      net.Conn
	scanner   *bufio.Scanner
	maxBytes  int64
	closeOnce sync.Once
}

// NewStreamConn wraps a raw stream connection.
func NewStreamConn(conn net.Conn, maxFrameBytes int64) *StreamConn {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	scanner := bufio.NewScanner(conn)
	initial := 64 << 10
	if int64(initial) > maxFrameBytes {
		initial = int(maxFrameBytes)
	}
	scanner.Buffer(make([]byte, 0, initial), int(maxFrameBytes)+1)
	return &StreamConn{conn: conn, scanner: scanner, maxBytes: maxFrameBytes}
}

// ReadFrame reads the next non-empty line.
func (c *StreamConn) ReadFrame() ([]byte, error) {
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if int64(len(line)) > c.maxBytes {
			return nil, ErrFrameTooLarge
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := c.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrFrameTooLarge
		}
		return nil, err
	}
	return nil, io.EOF
}

// WriteFrame writes data followed by a newline.
func (c *StreamConn) WriteFrame(data []byte) error {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := c.conn.Write(buf)
	return err
}

// Close closes the stream; raw streams carry no close code.
func (c *StreamConn) Close(int, string) error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

// RemoteAddr returns the peer address.
func (c *StreamConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Dial opens a client WebSocket to url. When socketPath is set, the TCP
// dial is replaced by a Unix socket dial.
func Dial(ctx context.Context, url, socketPath string, maxFrameBytes int64) (*WebSocketConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if socketPath != "" {
		dialer.NetDialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		}
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(ws, maxFrameBytes), nil
}
