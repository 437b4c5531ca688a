package server

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SafeConn wraps a websocket.Conn with write synchronization.
//
// gorilla/websocket allows one concurrent reader and one concurrent writer.
// The outbound loop writes events and pings while Close may be called from
// the supervising goroutine, so every write goes through mu. Reads happen
// only on the inbound loop and need no lock.
type SafeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps an upgraded connection
func NewSafeConn(conn *websocket.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// WriteText sends one text frame, failing if it cannot be written within timeout.
func (sc *SafeConn) WriteText(data []byte, timeout time.Duration) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.conn.SetWriteDeadline(deadline(timeout)); err != nil {
		return err
	}
	return sc.conn.WriteMessage(websocket.TextMessage, data)
}

// WritePing sends a ping control frame.
func (sc *SafeConn) WritePing(timeout time.Duration) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteControl(websocket.PingMessage, nil, deadline(timeout))
}

// ReadMessage reads the next data frame. Only the inbound loop calls it.
func (sc *SafeConn) ReadMessage() (int, []byte, error) {
	return sc.conn.ReadMessage()
}

// SetReadLimit caps the size of an inbound frame.
func (sc *SafeConn) SetReadLimit(limit int64) {
	sc.conn.SetReadLimit(limit)
}

// SetReadDeadline sets the deadline for the next read.
func (sc *SafeConn) SetReadDeadline(t time.Time) error {
	return sc.conn.SetReadDeadline(t)
}

// SetPongHandler installs h for pong control frames. It runs on the reading goroutine.
func (sc *SafeConn) SetPongHandler(h func(appData string) error) {
	sc.conn.SetPongHandler(h)
}

// CloseWithCode sends a close frame (best effort) and closes the socket.
func (sc *SafeConn) CloseWithCode(code int, reason string, timeout time.Duration) error {
	sc.mu.Lock()
	_ = sc.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline(timeout))
	sc.mu.Unlock()
	return sc.conn.Close()
}

// Close closes the underlying connection. Safe to call more than once.
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}

func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}
