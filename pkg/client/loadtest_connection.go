package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/golem/pkg/protocol"
)

// LoadTestConnection is a simplified connection for load testing that avoids
// goroutine overhead by reading and writing synchronously. Unlike the full
// Connection, it does not spawn read/write loops and never reconnects.
//
// A receive timeout leaves the underlying WebSocket unusable, so callers treat
// a timeout as fatal and redial.
type LoadTestConnection struct {
	addr   string
	token  string
	conn   *websocket.Conn
	sendMu sync.Mutex // Protects concurrent writes
	recvMu sync.Mutex // Protects concurrent reads
	closed bool
	mu     sync.Mutex // Protects closed flag
}

// NewLoadTestConnection creates a new load test connection. addr accepts the
// same forms as NewConnection.
func NewLoadTestConnection(addr string) (*LoadTestConnection, error) {
	wsURL, err := ParseServerAddress(addr)
	if err != nil {
		return nil, err
	}
	return &LoadTestConnection{addr: wsURL}, nil
}

// SetToken makes Connect pre-authenticate with a session token.
func (c *LoadTestConnection) SetToken(token string) {
	c.token = token
}

// Connect dials the socket
func (c *LoadTestConnection) Connect(ctx context.Context) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.addr, header)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	c.conn = conn
	return nil
}

// Close closes the connection
func (c *LoadTestConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return c.conn.Close()
	}
	return nil
}

func (c *LoadTestConnection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Send encodes and writes a command synchronously
func (c *LoadTestConnection) Send(msg protocol.ClientMsg) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}

	data, err := protocol.EncodeClientMsg(msg)
	if err != nil {
		return fmt.Errorf("encode failed: %w", err)
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// Receive reads the next event, waiting at most timeout (0 waits forever)
func (c *LoadTestConnection) Receive(timeout time.Duration) (protocol.ServerMsg, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if c.isClosed() {
		return nil, ErrClosed
	}

	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline failed: %w", err)
		}
		defer c.conn.SetReadDeadline(time.Time{})
	}

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}
	msg, err := protocol.DecodeServerMsg(data)
	if err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}
	return msg, nil
}

// ReceiveUntil reads events until match accepts one, discarding the rest.
// The deadline covers the whole wait.
func (c *LoadTestConnection) ReceiveUntil(timeout time.Duration, match func(protocol.ServerMsg) bool) (protocol.ServerMsg, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("timeout after %v", timeout)
		}
		msg, err := c.Receive(remaining)
		if err != nil {
			return nil, err
		}
		if match(msg) {
			return msg, nil
		}
	}
}

// Addr returns the socket URL
func (c *LoadTestConnection) Addr() string {
	return c.addr
}
