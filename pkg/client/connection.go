package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/golem/pkg/protocol"
)

// ConnectionStateType represents the connection status
type ConnectionStateType int

const (
	StateTypeConnected ConnectionStateType = iota
	StateTypeDisconnected
	StateTypeReconnecting
)

// ConnectionStateUpdate represents a connection state change
type ConnectionStateUpdate struct {
	State   ConnectionStateType
	Attempt int
	Err     error
}

// DisconnectReason indicates why a connection was lost
type DisconnectReason int

const (
	DisconnectUnknown       DisconnectReason = iota
	DisconnectError                          // Read/write error
	DisconnectServerDown                     // Server closed connection
	DisconnectUserRequested                  // User explicitly disconnected
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectError:
		return "error"
	case DisconnectServerDown:
		return "server closed"
	case DisconnectUserRequested:
		return "user requested"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("connection closed")

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// Connection is a client connection to the server's WebSocket endpoint. It
// reconnects with exponential backoff unless disabled.
type Connection struct {
	addr         string // ws:// or wss:// URL of the socket
	dialer       websocket.Dialer
	conn         *websocket.Conn
	connDone     chan struct{} // closed when the current conn is torn down
	token        string
	mu           sync.RWMutex
	connected    bool
	reconnecting bool

	// Channels for communication
	incoming    chan protocol.ServerMsg
	outgoing    chan protocol.ClientMsg
	errors      chan error
	stateChange chan ConnectionStateUpdate

	// Auto-reconnect settings
	autoReconnect     bool
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	lastDisconnectReason DisconnectReason

	// Traffic counters (frame payload bytes)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	logger *log.Logger

	// Shutdown
	shutdown chan struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewConnection creates a connection for addr, which may be a bare host:port,
// an http(s) or ws(s) URL, and may name a room as its path.
func NewConnection(addr string) (*Connection, error) {
	wsURL, err := ParseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	return &Connection{
		addr:              wsURL,
		dialer:            websocket.Dialer{HandshakeTimeout: dialTimeout, Proxy: http.ProxyFromEnvironment},
		incoming:          make(chan protocol.ServerMsg, 100),
		outgoing:          make(chan protocol.ClientMsg, 100),
		errors:            make(chan error, 10),
		stateChange:       make(chan ConnectionStateUpdate, 10),
		autoReconnect:     true,
		reconnectDelay:    1 * time.Second,
		maxReconnectDelay: 30 * time.Second,
		shutdown:          make(chan struct{}),
	}, nil
}

// ParseServerAddress turns user input into the URL of a room socket.
//
//	localhost:8080              -> ws://localhost:8080/api/ws
//	https://chat.example/random -> wss://chat.example/api/ws/random
//	ws://host/api/ws/123        -> unchanged
func ParseServerAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty server address")
	}
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server address %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server address %q has no host", raw)
	}

	path := strings.Trim(u.Path, "/")
	switch {
	case path == "":
		u.Path = "/api/ws"
	case strings.HasPrefix(path, "api/"):
		u.Path = "/" + path
	default:
		// A bare path is a room name or id
		u.Path = "/api/ws/" + path
	}
	return u.String(), nil
}

// SetLogger sets a logger for debugging connection events
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// SetToken makes every (re)connect present token as a bearer credential, so
// the server binds the session during the upgrade.
func (c *Connection) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// DisableAutoReconnect disables automatic reconnection on connection loss
func (c *Connection) DisableAutoReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoReconnect = false
}

// EnableAutoReconnect enables automatic reconnection on connection loss
func (c *Connection) EnableAutoReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoReconnect = true
}

// logf logs a message if a logger is set
func (c *Connection) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Connect dials the server and starts the reader and writer.
func (c *Connection) Connect() error {
	return c.ConnectContext(context.Background())
}

// ConnectContext is Connect bounded by ctx.
func (c *Connection) ConnectContext(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.Unlock()

	c.logf("Connecting to %s...", c.addr)
	conn, resp, err := c.dialer.DialContext(ctx, c.addr, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", c.addr, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.connDone = done
	c.connected = true
	c.mu.Unlock()

	c.logf("Connected successfully to %s", c.addr)

	c.wg.Add(2)
	go c.readLoop(conn, done)
	go c.writeLoop(conn, done)
	return nil
}

// Disconnect drops the current connection. Auto-reconnect does not kick in.
func (c *Connection) Disconnect() {
	c.disconnectWithReason(DisconnectUserRequested)
}

func (c *Connection) disconnectWithReason(reason DisconnectReason) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.logf("Disconnecting from %s (reason: %v)", c.addr, reason)
	c.teardownLocked(reason)
	c.mu.Unlock()
}

// teardownLocked closes the current conn. c.mu must be held.
func (c *Connection) teardownLocked(reason DisconnectReason) {
	c.connected = false
	c.lastDisconnectReason = reason
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.conn.Close()
		c.conn = nil
	}
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
}

// Close shuts down the connection permanently
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return // Already closed
	}
	c.closed = true
	c.mu.Unlock()

	close(c.shutdown)
	c.Disconnect()
	c.wg.Wait()
	close(c.incoming)
	close(c.errors)
	close(c.stateChange)
	c.logf("Connection fully closed")
}

// Send queues a command for the writer.
func (c *Connection) Send(msg protocol.ClientMsg) error {
	select {
	case <-c.shutdown:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- msg:
		return nil
	case <-c.shutdown:
		return ErrClosed
	default:
		return fmt.Errorf("outgoing queue full")
	}
}

// Incoming returns the channel of decoded server events. It is closed by Close.
func (c *Connection) Incoming() <-chan protocol.ServerMsg {
	return c.incoming
}

// Errors returns the channel for connection errors
func (c *Connection) Errors() <-chan error {
	return c.errors
}

// StateChanges returns the channel for connection state updates
func (c *Connection) StateChanges() <-chan ConnectionStateUpdate {
	return c.stateChange
}

// IsConnected returns whether the connection is active
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// GetAddress returns the socket URL
func (c *Connection) GetAddress() string {
	return c.addr
}

// GetBytesSent returns the total bytes sent
func (c *Connection) GetBytesSent() uint64 {
	return c.bytesSent.Load()
}

// GetBytesReceived returns the total bytes received
func (c *Connection) GetBytesReceived() uint64 {
	return c.bytesReceived.Load()
}

func (c *Connection) reportError(err error) {
	select {
	case c.errors <- err:
	default:
		c.logf("Dropping error (channel full): %v", err)
	}
}

// readLoop decodes events from one conn until it fails.
func (c *Connection) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()

	for {
		frameType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				// Torn down locally
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logf("Connection closed by server: %v", err)
				c.handleDisconnectWithReason(done, DisconnectServerDown)
				return
			}
			c.logf("Read error: %v", err)
			c.reportError(fmt.Errorf("read error: %w", err))
			c.handleDisconnectWithReason(done, DisconnectError)
			return
		}
		c.bytesReceived.Add(uint64(len(data)))

		if frameType != websocket.TextMessage {
			c.logf("Ignoring non-text frame")
			continue
		}
		msg, err := protocol.DecodeServerMsg(data)
		if err != nil {
			c.reportError(fmt.Errorf("decode error: %w", err))
			continue
		}
		c.logf("← RECV: %s (%d bytes)", msg.Kind(), len(data))

		select {
		case c.incoming <- msg:
		case <-done:
			return
		case <-c.shutdown:
			return
		}
	}
}

// writeLoop sends queued commands on one conn until it is torn down.
func (c *Connection) writeLoop(conn *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case msg := <-c.outgoing:
			data, err := protocol.EncodeClientMsg(msg)
			if err != nil {
				c.reportError(fmt.Errorf("encode error: %w", err))
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err == nil {
				err = conn.WriteMessage(websocket.TextMessage, data)
			}
			if err != nil {
				c.logf("Write error: %v", err)
				c.reportError(fmt.Errorf("write error: %w", err))
				c.handleDisconnectWithReason(done, DisconnectError)
				return
			}
			c.bytesSent.Add(uint64(len(data)))
			c.logf("→ SEND: %s (%d bytes)", msg.Kind(), len(data))

		case <-done:
			return
		case <-c.shutdown:
			return
		}
	}
}

// handleDisconnectWithReason tears down the conn identified by done, if it is
// still the current one, and starts reconnecting.
func (c *Connection) handleDisconnectWithReason(done chan struct{}, reason DisconnectReason) {
	c.mu.Lock()
	if !c.connected || c.connDone != done {
		c.mu.Unlock()
		return
	}
	c.teardownLocked(reason)
	reconnect := c.autoReconnect && !c.closed
	if reconnect {
		// Registered before the lock drops so Close waits for it
		c.wg.Add(1)
	}
	c.mu.Unlock()

	c.logf("Disconnected from server (reason: %v)", reason)

	disconnectErr := fmt.Errorf("disconnected from server (%v)", reason)
	select {
	case c.stateChange <- ConnectionStateUpdate{State: StateTypeDisconnected, Err: disconnectErr}:
	default:
	}

	if reconnect {
		go c.reconnectLoop()
	}
}

// reconnectLoop attempts to reconnect with exponential backoff
func (c *Connection) reconnectLoop() {
	defer c.wg.Done()

	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	delay := c.reconnectDelay
	attempt := 1

	for {
		timer := time.NewTimer(delay)
		select {
		case <-c.shutdown:
			timer.Stop()
			c.logf("Reconnect loop cancelled (shutdown)")
			return
		case <-timer.C:
		}

		c.logf("Reconnect attempt %d to %s", attempt, c.addr)
		select {
		case c.stateChange <- ConnectionStateUpdate{State: StateTypeReconnecting, Attempt: attempt}:
		default:
		}

		if err := c.Connect(); err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			c.logf("Reconnect attempt %d failed: %v", attempt, err)
			delay = min(delay*2, c.maxReconnectDelay)
			attempt++
			continue
		}

		c.logf("Reconnected successfully after %d attempts", attempt)
		select {
		case c.stateChange <- ConnectionStateUpdate{State: StateTypeConnected}:
		default:
		}
		return
	}
}
