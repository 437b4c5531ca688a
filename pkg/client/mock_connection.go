package client

import (
	"fmt"
	"sync"

	"github.com/aeolun/golem/pkg/protocol"
)

// MockConnection is a test implementation of ConnectionInterface
type MockConnection struct {
	mu sync.RWMutex

	// State
	connected     bool
	closed        bool
	address       string
	token         string
	autoReconnect bool
	connectErr    error
	sendErr       error

	// Channels for communication
	incoming    chan protocol.ServerMsg
	errors      chan error
	stateChange chan ConnectionStateUpdate

	// Sent commands for verification
	Sent []protocol.ClientMsg
}

// NewMockConnection creates a new mock connection
func NewMockConnection(address string) *MockConnection {
	return &MockConnection{
		address:       address,
		autoReconnect: true,
		incoming:      make(chan protocol.ServerMsg, 100),
		errors:        make(chan error, 10),
		stateChange:   make(chan ConnectionStateUpdate, 10),
	}
}

// Connect simulates connecting to the server
func (m *MockConnection) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

// Disconnect simulates disconnecting from the server
func (m *MockConnection) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

// Close closes the mock connection. It is idempotent.
func (m *MockConnection) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.connected = false
	close(m.incoming)
	close(m.errors)
	close(m.stateChange)
}

func (m *MockConnection) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MockConnection) GetAddress() string {
	return m.address
}

// Send records the command for verification
func (m *MockConnection) Send(msg protocol.ClientMsg) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.Sent = append(m.Sent, msg)
	return nil
}

func (m *MockConnection) Incoming() <-chan protocol.ServerMsg {
	return m.incoming
}

func (m *MockConnection) Errors() <-chan error {
	return m.errors
}

func (m *MockConnection) StateChanges() <-chan ConnectionStateUpdate {
	return m.stateChange
}

func (m *MockConnection) SetToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}

// Token returns the last token passed to SetToken
func (m *MockConnection) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

func (m *MockConnection) DisableAutoReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoReconnect = false
}

func (m *MockConnection) EnableAutoReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoReconnect = true
}

// GetBytesSent returns 0 for mock
func (m *MockConnection) GetBytesSent() uint64 {
	return 0
}

// GetBytesReceived returns 0 for mock
func (m *MockConnection) GetBytesReceived() uint64 {
	return 0
}

// Test helpers

// SetConnectError sets an error to return from Connect()
func (m *MockConnection) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetSendError sets an error to return from Send()
func (m *MockConnection) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SimulateEvent delivers an event on the incoming channel
func (m *MockConnection) SimulateEvent(msg protocol.ServerMsg) {
	m.incoming <- msg
}

// SimulateError sends an error to the errors channel
func (m *MockConnection) SimulateError(err error) {
	m.errors <- err
}

// SimulateStateChange sends a state change to the stateChange channel
func (m *MockConnection) SimulateStateChange(state ConnectionStateUpdate) {
	m.stateChange <- state
}

// GetSentCount returns the number of commands sent
func (m *MockConnection) GetSentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.Sent)
}

// GetLastSent returns the last command sent, or error if none
func (m *MockConnection) GetLastSent() (protocol.ClientMsg, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.Sent) == 0 {
		return nil, fmt.Errorf("no commands sent")
	}
	return m.Sent[len(m.Sent)-1], nil
}

// SentCommands returns a copy of everything sent so far
func (m *MockConnection) SentCommands() []protocol.ClientMsg {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]protocol.ClientMsg(nil), m.Sent...)
}

// ClearSent clears the sent commands list
func (m *MockConnection) ClearSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = nil
}
