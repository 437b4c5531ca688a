package client

import (
	"github.com/aeolun/golem/pkg/protocol"
)

// ConnectionInterface defines the interface for client connections
// This allows for mocking in tests while the real Connection implements all these methods
type ConnectionInterface interface {
	// Connection management
	Connect() error
	Disconnect()
	Close()
	IsConnected() bool
	GetAddress() string

	// Command sending
	Send(msg protocol.ClientMsg) error

	// Channels for receiving data
	Incoming() <-chan protocol.ServerMsg
	Errors() <-chan error
	StateChanges() <-chan ConnectionStateUpdate

	// Configuration
	SetToken(token string)
	DisableAutoReconnect()
	EnableAutoReconnect()

	// Traffic statistics
	GetBytesSent() uint64
	GetBytesReceived() uint64
}

var (
	_ ConnectionInterface = (*Connection)(nil)
	_ ConnectionInterface = (*MockConnection)(nil)
)
