package protocol

import (
	"fmt"

	"github.com/aeolun/golem/pkg/snowflake"
)

// Server → client kinds
const (
	EventAuthenticate = "Authenticate"
	EventNewMessage   = "NewMessage"
	EventMessages     = "Messages"
	EventJoin         = "Join"
	EventLeave        = "Leave"
	EventUpdate       = "Update"
	EventDuplicate    = "Duplicate"
	EventError        = "Error"
)

// ServerMsg is an event sent to clients. The set of implementations is closed.
type ServerMsg interface {
	Kind() string
	serverPayload() any
}

// AuthResult answers Authenticate and AuthenticateToken. Token is only set
// when a new session was opened.
type AuthResult struct {
	Success    bool         `json:"success"`
	PresenceID snowflake.ID `json:"presence_id"`
	Token      string       `json:"token,omitempty"`
}

// NewMessage announces a freshly stored message.
type NewMessage struct {
	Message Message
}

// Messages answers the load commands.
type Messages struct {
	List []Message
}

// Join announces a presence entering the room.
type Join struct {
	Presence Presence
}

// Leave announces a presence leaving the room.
type Leave struct {
	Presence Presence
}

// Update announces a changed presence (login or rename).
type Update struct {
	Presence Presence
}

// Duplicate tells the sender its dedup id was already seen.
type Duplicate struct {
	DedupID string
}

// Error is the generic failure reply. Details stay in the server log.
type Error struct{}

func (AuthResult) Kind() string { return EventAuthenticate }
func (NewMessage) Kind() string { return EventNewMessage }
func (Messages) Kind() string { return EventMessages }
func (Join) Kind() string { return EventJoin }
func (Leave) Kind() string { return EventLeave }
func (Update) Kind() string { return EventUpdate }
func (Duplicate) Kind() string { return EventDuplicate }
func (Error) Kind() string { return EventError }

func (m AuthResult) serverPayload() any { return m }
func (m NewMessage) serverPayload() any { return m.Message }
func (m Messages) serverPayload() any {
	if m.List == nil {
		return []Message{}
	}
	return m.List
}
func (m Join) serverPayload() any { return m.Presence }
func (m Leave) serverPayload() any { return m.Presence }
func (m Update) serverPayload() any { return m.Presence }
func (m Duplicate) serverPayload() any { return m.DedupID }
func (Error) serverPayload() any { return nil }

// EncodeServerMsg serializes an event.
func EncodeServerMsg(m ServerMsg) ([]byte, error) {
	return encodeTagged(m.Kind(), m.serverPayload())
}

// DecodeServerMsg parses an event; used by clients and tests.
func DecodeServerMsg(data []byte) (ServerMsg, error) {
	kind, payload, err := splitTagged(data)
	if err != nil {
		return nil, err
	}

	var m ServerMsg
	switch kind {
	case EventError:
		return Error{}, nil
	case EventAuthenticate:
		var v AuthResult
		err = decodePayload(kind, payload, &v)
		m = v
	case EventNewMessage:
		var v Message
		err = decodePayload(kind, payload, &v)
		m = NewMessage{Message: v}
	case EventMessages:
		var v []Message
		err = decodePayload(kind, payload, &v)
		m = Messages{List: v}
	case EventJoin, EventLeave, EventUpdate:
		var p Presence
		err = decodePayload(kind, payload, &p)
		switch kind {
		case EventJoin:
			m = Join{Presence: p}
		case EventLeave:
			m = Leave{Presence: p}
		default:
			m = Update{Presence: p}
		}
	case EventDuplicate:
		var v string
		err = decodePayload(kind, payload, &v)
		m = Duplicate{DedupID: v}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}
