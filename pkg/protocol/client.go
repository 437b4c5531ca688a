package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/aeolun/golem/pkg/snowflake"
)

// Client → server kinds
const (
	KindAuthenticate      = "Authenticate"
	KindAuthenticateToken = "AuthenticateToken"
	KindPong              = "Pong"
	KindMessage           = "Message"
	KindLoadAllMessages   = "LoadAllMessages"
	KindLoadMessages      = "LoadMessages"
	KindLoadChildren      = "LoadChildren"
	KindChangeName        = "ChangeName"
)

// ClientMsg is a command sent by a client. The set of implementations is
// closed; dispatch with a type switch.
type ClientMsg interface {
	Kind() string
	clientPayload() any
}

// Authenticate logs in with a name and plaintext password.
type Authenticate struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// String keeps the password out of logs.
func (a Authenticate) String() string {
	return fmt.Sprintf("Authenticate{name:%q}", a.Name)
}

// AuthenticateToken binds an existing session to the connection.
type AuthenticateToken struct {
	Token uint64
}

// Pong answers an application-level ping.
type Pong struct{}

// SendMessage posts content under Parent (a room id or a message id).
type SendMessage struct {
	Parent  snowflake.ID `json:"parent"`
	Content string       `json:"content"`
	DedupID *string      `json:"dedup_id,omitempty"`
}

// LoadAllMessages requests every message in the connection's room.
type LoadAllMessages struct{}

// LoadMessages requests the newest top-level messages, optionally strictly
// before an id.
type LoadMessages struct {
	Before *snowflake.ID `json:"before,omitempty"`
	Amount uint8         `json:"amount"`
}

// LoadChildren requests the subtree under Parent. A nil Depth means the
// server default.
type LoadChildren struct {
	Parent snowflake.ID `json:"parent"`
	Depth  *uint8       `json:"depth,omitempty"`
}

// ChangeName sets the presence display name.
type ChangeName struct {
	Name string
}

func (Authenticate) Kind() string { return KindAuthenticate }
func (AuthenticateToken) Kind() string { return KindAuthenticateToken }
func (Pong) Kind() string { return KindPong }
func (SendMessage) Kind() string { return KindMessage }
func (LoadAllMessages) Kind() string { return KindLoadAllMessages }
func (LoadMessages) Kind() string { return KindLoadMessages }
func (LoadChildren) Kind() string { return KindLoadChildren }
func (ChangeName) Kind() string { return KindChangeName }

func (m Authenticate) clientPayload() any { return m }
func (m AuthenticateToken) clientPayload() any {
	return strconv.FormatUint(m.Token, 10)
}
func (Pong) clientPayload() any { return nil }
func (m SendMessage) clientPayload() any { return m }
func (LoadAllMessages) clientPayload() any { return nil }
func (m LoadMessages) clientPayload() any { return m }
func (m LoadChildren) clientPayload() any { return m }
func (m ChangeName) clientPayload() any { return m.Name }

// EncodeClientMsg serializes a command.
func EncodeClientMsg(m ClientMsg) ([]byte, error) {
	return encodeTagged(m.Kind(), m.clientPayload())
}

// DecodeClientMsg parses a command. Errors wrap ErrMalformed or
// ErrUnknownKind; unknown fields inside a payload are ignored.
func DecodeClientMsg(data []byte) (ClientMsg, error) {
	kind, payload, err := splitTagged(data)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindPong:
		return Pong{}, nil
	case KindLoadAllMessages:
		return LoadAllMessages{}, nil
	case KindAuthenticate:
		var raw struct {
			Name     *string `json:"name"`
			Password *string `json:"password"`
		}
		if err := decodePayload(kind, payload, &raw); err != nil {
			return nil, err
		}
		if raw.Name == nil || raw.Password == nil {
			return nil, missingField(kind, "name/password")
		}
		return Authenticate{Name: *raw.Name, Password: *raw.Password}, nil
	case KindAuthenticateToken:
		// Accepts the decimal string form and a bare number.
		var n json.Number
		if err := decodePayload(kind, payload, &n); err != nil {
			return nil, err
		}
		token, err := strconv.ParseUint(n.String(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
		}
		return AuthenticateToken{Token: token}, nil
	case KindMessage:
		var raw struct {
			Parent  *snowflake.ID `json:"parent"`
			Content *string       `json:"content"`
			DedupID *string       `json:"dedup_id"`
		}
		if err := decodePayload(kind, payload, &raw); err != nil {
			return nil, err
		}
		if raw.Parent == nil || raw.Content == nil {
			return nil, missingField(kind, "parent/content")
		}
		return SendMessage{Parent: *raw.Parent, Content: *raw.Content, DedupID: raw.DedupID}, nil
	case KindLoadMessages:
		var raw struct {
			Before *snowflake.ID `json:"before"`
			Amount *uint8        `json:"amount"`
		}
		if err := decodePayload(kind, payload, &raw); err != nil {
			return nil, err
		}
		if raw.Amount == nil {
			return nil, missingField(kind, "amount")
		}
		return LoadMessages{Before: raw.Before, Amount: *raw.Amount}, nil
	case KindLoadChildren:
		var raw struct {
			Parent *snowflake.ID `json:"parent"`
			Depth  *uint8        `json:"depth"`
		}
		if err := decodePayload(kind, payload, &raw); err != nil {
			return nil, err
		}
		if raw.Parent == nil {
			return nil, missingField(kind, "parent")
		}
		return LoadChildren{Parent: *raw.Parent, Depth: raw.Depth}, nil
	case KindChangeName:
		var name string
		if err := decodePayload(kind, payload, &name); err != nil {
			return nil, err
		}
		return ChangeName{Name: name}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

var errNoPayload = errors.New("missing payload")

func decodePayload(kind string, payload []byte, v any) error {
	if payload == nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, kind, errNoPayload)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}
	return nil
}

func missingField(kind, field string) error {
	return fmt.Errorf("%w: %s: missing %s", ErrMalformed, kind, field)
}
