// Package protocol defines the WebSocket wire format: externally tagged JSON
// where each frame is either a bare string (unit variants such as "Pong") or
// a single-key object {"Kind": payload}. Identifiers are always strings.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/aeolun/golem/pkg/database"
	"github.com/aeolun/golem/pkg/snowflake"
)

// MaxFrameSize is the largest inbound frame a connection accepts (1 MB).
const MaxFrameSize = 1024 * 1024

var (
	// ErrBinaryFrame is returned for anything but a text frame.
	ErrBinaryFrame = errors.New("protocol: expected a text frame")
	// ErrMalformed means the frame is not a tagged value.
	ErrMalformed = errors.New("protocol: malformed frame")
	// ErrUnknownKind means the tag names no known variant.
	ErrUnknownKind = errors.New("protocol: unknown kind")
)

// Message is the wire form of a stored message.
type Message struct {
	ID         snowflake.ID `json:"id"`
	Author     snowflake.ID `json:"author"`
	AuthorName string       `json:"author_name"`
	Parent     snowflake.ID `json:"parent"`
	Content    string       `json:"content"`
}

// FromStored converts a stored message to its wire form.
func FromStored(m *database.Message) Message {
	return Message{
		ID:         m.ID,
		Author:     m.AuthorID,
		AuthorName: m.AuthorName,
		Parent:     m.Parent,
		Content:    m.Content,
	}
}

// FromStoredList converts a batch, never returning nil.
func FromStoredList(ms []*database.Message) []Message {
	out := make([]Message, len(ms))
	for i, m := range ms {
		out[i] = FromStored(m)
	}
	return out
}

// Stored is the inverse of FromStored.
func (m Message) Stored() *database.Message {
	return &database.Message{
		ID:         m.ID,
		AuthorID:   m.Author,
		AuthorName: m.AuthorName,
		Parent:     m.Parent,
		Content:    m.Content,
	}
}

// Presence is one connection as other members of the room see it. User is
// nil until the connection authenticates.
type Presence struct {
	ID   snowflake.ID         `json:"id"`
	Name string               `json:"name"`
	User *database.PublicUser `json:"user"`
}

func encodeTagged(kind string, payload any) ([]byte, error) {
	if payload == nil {
		return json.Marshal(kind)
	}
	return json.Marshal(map[string]any{kind: payload})
}

// splitTagged returns the tag and raw payload of a frame. Unit variants, and
// objects whose payload is null, yield a nil payload.
func splitTagged(data []byte) (string, json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", nil, ErrMalformed
	}

	if data[0] == '"' {
		var kind string
		if err := json.Unmarshal(data, &kind); err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return kind, nil, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(obj) != 1 {
		return "", nil, fmt.Errorf("%w: want exactly one tag, got %d", ErrMalformed, len(obj))
	}
	var kind string
	var payload json.RawMessage
	for k, v := range obj {
		kind, payload = k, v
	}
	if bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		payload = nil
	}
	return kind, payload, nil
}

// ParseClientFrame decodes a WebSocket frame read by the server.
func ParseClientFrame(frameType int, data []byte) (ClientMsg, error) {
	if frameType != websocket.TextMessage {
		return nil, ErrBinaryFrame
	}
	return DecodeClientMsg(data)
}
