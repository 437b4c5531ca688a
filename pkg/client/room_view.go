package client

import (
	"context"
	"sort"
	"sync"

	"github.com/aeolun/golem/pkg/protocol"
	"github.com/aeolun/golem/pkg/snowflake"
)

// RoomView is the client-side picture of one room, built from server events:
// who is present and every message received so far, indexed by parent.
type RoomView struct {
	mu            sync.RWMutex
	self          snowflake.ID
	authenticated bool
	presences     map[snowflake.ID]protocol.Presence
	messages      map[snowflake.ID]protocol.Message
	children      map[snowflake.ID][]snowflake.ID
	newest        snowflake.ID
}

func NewRoomView() *RoomView {
	return &RoomView{
		presences: make(map[snowflake.ID]protocol.Presence),
		messages:  make(map[snowflake.ID]protocol.Message),
		children:  make(map[snowflake.ID][]snowflake.ID),
	}
}

// Apply folds one event into the view.
func (v *RoomView) Apply(msg protocol.ServerMsg) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch m := msg.(type) {
	case protocol.AuthResult:
		v.self = m.PresenceID
		if m.Success {
			v.authenticated = true
		}
	case protocol.Join:
		v.presences[m.Presence.ID] = m.Presence
	case protocol.Update:
		v.presences[m.Presence.ID] = m.Presence
	case protocol.Leave:
		delete(v.presences, m.Presence.ID)
	case protocol.NewMessage:
		v.addLocked(m.Message)
	case protocol.Messages:
		for _, message := range m.List {
			v.addLocked(message)
		}
	}
}

func (v *RoomView) addLocked(m protocol.Message) {
	if _, ok := v.messages[m.ID]; ok {
		return
	}
	v.messages[m.ID] = m

	// Keep siblings in id order; arrivals are mostly already ordered
	ids := append(v.children[m.Parent], m.ID)
	for i := len(ids) - 1; i > 0 && ids[i] < ids[i-1]; i-- {
		ids[i], ids[i-1] = ids[i-1], ids[i]
	}
	v.children[m.Parent] = ids

	if m.ID > v.newest {
		v.newest = m.ID
	}
}

// ResetPresences forgets everyone, for use when the connection drops. The
// server replays the room's presences on reconnect.
func (v *RoomView) ResetPresences() {
	v.mu.Lock()
	defer v.mu.Unlock()
	clear(v.presences)
	v.self = 0
	v.authenticated = false
}

// Self returns this connection's presence id as reported by the last
// authentication reply, and whether that reply was a success.
func (v *RoomView) Self() (snowflake.ID, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.self, v.authenticated
}

// Presences returns everyone in the room sorted by id.
func (v *RoomView) Presences() []protocol.Presence {
	v.mu.RLock()
	out := make([]protocol.Presence, 0, len(v.presences))
	for _, p := range v.presences {
		out = append(out, p)
	}
	v.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v *RoomView) Message(id snowflake.ID) (protocol.Message, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	m, ok := v.messages[id]
	return m, ok
}

// Children returns the known direct replies to parent in id order.
func (v *RoomView) Children(parent snowflake.ID) []protocol.Message {
	v.mu.RLock()
	defer v.mu.RUnlock()

	ids := v.children[parent]
	out := make([]protocol.Message, len(ids))
	for i, id := range ids {
		out[i] = v.messages[id]
	}
	return out
}

// Depth returns how many ancestors below the room root a known message has.
// Top-level messages are at depth 0; unknown ancestors end the walk.
func (v *RoomView) Depth(id snowflake.ID) int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	depth := 0
	m, ok := v.messages[id]
	for ok {
		parent, found := v.messages[m.Parent]
		if !found {
			break
		}
		depth++
		m, ok = parent, found
	}
	return depth
}

// Newest is the highest message id seen, 0 when none.
func (v *RoomView) Newest() snowflake.ID {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.newest
}

func (v *RoomView) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.messages)
}

// Run applies every event from conn until ctx ends or the connection is
// closed, calling onEvent (if set) after each one.
func (v *RoomView) Run(ctx context.Context, conn ConnectionInterface, onEvent func(protocol.ServerMsg)) error {
	incoming := conn.Incoming()
	states := conn.StateChanges()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-incoming:
			if !ok {
				return nil
			}
			v.Apply(msg)
			if onEvent != nil {
				onEvent(msg)
			}

		case st, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			if st.State == StateTypeDisconnected {
				v.ResetPresences()
			}
		}
	}
}
