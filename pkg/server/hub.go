package server

import (
	"sort"
	"sync"

	"github.com/aeolun/golem/pkg/protocol"
	"github.com/aeolun/golem/pkg/snowflake"
)

// Envelope is an encoded event with its audience. A zero To means every
// subscriber of the room.
type Envelope struct {
	To   snowflake.ID
	Kind string
	Data []byte
}

// ToAll encodes msg for every connection in the room.
func ToAll(msg protocol.ServerMsg) (Envelope, error) {
	return ToOne(0, msg)
}

// ToOne encodes msg for the connection whose presence id is to.
func ToOne(to snowflake.ID, msg protocol.ServerMsg) (Envelope, error) {
	data, err := protocol.EncodeServerMsg(msg)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{To: to, Kind: msg.Kind(), Data: data}, nil
}

// Broadcast reports whether the envelope targets the whole room.
func (e Envelope) Broadcast() bool {
	return e.To == 0
}

// Hub owns the rooms of one server. Rooms are created on first use and kept
// for the life of the process.
type Hub struct {
	mu      sync.Mutex
	rooms   map[snowflake.ID]*Room
	metrics *Metrics
}

// NewHub creates an empty hub. metrics may be nil.
func NewHub(metrics *Metrics) *Hub {
	return &Hub{rooms: make(map[snowflake.ID]*Room), metrics: metrics}
}

// Room returns the room with the given id, creating it if needed.
func (h *Hub) Room(id snowflake.ID) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[id]
	if !ok {
		r = &Room{
			id:        id,
			subs:      make(map[snowflake.ID]*Subscription),
			presences: make(map[snowflake.ID]protocol.Presence),
			metrics:   h.metrics,
		}
		h.rooms[id] = r
	}
	return r
}

// Rooms returns every room created so far.
func (h *Hub) Rooms() []*Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		out = append(out, r)
	}
	return out
}

// Room fans envelopes out to its subscribers and tracks who is present.
type Room struct {
	id      snowflake.ID
	metrics *Metrics

	mu        sync.Mutex // guards subs, presences and every Subscription.closed
	subs      map[snowflake.ID]*Subscription
	presences map[snowflake.ID]protocol.Presence
}

// ID is the room id, which is also the parent of its top-level messages.
func (r *Room) ID() snowflake.ID {
	return r.id
}

// Subscribe registers a buffered queue for presence id. A second call with
// the same id replaces the first subscription.
func (r *Room) Subscribe(id snowflake.ID, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{id: id, room: r, ch: make(chan Envelope, buffer)}

	r.mu.Lock()
	if old, ok := r.subs[id]; ok {
		old.closeLocked()
	}
	r.subs[id] = sub
	r.mu.Unlock()
	return sub
}

// Publish delivers env without blocking. A subscriber whose queue is full is
// dropped: its queue is closed and its connection shuts down. Publishing to a
// room with no subscribers is a no-op. It returns the number of queues the
// envelope was placed in.
func (r *Room) Publish(env Envelope) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if env.Broadcast() {
		r.metrics.RecordPublish("all")
	} else {
		r.metrics.RecordPublish("one")
	}

	delivered := 0
	deliver := func(sub *Subscription) {
		select {
		case sub.ch <- env:
			delivered++
		default:
			sub.dropped = true
			sub.closeLocked()
			delete(r.subs, sub.id)
			r.metrics.RecordSubscriberDropped()
			debugLog.Printf("Room %s: dropped slow subscriber %s", r.id, sub.id)
		}
	}

	if !env.Broadcast() {
		if sub, ok := r.subs[env.To]; ok {
			deliver(sub)
		}
		return delivered
	}
	for _, sub := range r.subs {
		deliver(sub)
	}
	return delivered
}

// SetPresence records or replaces a presence.
func (r *Room) SetPresence(p protocol.Presence) {
	r.mu.Lock()
	r.presences[p.ID] = p
	r.mu.Unlock()
}

// RemovePresence forgets a presence.
func (r *Room) RemovePresence(id snowflake.ID) {
	r.mu.Lock()
	delete(r.presences, id)
	r.mu.Unlock()
}

// Presences returns a snapshot sorted by id.
func (r *Room) Presences() []protocol.Presence {
	r.mu.Lock()
	out := make([]protocol.Presence, 0, len(r.presences))
	for _, p := range r.presences {
		out = append(out, p)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscribers returns the number of live subscriptions.
func (r *Room) Subscribers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Subscription is one connection's queue on a room.
type Subscription struct {
	id      snowflake.ID
	room    *Room
	ch      chan Envelope
	closed  bool
	dropped bool
}

// C is closed when the subscription ends, either by Close or by being dropped.
func (s *Subscription) C() <-chan Envelope {
	return s.ch
}

// Accepts reports whether env is meant for this subscriber.
func (s *Subscription) Accepts(env Envelope) bool {
	return env.Broadcast() || env.To == s.id
}

// Dropped reports whether the room dropped this subscriber for falling behind.
func (s *Subscription) Dropped() bool {
	s.room.mu.Lock()
	defer s.room.mu.Unlock()
	return s.dropped
}

// Close unregisters the subscription. It is idempotent.
func (s *Subscription) Close() {
	s.room.mu.Lock()
	defer s.room.mu.Unlock()

	if cur, ok := s.room.subs[s.id]; ok && cur == s {
		delete(s.room.subs, s.id)
	}
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
