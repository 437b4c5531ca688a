package server

import (
	"fmt"
	"sync"

	"github.com/aeolun/golem/pkg/database"
	"github.com/aeolun/golem/pkg/protocol"
	"github.com/aeolun/golem/pkg/snowflake"
)

// AnonymousName is the display name of a presence that has not authenticated
// or changed its name.
func AnonymousName(id snowflake.ID) string {
	return fmt.Sprintf("anonymous-%04d", int64(id)%10000)
}

// Session is the live state of one WebSocket connection: its presence in a
// room, the account it is bound to (if any) and the dedup ids it has posted.
type Session struct {
	ID         snowflake.ID // presence id
	Room       *Room
	Conn       *SafeConn
	RemoteAddr string

	mu        sync.RWMutex // Protects name, user, dbSession
	name      string
	user      *database.User
	dbSession *database.Session

	dedup *dedupSet // touched only by the inbound loop
}

func newSession(id snowflake.ID, room *Room, conn *SafeConn, remoteAddr string, maxDedup int) *Session {
	return &Session{
		ID:         id,
		Room:       room,
		Conn:       conn,
		RemoteAddr: remoteAddr,
		name:       AnonymousName(id),
		dedup:      newDedupSet(maxDedup),
	}
}

// Bind attaches an authenticated account. The presence takes the user's name.
func (s *Session) Bind(user *database.User, dbSession *database.Session) {
	s.mu.Lock()
	s.user = user
	s.dbSession = dbSession
	s.name = user.Name
	s.mu.Unlock()
}

// SetName changes the display name without touching the account.
func (s *Session) SetName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

// Name returns the current display name.
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// User returns the bound account, or nil when anonymous.
func (s *Session) User() *database.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// DBSession returns the bound persisted session, or nil when anonymous.
func (s *Session) DBSession() *database.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dbSession
}

// Authenticated reports whether an account is bound.
func (s *Session) Authenticated() bool {
	return s.User() != nil
}

// Presence is the public view broadcast in Join, Leave and Update.
func (s *Session) Presence() protocol.Presence {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := protocol.Presence{ID: s.ID, Name: s.name}
	if s.user != nil {
		pub := s.user.Public()
		p.User = &pub
	}
	return p
}

// dedupSet remembers the most recent dedup ids, evicting the oldest first.
type dedupSet struct {
	limit int
	seen  map[string]struct{}
	order []string
}

func newDedupSet(limit int) *dedupSet {
	if limit < 1 {
		limit = 1
	}
	return &dedupSet{limit: limit, seen: make(map[string]struct{})}
}

func (d *dedupSet) Contains(id string) bool {
	_, ok := d.seen[id]
	return ok
}

func (d *dedupSet) Add(id string) {
	if _, ok := d.seen[id]; ok {
		return
	}
	if len(d.order) >= d.limit {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
}

func (d *dedupSet) Len() int {
	return len(d.order)
}

// SessionManager tracks every open connection so the server can count and
// close them.
type SessionManager struct {
	sessions map[snowflake.ID]*Session
	mu       sync.RWMutex
	metrics  *Metrics
}

// NewSessionManager creates a new session manager
func NewSessionManager(metrics *Metrics) *SessionManager {
	return &SessionManager{
		sessions: make(map[snowflake.ID]*Session),
		metrics:  metrics,
	}
}

// Add registers a session.
func (sm *SessionManager) Add(sess *Session) {
	sm.mu.Lock()
	sm.sessions[sess.ID] = sess
	sm.mu.Unlock()

	sm.metrics.RecordConnectionOpened()
}

// GetSession returns a session by presence id
func (sm *SessionManager) GetSession(id snowflake.ID) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[id]
	return sess, ok
}

// GetAllSessions returns all active sessions
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// RemoveSession forgets a session. It reports whether the session was still
// registered, so teardown runs once.
func (sm *SessionManager) RemoveSession(id snowflake.ID) bool {
	sm.mu.Lock()
	_, ok := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()

	if ok {
		sm.metrics.RecordConnectionClosed()
	}
	return ok
}

// CountOnline returns the number of open connections
func (sm *SessionManager) CountOnline() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CloseAll closes every connection. Their loops then run normal teardown.
func (sm *SessionManager) CloseAll() {
	for _, sess := range sm.GetAllSessions() {
		sess.Conn.Close()
	}
}
