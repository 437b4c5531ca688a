package database

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/aeolun/golem/pkg/snowflake"
)

// MemDB is an in-memory Store. When attached to a DB it loads all rows at
// start and writes every change through before applying it in memory, so
// reads never touch SQLite and nothing acknowledged is lost on a crash.
type MemDB struct {
	mu sync.RWMutex

	// Core data
	users    map[snowflake.ID]*User
	sessions map[snowflake.ID]*Session
	rooms    map[snowflake.ID]*Room
	messages map[snowflake.ID]*Message

	// Indexes
	usersByName      map[string]snowflake.ID
	sessionsByToken  map[uint64]snowflake.ID
	roomsByName      map[string]snowflake.ID
	messagesByParent map[snowflake.ID][]snowflake.ID // parent -> child ids, ascending

	sqliteDB  *DB
	closeOnce sync.Once
}

var _ Store = (*MemDB)(nil)

// NewMemDB creates an in-memory store. sqliteDB may be nil for a purely
// volatile store; otherwise its contents are loaded and kept in sync.
func NewMemDB(sqliteDB *DB) (*MemDB, error) {
	m := &MemDB{
		users:            make(map[snowflake.ID]*User),
		sessions:         make(map[snowflake.ID]*Session),
		rooms:            make(map[snowflake.ID]*Room),
		messages:         make(map[snowflake.ID]*Message),
		usersByName:      make(map[string]snowflake.ID),
		sessionsByToken:  make(map[uint64]snowflake.ID),
		roomsByName:      make(map[string]snowflake.ID),
		messagesByParent: make(map[snowflake.ID][]snowflake.ID),
		sqliteDB:         sqliteDB,
	}

	if sqliteDB == nil {
		return m, nil
	}

	if err := m.loadFromSQLite(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load from SQLite: %w", err)
	}

	log.Printf("MemDB: initialized with %d users, %d rooms, %d messages",
		len(m.users), len(m.rooms), len(m.messages))
	return m, nil
}

// loadFromSQLite loads all data from SQLite into memory
func (m *MemDB) loadFromSQLite(ctx context.Context) error {
	start := time.Now()

	users, err := m.sqliteDB.ListUsers(ctx)
	if err != nil {
		return err
	}
	for _, u := range users {
		m.users[u.ID] = u
		m.usersByName[u.Name] = u.ID
	}

	sessions, err := m.sqliteDB.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		m.sessions[s.ID] = s
		m.sessionsByToken[s.Token] = s.ID
	}

	rooms, err := m.sqliteDB.ListRooms(ctx)
	if err != nil {
		return err
	}
	for _, r := range rooms {
		m.rooms[r.ID] = r
		m.roomsByName[r.Name] = r.ID
	}

	messages, err := m.sqliteDB.ListMessages(ctx)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		m.messages[msg.ID] = msg
		m.messagesByParent[msg.Parent] = append(m.messagesByParent[msg.Parent], msg.ID)
	}
	for parent := range m.messagesByParent {
		ids := m.messagesByParent[parent]
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}

	log.Printf("MemDB: loaded %d messages in %v", len(messages), time.Since(start))
	return nil
}

// Ping checks the attached DB. A detached MemDB is always reachable.
func (m *MemDB) Ping(ctx context.Context) error {
	if m.sqliteDB == nil {
		return nil
	}
	return m.sqliteDB.Ping(ctx)
}

// Close closes the attached SQLite database, if any.
func (m *MemDB) Close() error {
	var err error
	m.closeOnce.Do(func() {
		if m.sqliteDB != nil {
			err = m.sqliteDB.Close()
		}
	})
	return err
}

// === Users ===

func (m *MemDB) CreateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.usersByName[u.Name]; taken {
		return fmt.Errorf("create user: %w: name %q", ErrDuplicate, u.Name)
	}
	if _, taken := m.users[u.ID]; taken {
		return fmt.Errorf("create user: %w: id %s", ErrDuplicate, u.ID)
	}
	if m.sqliteDB != nil {
		if err := m.sqliteDB.CreateUser(ctx, u); err != nil {
			return err
		}
	}

	stored := *u
	m.users[u.ID] = &stored
	m.usersByName[u.Name] = u.ID
	return nil
}

func (m *MemDB) GetUser(ctx context.Context, id snowflake.ID) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("get user: %w", ErrNotFound)
	}
	userCopy := *u
	return &userCopy, nil
}

func (m *MemDB) GetUserByName(ctx context.Context, name string) (*User, error) {
	m.mu.RLock()
	id, ok := m.usersByName[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("get user: %w", ErrNotFound)
	}
	return m.GetUser(ctx, id)
}

func (m *MemDB) UpdateUserPassword(ctx context.Context, id snowflake.ID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return fmt.Errorf("update password: %w", ErrNotFound)
	}
	if m.sqliteDB != nil {
		if err := m.sqliteDB.UpdateUserPassword(ctx, id, hash); err != nil {
			return err
		}
	}
	u.PasswordHash = hash
	return nil
}

// === Sessions ===

func (m *MemDB) CreateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.sessionsByToken[s.Token]; taken {
		return fmt.Errorf("create session: %w: token", ErrDuplicate)
	}
	if _, taken := m.sessions[s.ID]; taken {
		return fmt.Errorf("create session: %w: id %s", ErrDuplicate, s.ID)
	}
	if _, ok := m.users[s.UserID]; !ok {
		return fmt.Errorf("create session: user %s: %w", s.UserID, ErrNotFound)
	}
	if m.sqliteDB != nil {
		if err := m.sqliteDB.CreateSession(ctx, s); err != nil {
			return err
		}
	}

	stored := *s
	m.sessions[s.ID] = &stored
	m.sessionsByToken[s.Token] = s.ID
	return nil
}

func (m *MemDB) GetSessionByToken(ctx context.Context, token uint64) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.sessionsByToken[token]
	if !ok {
		return nil, fmt.Errorf("get session: %w", ErrNotFound)
	}
	sessionCopy := *m.sessions[id]
	return &sessionCopy, nil
}

func (m *MemDB) DeleteSession(ctx context.Context, id snowflake.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("delete session: %w", ErrNotFound)
	}
	if m.sqliteDB != nil {
		if err := m.sqliteDB.DeleteSession(ctx, id); err != nil {
			return err
		}
	}
	delete(m.sessionsByToken, s.Token)
	delete(m.sessions, id)
	return nil
}

// === Rooms ===

func (m *MemDB) CreateRoom(ctx context.Context, r *Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.roomsByName[r.Name]; taken {
		return fmt.Errorf("create room: %w: name %q", ErrDuplicate, r.Name)
	}
	if _, taken := m.rooms[r.ID]; taken {
		return fmt.Errorf("create room: %w: id %s", ErrDuplicate, r.ID)
	}
	if m.sqliteDB != nil {
		if err := m.sqliteDB.CreateRoom(ctx, r); err != nil {
			return err
		}
	}

	stored := *r
	m.rooms[r.ID] = &stored
	m.roomsByName[r.Name] = r.ID
	return nil
}

func (m *MemDB) GetRoom(ctx context.Context, id snowflake.ID) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[id]
	if !ok {
		return nil, fmt.Errorf("get room: %w", ErrNotFound)
	}
	roomCopy := *r
	return &roomCopy, nil
}

func (m *MemDB) GetRoomByName(ctx context.Context, name string) (*Room, error) {
	m.mu.RLock()
	id, ok := m.roomsByName[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("get room: %w", ErrNotFound)
	}
	return m.GetRoom(ctx, id)
}

func (m *MemDB) ListRooms(ctx context.Context) ([]*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		roomCopy := *r
		rooms = append(rooms, &roomCopy)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms, nil
}

// === Messages ===

// AddMessage writes the message through to SQLite, then indexes it.
func (m *MemDB) AddMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.messages[msg.ID]; taken {
		return fmt.Errorf("add message: %w: id %s", ErrDuplicate, msg.ID)
	}
	if m.sqliteDB != nil {
		if err := m.sqliteDB.AddMessage(ctx, msg); err != nil {
			return err
		}
	}

	stored := *msg
	m.messages[msg.ID] = &stored

	// Keep the child index sorted; new ids are almost always the largest
	children := m.messagesByParent[msg.Parent]
	i := sort.Search(len(children), func(i int) bool { return children[i] >= msg.ID })
	children = append(children, 0)
	copy(children[i+1:], children[i:])
	children[i] = msg.ID
	m.messagesByParent[msg.Parent] = children
	return nil
}

// GetMessage retrieves a single message by ID
func (m *MemDB) GetMessage(ctx context.Context, id snowflake.ID) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, fmt.Errorf("get message: %w", ErrNotFound)
	}
	messageCopy := *msg
	return &messageCopy, nil
}

func (m *MemDB) ListMessages(ctx context.Context) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := make([]*Message, 0, len(m.messages))
	for _, msg := range m.messages {
		messageCopy := *msg
		messages = append(messages, &messageCopy)
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].ID > messages[j].ID })
	return messages, nil
}

func (m *MemDB) ListTopLevel(ctx context.Context, room snowflake.ID, before *snowflake.ID, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := []*Message{}
	if limit <= 0 {
		return messages, nil
	}

	// Walk the ascending index backwards for newest-first
	ids := m.messagesByParent[room]
	for i := len(ids) - 1; i >= 0 && len(messages) < limit; i-- {
		if before != nil && ids[i] >= *before {
			continue
		}
		messageCopy := *m.messages[ids[i]]
		messages = append(messages, &messageCopy)
	}
	return messages, nil
}

func (m *MemDB) ListChildren(ctx context.Context, parent snowflake.ID) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.messagesByParent[parent]
	messages := make([]*Message, 0, len(ids))
	for _, id := range ids {
		messageCopy := *m.messages[id]
		messages = append(messages, &messageCopy)
	}
	return messages, nil
}
