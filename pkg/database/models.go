package database

import (
	"context"
	"errors"

	"github.com/aeolun/golem/pkg/snowflake"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate indicates a unique constraint was violated (id, user name, token, room name).
	ErrDuplicate = errors.New("duplicate")
)

// User is a registered account. PasswordHash never leaves the server.
type User struct {
	ID           snowflake.ID
	Name         string
	PasswordHash string `json:"-"`
}

// Public returns the view of the user that may be shown to clients.
func (u *User) Public() PublicUser {
	return PublicUser{ID: u.ID, Name: u.Name}
}

// PublicUser is a user without credentials.
type PublicUser struct {
	ID   snowflake.ID `json:"id"`
	Name string       `json:"name"`
}

// Session binds a bearer token to a user.
type Session struct {
	ID     snowflake.ID
	Token  uint64 `json:"-"`
	UserID snowflake.ID
}

// Room is a named top-level container. Its ID is the parent of every
// top-level message posted in it.
type Room struct {
	ID   snowflake.ID `json:"id"`
	Name string       `json:"name"`
}

// Message is a node in the message forest. Parent is either another
// message or a room id; it is never empty.
type Message struct {
	ID         snowflake.ID
	AuthorID   snowflake.ID
	AuthorName string // denormalized at write time
	Parent     snowflake.ID
	Content    string
}

// UserStore persists accounts.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id snowflake.ID) (*User, error)
	GetUserByName(ctx context.Context, name string) (*User, error)
	UpdateUserPassword(ctx context.Context, id snowflake.ID, hash string) error
}

// SessionStore persists bearer sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSessionByToken(ctx context.Context, token uint64) (*Session, error)
	DeleteSession(ctx context.Context, id snowflake.ID) error
}

// RoomStore persists rooms.
type RoomStore interface {
	CreateRoom(ctx context.Context, r *Room) error
	GetRoom(ctx context.Context, id snowflake.ID) (*Room, error)
	GetRoomByName(ctx context.Context, name string) (*Room, error)
	ListRooms(ctx context.Context) ([]*Room, error)
}

// ChildLister is the only capability LoadDescendants needs from a store.
type ChildLister interface {
	// ListChildren returns the direct children of parent, ordered by id ascending.
	ListChildren(ctx context.Context, parent snowflake.ID) ([]*Message, error)
}

// MessageStore persists the message forest.
type MessageStore interface {
	ChildLister
	AddMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id snowflake.ID) (*Message, error)
	// ListMessages returns every message, newest first.
	ListMessages(ctx context.Context) ([]*Message, error)
	// ListTopLevel returns up to limit messages whose parent is room, newest
	// first. If before is set only ids strictly lower than it are returned.
	ListTopLevel(ctx context.Context, room snowflake.ID, before *snowflake.ID, limit int) ([]*Message, error)
}

// Store is the full persistence surface used by the server.
type Store interface {
	UserStore
	SessionStore
	RoomStore
	MessageStore
	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// IDGenerator mints identifiers for rows created inside this package.
type IDGenerator interface {
	NextID() (snowflake.ID, error)
}
