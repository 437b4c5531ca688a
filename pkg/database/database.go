package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/aeolun/golem/pkg/snowflake"
)

// DB is the SQLite-backed Store.
type DB struct {
	// A single connection is the serialization point for every statement.
	conn *sql.DB
}

var _ Store = (*DB)(nil)

// Open opens the SQLite database at path and migrates it to the latest schema.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	pragmas := []struct {
		stmt string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "enable WAL mode"},
		// Wait and retry instead of failing with SQLITE_BUSY
		{"PRAGMA busy_timeout = 5000", "set busy timeout"},
		{"PRAGMA foreign_keys = ON", "enable foreign keys"},
		{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.desc, err)
		}
	}

	if err := runMigrations(conn, path); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// mapError converts driver errors into package sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
	}
	return err
}

// === Users ===

// CreateUser inserts a user. A taken name or id yields ErrDuplicate.
func (db *DB) CreateUser(ctx context.Context, u *User) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (id, name, password) VALUES (?, ?, ?)`,
		u.ID, u.Name, u.PasswordHash)
	if err != nil {
		return fmt.Errorf("create user: %w", mapError(err))
	}
	return nil
}

func (db *DB) GetUser(ctx context.Context, id snowflake.ID) (*User, error) {
	return db.getUser(ctx, `SELECT id, name, password FROM users WHERE id = ?`, id)
}

func (db *DB) GetUserByName(ctx context.Context, name string) (*User, error) {
	return db.getUser(ctx, `SELECT id, name, password FROM users WHERE name = ?`, name)
}

func (db *DB) getUser(ctx context.Context, query string, arg any) (*User, error) {
	var u User
	err := db.conn.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Name, &u.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", mapError(err))
	}
	return &u, nil
}

// UpdateUserPassword replaces the stored hash, used when upgrading hashes at login.
func (db *DB) UpdateUserPassword(ctx context.Context, id snowflake.ID, hash string) error {
	res, err := db.conn.ExecContext(ctx, `UPDATE users SET password = ? WHERE id = ?`, hash, id)
	if err != nil {
		return fmt.Errorf("update password: %w", mapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update password: %w", ErrNotFound)
	}
	return nil
}

// ListUsers returns every user ordered by id; used to warm MemDB.
func (db *DB) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, name, password FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.PasswordHash); err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

// === Sessions ===

// CreateSession stores a session. Tokens are stored as their int64 bit pattern.
func (db *DB) CreateSession(ctx context.Context, s *Session) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO sessions (id, token, user_id) VALUES (?, ?, ?)`,
		s.ID, int64(s.Token), s.UserID)
	if err != nil {
		return fmt.Errorf("create session: %w", mapError(err))
	}
	return nil
}

func (db *DB) GetSessionByToken(ctx context.Context, token uint64) (*Session, error) {
	var s Session
	var stored int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, token, user_id FROM sessions WHERE token = ?`, int64(token),
	).Scan(&s.ID, &stored, &s.UserID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", mapError(err))
	}
	s.Token = uint64(stored)
	return &s, nil
}

func (db *DB) DeleteSession(ctx context.Context, id snowflake.ID) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", mapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete session: %w", ErrNotFound)
	}
	return nil
}

// ListSessions returns every session; used to warm MemDB.
func (db *DB) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, token, user_id FROM sessions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var s Session
		var stored int64
		if err := rows.Scan(&s.ID, &stored, &s.UserID); err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		s.Token = uint64(stored)
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}

// === Rooms ===

func (db *DB) CreateRoom(ctx context.Context, r *Room) error {
	_, err := db.conn.ExecContext(ctx, `INSERT INTO rooms (id, name) VALUES (?, ?)`, r.ID, r.Name)
	if err != nil {
		return fmt.Errorf("create room: %w", mapError(err))
	}
	return nil
}

func (db *DB) GetRoom(ctx context.Context, id snowflake.ID) (*Room, error) {
	var r Room
	err := db.conn.QueryRowContext(ctx, `SELECT id, name FROM rooms WHERE id = ?`, id).Scan(&r.ID, &r.Name)
	if err != nil {
		return nil, fmt.Errorf("get room: %w", mapError(err))
	}
	return &r, nil
}

func (db *DB) GetRoomByName(ctx context.Context, name string) (*Room, error) {
	var r Room
	err := db.conn.QueryRowContext(ctx, `SELECT id, name FROM rooms WHERE name = ?`, name).Scan(&r.ID, &r.Name)
	if err != nil {
		return nil, fmt.Errorf("get room: %w", mapError(err))
	}
	return &r, nil
}

func (db *DB) ListRooms(ctx context.Context) ([]*Room, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, name FROM rooms ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	rooms := []*Room{}
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name); err != nil {
			return nil, fmt.Errorf("list rooms: %w", err)
		}
		rooms = append(rooms, &r)
	}
	return rooms, rows.Err()
}

// === Messages ===

const messageColumns = `id, author, author_name, parent, content`

// AddMessage appends a message. A duplicate id yields ErrDuplicate, which
// callers treat as an allocator bug.
func (db *DB) AddMessage(ctx context.Context, m *Message) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.AuthorID, m.AuthorName, m.Parent, m.Content)
	if err != nil {
		return fmt.Errorf("add message: %w", mapError(err))
	}
	return nil
}

func (db *DB) GetMessage(ctx context.Context, id snowflake.ID) (*Message, error) {
	var m Message
	err := db.conn.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id,
	).Scan(&m.ID, &m.AuthorID, &m.AuthorName, &m.Parent, &m.Content)
	if err != nil {
		return nil, fmt.Errorf("get message: %w", mapError(err))
	}
	return &m, nil
}

func (db *DB) ListMessages(ctx context.Context) ([]*Message, error) {
	return db.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages ORDER BY id DESC`)
}

func (db *DB) ListTopLevel(ctx context.Context, room snowflake.ID, before *snowflake.ID, limit int) ([]*Message, error) {
	if limit <= 0 {
		return []*Message{}, nil
	}
	if before != nil {
		return db.queryMessages(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE parent = ? AND id < ? ORDER BY id DESC LIMIT ?`,
			room, *before, limit)
	}
	return db.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE parent = ? ORDER BY id DESC LIMIT ?`,
		room, limit)
}

func (db *DB) ListChildren(ctx context.Context, parent snowflake.ID) ([]*Message, error) {
	return db.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE parent = ? ORDER BY id ASC`, parent)
}

func (db *DB) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// scanMessages is a helper to scan multiple message rows
func scanMessages(rows *sql.Rows) ([]*Message, error) {
	messages := []*Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.AuthorID, &m.AuthorName, &m.Parent, &m.Content); err != nil {
			return nil, err
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// Ping verifies the connection is usable, with a short deadline.
func (db *DB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.conn.PingContext(ctx)
}
