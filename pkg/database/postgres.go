package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aeolun/golem/pkg/snowflake"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS users (
	id BIGINT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	password TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	id BIGINT PRIMARY KEY,
	token BIGINT NOT NULL UNIQUE,
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS rooms (
	id BIGINT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS messages (
	id BIGINT PRIMARY KEY,
	author BIGINT NOT NULL,
	author_name TEXT NOT NULL,
	parent BIGINT NOT NULL,
	content TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_parent ON messages(parent, id);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
`

// PgConfig configures the PostgreSQL connection pool.
type PgConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	ApplicationName string
}

// PgDB is the PostgreSQL-backed Store.
type PgDB struct {
	pool *pgxpool.Pool
}

var _ Store = (*PgDB)(nil)

// OpenPostgres connects, pings and creates the schema if missing.
func OpenPostgres(ctx context.Context, cfg PgConfig) (*PgDB, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.ApplicationName != "" {
		if pc.ConnConfig.RuntimeParams == nil {
			pc.ConnConfig.RuntimeParams = map[string]string{}
		}
		pc.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &PgDB{pool: pool}, nil
}

// Ping checks that the pool can reach the server.
func (p *PgDB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.pool.Ping(ctx)
}

func (p *PgDB) Close() error {
	p.pool.Close()
	return nil
}

// mapPgError converts pgx errors into package sentinels.
func mapPgError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}

func (p *PgDB) CreateUser(ctx context.Context, u *User) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO users (id, name, password) VALUES ($1, $2, $3)`,
		u.ID.Int64(), u.Name, u.PasswordHash)
	if err != nil {
		return fmt.Errorf("create user: %w", mapPgError(err))
	}
	return nil
}

func (p *PgDB) GetUser(ctx context.Context, id snowflake.ID) (*User, error) {
	return p.getUser(ctx, `SELECT id, name, password FROM users WHERE id = $1`, id.Int64())
}

func (p *PgDB) GetUserByName(ctx context.Context, name string) (*User, error) {
	return p.getUser(ctx, `SELECT id, name, password FROM users WHERE name = $1`, name)
}

func (p *PgDB) getUser(ctx context.Context, query string, arg any) (*User, error) {
	var (
		id   int64
		user User
	)
	if err := p.pool.QueryRow(ctx, query, arg).Scan(&id, &user.Name, &user.PasswordHash); err != nil {
		return nil, fmt.Errorf("get user: %w", mapPgError(err))
	}
	user.ID = snowflake.ID(id)
	return &user, nil
}

func (p *PgDB) UpdateUserPassword(ctx context.Context, id snowflake.ID, hash string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE users SET password = $1 WHERE id = $2`, hash, id.Int64())
	if err != nil {
		return fmt.Errorf("update password: %w", mapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update password: %w", ErrNotFound)
	}
	return nil
}

func (p *PgDB) CreateSession(ctx context.Context, s *Session) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO sessions (id, token, user_id) VALUES ($1, $2, $3)`,
		s.ID.Int64(), int64(s.Token), s.UserID.Int64())
	if err != nil {
		return fmt.Errorf("create session: %w", mapPgError(err))
	}
	return nil
}

func (p *PgDB) GetSessionByToken(ctx context.Context, token uint64) (*Session, error) {
	var id, stored, userID int64
	err := p.pool.QueryRow(ctx, `SELECT id, token, user_id FROM sessions WHERE token = $1`, int64(token)).
		Scan(&id, &stored, &userID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", mapPgError(err))
	}
	return &Session{ID: snowflake.ID(id), Token: uint64(stored), UserID: snowflake.ID(userID)}, nil
}

func (p *PgDB) DeleteSession(ctx context.Context, id snowflake.ID) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id.Int64())
	if err != nil {
		return fmt.Errorf("delete session: %w", mapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete session: %w", ErrNotFound)
	}
	return nil
}

func (p *PgDB) CreateRoom(ctx context.Context, r *Room) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO rooms (id, name) VALUES ($1, $2)`, r.ID.Int64(), r.Name)
	if err != nil {
		return fmt.Errorf("create room: %w", mapPgError(err))
	}
	return nil
}

func (p *PgDB) GetRoom(ctx context.Context, id snowflake.ID) (*Room, error) {
	return p.getRoom(ctx, `SELECT id, name FROM rooms WHERE id = $1`, id.Int64())
}

func (p *PgDB) GetRoomByName(ctx context.Context, name string) (*Room, error) {
	return p.getRoom(ctx, `SELECT id, name FROM rooms WHERE name = $1`, name)
}

func (p *PgDB) getRoom(ctx context.Context, query string, arg any) (*Room, error) {
	var id int64
	var r Room
	if err := p.pool.QueryRow(ctx, query, arg).Scan(&id, &r.Name); err != nil {
		return nil, fmt.Errorf("get room: %w", mapPgError(err))
	}
	r.ID = snowflake.ID(id)
	return &r, nil
}

func (p *PgDB) ListRooms(ctx context.Context) ([]*Room, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, name FROM rooms ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	rooms := []*Room{}
	for rows.Next() {
		var id int64
		var r Room
		if err := rows.Scan(&id, &r.Name); err != nil {
			return nil, fmt.Errorf("list rooms: %w", err)
		}
		r.ID = snowflake.ID(id)
		rooms = append(rooms, &r)
	}
	return rooms, rows.Err()
}

func (p *PgDB) AddMessage(ctx context.Context, m *Message) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		m.ID.Int64(), m.AuthorID.Int64(), m.AuthorName, m.Parent.Int64(), m.Content)
	if err != nil {
		return fmt.Errorf("add message: %w", mapPgError(err))
	}
	return nil
}

func (p *PgDB) GetMessage(ctx context.Context, id snowflake.ID) (*Message, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id.Int64())
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	messages, err := collectPgMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("get message: %w", ErrNotFound)
	}
	return messages[0], nil
}

func (p *PgDB) ListMessages(ctx context.Context) ([]*Message, error) {
	return p.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages ORDER BY id DESC`)
}

func (p *PgDB) ListTopLevel(ctx context.Context, room snowflake.ID, before *snowflake.ID, limit int) ([]*Message, error) {
	if limit <= 0 {
		return []*Message{}, nil
	}
	if before != nil {
		return p.queryMessages(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE parent = $1 AND id < $2 ORDER BY id DESC LIMIT $3`,
			room.Int64(), before.Int64(), limit)
	}
	return p.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE parent = $1 ORDER BY id DESC LIMIT $2`,
		room.Int64(), limit)
}

func (p *PgDB) ListChildren(ctx context.Context, parent snowflake.ID) ([]*Message, error) {
	return p.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE parent = $1 ORDER BY id ASC`, parent.Int64())
}

func (p *PgDB) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	messages, err := collectPgMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return messages, nil
}

func collectPgMessages(rows pgx.Rows) ([]*Message, error) {
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		var id, author, parent int64
		m := &Message{}
		if err := rows.Scan(&id, &author, &m.AuthorName, &parent, &m.Content); err != nil {
			return nil, err
		}
		m.ID, m.AuthorID, m.Parent = snowflake.ID(id), snowflake.ID(author), snowflake.ID(parent)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
