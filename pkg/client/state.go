package client

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aeolun/golem/pkg/snowflake"

	_ "modernc.org/sqlite"
)

const stateSchema = `
CREATE TABLE IF NOT EXISTS Config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS Credentials (
	server     TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	token      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS ReadState (
	server       TEXT NOT NULL,
	room         TEXT NOT NULL,
	last_seen_id INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	PRIMARY KEY (server, room)
);
`

// State manages client-side persistent state: saved session tokens and the
// newest message seen per room.
type State struct {
	db  *sql.DB
	dir string // Directory where state is stored
}

// OpenState opens or creates the client state database
func OpenState(path string) (*State, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// Client only needs one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(stateSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create state schema: %w", err)
	}

	return &State{db: db, dir: dir}, nil
}

// Close closes the state database
func (s *State) Close() error {
	return s.db.Close()
}

// GetStateDir returns the directory where state is stored
func (s *State) GetStateDir() string {
	return s.dir
}

// GetConfig retrieves a configuration value, "" when unset
func (s *State) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM Config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetConfig stores a configuration value
func (s *State) SetConfig(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO Config (key, value) VALUES (?, ?)`, key, value)
	return err
}

// GetLastName returns the last display name used
func (s *State) GetLastName() string {
	name, _ := s.GetConfig("last_name")
	return name
}

// SetLastName stores the last display name used
func (s *State) SetLastName(name string) error {
	return s.SetConfig("last_name", name)
}

// GetCredentials returns the saved login for a server. ok is false when the
// client never logged in there.
func (s *State) GetCredentials(server string) (name, token string, ok bool, err error) {
	err = s.db.QueryRow(`SELECT name, token FROM Credentials WHERE server = ?`, server).Scan(&name, &token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return name, token, true, nil
}

// SaveCredentials remembers the session token for a server
func (s *State) SaveCredentials(server, name, token string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO Credentials (server, name, token, updated_at)
		VALUES (?, ?, ?, ?)
	`, server, name, token, time.Now().Unix())
	return err
}

// ForgetCredentials removes the saved login for a server
func (s *State) ForgetCredentials(server string) error {
	_, err := s.db.Exec(`DELETE FROM Credentials WHERE server = ?`, server)
	return err
}

// GetLastSeen returns the newest message id seen in a room, 0 if none
func (s *State) GetLastSeen(server, room string) (snowflake.ID, error) {
	var id int64
	err := s.db.QueryRow(`
		SELECT last_seen_id FROM ReadState WHERE server = ? AND room = ?
	`, server, room).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return snowflake.ID(id), err
}

// MarkSeen records id as seen unless a newer id already is
func (s *State) MarkSeen(server, room string, id snowflake.ID) error {
	_, err := s.db.Exec(`
		INSERT INTO ReadState (server, room, last_seen_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (server, room) DO UPDATE SET
			last_seen_id = max(last_seen_id, excluded.last_seen_id),
			updated_at = excluded.updated_at
	`, server, room, int64(id), time.Now().Unix())
	return err
}
