package auth

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aeolun/golem/pkg/database"
	"github.com/aeolun/golem/pkg/snowflake"
)

var (
	// ErrSessionNotFound means the token does not belong to any session.
	ErrSessionNotFound = errors.New("auth: session not found")
	// ErrStore wraps a failure of the backing store during verification.
	ErrStore = errors.New("auth: store error")
	// ErrInvalidCredentials covers both an unknown name and a wrong password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// SessionFinder is what VerifySession needs from a store.
type SessionFinder interface {
	GetSessionByToken(ctx context.Context, token uint64) (*database.Session, error)
}

// VerifySession resolves token to its session with a single lookup.
func VerifySession(ctx context.Context, store SessionFinder, token Token) (*database.Session, error) {
	s, err := store.GetSessionByToken(ctx, uint64(token))
	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, database.ErrNotFound):
		return nil, ErrSessionNotFound
	default:
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
}

// AccountStore is the slice of database.Store the Authenticator uses.
type AccountStore interface {
	database.UserStore
	database.SessionStore
}

// Authenticator logs users in and registers new accounts.
type Authenticator struct {
	store  AccountStore
	ids    database.IDGenerator
	params Params
	dummy  string
	logger *log.Logger
}

// NewAuthenticator precomputes the hash used to equalize timing for unknown users.
func NewAuthenticator(store AccountStore, ids database.IDGenerator, logger *log.Logger) (*Authenticator, error) {
	return newAuthenticator(store, ids, DefaultParams, logger)
}

func newAuthenticator(store AccountStore, ids database.IDGenerator, params Params, logger *log.Logger) (*Authenticator, error) {
	dummy, err := params.Hash("golem-dummy-password")
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Authenticator{store: store, ids: ids, params: params, dummy: dummy, logger: logger}, nil
}

// Register creates an account. A taken name surfaces as database.ErrDuplicate.
func (a *Authenticator) Register(ctx context.Context, name, password string) (*database.User, error) {
	hash, err := a.params.Hash(password)
	if err != nil {
		return nil, err
	}
	id, err := a.ids.NextID()
	if err != nil {
		return nil, fmt.Errorf("mint user id: %w", err)
	}
	u := &database.User{ID: id, Name: name, PasswordHash: hash}
	if err := a.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Login checks the credentials and opens a new session for the user.
func (a *Authenticator) Login(ctx context.Context, name, password string) (*database.User, *database.Session, error) {
	u, err := a.store.GetUserByName(ctx, name)
	if errors.Is(err, database.ErrNotFound) {
		CheckPassword(password, a.dummy)
		return nil, nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lookup user: %w", err)
	}

	ok, err := CheckPassword(password, u.PasswordHash)
	if err != nil {
		a.logger.Printf("auth: user %s has unreadable password hash: %v", u.ID, err)
	}
	if !ok {
		return nil, nil, ErrInvalidCredentials
	}

	if a.params.NeedsRehash(u.PasswordHash) {
		a.rehash(ctx, u, password)
	}

	s, err := a.openSession(ctx, u.ID)
	if err != nil {
		return nil, nil, err
	}
	return u, s, nil
}

// Logout deletes the session.
func (a *Authenticator) Logout(ctx context.Context, s *database.Session) error {
	return a.store.DeleteSession(ctx, s.ID)
}

// rehash is best effort; the login succeeds either way.
func (a *Authenticator) rehash(ctx context.Context, u *database.User, password string) {
	hash, err := a.params.Hash(password)
	if err != nil {
		a.logger.Printf("auth: rehash for %s: %v", u.ID, err)
		return
	}
	if err := a.store.UpdateUserPassword(ctx, u.ID, hash); err != nil {
		a.logger.Printf("auth: store rehash for %s: %v", u.ID, err)
		return
	}
	u.PasswordHash = hash
}

func (a *Authenticator) openSession(ctx context.Context, user snowflake.ID) (*database.Session, error) {
	// A token collision is astronomically unlikely; retry once and give up.
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		token, err := GenerateToken()
		if err != nil {
			return nil, err
		}
		id, err := a.ids.NextID()
		if err != nil {
			return nil, fmt.Errorf("mint session id: %w", err)
		}
		s := &database.Session{ID: id, Token: uint64(token), UserID: user}
		lastErr = a.store.CreateSession(ctx, s)
		if lastErr == nil {
			return s, nil
		}
		if !errors.Is(lastErr, database.ErrDuplicate) {
			break
		}
	}
	return nil, fmt.Errorf("create session: %w", lastErr)
}
