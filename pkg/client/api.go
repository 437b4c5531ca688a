package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aeolun/golem/pkg/database"
	"github.com/aeolun/golem/pkg/protocol"
	"github.com/aeolun/golem/pkg/snowflake"
)

var (
	// ErrNameTaken is returned by Register for a name already in use.
	ErrNameTaken = errors.New("name taken")
	// ErrUnauthorized is returned for bad credentials or an invalid token.
	ErrUnauthorized = errors.New("unauthorized")
)

// API is a client for the server's HTTP endpoints.
type API struct {
	base  string
	http  *http.Client
	token string
}

// NewAPI creates a client for the server at addr, accepting the same forms
// as NewConnection. Any room path is ignored.
func NewAPI(addr string) (*API, error) {
	wsURL, err := ParseServerAddress(addr)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "wss" {
		u.Scheme = "https"
	} else {
		u.Scheme = "http"
	}
	u.Path = ""
	return &API{base: u.String(), http: &http.Client{Timeout: 10 * time.Second}}, nil
}

// Base is the server's HTTP origin, e.g. http://localhost:8080.
func (a *API) Base() string {
	return a.base
}

// SetToken authenticates later requests with a session token.
func (a *API) SetToken(token string) {
	a.token = token
}

// LoginResult is the body of a successful login.
type LoginResult struct {
	Token string              `json:"token"`
	User  database.PublicUser `json:"user"`
}

type credentials struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type apiError struct {
	Error string `json:"error"`
}

func (a *API) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return ErrNameTaken
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode >= 300:
		var e apiError
		_ = json.NewDecoder(resp.Body).Decode(&e)
		msg := strings.TrimSpace(e.Error)
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

// Register creates an account and returns its id.
func (a *API) Register(ctx context.Context, name, password string) (snowflake.ID, error) {
	var id snowflake.ID
	err := a.do(ctx, http.MethodPost, "/api/register", credentials{Name: name, Password: password}, &id)
	return id, err
}

// Login opens a session. The token is kept for later requests.
func (a *API) Login(ctx context.Context, name, password string) (LoginResult, error) {
	var res LoginResult
	if err := a.do(ctx, http.MethodPost, "/api/login", credentials{Name: name, Password: password}, &res); err != nil {
		return LoginResult{}, err
	}
	a.token = res.Token
	return res, nil
}

// Logout ends the current session.
func (a *API) Logout(ctx context.Context) error {
	if err := a.do(ctx, http.MethodPost, "/api/logout", nil, nil); err != nil {
		return err
	}
	a.token = ""
	return nil
}

// User fetches the public view of an account. Requires a session.
func (a *API) User(ctx context.Context, id snowflake.ID) (database.PublicUser, error) {
	var u database.PublicUser
	err := a.do(ctx, http.MethodGet, "/api/user/"+id.String(), nil, &u)
	return u, err
}

// Rooms lists every room.
func (a *API) Rooms(ctx context.Context) ([]database.Room, error) {
	var rooms []database.Room
	err := a.do(ctx, http.MethodGet, "/api/rooms", nil, &rooms)
	return rooms, err
}

// RoomID resolves a room name, or returns the id of a numeric reference.
func (a *API) RoomID(ctx context.Context, ref string) (snowflake.ID, error) {
	rooms, err := a.Rooms(ctx)
	if err != nil {
		return 0, err
	}
	for _, r := range rooms {
		if r.Name == ref || r.ID.String() == ref {
			return r.ID, nil
		}
	}
	return 0, fmt.Errorf("unknown room %q", ref)
}

// Epoch asks the server to mint an id and works out the epoch its ids count
// from, for turning message ids into times.
func (a *API) Epoch(ctx context.Context) (time.Time, error) {
	var parts snowflake.Parts
	if err := a.do(ctx, http.MethodGet, "/api/snowflake", nil, &parts); err != nil {
		return time.Time{}, err
	}
	return parts.Time.Add(-time.Duration(parts.Timestamp) * time.Millisecond), nil
}

// Snapshot returns the newest top-level messages of a room ("" for the
// default room).
func (a *API) Snapshot(ctx context.Context, room string) ([]protocol.Message, error) {
	path := "/api/snapshot"
	if room != "" {
		path += "?room=" + url.QueryEscape(room)
	}
	var list []protocol.Message
	err := a.do(ctx, http.MethodGet, path, nil, &list)
	return list, err
}
