package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/aeolun/golem/pkg/auth"
	"github.com/aeolun/golem/pkg/database"
	"github.com/aeolun/golem/pkg/protocol"
	"github.com/aeolun/golem/pkg/snowflake"
)

// TokenCookie carries the session token for browser clients.
const TokenCookie = "token"

type ctxKey string

const ctxKeySession ctxKey = "session"

// CredentialsRequest is the body of /api/register and /api/login.
type CredentialsRequest struct {
	Name     string `json:"name" validate:"required"`
	Password string `json:"password" validate:"required,max=1024"`
}

// LoginResponse is returned by /api/login.
type LoginResponse struct {
	Token string              `json:"token"`
	User  database.PublicUser `json:"user"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Handler returns the public HTTP surface: the WebSocket endpoint and the
// account API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.countRequests)

	r.Get("/health", s.HealthHandler)

	r.Route("/api", func(api chi.Router) {
		api.Get("/ws", s.handleWebSocket)
		api.Get("/ws/{room}", s.handleWebSocket)

		api.Post("/register", s.handleRegister)
		api.Post("/login", s.handleLogin)
		api.Get("/rooms", s.handleListRooms)
		api.Get("/snapshot", s.handleSnapshot)
		api.Get("/snowflake", s.handleSnowflake)

		api.Group(func(pr chi.Router) {
			pr.Use(s.requireSession)
			pr.Post("/logout", s.handleLogout)
			pr.Get("/user/{id}", s.handleGetUser)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			// Hijacked by the WebSocket upgrade
			status = http.StatusSwitchingProtocols
		}
		s.metrics.RecordHTTPRequest(route, status)
	})
}

// handleWebSocket upgrades GET /api/ws[/{room}] and serves the connection
// until it closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	room, err := s.lookupRoom(r.Context(), chi.URLParam(r, "room"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown room"})
			return
		}
		errorLog.Printf("WebSocket: room lookup failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}

	user, dbSession, err := s.resolveSession(r)
	if err != nil {
		s.metrics.RecordStoreError("verify_session")
		errorLog.Printf("WebSocket: session lookup failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}

	if !s.beginConn() {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "shutting down"})
		return
	}
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		debugLog.Printf("WebSocket: upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	s.serveConn(s.ctx, NewSafeConn(ws), s.hub.Room(room.ID), user, dbSession)
}

// lookupRoom resolves a room by id or name; empty means the default room.
func (s *Server) lookupRoom(ctx context.Context, ref string) (*database.Room, error) {
	if ref == "" {
		ref = s.config.DefaultRoom
	}
	if id, err := snowflake.Parse(ref); err == nil {
		room, err := s.store.GetRoom(ctx, id)
		if !errors.Is(err, database.ErrNotFound) {
			return room, err
		}
	}
	return s.store.GetRoomByName(ctx, ref)
}

// tokenFromRequest reads the session token from the cookie or the
// Authorization header.
func tokenFromRequest(r *http.Request) (auth.Token, bool) {
	raw := ""
	if c, err := r.Cookie(TokenCookie); err == nil {
		raw = c.Value
	} else if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		raw = strings.TrimSpace(h[len("Bearer "):])
	}
	if raw == "" {
		return 0, false
	}
	token, err := auth.ParseToken(raw)
	if err != nil {
		return 0, false
	}
	return token, true
}

// resolveSession returns the account behind the request token. A missing or
// unknown token yields nil values and no error; only store failures error.
func (s *Server) resolveSession(r *http.Request) (*database.User, *database.Session, error) {
	token, ok := tokenFromRequest(r)
	if !ok {
		return nil, nil, nil
	}

	dbSession, err := auth.VerifySession(r.Context(), s.store, token)
	if err != nil {
		if errors.Is(err, auth.ErrSessionNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	user, err := s.store.GetUser(r.Context(), dbSession.UserID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("load user %s: %w", dbSession.UserID, err)
	}
	return user, dbSession, nil
}

type authedRequest struct {
	user    *database.User
	session *database.Session
}

func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, dbSession, err := s.resolveSession(r)
		if err != nil {
			s.metrics.RecordStoreError("verify_session")
			errorLog.Printf("HTTP %s: session lookup failed: %v", r.URL.Path, err)
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
			return
		}
		if user == nil {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "not authenticated"})
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeySession, authedRequest{user: user, session: dbSession})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func authedFromCtx(ctx context.Context) (authedRequest, bool) {
	a, ok := ctx.Value(ctxKeySession).(authedRequest)
	return a, ok
}

func (s *Server) decodeCredentials(w http.ResponseWriter, r *http.Request) (CredentialsRequest, bool) {
	var req CredentialsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json"})
		return req, false
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: validationMessage(err)})
		return req, false
	}
	if err := s.validate.Var(req.Name, fmt.Sprintf("max=%d", s.config.MaxNameLength)); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "name too long"})
		return req, false
	}
	return req, true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag())
	}
	return "invalid request"
}

// POST /api/register
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCredentials(w, r)
	if !ok {
		return
	}

	user, err := s.auth.Register(r.Context(), req.Name, req.Password)
	if err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			writeJSON(w, http.StatusConflict, ErrorResponse{Error: "name taken"})
			return
		}
		s.metrics.RecordStoreError("register")
		errorLog.Printf("HTTP register %q failed: %v", req.Name, err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}

	log.Printf("Registered user %s (%s)", user.Name, user.ID)
	writeJSON(w, http.StatusCreated, user.ID)
}

// POST /api/login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCredentials(w, r)
	if !ok {
		return
	}

	user, dbSession, err := s.auth.Login(r.Context(), req.Name, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			s.metrics.RecordAuth("invalid")
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid credentials"})
			return
		}
		s.metrics.RecordAuth("error")
		s.metrics.RecordStoreError("login")
		errorLog.Printf("HTTP login %q failed: %v", req.Name, err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}
	s.metrics.RecordAuth("success")

	token := auth.Token(dbSession.Token).String()
	http.SetCookie(w, s.tokenCookie(token, 0))
	writeJSON(w, http.StatusOK, LoginResponse{Token: token, User: user.Public()})
}

// POST /api/logout
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	a, _ := authedFromCtx(r.Context())
	if err := s.auth.Logout(r.Context(), a.session); err != nil && !errors.Is(err, database.ErrNotFound) {
		s.metrics.RecordStoreError("logout")
		errorLog.Printf("HTTP logout of %s failed: %v", a.user.Name, err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}
	http.SetCookie(w, s.tokenCookie("", -1))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) tokenCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     TokenCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// GET /api/user/{id}
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := snowflake.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid id"})
		return
	}

	user, err := s.store.GetUser(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no such user"})
			return
		}
		s.metrics.RecordStoreError("get_user")
		errorLog.Printf("HTTP get user %s failed: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, user.Public())
}

// GET /api/rooms
func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.store.ListRooms(r.Context())
	if err != nil {
		s.metrics.RecordStoreError("list_rooms")
		errorLog.Printf("HTTP list rooms failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

// GET /api/snapshot?room=
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	room, err := s.lookupRoom(r.Context(), r.URL.Query().Get("room"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown room"})
			return
		}
		errorLog.Printf("HTTP snapshot: room lookup failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}

	messages, err := s.store.ListTopLevel(r.Context(), room.ID, nil, s.config.SnapshotLimit)
	if err != nil {
		s.metrics.RecordStoreError("list_top_level")
		errorLog.Printf("HTTP snapshot of %s failed: %v", room.Name, err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, protocol.FromStoredList(messages))
}

// GET /api/snowflake
func (s *Server) handleSnowflake(w http.ResponseWriter, r *http.Request) {
	id, err := s.nextID(r.Context())
	if err != nil {
		errorLog.Printf("HTTP snowflake: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "clock unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, id.Decompose(s.gen.Epoch()))
}
