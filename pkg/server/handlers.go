package server

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/aeolun/golem/pkg/auth"
	"github.com/aeolun/golem/pkg/database"
	"github.com/aeolun/golem/pkg/protocol"
	"github.com/aeolun/golem/pkg/snowflake"
)

// handleCommand dispatches one decoded command. Every outcome is delivered
// through the room hub; nothing here closes the connection.
func (s *Server) handleCommand(ctx context.Context, sess *Session, msg protocol.ClientMsg) {
	switch m := msg.(type) {
	case protocol.Authenticate:
		s.handleAuthenticate(ctx, sess, m)
	case protocol.AuthenticateToken:
		s.handleAuthenticateToken(ctx, sess, m)
	case protocol.Pong:
		// Keepalive is handled with control frames; nothing to do
	case protocol.SendMessage:
		s.handleSendMessage(ctx, sess, m)
	case protocol.LoadAllMessages:
		s.handleLoadAllMessages(ctx, sess)
	case protocol.LoadMessages:
		s.handleLoadMessages(ctx, sess, m)
	case protocol.LoadChildren:
		s.handleLoadChildren(ctx, sess, m)
	case protocol.ChangeName:
		s.handleChangeName(sess, m)
	default:
		debugLog.Printf("Conn %s: unhandled command %s", sess.ID, msg.Kind())
	}
}

// handleAuthenticate handles Authenticate{name, password}
func (s *Server) handleAuthenticate(ctx context.Context, sess *Session, m protocol.Authenticate) {
	user, dbSession, err := s.auth.Login(ctx, m.Name, m.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.metrics.RecordAuth("invalid")
		debugLog.Printf("Conn %s: failed login as %q", sess.ID, m.Name)
		s.reply(sess, protocol.AuthResult{Success: false, PresenceID: sess.ID})
		return
	case err != nil:
		s.metrics.RecordAuth("error")
		s.metrics.RecordStoreError("login")
		errorLog.Printf("Conn %s: login as %q failed: %v", sess.ID, m.Name, err)
		s.reply(sess, protocol.Error{})
		return
	}

	s.metrics.RecordAuth("success")
	s.bind(sess, user, dbSession)
	debugLog.Printf("Conn %s: authenticated as %s (%s)", sess.ID, user.Name, user.ID)

	s.reply(sess, protocol.AuthResult{
		Success:    true,
		PresenceID: sess.ID,
		Token:      auth.Token(dbSession.Token).String(),
	})
	s.broadcast(sess.Room, protocol.Update{Presence: sess.Presence()})
}

// handleAuthenticateToken binds an existing session by its token
func (s *Server) handleAuthenticateToken(ctx context.Context, sess *Session, m protocol.AuthenticateToken) {
	dbSession, err := auth.VerifySession(ctx, s.store, auth.Token(m.Token))
	if err != nil {
		if errors.Is(err, auth.ErrSessionNotFound) {
			s.metrics.RecordAuth("invalid")
			s.reply(sess, protocol.AuthResult{Success: false, PresenceID: sess.ID})
			return
		}
		s.metrics.RecordAuth("error")
		s.metrics.RecordStoreError("verify_session")
		errorLog.Printf("Conn %s: token verification failed: %v", sess.ID, err)
		s.reply(sess, protocol.Error{})
		return
	}

	user, err := s.store.GetUser(ctx, dbSession.UserID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.metrics.RecordAuth("invalid")
			s.reply(sess, protocol.AuthResult{Success: false, PresenceID: sess.ID})
			return
		}
		s.metrics.RecordAuth("error")
		s.metrics.RecordStoreError("get_user")
		errorLog.Printf("Conn %s: failed to load user %s: %v", sess.ID, dbSession.UserID, err)
		s.reply(sess, protocol.Error{})
		return
	}

	s.metrics.RecordAuth("success")
	s.bind(sess, user, dbSession)
	s.reply(sess, protocol.AuthResult{Success: true, PresenceID: sess.ID})
	s.broadcast(sess.Room, protocol.Update{Presence: sess.Presence()})
}

func (s *Server) bind(sess *Session, user *database.User, dbSession *database.Session) {
	sess.Bind(user, dbSession)
	sess.Room.SetPresence(sess.Presence())
}

// handleSendMessage handles Message{parent, content, dedup_id?}
func (s *Server) handleSendMessage(ctx context.Context, sess *Session, m protocol.SendMessage) {
	if m.DedupID != nil && sess.dedup.Contains(*m.DedupID) {
		s.metrics.RecordDuplicate()
		debugLog.Printf("Conn %s: duplicate post %q", sess.ID, *m.DedupID)
		s.reply(sess, protocol.Duplicate{DedupID: *m.DedupID})
		return
	}

	author, authorName := sess.ID, sess.Name()
	if user := sess.User(); user != nil {
		author, authorName = user.ID, user.Name
	} else if !s.config.AllowAnonymousPosts {
		s.replyError(sess, "post while unauthenticated")
		return
	}

	if strings.TrimSpace(m.Content) == "" {
		s.replyError(sess, "empty message")
		return
	}
	if len(m.Content) > s.config.MaxMessageLength {
		s.replyError(sess, "message of %d bytes exceeds limit of %d", len(m.Content), s.config.MaxMessageLength)
		return
	}

	if !s.inRoom(ctx, sess, m.Parent) {
		return
	}

	id, err := s.nextID(ctx)
	if err != nil {
		errorLog.Printf("Conn %s: failed to mint message id: %v", sess.ID, err)
		s.reply(sess, protocol.Error{})
		return
	}

	stored := &database.Message{
		ID:         id,
		AuthorID:   author,
		AuthorName: authorName,
		Parent:     m.Parent,
		Content:    m.Content,
	}
	if err := s.store.AddMessage(ctx, stored); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			errorLog.Printf("Conn %s: BUG: minted message id %s already exists", sess.ID, id)
		}
		s.storeFailure(sess, "add_message", err)
		return
	}
	if m.DedupID != nil {
		sess.dedup.Add(*m.DedupID)
	}

	s.metrics.RecordMessagePosted()
	s.broadcast(sess.Room, protocol.NewMessage{Message: protocol.FromStored(stored)})
}

// handleLoadAllMessages returns every message in the room, newest first
func (s *Server) handleLoadAllMessages(ctx context.Context, sess *Session) {
	messages, err := s.store.ListMessages(ctx)
	if err != nil {
		s.storeFailure(sess, "list_messages", err)
		return
	}
	messages = database.InRoom(messages, sess.Room.ID())
	s.reply(sess, protocol.Messages{List: protocol.FromStoredList(messages)})
}

// handleLoadMessages returns the newest top-level messages of the room
func (s *Server) handleLoadMessages(ctx context.Context, sess *Session, m protocol.LoadMessages) {
	amount := min(int(m.Amount), s.config.MaxLoadAmount)

	messages, err := s.store.ListTopLevel(ctx, sess.Room.ID(), m.Before, amount)
	if err != nil {
		s.storeFailure(sess, "list_top_level", err)
		return
	}
	s.reply(sess, protocol.Messages{List: protocol.FromStoredList(messages)})
}

// handleLoadChildren returns the subtree under a message
func (s *Server) handleLoadChildren(ctx context.Context, sess *Session, m protocol.LoadChildren) {
	depth := s.config.DefaultTreeDepth
	if m.Depth != nil {
		depth = int(*m.Depth)
	}
	depth = min(depth, s.config.MaxTreeDepth)

	if !s.inRoom(ctx, sess, m.Parent) {
		return
	}
	messages, err := database.LoadDescendants(ctx, s.store, m.Parent, depth)
	if err != nil {
		s.storeFailure(sess, "load_descendants", err)
		return
	}
	s.reply(sess, protocol.Messages{List: protocol.FromStoredList(messages)})
}

// inRoom reports whether parent is the session's room or a message in one of
// its threads. Otherwise the client gets an Error.
func (s *Server) inRoom(ctx context.Context, sess *Session, parent snowflake.ID) bool {
	if parent == sess.Room.ID() {
		return true
	}

	room, err := database.RoomOf(ctx, s.store, parent)
	switch {
	case errors.Is(err, database.ErrNotFound):
		s.replyError(sess, "parent %s does not exist", parent)
		return false
	case err != nil:
		s.storeFailure(sess, "room_of", err)
		return false
	case room != sess.Room.ID():
		s.replyError(sess, "parent %s belongs to room %s", parent, room)
		return false
	}
	return true
}

// handleChangeName renames the presence. Nothing is persisted.
func (s *Server) handleChangeName(sess *Session, m protocol.ChangeName) {
	name := strings.TrimSpace(m.Name)
	if n := utf8.RuneCountInString(name); n == 0 || n > s.config.MaxNameLength {
		s.replyError(sess, "invalid name of %d runes", n)
		return
	}

	sess.SetName(name)
	sess.Room.SetPresence(sess.Presence())
	s.broadcast(sess.Room, protocol.Update{Presence: sess.Presence()})
}

// reply queues msg for the requesting connection only.
func (s *Server) reply(sess *Session, msg protocol.ServerMsg) {
	env, err := ToOne(sess.ID, msg)
	if err != nil {
		errorLog.Printf("Conn %s: failed to encode %s: %v", sess.ID, msg.Kind(), err)
		return
	}
	sess.Room.Publish(env)
}

// replyError logs why a command was refused and sends the bare Error event.
func (s *Server) replyError(sess *Session, format string, args ...any) {
	debugLog.Printf("Conn %s: rejected: "+format, append([]any{sess.ID}, args...)...)
	s.reply(sess, protocol.Error{})
}

func (s *Server) storeFailure(sess *Session, op string, err error) {
	s.metrics.RecordStoreError(op)
	errorLog.Printf("Conn %s: %s failed: %v", sess.ID, op, err)
	s.reply(sess, protocol.Error{})
}

// broadcast queues msg for every connection in the room.
func (s *Server) broadcast(room *Room, msg protocol.ServerMsg) {
	env, err := ToAll(msg)
	if err != nil {
		errorLog.Printf("Room %s: failed to encode %s: %v", room.ID(), msg.Kind(), err)
		return
	}
	room.Publish(env)
}
