package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/aeolun/golem/pkg/database"
	"github.com/aeolun/golem/pkg/protocol"
	"github.com/aeolun/golem/pkg/snowflake"
)

// maxClockWait bounds how long a post waits for the clock to catch up after
// it moved backwards.
const maxClockWait = 5 * time.Second

var (
	errSlowConsumer = errors.New("dropped: outbound queue full")
	errUnsubscribed = errors.New("subscription closed")
	errClientClosed = errors.New("client closed connection")
)

// serveConn runs one upgraded connection until either side goes away.
// user and dbSession are set when the upgrade request carried a valid token.
func (s *Server) serveConn(ctx context.Context, conn *SafeConn, room *Room, user *database.User, dbSession *database.Session) {
	id, err := s.nextID(ctx)
	if err != nil {
		errorLog.Printf("Conn from %s: failed to mint presence id: %v", conn.RemoteAddr(), err)
		conn.CloseWithCode(websocket.CloseInternalServerErr, "", s.config.WriteTimeout)
		return
	}

	sess := newSession(id, room, conn, conn.RemoteAddr().String(), s.config.MaxDedupIDs)
	if user != nil {
		sess.Bind(user, dbSession)
	}
	s.sessions.Add(sess)
	s.connectionsSinceReport.Add(1)
	debugLog.Printf("Conn %s: connected from %s to room %s (authenticated=%t)", id, sess.RemoteAddr, room.ID(), user != nil)

	sub := room.Subscribe(id, s.config.BroadcastBuffer)

	// The handshake is written directly so a large room cannot overflow the
	// queue before the outbound loop starts draining it.
	if err := s.handshake(sess); err != nil {
		debugLog.Printf("Conn %s: handshake failed: %v", id, err)
		sub.Close()
		conn.Close()
		s.sessions.RemoveSession(id)
		return
	}
	room.SetPresence(sess.Presence())
	s.broadcast(room, protocol.Join{Presence: sess.Presence()})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.writeLoop(gctx, sess, sub) })
	g.Go(func() error { return s.readLoop(gctx, sess) })
	g.Go(func() error {
		// Unblocks ReadMessage once either loop has finished
		<-gctx.Done()
		conn.Close()
		return nil
	})
	err = g.Wait()

	room.RemovePresence(id)
	sub.Close()
	s.broadcast(room, protocol.Leave{Presence: sess.Presence()})
	conn.Close()
	if s.sessions.RemoveSession(id) {
		s.disconnectionsSinceReport.Add(1)
	}

	switch {
	case errors.Is(err, errSlowConsumer):
		errorLog.Printf("Conn %s: %v", id, err)
	case errors.Is(err, errClientClosed), errors.Is(err, context.Canceled):
		debugLog.Printf("Conn %s: disconnected", id)
	default:
		debugLog.Printf("Conn %s: disconnected: %v", id, err)
	}
}

// handshake tells a new connection about its own authentication and the
// presences already in the room.
func (s *Server) handshake(sess *Session) error {
	if sess.Authenticated() {
		if err := s.writeDirect(sess, protocol.AuthResult{Success: true, PresenceID: sess.ID}); err != nil {
			return err
		}
	}
	for _, p := range sess.Room.Presences() {
		if err := s.writeDirect(sess, protocol.Join{Presence: p}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) writeDirect(sess *Session, msg protocol.ServerMsg) error {
	data, err := protocol.EncodeServerMsg(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	if err := sess.Conn.WriteText(data, s.config.WriteTimeout); err != nil {
		return err
	}
	s.metrics.RecordEventSent(msg.Kind())
	return nil
}

// writeLoop drains the room subscription into the socket and keeps the
// connection alive with pings. It only returns on failure or cancellation.
func (s *Server) writeLoop(ctx context.Context, sess *Session, sub *Subscription) error {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-sub.C():
			if !ok {
				if sub.Dropped() {
					return errSlowConsumer
				}
				return errUnsubscribed
			}
			if !sub.Accepts(env) {
				continue
			}
			if err := sess.Conn.WriteText(env.Data, s.config.WriteTimeout); err != nil {
				return fmt.Errorf("write %s: %w", env.Kind, err)
			}
			s.metrics.RecordEventSent(env.Kind)

		case <-ticker.C:
			if err := sess.Conn.WritePing(s.config.WriteTimeout); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// readLoop decodes client commands and dispatches them in order.
func (s *Server) readLoop(ctx context.Context, sess *Session) error {
	conn := sess.Conn
	conn.SetReadLimit(protocol.MaxFrameSize)
	if err := conn.SetReadDeadline(time.Now().Add(s.config.PongWait)); err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
	})

	for {
		frameType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return errClientClosed
			}
			return fmt.Errorf("read: %w", err)
		}

		msg, err := protocol.ParseClientFrame(frameType, data)
		if err != nil {
			s.metrics.RecordMalformedFrame()
			debugLog.Printf("Conn %s: ignoring frame: %v", sess.ID, err)
			continue
		}

		s.metrics.RecordCommand(msg.Kind())
		debugLog.Printf("Conn %s: received %s", sess.ID, msg.Kind())
		s.handleCommand(ctx, sess, msg)
	}
}

// nextID mints an identifier. A clock regression is counted, then waited
// out for at most maxClockWait.
func (s *Server) nextID(ctx context.Context) (snowflake.ID, error) {
	id, err := s.gen.NextID()
	var regression *snowflake.ClockRegressionError
	if !errors.As(err, &regression) {
		return id, err
	}
	s.metrics.RecordClockRegression()
	errorLog.Printf("Clock moved backwards, waiting %v", regression.RetryAfter())

	ctx, cancel := context.WithTimeout(ctx, maxClockWait)
	defer cancel()
	return s.gen.NextIDContext(ctx)
}
