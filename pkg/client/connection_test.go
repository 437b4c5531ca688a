package client

import (
	"context"
	"io"
	"log"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/golem/pkg/database"
	"github.com/aeolun/golem/pkg/protocol"
	"github.com/aeolun/golem/pkg/server"
	"github.com/aeolun/golem/pkg/snowflake"
)

func TestParseServerAddress(t *testing.T) {
	tests := []struct {
		name    string
		address string
		want    string
		wantErr bool
	}{
		{name: "bare host", address: "localhost:8080", want: "ws://localhost:8080/api/ws"},
		{name: "http", address: "http://example.com", want: "ws://example.com/api/ws"},
		{name: "https with room", address: "https://example.com/random", want: "wss://example.com/api/ws/random"},
		{name: "trailing slash", address: "ws://example.com/", want: "ws://example.com/api/ws"},
		{name: "explicit socket path", address: "ws://example.com/api/ws/123", want: "ws://example.com/api/ws/123"},
		{name: "whitespace", address: "  example.com  ", want: "ws://example.com/api/ws"},
		{name: "empty", address: "", wantErr: true},
		{name: "ssh scheme", address: "ssh://example.com", wantErr: true},
		{name: "no host", address: "ws:///general", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseServerAddress(tt.address)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// startServer runs a real server over a volatile store with the "general"
// room seeded.
func startServer(t *testing.T) (*httptest.Server, *server.Server) {
	t.Helper()

	store, err := database.NewMemDB(nil)
	require.NoError(t, err)
	gen, err := snowflake.New(snowflake.DefaultEpoch, 2)
	require.NoError(t, err)
	_, err = database.SeedRooms(context.Background(), store, gen, []string{"general"})
	require.NoError(t, err)

	config := server.DefaultConfig()
	config.MetricsAddr = ""
	srv, err := server.NewServer(config, store, gen, nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { srv.Stop() })
	return ts, srv
}

func waitFor(t *testing.T, events <-chan protocol.ServerMsg, kind string) protocol.ServerMsg {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-events:
			require.True(t, ok, "incoming closed while waiting for %s", kind)
			if msg.Kind() == kind {
				return msg
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s", kind)
		}
	}
}

func TestConnectionRoundTrip(t *testing.T) {
	ts, _ := startServer(t)
	ctx := context.Background()

	api, err := NewAPI(ts.URL)
	require.NoError(t, err)
	_, err = api.Register(ctx, "hana", "pw")
	require.NoError(t, err)
	_, err = api.Register(ctx, "hana", "pw")
	assert.ErrorIs(t, err, ErrNameTaken)
	_, err = api.Login(ctx, "hana", "nope")
	assert.ErrorIs(t, err, ErrUnauthorized)

	login, err := api.Login(ctx, "hana", "pw")
	require.NoError(t, err)
	assert.Equal(t, "hana", login.User.Name)

	user, err := api.User(ctx, login.User.ID)
	require.NoError(t, err)
	assert.Equal(t, login.User, user)

	roomID, err := api.RoomID(ctx, "general")
	require.NoError(t, err)
	_, err = api.RoomID(ctx, "nope")
	assert.Error(t, err)

	conn, err := NewConnection(ts.URL)
	require.NoError(t, err)
	conn.SetLogger(log.New(io.Discard, "", 0))
	conn.SetToken(login.Token)
	conn.DisableAutoReconnect()
	require.NoError(t, conn.Connect())
	defer conn.Close()
	assert.True(t, conn.IsConnected())
	assert.Error(t, conn.Connect(), "second connect")

	auth := waitFor(t, conn.Incoming(), protocol.EventAuthenticate).(protocol.AuthResult)
	assert.True(t, auth.Success)

	require.NoError(t, conn.Send(protocol.SendMessage{Parent: roomID, Content: "hello"}))
	posted := waitFor(t, conn.Incoming(), protocol.EventNewMessage).(protocol.NewMessage)
	assert.Equal(t, "hana", posted.Message.AuthorName)

	snapshot, err := api.Snapshot(ctx, "general")
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, posted.Message, snapshot[0])

	require.NoError(t, api.Logout(ctx))
	_, err = api.User(ctx, login.User.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.Positive(t, conn.GetBytesSent())
	assert.Positive(t, conn.GetBytesReceived())

	conn.Close()
	assert.ErrorIs(t, conn.Send(protocol.Pong{}), ErrClosed)
	assert.False(t, conn.IsConnected())
}

func TestConnectionReconnects(t *testing.T) {
	ts, srv := startServer(t)

	conn, err := NewConnection(ts.URL)
	require.NoError(t, err)
	conn.reconnectDelay = 10 * time.Millisecond
	require.NoError(t, conn.Connect())
	defer conn.Close()
	waitFor(t, conn.Incoming(), protocol.EventJoin)

	// Kick every session server-side; the client dials again
	for _, sess := range srv.Sessions().GetAllSessions() {
		sess.Conn.Close()
	}

	var states []ConnectionStateType
	timeout := time.After(5 * time.Second)
	for len(states) == 0 || states[len(states)-1] != StateTypeConnected {
		select {
		case st := <-conn.StateChanges():
			states = append(states, st.State)
		case <-timeout:
			t.Fatalf("no reconnect, states so far: %v", states)
		}
	}
	assert.Equal(t, StateTypeDisconnected, states[0])
	assert.True(t, conn.IsConnected())
}

func TestRoomViewOverRealConnection(t *testing.T) {
	ts, _ := startServer(t)
	ctx := context.Background()

	api, err := NewAPI(ts.URL)
	require.NoError(t, err)
	_, err = api.Register(ctx, "ivo", "pw")
	require.NoError(t, err)
	login, err := api.Login(ctx, "ivo", "pw")
	require.NoError(t, err)
	roomID, err := api.RoomID(ctx, "general")
	require.NoError(t, err)

	conn, err := NewConnection(ts.URL + "/general")
	require.NoError(t, err)
	conn.SetToken(login.Token)
	conn.DisableAutoReconnect()
	require.NoError(t, conn.Connect())
	defer conn.Close()

	view := NewRoomView()
	events := make(chan protocol.ServerMsg, 100)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go view.Run(runCtx, conn, func(msg protocol.ServerMsg) { events <- msg })

	waitFor(t, events, protocol.EventAuthenticate)
	self, ok := view.Self()
	require.True(t, ok)

	// A second, synchronous connection posts a thread
	lt, err := NewLoadTestConnection(ts.URL)
	require.NoError(t, err)
	lt.SetToken(login.Token)
	require.NoError(t, lt.Connect(ctx))
	defer lt.Close()
	isKind := func(kind string) func(protocol.ServerMsg) bool {
		return func(m protocol.ServerMsg) bool { return m.Kind() == kind }
	}
	_, err = lt.ReceiveUntil(5*time.Second, isKind(protocol.EventAuthenticate))
	require.NoError(t, err)

	require.NoError(t, lt.Send(protocol.SendMessage{Parent: roomID, Content: "root"}))
	msg, err := lt.ReceiveUntil(5*time.Second, isKind(protocol.EventNewMessage))
	require.NoError(t, err)
	root := msg.(protocol.NewMessage).Message

	require.NoError(t, lt.Send(protocol.SendMessage{Parent: root.ID, Content: "reply"}))
	msg, err = lt.ReceiveUntil(5*time.Second, isKind(protocol.EventNewMessage))
	require.NoError(t, err)
	reply := msg.(protocol.NewMessage).Message

	require.Eventually(t, func() bool { return view.Len() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, reply.ID, view.Newest())
	assert.Equal(t, 1, view.Depth(reply.ID))
	assert.Equal(t, []protocol.Message{reply}, view.Children(root.ID))

	// Both connections are present; ours is among them
	presences := view.Presences()
	require.Len(t, presences, 2)
	ids := []snowflake.ID{presences[0].ID, presences[1].ID}
	assert.Contains(t, ids, self)

	lt.Close()
	require.Eventually(t, func() bool { return len(view.Presences()) == 1 }, 5*time.Second, 10*time.Millisecond)
	_, err = lt.Receive(time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}
