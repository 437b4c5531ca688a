package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/golem/pkg/snowflake"
)

// storeFactory builds a fresh, empty store for one subtest.
type storeFactory func(t *testing.T) Store

func sqliteFactory(t *testing.T) Store {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func memFactory(t *testing.T) Store {
	m, err := NewMemDB(nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func backedMemFactory(t *testing.T) Store {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	m, err := NewMemDB(db)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, sqliteFactory)
}

func TestMemDBStore(t *testing.T) {
	runStoreContract(t, memFactory)
}

func TestBackedMemDBStore(t *testing.T) {
	runStoreContract(t, backedMemFactory)
}

func newGen(t *testing.T) *snowflake.Generator {
	gen, err := snowflake.New(snowflake.DefaultEpoch, 1)
	require.NoError(t, err)
	return gen
}

func mustID(t *testing.T, gen *snowflake.Generator) snowflake.ID {
	id, err := gen.NextID()
	require.NoError(t, err)
	return id
}

// post stores a message under parent and returns it.
func post(t *testing.T, store Store, gen *snowflake.Generator, parent snowflake.ID, content string) *Message {
	t.Helper()
	msg := &Message{
		ID:         mustID(t, gen),
		AuthorID:   1,
		AuthorName: "alice",
		Parent:     parent,
		Content:    content,
	}
	require.NoError(t, store.AddMessage(context.Background(), msg))
	return msg
}

func ids(messages []*Message) []snowflake.ID {
	out := make([]snowflake.ID, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}

func runStoreContract(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("users", func(t *testing.T) {
		store := newStore(t)
		gen := newGen(t)

		u := &User{ID: mustID(t, gen), Name: "alice", PasswordHash: "hash"}
		require.NoError(t, store.CreateUser(ctx, u))

		byID, err := store.GetUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, u, byID)

		byName, err := store.GetUserByName(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, u.ID, byName.ID)

		err = store.CreateUser(ctx, &User{ID: mustID(t, gen), Name: "alice", PasswordHash: "x"})
		assert.ErrorIs(t, err, ErrDuplicate)

		_, err = store.GetUserByName(ctx, "nobody")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, store.UpdateUserPassword(ctx, u.ID, "new-hash"))
		updated, err := store.GetUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "new-hash", updated.PasswordHash)

		assert.ErrorIs(t, store.UpdateUserPassword(ctx, 999, "x"), ErrNotFound)
	})

	t.Run("sessions", func(t *testing.T) {
		store := newStore(t)
		gen := newGen(t)

		u := &User{ID: mustID(t, gen), Name: "bob", PasswordHash: "hash"}
		require.NoError(t, store.CreateUser(ctx, u))

		// Tokens above MaxInt64 must survive the int64 storage column
		s := &Session{ID: mustID(t, gen), Token: 0xfedcba9876543210, UserID: u.ID}
		require.NoError(t, store.CreateSession(ctx, s))

		found, err := store.GetSessionByToken(ctx, s.Token)
		require.NoError(t, err)
		assert.Equal(t, s, found)

		err = store.CreateSession(ctx, &Session{ID: mustID(t, gen), Token: s.Token, UserID: u.ID})
		assert.ErrorIs(t, err, ErrDuplicate)

		_, err = store.GetSessionByToken(ctx, 42)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, store.DeleteSession(ctx, s.ID))
		_, err = store.GetSessionByToken(ctx, s.Token)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, store.DeleteSession(ctx, s.ID), ErrNotFound)
	})

	t.Run("rooms", func(t *testing.T) {
		store := newStore(t)
		gen := newGen(t)

		rooms, err := SeedRooms(ctx, store, gen, []string{"general", "random"})
		require.NoError(t, err)
		require.Len(t, rooms, 2)

		// Seeding again reuses existing rooms
		again, err := SeedRooms(ctx, store, gen, []string{"general", "random"})
		require.NoError(t, err)
		assert.Equal(t, roomIDs(rooms), roomIDs(again))

		byName, err := store.GetRoomByName(ctx, "random")
		require.NoError(t, err)
		assert.Equal(t, rooms[1].ID, byName.ID)

		byID, err := store.GetRoom(ctx, rooms[0].ID)
		require.NoError(t, err)
		assert.Equal(t, "general", byID.Name)

		all, err := store.ListRooms(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		assert.ErrorIs(t, store.CreateRoom(ctx, &Room{ID: mustID(t, gen), Name: "general"}), ErrDuplicate)
		_, err = store.GetRoom(ctx, 12345)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("messages", func(t *testing.T) {
		store := newStore(t)
		gen := newGen(t)
		room := mustID(t, gen)

		a := post(t, store, gen, room, "a")
		b := post(t, store, gen, room, "b")
		c := post(t, store, gen, room, "c")
		reply := post(t, store, gen, a.ID, "reply to a")

		got, err := store.GetMessage(ctx, reply.ID)
		require.NoError(t, err)
		assert.Equal(t, reply, got)

		_, err = store.GetMessage(ctx, 1)
		assert.ErrorIs(t, err, ErrNotFound)

		assert.ErrorIs(t, store.AddMessage(ctx, a), ErrDuplicate)

		all, err := store.ListMessages(ctx)
		require.NoError(t, err)
		assert.Equal(t, []snowflake.ID{reply.ID, c.ID, b.ID, a.ID}, ids(all))

		top, err := store.ListTopLevel(ctx, room, nil, 10)
		require.NoError(t, err)
		assert.Equal(t, []snowflake.ID{c.ID, b.ID, a.ID}, ids(top))

		limited, err := store.ListTopLevel(ctx, room, nil, 2)
		require.NoError(t, err)
		assert.Equal(t, []snowflake.ID{c.ID, b.ID}, ids(limited))

		// before is strict
		before, err := store.ListTopLevel(ctx, room, &c.ID, 10)
		require.NoError(t, err)
		assert.Equal(t, []snowflake.ID{b.ID, a.ID}, ids(before))

		none, err := store.ListTopLevel(ctx, room, nil, 0)
		require.NoError(t, err)
		assert.Empty(t, none)

		children, err := store.ListChildren(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, []snowflake.ID{reply.ID}, ids(children))

		leaf, err := store.ListChildren(ctx, reply.ID)
		require.NoError(t, err)
		assert.Empty(t, leaf)
	})

	t.Run("descendants", func(t *testing.T) {
		store := newStore(t)
		gen := newGen(t)
		room := mustID(t, gen)

		m := post(t, store, gen, room, "M")
		c := post(t, store, gen, m.ID, "C")
		g := post(t, store, gen, c.ID, "G")
		post(t, store, gen, g.ID, "great-grandchild")

		two, err := LoadDescendants(ctx, store, m.ID, 2)
		require.NoError(t, err)
		assert.Equal(t, []snowflake.ID{c.ID, g.ID}, ids(two))

		one, err := LoadDescendants(ctx, store, m.ID, 1)
		require.NoError(t, err)
		assert.Equal(t, []snowflake.ID{c.ID}, ids(one))

		zero, err := LoadDescendants(ctx, store, m.ID, 0)
		require.NoError(t, err)
		assert.Empty(t, zero)
	})

	t.Run("room of", func(t *testing.T) {
		store := newStore(t)
		gen := newGen(t)
		general, random := mustID(t, gen), mustID(t, gen)

		top := post(t, store, gen, general, "top")
		reply := post(t, store, gen, top.ID, "reply")
		deep := post(t, store, gen, reply.ID, "deep")
		other := post(t, store, gen, random, "elsewhere")

		for _, m := range []*Message{top, reply, deep} {
			room, err := RoomOf(ctx, store, m.ID)
			require.NoError(t, err)
			assert.Equal(t, general, room, "room of %q", m.Content)
		}
		room, err := RoomOf(ctx, store, other.ID)
		require.NoError(t, err)
		assert.Equal(t, random, room)

		// A room id is not a message
		_, err = RoomOf(ctx, store, general)
		assert.ErrorIs(t, err, ErrNotFound)

		all, err := store.ListMessages(ctx)
		require.NoError(t, err)
		assert.Equal(t, []snowflake.ID{deep.ID, reply.ID, top.ID}, ids(InRoom(all, general)))
		assert.Equal(t, []snowflake.ID{other.ID}, ids(InRoom(all, random)))
	})
}

func roomIDs(rooms []*Room) []snowflake.ID {
	out := make([]snowflake.ID, len(rooms))
	for i, r := range rooms {
		out[i] = r.ID
	}
	return out
}

func TestMemDBWritesThrough(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "live.db")
	gen := newGen(t)

	db, err := Open(path)
	require.NoError(t, err)
	mem, err := NewMemDB(db)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	u := &User{ID: mustID(t, gen), Name: "carol", PasswordHash: "h"}
	require.NoError(t, mem.CreateUser(ctx, u))
	room := mustID(t, gen)
	root := post(t, mem, gen, room, "root")
	child := post(t, mem, gen, root.ID, "child")

	// A second handle on the file sees every acknowledged write while the
	// first is still open, as it would after a crash
	disk, err := Open(path)
	require.NoError(t, err)
	defer disk.Close()

	user, err := disk.GetUserByName(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, u.ID, user.ID)
	for _, want := range []*Message{root, child} {
		got, err := disk.GetMessage(ctx, want.ID)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestMemDBReloads(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reload.db")
	gen := newGen(t)

	db, err := Open(path)
	require.NoError(t, err)
	mem, err := NewMemDB(db)
	require.NoError(t, err)

	room := mustID(t, gen)
	root := post(t, mem, gen, room, "root")
	child := post(t, mem, gen, root.ID, "child")
	late := post(t, mem, gen, room, "late")
	require.NoError(t, mem.Close())

	db, err = Open(path)
	require.NoError(t, err)
	reloaded, err := NewMemDB(db)
	require.NoError(t, err)
	defer reloaded.Close()

	top, err := reloaded.ListTopLevel(ctx, room, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{late.ID, root.ID}, ids(top))

	children, err := reloaded.ListChildren(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{child.ID}, ids(children))
}

func TestMemDBFailedWriteIsNotIndexed(t *testing.T) {
	ctx := context.Background()
	db, err := Open(filepath.Join(t.TempDir(), "closed.db"))
	require.NoError(t, err)
	mem, err := NewMemDB(db)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	require.Error(t, mem.AddMessage(ctx, &Message{ID: 7, AuthorID: 1, AuthorName: "a", Parent: 5, Content: "x"}))
	_, err = mem.GetMessage(ctx, 7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemDBChildIndexStaysSorted(t *testing.T) {
	ctx := context.Background()
	mem := memFactory(t)

	// Insert out of order; children must still come back ascending
	for _, id := range []snowflake.ID{30, 10, 20} {
		require.NoError(t, mem.AddMessage(ctx, &Message{ID: id, AuthorID: 1, AuthorName: "a", Parent: 5, Content: "x"}))
	}
	children, err := mem.ListChildren(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{10, 20, 30}, ids(children))
}

func TestMemDBReturnsCopies(t *testing.T) {
	ctx := context.Background()
	mem := memFactory(t)

	require.NoError(t, mem.AddMessage(ctx, &Message{ID: 7, AuthorID: 1, AuthorName: "a", Parent: 5, Content: "orig"}))
	got, err := mem.GetMessage(ctx, 7)
	require.NoError(t, err)
	got.Content = "mutated"

	again, err := mem.GetMessage(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "orig", again.Content)
}
