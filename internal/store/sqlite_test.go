// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Runs the shared store contract against SQLite and MockStore

package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created")
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("postgres-but-not-really", filepath.Join(t.TempDir(), "x.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not available")
}

func TestSQLiteStore_InMemory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	_, err = s.CreateUser(ctx, &User{MXID: "@a:example.org"})
	require.NoError(t, err)
	_, err = s.GetUser(ctx, "@a:example.org")
	require.NoError(t, err)
}

func TestSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	_, err = s.CreatePortal(ctx, &Portal{Key: PortalKey{UID: "g1@chatroom", Receiver: "wxid_me"}, MXID: "!room:example.org"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Migrations run again on an existing schema
	s, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	p, err := s.GetPortalByMXID(ctx, "!room:example.org")
	require.NoError(t, err)
	assert.Equal(t, "g1@chatroom", p.Key.UID)
}

func TestStoreContract(t *testing.T) {
	impls := map[string]func(t *testing.T) Store{
		"sqlite": func(t *testing.T) Store { return newTestStore(t) },
		"mock":   func(t *testing.T) Store { return NewMockStore() },
	}

	for name, mk := range impls {
		t.Run(name, func(t *testing.T) {
			t.Run("users", func(t *testing.T) { testUsers(t, mk(t)) })
			t.Run("portals", func(t *testing.T) { testPortals(t, mk(t)) })
			t.Run("portal room uniqueness", func(t *testing.T) { testPortalRoomUnique(t, mk(t)) })
			t.Run("concurrent create", func(t *testing.T) { testConcurrentCreate(t, mk(t)) })
			t.Run("puppets", func(t *testing.T) { testPuppets(t, mk(t)) })
			t.Run("messages", func(t *testing.T) { testMessages(t, mk(t)) })
			t.Run("delete portal cascades", func(t *testing.T) { testDeletePortal(t, mk(t)) })
		})
	}
}

func testUsers(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.GetUser(ctx, "@alice:example.org")
	assert.ErrorIs(t, err, ErrNotFound)

	u, err := s.CreateUser(ctx, &User{MXID: "@alice:example.org"})
	require.NoError(t, err)
	assert.Empty(t, u.UIN)

	// Second create returns the stored row untouched
	u2, err := s.CreateUser(ctx, &User{MXID: "@alice:example.org", UIN: "ignored"})
	require.NoError(t, err)
	assert.Empty(t, u2.UIN)

	u.UIN = "wxid_alice"
	u.ManagementRoom = "!mgmt:example.org"
	require.NoError(t, s.UpdateUser(ctx, u))

	got, err := s.GetUserByUIN(ctx, "wxid_alice")
	require.NoError(t, err)
	assert.Equal(t, "@alice:example.org", got.MXID)
	assert.Equal(t, "!mgmt:example.org", got.ManagementRoom)

	_, err = s.CreateUser(ctx, &User{MXID: "@bob:example.org"})
	require.NoError(t, err)

	users, err := s.ListLoggedInUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "wxid_alice", users[0].UIN)

	err = s.UpdateUser(ctx, &User{MXID: "@nobody:example.org"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func testPortals(t *testing.T, s Store) {
	ctx := context.Background()
	key := PortalKey{UID: "wxid_friend", Receiver: "wxid_me"}

	_, err := s.GetPortal(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	p, err := s.CreatePortal(ctx, &Portal{Key: key})
	require.NoError(t, err)
	assert.Empty(t, p.MXID)

	_, err = s.GetPortalByMXID(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)

	synced := time.UnixMilli(1700000000123)
	p.MXID = "!abc:example.org"
	p.Name = "Friend"
	p.NameSet = true
	p.Encrypted = true
	p.LastSync = synced
	require.NoError(t, s.UpdatePortal(ctx, p))

	got, err := s.GetPortalByMXID(ctx, "!abc:example.org")
	require.NoError(t, err)
	assert.Equal(t, key, got.Key)
	assert.Equal(t, "Friend", got.Name)
	assert.True(t, got.NameSet)
	assert.True(t, got.Encrypted)
	assert.True(t, synced.Equal(got.LastSync))

	_, err = s.CreatePortal(ctx, &Portal{Key: PortalKey{UID: "other", Receiver: "wxid_me"}})
	require.NoError(t, err)
	_, err = s.CreatePortal(ctx, &Portal{Key: PortalKey{UID: "other", Receiver: "wxid_else"}})
	require.NoError(t, err)

	withRoom, err := s.ListPortalsWithRoom(ctx)
	require.NoError(t, err)
	assert.Len(t, withRoom, 1)

	mine, err := s.ListPortalsByReceiver(ctx, "wxid_me")
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func testPortalRoomUnique(t *testing.T, s Store) {
	ctx := context.Background()
	a, err := s.CreatePortal(ctx, &Portal{Key: PortalKey{UID: "a", Receiver: "r"}})
	require.NoError(t, err)
	b, err := s.CreatePortal(ctx, &Portal{Key: PortalKey{UID: "b", Receiver: "r"}})
	require.NoError(t, err)

	a.MXID = "!same:example.org"
	require.NoError(t, s.UpdatePortal(ctx, a))

	b.MXID = "!same:example.org"
	assert.Error(t, s.UpdatePortal(ctx, b))
}

func testConcurrentCreate(t *testing.T, s Store) {
	ctx := context.Background()
	key := PortalKey{UID: "racy", Receiver: "r"}

	const n = 8
	var wg sync.WaitGroup
	results := make([]*Portal, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = s.CreatePortal(ctx, &Portal{Key: key, Name: "first"})
		}()
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, key, results[i].Key)
	}
	all, err := s.ListPortalsByReceiver(ctx, "r")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testPuppets(t *testing.T, s Store) {
	ctx := context.Background()

	p, err := s.CreatePuppet(ctx, &Puppet{UIN: "wxid_bob", Displayname: "wxid_bob", NameQuality: NameQualityUIN, EnablePresence: true})
	require.NoError(t, err)
	assert.Equal(t, NameQualityUIN, p.NameQuality)

	p.Displayname = "Bob"
	p.NameQuality = NameQualityName
	p.CustomMXID = "@bob:example.org"
	p.AccessToken = "tok"
	require.NoError(t, s.UpdatePuppet(ctx, p))

	got, err := s.GetPuppet(ctx, "wxid_bob")
	require.NoError(t, err)
	assert.Equal(t, "Bob", got.Displayname)
	assert.True(t, got.EnablePresence)

	byMX, err := s.GetPuppetByCustomMXID(ctx, "@bob:example.org")
	require.NoError(t, err)
	assert.Equal(t, "wxid_bob", byMX.UIN)

	_, err = s.CreatePuppet(ctx, &Puppet{UIN: "wxid_carol"})
	require.NoError(t, err)

	custom, err := s.ListPuppetsWithCustomMXID(ctx)
	require.NoError(t, err)
	require.Len(t, custom, 1)
	assert.Equal(t, "tok", custom[0].AccessToken)

	_, err = s.GetPuppet(ctx, "wxid_nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testMessages(t *testing.T, s Store) {
	ctx := context.Background()
	key := PortalKey{UID: "g@chatroom", Receiver: "wxid_me"}
	ts := time.UnixMilli(1700000000000)

	require.NoError(t, s.PutMessage(ctx, &Message{Key: key, MsgID: "m1", MXID: "$e1", Sender: "wxid_a", Timestamp: ts, Sent: true}))

	got, err := s.GetMessage(ctx, key, "m1")
	require.NoError(t, err)
	assert.Equal(t, "$e1", got.MXID)
	assert.True(t, ts.Equal(got.Timestamp))

	byMX, err := s.GetMessageByMXID(ctx, "$e1")
	require.NoError(t, err)
	assert.Equal(t, "m1", byMX.MsgID)

	// Upsert replaces the event id and frees the old one
	require.NoError(t, s.PutMessage(ctx, &Message{Key: key, MsgID: "m1", MXID: "$e2", Timestamp: ts, Sent: true}))
	_, err = s.GetMessageByMXID(ctx, "$e1")
	assert.ErrorIs(t, err, ErrNotFound)
	got, err = s.GetMessage(ctx, key, "m1")
	require.NoError(t, err)
	assert.Equal(t, "$e2", got.MXID)

	// Same msg id in a different conversation is a different record
	other := PortalKey{UID: "wxid_x", Receiver: "wxid_me"}
	require.NoError(t, s.PutMessage(ctx, &Message{Key: other, MsgID: "m1", MXID: "$e3", Timestamp: ts.Add(time.Second)}))
	newest, err := s.GetMessageByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, other, newest.Key)

	// An event id moved onto another record leaves the first without one
	require.NoError(t, s.PutMessage(ctx, &Message{Key: key, MsgID: "m2", MXID: "$e3", Timestamp: ts}))
	byMX, err = s.GetMessageByMXID(ctx, "$e3")
	require.NoError(t, err)
	assert.Equal(t, "m2", byMX.MsgID)

	require.NoError(t, s.DeleteMessage(ctx, key, "m2"))
	_, err = s.GetMessage(ctx, key, "m2")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteMessage(ctx, key, "m2"), ErrNotFound)
}

func testDeletePortal(t *testing.T, s Store) {
	ctx := context.Background()
	key := PortalKey{UID: "gone", Receiver: "r"}

	_, err := s.CreatePortal(ctx, &Portal{Key: key, MXID: "!gone:example.org"})
	require.NoError(t, err)
	require.NoError(t, s.PutMessage(ctx, &Message{Key: key, MsgID: "m", MXID: "$gone", Timestamp: time.Now()}))

	require.NoError(t, s.DeletePortal(ctx, key))

	_, err = s.GetPortal(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetPortalByMXID(ctx, "!gone:example.org")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetMessageByMXID(ctx, "$gone")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.DeletePortal(ctx, key), ErrNotFound)
}
