package authstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/haexspace/haexbridge/internal/hlc"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE haex_crdt_configs (key TEXT PRIMARY KEY, type TEXT NOT NULL, value TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE ` + authorizedTable + ` (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		client_name TEXT NOT NULL,
		public_key TEXT NOT NULL,
		extension_id TEXT NOT NULL,
		authorized_at TEXT NOT NULL,
		last_seen TEXT NOT NULL,
		haex_tombstone INTEGER DEFAULT 0,
		haex_hlc TEXT
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE ` + blockedTable + ` (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		client_name TEXT NOT NULL,
		public_key TEXT NOT NULL,
		blocked_at TEXT NOT NULL,
		haex_tombstone INTEGER DEFAULT 0,
		haex_hlc TEXT
	)`)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func newTestStore(t *testing.T) *Store {
	db := openTestDB(t)
	store := hlc.NewSQLiteConfigStore(db)
	clock := hlc.NewService([16]byte{0xAA}, time.Second, store, testLogger().Logger)
	require.NoError(t, clock.TryInitialize(context.Background()))
	return New(db, clock, testLogger())
}

func TestGrantRememberedPersistsAndAuthorizes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	authorized, err := s.IsAuthorized(ctx, "client-1", "ext-a")
	require.NoError(t, err)
	require.False(t, authorized)

	require.NoError(t, s.Grant(ctx, "client-1", "Alice's Laptop", "pubkey-1", "ext-a", true))

	authorized, err = s.IsAuthorized(ctx, "client-1", "ext-a")
	require.NoError(t, err)
	require.True(t, authorized)

	list, err := s.ListAuthorized(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "client-1", list[0].ClientID)
}

func TestGrantRememberedTwiceTouchesLastSeenInsteadOfDuplicating(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Grant(ctx, "client-1", "Alice", "pubkey-1", "ext-a", true))
	require.NoError(t, s.Grant(ctx, "client-1", "Alice", "pubkey-1", "ext-a", true))

	list, err := s.ListAuthorized(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestGrantSessionOnlyDoesNotPersist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Grant(ctx, "client-2", "Bob", "pubkey-2", "ext-b", false))

	authorized, err := s.IsAuthorized(ctx, "client-2", "ext-b")
	require.NoError(t, err)
	require.True(t, authorized)

	list, err := s.ListAuthorized(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
	require.Len(t, s.ListSession(), 1)
}

func TestBlockedClientIsNeverAuthorizedEvenWithGrant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Grant(ctx, "client-3", "Mallory", "pubkey-3", "ext-c", true))
	require.NoError(t, s.Block(ctx, "client-3", "Mallory", "pubkey-3", true))

	blocked, err := s.IsBlocked(ctx, "client-3")
	require.NoError(t, err)
	require.True(t, blocked)

	authorized, err := s.IsAuthorized(ctx, "client-3", "ext-c")
	require.NoError(t, err)
	require.False(t, authorized)
}

func TestUnblockRestoresAuthorizationCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Block(ctx, "client-4", "Eve", "pubkey-4", true))
	require.NoError(t, s.Unblock(ctx, "client-4"))

	blocked, err := s.IsBlocked(ctx, "client-4")
	require.NoError(t, err)
	require.False(t, blocked)
}

func TestRevokeRemovesBothPersistedAndSessionGrants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Grant(ctx, "client-5", "Carol", "pubkey-5", "ext-d", true))
	require.NoError(t, s.Grant(ctx, "client-5", "Carol", "pubkey-5", "ext-d", false))
	require.NoError(t, s.Revoke(ctx, "client-5", "ext-d"))

	authorized, err := s.IsAuthorized(ctx, "client-5", "ext-d")
	require.NoError(t, err)
	require.False(t, authorized)
}

func TestFingerprintIsStableAndDeterministic(t *testing.T) {
	a := Fingerprint("some-base64-spki-key")
	b := Fingerprint("some-base64-spki-key")
	c := Fingerprint("a-different-key")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestRevokeSessionRemovesOnlySessionGrantsForClient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Grant(ctx, "client-6", "Dan", "pubkey-6", "ext-e", false))
	require.NoError(t, s.Grant(ctx, "client-6", "Dan", "pubkey-6", "ext-f", false))
	require.NoError(t, s.Grant(ctx, "client-7", "Eve", "pubkey-7", "ext-e", false))

	s.RevokeSession("client-6")

	authorized, err := s.IsAuthorized(ctx, "client-6", "ext-e")
	require.NoError(t, err)
	require.False(t, authorized)

	stillAuthorized, err := s.IsAuthorized(ctx, "client-7", "ext-e")
	require.NoError(t, err)
	require.True(t, stillAuthorized)
}
