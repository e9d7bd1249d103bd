// Package authstore implements the three-tier authorization model from
// §4.5: a persisted blocklist, a persisted allowlist, and an in-memory
// session allowlist, checked in that order. Persisted reads and writes
// route through internal/crdtsql and internal/hlc so authorization
// state replicates across a user's own devices the same way any other
// synced table does.
package authstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haexspace/haexbridge/internal/crdtsql"
	"github.com/haexspace/haexbridge/internal/hlc"
	"github.com/haexspace/haexbridge/internal/protocol"
	"github.com/sirupsen/logrus"
)

const (
	authorizedTable = "haex_external_authorized_clients"
	blockedTable    = "haex_external_blocked_clients"
)

// AuthorizedClient is a persisted grant of (clientID, extensionID).
type AuthorizedClient struct {
	ID           string
	ClientID     string
	ClientName   string
	PublicKey    string
	ExtensionID  string
	AuthorizedAt time.Time
	LastSeen     time.Time
}

// BlockedClient is a persisted block on a client id, independent of
// extension.
type BlockedClient struct {
	ID         string
	ClientID   string
	ClientName string
	PublicKey  string
	BlockedAt  time.Time
}

// sessionGrant is an in-memory, non-persistent allowlist entry created
// by Grant with remember=false.
type sessionGrant struct {
	clientID    string
	extensionID string
}

// Store implements the three-tier authorization check.
type Store struct {
	db      *sql.DB
	clock   *hlc.Service
	tr      *crdtsql.Transformer
	log     *logrus.Entry
	mu      sync.RWMutex
	session map[sessionGrant]struct{}
}

// New wraps db. The two backing tables must already exist —
// internal/dbschema owns table creation.
func New(db *sql.DB, clock *hlc.Service, log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Store{
		db:      db,
		clock:   clock,
		tr:      crdtsql.New(),
		log:     log.WithField("component", "authstore"),
		session: make(map[sessionGrant]struct{}),
	}
}

// Fingerprint derives a stable client id from a client's long-lived
// public key, so the same client is recognized across reconnects without
// the client having to supply its own identifier.
func Fingerprint(publicKeySPKIBase64 string) string {
	sum := sha256.Sum256([]byte(publicKeySPKIBase64))
	return hex.EncodeToString(sum[:])
}

// queryCount runs a tombstone-aware count query built from a plain
// SELECT; the tombstone predicate crdtsql injects keeps revoked/unblocked
// rows (tombstoned, not physically deleted) out of the count.
func (s *Store) queryCount(ctx context.Context, selectSQL string, args ...any) (int, error) {
	stmt, err := crdtsql.Parse(selectSQL)
	if err != nil {
		return 0, protocol.Wrap(protocol.CodeDatabase, "parse authstore query", err)
	}
	if err := s.tr.TransformQuery(stmt); err != nil {
		return 0, err
	}
	var count int
	if err := s.db.QueryRowContext(ctx, crdtsql.Render(stmt), args...).Scan(&count); err != nil {
		return 0, protocol.Wrap(protocol.CodeDatabase, "query authstore table", err)
	}
	return count, nil
}

// queryRows runs a tombstone-aware SELECT and returns the open *sql.Rows
// for the caller to scan.
func (s *Store) queryRows(ctx context.Context, selectSQL string, args ...any) (*sql.Rows, error) {
	stmt, err := crdtsql.Parse(selectSQL)
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeDatabase, "parse authstore query", err)
	}
	if err := s.tr.TransformQuery(stmt); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, crdtsql.Render(stmt), args...)
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeDatabase, "query authstore table", err)
	}
	return rows, nil
}

// execCRDT stamps stmt with a fresh HLC timestamp, rewrites it via
// crdtsql, and executes it — the write path every persisted mutation in
// this store goes through.
func (s *Store) execCRDT(ctx context.Context, rawSQL string, args ...any) error {
	stmt, err := crdtsql.Parse(rawSQL)
	if err != nil {
		return protocol.Wrap(protocol.CodeDatabase, "parse authstore mutation", err)
	}
	ts, err := s.clock.NewTimestamp()
	if err != nil {
		return err
	}
	rendered, err := s.tr.TransformExecuteStatement(stmt, ts)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, rendered, args...); err != nil {
		return protocol.Wrap(protocol.CodeDatabase, "execute authstore mutation", err)
	}
	return nil
}

// IsBlocked reports whether clientID is on the persisted blocklist.
func (s *Store) IsBlocked(ctx context.Context, clientID string) (bool, error) {
	count, err := s.queryCount(ctx, `SELECT COUNT(*) FROM `+blockedTable+` WHERE client_id = ?`, clientID)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// IsAuthorized checks all three tiers in order: blocklist, persisted
// allowlist, session allowlist.
func (s *Store) IsAuthorized(ctx context.Context, clientID, extensionID string) (bool, error) {
	blocked, err := s.IsBlocked(ctx, clientID)
	if err != nil {
		return false, err
	}
	if blocked {
		return false, nil
	}

	count, err := s.queryCount(ctx,
		`SELECT COUNT(*) FROM `+authorizedTable+` WHERE client_id = ? AND extension_id = ?`,
		clientID, extensionID,
	)
	if err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}

	s.mu.RLock()
	_, ok := s.session[sessionGrant{clientID: clientID, extensionID: extensionID}]
	s.mu.RUnlock()
	return ok, nil
}

// Grant authorizes clientID for extensionID. With remember=true the
// grant is persisted (and replicates via CRDT sync); with remember=false
// it lives only in the in-memory session map for this process's
// lifetime.
func (s *Store) Grant(ctx context.Context, clientID, clientName, publicKey, extensionID string, remember bool) error {
	if !remember {
		s.mu.Lock()
		s.session[sessionGrant{clientID: clientID, extensionID: extensionID}] = struct{}{}
		s.mu.Unlock()
		return nil
	}

	existing, err := s.getAuthorized(ctx, clientID, extensionID)
	if err != nil {
		return err
	}
	if existing != nil {
		return s.TouchLastSeen(ctx, clientID, extensionID)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.execCRDT(ctx,
		`INSERT INTO `+authorizedTable+` (id, client_id, client_name, public_key, extension_id, authorized_at, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), clientID, clientName, publicKey, extensionID, now, now,
	)
}

// TouchLastSeen updates the grant's last_seen column on reconnect,
// without re-checking whether it should be remembered — a no-op if the
// client has no persisted grant for extensionID.
func (s *Store) TouchLastSeen(ctx context.Context, clientID, extensionID string) error {
	return s.execCRDT(ctx,
		`UPDATE `+authorizedTable+` SET last_seen = ? WHERE client_id = ? AND extension_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), clientID, extensionID,
	)
}

// Block denies clientID outright. remember=true persists the block (and
// replicates via CRDT sync); remember=false only denies the current
// pending request and leaves no persistent trace.
func (s *Store) Block(ctx context.Context, clientID, clientName, publicKey string, remember bool) error {
	if !remember {
		return nil
	}
	count, err := s.queryCount(ctx, `SELECT COUNT(*) FROM `+blockedTable+` WHERE client_id = ?`, clientID)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return s.execCRDT(ctx,
		`INSERT INTO `+blockedTable+` (id, client_id, client_name, public_key, blocked_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), clientID, clientName, publicKey, time.Now().UTC().Format(time.RFC3339Nano),
	)
}

// Revoke removes a persisted grant for (clientID, extensionID) and any
// session grant for the same pair.
func (s *Store) Revoke(ctx context.Context, clientID, extensionID string) error {
	s.mu.Lock()
	delete(s.session, sessionGrant{clientID: clientID, extensionID: extensionID})
	s.mu.Unlock()

	return s.execCRDT(ctx,
		`DELETE FROM `+authorizedTable+` WHERE client_id = ? AND extension_id = ?`, clientID, extensionID,
	)
}

// RevokeSession removes every in-memory session grant for clientID,
// across all extensions. Unlike Revoke, it never touches the persisted
// allowlist.
func (s *Store) RevokeSession(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for g := range s.session {
		if g.clientID == clientID {
			delete(s.session, g)
		}
	}
}

// Unblock removes a persisted block on clientID.
func (s *Store) Unblock(ctx context.Context, clientID string) error {
	return s.execCRDT(ctx, `DELETE FROM `+blockedTable+` WHERE client_id = ?`, clientID)
}

// ListAuthorized returns every persisted grant.
func (s *Store) ListAuthorized(ctx context.Context) ([]AuthorizedClient, error) {
	rows, err := s.queryRows(ctx,
		`SELECT id, client_id, client_name, public_key, extension_id, authorized_at, last_seen
		 FROM `+authorizedTable+` ORDER BY authorized_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuthorizedClient
	for rows.Next() {
		var c AuthorizedClient
		var authorizedAt, lastSeen string
		if err := rows.Scan(&c.ID, &c.ClientID, &c.ClientName, &c.PublicKey, &c.ExtensionID, &authorizedAt, &lastSeen); err != nil {
			return nil, protocol.Wrap(protocol.CodeDatabase, "scan authorized client", err)
		}
		c.AuthorizedAt, _ = time.Parse(time.RFC3339Nano, authorizedAt)
		c.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListBlocked returns every persisted block.
func (s *Store) ListBlocked(ctx context.Context) ([]BlockedClient, error) {
	rows, err := s.queryRows(ctx,
		`SELECT id, client_id, client_name, public_key, blocked_at FROM `+blockedTable+` ORDER BY blocked_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BlockedClient
	for rows.Next() {
		var c BlockedClient
		var blockedAt string
		if err := rows.Scan(&c.ID, &c.ClientID, &c.ClientName, &c.PublicKey, &blockedAt); err != nil {
			return nil, protocol.Wrap(protocol.CodeDatabase, "scan blocked client", err)
		}
		c.BlockedAt, _ = time.Parse(time.RFC3339Nano, blockedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListSession returns the in-memory session allowlist, mainly for
// diagnostics — this state never persists or replicates.
func (s *Store) ListSession() []AuthorizedClient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AuthorizedClient, 0, len(s.session))
	for g := range s.session {
		out = append(out, AuthorizedClient{ClientID: g.clientID, ExtensionID: g.extensionID})
	}
	return out
}

func (s *Store) getAuthorized(ctx context.Context, clientID, extensionID string) (*AuthorizedClient, error) {
	rows, err := s.queryRows(ctx,
		`SELECT id, client_id, client_name, public_key, extension_id, authorized_at, last_seen
		 FROM `+authorizedTable+` WHERE client_id = ? AND extension_id = ?`,
		clientID, extensionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var c AuthorizedClient
	var authorizedAt, lastSeen string
	if err := rows.Scan(&c.ID, &c.ClientID, &c.ClientName, &c.PublicKey, &c.ExtensionID, &authorizedAt, &lastSeen); err != nil {
		return nil, protocol.Wrap(protocol.CodeDatabase, "lookup authorized client", err)
	}
	c.AuthorizedAt, _ = time.Parse(time.RFC3339Nano, authorizedAt)
	c.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
	return &c, nil
}
