// Package dbschema bootstraps the handful of tables the bridge needs
// to find on a fresh database before internal/authstore,
// internal/crdtjournal or internal/hlc will run against it. There is
// no migration runner here by design — the schema is small and
// additive, so every statement is a plain idempotent CREATE TABLE IF
// NOT EXISTS or CREATE INDEX IF NOT EXISTS, grounded the same way modernc.org/sqlite is used
// elsewhere in this module: a *sql.DB opened by the caller, statements
// run through database/sql directly.
package dbschema

import (
	"database/sql"
	"fmt"
)

const (
	// ConfigsTable backs internal/hlc's persisted clock state and any
	// other scalar config key the bridge needs to survive a restart.
	ConfigsTable = "haex_crdt_configs"

	// ChangesTable backs internal/crdtjournal's append-only change log.
	ChangesTable = "haex_crdt_changes"

	// AuthorizedClientsTable and BlockedClientsTable back
	// internal/authstore's two persisted authorization tiers.
	AuthorizedClientsTable = "haex_external_authorized_clients"
	BlockedClientsTable    = "haex_external_blocked_clients"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS ` + ConfigsTable + ` (
		key TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ` + ChangesTable + ` (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operation TEXT NOT NULL,
		table_name TEXT NOT NULL,
		pk TEXT NOT NULL,
		stamp TEXT NOT NULL,
		sync_state TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ` + AuthorizedClientsTable + ` (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		client_name TEXT NOT NULL,
		public_key TEXT NOT NULL,
		extension_id TEXT NOT NULL,
		authorized_at TEXT NOT NULL,
		last_seen TEXT NOT NULL,
		haex_tombstone INTEGER DEFAULT 0,
		haex_hlc TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS ` + BlockedClientsTable + ` (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		client_name TEXT NOT NULL,
		public_key TEXT NOT NULL,
		blocked_at TEXT NOT NULL,
		haex_tombstone INTEGER DEFAULT 0,
		haex_hlc TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_haex_crdt_changes_sync_state ON ` + ChangesTable + ` (sync_state)`,
	`CREATE INDEX IF NOT EXISTS idx_haex_external_authorized_clients_client ON ` + AuthorizedClientsTable + ` (client_id, extension_id)`,
	`CREATE INDEX IF NOT EXISTS idx_haex_external_blocked_clients_client ON ` + BlockedClientsTable + ` (client_id)`,
}

// Bootstrap creates every table and index the bridge needs, if it
// doesn't already exist. Safe to call on every startup.
func Bootstrap(db *sql.DB) error {
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("dbschema: bootstrap: %w", err)
		}
	}
	return nil
}
