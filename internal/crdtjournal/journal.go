// Package crdtjournal implements the append-only change journal that
// backs cross-device CRDT sync: every row mutation that passes through
// internal/crdtsql's rewrite is recorded here, in the same transaction as
// the mutation and the HLC advance that stamped it.
package crdtjournal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/haexspace/haexbridge/internal/hlc"
	"github.com/haexspace/haexbridge/internal/protocol"
	"github.com/sirupsen/logrus"
)

// Operation is the kind of row mutation a journal entry records.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// SyncState tracks where an entry sits in the upload/apply lifecycle.
type SyncState string

const (
	StatePendingUpload SyncState = "pending_upload"
	StatePendingApply  SyncState = "pending_apply"
	StateApplied       SyncState = "applied"
)

const tableName = "haex_crdt_changes"

// Entry is one row of the journal.
type Entry struct {
	ID        int64
	Op        Operation
	Table     string
	PK        string
	Stamp     hlc.Timestamp
	State     SyncState
	CreatedAt time.Time
}

// Metrics records journal activity for internal/httpapi's Prometheus
// surface. nil is a valid Journal.metrics value.
type Metrics interface {
	RecordJournalWrite(op Operation)
	RecordCleanupRun(result CleanupResult)
}

// Journal is the append-only store backing CRDT sync. It is safe for
// concurrent use; every write goes through the caller's transaction so
// the journal entry, the row mutation, and the HLC persistence commit or
// roll back together.
type Journal struct {
	db      *sql.DB
	metrics Metrics
	log     *logrus.Entry
}

// New wraps db. The haex_crdt_changes table must already exist —
// internal/dbschema owns table creation.
func New(db *sql.DB, log *logrus.Entry) *Journal {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Journal{db: db, log: log.WithField("component", "crdtjournal")}
}

// SetMetrics attaches a Metrics sink. Safe to call once after New.
func (j *Journal) SetMetrics(m Metrics) {
	j.metrics = m
}

// Append records one change inside tx. Callers write the journal entry
// in the same transaction as the user mutation it describes, per §4.3.
func (j *Journal) Append(tx *sql.Tx, op Operation, table, pk string, stamp hlc.Timestamp, state SyncState) error {
	_, err := tx.Exec(
		`INSERT INTO `+tableName+` (operation, table_name, pk, stamp, sync_state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(op), table, pk, stamp.String(), string(state), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return protocol.Wrap(protocol.CodeDatabase, "append journal entry", err)
	}
	if j.metrics != nil {
		j.metrics.RecordJournalWrite(op)
	}
	return nil
}

// PendingUpload returns entries a sync peer has not yet acknowledged, in
// journal order.
func (j *Journal) PendingUpload(ctx context.Context) ([]Entry, error) {
	return j.query(ctx, `WHERE sync_state = ?`, string(StatePendingUpload))
}

// MarkApplied transitions entries to the applied state after a peer has
// acknowledged them, making them eligible for cleanup.
func (j *Journal) MarkApplied(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.Wrap(protocol.CodeDatabase, "begin mark-applied tx", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `UPDATE `+tableName+` SET sync_state = ? WHERE id = ?`)
	if err != nil {
		return protocol.Wrap(protocol.CodeDatabase, "prepare mark-applied", err)
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, string(StateApplied), id); err != nil {
			return protocol.Wrap(protocol.CodeDatabase, "mark entry applied", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return protocol.Wrap(protocol.CodeDatabase, "commit mark-applied tx", err)
	}
	return nil
}

func (j *Journal) query(ctx context.Context, where string, args ...any) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, operation, table_name, pk, stamp, sync_state, created_at
		FROM `+tableName+` `+where+`
		ORDER BY id ASC`, args...)
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeDatabase, "query journal", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var stamp, createdAt string
		if err := rows.Scan(&e.ID, &e.Op, &e.Table, &e.PK, &stamp, &e.State, &createdAt); err != nil {
			return nil, protocol.Wrap(protocol.CodeDatabase, "scan journal row", err)
		}
		ts, err := hlc.Parse(stamp)
		if err != nil {
			return nil, protocol.Wrap(protocol.CodeDatabase, "parse journal stamp", err)
		}
		e.Stamp = ts
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, protocol.Wrap(protocol.CodeDatabase, "parse journal created_at", err)
		}
		e.CreatedAt = t
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ApplyRemote applies a remote change within tx: if the remote stamp is
// newer than the local row's recorded HLC, it overwrites and records the
// remote stamp; otherwise the change is dropped. Either way the caller
// must still observe the remote timestamp into the local clock before
// commit — that is the HLC service's job, not this one's, per §4.3.
func (j *Journal) ApplyRemote(tx *sql.Tx, table, pk string, localStamp, remoteStamp hlc.Timestamp, apply func() error) (applied bool, err error) {
	if remoteStamp.Compare(localStamp) <= 0 {
		return false, nil
	}
	if err := apply(); err != nil {
		return false, fmt.Errorf("apply remote change to %s/%s: %w", table, pk, err)
	}
	if err := j.Append(tx, OpUpdate, table, pk, remoteStamp, StateApplied); err != nil {
		return false, err
	}
	return true, nil
}
