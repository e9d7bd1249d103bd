package crdtjournal

import (
	"context"
	"fmt"

	"github.com/haexspace/haexbridge/internal/protocol"
)

// CleanupResult reports how many journal rows a cleanup pass removed.
type CleanupResult struct {
	TombstonesDeleted int64
	AppliedDeleted    int64
	TotalDeleted      int64
}

// Cleanup deletes DELETE-op entries older than retentionDays and any
// non-DELETE entry already in the applied state. Callers are expected to
// serialize cleanup against active sync cursors themselves — SQLite's
// own transaction engine is sufficient since this runs as two single
// statements, not a long-held cursor.
func (j *Journal) Cleanup(ctx context.Context, retentionDays int) (CleanupResult, error) {
	tombstonesDeleted, err := j.execCount(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE operation = ? AND datetime(created_at) < datetime('now', '-%d days')`, tableName, retentionDays),
		string(OpDelete),
	)
	if err != nil {
		return CleanupResult{}, err
	}

	appliedDeleted, err := j.execCount(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE sync_state = ? AND operation != ?`, tableName),
		string(StateApplied), string(OpDelete),
	)
	if err != nil {
		return CleanupResult{}, err
	}

	result := CleanupResult{
		TombstonesDeleted: tombstonesDeleted,
		AppliedDeleted:    appliedDeleted,
		TotalDeleted:      tombstonesDeleted + appliedDeleted,
	}
	if j.metrics != nil {
		j.metrics.RecordCleanupRun(result)
	}
	return result, nil
}

func (j *Journal) execCount(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, protocol.Wrap(protocol.CodeDatabase, "cleanup exec", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, protocol.Wrap(protocol.CodeDatabase, "cleanup rows affected", err)
	}
	return n, nil
}

// Stats summarizes the journal's current contents.
type Stats struct {
	TotalEntries  int64
	PendingUpload int64
	PendingApply  int64
	Applied       int64
	InsertCount   int64
	UpdateCount   int64
	DeleteCount   int64
}

// Stats reports counts by sync state and operation, for diagnostics and
// the `haexbridge status` CLI surface.
func (j *Journal) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	queries := []struct {
		dest  *int64
		query string
		args  []any
	}{
		{&s.TotalEntries, `SELECT COUNT(*) FROM ` + tableName, nil},
		{&s.PendingUpload, `SELECT COUNT(*) FROM ` + tableName + ` WHERE sync_state = ?`, []any{string(StatePendingUpload)}},
		{&s.PendingApply, `SELECT COUNT(*) FROM ` + tableName + ` WHERE sync_state = ?`, []any{string(StatePendingApply)}},
		{&s.Applied, `SELECT COUNT(*) FROM ` + tableName + ` WHERE sync_state = ?`, []any{string(StateApplied)}},
		{&s.InsertCount, `SELECT COUNT(*) FROM ` + tableName + ` WHERE operation = ?`, []any{string(OpInsert)}},
		{&s.UpdateCount, `SELECT COUNT(*) FROM ` + tableName + ` WHERE operation = ?`, []any{string(OpUpdate)}},
		{&s.DeleteCount, `SELECT COUNT(*) FROM ` + tableName + ` WHERE operation = ?`, []any{string(OpDelete)}},
	}
	for _, q := range queries {
		if err := j.db.QueryRowContext(ctx, q.query, q.args...).Scan(q.dest); err != nil {
			return Stats{}, protocol.Wrap(protocol.CodeDatabase, "query journal stats", err)
		}
	}
	return s, nil
}
