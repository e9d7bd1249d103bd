package crdtsql

import (
	"strings"
	"testing"

	"github.com/haexspace/haexbridge/internal/hlc"
	"github.com/stretchr/testify/require"
)

func transformQuery(t *testing.T, sql string) string {
	t.Helper()
	stmt, err := Parse(sql)
	require.NoError(t, err)
	require.NoError(t, New().TransformQuery(stmt))
	return Render(stmt)
}

const tombstoneFilterUnqualified = "IFNULL(haex_tombstone, 0) <> 1"

func tombstoneFilterQualified(qualifier string) string {
	return `IFNULL("` + qualifier + `".haex_tombstone, 0) <> 1`
}

func TestSimpleSelectAddsTombstoneFilter(t *testing.T) {
	result := transformQuery(t, "SELECT * FROM items")
	require.Contains(t, result, tombstoneFilterUnqualified)
	require.NotContains(t, result, "items.haex_tombstone")
}

func TestSelectWithExistingWhereAddsTombstoneFilter(t *testing.T) {
	result := transformQuery(t, "SELECT * FROM items WHERE title = 'test'")
	require.Contains(t, result, tombstoneFilterUnqualified)
	require.Contains(t, result, "title = 'test'")
}

func TestSelectWithJoinAddsQualifiedTombstoneFilter(t *testing.T) {
	result := transformQuery(t, "SELECT i.*, c.name FROM items i JOIN categories c ON i.category_id = c.id")
	require.Contains(t, result, tombstoneFilterQualified("i"))
}

func TestSelectWithJoinNoAliasUsesTableName(t *testing.T) {
	result := transformQuery(t, "SELECT items.*, categories.name FROM items JOIN categories ON items.category_id = categories.id")
	require.Contains(t, result, tombstoneFilterQualified("items"))
}

func TestSelectWithLeftJoinAddsQualifiedTombstoneFilter(t *testing.T) {
	result := transformQuery(t, "SELECT a.*, b.value FROM accounts a LEFT JOIN balances b ON a.id = b.account_id")
	require.Contains(t, result, tombstoneFilterQualified("a"))
}

func TestSelectWithMultipleJoinsUsesFirstTable(t *testing.T) {
	result := transformQuery(t, "SELECT p.*, u.name, c.title FROM posts p JOIN users u ON p.user_id = u.id JOIN categories c ON p.category_id = c.id")
	require.Contains(t, result, tombstoneFilterQualified("p"))
}

func TestSelectExcludesNoSyncTables(t *testing.T) {
	result := transformQuery(t, "SELECT * FROM haex_crdt_configs_no_sync")
	require.NotContains(t, result, "haex_tombstone")
}

func TestSelectWithExistingTombstoneConditionDoesNotDuplicate(t *testing.T) {
	result := transformQuery(t, "SELECT * FROM items WHERE haex_tombstone = 1")
	require.Equal(t, 1, strings.Count(result, "haex_tombstone"))
}

func TestSubqueryAlsoGetsTombstoneFilter(t *testing.T) {
	result := transformQuery(t, "SELECT * FROM (SELECT * FROM items) AS sub")
	require.Contains(t, result, tombstoneFilterUnqualified)
}

func TestUnionBothSelectsGetTombstoneFilter(t *testing.T) {
	result := transformQuery(t, "SELECT id, title FROM items UNION SELECT id, name FROM categories")
	require.Equal(t, 2, strings.Count(result, "IFNULL"))
}

func TestJoinWithWhereClauseAddsQualifiedFilter(t *testing.T) {
	result := transformQuery(t, "SELECT i.*, c.name FROM items i JOIN categories c ON i.category_id = c.id WHERE i.title LIKE '%test%'")
	require.Contains(t, result, tombstoneFilterQualified("i"))
	require.Contains(t, result, "i.title LIKE '%test%'")
}

func TestRightJoinAddsQualifiedTombstoneFilter(t *testing.T) {
	result := transformQuery(t, "SELECT a.*, b.value FROM items a RIGHT JOIN related b ON a.id = b.item_id")
	require.Contains(t, result, tombstoneFilterQualified("a"))
}

func TestCrossJoinAddsQualifiedTombstoneFilter(t *testing.T) {
	result := transformQuery(t, "SELECT a.*, b.* FROM items a CROSS JOIN tags b")
	require.Contains(t, result, tombstoneFilterQualified("a"))
}

func TestDeeplyNestedSubquery(t *testing.T) {
	result := transformQuery(t, "SELECT * FROM (SELECT * FROM (SELECT * FROM items) AS inner_sub) AS outer_sub")
	require.Contains(t, result, tombstoneFilterUnqualified)
}

func TestSubqueryInJoin(t *testing.T) {
	result := transformQuery(t, "SELECT a.*, sub.cnt FROM items a JOIN (SELECT category_id, COUNT(*) as cnt FROM items GROUP BY category_id) sub ON a.category_id = sub.category_id")
	require.Contains(t, result, tombstoneFilterQualified("a"))
	require.Equal(t, 2, strings.Count(result, "IFNULL"))
}

func TestMultiFromFirstTableWins(t *testing.T) {
	// Open question resolved per design notes: unjoined multi-FROM
	// sources qualify against the first source, just like an explicit
	// join would.
	result := transformQuery(t, "SELECT a.*, b.* FROM items a, tags b")
	require.Contains(t, result, tombstoneFilterQualified("a"))
	require.NotContains(t, result, tombstoneFilterQualified("b"))
}

func TestTransformInsertAppendsTombstoneAndHlc(t *testing.T) {
	stmt, err := Parse("INSERT INTO items (id, title) VALUES (1, 'hello')")
	require.NoError(t, err)
	ts := hlc.Timestamp{NTP64: 42, NodeID: [16]byte{0xAB}}
	out, err := New().TransformExecuteStatement(stmt, ts)
	require.NoError(t, err)
	require.Contains(t, out, "haex_tombstone")
	require.Contains(t, out, "haex_hlc")
	require.Contains(t, out, ts.String())
}

func TestTransformUpdateAddsHlcAndTombstoneFilter(t *testing.T) {
	stmt, err := Parse("UPDATE items SET title = 'x' WHERE id = 1")
	require.NoError(t, err)
	ts := hlc.Timestamp{NTP64: 7, NodeID: [16]byte{0x01}}
	out, err := New().TransformExecuteStatement(stmt, ts)
	require.NoError(t, err)
	require.Contains(t, out, "haex_hlc")
	require.Contains(t, out, tombstoneFilterUnqualified)
	require.Contains(t, out, "id = 1")
}

func TestTransformDeleteBecomesUpdate(t *testing.T) {
	stmt, err := Parse("DELETE FROM items WHERE id = 1")
	require.NoError(t, err)
	ts := hlc.Timestamp{NTP64: 99, NodeID: [16]byte{0x02}}
	out, err := New().TransformExecuteStatement(stmt, ts)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "UPDATE items SET"))
	require.Contains(t, out, "haex_tombstone = 1")
	require.Contains(t, out, "haex_hlc")
	require.Contains(t, out, "id = 1")
}

func TestNoSyncTableInsertIsUntouched(t *testing.T) {
	stmt, err := Parse("INSERT INTO haex_crdt_configs_no_sync (key, value) VALUES ('a', 'b')")
	require.NoError(t, err)
	ts := hlc.Timestamp{NTP64: 1, NodeID: [16]byte{0x03}}
	out, err := New().TransformExecuteStatement(stmt, ts)
	require.NoError(t, err)
	require.NotContains(t, out, "haex_tombstone")
}
