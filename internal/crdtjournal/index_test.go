package crdtjournal

import (
	"testing"

	"github.com/haexspace/haexbridge/internal/hlc"
	"github.com/stretchr/testify/require"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := OpenIndex(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestIndexPutAndScanTableOrdersByStamp(t *testing.T) {
	idx := openTestIndex(t)

	older := hlc.Timestamp{NTP64: 10, NodeID: [16]byte{1}}
	newer := hlc.Timestamp{NTP64: 20, NodeID: [16]byte{1}}

	require.NoError(t, idx.Put("items", newer, "row-b", 2))
	require.NoError(t, idx.Put("items", older, "row-a", 1))
	require.NoError(t, idx.Put("other_table", older, "row-c", 3))

	entries, err := idx.ScanTable("items")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "row-a", entries[0].PK)
	require.Equal(t, older, entries[0].Stamp)
	require.Equal(t, int64(1), entries[0].JournalID)
	require.Equal(t, "row-b", entries[1].PK)
}

func TestIndexDeleteRemovesEntry(t *testing.T) {
	idx := openTestIndex(t)
	stamp := hlc.Timestamp{NTP64: 5, NodeID: [16]byte{7}}

	require.NoError(t, idx.Put("items", stamp, "row-1", 1))
	entries, err := idx.ScanTable("items")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, idx.Delete("items", stamp, "row-1"))
	entries, err = idx.ScanTable("items")
	require.NoError(t, err)
	require.Empty(t, entries)
}
