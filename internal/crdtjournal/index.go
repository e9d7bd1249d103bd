package crdtjournal

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble/v2"
	"github.com/haexspace/haexbridge/internal/hlc"
	"github.com/haexspace/haexbridge/internal/protocol"
	"github.com/sirupsen/logrus"
)

// Index is a secondary lookup structure over the journal, keyed by
// table name and HLC timestamp, mirroring the teacher's habit of pairing
// every SQL-backed store with a pebble-backed index for its hot-read path
// (see internal/metadata's PebbleStore). Journal.Cleanup and
// Journal.ApplyRemote do not consult it; they query the SQL table
// directly.
type Index struct {
	db     *pebble.DB
	logger *logrus.Logger
}

// OpenIndex opens (creating if absent) the pebble index at dataDir.
func OpenIndex(dataDir string, logger *logrus.Logger) (*Index, error) {
	if logger == nil {
		logger = logrus.New()
	}
	path := filepath.Join(dataDir, "crdtjournal-index")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, protocol.Wrap(protocol.CodeDatabase, "create journal index directory", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeDatabase, "open journal index", err)
	}
	return &Index{db: db, logger: logger}, nil
}

// Close releases the underlying pebble handle.
func (x *Index) Close() error {
	return x.db.Close()
}

// indexKey packs "<table>\x00<ntp64-big-endian>\x00<nodeid>\x00<pk>" so a
// prefix scan over a table name yields entries ordered by HLC.
func indexKey(table string, stamp hlc.Timestamp, pk string) []byte {
	buf := make([]byte, 0, len(table)+1+8+1+16+1+len(pk))
	buf = append(buf, []byte(table)...)
	buf = append(buf, 0)
	var ntpBytes [8]byte
	binary.BigEndian.PutUint64(ntpBytes[:], stamp.NTP64)
	buf = append(buf, ntpBytes[:]...)
	buf = append(buf, 0)
	buf = append(buf, stamp.NodeID[:]...)
	buf = append(buf, 0)
	buf = append(buf, []byte(pk)...)
	return buf
}

func tablePrefix(table string) []byte {
	return append([]byte(table), 0)
}

// prefixEnd returns the exclusive upper bound for a prefix scan.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Put records that a row at (table, pk) was last touched at stamp,
// pointing at the journal row id so a cleanup scan can resolve it
// without touching the SQL table first.
func (x *Index) Put(table string, stamp hlc.Timestamp, pk string, journalID int64) error {
	var val [8]byte
	binary.BigEndian.PutUint64(val[:], uint64(journalID))
	if err := x.db.Set(indexKey(table, stamp, pk), val[:], pebble.NoSync); err != nil {
		return protocol.Wrap(protocol.CodeDatabase, "index put", err)
	}
	return nil
}

// IndexedEntry is one row yielded by a table scan over the index.
type IndexedEntry struct {
	PK        string
	Stamp     hlc.Timestamp
	JournalID int64
}

// ScanTable returns every indexed entry for table, in ascending HLC
// order — the access pattern cleanup and remote-apply both need.
func (x *Index) ScanTable(table string) ([]IndexedEntry, error) {
	prefix := tablePrefix(table)
	iter, err := x.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeDatabase, "open index iterator", err)
	}
	defer iter.Close()

	var entries []IndexedEntry
	for valid := iter.First(); valid; valid = iter.Next() {
		key := iter.Key()
		rest := key[len(prefix):]
		if len(rest) < 8+1+16+1 {
			continue
		}
		ntp := binary.BigEndian.Uint64(rest[:8])
		rest = rest[8+1:]
		var nodeID [16]byte
		copy(nodeID[:], rest[:16])
		pk := string(rest[16+1:])

		val := iter.Value()
		if len(val) != 8 {
			return nil, fmt.Errorf("corrupt journal index value for table %q", table)
		}
		entries = append(entries, IndexedEntry{
			PK:        pk,
			Stamp:     hlc.Timestamp{NTP64: ntp, NodeID: nodeID},
			JournalID: int64(binary.BigEndian.Uint64(val)),
		})
	}
	return entries, iter.Error()
}

// Delete removes the index entry for (table, stamp, pk), called once the
// corresponding journal row has been cleaned up.
func (x *Index) Delete(table string, stamp hlc.Timestamp, pk string) error {
	if err := x.db.Delete(indexKey(table, stamp, pk), pebble.NoSync); err != nil {
		return protocol.Wrap(protocol.CodeDatabase, "index delete", err)
	}
	return nil
}
