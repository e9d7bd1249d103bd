// Package deviceid gives this bridge process a stable 16-byte node
// identity that survives restarts, for internal/hlc's node id and for
// distinguishing this device from others in authorization logs. The
// identity is persisted in a small badger/v4 store rather than a flat
// file so the same on-disk engine backs it as would back any other
// local key/value state this process accumulates outside the SQL
// database proper.
package deviceid

import (
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// idKey holds a single UUID string, generated once and never changed.
// Its 16 raw bytes double as the HLC node id.
const idKey = "id"

// badgerLogAdapter routes badger's internal logging through logrus so
// it shows up with the rest of the process's structured logs.
type badgerLogAdapter struct {
	log *logrus.Entry
}

func (a badgerLogAdapter) Errorf(f string, v ...interface{})   { a.log.Errorf(f, v...) }
func (a badgerLogAdapter) Warningf(f string, v ...interface{}) { a.log.Warnf(f, v...) }
func (a badgerLogAdapter) Infof(f string, v ...interface{})    { a.log.Infof(f, v...) }
func (a badgerLogAdapter) Debugf(f string, v ...interface{})   { a.log.Debugf(f, v...) }

// Store owns the badger database that holds this device's node id.
type Store struct {
	db    *badger.DB
	ready atomic.Bool
	log   *logrus.Entry
}

// Open opens (creating if absent) the badger store rooted at dir.
func Open(dir string, log *logrus.Entry) (*Store, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	log = log.WithField("component", "deviceid")

	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogAdapter{log: log}).
		WithSyncWrites(true).
		WithIndexCacheSize(16 << 20).
		WithBlockCacheSize(32 << 20).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("deviceid: open badger store: %w", err)
	}

	s := &Store{db: db, log: log}
	s.ready.Store(true)
	return s, nil
}

// Close releases the underlying badger database.
func (s *Store) Close() error {
	s.ready.Store(false)
	return s.db.Close()
}

// ID returns this device's stable identity UUID, generating and
// persisting a fresh one on first use.
func (s *Store) ID() (uuid.UUID, error) {
	var id uuid.UUID

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(idKey))
		if err == nil {
			return item.Value(func(val []byte) error {
				parsed, perr := uuid.ParseBytes(val)
				if perr != nil {
					return fmt.Errorf("deviceid: stored id is not a uuid: %w", perr)
				}
				id = parsed
				return nil
			})
		}
		if err != badger.ErrKeyNotFound {
			return err
		}

		id = uuid.New()
		return txn.Set([]byte(idKey), []byte(id.String()))
	})
	if err != nil {
		return uuid.Nil, err
	}

	s.log.WithField("deviceId", id.String()).Debug("resolved device identity")
	return id, nil
}

// NodeID returns the 16 raw bytes of ID, used directly as the HLC node
// id.
func (s *Store) NodeID() ([16]byte, error) {
	id, err := s.ID()
	if err != nil {
		return [16]byte{}, err
	}
	var out [16]byte
	copy(out[:], id[:])
	return out, nil
}

// Ready reports whether the underlying store is open.
func (s *Store) Ready() bool {
	return s.ready.Load()
}
