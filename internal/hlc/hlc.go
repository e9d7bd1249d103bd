// Package hlc implements the hybrid-logical-clock service: monotone
// timestamps comparable across nodes, durable across restarts.
package hlc

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/haexspace/haexbridge/internal/protocol"
	"github.com/sirupsen/logrus"
)

// Timestamp is the (ntp64, nodeId) pair from spec §3, totally ordered
// lexicographically on the pair.
type Timestamp struct {
	NTP64  uint64
	NodeID [16]byte
}

// Less reports whether t sorts strictly before other.
func (t Timestamp) Less(other Timestamp) bool {
	if t.NTP64 != other.NTP64 {
		return t.NTP64 < other.NTP64
	}
	return hex.EncodeToString(t.NodeID[:]) < hex.EncodeToString(other.NodeID[:])
}

// Compare returns -1, 0, or 1 per the usual convention.
func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.Less(other):
		return -1
	case other.Less(t):
		return 1
	default:
		return 0
	}
}

// String renders "<decimal-ntp64>/<hex-nodeid>" per spec §3.
func (t Timestamp) String() string {
	return fmt.Sprintf("%d/%s", t.NTP64, hex.EncodeToString(t.NodeID[:]))
}

// Parse reverses String.
func Parse(s string) (Timestamp, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return Timestamp{}, fmt.Errorf("malformed hlc timestamp %q", s)
	}
	ntp, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Timestamp{}, fmt.Errorf("malformed hlc ntp64 in %q: %w", s, err)
	}
	raw, err := hex.DecodeString(parts[1])
	if err != nil || len(raw) != 16 {
		return Timestamp{}, fmt.Errorf("malformed hlc nodeid in %q", s)
	}
	var node [16]byte
	copy(node[:], raw)
	return Timestamp{NTP64: ntp, NodeID: node}, nil
}

// counter bits reserved in the low 16 bits of NTP64, mirroring the
// physical||counter packing described in spec §4.1.
const counterBits = 16
const counterMask = (uint64(1) << counterBits) - 1

func physicalOf(ntp uint64) uint64 { return ntp >> counterBits }
func pack(physical uint64, counter uint32) uint64 {
	return (physical << counterBits) | (uint64(counter) & counterMask)
}

// ConfigStore persists the last-emitted timestamp in the
// haex_crdt_configs key/value table, keyed "hlc_timestamp".
type ConfigStore interface {
	Load(ctx context.Context) (Timestamp, bool, error)
	PersistTx(tx *sql.Tx, ts Timestamp) error
}

// SQLiteConfigStore implements ConfigStore against haex_crdt_configs.
type SQLiteConfigStore struct {
	db *sql.DB
}

func NewSQLiteConfigStore(db *sql.DB) *SQLiteConfigStore {
	return &SQLiteConfigStore{db: db}
}

const configKey = "hlc_timestamp"
const configType = "hlc"

func (s *SQLiteConfigStore) Load(ctx context.Context) (Timestamp, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM haex_crdt_configs WHERE key = ? AND type = ?`, configKey, configType,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return Timestamp{}, false, nil
	}
	if err != nil {
		return Timestamp{}, false, protocol.Wrap(protocol.CodeDatabase, "loading persisted hlc", err)
	}
	ts, err := Parse(value)
	if err != nil {
		return Timestamp{}, false, protocol.Wrap(protocol.CodeDatabase, "parsing persisted hlc", err)
	}
	return ts, true, nil
}

func (s *SQLiteConfigStore) PersistTx(tx *sql.Tx, ts Timestamp) error {
	_, err := tx.Exec(`
		INSERT INTO haex_crdt_configs (key, type, value) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, configKey, configType, ts.String())
	if err != nil {
		return protocol.Wrap(protocol.CodeDatabase, "persisting hlc", err)
	}
	return nil
}

// Service is the single-process HLC singleton described in spec §4.1.
// All operations hold a plain mutex and never suspend while holding it.
type Service struct {
	mu          sync.Mutex
	last        Timestamp
	initialized bool
	nodeID      [16]byte
	maxDelta    time.Duration
	store       ConfigStore
	now         func() time.Time
	log         *logrus.Entry
}

// NewService constructs a Service bound to nodeID and a persistence
// store. maxDelta bounds how far a remote timestamp's physical component
// may exceed local wall clock before Observe fails with an Internal error.
func NewService(nodeID [16]byte, maxDelta time.Duration, store ConfigStore, log *logrus.Logger) *Service {
	if maxDelta <= 0 {
		maxDelta = time.Second
	}
	return &Service{
		nodeID:   nodeID,
		maxDelta: maxDelta,
		store:    store,
		now:      time.Now,
		log:      log.WithField("component", "hlc"),
	}
}

// TryInitialize loads the persisted timestamp (if any) and feeds it
// through Observe before the first emission, matching the original's
// try_initialize/load_last_timestamp sequence.
func (s *Service) TryInitialize(ctx context.Context) error {
	ts, found, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	if !found {
		s.log.Debug("no persisted hlc timestamp, starting fresh")
		return nil
	}
	if err := s.Observe(ts); err != nil {
		return err
	}
	s.log.WithField("timestamp", ts.String()).Info("restored persisted hlc timestamp")
	return nil
}

var errNotInitialized = protocol.NewError(protocol.CodeInternal, "hlc service not initialized")

// NewTimestamp emits a fresh, strictly-increasing timestamp without
// persisting it.
func (s *Service) NewTimestamp() (Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return Timestamp{}, errNotInitialized
	}
	return s.advanceLocked(uint64(s.now().UnixNano()))
}

// NewTimestampAndPersist emits a fresh timestamp and writes it inside the
// caller-supplied transaction, keeping the clock durable without a
// separate fsync path.
func (s *Service) NewTimestampAndPersist(tx *sql.Tx) (Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return Timestamp{}, errNotInitialized
	}
	ts, err := s.advanceLocked(uint64(s.now().UnixNano()))
	if err != nil {
		return Timestamp{}, err
	}
	if err := s.store.PersistTx(tx, ts); err != nil {
		return Timestamp{}, err
	}
	return ts, nil
}

// UpdateWithTimestamp advances local state to account for an observed
// remote timestamp, without emitting a new one.
func (s *Service) UpdateWithTimestamp(remote Timestamp) error {
	return s.Observe(remote)
}

// Observe is the same advance-then-record step UpdateWithTimestamp
// performs, exposed directly for the journal's remote-apply path.
func (s *Service) Observe(remote Timestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		s.initialized = true
	}
	wall := uint64(s.now().UnixNano())
	if physicalOf(remote.NTP64) > physicalOf(wall+uint64(s.maxDelta)) {
		return protocol.NewError(protocol.CodeInternal, "remote clock exceeds configured skew tolerance")
	}
	_, err := s.advanceLocked(wall, remote.NTP64)
	return err
}

// advanceLocked implements the standard HLC advance rule: physical is the
// max of the local wall clock's physical component (wall nanoseconds
// shifted right by counterBits), the last emitted physical, and any
// observed remote physical; the logical counter resets to zero unless
// physical is unchanged from the last emission, in which case it
// increments.
func (s *Service) advanceLocked(wall uint64, observed ...uint64) (Timestamp, error) {
	physical := physicalOf(wall)
	if p := physicalOf(s.last.NTP64); p > physical {
		physical = p
	}
	for _, o := range observed {
		if p := physicalOf(o); p > physical {
			physical = p
		}
	}

	var counter uint32
	if physical == physicalOf(s.last.NTP64) {
		counter = uint32(s.last.NTP64&counterMask) + 1
		if uint64(counter) > counterMask {
			// counter overflow: bump physical by one unit so ordering holds.
			physical++
			counter = 0
		}
	}

	next := Timestamp{NTP64: pack(physical, counter), NodeID: s.nodeID}
	s.last = next
	return next, nil
}
