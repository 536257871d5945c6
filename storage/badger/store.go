// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/absmach/fluxfed/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Store = (*Store)(nil)

// Key prefixes.
const (
	prefixActivity       = "activity:"
	prefixCursor         = "cursor:"
	prefixInstance       = "instance:"
	prefixInstanceDomain = "instance_domain:"
	prefixActor          = "actor:"
	prefixFollow         = "follow:"
	prefixCommunity      = "community:"
	prefixCommunityID    = "community_id:"
	prefixPerson         = "person:"
	prefixPost           = "post:"
	prefixComment        = "comment:"
	prefixModerator      = "moderator:"
	prefixBan            = "ban:"
	prefixModLog         = "modlog:"
	prefixModLogKey      = "modlog_key:"
	prefixReceived       = "received:"

	seqActivity  = "seq:activity"
	seqInstance  = "seq:instance"
	seqCommunity = "seq:community"
	seqPerson    = "seq:person"
	seqPost      = "seq:post"
	seqComment   = "seq:comment"
	seqModLog    = "seq:modlog"
)

// Store is the composite BadgerDB store implementing all storage interfaces.
type Store struct {
	db *badger.DB

	activities *ActivityLog
	states     *CursorStore
	instances  *InstanceStore
	actors     *ActorStore
	follows    *FollowStore
	content    *ContentStore

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir string // Directory for BadgerDB data

	// SyncWrites fsyncs every commit. Cursor durability across power loss
	// requires it; process crashes are covered either way.
	SyncWrites bool

	// Compression applied to activity payloads: none, s2 or zstd.
	Compression string
}

// New creates a new BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	codec, err := parseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil // Disable BadgerDB's internal logging
	// Disable encryption to avoid "Invalid datakey id" errors on restart
	opts.EncryptionKey = nil
	opts.EncryptionKeyRotationDuration = 0
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2
	opts.NumLevelZeroTables = 5
	opts.NumLevelZeroTablesStall = 15

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:         db,
		activities: NewActivityLog(db, codec),
		states:     NewCursorStore(db),
		instances:  NewInstanceStore(db),
		actors:     NewActorStore(db),
		follows:    NewFollowStore(db),
		content:    NewContentStore(db),
		gcStopCh:   make(chan struct{}),
		gcDone:     make(chan struct{}),
	}

	// Start background value log GC
	go s.runGC()

	return s, nil
}

// Activities returns the activity log.
func (s *Store) Activities() storage.ActivityLog {
	return s.activities
}

// QueueStates returns the cursor store.
func (s *Store) QueueStates() storage.CursorStore {
	return s.states
}

// Instances returns the instance directory.
func (s *Store) Instances() storage.InstanceStore {
	return s.instances
}

// Actors returns the actor store.
func (s *Store) Actors() storage.ActorStore {
	return s.actors
}

// Follows returns the follow store.
func (s *Store) Follows() storage.FollowStore {
	return s.follows
}

// Content returns the content store.
func (s *Store) Content() storage.ContentStore {
	return s.content
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Signal GC goroutine to stop
	close(s.gcStopCh)

	// Wait for GC to finish
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
// Activity pruning leaves garbage behind, so this matters for long runs.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// This may return an error if no GC was needed, which is fine
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			// Skip final GC: GC during close can corrupt the vlog.
			return
		}
	}
}

func idKey(prefix string, id int64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(id))
	return key
}

func pairKey(prefix string, a, b int64) []byte {
	key := make([]byte, len(prefix)+16)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(a))
	binary.BigEndian.PutUint64(key[len(prefix)+8:], uint64(b))
	return key
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// readSeq returns the current value of a counter, 0 if unset.
func readSeq(txn *badger.Txn, name string) (int64, error) {
	item, err := txn.Get([]byte(name))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var n int64
	err = item.Value(func(val []byte) error {
		n = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return n, err
}

// bumpSeq raises a counter to at least n.
func bumpSeq(txn *badger.Txn, name string, n int64) error {
	cur, err := readSeq(txn, name)
	if err != nil || cur >= n {
		return err
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return txn.Set([]byte(name), buf)
}

// nextSeq increments a counter and returns the new value.
func nextSeq(txn *badger.Txn, name string) (int64, error) {
	cur, err := readSeq(txn, name)
	if err != nil {
		return 0, err
	}
	return cur + 1, bumpSeq(txn, name, cur+1)
}
