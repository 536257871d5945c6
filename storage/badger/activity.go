// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/fluxfed/storage"
	"github.com/absmach/fluxfed/types"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.ActivityLog = (*ActivityLog)(nil)

// ActivityLog implements storage.ActivityLog using BadgerDB. Keys are
// big-endian ids so prefix iteration yields id order.
type ActivityLog struct {
	db    *badger.DB
	codec compression

	// Serialises appends so the id counter never conflicts.
	appendMu sync.Mutex
}

// NewActivityLog creates a new BadgerDB activity log.
func NewActivityLog(db *badger.DB, codec compression) *ActivityLog {
	return &ActivityLog{db: db, codec: codec}
}

// Append stores the activity under the next id.
func (l *ActivityLog) Append(_ context.Context, activity *types.SentActivity) (types.ActivityID, error) {
	if activity == nil {
		return 0, storage.ErrInvalidActivity
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	var id types.ActivityID
	err := l.db.Update(func(txn *badger.Txn) error {
		next, err := nextSeq(txn, seqActivity)
		if err != nil {
			return err
		}
		cp := *activity
		cp.ID = types.ActivityID(next)
		if cp.PublishedAt.IsZero() {
			cp.PublishedAt = time.Now().UTC()
		}
		data, err := json.Marshal(&cp)
		if err != nil {
			return err
		}
		id = cp.ID
		return txn.Set(idKey(prefixActivity, next), encodePayload(data, l.codec))
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append activity: %w", err)
	}
	return id, nil
}

// Read returns the activity with the given id.
func (l *ActivityLog) Read(_ context.Context, id types.ActivityID) (*types.SentActivity, error) {
	var a *types.SentActivity
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(idKey(prefixActivity, int64(id)))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		a, err = decodeActivity(item)
		return err
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ReadBatch returns up to limit activities after afterID in id order.
func (l *ActivityLog) ReadBatch(_ context.Context, afterID types.ActivityID, limit int) ([]*types.SentActivity, error) {
	var out []*types.SentActivity
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixActivity)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(idKey(prefixActivity, int64(afterID)+1)); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			a, err := decodeActivity(it.Item())
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

// LatestID returns the highest id ever assigned; pruning does not lower it.
func (l *ActivityLog) LatestID(_ context.Context) (types.ActivityID, error) {
	var n int64
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = readSeq(txn, seqActivity)
		return err
	})
	return types.ActivityID(n), err
}

// PruneBefore deletes up to limit of the oldest activities published
// before cutoff. The scan stops at the first newer activity.
func (l *ActivityLog) PruneBefore(_ context.Context, cutoff time.Time, limit int) (int, error) {
	var keys [][]byte
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixActivity)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(keys) >= limit {
				break
			}
			a, err := decodeActivity(it.Item())
			if err != nil {
				return err
			}
			if !a.PublishedAt.Before(cutoff) {
				break
			}
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	wb := l.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("failed to prune activities: %w", err)
	}
	return len(keys), nil
}

func decodeActivity(item *badger.Item) (*types.SentActivity, error) {
	var a types.SentActivity
	err := item.Value(func(val []byte) error {
		data, err := decodePayload(val)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode activity: %w", err)
	}
	return &a, nil
}
