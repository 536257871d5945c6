// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/absmach/fluxfed/storage"
	"github.com/absmach/fluxfed/types"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.CursorStore = (*CursorStore)(nil)

// CursorStore implements storage.CursorStore using BadgerDB.
type CursorStore struct {
	db *badger.DB
	mu sync.Mutex
}

// NewCursorStore creates a new BadgerDB cursor store.
func NewCursorStore(db *badger.DB) *CursorStore {
	return &CursorStore{db: db}
}

// LoadState returns the saved state or storage.ErrNotFound.
func (s *CursorStore) LoadState(_ context.Context, instanceID types.InstanceID) (types.FederationQueueState, error) {
	var st types.FederationQueueState
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, idKey(prefixCursor, int64(instanceID)), &st)
	})
	return st, err
}

// SaveState stores the state, refusing to move the cursor backwards.
func (s *CursorStore) SaveState(_ context.Context, state types.FederationQueueState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := idKey(prefixCursor, int64(state.InstanceID))
	err := s.db.Update(func(txn *badger.Txn) error {
		var prev types.FederationQueueState
		err := getJSON(txn, key, &prev)
		switch {
		case err == nil:
			if state.LastSuccessfulID < prev.LastSuccessfulID {
				return storage.ErrCursorRegress
			}
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
		return setJSON(txn, key, state)
	})
	if err != nil && !errors.Is(err, storage.ErrCursorRegress) {
		return fmt.Errorf("failed to save queue state: %w", err)
	}
	return err
}

// ListStates returns all states ordered by instance id.
func (s *CursorStore) ListStates(_ context.Context) ([]types.FederationQueueState, error) {
	var out []types.FederationQueueState
	err := s.db.View(func(txn *badger.Txn) error {
		return iterateJSON(txn, prefixCursor, func() any { return &types.FederationQueueState{} }, func(v any) {
			out = append(out, *v.(*types.FederationQueueState))
		})
	})
	return out, err
}

// iterateJSON decodes every value under prefix in key order.
func iterateJSON(txn *badger.Txn, prefix string, alloc func() any, fn func(any)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		v := alloc()
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		}); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", prefix, err)
		}
		fn(v)
	}
	return nil
}
