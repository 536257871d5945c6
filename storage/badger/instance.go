// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxfed/storage"
	"github.com/absmach/fluxfed/types"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.InstanceStore = (*InstanceStore)(nil)

// InstanceStore implements storage.InstanceStore using BadgerDB.
type InstanceStore struct {
	db *badger.DB
	mu sync.Mutex
}

// NewInstanceStore creates a new BadgerDB instance store.
func NewInstanceStore(db *badger.DB) *InstanceStore {
	return &InstanceStore{db: db}
}

// List returns all known instances ordered by id.
func (s *InstanceStore) List(_ context.Context) ([]types.Instance, error) {
	var out []types.Instance
	err := s.db.View(func(txn *badger.Txn) error {
		return iterateJSON(txn, prefixInstance, func() any { return &types.Instance{} }, func(v any) {
			out = append(out, *v.(*types.Instance))
		})
	})
	return out, err
}

// Get returns an instance by id.
func (s *InstanceStore) Get(_ context.Context, id types.InstanceID) (types.Instance, error) {
	var inst types.Instance
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, idKey(prefixInstance, int64(id)), &inst)
	})
	return inst, err
}

// GetByDomain returns an instance by domain.
func (s *InstanceStore) GetByDomain(_ context.Context, domain string) (types.Instance, error) {
	var inst types.Instance
	err := s.db.View(func(txn *badger.Txn) error {
		id, err := lookupDomain(txn, strings.ToLower(domain))
		if err != nil {
			return err
		}
		return getJSON(txn, idKey(prefixInstance, id), &inst)
	})
	return inst, err
}

// Upsert creates or updates an instance keyed by domain. Block and dead
// flags are left untouched on update.
func (s *InstanceStore) Upsert(_ context.Context, instance types.Instance) (types.InstanceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	domain := strings.ToLower(instance.Domain)
	var id types.InstanceID
	err := s.db.Update(func(txn *badger.Txn) error {
		existing, err := lookupDomain(txn, domain)
		switch {
		case err == nil:
			var cur types.Instance
			if err := getJSON(txn, idKey(prefixInstance, existing), &cur); err != nil {
				return err
			}
			cur.Software = instance.Software
			cur.Version = instance.Version
			cur.UpdatedAt = time.Now().UTC()
			id = cur.ID
			return setJSON(txn, idKey(prefixInstance, existing), cur)
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}

		next, err := nextSeq(txn, seqInstance)
		if err != nil {
			return err
		}
		instance.ID = types.InstanceID(next)
		instance.Domain = domain
		instance.UpdatedAt = time.Now().UTC()
		id = instance.ID

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(next))
		if err := txn.Set([]byte(prefixInstanceDomain+domain), buf); err != nil {
			return err
		}
		return setJSON(txn, idKey(prefixInstance, next), instance)
	})
	return id, err
}

// Block adds the instance to the federation blocklist.
func (s *InstanceStore) Block(_ context.Context, id types.InstanceID, expiresAt *time.Time, source types.BlockSource) error {
	return s.update(id, func(inst *types.Instance) {
		inst.Blocked = true
		inst.BlockExpiresAt = expiresAt
		inst.BlockSource = source
	})
}

// Unblock removes the instance from the blocklist.
func (s *InstanceStore) Unblock(_ context.Context, id types.InstanceID) error {
	return s.update(id, func(inst *types.Instance) {
		inst.Blocked = false
		inst.BlockExpiresAt = nil
		inst.BlockSource = ""
	})
}

// SetDead marks the instance as permanently unreachable (or not).
func (s *InstanceStore) SetDead(_ context.Context, id types.InstanceID, dead bool) error {
	return s.update(id, func(inst *types.Instance) {
		inst.Dead = dead
	})
}

// PruneExpiredBlocks lifts blocks whose expiry is before now.
func (s *InstanceStore) PruneExpiredBlocks(ctx context.Context, now time.Time) (int, error) {
	list, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, inst := range list {
		if !inst.Blocked || inst.BlockExpiresAt == nil || !inst.BlockExpiresAt.Before(now) {
			continue
		}
		if err := s.Unblock(ctx, inst.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *InstanceStore) update(id types.InstanceID, fn func(*types.Instance)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := idKey(prefixInstance, int64(id))
	return s.db.Update(func(txn *badger.Txn) error {
		var inst types.Instance
		if err := getJSON(txn, key, &inst); err != nil {
			return err
		}
		fn(&inst)
		inst.UpdatedAt = time.Now().UTC()
		return setJSON(txn, key, inst)
	})
}

func lookupDomain(txn *badger.Txn, domain string) (int64, error) {
	item, err := txn.Get([]byte(prefixInstanceDomain + domain))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, storage.ErrNotFound
		}
		return 0, err
	}
	var id int64
	err = item.Value(func(val []byte) error {
		id = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return id, err
}
