// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxfed/storage"
	"github.com/absmach/fluxfed/types"
)

var _ storage.InstanceStore = (*InstanceStore)(nil)

// InstanceStore is an in-memory instance directory with blocklist.
type InstanceStore struct {
	mu        sync.RWMutex
	nextID    types.InstanceID
	instances map[types.InstanceID]types.Instance
	byDomain  map[string]types.InstanceID
}

// NewInstanceStore creates a new in-memory instance store.
func NewInstanceStore() *InstanceStore {
	return &InstanceStore{
		instances: make(map[types.InstanceID]types.Instance),
		byDomain:  make(map[string]types.InstanceID),
	}
}

// List returns all known instances ordered by id.
func (s *InstanceStore) List(_ context.Context) ([]types.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns an instance by id.
func (s *InstanceStore) Get(_ context.Context, id types.InstanceID) (types.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return types.Instance{}, storage.ErrNotFound
	}
	return inst, nil
}

// GetByDomain returns an instance by domain.
func (s *InstanceStore) GetByDomain(_ context.Context, domain string) (types.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byDomain[strings.ToLower(domain)]
	if !ok {
		return types.Instance{}, storage.ErrNotFound
	}
	return s.instances[id], nil
}

// Upsert creates or updates an instance keyed by domain. Block and dead
// flags are owned by Block/Unblock/SetDead and are not overwritten.
func (s *InstanceStore) Upsert(_ context.Context, instance types.Instance) (types.InstanceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	domain := strings.ToLower(instance.Domain)
	if id, ok := s.byDomain[domain]; ok {
		cur := s.instances[id]
		cur.Software = instance.Software
		cur.Version = instance.Version
		cur.UpdatedAt = time.Now().UTC()
		s.instances[id] = cur
		return id, nil
	}

	s.nextID++
	instance.ID = s.nextID
	instance.Domain = domain
	instance.UpdatedAt = time.Now().UTC()
	s.instances[instance.ID] = instance
	s.byDomain[domain] = instance.ID
	return instance.ID, nil
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
func (s *InstanceStore) PruneExpiredBlocks(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, inst := range s.instances {
		if inst.Blocked && inst.BlockExpiresAt != nil && inst.BlockExpiresAt.Before(now) {
			inst.Blocked = false
			inst.BlockExpiresAt = nil
			inst.BlockSource = ""
			s.instances[id] = inst
			n++
		}
	}
	return n, nil
}

func (s *InstanceStore) update(id types.InstanceID, fn func(*types.Instance)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return storage.ErrNotFound
	}
	fn(&inst)
	inst.UpdatedAt = time.Now().UTC()
	s.instances[id] = inst
	return nil
}
