// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/absmach/fluxfed/storage"
	"github.com/absmach/fluxfed/types"
)

var _ storage.CursorStore = (*CursorStore)(nil)

// CursorStore is an in-memory implementation of storage.CursorStore.
type CursorStore struct {
	mu     sync.RWMutex
	states map[types.InstanceID]types.FederationQueueState
}

// NewCursorStore creates a new in-memory cursor store.
func NewCursorStore() *CursorStore {
	return &CursorStore{
		states: make(map[types.InstanceID]types.FederationQueueState),
	}
}

// LoadState returns the saved state or storage.ErrNotFound.
func (s *CursorStore) LoadState(_ context.Context, instanceID types.InstanceID) (types.FederationQueueState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[instanceID]
	if !ok {
		return types.FederationQueueState{}, storage.ErrNotFound
	}
	return st, nil
}

// SaveState stores the state, refusing to move the cursor backwards.
func (s *CursorStore) SaveState(_ context.Context, state types.FederationQueueState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.states[state.InstanceID]; ok && state.LastSuccessfulID < prev.LastSuccessfulID {
		return storage.ErrCursorRegress
	}
	s.states[state.InstanceID] = state
	return nil
}

// ListStates returns all states ordered by instance id.
func (s *CursorStore) ListStates(_ context.Context) ([]types.FederationQueueState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.FederationQueueState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}
