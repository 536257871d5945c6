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

var (
	_ storage.ActorStore  = (*ActorStore)(nil)
	_ storage.FollowStore = (*FollowStore)(nil)
)

// ActorStore is an in-memory implementation of storage.ActorStore.
type ActorStore struct {
	mu     sync.RWMutex
	actors map[string]types.Actor
}

// NewActorStore creates a new in-memory actor store.
func NewActorStore() *ActorStore {
	return &ActorStore{actors: make(map[string]types.Actor)}
}

// ReadActor returns a copy of the actor.
func (s *ActorStore) ReadActor(_ context.Context, apID string) (*types.Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.actors[apID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &a, nil
}

// UpsertActor stores the actor.
func (s *ActorStore) UpsertActor(_ context.Context, actor *types.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.actors[actor.APID] = *actor
	return nil
}

type followKey struct {
	community types.CommunityID
	person    types.PersonID
}

// FollowStore is an in-memory implementation of storage.FollowStore.
type FollowStore struct {
	mu      sync.RWMutex
	follows map[followKey]types.Follow
}

// NewFollowStore creates a new in-memory follow store.
func NewFollowStore() *FollowStore {
	return &FollowStore{follows: make(map[followKey]types.Follow)}
}

// FollowerInboxes returns sorted distinct inboxes of matching followers.
func (s *FollowStore) FollowerInboxes(_ context.Context, communityID types.CommunityID, instanceID types.InstanceID, acceptedOnly bool) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for k, f := range s.follows {
		if k.community != communityID || f.InstanceID != instanceID {
			continue
		}
		if acceptedOnly && f.Pending {
			continue
		}
		seen[f.Inbox] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for inbox := range seen {
		out = append(out, inbox)
	}
	sort.Strings(out)
	return out, nil
}

// Follow creates or replaces a follow.
func (s *FollowStore) Follow(_ context.Context, follow types.Follow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.follows[followKey{follow.CommunityID, follow.PersonID}] = follow
	return nil
}

// Unfollow removes a follow; removing a missing follow is not an error.
func (s *FollowStore) Unfollow(_ context.Context, communityID types.CommunityID, personID types.PersonID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.follows, followKey{communityID, personID})
	return nil
}
