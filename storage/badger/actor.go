// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"sort"

	"github.com/absmach/fluxfed/storage"
	"github.com/absmach/fluxfed/types"
	"github.com/dgraph-io/badger/v4"
)

var (
	_ storage.ActorStore  = (*ActorStore)(nil)
	_ storage.FollowStore = (*FollowStore)(nil)
)

// ActorStore implements storage.ActorStore using BadgerDB.
type ActorStore struct {
	db *badger.DB
}

// NewActorStore creates a new BadgerDB actor store.
func NewActorStore(db *badger.DB) *ActorStore {
	return &ActorStore{db: db}
}

// ReadActor returns the actor with the given ActivityPub id.
func (s *ActorStore) ReadActor(_ context.Context, apID string) (*types.Actor, error) {
	var a types.Actor
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(prefixActor+apID), &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpsertActor stores the actor.
func (s *ActorStore) UpsertActor(_ context.Context, actor *types.Actor) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, []byte(prefixActor+actor.APID), actor)
	})
}

// FollowStore implements storage.FollowStore using BadgerDB.
// Keys are follow:<community><person>.
type FollowStore struct {
	db *badger.DB
}

// NewFollowStore creates a new BadgerDB follow store.
func NewFollowStore(db *badger.DB) *FollowStore {
	return &FollowStore{db: db}
}

// FollowerInboxes returns sorted distinct inboxes of matching followers.
func (s *FollowStore) FollowerInboxes(_ context.Context, communityID types.CommunityID, instanceID types.InstanceID, acceptedOnly bool) ([]string, error) {
	seen := make(map[string]struct{})
	prefix := string(idKey(prefixFollow, int64(communityID)))
	err := s.db.View(func(txn *badger.Txn) error {
		return iterateJSON(txn, prefix, func() any { return &types.Follow{} }, func(v any) {
			f := v.(*types.Follow)
			if f.InstanceID != instanceID || (acceptedOnly && f.Pending) {
				return
			}
			seen[f.Inbox] = struct{}{}
		})
	})
	if err != nil {
		return nil, err
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
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, pairKey(prefixFollow, int64(follow.CommunityID), int64(follow.PersonID)), follow)
	})
}

// Unfollow removes a follow; removing a missing follow is not an error.
func (s *FollowStore) Unfollow(_ context.Context, communityID types.CommunityID, personID types.PersonID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(pairKey(prefixFollow, int64(communityID), int64(personID)))
	})
}
