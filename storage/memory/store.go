// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"github.com/absmach/fluxfed/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory store.
type Store struct {
	activities *ActivityLog
	states     *CursorStore
	instances  *InstanceStore
	actors     *ActorStore
	follows    *FollowStore
	content    *ContentStore
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		activities: NewActivityLog(),
		states:     NewCursorStore(),
		instances:  NewInstanceStore(),
		actors:     NewActorStore(),
		follows:    NewFollowStore(),
		content:    NewContentStore(),
	}
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

// Close closes all stores (no-op for memory).
func (s *Store) Close() error {
	return nil
}
