// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/absmach/fluxfed/types"
)

// Common errors.
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrCursorRegress   = errors.New("queue cursor cannot move backwards")
	ErrInvalidActivity = errors.New("invalid activity")
)

// Store is the composite storage interface providing access to all storage backends.
type Store interface {
	// Activities returns the append-only log of locally originated activities.
	Activities() ActivityLog

	// QueueStates returns the per-instance delivery cursor store.
	QueueStates() CursorStore

	// Instances returns the instance directory.
	Instances() InstanceStore

	// Actors returns the actor store used for signing and signature checks.
	Actors() ActorStore

	// Follows returns community follower relations.
	Follows() FollowStore

	// Content returns communities, posts, comments and the mod log.
	Content() ContentStore

	// Close closes all storage backends.
	Close() error
}

// ActivityLog is the durable, strictly increasing log of sent activities.
type ActivityLog interface {
	// Append stores the activity and returns its assigned id.
	Append(ctx context.Context, activity *types.SentActivity) (types.ActivityID, error)

	// Read returns one activity or ErrNotFound.
	Read(ctx context.Context, id types.ActivityID) (*types.SentActivity, error)

	// ReadBatch returns up to limit activities with id > afterID, ascending.
	ReadBatch(ctx context.Context, afterID types.ActivityID, limit int) ([]*types.SentActivity, error)

	// LatestID returns the highest id in the log, 0 if empty.
	LatestID(ctx context.Context) (types.ActivityID, error)

	// PruneBefore deletes up to limit activities published before cutoff.
	// Concurrent callers must not block each other or readers.
	PruneBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// CursorStore persists FederationQueueState rows. A SaveState that returns
// nil must survive a crash.
type CursorStore interface {
	LoadState(ctx context.Context, instanceID types.InstanceID) (types.FederationQueueState, error)
	SaveState(ctx context.Context, state types.FederationQueueState) error
	ListStates(ctx context.Context) ([]types.FederationQueueState, error)
}

// InstanceStore is the directory of known instances and the federation blocklist.
type InstanceStore interface {
	List(ctx context.Context) ([]types.Instance, error)
	Get(ctx context.Context, id types.InstanceID) (types.Instance, error)
	GetByDomain(ctx context.Context, domain string) (types.Instance, error)
	// Upsert creates the instance if its domain is unknown and returns its id.
	Upsert(ctx context.Context, instance types.Instance) (types.InstanceID, error)
	// Block blocks the instance until expiresAt (nil is forever) and
	// records who applied the block.
	Block(ctx context.Context, id types.InstanceID, expiresAt *time.Time, source types.BlockSource) error
	Unblock(ctx context.Context, id types.InstanceID) error
	// PruneExpiredBlocks removes blocks that expired before now.
	PruneExpiredBlocks(ctx context.Context, now time.Time) (int, error)
	SetDead(ctx context.Context, id types.InstanceID, dead bool) error
}

// ActorStore resolves actors by their ActivityPub id.
type ActorStore interface {
	ReadActor(ctx context.Context, apID string) (*types.Actor, error)
	UpsertActor(ctx context.Context, actor *types.Actor) error
}

// FollowStore holds community follower relations.
type FollowStore interface {
	// FollowerInboxes returns the distinct inboxes of followers of the
	// community that live on the given instance.
	FollowerInboxes(ctx context.Context, communityID types.CommunityID, instanceID types.InstanceID, acceptedOnly bool) ([]string, error)
	Follow(ctx context.Context, follow types.Follow) error
	Unfollow(ctx context.Context, communityID types.CommunityID, personID types.PersonID) error
}

// ContentStore is the slice of the content schema the activity handlers touch.
type ContentStore interface {
	GetCommunity(ctx context.Context, apID string) (*types.Community, error)
	GetCommunityByID(ctx context.Context, id types.CommunityID) (*types.Community, error)
	SaveCommunity(ctx context.Context, community *types.Community) error

	GetPerson(ctx context.Context, apID string) (*types.Person, error)
	SavePerson(ctx context.Context, person *types.Person) error

	GetPost(ctx context.Context, apID string) (*types.Post, error)
	SavePost(ctx context.Context, post *types.Post) error

	GetComment(ctx context.Context, apID string) (*types.Comment, error)
	SaveComment(ctx context.Context, comment *types.Comment) error

	IsModerator(ctx context.Context, communityID types.CommunityID, personID types.PersonID) (bool, error)
	AddModerator(ctx context.Context, communityID types.CommunityID, personID types.PersonID) error
	RemoveModerator(ctx context.Context, communityID types.CommunityID, personID types.PersonID) error
	BanFromCommunity(ctx context.Context, communityID types.CommunityID, personID types.PersonID) error
	IsBannedFromCommunity(ctx context.Context, communityID types.CommunityID, personID types.PersonID) (bool, error)

	// AppendModLog inserts the entry unless one with the same ActivityAPID
	// and Kind exists. It reports whether a row was written.
	AppendModLog(ctx context.Context, entry types.ModLogEntry) (bool, error)
	ModLog(ctx context.Context) ([]types.ModLogEntry, error)

	ReceivedActivity(ctx context.Context, apID string) (bool, error)
	MarkReceived(ctx context.Context, apID string, at time.Time) error
}
