// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package apub applies ActivityPub activities to local state. Every
// activity, whether received from a peer or originated locally, goes
// through the same two steps: a read-only Verify, then an idempotent
// Receive that performs the mutation.
package apub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxfed/storage"
	"github.com/absmach/fluxfed/types"
)

// Kind names an activity variant.
type Kind string

const (
	KindLockPage           Kind = "LockPage"
	KindUndoLockPage       Kind = "UndoLockPage"
	KindDelete             Kind = "Delete"
	KindUndoDelete         Kind = "UndoDelete"
	KindCollectionRemove   Kind = "CollectionRemove"
	KindCreateOrUpdateNote Kind = "CreateOrUpdateNote"
	KindFollow             Kind = "Follow"
	KindUndoFollow         Kind = "UndoFollow"
	KindUpdateActor        Kind = "UpdateActor"
)

// DefaultMaxCommentDepth bounds the reply chain walked for a new comment.
const DefaultMaxCommentDepth = 50

// Errors returned while parsing and applying activities.
var (
	ErrUnknownActivity = errors.New("unknown activity type")
	ErrInvalidActivity = errors.New("invalid activity")

	ErrNotModerator       = errors.New("actor is not a moderator")
	ErrBanned             = errors.New("actor is banned")
	ErrCommunityDeleted   = errors.New("community is deleted or removed")
	ErrVisibility         = errors.New("activity is not addressed to the community")
	ErrDomainMismatch     = errors.New("actor and object domains differ")
	ErrNotCreator         = errors.New("actor did not create the object")
	ErrPostLocked         = errors.New("post is locked")
	ErrObjectNotFound     = errors.New("object not found")
	ErrMaxCommentDepth    = errors.New("max comment depth reached")
	ErrLocalCommunity     = errors.New("only local admins can remove a local community")
	ErrUnknownActor       = errors.New("actor is unknown")
	ErrFollowNotPermitted = errors.New("follow is not permitted")
)

// VerifyError is a rejected activity. It is returned by Handler when
// Verify fails; no state has been changed.
type VerifyError struct {
	ActivityID string
	Kind       Kind
	Err        error
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("%s %s rejected: %v", e.Kind, e.ActivityID, e.Err)
}

func (e *VerifyError) Unwrap() error {
	return e.Err
}

// reject builds a VerifyError; Handler fills in the activity fields.
func reject(reason error, format string, args ...any) error {
	if format == "" {
		return &VerifyError{Err: reason}
	}
	return &VerifyError{Err: fmt.Errorf("%w: %s", reason, fmt.Sprintf(format, args...))}
}

// Activity is one variant of the closed activity set.
type Activity interface {
	// ID returns the ActivityPub id of the activity.
	ID() string

	// Actor returns the ActivityPub id of the sending actor.
	Actor() string

	Kind() Kind

	// Verify checks authorization and preconditions. It must not mutate
	// any state.
	Verify(ctx context.Context, c *Context) error

	// Receive applies the activity. Applying the same activity twice
	// leaves the same state as applying it once.
	Receive(ctx context.Context, c *Context) error
}

// inCommunity is implemented by activities scoped to one community.
type inCommunity interface {
	Community(ctx context.Context, c *Context) (*types.Community, error)
}

// ActorResolver resolves actors, usually through the shared actor cache.
type ActorResolver interface {
	Actor(ctx context.Context, apID string) (*types.Actor, error)
}

// Context carries the stores activities read and write.
type Context struct {
	Content    storage.ContentStore
	Follows    storage.FollowStore
	Instances  storage.InstanceStore
	ActorStore storage.ActorStore
	Actors     ActorResolver

	LocalDomain     string
	MaxCommentDepth int

	// ActorChanged is called after an actor was updated or deleted.
	ActorChanged func(apID string)

	Now func() time.Time
}

func (c *Context) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Context) maxDepth() int {
	if c.MaxCommentDepth > 0 {
		return c.MaxCommentDepth
	}
	return DefaultMaxCommentDepth
}

func (c *Context) actorChanged(apID string) {
	if c.ActorChanged != nil {
		c.ActorChanged(apID)
	}
}
