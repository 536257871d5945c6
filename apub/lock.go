// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package apub

import (
	"context"
	"encoding/json"

	"github.com/absmach/fluxfed/types"
)

var (
	_ Activity    = (*LockPage)(nil)
	_ Activity    = (*UndoLockPage)(nil)
	_ inCommunity = (*LockPage)(nil)
	_ inCommunity = (*UndoLockPage)(nil)
)

// LockPage locks a post so no new comments can be added.
type LockPage struct {
	base
	Post string
}

// NewLockPage builds a lock of post in community by a moderator.
func NewLockPage(id, actor, post string, community *types.Community, reason string) *LockPage {
	env := newEnvelope(id, "Lock", actor, communityTo(community), []string{community.APID}, idRef(post))
	if reason != "" {
		env.Summary = &reason
	}
	return &LockPage{base: base{env: env}, Post: post}
}

func parseLockPage(env envelope) (*LockPage, error) {
	obj, err := objectRef(env.Object)
	if err != nil {
		return nil, err
	}
	return &LockPage{base: base{env: env}, Post: obj.ID}, nil
}

func (a *LockPage) Kind() Kind { return KindLockPage }

// Community returns the community of the locked post.
func (a *LockPage) Community(ctx context.Context, c *Context) (*types.Community, error) {
	post, err := readPost(ctx, c, a.Post)
	if err != nil {
		return nil, err
	}
	return readCommunityByID(ctx, c, post.CommunityID)
}

func (a *LockPage) Verify(ctx context.Context, c *Context) error {
	community, err := a.Community(ctx, c)
	if err != nil {
		return err
	}
	_, err = verifyCommunityAction(ctx, c, a.env.To, a.env.Cc, a.env.Actor, community)
	return err
}

func (a *LockPage) Receive(ctx context.Context, c *Context) error {
	return setLocked(ctx, c, a.env.ID, a.env.Actor, a.Post, true, a.env.Summary)
}

// UndoLockPage unlocks a post.
type UndoLockPage struct {
	base
	Lock *LockPage
}

// NewUndoLockPage wraps lock in an Undo.
func NewUndoLockPage(id string, lock *LockPage) *UndoLockPage {
	inner, _ := json.Marshal(lock)
	env := newEnvelope(id, "Undo", lock.env.Actor, lock.env.To, lock.env.Cc, inner)
	env.Summary = lock.env.Summary
	return &UndoLockPage{base: base{env: env}, Lock: lock}
}

func (a *UndoLockPage) Kind() Kind { return KindUndoLockPage }

func (a *UndoLockPage) Community(ctx context.Context, c *Context) (*types.Community, error) {
	return a.Lock.Community(ctx, c)
}

func (a *UndoLockPage) Verify(ctx context.Context, c *Context) error {
	if err := verifyDomainsMatch(a.env.Actor, a.Lock.env.Actor); err != nil {
		return err
	}
	community, err := a.Community(ctx, c)
	if err != nil {
		return err
	}
	_, err = verifyCommunityAction(ctx, c, a.env.To, a.env.Cc, a.env.Actor, community)
	return err
}

func (a *UndoLockPage) Receive(ctx context.Context, c *Context) error {
	return setLocked(ctx, c, a.env.ID, a.env.Actor, a.Lock.Post, false, a.env.Summary)
}

func setLocked(ctx context.Context, c *Context, activityID, actor, postAPID string, locked bool, reason *string) error {
	post, err := c.Content.GetPost(ctx, postAPID)
	if err != nil {
		return err
	}
	mod, err := c.Content.GetPerson(ctx, actor)
	if err != nil {
		return err
	}
	if post.Locked != locked {
		post.Locked = locked
		if err := c.Content.SavePost(ctx, post); err != nil {
			return err
		}
	}
	_, err = c.Content.AppendModLog(ctx, types.ModLogEntry{
		ActivityAPID: activityID,
		Kind:         types.ModLockPost,
		ModPersonID:  mod.ID,
		TargetAPID:   post.APID,
		Value:        locked,
		Reason:       deref(reason),
		When:         c.now(),
	})
	return err
}

// communityTo addresses a community activity.
func communityTo(community *types.Community) []string {
	if community.Visibility == types.VisibilityPrivate {
		return []string{community.APID}
	}
	return []string{types.PublicAddress}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
