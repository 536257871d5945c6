// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package apub

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/absmach/fluxfed/storage"
	"github.com/absmach/fluxfed/types"
)

var (
	_ Activity    = (*Follow)(nil)
	_ Activity    = (*UndoFollow)(nil)
	_ inCommunity = (*Follow)(nil)
	_ inCommunity = (*UndoFollow)(nil)
)

// Follow subscribes a person to a community. Follows of private
// communities stay pending until approved.
type Follow struct {
	base
	CommunityAPID string
}

// NewFollow builds a follow of community by actor.
func NewFollow(id, actor, community string) *Follow {
	env := newEnvelope(id, "Follow", actor, []string{community}, nil, idRef(community))
	return &Follow{base: base{env: env}, CommunityAPID: community}
}

func parseFollow(env envelope) (*Follow, error) {
	obj, err := objectRef(env.Object)
	if err != nil {
		return nil, err
	}
	return &Follow{base: base{env: env}, CommunityAPID: obj.ID}, nil
}

func (a *Follow) Kind() Kind { return KindFollow }

// Community returns the followed community.
func (a *Follow) Community(ctx context.Context, c *Context) (*types.Community, error) {
	community, err := c.Content.GetCommunity(ctx, a.CommunityAPID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, reject(ErrObjectNotFound, "community %s", a.CommunityAPID)
	}
	return community, err
}

func (a *Follow) Verify(ctx context.Context, c *Context) error {
	community, err := a.Community(ctx, c)
	if err != nil {
		return err
	}
	if err := checkCommunityDeletedOrRemoved(community); err != nil {
		return err
	}
	if _, err := verifyPersonInCommunity(ctx, c, a.env.Actor, community); err != nil {
		return err
	}
	actor, err := c.Actors.Actor(ctx, a.env.Actor)
	if errors.Is(err, storage.ErrNotFound) {
		return reject(ErrUnknownActor, "%s", a.env.Actor)
	}
	if err != nil {
		return err
	}
	if actor.Inbox == "" && actor.SharedInbox == "" {
		return reject(ErrFollowNotPermitted, "%s has no inbox", a.env.Actor)
	}
	return nil
}

func (a *Follow) Receive(ctx context.Context, c *Context) error {
	community, err := a.Community(ctx, c)
	if err != nil {
		return err
	}
	person, err := c.Content.GetPerson(ctx, a.env.Actor)
	if err != nil {
		return err
	}
	actor, err := c.Actors.Actor(ctx, a.env.Actor)
	if err != nil {
		return err
	}

	instanceID := actor.InstanceID
	if instanceID == 0 {
		instanceID, err = c.Instances.Upsert(ctx, types.Instance{Domain: types.HostOf(actor.APID), UpdatedAt: c.now()})
		if err != nil {
			return err
		}
	}
	inbox := actor.SharedInbox
	if inbox == "" {
		inbox = actor.Inbox
	}

	return c.Follows.Follow(ctx, types.Follow{
		CommunityID: community.ID,
		PersonID:    person.ID,
		InstanceID:  instanceID,
		Inbox:       inbox,
		Pending:     community.Visibility == types.VisibilityPrivate,
	})
}

// UndoFollow unsubscribes a person from a community.
type UndoFollow struct {
	base
	Follow *Follow
}

// NewUndoFollow wraps f in an Undo.
func NewUndoFollow(id string, f *Follow) *UndoFollow {
	inner, _ := json.Marshal(f)
	env := newEnvelope(id, "Undo", f.env.Actor, f.env.To, f.env.Cc, inner)
	return &UndoFollow{base: base{env: env}, Follow: f}
}

func (a *UndoFollow) Kind() Kind { return KindUndoFollow }

func (a *UndoFollow) Community(ctx context.Context, c *Context) (*types.Community, error) {
	return a.Follow.Community(ctx, c)
}

func (a *UndoFollow) Verify(ctx context.Context, c *Context) error {
	if err := verifyDomainsMatch(a.env.Actor, a.Follow.env.Actor); err != nil {
		return err
	}
	if _, err := a.Community(ctx, c); err != nil {
		return err
	}
	_, err := readPerson(ctx, c, a.env.Actor)
	return err
}

func (a *UndoFollow) Receive(ctx context.Context, c *Context) error {
	community, err := a.Community(ctx, c)
	if err != nil {
		return err
	}
	person, err := c.Content.GetPerson(ctx, a.env.Actor)
	if err != nil {
		return err
	}
	return c.Follows.Unfollow(ctx, community.ID, person.ID)
}
