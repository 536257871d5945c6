// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package apub

import (
	"context"
	"errors"

	"github.com/absmach/fluxfed/storage"
	"github.com/absmach/fluxfed/types"
)

var (
	_ Activity    = (*CollectionRemove)(nil)
	_ inCommunity = (*CollectionRemove)(nil)
)

// CollectionRemove removes a moderator from the moderators collection of
// a community.
type CollectionRemove struct {
	base
	Person string
}

// NewRemoveModerator builds the removal of person from the moderators of
// community.
func NewRemoveModerator(id, actor, person string, community *types.Community) *CollectionRemove {
	env := newEnvelope(id, "Remove", actor, communityTo(community), []string{community.APID}, idRef(person))
	env.Target = moderatorsCollection(community.APID)
	return &CollectionRemove{base: base{env: env}, Person: person}
}

func parseCollectionRemove(env envelope) (*CollectionRemove, error) {
	obj, err := objectRef(env.Object)
	if err != nil {
		return nil, err
	}
	if _, err := communityFromCollection(env.Target); err != nil {
		return nil, err
	}
	return &CollectionRemove{base: base{env: env}, Person: obj.ID}, nil
}

func (a *CollectionRemove) Kind() Kind { return KindCollectionRemove }

// Community returns the community owning the target collection.
func (a *CollectionRemove) Community(ctx context.Context, c *Context) (*types.Community, error) {
	apID, err := communityFromCollection(a.env.Target)
	if err != nil {
		return nil, err
	}
	community, err := c.Content.GetCommunity(ctx, apID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, reject(ErrObjectNotFound, "community %s", apID)
	}
	return community, err
}

func (a *CollectionRemove) Verify(ctx context.Context, c *Context) error {
	community, err := a.Community(ctx, c)
	if err != nil {
		return err
	}
	if _, err := verifyCommunityAction(ctx, c, a.env.To, a.env.Cc, a.env.Actor, community); err != nil {
		return err
	}
	_, err = readPerson(ctx, c, a.Person)
	return err
}

func (a *CollectionRemove) Receive(ctx context.Context, c *Context) error {
	community, err := a.Community(ctx, c)
	if err != nil {
		return err
	}
	removed, err := c.Content.GetPerson(ctx, a.Person)
	if err != nil {
		return err
	}
	mod, err := c.Content.GetPerson(ctx, a.env.Actor)
	if err != nil {
		return err
	}
	if err := c.Content.RemoveModerator(ctx, community.ID, removed.ID); err != nil {
		return err
	}
	_, err = c.Content.AppendModLog(ctx, types.ModLogEntry{
		ActivityAPID: a.env.ID,
		Kind:         types.ModRemoveModerator,
		ModPersonID:  mod.ID,
		TargetAPID:   removed.APID,
		Value:        true,
		When:         c.now(),
	})
	return err
}
