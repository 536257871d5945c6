// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package apub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/fluxfed/storage"
	"github.com/absmach/fluxfed/types"
)

var _ Activity = (*UpdateActor)(nil)

// actorTypes maps ActivityPub actor object types.
var actorTypes = map[string]types.ActorType{
	"Person":      types.ActorPerson,
	"Group":       types.ActorCommunity,
	"Service":     types.ActorSite,
	"Application": types.ActorSite,
	"Feed":        types.ActorMultiCommunity,
}

// UpdateActor replaces the stored inbox and public key of an actor, e.g.
// after a key rotation. Actors may only update themselves.
type UpdateActor struct {
	base
	object actorObject
}

func parseUpdateActor(env envelope) (*UpdateActor, error) {
	var obj actorObject
	if err := json.Unmarshal(env.Object, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidActivity, err)
	}
	if obj.ID == "" {
		return nil, fmt.Errorf("%w: actor without id", ErrInvalidActivity)
	}
	return &UpdateActor{base: base{env: env}, object: obj}, nil
}

func (a *UpdateActor) Kind() Kind { return KindUpdateActor }

func (a *UpdateActor) Verify(ctx context.Context, c *Context) error {
	if a.object.ID != a.env.Actor {
		return reject(ErrNotCreator, "%s cannot update %s", a.env.Actor, a.object.ID)
	}
	if owner := a.object.PublicKey.Owner; owner != "" && owner != a.object.ID {
		return reject(ErrNotCreator, "key of %s is owned by %s", a.object.ID, owner)
	}
	if err := verifyDomainsMatch(a.env.Actor, a.object.ID); err != nil {
		return err
	}
	existing, err := c.ActorStore.ReadActor(ctx, a.object.ID)
	if err == nil && existing.Local {
		return reject(ErrDomainMismatch, "%s is a local actor", a.object.ID)
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

func (a *UpdateActor) Receive(ctx context.Context, c *Context) error {
	actor, err := c.ActorStore.ReadActor(ctx, a.object.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		actor = &types.Actor{APID: a.object.ID, Type: actorTypes[a.object.Type]}
	case err != nil:
		return err
	}

	if a.object.Inbox != "" {
		actor.Inbox = a.object.Inbox
	}
	if a.object.Endpoints != nil && a.object.Endpoints.SharedInbox != "" {
		actor.SharedInbox = a.object.Endpoints.SharedInbox
	}
	if pem := a.object.PublicKey.PublicKeyPEM; pem != "" {
		actor.PublicKeyPEM = pem
	}
	if err := c.ActorStore.UpsertActor(ctx, actor); err != nil {
		return err
	}
	c.actorChanged(actor.APID)
	return nil
}
