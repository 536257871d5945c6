// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package apub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/absmach/fluxfed/storage"
	"github.com/absmach/fluxfed/types"
)

// verifyVisibility checks the addressing of a community activity. Public
// communities must be addressed publicly or directly, private ones only
// directly.
func verifyVisibility(to, cc Addresses, community *types.Community) error {
	direct := to.Contains(community.APID) || cc.Contains(community.APID)
	public := to.Contains(types.PublicAddress) || cc.Contains(types.PublicAddress)

	if community.Visibility == types.VisibilityPrivate {
		if public || !direct {
			return reject(ErrVisibility, "private community %s", community.APID)
		}
		return nil
	}
	if !public && !direct {
		return reject(ErrVisibility, "community %s", community.APID)
	}
	return nil
}

// verifyPersonInCommunity loads the actor and checks it may act in the
// community.
func verifyPersonInCommunity(ctx context.Context, c *Context, actor string, community *types.Community) (*types.Person, error) {
	person, err := readPerson(ctx, c, actor)
	if err != nil {
		return nil, err
	}
	if person.Deleted || person.Banned {
		return nil, reject(ErrBanned, "%s", actor)
	}
	banned, err := c.Content.IsBannedFromCommunity(ctx, community.ID, person.ID)
	if err != nil {
		return nil, err
	}
	if banned {
		return nil, reject(ErrBanned, "%s from %s", actor, community.APID)
	}
	return person, nil
}

func checkCommunityDeletedOrRemoved(community *types.Community) error {
	if community.Deleted || community.Removed {
		return reject(ErrCommunityDeleted, "%s", community.APID)
	}
	return nil
}

// verifyModAction accepts moderators of the community and admins of the
// instance hosting it.
func verifyModAction(ctx context.Context, c *Context, person *types.Person, community *types.Community) error {
	isMod, err := c.Content.IsModerator(ctx, community.ID, person.ID)
	if err != nil {
		return err
	}
	if isMod {
		return nil
	}
	if person.Admin && types.HostOf(person.APID) == types.HostOf(community.APID) {
		return nil
	}
	return reject(ErrNotModerator, "%s in %s", person.APID, community.APID)
}

func verifyDomainsMatch(a, b string) error {
	ha, hb := types.HostOf(a), types.HostOf(b)
	if ha == "" || ha != hb {
		return reject(ErrDomainMismatch, "%s and %s", a, b)
	}
	return nil
}

func readPerson(ctx context.Context, c *Context, apID string) (*types.Person, error) {
	person, err := c.Content.GetPerson(ctx, apID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, reject(ErrUnknownActor, "%s", apID)
	}
	return person, err
}

func readCommunityByID(ctx context.Context, c *Context, id types.CommunityID) (*types.Community, error) {
	community, err := c.Content.GetCommunityByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, reject(ErrObjectNotFound, "community %d", id)
	}
	return community, err
}

func readPost(ctx context.Context, c *Context, apID string) (*types.Post, error) {
	post, err := c.Content.GetPost(ctx, apID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, reject(ErrObjectNotFound, "post %s", apID)
	}
	return post, err
}

// verifyCommunityAction runs the checks shared by moderation activities:
// visibility, membership, community state and moderator rights.
func verifyCommunityAction(ctx context.Context, c *Context, to, cc Addresses, actor string, community *types.Community) (*types.Person, error) {
	if err := verifyVisibility(to, cc, community); err != nil {
		return nil, err
	}
	person, err := verifyPersonInCommunity(ctx, c, actor, community)
	if err != nil {
		return nil, err
	}
	if err := checkCommunityDeletedOrRemoved(community); err != nil {
		return nil, err
	}
	if err := verifyModAction(ctx, c, person, community); err != nil {
		return nil, err
	}
	return person, nil
}

// moderatorsCollection returns the moderators collection of a community.
func moderatorsCollection(communityAPID string) string {
	return strings.TrimSuffix(communityAPID, "/") + "/moderators"
}

func communityFromCollection(collection string) (string, error) {
	apID, ok := strings.CutSuffix(collection, "/moderators")
	if !ok || apID == "" {
		return "", fmt.Errorf("%w: unsupported collection %s", ErrInvalidActivity, collection)
	}
	return apID, nil
}
