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
	_ Activity = (*Delete)(nil)
	_ Activity = (*UndoDelete)(nil)
)

// Delete deletes an object by its author, or removes it by a moderator
// when a summary (the removal reason, possibly empty) is present. Deleting
// oneself deletes the account.
type Delete struct {
	base
	Object string
}

// NewDelete builds a delete of object by its author.
func NewDelete(id, actor, object string, to, cc []string) *Delete {
	return &Delete{base: base{env: newEnvelope(id, "Delete", actor, to, cc, idRef(object))}, Object: object}
}

// NewRemove builds a moderator removal of object.
func NewRemove(id, actor, object string, community *types.Community, reason string) *Delete {
	d := NewDelete(id, actor, object, communityTo(community), []string{community.APID})
	d.env.Summary = &reason
	return d
}

func parseDelete(env envelope) (*Delete, error) {
	obj, err := objectRef(env.Object)
	if err != nil {
		return nil, err
	}
	return &Delete{base: base{env: env}, Object: obj.ID}, nil
}

func (a *Delete) Kind() Kind { return KindDelete }

// IsRemoval reports whether this is a moderator removal.
func (a *Delete) IsRemoval() bool {
	return a.env.Summary != nil
}

func (a *Delete) Verify(ctx context.Context, c *Context) error {
	return verifyDelete(ctx, c, &a.env, a.Object, a.IsRemoval())
}

func (a *Delete) Receive(ctx context.Context, c *Context) error {
	return applyDelete(ctx, c, a.env.ID, a.env.Actor, a.Object, a.IsRemoval(), true, deref(a.env.Summary))
}

// UndoDelete restores a deleted or removed object.
type UndoDelete struct {
	base
	Delete *Delete
}

// NewUndoDelete wraps d in an Undo.
func NewUndoDelete(id string, d *Delete) *UndoDelete {
	inner, _ := json.Marshal(d)
	env := newEnvelope(id, "Undo", d.env.Actor, d.env.To, d.env.Cc, inner)
	return &UndoDelete{base: base{env: env}, Delete: d}
}

func (a *UndoDelete) Kind() Kind { return KindUndoDelete }

func (a *UndoDelete) Verify(ctx context.Context, c *Context) error {
	if err := verifyDomainsMatch(a.env.Actor, a.Delete.env.Actor); err != nil {
		return err
	}
	return verifyDelete(ctx, c, &a.env, a.Delete.Object, a.Delete.IsRemoval())
}

func (a *UndoDelete) Receive(ctx context.Context, c *Context) error {
	return applyDelete(ctx, c, a.env.ID, a.env.Actor, a.Delete.Object, a.Delete.IsRemoval(), false, deref(a.env.Summary))
}

// deletable is the local object a delete refers to; exactly one is set.
type deletable struct {
	community *types.Community
	post      *types.Post
	comment   *types.Comment
	person    *types.Person
}

func readDeletable(ctx context.Context, c *Context, apID string) (deletable, error) {
	if community, err := c.Content.GetCommunity(ctx, apID); err == nil {
		return deletable{community: community}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return deletable{}, err
	}
	if post, err := c.Content.GetPost(ctx, apID); err == nil {
		return deletable{post: post}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return deletable{}, err
	}
	if comment, err := c.Content.GetComment(ctx, apID); err == nil {
		return deletable{comment: comment}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return deletable{}, err
	}
	if person, err := c.Content.GetPerson(ctx, apID); err == nil {
		return deletable{person: person}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return deletable{}, err
	}
	return deletable{}, reject(ErrObjectNotFound, "%s", apID)
}

// parentCommunity returns the community a post or comment belongs to.
func (d deletable) parentCommunity(ctx context.Context, c *Context) (*types.Community, error) {
	post := d.post
	if d.comment != nil {
		p, _, _, err := resolveParents(ctx, c, d.comment.ParentAPID)
		if err != nil {
			return nil, err
		}
		post = p
	}
	return readCommunityByID(ctx, c, post.CommunityID)
}

func verifyDelete(ctx context.Context, c *Context, env *envelope, object string, remove bool) error {
	d, err := readDeletable(ctx, c, object)
	if err != nil {
		return err
	}

	switch {
	case d.person != nil:
		if remove || object != env.Actor {
			return reject(ErrNotCreator, "%s cannot delete account %s", env.Actor, object)
		}
		return verifyDomainsMatch(env.Actor, object)

	case d.community != nil:
		community := d.community
		person, err := readPerson(ctx, c, env.Actor)
		if err != nil {
			return err
		}
		if remove {
			if community.Local {
				return reject(ErrLocalCommunity, "%s", community.APID)
			}
			if !person.Admin || types.HostOf(person.APID) != types.HostOf(community.APID) {
				return reject(ErrNotModerator, "%s is not an admin of %s", person.APID, types.HostOf(community.APID))
			}
			return nil
		}
		if err := verifyDomainsMatch(env.Actor, community.APID); err != nil {
			return err
		}
		return verifyModAction(ctx, c, person, community)
	}

	community, err := d.parentCommunity(ctx, c)
	if err != nil {
		return err
	}
	if err := verifyVisibility(env.To, env.Cc, community); err != nil {
		return err
	}
	person, err := verifyPersonInCommunity(ctx, c, env.Actor, community)
	if err != nil {
		return err
	}
	if err := checkCommunityDeletedOrRemoved(community); err != nil {
		return err
	}
	if remove {
		return verifyModAction(ctx, c, person, community)
	}

	if err := verifyDomainsMatch(env.Actor, object); err != nil {
		return err
	}
	var creator types.PersonID
	if d.post != nil {
		creator = d.post.CreatorID
	} else {
		creator = d.comment.CreatorID
	}
	if creator != person.ID {
		return reject(ErrNotCreator, "%s", object)
	}
	return nil
}

// applyDelete sets (value=true) or clears the deleted or removed flag of
// the object. Removals are recorded in the mod log.
func applyDelete(ctx context.Context, c *Context, activityID, actor, object string, remove, value bool, reason string) error {
	d, err := readDeletable(ctx, c, object)
	if err != nil {
		return err
	}

	var kind types.ModLogKind
	switch {
	case d.person != nil:
		if d.person.Deleted != value {
			d.person.Deleted = value
			if err := c.Content.SavePerson(ctx, d.person); err != nil {
				return err
			}
		}
		c.actorChanged(d.person.APID)
		return nil

	case d.community != nil:
		kind = types.ModRemoveCommunity
		changed := setFlag(&d.community.Deleted, &d.community.Removed, remove, value)
		if changed {
			if err := c.Content.SaveCommunity(ctx, d.community); err != nil {
				return err
			}
		}

	case d.post != nil:
		kind = types.ModRemovePost
		if setFlag(&d.post.Deleted, &d.post.Removed, remove, value) {
			if err := c.Content.SavePost(ctx, d.post); err != nil {
				return err
			}
		}

	case d.comment != nil:
		kind = types.ModRemoveComment
		if setFlag(&d.comment.Deleted, &d.comment.Removed, remove, value) {
			if err := c.Content.SaveComment(ctx, d.comment); err != nil {
				return err
			}
		}
	}

	if !remove {
		return nil
	}
	mod, err := c.Content.GetPerson(ctx, actor)
	if err != nil {
		return err
	}
	_, err = c.Content.AppendModLog(ctx, types.ModLogEntry{
		ActivityAPID: activityID,
		Kind:         kind,
		ModPersonID:  mod.ID,
		TargetAPID:   object,
		Value:        value,
		Reason:       reason,
		When:         c.now(),
	})
	return err
}

// setFlag sets removed when remove is true, deleted otherwise, and
// reports whether the flag changed.
func setFlag(deleted, removed *bool, remove, value bool) bool {
	flag := deleted
	if remove {
		flag = removed
	}
	if *flag == value {
		return false
	}
	*flag = value
	return true
}
