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

var (
	_ Activity    = (*CreateOrUpdateNote)(nil)
	_ inCommunity = (*CreateOrUpdateNote)(nil)
)

// CreateOrUpdateNote creates a comment, or edits one when Update is set.
type CreateOrUpdateNote struct {
	base
	Note   Note
	Update bool
}

// NewCreateNote builds the creation of note.
func NewCreateNote(id string, note Note) *CreateOrUpdateNote {
	return newNoteActivity(id, "Create", note)
}

// NewUpdateNote builds an edit of note.
func NewUpdateNote(id string, note Note) *CreateOrUpdateNote {
	return newNoteActivity(id, "Update", note)
}

func newNoteActivity(id, typ string, note Note) *CreateOrUpdateNote {
	if note.Type == "" {
		note.Type = "Note"
	}
	raw, _ := json.Marshal(note)
	env := newEnvelope(id, typ, note.AttributedTo, note.To, note.Cc, raw)
	return &CreateOrUpdateNote{base: base{env: env}, Note: note, Update: typ == "Update"}
}

func parseNote(env envelope) (*CreateOrUpdateNote, error) {
	var note Note
	if err := json.Unmarshal(env.Object, &note); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidActivity, err)
	}
	if note.ID == "" || note.InReplyTo == "" {
		return nil, fmt.Errorf("%w: note needs id and inReplyTo", ErrInvalidActivity)
	}
	return &CreateOrUpdateNote{base: base{env: env}, Note: note, Update: env.Type == "Update"}, nil
}

func (a *CreateOrUpdateNote) Kind() Kind { return KindCreateOrUpdateNote }

// Community returns the community of the post the note replies under.
func (a *CreateOrUpdateNote) Community(ctx context.Context, c *Context) (*types.Community, error) {
	post, _, _, err := resolveParents(ctx, c, a.Note.InReplyTo)
	if err != nil {
		return nil, err
	}
	return readCommunityByID(ctx, c, post.CommunityID)
}

func (a *CreateOrUpdateNote) Verify(ctx context.Context, c *Context) error {
	if a.Note.AttributedTo != a.env.Actor {
		return reject(ErrNotCreator, "note %s is attributed to %s", a.Note.ID, a.Note.AttributedTo)
	}
	if err := verifyDomainsMatch(a.env.Actor, a.Note.ID); err != nil {
		return err
	}

	post, _, _, err := resolveParents(ctx, c, a.Note.InReplyTo)
	if err != nil {
		return err
	}
	community, err := readCommunityByID(ctx, c, post.CommunityID)
	if err != nil {
		return err
	}
	if err := verifyVisibility(a.env.To, a.env.Cc, community); err != nil {
		return err
	}
	person, err := verifyPersonInCommunity(ctx, c, a.env.Actor, community)
	if err != nil {
		return err
	}
	if err := checkCommunityDeletedOrRemoved(community); err != nil {
		return err
	}
	if post.Deleted || post.Removed {
		return reject(ErrObjectNotFound, "post %s is deleted", post.APID)
	}
	if post.Locked {
		return reject(ErrPostLocked, "%s", post.APID)
	}

	existing, err := c.Content.GetComment(ctx, a.Note.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case err != nil:
		return err
	case existing.CreatorID != person.ID:
		return reject(ErrNotCreator, "%s", a.Note.ID)
	}
	return nil
}

func (a *CreateOrUpdateNote) Receive(ctx context.Context, c *Context) error {
	post, _, depth, err := resolveParents(ctx, c, a.Note.InReplyTo)
	if err != nil {
		return err
	}
	person, err := c.Content.GetPerson(ctx, a.env.Actor)
	if err != nil {
		return err
	}

	updated := c.now()
	if a.Note.Updated != nil {
		updated = *a.Note.Updated
	} else if a.Note.Published != nil {
		updated = *a.Note.Published
	}

	existing, err := c.Content.GetComment(ctx, a.Note.ID)
	switch {
	case err == nil:
		if existing.Content == a.Note.Content {
			return nil
		}
		existing.Content = a.Note.Content
		existing.UpdatedAt = updated
		return c.Content.SaveComment(ctx, existing)
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}

	return c.Content.SaveComment(ctx, &types.Comment{
		APID:       a.Note.ID,
		PostID:     post.ID,
		ParentAPID: a.Note.InReplyTo,
		CreatorID:  person.ID,
		Content:    a.Note.Content,
		Depth:      depth,
		UpdatedAt:  updated,
	})
}

// resolveParents walks a reply chain up to its post. It returns the post,
// the direct parent comment (nil for top level replies) and the number of
// comments in the chain. Chains longer than the max comment depth fail
// with ErrMaxCommentDepth.
func resolveParents(ctx context.Context, c *Context, inReplyTo string) (*types.Post, *types.Comment, int, error) {
	var parent *types.Comment
	cur := inReplyTo
	limit := c.maxDepth()

	for depth := 0; ; depth++ {
		if depth >= limit {
			return nil, nil, 0, reject(ErrMaxCommentDepth, "%s", inReplyTo)
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, 0, err
		}

		post, err := c.Content.GetPost(ctx, cur)
		if err == nil {
			return post, parent, depth, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, nil, 0, err
		}

		comment, err := c.Content.GetComment(ctx, cur)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, 0, reject(ErrObjectNotFound, "parent %s", cur)
		}
		if err != nil {
			return nil, nil, 0, err
		}
		if parent == nil {
			parent = comment
		}
		cur = comment.ParentAPID
	}
}
