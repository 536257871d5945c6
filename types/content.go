// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import "time"

type (
	CommunityID int64
	PersonID    int64
	PostID      int64
	CommentID   int64
)

// Visibility controls which followers receive community activities.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// PublicAddress is the ActivityStreams public collection.
const PublicAddress = "https://www.w3.org/ns/activitystreams#Public"

// Actor is the signing identity of a site, person or community.
type Actor struct {
	APID          string     `json:"ap_id"`
	Type          ActorType  `json:"type"`
	InstanceID    InstanceID `json:"instance_id"`
	Inbox         string     `json:"inbox"`
	SharedInbox   string     `json:"shared_inbox,omitempty"`
	PublicKeyPEM  string     `json:"public_key_pem"`
	PrivateKeyPEM string     `json:"private_key_pem,omitempty"`
	Local         bool       `json:"local"`
}

// KeyID returns the HTTP signature key id of the actor.
func (a Actor) KeyID() string {
	return a.APID + "#main-key"
}

type Community struct {
	ID         CommunityID `json:"id"`
	APID       string      `json:"ap_id"`
	InstanceID InstanceID  `json:"instance_id"`
	Name       string      `json:"name"`
	Visibility Visibility  `json:"visibility"`
	Deleted    bool        `json:"deleted"`
	Removed    bool        `json:"removed"`
	Local      bool        `json:"local"`
}

type Person struct {
	ID         PersonID   `json:"id"`
	APID       string     `json:"ap_id"`
	InstanceID InstanceID `json:"instance_id"`
	Name       string     `json:"name"`
	Admin      bool       `json:"admin"`
	Deleted    bool       `json:"deleted"`
	Banned     bool       `json:"banned"`
	Local      bool       `json:"local"`
}

type Post struct {
	ID          PostID      `json:"id"`
	APID        string      `json:"ap_id"`
	CommunityID CommunityID `json:"community_id"`
	CreatorID   PersonID    `json:"creator_id"`
	Title       string      `json:"title"`
	Locked      bool        `json:"locked"`
	Deleted     bool        `json:"deleted"`
	Removed     bool        `json:"removed"`
}

// Comment is a reply to a post or to another comment. ParentAPID points at
// the direct parent, which is the post for top level comments.
type Comment struct {
	ID         CommentID `json:"id"`
	APID       string    `json:"ap_id"`
	PostID     PostID    `json:"post_id"`
	ParentAPID string    `json:"parent_ap_id"`
	CreatorID  PersonID  `json:"creator_id"`
	Content    string    `json:"content"`
	Depth      int       `json:"depth"`
	Deleted    bool      `json:"deleted"`
	Removed    bool      `json:"removed"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Follow links a (usually remote) person to a community. Pending follows
// of private communities have not been approved yet.
type Follow struct {
	CommunityID CommunityID `json:"community_id"`
	PersonID    PersonID    `json:"person_id"`
	InstanceID  InstanceID  `json:"instance_id"`
	Inbox       string      `json:"inbox"`
	Pending     bool        `json:"pending"`
}

// ModLogKind names a moderation action.
type ModLogKind string

const (
	ModLockPost        ModLogKind = "lock_post"
	ModRemovePost      ModLogKind = "remove_post"
	ModRemoveComment   ModLogKind = "remove_comment"
	ModRemoveCommunity ModLogKind = "remove_community"
	ModRemoveModerator ModLogKind = "remove_moderator"
)

// ModLogEntry records a moderation action. ActivityAPID is the dedupe key,
// so replaying an activity never adds a second row.
type ModLogEntry struct {
	ActivityAPID string     `json:"activity_ap_id"`
	Kind         ModLogKind `json:"kind"`
	ModPersonID  PersonID   `json:"mod_person_id"`
	TargetAPID   string     `json:"target_ap_id"`
	Value        bool       `json:"value"`
	Reason       string     `json:"reason,omitempty"`
	When         time.Time  `json:"when"`
}
