// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package types holds the federation data model shared by storage, the
// delivery engine and the activity handlers.
package types

import (
	"net/url"
	"strings"
	"time"
)

// ActivityID is the monotonic id assigned by the activity log.
// Holes are possible; ids are never reused.
type ActivityID int64

// ActorType identifies which table an actor lives in.
type ActorType string

const (
	ActorSite           ActorType = "site"
	ActorPerson         ActorType = "person"
	ActorCommunity      ActorType = "community"
	ActorMultiCommunity ActorType = "multi_community"
)

// SentActivity is a locally originated activity queued for federation.
// It is immutable once appended to the log.
type SentActivity struct {
	ID          ActivityID  `json:"id"`
	APID        string      `json:"ap_id"`
	ActorAPID   string      `json:"actor_ap_id"`
	ActorType   ActorType   `json:"actor_type"`
	Data        []byte      `json:"data"`
	Targets     SendTargets `json:"send_targets"`
	Sensitive   bool        `json:"sensitive"`
	PublishedAt time.Time   `json:"published_at"`
}

// SendTargets describes who must receive an activity.
// Inboxes come from the to/cc addressing; CommunityFollowersOf names the
// community whose follower instances must also receive it.
type SendTargets struct {
	Inboxes              []string    `json:"inboxes,omitempty"`
	CommunityFollowersOf CommunityID `json:"community_followers_of,omitempty"`
	AllInstances         bool        `json:"all_instances,omitempty"`
}

// AddInbox adds an inbox URL, ignoring duplicates.
func (t *SendTargets) AddInbox(inbox string) {
	for _, existing := range t.Inboxes {
		if existing == inbox {
			return
		}
	}
	t.Inboxes = append(t.Inboxes, inbox)
}

// Empty reports whether the targets address nobody.
func (t SendTargets) Empty() bool {
	return len(t.Inboxes) == 0 && t.CommunityFollowersOf == 0 && !t.AllInstances
}

// HostOf returns the lower-cased host of a URL, or "" if it cannot be parsed.
func HostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
