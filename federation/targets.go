// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/absmach/fluxfed/storage"
	"github.com/absmach/fluxfed/types"
)

// TargetResolver computes which inboxes of one destination instance must
// receive an activity. It runs per (activity, destination) at delivery
// time, so follower changes after the activity was created still apply.
type TargetResolver struct {
	follows storage.FollowStore
	content storage.ContentStore
}

// NewTargetResolver creates a resolver.
func NewTargetResolver(follows storage.FollowStore, content storage.ContentStore) *TargetResolver {
	return &TargetResolver{follows: follows, content: content}
}

// Inboxes returns the sorted, de-duplicated inboxes on inst that must
// receive a. An empty result means inst is not a target. Blocked and dead
// instances never are.
func (r *TargetResolver) Inboxes(ctx context.Context, a *types.SentActivity, inst types.Instance) ([]string, error) {
	if a == nil || !inst.Live() {
		return nil, nil
	}

	set := make(map[string]struct{})
	for _, inbox := range a.Targets.Inboxes {
		if types.HostOf(inbox) == inst.Domain {
			set[inbox] = struct{}{}
		}
	}

	if a.Targets.AllInstances {
		set[inst.SharedInbox()] = struct{}{}
	}

	if id := a.Targets.CommunityFollowersOf; id != 0 {
		community, err := r.content.GetCommunityByID(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			// Unknown community: there are no followers to address.
		case err != nil:
			return nil, fmt.Errorf("failed to read community %d: %w", id, err)
		default:
			acceptedOnly := community.Visibility == types.VisibilityPrivate
			inboxes, err := r.follows.FollowerInboxes(ctx, id, inst.ID, acceptedOnly)
			if err != nil {
				return nil, fmt.Errorf("failed to read followers of community %d: %w", id, err)
			}
			for _, inbox := range inboxes {
				set[inbox] = struct{}{}
			}
		}
	}

	if len(set) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(set))
	for inbox := range set {
		out = append(out, inbox)
	}
	sort.Strings(out)
	return out, nil
}
