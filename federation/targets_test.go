// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/fluxfed/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetResolver_Inboxes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	x := f.addInstance(t, "x.example")
	y := f.addInstance(t, "y.example")
	z := f.addInstance(t, "z.example")

	public := &types.Community{APID: "https://local.example/c/go", Name: "go", Visibility: types.VisibilityPublic, Local: true}
	require.NoError(t, f.store.Content().SaveCommunity(ctx, public))
	private := &types.Community{APID: "https://local.example/c/secret", Name: "secret", Visibility: types.VisibilityPrivate, Local: true}
	require.NoError(t, f.store.Content().SaveCommunity(ctx, private))

	for _, follow := range []types.Follow{
		{CommunityID: public.ID, PersonID: 1, InstanceID: x.ID, Inbox: "https://x.example/u/1/inbox"},
		{CommunityID: public.ID, PersonID: 2, InstanceID: x.ID, Inbox: "https://x.example/inbox"},
		{CommunityID: public.ID, PersonID: 3, InstanceID: x.ID, Inbox: "https://x.example/inbox"},
		{CommunityID: public.ID, PersonID: 4, InstanceID: y.ID, Inbox: "https://y.example/u/4/inbox"},
		{CommunityID: private.ID, PersonID: 1, InstanceID: x.ID, Inbox: "https://x.example/u/1/inbox"},
		{CommunityID: private.ID, PersonID: 4, InstanceID: y.ID, Inbox: "https://y.example/u/4/inbox", Pending: true},
	} {
		require.NoError(t, f.store.Follows().Follow(ctx, follow))
	}

	r := f.deps.Targets
	blocked := z
	blocked.Blocked = true
	expires := time.Now().Add(time.Hour)
	blocked.BlockExpiresAt = &expires

	tests := []struct {
		name     string
		targets  types.SendTargets
		instance types.Instance
		want     []string
	}{
		{
			name:     "community followers on x",
			targets:  types.SendTargets{CommunityFollowersOf: public.ID},
			instance: x,
			want:     []string{"https://x.example/inbox", "https://x.example/u/1/inbox"},
		},
		{
			name:     "community followers on y",
			targets:  types.SendTargets{CommunityFollowersOf: public.ID},
			instance: y,
			want:     []string{"https://y.example/u/4/inbox"},
		},
		{
			name:     "no follower on z",
			targets:  types.SendTargets{CommunityFollowersOf: public.ID},
			instance: z,
		},
		{
			name:     "private community counts accepted follows only",
			targets:  types.SendTargets{CommunityFollowersOf: private.ID},
			instance: y,
		},
		{
			name:     "private community accepted follower",
			targets:  types.SendTargets{CommunityFollowersOf: private.ID},
			instance: x,
			want:     []string{"https://x.example/u/1/inbox"},
		},
		{
			name:     "direct inboxes filtered by host",
			targets:  types.SendTargets{Inboxes: []string{"https://z.example/u/9/inbox", "https://y.example/u/5/inbox"}},
			instance: z,
			want:     []string{"https://z.example/u/9/inbox"},
		},
		{
			name:     "all instances uses shared inbox",
			targets:  types.SendTargets{AllInstances: true, Inboxes: []string{"https://z.example/inbox"}},
			instance: z,
			want:     []string{"https://z.example/inbox"},
		},
		{
			name:     "blocked instance is never a target",
			targets:  types.SendTargets{AllInstances: true, Inboxes: []string{"https://z.example/u/9/inbox"}},
			instance: blocked,
		},
		{
			name:     "unknown community has no followers",
			targets:  types.SendTargets{CommunityFollowersOf: 999},
			instance: x,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Inboxes(ctx, &types.SentActivity{ID: 1, Targets: tt.targets}, tt.instance)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestManager_CommunityFollowersReceive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	x := f.addInstance(t, "x.example")
	y := f.addInstance(t, "y.example")
	z := f.addInstance(t, "z.example")

	c := &types.Community{APID: "https://local.example/c/go", Name: "go", Visibility: types.VisibilityPublic, Local: true}
	require.NoError(t, f.store.Content().SaveCommunity(ctx, c))
	require.NoError(t, f.store.Follows().Follow(ctx, types.Follow{CommunityID: c.ID, PersonID: 1, InstanceID: x.ID, Inbox: "https://x.example/inbox"}))
	require.NoError(t, f.store.Follows().Follow(ctx, types.Follow{CommunityID: c.ID, PersonID: 2, InstanceID: y.ID, Inbox: "https://y.example/inbox"}))

	m := newTestManager(f)
	require.NoError(t, m.Start(ctx))
	defer func() { assert.NoError(t, m.Shutdown(ctx)) }()

	// Workers create their cursors at the latest id on first start.
	require.Eventually(t, func() bool {
		states, err := f.store.QueueStates().ListStates(ctx)
		return err == nil && len(states) == 3
	}, 2*time.Second, 5*time.Millisecond)

	body := f.appendTo(t, 1, types.SendTargets{CommunityFollowersOf: c.ID})

	require.Eventually(t, func() bool {
		return len(f.sender.getDelivered("https://x.example/inbox")) == 1 &&
			len(f.sender.getDelivered("https://y.example/inbox")) == 1 &&
			f.cursor(t, z).LastSuccessfulID == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, body, f.sender.getDelivered("https://x.example/inbox"))
	assert.Equal(t, body, f.sender.getDelivered("https://y.example/inbox"))
	assert.Empty(t, f.sender.getDelivered("https://z.example/inbox"))
	assert.Equal(t, 2, f.sender.getSendCount())
}
