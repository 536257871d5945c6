// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storagetest holds behaviour tests shared by every storage backend.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/fluxfed/storage"
	"github.com/absmach/fluxfed/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ActivityLog checks the append-only log contract against an empty log.
func ActivityLog(t *testing.T, log storage.ActivityLog) {
	t.Helper()
	ctx := context.Background()

	latest, err := log.LatestID(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ActivityID(0), latest)

	old := time.Now().Add(-10 * 24 * time.Hour).UTC()
	var ids []types.ActivityID
	for i := 0; i < 5; i++ {
		a := &types.SentActivity{
			APID:      "https://local.example/activities/" + string(rune('a'+i)),
			ActorAPID: "https://local.example/u/alice",
			ActorType: types.ActorPerson,
			Data:      []byte(`{"type":"Create"}`),
			Targets: types.SendTargets{
				Inboxes:              []string{"https://remote.example/inbox"},
				CommunityFollowersOf: 7,
			},
		}
		if i < 2 {
			a.PublishedAt = old
		}
		id, err := log.Append(ctx, a)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1], "ids must strictly increase")
	}

	got, err := log.Read(ctx, ids[2])
	require.NoError(t, err)
	assert.Equal(t, ids[2], got.ID)
	assert.Equal(t, `{"type":"Create"}`, string(got.Data))
	assert.Equal(t, []string{"https://remote.example/inbox"}, got.Targets.Inboxes)
	assert.Equal(t, types.CommunityID(7), got.Targets.CommunityFollowersOf)

	_, err = log.Read(ctx, ids[4]+100)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	batch, err := log.ReadBatch(ctx, ids[0], 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, ids[1], batch[0].ID)
	assert.Equal(t, ids[2], batch[1].ID)

	latest, err = log.LatestID(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids[4], latest)

	n, err := log.PruneBefore(ctx, time.Now().Add(-7*24*time.Hour), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = log.PruneBefore(ctx, time.Now().Add(-7*24*time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = log.Read(ctx, ids[0])
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = log.Read(ctx, ids[2])
	assert.NoError(t, err)

	// Pruning never lowers the latest id.
	latest, err = log.LatestID(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids[4], latest)
}

// CursorStore checks durability-independent cursor semantics.
func CursorStore(t *testing.T, cs storage.CursorStore) {
	t.Helper()
	ctx := context.Background()

	_, err := cs.LoadState(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	now := time.Now().UTC().Truncate(time.Millisecond)
	st := types.FederationQueueState{InstanceID: 1, LastSuccessfulID: 10, LastRetryAt: now}
	require.NoError(t, cs.SaveState(ctx, st))
	require.NoError(t, cs.SaveState(ctx, types.FederationQueueState{InstanceID: 2, LastSuccessfulID: 3}))

	got, err := cs.LoadState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.ActivityID(10), got.LastSuccessfulID)
	assert.True(t, now.Equal(got.LastRetryAt))

	st.FailCount = 4
	require.NoError(t, cs.SaveState(ctx, st), "same cursor with new fail count is allowed")

	st.LastSuccessfulID = 9
	assert.ErrorIs(t, cs.SaveState(ctx, st), storage.ErrCursorRegress)

	all, err := cs.ListStates(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, types.InstanceID(1), all[0].InstanceID)
	assert.Equal(t, 4, all[0].FailCount)
	assert.Equal(t, types.ActivityID(10), all[0].LastSuccessfulID)
}

// InstanceStore checks the instance directory and blocklist.
func InstanceStore(t *testing.T, is storage.InstanceStore) {
	t.Helper()
	ctx := context.Background()

	a, err := is.Upsert(ctx, types.Instance{Domain: "A.example"})
	require.NoError(t, err)
	b, err := is.Upsert(ctx, types.Instance{Domain: "b.example", Software: "lemmy"})
	require.NoError(t, err)
	again, err := is.Upsert(ctx, types.Instance{Domain: "a.example", Version: "1.0"})
	require.NoError(t, err)
	assert.Equal(t, a, again)
	assert.NotEqual(t, a, b)

	inst, err := is.GetByDomain(ctx, "a.example")
	require.NoError(t, err)
	assert.Equal(t, "1.0", inst.Version)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, is.Block(ctx, a, &past, types.BlockManual))
	require.NoError(t, is.Block(ctx, b, nil, types.BlockBlocklist))

	inst, err = is.Get(ctx, a)
	require.NoError(t, err)
	assert.True(t, inst.Blocked)
	assert.Equal(t, types.BlockManual, inst.BlockSource)
	assert.False(t, inst.Live())

	n, err := is.PruneExpiredBlocks(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	inst, err = is.Get(ctx, a)
	require.NoError(t, err)
	assert.False(t, inst.Blocked)
	assert.Empty(t, inst.BlockSource)

	inst, err = is.Get(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, types.BlockBlocklist, inst.BlockSource)

	require.NoError(t, is.Unblock(ctx, b))
	require.NoError(t, is.SetDead(ctx, b, true))
	inst, err = is.Get(ctx, b)
	require.NoError(t, err)
	assert.True(t, inst.Dead)
	assert.False(t, inst.Blocked)
	assert.Empty(t, inst.BlockSource)

	list, err := is.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	assert.ErrorIs(t, is.SetDead(ctx, 999, true), storage.ErrNotFound)
	_, err = is.Get(ctx, 999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// FollowStore checks follower inbox resolution.
func FollowStore(t *testing.T, fs storage.FollowStore) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, fs.Follow(ctx, types.Follow{CommunityID: 1, PersonID: 1, InstanceID: 2, Inbox: "https://x.example/inbox"}))
	require.NoError(t, fs.Follow(ctx, types.Follow{CommunityID: 1, PersonID: 2, InstanceID: 2, Inbox: "https://x.example/inbox"}))
	require.NoError(t, fs.Follow(ctx, types.Follow{CommunityID: 1, PersonID: 3, InstanceID: 2, Inbox: "https://x.example/u/c/inbox", Pending: true}))
	require.NoError(t, fs.Follow(ctx, types.Follow{CommunityID: 1, PersonID: 4, InstanceID: 3, Inbox: "https://y.example/inbox"}))

	inboxes, err := fs.FollowerInboxes(ctx, 1, 2, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://x.example/inbox", "https://x.example/u/c/inbox"}, inboxes)

	inboxes, err = fs.FollowerInboxes(ctx, 1, 2, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://x.example/inbox"}, inboxes)

	require.NoError(t, fs.Unfollow(ctx, 1, 4))
	inboxes, err = fs.FollowerInboxes(ctx, 1, 3, false)
	require.NoError(t, err)
	assert.Empty(t, inboxes)
}

// ContentStore checks the content and mod log operations.
func ContentStore(t *testing.T, cs storage.ContentStore) {
	t.Helper()
	ctx := context.Background()

	c := &types.Community{APID: "https://local.example/c/go", Name: "go", Visibility: types.VisibilityPublic}
	require.NoError(t, cs.SaveCommunity(ctx, c))
	require.NotZero(t, c.ID)

	byID, err := cs.GetCommunityByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.APID, byID.APID)

	c.Removed = true
	id := c.ID
	require.NoError(t, cs.SaveCommunity(ctx, c))
	assert.Equal(t, id, c.ID)
	got, err := cs.GetCommunity(ctx, c.APID)
	require.NoError(t, err)
	assert.True(t, got.Removed)

	p := &types.Person{APID: "https://local.example/u/alice"}
	require.NoError(t, cs.SavePerson(ctx, p))
	require.NotZero(t, p.ID)

	post := &types.Post{APID: "https://local.example/post/1", CommunityID: c.ID, CreatorID: p.ID}
	require.NoError(t, cs.SavePost(ctx, post))
	cm := &types.Comment{APID: "https://local.example/comment/1", PostID: post.ID, ParentAPID: post.APID, CreatorID: p.ID}
	require.NoError(t, cs.SaveComment(ctx, cm))
	gotCm, err := cs.GetComment(ctx, cm.APID)
	require.NoError(t, err)
	assert.Equal(t, post.APID, gotCm.ParentAPID)

	_, err = cs.GetPost(ctx, "https://nope.example/post/1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	ok, err := cs.IsModerator(ctx, c.ID, p.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, cs.AddModerator(ctx, c.ID, p.ID))
	ok, err = cs.IsModerator(ctx, c.ID, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, cs.RemoveModerator(ctx, c.ID, p.ID))
	ok, err = cs.IsModerator(ctx, c.ID, p.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cs.BanFromCommunity(ctx, c.ID, p.ID))
	ok, err = cs.IsBannedFromCommunity(ctx, c.ID, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	entry := types.ModLogEntry{ActivityAPID: "https://remote.example/activities/1", Kind: types.ModLockPost, TargetAPID: post.APID, Value: true}
	inserted, err := cs.AppendModLog(ctx, entry)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = cs.AppendModLog(ctx, entry)
	require.NoError(t, err)
	assert.False(t, inserted)
	log, err := cs.ModLog(ctx)
	require.NoError(t, err)
	assert.Len(t, log, 1)

	seen, err := cs.ReceivedActivity(ctx, entry.ActivityAPID)
	require.NoError(t, err)
	assert.False(t, seen)
	require.NoError(t, cs.MarkReceived(ctx, entry.ActivityAPID, time.Now()))
	seen, err = cs.ReceivedActivity(ctx, entry.ActivityAPID)
	require.NoError(t, err)
	assert.True(t, seen)
}

// ActorStore checks actor reads and writes.
func ActorStore(t *testing.T, as storage.ActorStore) {
	t.Helper()
	ctx := context.Background()

	_, err := as.ReadActor(ctx, "https://remote.example/u/bob")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	actor := &types.Actor{APID: "https://remote.example/u/bob", Type: types.ActorPerson, Inbox: "https://remote.example/u/bob/inbox", PublicKeyPEM: "pem"}
	require.NoError(t, as.UpsertActor(ctx, actor))
	got, err := as.ReadActor(ctx, actor.APID)
	require.NoError(t, err)
	assert.Equal(t, *actor, *got)
}
