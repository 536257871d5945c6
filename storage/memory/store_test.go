// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"testing"

	"github.com/absmach/fluxfed/storage/storagetest"
	"github.com/absmach/fluxfed/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivityLog(t *testing.T) {
	storagetest.ActivityLog(t, NewActivityLog())
}

func TestCursorStore(t *testing.T) {
	storagetest.CursorStore(t, NewCursorStore())
}

func TestInstanceStore(t *testing.T) {
	storagetest.InstanceStore(t, NewInstanceStore())
}

func TestFollowStore(t *testing.T) {
	storagetest.FollowStore(t, NewFollowStore())
}

func TestContentStore(t *testing.T) {
	storagetest.ContentStore(t, NewContentStore())
}

func TestActorStore(t *testing.T) {
	storagetest.ActorStore(t, NewActorStore())
}

func TestActivityLog_MutationIsolation(t *testing.T) {
	log := NewActivityLog()
	ctx := context.Background()

	a := &types.SentActivity{APID: "https://local.example/activities/1", Data: []byte("hello")}
	id, err := log.Append(ctx, a)
	require.NoError(t, err)

	a.Data[0] = 'x'
	got, err := log.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got.Data))

	got.Data[0] = 'y'
	again, err := log.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(again.Data))
}

func TestStore_Getters(t *testing.T) {
	s := New()
	defer s.Close()

	assert.NotNil(t, s.Activities())
	assert.NotNil(t, s.QueueStates())
	assert.NotNil(t, s.Instances())
	assert.NotNil(t, s.Actors())
	assert.NotNil(t, s.Follows())
	assert.NotNil(t, s.Content())
	assert.Equal(t, s.Activities(), s.Activities())
}
