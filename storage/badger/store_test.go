// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"testing"

	"github.com/absmach/fluxfed/storage/storagetest"
	"github.com/absmach/fluxfed/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	store, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_Conformance(t *testing.T) {
	for _, compression := range []string{"none", "s2", "zstd"} {
		t.Run("activities/"+compression, func(t *testing.T) {
			storagetest.ActivityLog(t, newTestStore(t, Config{Compression: compression}).Activities())
		})
	}
	t.Run("cursors", func(t *testing.T) {
		storagetest.CursorStore(t, newTestStore(t, Config{}).QueueStates())
	})
	t.Run("instances", func(t *testing.T) {
		storagetest.InstanceStore(t, newTestStore(t, Config{}).Instances())
	})
	t.Run("follows", func(t *testing.T) {
		storagetest.FollowStore(t, newTestStore(t, Config{}).Follows())
	})
	t.Run("content", func(t *testing.T) {
		storagetest.ContentStore(t, newTestStore(t, Config{}).Content())
	})
	t.Run("actors", func(t *testing.T) {
		storagetest.ActorStore(t, newTestStore(t, Config{}).Actors())
	})
}

func TestStore_InvalidCompression(t *testing.T) {
	_, err := New(Config{Dir: t.TempDir(), Compression: "lz4"})
	assert.Error(t, err)
}

func TestStore_Close(t *testing.T) {
	store, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)

	assert.NoError(t, store.Close())
	// Second close should not panic (idempotent)
	assert.NoError(t, store.Close())
}

func TestStore_CursorSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := New(Config{Dir: dir, SyncWrites: true})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := store.Activities().Append(ctx, &types.SentActivity{APID: "https://local.example/a", Data: []byte(`{}`)})
		require.NoError(t, err)
	}
	require.NoError(t, store.QueueStates().SaveState(ctx, types.FederationQueueState{InstanceID: 5, LastSuccessfulID: 2}))
	require.NoError(t, store.Close())

	store, err = New(Config{Dir: dir})
	require.NoError(t, err)
	defer store.Close()

	st, err := store.QueueStates().LoadState(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, types.ActivityID(2), st.LastSuccessfulID)

	latest, err := store.Activities().LatestID(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ActivityID(3), latest)

	id, err := store.Activities().Append(ctx, &types.SentActivity{APID: "https://local.example/b"})
	require.NoError(t, err)
	assert.Equal(t, types.ActivityID(4), id, "ids are never reused across restarts")
}

func TestPayloadCodec(t *testing.T) {
	data := []byte(`{"type":"Create","object":{"content":"hello hello hello hello"}}`)
	for _, name := range []string{"none", "s2", "zstd"} {
		c, err := parseCompression(name)
		require.NoError(t, err)
		out, err := decodePayload(encodePayload(data, c))
		require.NoError(t, err, name)
		assert.Equal(t, data, out, name)
	}

	_, err := decodePayload(nil)
	assert.Error(t, err)
	_, err = decodePayload([]byte{9, 1, 2})
	assert.Error(t, err)
}
