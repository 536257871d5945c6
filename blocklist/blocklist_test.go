// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package blocklist

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxfed/storage/memory"
	"github.com/absmach/fluxfed/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingNotifier struct {
	n atomic.Int32
}

func (c *countingNotifier) Notify() {
	c.n.Add(1)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func blocked(t *testing.T, store *memory.Store, domain string) bool {
	t.Helper()
	inst, err := store.Instances().GetByDomain(context.Background(), domain)
	if err != nil {
		return false
	}
	return inst.Blocked
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		f, err := Load(filepath.Join(dir, "missing.yaml"))
		require.NoError(t, err)
		assert.Empty(t, f.Blocked)
	})

	t.Run("normalizes domains", func(t *testing.T) {
		path := filepath.Join(dir, "list.yaml")
		writeFile(t, path, `
blocked:
  - domain: " Spam.Example "
    reason: spam
  - domain: temp.example
    expires: 2030-01-01T00:00:00Z
`)
		f, err := Load(path)
		require.NoError(t, err)
		require.Len(t, f.Blocked, 2)
		assert.Equal(t, "spam.example", f.Blocked[0].Domain)
		assert.Equal(t, "spam", f.Blocked[0].Reason)
		require.NotNil(t, f.Blocked[1].Expires)
		assert.Equal(t, 2030, f.Blocked[1].Expires.Year())
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		writeFile(t, path, "blocked: [")
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("empty domain", func(t *testing.T) {
		path := filepath.Join(dir, "empty.yaml")
		writeFile(t, path, "blocked:\n  - reason: nothing\n")
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestSync(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	notifier := &countingNotifier{}
	path := filepath.Join(t.TempDir(), "blocklist.yaml")

	// Blocked by an admin, not by the file.
	manual, err := store.Instances().Upsert(ctx, types.Instance{Domain: "manual.example"})
	require.NoError(t, err)
	require.NoError(t, store.Instances().Block(ctx, manual, nil, types.BlockManual))

	writeFile(t, path, `
blocked:
  - domain: spam.example
  - domain: old.example
    expires: 2000-01-01T00:00:00Z
`)
	w := New(path, store.Instances(), notifier, nil)

	changed, err := w.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.True(t, blocked(t, store, "spam.example"), "unknown domains are created blocked")
	assert.False(t, blocked(t, store, "old.example"), "expired entries are ignored")
	assert.Equal(t, int32(1), notifier.n.Load())

	changed, err = w.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, changed)
	assert.Equal(t, int32(1), notifier.n.Load(), "no-op syncs do not notify")

	writeFile(t, path, "blocked: []\n")
	changed, err = w.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.False(t, blocked(t, store, "spam.example"))
	assert.True(t, blocked(t, store, "manual.example"), "blocks not applied by the file are kept")
	assert.Equal(t, int32(2), notifier.n.Load())
}

func TestSync_LeavesManualBlocks(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	path := filepath.Join(t.TempDir(), "blocklist.yaml")

	id, err := store.Instances().Upsert(ctx, types.Instance{Domain: "manual.example"})
	require.NoError(t, err)
	require.NoError(t, store.Instances().Block(ctx, id, nil, types.BlockManual))

	w := New(path, store.Instances(), nil, nil)
	writeFile(t, path, "blocked:\n  - domain: manual.example\n    expires: 2030-01-01T00:00:00Z\n")
	changed, err := w.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, changed)

	inst, err := store.Instances().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.BlockManual, inst.BlockSource)
	assert.Nil(t, inst.BlockExpiresAt, "the file does not shorten a manual block")

	writeFile(t, path, "blocked: []\n")
	changed, err = w.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, changed)
	assert.True(t, blocked(t, store, "manual.example"))
}

func TestSync_UnblocksAfterRestart(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	path := filepath.Join(t.TempDir(), "blocklist.yaml")

	writeFile(t, path, "blocked:\n  - domain: spam.example\n")
	_, err := New(path, store.Instances(), nil, nil).Sync(ctx)
	require.NoError(t, err)

	inst, err := store.Instances().GetByDomain(ctx, "spam.example")
	require.NoError(t, err)
	assert.Equal(t, types.BlockBlocklist, inst.BlockSource)

	// The domain leaves the file while the node is down.
	writeFile(t, path, "blocked: []\n")
	changed, err := New(path, store.Instances(), nil, nil).Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	inst, err = store.Instances().GetByDomain(ctx, "spam.example")
	require.NoError(t, err)
	assert.False(t, inst.Blocked)
	assert.Empty(t, inst.BlockSource)
}

func TestSync_UpdatesExpiry(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	path := filepath.Join(t.TempDir(), "blocklist.yaml")
	w := New(path, store.Instances(), nil, nil)

	writeFile(t, path, "blocked:\n  - domain: temp.example\n    expires: 2030-01-01T00:00:00Z\n")
	_, err := w.Sync(ctx)
	require.NoError(t, err)

	writeFile(t, path, "blocked:\n  - domain: temp.example\n")
	changed, err := w.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	inst, err := store.Instances().GetByDomain(ctx, "temp.example")
	require.NoError(t, err)
	assert.True(t, inst.Blocked)
	assert.Nil(t, inst.BlockExpiresAt)
}

func TestSync_KeepsStateOnBadFile(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	path := filepath.Join(t.TempDir(), "blocklist.yaml")
	w := New(path, store.Instances(), nil, nil)

	writeFile(t, path, "blocked:\n  - domain: spam.example\n")
	_, err := w.Sync(ctx)
	require.NoError(t, err)

	writeFile(t, path, "blocked: [")
	_, err = w.Sync(ctx)
	assert.Error(t, err)
	assert.True(t, blocked(t, store, "spam.example"))
}

func TestRun_WatchesFile(t *testing.T) {
	store := memory.New()
	notifier := &countingNotifier{}
	path := filepath.Join(t.TempDir(), "blocklist.yaml")
	writeFile(t, path, "blocked:\n  - domain: first.example\n")

	w := New(path, store.Instances(), notifier, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return blocked(t, store, "first.example") }, 2*time.Second, 10*time.Millisecond)

	writeFile(t, path, "blocked:\n  - domain: second.example\n")
	require.Eventually(t, func() bool {
		return blocked(t, store, "second.example") && !blocked(t, store, "first.example")
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, notifier.n.Load(), int32(2))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
