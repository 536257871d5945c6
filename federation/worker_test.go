// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxfed/delivery"
	"github.com/absmach/fluxfed/storage"
	"github.com/absmach/fluxfed/storage/memory"
	"github.com/absmach/fluxfed/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const localActor = "https://local.example/u/alice"

// mockSender implements delivery.Sender for testing.
type mockSender struct {
	mu        sync.Mutex
	sendCount int32
	sendFunc  func(ctx context.Context, req delivery.Request) error
	delivered map[string][]string
}

func newMockSender() *mockSender {
	return &mockSender{
		sendFunc: func(context.Context, delivery.Request) error {
			return nil // Success by default
		},
		delivered: make(map[string][]string),
	}
}

func (m *mockSender) Send(ctx context.Context, req delivery.Request) error {
	atomic.AddInt32(&m.sendCount, 1)
	m.mu.Lock()
	fn := m.sendFunc
	m.mu.Unlock()

	if err := fn(ctx, req); err != nil {
		return err
	}
	m.mu.Lock()
	m.delivered[req.Inbox] = append(m.delivered[req.Inbox], string(req.Body))
	m.mu.Unlock()
	return nil
}

func (m *mockSender) setSendFunc(fn func(ctx context.Context, req delivery.Request) error) {
	m.mu.Lock()
	m.sendFunc = fn
	m.mu.Unlock()
}

func (m *mockSender) getDelivered(inbox string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.delivered[inbox]...)
}

func (m *mockSender) getSendCount() int {
	return int(atomic.LoadInt32(&m.sendCount))
}

type fixture struct {
	store  *memory.Store
	caches *Caches
	sender *mockSender
	deps   Deps
	cfg    WorkerConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.Actors().UpsertActor(context.Background(), &types.Actor{
		APID:          localActor,
		Type:          types.ActorPerson,
		Inbox:         localActor + "/inbox",
		PrivateKeyPEM: "test-key",
		Local:         true,
	}))

	caches := NewCaches(nil, store.Actors(), store.Activities(), CacheConfig{LatestIDTTL: 5 * time.Millisecond})
	sender := newMockSender()
	return &fixture{
		store:  store,
		caches: caches,
		sender: sender,
		deps: Deps{
			Cursors:   store.QueueStates(),
			Instances: store.Instances(),
			Caches:    caches,
			Targets:   NewTargetResolver(store.Follows(), store.Content()),
			Sender:    sender,
		},
		cfg: WorkerConfig{
			BatchSize:    2,
			RecheckDelay: 5 * time.Millisecond,
			Retry:        RetryPolicy{Initial: time.Millisecond, Max: 4 * time.Millisecond, Multiplier: 2},
		},
	}
}

func (f *fixture) addInstance(t *testing.T, domain string) types.Instance {
	t.Helper()
	ctx := context.Background()
	id, err := f.store.Instances().Upsert(ctx, types.Instance{Domain: domain})
	require.NoError(t, err)
	inst, err := f.store.Instances().Get(ctx, id)
	require.NoError(t, err)
	return inst
}

func (f *fixture) setCursor(t *testing.T, inst types.Instance, id types.ActivityID) {
	t.Helper()
	require.NoError(t, f.store.QueueStates().SaveState(context.Background(), types.FederationQueueState{
		InstanceID:       inst.ID,
		LastSuccessfulID: id,
	}))
}

func (f *fixture) cursor(t *testing.T, inst types.Instance) types.FederationQueueState {
	t.Helper()
	st, err := f.store.QueueStates().LoadState(context.Background(), inst.ID)
	require.NoError(t, err)
	return st
}

// appendTo appends n activities addressed to the given inboxes and
// returns their bodies.
func (f *fixture) appendTo(t *testing.T, n int, targets types.SendTargets) []string {
	t.Helper()
	var bodies []string
	for i := 0; i < n; i++ {
		apID := fmt.Sprintf("https://local.example/activities/%d-%d", time.Now().UnixNano(), i)
		_, err := f.store.Activities().Append(context.Background(), &types.SentActivity{
			APID:      apID,
			ActorAPID: localActor,
			ActorType: types.ActorPerson,
			Data:      []byte(apID),
			Targets:   targets,
		})
		require.NoError(t, err)
		bodies = append(bodies, apID)
	}
	return bodies
}

// run starts the worker and returns a stop function that cancels it and
// waits for Run to return.
func (f *fixture) run(t *testing.T, inst types.Instance, onGone func(types.Instance)) (*InstanceWorker, func() error) {
	t.Helper()
	w := NewInstanceWorker(inst, f.cfg, f.deps, onGone)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	var once sync.Once
	var runErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-errCh:
			case <-time.After(2 * time.Second):
				runErr = errors.New("worker did not stop")
			}
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return w, stop
}

func inboxOf(domain string) string {
	return "https://" + domain + "/u/bob/inbox"
}

func TestWorker_DeliversInOrder(t *testing.T) {
	f := newFixture(t)
	b := f.addInstance(t, "b.example")
	f.setCursor(t, b, 0)

	bodies := f.appendTo(t, 5, types.SendTargets{Inboxes: []string{inboxOf("b.example")}})

	_, stop := f.run(t, b, nil)
	require.Eventually(t, func() bool {
		return len(f.sender.getDelivered(inboxOf("b.example"))) == 5
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, bodies, f.sender.getDelivered(inboxOf("b.example")))
	st := f.cursor(t, b)
	assert.Equal(t, types.ActivityID(5), st.LastSuccessfulID)
	assert.Zero(t, st.FailCount)
}

func TestWorker_NewInstanceStartsAtLatest(t *testing.T) {
	f := newFixture(t)
	b := f.addInstance(t, "b.example")
	targets := types.SendTargets{Inboxes: []string{inboxOf("b.example")}}
	f.appendTo(t, 3, targets)

	_, stop := f.run(t, b, nil)
	require.Eventually(t, func() bool {
		st, err := f.store.QueueStates().LoadState(context.Background(), b.ID)
		return err == nil && st.LastSuccessfulID == 3
	}, 2*time.Second, 5*time.Millisecond)

	fresh := f.appendTo(t, 1, targets)
	require.Eventually(t, func() bool {
		return len(f.sender.getDelivered(inboxOf("b.example"))) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, fresh, f.sender.getDelivered(inboxOf("b.example")))
}

func TestWorker_SkipsNonTargetsAndHoles(t *testing.T) {
	f := newFixture(t)
	b := f.addInstance(t, "b.example")
	f.setCursor(t, b, 0)

	f.appendTo(t, 2, types.SendTargets{Inboxes: []string{inboxOf("c.example")}})
	want := f.appendTo(t, 1, types.SendTargets{Inboxes: []string{inboxOf("b.example")}})

	_, stop := f.run(t, b, nil)
	require.Eventually(t, func() bool {
		return len(f.sender.getDelivered(inboxOf("b.example"))) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, want, f.sender.getDelivered(inboxOf("b.example")))
	assert.Empty(t, f.sender.getDelivered(inboxOf("c.example")))
	assert.Equal(t, 1, f.sender.getSendCount())
	assert.Equal(t, types.ActivityID(3), f.cursor(t, b).LastSuccessfulID)
}

func TestWorker_TransientFailuresDoNotAdvance(t *testing.T) {
	f := newFixture(t)
	b := f.addInstance(t, "b.example")
	f.setCursor(t, b, 0)
	bodies := f.appendTo(t, 3, types.SendTargets{Inboxes: []string{inboxOf("b.example")}})

	var failures atomic.Int32
	f.sender.setSendFunc(func(ctx context.Context, req delivery.Request) error {
		if failures.Load() < 10 {
			st, err := f.store.QueueStates().LoadState(ctx, b.ID)
			if err == nil && st.LastSuccessfulID != 0 {
				t.Errorf("cursor advanced during outage: %d", st.LastSuccessfulID)
			}
			failures.Add(1)
			return &delivery.StatusError{Inbox: req.Inbox, Code: 503}
		}
		return nil
	})

	_, stop := f.run(t, b, nil)
	require.Eventually(t, func() bool {
		return len(f.sender.getDelivered(inboxOf("b.example"))) == 3
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, bodies, f.sender.getDelivered(inboxOf("b.example")), "no gaps and no reordering after recovery")
	assert.Equal(t, 13, f.sender.getSendCount())
	st := f.cursor(t, b)
	assert.Equal(t, types.ActivityID(3), st.LastSuccessfulID)
	assert.Zero(t, st.FailCount)
	assert.False(t, st.LastRetryAt.IsZero())
}

func TestWorker_PermanentFailureSkipsActivity(t *testing.T) {
	f := newFixture(t)
	b := f.addInstance(t, "b.example")
	f.setCursor(t, b, 0)
	bodies := f.appendTo(t, 3, types.SendTargets{Inboxes: []string{inboxOf("b.example")}})

	f.sender.setSendFunc(func(_ context.Context, req delivery.Request) error {
		if string(req.Body) == bodies[1] {
			return &delivery.StatusError{Inbox: req.Inbox, Code: 400}
		}
		return nil
	})

	_, stop := f.run(t, b, nil)
	require.Eventually(t, func() bool {
		return f.cursor(t, b).LastSuccessfulID == 3
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, []string{bodies[0], bodies[2]}, f.sender.getDelivered(inboxOf("b.example")))
	assert.Equal(t, 3, f.sender.getSendCount())
}

func TestWorker_GoneMarksInstanceDead(t *testing.T) {
	f := newFixture(t)
	b := f.addInstance(t, "b.example")
	f.setCursor(t, b, 0)
	f.appendTo(t, 2, types.SendTargets{Inboxes: []string{b.SharedInbox()}})

	f.sender.setSendFunc(func(_ context.Context, req delivery.Request) error {
		return &delivery.StatusError{Inbox: req.Inbox, Code: 410}
	})

	gone := make(chan types.Instance, 1)
	_, stop := f.run(t, b, func(inst types.Instance) { gone <- inst })

	select {
	case inst := <-gone:
		assert.True(t, inst.Dead)
	case <-time.After(2 * time.Second):
		t.Fatal("gone callback was not called")
	}
	require.NoError(t, stop())

	inst, err := f.store.Instances().Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.True(t, inst.Dead)
	assert.Equal(t, 1, f.sender.getSendCount(), "gone instances are not retried")
	assert.Equal(t, types.ActivityID(0), f.cursor(t, b).LastSuccessfulID)
}

func TestWorker_GoneActorInboxIsSkipped(t *testing.T) {
	f := newFixture(t)
	b := f.addInstance(t, "b.example")
	f.setCursor(t, b, 0)
	deleted := "https://b.example/u/deleted/inbox"
	f.appendTo(t, 1, types.SendTargets{Inboxes: []string{deleted}})
	want := f.appendTo(t, 1, types.SendTargets{Inboxes: []string{inboxOf("b.example")}})

	f.sender.setSendFunc(func(_ context.Context, req delivery.Request) error {
		if req.Inbox == deleted {
			return &delivery.StatusError{Inbox: req.Inbox, Code: 410}
		}
		return nil
	})

	gone := make(chan types.Instance, 1)
	_, stop := f.run(t, b, func(inst types.Instance) { gone <- inst })
	require.Eventually(t, func() bool {
		return f.cursor(t, b).LastSuccessfulID == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, want, f.sender.getDelivered(inboxOf("b.example")))
	assert.Empty(t, gone, "a deleted actor does not kill its instance")
	inst, err := f.store.Instances().Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.False(t, inst.Dead)
}

func TestWorker_ResumesWhenUnblocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.addInstance(t, "b.example")
	f.setCursor(t, b, 0)

	_, stop := f.run(t, b, nil)
	require.NoError(t, f.store.Instances().Block(ctx, b.ID, nil, types.BlockManual))
	want := f.appendTo(t, 1, types.SendTargets{Inboxes: []string{inboxOf("b.example")}})

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.sender.getSendCount(), "blocked instances receive nothing")

	require.NoError(t, f.store.Instances().Unblock(ctx, b.ID))
	require.Eventually(t, func() bool {
		return len(f.sender.getDelivered(inboxOf("b.example"))) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
	assert.Equal(t, want, f.sender.getDelivered(inboxOf("b.example")))
}

func TestWorker_ResumesWhenRevived(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.addInstance(t, "b.example")
	f.setCursor(t, b, 0)
	bodies := f.appendTo(t, 1, types.SendTargets{Inboxes: []string{b.SharedInbox()}})

	var healthy atomic.Bool
	f.sender.setSendFunc(func(_ context.Context, req delivery.Request) error {
		if !healthy.Load() {
			return &delivery.StatusError{Inbox: req.Inbox, Code: 410}
		}
		return nil
	})

	dead := make(chan struct{}, 1)
	_, stop := f.run(t, b, func(types.Instance) { dead <- struct{}{} })
	select {
	case <-dead:
	case <-time.After(2 * time.Second):
		t.Fatal("gone callback was not called")
	}

	healthy.Store(true)
	require.NoError(t, f.store.Instances().SetDead(ctx, b.ID, false))
	require.Eventually(t, func() bool {
		return len(f.sender.getDelivered(b.SharedInbox())) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
	assert.Equal(t, bodies, f.sender.getDelivered(b.SharedInbox()), "the activity that hit 410 is retried")
}

func TestWorker_ResumesAfterRestart(t *testing.T) {
	f := newFixture(t)
	b := f.addInstance(t, "b.example")
	f.setCursor(t, b, 0)
	targets := types.SendTargets{Inboxes: []string{inboxOf("b.example")}}
	first := f.appendTo(t, 3, targets)

	_, stop := f.run(t, b, nil)
	require.Eventually(t, func() bool {
		return f.cursor(t, b).LastSuccessfulID == 3
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	second := f.appendTo(t, 2, targets)
	_, stop = f.run(t, b, nil)
	require.Eventually(t, func() bool {
		return f.cursor(t, b).LastSuccessfulID == 5
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, append(first, second...), f.sender.getDelivered(inboxOf("b.example")), "activity 3 must not be delivered twice")
}

func TestWorker_PersistedBackoffIsHonoured(t *testing.T) {
	f := newFixture(t)
	f.cfg.Retry = RetryPolicy{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}
	b := f.addInstance(t, "b.example")
	require.NoError(t, f.store.QueueStates().SaveState(context.Background(), types.FederationQueueState{
		InstanceID:  b.ID,
		FailCount:   3,
		LastRetryAt: time.Now(),
	}))
	f.appendTo(t, 1, types.SendTargets{Inboxes: []string{inboxOf("b.example")}})

	start := time.Now()
	_, stop := f.run(t, b, nil)
	require.Eventually(t, func() bool {
		return f.sender.getSendCount() == 1
	}, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.GreaterOrEqual(t, time.Since(start), 350*time.Millisecond, "delay(3) = 400ms")
}

func TestWorker_MissingActorSkips(t *testing.T) {
	f := newFixture(t)
	b := f.addInstance(t, "b.example")
	f.setCursor(t, b, 0)
	_, err := f.store.Activities().Append(context.Background(), &types.SentActivity{
		APID:      "https://local.example/activities/orphan",
		ActorAPID: "https://local.example/u/nobody",
		Data:      []byte("orphan"),
		Targets:   types.SendTargets{Inboxes: []string{inboxOf("b.example")}},
	})
	require.NoError(t, err)

	_, stop := f.run(t, b, nil)
	require.Eventually(t, func() bool {
		return f.cursor(t, b).LastSuccessfulID == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
	assert.Zero(t, f.sender.getSendCount())
}

func TestWorker_FaultOnStoreError(t *testing.T) {
	f := newFixture(t)
	b := f.addInstance(t, "b.example")
	f.deps.Cursors = failingCursors{CursorStore: f.store.QueueStates()}

	w := NewInstanceWorker(b, f.cfg, f.deps, nil)
	err := w.Run(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrNotFound)
}

type failingCursors struct {
	storage.CursorStore
}

func (failingCursors) LoadState(context.Context, types.InstanceID) (types.FederationQueueState, error) {
	return types.FederationQueueState{}, errors.New("database unavailable")
}
