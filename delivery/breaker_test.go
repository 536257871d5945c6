// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

// mockSender implements Sender for testing.
type mockSender struct {
	mu        sync.Mutex
	sendCount int32
	sendFunc  func(ctx context.Context, req Request) error
	lastReq   Request
}

func newMockSender() *mockSender {
	return &mockSender{
		sendFunc: func(context.Context, Request) error {
			return nil // Success by default
		},
	}
}

func (m *mockSender) Send(ctx context.Context, req Request) error {
	atomic.AddInt32(&m.sendCount, 1)
	m.mu.Lock()
	m.lastReq = req
	m.mu.Unlock()
	return m.sendFunc(ctx, req)
}

func (m *mockSender) getSendCount() int {
	return int(atomic.LoadInt32(&m.sendCount))
}

func TestBreakerSender_TripsOnTransientFailures(t *testing.T) {
	mock := newMockSender()
	mock.sendFunc = func(context.Context, Request) error {
		return errors.New("connection refused")
	}
	b := NewBreakerSender(mock, BreakerSettings{FailureThreshold: 3, ResetTimeout: time.Hour}, nil)
	req := Request{Inbox: "https://down.example/inbox"}

	for i := 0; i < 3; i++ {
		assert.Error(t, b.Send(context.Background(), req))
	}
	assert.Equal(t, 3, mock.getSendCount())
	assert.Equal(t, gobreaker.StateOpen.String(), b.State("down.example"))

	err := b.Send(context.Background(), req)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 3, mock.getSendCount(), "open breaker must not call through")

	// Other hosts are unaffected.
	mock.sendFunc = func(context.Context, Request) error { return nil }
	assert.NoError(t, b.Send(context.Background(), Request{Inbox: "https://up.example/inbox"}))
	assert.Equal(t, map[string]string{"down.example": "open", "up.example": "closed"}, b.States())
}

func TestBreakerSender_PermanentErrorsDoNotTrip(t *testing.T) {
	mock := newMockSender()
	mock.sendFunc = func(context.Context, Request) error {
		return &StatusError{Inbox: "https://picky.example/inbox", Code: 400}
	}
	b := NewBreakerSender(mock, BreakerSettings{FailureThreshold: 2, ResetTimeout: time.Hour}, nil)

	for i := 0; i < 5; i++ {
		err := b.Send(context.Background(), Request{Inbox: "https://picky.example/inbox"})
		assert.ErrorIs(t, err, ErrPermanent)
	}
	assert.Equal(t, 5, mock.getSendCount())
	assert.Equal(t, "closed", b.State("picky.example"))
}

func TestBreakerSender_HalfOpenRecovers(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	mock := newMockSender()
	mock.sendFunc = func(context.Context, Request) error {
		if fail.Load() {
			return errors.New("503")
		}
		return nil
	}
	b := NewBreakerSender(mock, BreakerSettings{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond}, nil)
	req := Request{Inbox: "https://flaky.example/inbox"}

	assert.Error(t, b.Send(context.Background(), req))
	assert.Equal(t, "open", b.State("flaky.example"))

	time.Sleep(40 * time.Millisecond)
	fail.Store(false)
	assert.NoError(t, b.Send(context.Background(), req))
	assert.Equal(t, "closed", b.State("flaky.example"))
}
