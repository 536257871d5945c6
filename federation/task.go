// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// ErrShutdownTimeout is returned by Cancel when the task did not stop in time.
var ErrShutdownTimeout = errors.New("task did not stop before shutdown timeout")

// TaskFunc is the body of a supervised task. It must return promptly once
// ctx is cancelled.
type TaskFunc func(ctx context.Context) error

// Task runs a TaskFunc in a loop until cancelled. Any return while the task
// is still live, including a panic, is logged and followed by a restart.
type Task struct {
	name         string
	timeout      time.Duration
	restartDelay time.Duration
	fn           TaskFunc
	logger       *slog.Logger
	onRestart    func()

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	restarts atomic.Int64
	once     sync.Once
	err      error
}

// TaskOption configures a Task.
type TaskOption func(*Task)

// WithRestartHook is called every time the task restarts.
func WithRestartHook(fn func()) TaskOption {
	return func(t *Task) { t.onRestart = fn }
}

// Spawn starts fn in its own goroutine.
func Spawn(name string, timeout, restartDelay time.Duration, fn TaskFunc, logger *slog.Logger, opts ...TaskOption) *Task {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		name:         name,
		timeout:      timeout,
		restartDelay: restartDelay,
		fn:           fn,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.loop()
	return t
}

func (t *Task) loop() {
	defer close(t.done)

	for {
		err := t.runOnce()
		if t.ctx.Err() != nil {
			return
		}

		t.restarts.Add(1)
		if t.onRestart != nil {
			t.onRestart()
		}
		t.logger.Warn("task exited, restarting",
			slog.String("task", t.name),
			slog.Any("error", err),
			slog.Duration("restart_delay", t.restartDelay))

		select {
		case <-time.After(t.restartDelay):
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Task) runOnce() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return t.fn(t.ctx)
}

// Cancel signals the task to stop and waits up to the shutdown timeout.
// On timeout the goroutine is abandoned and ErrShutdownTimeout is returned.
// Cancel is safe to call more than once.
func (t *Task) Cancel() error {
	t.once.Do(func() {
		t.cancel()
		if t.timeout <= 0 {
			<-t.done
			return
		}

		timer := time.NewTimer(t.timeout)
		defer timer.Stop()
		select {
		case <-t.done:
		case <-timer.C:
			t.logger.Error("task did not stop in time",
				slog.String("task", t.name),
				slog.Duration("timeout", t.timeout))
			t.err = fmt.Errorf("%s: %w", t.name, ErrShutdownTimeout)
		}
	})
	return t.err
}

// Name returns the task name.
func (t *Task) Name() string {
	return t.name
}

// Done is closed when the task loop has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Restarts returns how many times the task has been restarted.
func (t *Task) Restarts() int64 {
	return t.restarts.Load()
}
