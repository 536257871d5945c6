// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxfed/types"
	"github.com/sony/gobreaker"
)

var _ Sender = (*BreakerSender)(nil)

// BreakerSettings configures the per-host circuit breakers.
type BreakerSettings struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// BreakerSender wraps a Sender with one circuit breaker per destination
// host. Only transient failures count towards tripping; an open breaker
// is reported as a transient failure.
type BreakerSender struct {
	next     Sender
	settings BreakerSettings
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerSender wraps next.
func NewBreakerSender(next Sender, settings BreakerSettings, logger *slog.Logger) *BreakerSender {
	if logger == nil {
		logger = slog.Default()
	}
	if settings.FailureThreshold < 1 {
		settings.FailureThreshold = 5
	}
	return &BreakerSender{
		next:     next,
		settings: settings,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Send delivers through the breaker of the inbox host.
func (b *BreakerSender) Send(ctx context.Context, req Request) error {
	host := types.HostOf(req.Inbox)
	breaker := b.breaker(host)

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, b.next.Send(ctx, req)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("circuit breaker for %s: %w", host, err)
	}
	return err
}

// States returns the breaker state per host.
func (b *BreakerSender) States() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]string, len(b.breakers))
	for host, cb := range b.breakers {
		out[host] = cb.State().String()
	}
	return out
}

// State returns the breaker state of one host, "closed" if unknown.
func (b *BreakerSender) State(host string) string {
	b.mu.Lock()
	cb, ok := b.breakers[host]
	b.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

func (b *BreakerSender) breaker(host string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[host]; ok {
		return cb
	}
	threshold := uint32(b.settings.FailureThreshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     b.settings.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return !IsTransient(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.logger.Warn("delivery circuit breaker state changed",
				slog.String("host", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	b.breakers[host] = cb
	return cb
}
