// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxfed/cache"
	"github.com/absmach/fluxfed/config"
	"github.com/absmach/fluxfed/storage"
	"github.com/absmach/fluxfed/types"
)

// CacheConfig sizes the shared caches.
type CacheConfig struct {
	ActorCapacity    int
	ActorTTL         time.Duration
	ActivityCapacity int
	LatestIDTTL      time.Duration
}

// NewCacheConfig builds a CacheConfig from the loaded configuration.
func NewCacheConfig(cfg *config.Config) CacheConfig {
	return CacheConfig{
		ActorCapacity:    cfg.Cache.ActorCapacity,
		ActorTTL:         cfg.Cache.ActorTTL,
		ActivityCapacity: cfg.Cache.ActivityCapacity,
		LatestIDTTL:      cfg.Federation.LatestIDTTL,
	}
}

// Caches are the process-wide read caches shared by every worker and the
// inbox. Build one with NewCaches and pass it to everything that needs it.
type Caches struct {
	logger     *slog.Logger
	actors     *cache.Cache[string, *types.Actor]
	activities *cache.Cache[types.ActivityID, *types.SentActivity]
	latest     *cache.Cache[struct{}, types.ActivityID]
}

// CacheStats reports the counters of every cache.
type CacheStats struct {
	Actors     cache.Stats `json:"actors"`
	Activities cache.Stats `json:"activities"`
	LatestID   cache.Stats `json:"latest_id"`
}

// NewCaches wires the caches to their backing stores.
func NewCaches(logger *slog.Logger, actors storage.ActorStore, log storage.ActivityLog, cfg CacheConfig) *Caches {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ActorCapacity <= 0 {
		cfg.ActorCapacity = 10000
	}
	if cfg.ActivityCapacity <= 0 {
		cfg.ActivityCapacity = 10000
	}
	if cfg.LatestIDTTL <= 0 {
		cfg.LatestIDTTL = time.Second
	}

	c := &Caches{logger: logger}

	c.actors = cache.New(cfg.ActorCapacity, cfg.ActorTTL, func(ctx context.Context, apID string) (*types.Actor, error) {
		a, err := actors.ReadActor(ctx, apID)
		if err != nil {
			return nil, fmt.Errorf("failed to read actor %s: %w", apID, err)
		}
		return a, nil
	})

	// Ids are never reused, so a missing id stays missing and is cached as nil.
	c.activities = cache.New(cfg.ActivityCapacity, 0, func(ctx context.Context, id types.ActivityID) (*types.SentActivity, error) {
		a, err := log.Read(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read activity %d: %w", id, err)
		}
		return a, nil
	})

	c.latest = cache.New(1, cfg.LatestIDTTL, func(ctx context.Context, _ struct{}) (types.ActivityID, error) {
		id, err := log.LatestID(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to read latest activity id: %w", err)
		}
		return id, nil
	})

	return c
}

// Actor returns the actor with the given ActivityPub id.
func (c *Caches) Actor(ctx context.Context, apID string) (*types.Actor, error) {
	return c.actors.Get(ctx, apID)
}

// Activity returns the activity with the given id, or nil for a hole.
func (c *Caches) Activity(ctx context.Context, id types.ActivityID) (*types.SentActivity, error) {
	return c.activities.Get(ctx, id)
}

// LatestID returns the highest activity id, at most one TTL stale.
func (c *Caches) LatestID(ctx context.Context) (types.ActivityID, error) {
	return c.latest.Get(ctx, struct{}{})
}

// InvalidateActor drops a cached actor so the next lookup refetches it.
// Call it when an actor is updated (key rotation) or deleted.
func (c *Caches) InvalidateActor(apID string) {
	c.actors.Invalidate(apID)
	c.logger.Debug("actor cache entry invalidated", slog.String("actor", apID))
}

// Stats returns the counters of all caches.
func (c *Caches) Stats() CacheStats {
	return CacheStats{
		Actors:     c.actors.Stats(),
		Activities: c.activities.Stats(),
		LatestID:   c.latest.Stats(),
	}
}
