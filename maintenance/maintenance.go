// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package maintenance runs the periodic cleanup jobs of a node: pruning
// old sent activities and lifting expired federation blocks.
//
// Pruning is by age only. A live instance whose cursor is still behind
// the retention cutoff loses the activities it never received; such
// cursors are reported before each prune.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxfed/config"
	"github.com/absmach/fluxfed/storage"
)

// Config holds the cleanup schedule.
type Config struct {
	Interval          time.Duration
	ActivityRetention time.Duration
	PruneBatchSize    int
}

// NewConfig builds a Config from the loaded configuration.
func NewConfig(cfg config.MaintenanceConfig) Config {
	return Config{
		Interval:          cfg.Interval,
		ActivityRetention: cfg.ActivityRetention,
		PruneBatchSize:    cfg.PruneBatchSize,
	}
}

// Notifier is told when the set of live instances may have changed.
type Notifier interface {
	Notify()
}

// Stats describes one cleanup run.
type Stats struct {
	ActivitiesPruned int
	BlocksExpired    int
	LaggingCursors   int
	LastRunTime      time.Time
	LastRunDuration  time.Duration
}

// Manager runs the cleanup jobs on a ticker.
type Manager struct {
	cfg       Config
	log       storage.ActivityLog
	instances storage.InstanceStore
	cursors   storage.CursorStore
	notifier  Notifier
	logger    *slog.Logger
	now       func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a maintenance manager. cursors and notifier may be nil;
// without cursors lagging instances are not reported.
func New(cfg Config, log storage.ActivityLog, instances storage.InstanceStore, cursors storage.CursorStore, notifier Notifier, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.ActivityRetention <= 0 {
		cfg.ActivityRetention = 7 * 24 * time.Hour
	}
	if cfg.PruneBatchSize <= 0 {
		cfg.PruneBatchSize = 1000
	}

	return &Manager{
		cfg:       cfg,
		log:       log,
		instances: instances,
		cursors:   cursors,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the background cleanup loop.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.loop(ctx)

	m.logger.Info("maintenance started",
		slog.Duration("interval", m.cfg.Interval),
		slog.Duration("activity_retention", m.cfg.ActivityRetention))
}

// Stop halts the cleanup loop and waits for a running pass to finish.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.logger.Info("maintenance stopped")
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := m.RunOnce(ctx)
			if err != nil {
				m.logger.Error("maintenance run failed", slog.String("error", err.Error()))
				continue
			}
			if stats.ActivitiesPruned > 0 || stats.BlocksExpired > 0 {
				m.logger.Info("maintenance cleanup",
					slog.Int("activities_pruned", stats.ActivitiesPruned),
					slog.Int("blocks_expired", stats.BlocksExpired),
					slog.Int("lagging_cursors", stats.LaggingCursors),
					slog.Duration("duration", stats.LastRunDuration))
			}
		}
	}
}

// RunOnce runs every job once. Both jobs run even if one fails.
func (m *Manager) RunOnce(ctx context.Context) (*Stats, error) {
	start := m.now()
	stats := &Stats{LastRunTime: start}
	cutoff := start.Add(-m.cfg.ActivityRetention)

	lagging, lagErr := m.laggingCursors(ctx, cutoff)
	stats.LaggingCursors = lagging

	pruned, pruneErr := m.pruneActivities(ctx, cutoff)
	stats.ActivitiesPruned = pruned

	expired, blockErr := m.instances.PruneExpiredBlocks(ctx, start)
	if blockErr != nil {
		blockErr = fmt.Errorf("failed to prune expired blocks: %w", blockErr)
	}
	stats.BlocksExpired = expired
	if expired > 0 && m.notifier != nil {
		m.notifier.Notify()
	}

	stats.LastRunDuration = m.now().Sub(start)
	return stats, errors.Join(lagErr, pruneErr, blockErr)
}

// laggingCursors warns about every live instance whose next undelivered
// activity is older than cutoff and is about to be pruned.
func (m *Manager) laggingCursors(ctx context.Context, cutoff time.Time) (int, error) {
	if m.cursors == nil {
		return 0, nil
	}
	states, err := m.cursors.ListStates(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list queue states: %w", err)
	}

	n := 0
	for _, st := range states {
		inst, err := m.instances.Get(ctx, st.InstanceID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("failed to load instance %d: %w", st.InstanceID, err)
		}
		if !inst.Live() {
			continue
		}
		next, err := m.log.ReadBatch(ctx, st.LastSuccessfulID, 1)
		if err != nil {
			return n, fmt.Errorf("failed to read activity log: %w", err)
		}
		if len(next) == 0 || !next[0].PublishedAt.Before(cutoff) {
			continue
		}
		n++
		m.logger.Warn("pruning activities not yet delivered",
			slog.String("domain", inst.Domain),
			slog.Int64("last_successful_id", int64(st.LastSuccessfulID)),
			slog.Int64("next_id", int64(next[0].ID)),
			slog.Time("next_published_at", next[0].PublishedAt),
			slog.Time("cutoff", cutoff))
	}
	return n, nil
}

// pruneActivities deletes activities published before cutoff in batches,
// so no single statement holds locks for long.
func (m *Manager) pruneActivities(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := m.log.PruneBefore(ctx, cutoff, m.cfg.PruneBatchSize)
		if err != nil {
			return total, fmt.Errorf("failed to prune activities: %w", err)
		}
		total += n
		if n < m.cfg.PruneBatchSize {
			return total, nil
		}
		select {
		case <-m.stopCh:
			return total, nil
		default:
		}
	}
}
