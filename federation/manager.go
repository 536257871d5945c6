// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxfed/config"
	"github.com/absmach/fluxfed/types"
)

// ManagerConfig holds the supervisor settings.
type ManagerConfig struct {
	LocalDomain             string
	Worker                  WorkerConfig
	InstanceRecheckInterval time.Duration
	RestartDelay            time.Duration
	WorkerShutdownTimeout   time.Duration
	ShutdownTimeout         time.Duration
	StatsInterval           time.Duration
}

// NewManagerConfig builds a ManagerConfig from the federation section.
func NewManagerConfig(cfg config.FederationConfig) ManagerConfig {
	return ManagerConfig{
		LocalDomain: cfg.LocalDomain,
		Worker: WorkerConfig{
			BatchSize:    cfg.BatchSize,
			RecheckDelay: cfg.RecheckDelay,
			Retry:        NewRetryPolicy(cfg.Retry),
		},
		InstanceRecheckInterval: cfg.InstanceRecheckInterval,
		RestartDelay:            cfg.RestartDelay,
		WorkerShutdownTimeout:   cfg.WorkerShutdownTimeout,
		ShutdownTimeout:         cfg.ShutdownTimeout,
		StatsInterval:           cfg.StatsInterval,
	}
}

// InstanceStatus is the delivery health of one remote instance.
type InstanceStatus struct {
	Instance types.Instance             `json:"instance"`
	State    types.FederationQueueState `json:"state"`
	Lag      int64                      `json:"lag"`
	Running  bool                       `json:"running"`
	Restarts int64                      `json:"restarts"`
	Breaker  string                     `json:"breaker,omitempty"`
}

// breakerStates is implemented by senders that track per-host breakers.
type breakerStates interface {
	State(host string) string
}

type workerTask struct {
	instance types.Instance
	task     *Task
}

// Manager keeps exactly one InstanceWorker running per live remote
// instance and drives their shutdown.
type Manager struct {
	cfg    ManagerConfig
	deps   Deps
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[types.InstanceID]*workerTask

	notifyCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a manager. Call Start to begin delivering.
func NewManager(cfg ManagerConfig, deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.InstanceRecheckInterval <= 0 {
		cfg.InstanceRecheckInterval = time.Minute
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger,
		tasks:    make(map[types.InstanceID]*workerTask),
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start syncs workers with the instance directory and starts the resync
// and stats loops.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.Sync(ctx); err != nil {
		return err
	}

	m.wg.Add(1)
	go m.syncLoop()

	if m.cfg.StatsInterval > 0 {
		m.wg.Add(1)
		go m.statsLoop()
	}
	return nil
}

// Notify asks for an immediate resync, e.g. after a block list change.
func (m *Manager) Notify() {
	select {
	case m.notifyCh <- struct{}{}:
	default:
	}
}

func (m *Manager) syncLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.InstanceRecheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-m.notifyCh:
		case <-m.stopCh:
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.InstanceRecheckInterval)
		if err := m.Sync(ctx); err != nil {
			m.logger.Error("failed to sync instance workers", slog.String("error", err.Error()))
		}
		cancel()
	}
}

// Sync starts workers for live instances that have none and stops the
// workers of instances that are blocked, dead, local or gone.
func (m *Manager) Sync(ctx context.Context) error {
	instances, err := m.deps.Instances.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list instances: %w", err)
	}

	want := make(map[types.InstanceID]types.Instance, len(instances))
	for _, inst := range instances {
		if inst.Live() && !m.isLocal(inst) {
			want[inst.ID] = inst
		}
	}

	m.mu.Lock()
	select {
	case <-m.stopCh:
		m.mu.Unlock()
		return nil
	default:
	}

	var stop []*workerTask
	for id, wt := range m.tasks {
		if _, ok := want[id]; !ok {
			stop = append(stop, wt)
			delete(m.tasks, id)
		}
	}
	for id, inst := range want {
		if _, ok := m.tasks[id]; ok {
			continue
		}
		m.tasks[id] = m.spawn(inst)
	}
	m.mu.Unlock()

	if len(stop) == 0 {
		return nil
	}
	return m.stopAll(ctx, stop)
}

func (m *Manager) spawn(inst types.Instance) *workerTask {
	w := NewInstanceWorker(inst, m.cfg.Worker, m.deps, func(types.Instance) { m.Notify() })
	m.deps.Metrics.WorkerStarted()
	m.logger.Info("starting instance worker", slog.Int64("instance", int64(inst.ID)), slog.String("domain", inst.Domain))
	task := Spawn(inst.Domain, m.cfg.WorkerShutdownTimeout, m.cfg.RestartDelay, w.Run, m.logger,
		WithRestartHook(func() { m.deps.Metrics.RecordRestart(inst.Domain) }))
	return &workerTask{instance: inst, task: task}
}

// stopAll cancels tasks concurrently and waits for them, bounded by ctx.
func (m *Manager) stopAll(ctx context.Context, tasks []*workerTask) error {
	errCh := make(chan error, len(tasks))
	for _, wt := range tasks {
		m.logger.Info("stopping instance worker",
			slog.Int64("instance", int64(wt.instance.ID)),
			slog.String("domain", wt.instance.Domain))
		go func(wt *workerTask) {
			err := wt.task.Cancel()
			m.deps.Metrics.WorkerStopped()
			errCh <- err
		}(wt)
	}

	var errs []error
	for remaining := len(tasks); remaining > 0; remaining-- {
		select {
		case err := <-errCh:
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("%d workers still running: %w", remaining, ErrShutdownTimeout))
			return errors.Join(errs...)
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops the loops and every worker concurrently. The whole
// shutdown is bounded by the configured shutdown timeout and by ctx;
// stragglers are abandoned and reported as errors.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopOnce.Do(func() { close(m.stopCh) })
	tasks := make([]*workerTask, 0, len(m.tasks))
	for id, wt := range m.tasks {
		tasks = append(tasks, wt)
		delete(m.tasks, id)
	}
	m.mu.Unlock()

	m.wg.Wait()

	if m.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
		defer cancel()
	}

	m.logger.Info("stopping federation workers", slog.Int("workers", len(tasks)))
	err := m.stopAll(ctx, tasks)
	if err != nil {
		m.logger.Error("federation shutdown incomplete", slog.String("error", err.Error()))
	}
	return err
}

// Running returns the number of running workers.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// IsRunning reports whether the instance has a worker.
func (m *Manager) IsRunning(id types.InstanceID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[id]
	return ok
}

// Status reports the queue state of every remote instance, ordered by id.
func (m *Manager) Status(ctx context.Context) ([]InstanceStatus, error) {
	instances, err := m.deps.Instances.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	states, err := m.deps.Cursors.ListStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue states: %w", err)
	}
	latest, err := m.deps.Caches.LatestID(ctx)
	if err != nil {
		return nil, err
	}

	byInstance := make(map[types.InstanceID]types.FederationQueueState, len(states))
	for _, s := range states {
		byInstance[s.InstanceID] = s
	}
	breakers, _ := m.deps.Sender.(breakerStates)

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]InstanceStatus, 0, len(instances))
	for _, inst := range instances {
		if m.isLocal(inst) {
			continue
		}
		st := InstanceStatus{Instance: inst}
		if s, ok := byInstance[inst.ID]; ok {
			st.State = s
			if lag := int64(latest - s.LastSuccessfulID); lag > 0 {
				st.Lag = lag
			}
		}
		if wt, ok := m.tasks[inst.ID]; ok {
			st.Running = true
			st.Restarts = wt.task.Restarts()
		}
		if breakers != nil {
			st.Breaker = breakers.State(inst.Domain)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance.ID < out[j].Instance.ID })
	return out, nil
}

func (m *Manager) statsLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.printStats()
		case <-m.stopCh:
			return
		}
	}
}

// printStats logs a federation summary and records per-instance lag.
func (m *Manager) printStats() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StatsInterval)
	defer cancel()

	status, err := m.Status(ctx)
	if err != nil {
		m.logger.Warn("failed to collect federation stats", slog.String("error", err.Error()))
		return
	}

	var running, lagging, failing, dead int
	for _, s := range status {
		m.deps.Metrics.SetLag(s.Instance.Domain, s.Lag)
		if s.Running {
			running++
		}
		if s.Instance.Dead {
			dead++
		}
		if s.State.FailCount > 0 {
			failing++
			m.logger.Info("instance is failing",
				slog.String("domain", s.Instance.Domain),
				slog.Int("fail_count", s.State.FailCount),
				slog.Time("last_retry_at", s.State.LastRetryAt),
				slog.Int64("lag", s.Lag))
		} else if s.Lag > 0 {
			lagging++
			m.logger.Debug("instance is behind",
				slog.String("domain", s.Instance.Domain),
				slog.Int64("lag", s.Lag))
		}
	}

	m.logger.Info("federation stats",
		slog.Int("instances", len(status)),
		slog.Int("running", running),
		slog.Int("lagging", lagging),
		slog.Int("failing", failing),
		slog.Int("dead", dead),
		slog.Any("caches", m.deps.Caches.Stats()))
}

func (m *Manager) isLocal(inst types.Instance) bool {
	return m.cfg.LocalDomain != "" && strings.EqualFold(inst.Domain, m.cfg.LocalDomain)
}
