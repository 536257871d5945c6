// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxfed/delivery"
	"github.com/absmach/fluxfed/server/otel"
	"github.com/absmach/fluxfed/storage"
	"github.com/absmach/fluxfed/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	persistTimeout      = 5 * time.Second
	defaultRecheckDelay = 30 * time.Second
)

// errGone ends a delivery pass once the instance shared inbox reported 410.
var errGone = errors.New("destination instance is gone")

// WorkerConfig holds the per-worker delivery settings.
type WorkerConfig struct {
	BatchSize    int
	RecheckDelay time.Duration
	Retry        RetryPolicy
}

// Deps are the collaborators shared by all workers.
type Deps struct {
	Cursors   storage.CursorStore
	Instances storage.InstanceStore
	Caches    *Caches
	Targets   *TargetResolver
	Sender    delivery.Sender
	Metrics   *otel.Metrics // nil if metrics are disabled
	Tracer    trace.Tracer  // nil if tracing is disabled
	Logger    *slog.Logger
}

// InstanceWorker delivers the activity log, in id order, to one remote
// instance. Its only persistent state is the instance's
// FederationQueueState, which it alone writes.
type InstanceWorker struct {
	instance types.Instance
	cfg      WorkerConfig
	deps     Deps
	logger   *slog.Logger
	onGone   func(types.Instance)
	now      func() time.Time

	state types.FederationQueueState
	dirty bool
}

// NewInstanceWorker creates a worker. onGone is called after the instance
// has been marked dead.
func NewInstanceWorker(instance types.Instance, cfg WorkerConfig, deps Deps, onGone func(types.Instance)) *InstanceWorker {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RecheckDelay <= 0 {
		cfg.RecheckDelay = defaultRecheckDelay
	}
	return &InstanceWorker{
		instance: instance,
		cfg:      cfg,
		deps:     deps,
		logger:   logger.With(slog.Int64("instance", int64(instance.ID)), slog.String("domain", instance.Domain)),
		onGone:   onGone,
		now:      time.Now,
	}
}

// Run delivers until ctx is cancelled. A non-nil return is a fault the
// supervisor restarts from the persisted cursor. A nil return always means
// ctx was cancelled.
func (w *InstanceWorker) Run(ctx context.Context) error {
	if err := w.loadState(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer w.persistOnExit()

	for {
		err := w.loop(ctx)
		if ctx.Err() != nil {
			return nil
		}
		// A dead instance waits in loop until it is revived or the
		// manager stops this worker.
		if errors.Is(err, errGone) {
			continue
		}
		return err
	}
}

func (w *InstanceWorker) loop(ctx context.Context) error {
	for {
		if !w.waitForRetry(ctx) {
			return ctx.Err()
		}

		latest, err := w.deps.Caches.LatestID(ctx)
		if err != nil {
			return err
		}

		if latest <= w.state.LastSuccessfulID {
			if err := w.flush(ctx); err != nil {
				return err
			}
			if !sleep(ctx, w.cfg.RecheckDelay) {
				return ctx.Err()
			}
			continue
		}

		inst, err := w.deps.Instances.Get(ctx, w.instance.ID)
		if err != nil {
			return fmt.Errorf("failed to refresh instance: %w", err)
		}
		w.instance = inst
		if !inst.Live() {
			// The manager stops workers of blocked or dead instances, but
			// the instance may come back before it does.
			if err := w.flush(ctx); err != nil {
				return err
			}
			if !sleep(ctx, w.cfg.RecheckDelay) {
				return ctx.Err()
			}
			continue
		}

		end := w.state.LastSuccessfulID + types.ActivityID(w.cfg.BatchSize)
		if end > latest {
			end = latest
		}
		if err := w.processBatch(ctx, w.state.LastSuccessfulID+1, end); err != nil {
			return err
		}
		if err := w.flush(ctx); err != nil {
			return err
		}
	}
}

func (w *InstanceWorker) processBatch(ctx context.Context, from, to types.ActivityID) error {
	for id := from; id <= to; id++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		a, err := w.deps.Caches.Activity(ctx, id)
		if err != nil {
			return err
		}
		if a == nil {
			// Hole in the id sequence.
			w.advance(id, time.Time{})
			continue
		}

		if err := w.deliverActivity(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// deliverActivity sends a to every target inbox of the instance, in order.
// It returns only after a has been delivered or skipped, or on
// cancellation, a fault or errGone.
func (w *InstanceWorker) deliverActivity(ctx context.Context, a *types.SentActivity) error {
	inboxes, err := w.deps.Targets.Inboxes(ctx, a, w.instance)
	if err != nil {
		return err
	}
	if len(inboxes) == 0 {
		w.deps.Metrics.RecordSkip(w.instance.Domain, "not_a_target")
		w.advance(a.ID, a.PublishedAt)
		return nil
	}

	actor, err := w.deps.Caches.Actor(ctx, a.ActorAPID)
	if errors.Is(err, storage.ErrNotFound) {
		w.skip(a, "actor_not_found", err)
		return nil
	}
	if err != nil {
		return err
	}
	if actor.PrivateKeyPEM == "" {
		w.skip(a, "no_signing_key", fmt.Errorf("actor %s has no private key", actor.APID))
		return nil
	}

	for i := 0; i < len(inboxes); {
		err := w.send(ctx, actor, inboxes[i], a)
		switch {
		case err == nil:
			i++
		case errors.Is(err, delivery.ErrGone) && inboxes[i] != w.instance.SharedInbox():
			// The actor behind this inbox was deleted; the instance lives.
			w.deps.Metrics.RecordFailure(w.instance.Domain, "gone_inbox")
			w.logger.Info("skipping gone inbox",
				slog.Int64("activity_id", int64(a.ID)),
				slog.String("inbox", inboxes[i]))
			i++
		case errors.Is(err, delivery.ErrGone):
			w.deps.Metrics.RecordFailure(w.instance.Domain, "gone")
			return w.markGone(ctx, err)
		case errors.Is(err, delivery.ErrPermanent):
			w.deps.Metrics.RecordFailure(w.instance.Domain, "permanent")
			w.logger.Info("skipping inbox after permanent failure",
				slog.Int64("activity_id", int64(a.ID)),
				slog.String("inbox", inboxes[i]),
				slog.String("error", err.Error()))
			i++
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.deps.Metrics.RecordFailure(w.instance.Domain, "transient")
			if err := w.recordFailure(ctx, a, inboxes[i], err); err != nil {
				return err
			}
			if !w.waitForRetry(ctx) {
				return ctx.Err()
			}
		}
	}

	w.advance(a.ID, a.PublishedAt)
	return w.flush(ctx)
}

func (w *InstanceWorker) send(ctx context.Context, actor *types.Actor, inbox string, a *types.SentActivity) error {
	if w.deps.Tracer != nil {
		var span trace.Span
		ctx, span = w.deps.Tracer.Start(ctx, "federation.deliver",
			trace.WithAttributes(
				attribute.String("domain", w.instance.Domain),
				attribute.String("inbox", inbox),
				attribute.Int64("activity_id", int64(a.ID)),
			),
		)
		defer span.End()
		err := w.sendTimed(ctx, actor, inbox, a)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
	return w.sendTimed(ctx, actor, inbox, a)
}

func (w *InstanceWorker) sendTimed(ctx context.Context, actor *types.Actor, inbox string, a *types.SentActivity) error {
	start := w.now()
	err := w.deps.Sender.Send(ctx, delivery.Request{
		Inbox:         inbox,
		KeyID:         actor.KeyID(),
		PrivateKeyPEM: actor.PrivateKeyPEM,
		Body:          a.Data,
	})
	if err == nil {
		w.deps.Metrics.RecordDelivery(w.instance.Domain, float64(w.now().Sub(start).Microseconds())/1000, len(a.Data))
		w.logger.Debug("activity delivered",
			slog.Int64("activity_id", int64(a.ID)),
			slog.String("inbox", inbox))
	}
	return err
}

func (w *InstanceWorker) skip(a *types.SentActivity, reason string, err error) {
	w.deps.Metrics.RecordSkip(w.instance.Domain, reason)
	w.logger.Info("skipping activity",
		slog.Int64("activity_id", int64(a.ID)),
		slog.String("reason", reason),
		slog.String("error", err.Error()))
	w.advance(a.ID, a.PublishedAt)
}

// advance moves the cursor past id. Callers persist with flush.
func (w *InstanceWorker) advance(id types.ActivityID, published time.Time) {
	w.state.LastSuccessfulID = id
	w.state.FailCount = 0
	if !published.IsZero() {
		w.state.LastSuccessfulPublishedAt = published
	}
	w.dirty = true
}

func (w *InstanceWorker) recordFailure(ctx context.Context, a *types.SentActivity, inbox string, cause error) error {
	w.state.FailCount++
	w.state.LastRetryAt = w.now()
	w.dirty = true
	w.logger.Warn("delivery failed, backing off",
		slog.Int64("activity_id", int64(a.ID)),
		slog.String("inbox", inbox),
		slog.Int("fail_count", w.state.FailCount),
		slog.Duration("retry_after", w.cfg.Retry.Delay(w.state.FailCount)),
		slog.String("error", cause.Error()))
	return w.flush(ctx)
}

// waitForRetry sleeps until the backoff of the current failure streak has
// elapsed. It also applies a backoff loaded from a persisted state. It
// returns false if ctx was cancelled.
func (w *InstanceWorker) waitForRetry(ctx context.Context) bool {
	if w.state.FailCount == 0 {
		return true
	}
	wait := w.cfg.Retry.RetryAt(w.state.FailCount, w.state.LastRetryAt).Sub(w.now())
	if wait <= 0 {
		return ctx.Err() == nil
	}
	w.deps.Metrics.RecordRetry(w.instance.Domain)
	return sleep(ctx, wait)
}

func (w *InstanceWorker) markGone(ctx context.Context, cause error) error {
	w.logger.Warn("instance is gone, marking dead", slog.String("error", cause.Error()))
	if err := w.flush(ctx); err != nil {
		return err
	}
	if err := w.deps.Instances.SetDead(ctx, w.instance.ID, true); err != nil {
		return fmt.Errorf("failed to mark instance dead: %w", err)
	}
	w.instance.Dead = true
	if w.onGone != nil {
		w.onGone(w.instance)
	}
	return errGone
}

func (w *InstanceWorker) loadState(ctx context.Context) error {
	state, err := w.deps.Cursors.LoadState(ctx, w.instance.ID)
	if err == nil {
		w.state = state
		w.dirty = false
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to load queue state: %w", err)
	}

	// New instances do not receive history.
	latest, err := w.deps.Caches.LatestID(ctx)
	if err != nil {
		return err
	}
	w.state = types.FederationQueueState{
		InstanceID:       w.instance.ID,
		LastSuccessfulID: latest,
	}
	w.dirty = true
	w.logger.Info("starting new queue at latest activity", slog.Int64("activity_id", int64(latest)))
	return w.flush(ctx)
}

// flush persists the state if it changed since the last save.
func (w *InstanceWorker) flush(ctx context.Context) error {
	if !w.dirty {
		return nil
	}
	if err := w.deps.Cursors.SaveState(ctx, w.state); err != nil {
		return fmt.Errorf("failed to save queue state: %w", err)
	}
	w.dirty = false
	return nil
}

func (w *InstanceWorker) persistOnExit() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := w.flush(ctx); err != nil {
		w.logger.Error("failed to persist queue state on exit", slog.String("error", err.Error()))
	}
}

// sleep waits for d or until ctx is done; it reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
