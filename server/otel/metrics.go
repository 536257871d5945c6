// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the federation engine.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	meter metric.Meter

	// Counters
	deliveriesTotal metric.Int64Counter
	failuresTotal   metric.Int64Counter
	skipsTotal      metric.Int64Counter
	retriesTotal    metric.Int64Counter
	restartsTotal   metric.Int64Counter
	inboxAccepted   metric.Int64Counter
	inboxRejected   metric.Int64Counter

	// UpDownCounters (Gauges)
	workersActive metric.Int64UpDownCounter

	// Gauges
	cursorLag metric.Int64Gauge

	// Histograms
	deliveryDuration metric.Float64Histogram
	payloadSize      metric.Int64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("fluxfed"),
	}

	var err error

	// Initialize counters
	m.deliveriesTotal, err = m.meter.Int64Counter(
		"federation.deliveries.total",
		metric.WithDescription("Total activities delivered to remote inboxes"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveriesTotal counter: %w", err)
	}

	m.failuresTotal, err = m.meter.Int64Counter(
		"federation.failures.total",
		metric.WithDescription("Total failed delivery attempts by kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failuresTotal counter: %w", err)
	}

	m.skipsTotal, err = m.meter.Int64Counter(
		"federation.skips.total",
		metric.WithDescription("Total activities skipped for a destination"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create skipsTotal counter: %w", err)
	}

	m.retriesTotal, err = m.meter.Int64Counter(
		"federation.retries.total",
		metric.WithDescription("Total backoff waits before retrying a delivery"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retriesTotal counter: %w", err)
	}

	m.restartsTotal, err = m.meter.Int64Counter(
		"federation.worker.restarts.total",
		metric.WithDescription("Total worker restarts after an unexpected exit"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create restartsTotal counter: %w", err)
	}

	m.inboxAccepted, err = m.meter.Int64Counter(
		"inbox.accepted.total",
		metric.WithDescription("Total inbound activities accepted"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inboxAccepted counter: %w", err)
	}

	m.inboxRejected, err = m.meter.Int64Counter(
		"inbox.rejected.total",
		metric.WithDescription("Total inbound activities rejected by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inboxRejected counter: %w", err)
	}

	// Initialize up-down counters
	m.workersActive, err = m.meter.Int64UpDownCounter(
		"federation.workers.active",
		metric.WithDescription("Number of running instance workers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create workersActive counter: %w", err)
	}

	m.cursorLag, err = m.meter.Int64Gauge(
		"federation.cursor.lag",
		metric.WithDescription("Activities not yet delivered to an instance"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cursorLag gauge: %w", err)
	}

	// Initialize histograms
	m.deliveryDuration, err = m.meter.Float64Histogram(
		"federation.delivery.duration",
		metric.WithDescription("Duration of one signed inbox POST"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveryDuration histogram: %w", err)
	}

	m.payloadSize, err = m.meter.Int64Histogram(
		"federation.payload.size",
		metric.WithDescription("Size of delivered activity payloads"),
		metric.WithUnit("bytes"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create payloadSize histogram: %w", err)
	}

	return m, nil
}

// RecordDelivery records a successful delivery to one inbox.
func (m *Metrics) RecordDelivery(domain string, durationMs float64, size int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("domain", domain))
	m.deliveriesTotal.Add(ctx, 1, attrs)
	m.deliveryDuration.Record(ctx, durationMs, attrs)
	m.payloadSize.Record(ctx, int64(size))
}

// RecordFailure records a failed delivery attempt. kind is one of
// transient, permanent or gone.
func (m *Metrics) RecordFailure(domain, kind string) {
	if m == nil {
		return
	}
	m.failuresTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("domain", domain),
			attribute.String("kind", kind),
		),
	)
}

// RecordSkip records an activity the destination does not receive.
func (m *Metrics) RecordSkip(domain, reason string) {
	if m == nil {
		return
	}
	m.skipsTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("domain", domain),
			attribute.String("reason", reason),
		),
	)
}

// RecordRetry records a backoff wait.
func (m *Metrics) RecordRetry(domain string) {
	if m == nil {
		return
	}
	m.retriesTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("domain", domain)))
}

// RecordRestart records a supervised task restart.
func (m *Metrics) RecordRestart(task string) {
	if m == nil {
		return
	}
	m.restartsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("task", task)))
}

// WorkerStarted increments the running worker gauge.
func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.workersActive.Add(context.Background(), 1)
}

// WorkerStopped decrements the running worker gauge.
func (m *Metrics) WorkerStopped() {
	if m == nil {
		return
	}
	m.workersActive.Add(context.Background(), -1)
}

// SetLag records how far an instance cursor is behind the latest id.
func (m *Metrics) SetLag(domain string, lag int64) {
	if m == nil {
		return
	}
	m.cursorLag.Record(context.Background(), lag, metric.WithAttributes(attribute.String("domain", domain)))
}

// RecordInbox records the outcome of one inbound request.
func (m *Metrics) RecordInbox(accepted bool, reason string) {
	if m == nil {
		return
	}
	ctx := context.Background()
	if accepted {
		m.inboxAccepted.Add(ctx, 1)
		return
	}
	m.inboxRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
