// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxfed/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials"
)

// Resource attribute keys describing the federation node.
const (
	LocalDomainKey = attribute.Key("fluxfed.local_domain")
	SoftwareKey    = attribute.Key("fluxfed.software")
)

// Node identifies the federation node in exported telemetry.
type Node struct {
	Domain   string
	Software string
	Version  string
}

// InitProvider registers the global tracer and meter providers, exporting
// over OTLP gRPC to cfg.MetricsAddr. The returned function flushes and
// stops both providers.
func InitProvider(ctx context.Context, cfg config.ServerConfig, node Node) (func(context.Context) error, error) {
	res, err := newResource(ctx, cfg, node)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var shutdownFuncs []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdownFuncs {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	if cfg.OtelTracesEnabled {
		opts, err := traceExporterOptions(cfg)
		if err != nil {
			return nil, err
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tp := trace.NewTracerProvider(
			trace.WithResource(res),
			trace.WithSampler(newSampler(cfg.OtelTraceSampleRate)),
			trace.WithBatcher(exporter,
				trace.WithMaxExportBatchSize(512),
				trace.WithBatchTimeout(5*time.Second),
			),
		)
		otel.SetTracerProvider(tp)
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
	} else {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	if cfg.OtelMetricsEnabled {
		opts, err := metricExporterOptions(cfg)
		if err != nil {
			_ = shutdown(ctx)
			return nil, err
		}
		exporter, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		mp := metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(metric.NewPeriodicReader(exporter,
				metric.WithInterval(cfg.OtelExportInterval),
			)),
		)
		otel.SetMeterProvider(mp)
		shutdownFuncs = append(shutdownFuncs, mp.Shutdown)
	}

	return shutdown, nil
}

func newResource(ctx context.Context, cfg config.ServerConfig, node Node) (*resource.Resource, error) {
	version := node.Version
	if version == "" {
		version = cfg.OtelServiceVersion
	}
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.OtelServiceName),
			semconv.ServiceVersionKey.String(version),
			semconv.ServiceInstanceIDKey.String(node.Domain),
			LocalDomainKey.String(node.Domain),
			SoftwareKey.String(node.Software),
		),
	)
}

// newSampler samples every root span at rate 1, none at rate 0, and a
// trace ID ratio in between. Child spans follow their parent.
func newSampler(rate float64) trace.Sampler {
	switch {
	case rate >= 1:
		return trace.ParentBased(trace.AlwaysSample())
	case rate <= 0:
		return trace.ParentBased(trace.NeverSample())
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(rate))
	}
}

// transportCredentials returns nil for plaintext and for the system roots,
// which the exporters use when no credentials are set.
func transportCredentials(cfg config.ServerConfig) (credentials.TransportCredentials, error) {
	if cfg.OtelInsecure || cfg.OtelCAFile == "" {
		return nil, nil
	}
	creds, err := credentials.NewClientTLSFromFile(cfg.OtelCAFile, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load OTLP CA file: %w", err)
	}
	return creds, nil
}

func traceExporterOptions(cfg config.ServerConfig) ([]otlptracegrpc.Option, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.MetricsAddr),
		otlptracegrpc.WithTimeout(cfg.OtelExportTimeout),
	}
	creds, err := transportCredentials(cfg)
	if err != nil {
		return nil, err
	}
	switch {
	case cfg.OtelInsecure:
		opts = append(opts, otlptracegrpc.WithInsecure())
	case creds != nil:
		opts = append(opts, otlptracegrpc.WithTLSCredentials(creds))
	}
	return opts, nil
}

func metricExporterOptions(cfg config.ServerConfig) ([]otlpmetricgrpc.Option, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.MetricsAddr),
		otlpmetricgrpc.WithTimeout(cfg.OtelExportTimeout),
	}
	creds, err := transportCredentials(cfg)
	if err != nil {
		return nil, err
	}
	switch {
	case cfg.OtelInsecure:
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	case creds != nil:
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(creds))
	}
	return opts, nil
}
