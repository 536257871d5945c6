// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/absmach/fluxfed/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

func TestNewResource(t *testing.T) {
	cfg := config.Default().Server
	res, err := newResource(context.Background(), cfg, Node{Domain: "local.example", Software: "fluxfed", Version: "0.1.0"})
	require.NoError(t, err)

	attrs := res.Set()
	for key, want := range map[attribute.Key]string{
		semconv.ServiceNameKey:       "fluxfed",
		semconv.ServiceVersionKey:    "0.1.0",
		semconv.ServiceInstanceIDKey: "local.example",
		LocalDomainKey:               "local.example",
		SoftwareKey:                  "fluxfed",
	} {
		v, ok := attrs.Value(key)
		require.True(t, ok, key)
		assert.Equal(t, want, v.AsString(), key)
	}

	res, err = newResource(context.Background(), cfg, Node{Domain: "local.example"})
	require.NoError(t, err)
	v, _ := res.Set().Value(semconv.ServiceVersionKey)
	assert.Equal(t, cfg.OtelServiceVersion, v.AsString(), "falls back to the configured version")
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1, "AlwaysOnSampler"},
		{1.5, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		desc := newSampler(tt.rate).Description()
		assert.Contains(t, desc, "ParentBased{root:"+tt.want, tt.rate)
	}
}

func TestExporterOptions(t *testing.T) {
	cfg := config.Default().Server

	traceOpts, err := traceExporterOptions(cfg)
	require.NoError(t, err)
	assert.Len(t, traceOpts, 3, "endpoint, timeout and insecure")

	cfg.OtelInsecure = false
	metricOpts, err := metricExporterOptions(cfg)
	require.NoError(t, err)
	assert.Len(t, metricOpts, 2, "system roots need no credentials option")

	cfg.OtelCAFile = filepath.Join(t.TempDir(), "missing.pem")
	_, err = traceExporterOptions(cfg)
	assert.ErrorContains(t, err, "CA file")
	_, err = metricExporterOptions(cfg)
	assert.ErrorContains(t, err, "CA file")
}
