// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"testing"
	"time"

	"github.com/absmach/fluxfed/config"
	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{Initial: 2 * time.Second, Max: time.Minute, Multiplier: 2}

	tests := []struct {
		failCount int
		want      time.Duration
	}{
		{0, 0},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, time.Minute},
		{100, time.Minute},
		{1 << 20, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.failCount), "fail count %d", tt.failCount)
	}
}

func TestRetryPolicy_Monotonic(t *testing.T) {
	policies := []RetryPolicy{
		NewRetryPolicy(config.Default().Federation.Retry),
		{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 1.5},
		{Initial: time.Second, Max: time.Second, Multiplier: 3},
		{Initial: time.Second, Max: 0, Multiplier: 0.5},
	}
	for _, p := range policies {
		prev := time.Duration(0)
		for n := 1; n <= 200; n++ {
			d := p.Delay(n)
			assert.GreaterOrEqual(t, d, prev, "delay decreased at %d for %+v", n, p)
			assert.LessOrEqual(t, d, max(p.Max, p.Initial))
			prev = d
		}
		assert.Equal(t, max(p.Max, p.Initial), p.Delay(200), "delay plateaus at the cap")
	}
}

func TestRetryPolicy_RetryAt(t *testing.T) {
	p := RetryPolicy{Initial: time.Second, Max: time.Minute, Multiplier: 2}
	last := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, last.Add(4*time.Second), p.RetryAt(3, last))
	assert.Equal(t, last, p.RetryAt(0, last))
}
