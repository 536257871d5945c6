// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"math"
	"time"

	"github.com/absmach/fluxfed/config"
)

// RetryPolicy computes the wait before retrying a failed delivery.
// There is no retry limit; the delay plateaus at Max.
type RetryPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// NewRetryPolicy converts the retry configuration.
func NewRetryPolicy(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		Initial:    cfg.InitialInterval,
		Max:        cfg.MaxInterval,
		Multiplier: cfg.Multiplier,
	}
}

// Delay returns min(Initial * Multiplier^(failCount-1), Max). It is
// non-decreasing in failCount and 0 when failCount is 0.
func (p RetryPolicy) Delay(failCount int) time.Duration {
	if failCount <= 0 || p.Initial <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	limit := p.Max
	if limit < p.Initial {
		limit = p.Initial
	}

	d := float64(p.Initial) * math.Pow(mult, float64(failCount-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(limit) {
		return limit
	}
	return time.Duration(d)
}

// RetryAt returns when the next attempt is due for a cursor that has
// failed failCount times, the last time at lastRetry.
func (p RetryPolicy) RetryAt(failCount int, lastRetry time.Time) time.Time {
	return lastRetry.Add(p.Delay(failCount))
}
