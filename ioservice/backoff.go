// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioservice

import (
	"math"
	"time"
)

// BackoffPolicy picks the delay before a Backoff slot is allowed to retry:
// exponential growth from Initial by Multiplier, clamped to Max, with
// symmetric jitter of ±Jitter (a fraction, e.g. 0.2 for ±20%) applied on
// top of the clamped value. The jittered delay is clamped to [0, Max]
// again, so at the cap only the downward half of the jitter applies.
type BackoffPolicy struct {
	Initial    time.Duration
	Multiplier float64
	Jitter     float64
	Max        time.Duration
}

// DefaultBackoffPolicy is the policy an IOService uses unless overridden
// with WithBackoffPolicy: 100ms initial delay, doubling, ±20% jitter,
// capped at 30s.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Initial:    100 * time.Millisecond,
		Multiplier: 2.0,
		Jitter:     0.2,
		Max:        30 * time.Second,
	}
}

// next computes the delay for the given zero-based retry attempt. rnd
// supplies a uniform [0,1) sample (normally rand.Float64); tests pass a
// fixed source to make the jitter deterministic.
func (p BackoffPolicy) next(attempt int, rnd func() float64) time.Duration {
	base := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt))
	if max := float64(p.Max); base > max {
		base = max
	}
	jitterRange := base * p.Jitter
	d := base + (rnd()*2-1)*jitterRange
	if d < 0 {
		d = 0
	}
	if d > float64(p.Max) {
		d = float64(p.Max)
	}
	return time.Duration(d)
}
