// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"time"

	"github.com/SMART-Dal/codegreen/internal/timing"
)

// DefaultResetThreshold separates a counter wrap from a counter reset: a
// backwards step observed within the threshold is a wrap, a backwards step
// after a longer gap is treated as the counter having been reset externally.
const DefaultResetThreshold = time.Second

// counterUnwrapper reconstructs a monotonic total from a finite-width raw
// counter. The first update establishes the baseline; Total then counts raw
// units consumed since that baseline, across wraps.
//
// A reset re-bases the raw counter without disturbing Total, so consecutive
// reported energies never decrease.
type counterUnwrapper struct {
	maxRaw           uint64
	resetThresholdNs uint64

	primed  bool
	lastRaw uint64
	lastTs  timing.Timestamp

	total  uint64
	wraps  uint64
	resets uint64
}

// newCounterUnwrapper creates an unwrapper for a counter that wraps past
// maxRaw (the largest raw value, e.g. 2^W-1 for a W bit counter).
func newCounterUnwrapper(maxRaw uint64, resetThreshold time.Duration) *counterUnwrapper {
	if maxRaw == 0 {
		maxRaw = ^uint64(0)
	}
	if resetThreshold <= 0 {
		resetThreshold = DefaultResetThreshold
	}
	return &counterUnwrapper{
		maxRaw:           maxRaw,
		resetThresholdNs: uint64(resetThreshold.Nanoseconds()),
	}
}

// Update folds one raw sample into the running total and reports whether a
// wrap was detected and compensated.
func (u *counterUnwrapper) Update(raw uint64, ts timing.Timestamp) (total uint64, wrapped bool) {
	if !u.primed {
		u.primed = true
		u.lastRaw = raw
		u.lastTs = ts
		return 0, false
	}

	elapsed := ts - u.lastTs
	switch {
	case raw >= u.lastRaw:
		u.total += raw - u.lastRaw

	case elapsed < u.resetThresholdNs:
		// wrap: distance to the top of the counter, plus the restart
		u.total += (u.maxRaw - u.lastRaw) + raw + 1
		u.wraps++
		wrapped = true

	default:
		// counter reset: re-base without moving the total
		u.resets++
	}

	u.lastRaw = raw
	u.lastTs = ts
	return u.total, wrapped
}

// Total returns raw units accumulated since the baseline
func (u *counterUnwrapper) Total() uint64 {
	return u.total
}

// Wraps returns the number of compensated wraps
func (u *counterUnwrapper) Wraps() uint64 {
	return u.wraps
}

// Resets returns the number of observed counter resets
func (u *counterUnwrapper) Resets() uint64 {
	return u.resets
}
