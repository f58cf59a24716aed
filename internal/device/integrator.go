// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"math"

	"github.com/SMART-Dal/codegreen/internal/timing"
)

// DefaultIntegratorSamples bounds the retained power samples. The rolling
// sum makes integration O(1) per poll; the retained window only exists so
// integration can be re-seeded after a provider restart.
const DefaultIntegratorSamples = 4096

type powerSample struct {
	ts    timing.Timestamp
	watts float64
}

// powerIntegrator converts instantaneous power samples into cumulative
// energy by trapezoidal integration. Samples beyond the retention window are
// folded into the rolling sum and forgotten.
type powerIntegrator struct {
	samples []powerSample
	head    int
	count   int

	primed      bool
	last        powerSample
	microJoules float64
}

func newPowerIntegrator(retain int) *powerIntegrator {
	if retain <= 0 {
		retain = DefaultIntegratorSamples
	}
	return &powerIntegrator{
		samples: make([]powerSample, retain),
	}
}

// Add folds one power sample into the integral and returns the cumulative
// energy so far.
func (pi *powerIntegrator) Add(ts timing.Timestamp, watts float64) Energy {
	if watts < 0 || math.IsNaN(watts) {
		watts = 0
	}

	if pi.primed && ts > pi.last.ts {
		dtSeconds := float64(ts-pi.last.ts) / 1e9
		pi.microJoules += (pi.last.watts + watts) / 2 * dtSeconds * 1e6
	}

	pi.last = powerSample{ts: ts, watts: watts}
	pi.primed = true

	pi.samples[pi.head] = pi.last
	pi.head = (pi.head + 1) % len(pi.samples)
	if pi.count < len(pi.samples) {
		pi.count++
	}

	return Energy(pi.microJoules)
}

// Total returns the cumulative integrated energy
func (pi *powerIntegrator) Total() Energy {
	return Energy(pi.microJoules)
}

// Reseed rebuilds the last-sample continuity point from the newest retained
// sample, e.g. across a provider restart. The accumulated total is
// preserved; the older retained samples are not replayed.
func (pi *powerIntegrator) Reseed() {
	if pi.count == 0 {
		pi.primed = false
		return
	}
	newest := (pi.head - 1 + len(pi.samples)) % len(pi.samples)
	pi.last = pi.samples[newest]
	pi.primed = true
}
