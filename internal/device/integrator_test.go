// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntegratorConstantPower(t *testing.T) {
	pi := newPowerIntegrator(16)

	// 100 W held for 1 s in 10 steps -> 100 J
	second := uint64(time.Second)
	for i := uint64(0); i <= 10; i++ {
		pi.Add(i*second/10, 100.0)
	}

	assert.InDelta(t, 100.0, pi.Total().Joules(), 1e-6)
}

func TestIntegratorRampPower(t *testing.T) {
	pi := newPowerIntegrator(16)

	// linear ramp 0 W -> 100 W over 1 s integrates to 50 J
	second := uint64(time.Second)
	for i := uint64(0); i <= 10; i++ {
		pi.Add(i*second/10, float64(i)*10.0)
	}

	assert.InDelta(t, 50.0, pi.Total().Joules(), 1e-6)
}

func TestIntegratorFirstSampleContributesNothing(t *testing.T) {
	pi := newPowerIntegrator(16)
	assert.Equal(t, Energy(0), pi.Add(1000, 500.0))
}

func TestIntegratorIgnoresBadSamples(t *testing.T) {
	pi := newPowerIntegrator(16)
	pi.Add(0, 100)

	// negative power clamps to zero rather than subtracting energy
	total := pi.Add(uint64(time.Second), -50)
	assert.InDelta(t, 50.0, total.Joules(), 1e-6)

	// non-advancing timestamp adds nothing
	before := pi.Total()
	assert.Equal(t, before, pi.Add(uint64(time.Second), 100))
}

func TestIntegratorRollingSumBeyondRetention(t *testing.T) {
	// retention far smaller than the sample count; the sum must keep going
	pi := newPowerIntegrator(8)

	second := uint64(time.Second)
	for i := uint64(0); i <= 1000; i++ {
		pi.Add(i*second/10, 10.0)
	}

	assert.InDelta(t, 1000.0, pi.Total().Joules(), 1e-3)
}

func TestIntegratorReseed(t *testing.T) {
	pi := newPowerIntegrator(8)
	second := uint64(time.Second)
	for i := uint64(0); i <= 10; i++ {
		pi.Add(i*second/10, 100.0)
	}
	total := pi.Total()

	pi.Reseed()
	pi.Add(2*second, 100.0)
	assert.Greater(t, pi.Total(), total, "integration continues after reseed")
}
