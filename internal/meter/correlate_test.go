// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SMART-Dal/codegreen/internal/coordinator"
	"github.com/SMART-Dal/codegreen/internal/device"
)

const bw = 10 * time.Millisecond

func reading(ts uint64, joules float64) coordinator.SynchronizedReading {
	e := device.EnergyFromJoules(joules)
	return coordinator.SynchronizedReading{
		Timestamp:   ts,
		TotalEnergy: e,
		Readings: map[device.ProviderID]device.EnergyReading{
			"p0": {Timestamp: ts, Energy: e, Valid: true},
		},
	}
}

func invalidReading(ts uint64) coordinator.SynchronizedReading {
	return coordinator.SynchronizedReading{
		Timestamp: ts,
		Readings: map[device.ProviderID]device.EnergyReading{
			"p0": {Timestamp: ts, Valid: false},
		},
	}
}

func wrappedReading(ts uint64, joules float64) coordinator.SynchronizedReading {
	r := reading(ts, joules)
	pr := r.Readings["p0"]
	pr.CounterWrapped = true
	r.Readings["p0"] = pr
	return r
}

func TestBracketedInterpolation(t *testing.T) {
	c := newCorrelator([]coordinator.SynchronizedReading{
		reading(0, 0),
		reading(1_000_000, 10),
	}, bw, 1.0, false)

	cp := c.checkpoint(Marker{Name: "m", Timestamp: 500_000})
	assert.InDelta(t, 5.0, cp.CumulativeJoules, 1e-9)
	assert.Equal(t, 1.0, cp.Confidence)
	assert.InDelta(t, 5.0, cp.PerProvider["p0"], 1e-9)
}

func TestInterpolationExactAtKnots(t *testing.T) {
	readings := []coordinator.SynchronizedReading{
		reading(0, 0),
		reading(1_000_000, 10),
		reading(2_000_000, 12),
	}
	c := newCorrelator(readings, bw, 1.0, false)

	for _, r := range readings {
		cp := c.checkpoint(Marker{Name: "knot", Timestamp: r.Timestamp})
		assert.InDelta(t, r.TotalEnergy.Joules(), cp.CumulativeJoules, 1e-9)
	}
}

func TestMarkerBeforeFirstReading(t *testing.T) {
	c := newCorrelator([]coordinator.SynchronizedReading{
		reading(1_000_000, 0),
		reading(2_000_000, 10),
	}, bw, 1.0, false)

	cp := c.checkpoint(Marker{Name: "early", Timestamp: 999_000})
	assert.Equal(t, 0.0, cp.CumulativeJoules)
	assert.LessOrEqual(t, cp.Confidence, 0.5)
	assert.Greater(t, cp.Confidence, 0.0)
}

func TestMarkerAfterLastReading(t *testing.T) {
	c := newCorrelator([]coordinator.SynchronizedReading{
		reading(0, 0),
		reading(1_000_000, 10),
	}, bw, 1.0, false)

	cp := c.checkpoint(Marker{Name: "late", Timestamp: 5_000_000})
	assert.InDelta(t, 10.0, cp.CumulativeJoules, 1e-9)
	assert.Equal(t, 0.5, cp.Confidence)
}

func TestMarkerOlderThanRetainedWindow(t *testing.T) {
	// buffer wrapped: the true bracket of an old marker was overwritten
	c := newCorrelator([]coordinator.SynchronizedReading{
		reading(10_000_000, 50),
		reading(11_000_000, 55),
	}, bw, 1.0, true)

	cp := c.checkpoint(Marker{Name: "old", Timestamp: 1_000})
	assert.Equal(t, 0.0, cp.Confidence)
	assert.InDelta(t, 50.0, cp.CumulativeJoules, 1e-9,
		"interpolates against the nearest retained reading")
}

func TestEmptyBuffer(t *testing.T) {
	c := newCorrelator(nil, bw, 1.0, false)

	cp := c.checkpoint(Marker{Name: "m", Timestamp: 1_000})
	assert.Equal(t, 0.0, cp.CumulativeJoules)
	assert.Equal(t, 0.0, cp.Confidence)
}

func TestAllInvalidReadings(t *testing.T) {
	c := newCorrelator([]coordinator.SynchronizedReading{
		invalidReading(0),
		invalidReading(1_000_000),
	}, bw, 1.0, false)

	cp := c.checkpoint(Marker{Name: "m", Timestamp: 500_000})
	assert.Equal(t, 0.0, cp.CumulativeJoules)
	assert.Equal(t, 0.0, cp.Confidence)
}

func TestInvalidTicksSkippedForBracketing(t *testing.T) {
	c := newCorrelator([]coordinator.SynchronizedReading{
		reading(0, 0),
		invalidReading(400_000),
		reading(1_000_000, 10),
	}, bw, 1.0, false)

	cp := c.checkpoint(Marker{Name: "m", Timestamp: 500_000})
	assert.InDelta(t, 5.0, cp.CumulativeJoules, 1e-9)
	assert.Equal(t, 1.0, cp.Confidence)
}

func TestConfidenceDecaysWithBracketGap(t *testing.T) {
	ns := uint64(bw.Nanoseconds())

	tt := []struct {
		name string
		gap  uint64
		want float64
	}{
		{"within window", ns, 1.0},
		{"double window", 2 * ns, 1.0 - 1.0/9.0},
		{"at 10x window", 10 * ns, 0.0},
		{"beyond 10x window", 20 * ns, 0.0},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			c := newCorrelator([]coordinator.SynchronizedReading{
				reading(0, 0),
				reading(tc.gap, 10),
			}, bw, 1.0, false)

			cp := c.checkpoint(Marker{Name: "m", Timestamp: tc.gap / 2})
			assert.InDelta(t, tc.want, cp.Confidence, 1e-9)
		})
	}
}

func TestWrapAdjacencyPenalty(t *testing.T) {
	c := newCorrelator([]coordinator.SynchronizedReading{
		reading(0, 0),
		wrappedReading(1_000_000, 10),
	}, bw, 1.0, false)

	cp := c.checkpoint(Marker{Name: "m", Timestamp: 500_000})
	assert.Equal(t, 0.5, cp.Confidence)
}

func TestTimerFactorScalesConfidence(t *testing.T) {
	// wall-clock fallback halves every confidence
	c := newCorrelator([]coordinator.SynchronizedReading{
		reading(0, 0),
		reading(1_000_000, 10),
	}, bw, 0.5, false)

	cp := c.checkpoint(Marker{Name: "m", Timestamp: 500_000})
	assert.Equal(t, 0.5, cp.Confidence)

	cp = c.checkpoint(Marker{Name: "late", Timestamp: 2_000_000})
	assert.Equal(t, 0.25, cp.Confidence)
}

func TestPerProviderSkipsHalfInvalid(t *testing.T) {
	r1 := reading(0, 0)
	r1.Readings["p1"] = device.EnergyReading{Timestamp: 0, Energy: 0, Valid: true}
	r2 := reading(1_000_000, 10)
	r2.Readings["p1"] = device.EnergyReading{Timestamp: 1_000_000, Valid: false}

	c := newCorrelator([]coordinator.SynchronizedReading{r1, r2}, bw, 1.0, false)
	cp := c.checkpoint(Marker{Name: "m", Timestamp: 500_000})

	require.Contains(t, cp.PerProvider, device.ProviderID("p0"))
	assert.NotContains(t, cp.PerProvider, device.ProviderID("p1"),
		"providers invalid on either bracket side are omitted")
}
