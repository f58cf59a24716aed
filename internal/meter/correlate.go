// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"sort"
	"time"

	"github.com/SMART-Dal/codegreen/internal/coordinator"
	"github.com/SMART-Dal/codegreen/internal/device"
)

// correlator joins markers against one consistent snapshot of the reading
// window. A tick is usable for bracketing when at least one of its provider
// readings is valid.
type correlator struct {
	readings []coordinator.SynchronizedReading
	valid    []int // indices of usable ticks, ascending by timestamp

	bracketWindowNs uint64
	timerFactor     float64
	bufferWrapped   bool
}

func newCorrelator(readings []coordinator.SynchronizedReading, bracketWindow time.Duration, timerFactor float64, bufferWrapped bool) *correlator {
	c := &correlator{
		readings:        readings,
		bracketWindowNs: uint64(bracketWindow.Nanoseconds()),
		timerFactor:     timerFactor,
		bufferWrapped:   bufferWrapped,
	}
	for i, r := range readings {
		if tickUsable(r) {
			c.valid = append(c.valid, i)
		}
	}
	return c
}

func tickUsable(r coordinator.SynchronizedReading) bool {
	for _, pr := range r.Readings {
		if pr.Valid {
			return true
		}
	}
	return false
}

// checkpoint correlates one marker.
//
// Bracketed by two usable ticks the energy is linearly interpolated and
// confidence starts at 1.0, decaying as the bracket gap grows past the
// bracket window. One-sided brackets clamp to the adjacent reading at
// confidence 0.5. Markers older than the retained window, or with no usable
// tick at all, get confidence 0.
func (c *correlator) checkpoint(mk Marker) CorrelatedCheckpoint {
	out := CorrelatedCheckpoint{
		Name:        mk.Name,
		Timestamp:   mk.Timestamp,
		PerProvider: map[device.ProviderID]float64{},
	}

	if len(c.valid) == 0 {
		return out
	}

	ts := mk.Timestamp

	// first usable tick with timestamp >= ts
	pos := sort.Search(len(c.valid), func(i int) bool {
		return c.readings[c.valid[i]].Timestamp >= ts
	})

	switch {
	case pos == 0:
		// marker precedes the window: clamp to the first reading
		first := c.readings[c.valid[0]]
		c.clampTo(&out, first)
		if c.bufferWrapped && first.Timestamp > ts {
			// the true bracket was overwritten
			out.Confidence = 0
		}
		return out

	case pos == len(c.valid):
		// marker is newer than every reading
		c.clampTo(&out, c.readings[c.valid[len(c.valid)-1]])
		return out
	}

	r1 := c.readings[c.valid[pos-1]]
	r2 := c.readings[c.valid[pos]]

	ratio := 0.0
	if gap := r2.Timestamp - r1.Timestamp; gap > 0 {
		ratio = float64(ts-r1.Timestamp) / float64(gap)
	}

	out.CumulativeJoules = lerp(r1.TotalEnergy.Joules(), r2.TotalEnergy.Joules(), ratio)
	for id, pr1 := range r1.Readings {
		pr2, ok := r2.Readings[id]
		if !pr1.Valid || !ok || !pr2.Valid {
			continue
		}
		out.PerProvider[id] = lerp(pr1.Energy.Joules(), pr2.Energy.Joules(), ratio)
	}

	out.Confidence = c.bracketConfidence(r1, r2)
	return out
}

// clampTo fills a one-sided checkpoint from the single adjacent reading
func (c *correlator) clampTo(out *CorrelatedCheckpoint, r coordinator.SynchronizedReading) {
	out.CumulativeJoules = r.TotalEnergy.Joules()
	for id, pr := range r.Readings {
		if pr.Valid {
			out.PerProvider[id] = pr.Energy.Joules()
		}
	}
	out.Confidence = 0.5 * c.timerFactor
}

func (c *correlator) bracketConfidence(r1, r2 coordinator.SynchronizedReading) float64 {
	gap := r2.Timestamp - r1.Timestamp

	conf := 1.0
	if gap > c.bracketWindowNs {
		// linear decay to zero as the gap approaches 10x the window
		span := 9 * float64(c.bracketWindowNs)
		conf = 1.0 - float64(gap-c.bracketWindowNs)/span
		if conf < 0 {
			conf = 0
		}
	}

	if tickWrapped(r1) || tickWrapped(r2) {
		// wrap compensation across the interpolated interval is imprecise
		conf *= 0.5
	}

	return conf * c.timerFactor
}

func tickWrapped(r coordinator.SynchronizedReading) bool {
	for _, pr := range r.Readings {
		if pr.Valid && pr.CounterWrapped {
			return true
		}
	}
	return false
}

func lerp(a, b, ratio float64) float64 {
	return a + ratio*(b-a)
}
