// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"time"

	"github.com/SMART-Dal/codegreen/internal/coordinator"
	"github.com/SMART-Dal/codegreen/internal/device"
	"github.com/SMART-Dal/codegreen/internal/timing"
)

// Marker is a named, timestamped point emitted by application code.
// The name is canonical: "{raw}#inv_{N}_t{TAG}" where N is the per-scope
// per-raw-name invocation ordinal and TAG identifies the emitting scope.
type Marker struct {
	Name      string
	Timestamp timing.Timestamp
}

// CorrelatedCheckpoint is a marker joined with the energy time series.
type CorrelatedCheckpoint struct {
	Name      string
	Timestamp timing.Timestamp

	// CumulativeJoules is the interpolated total energy at the marker
	CumulativeJoules float64

	// PerProvider holds the interpolated cumulative energy per provider
	PerProvider map[device.ProviderID]float64

	// Confidence is 1.0 for a tight bracket of valid readings and degrades
	// per the bracket-window, timer-source and wrap-adjacency rules
	Confidence float64
}

// ReadingSource is the slice of the coordinator the meter consumes
type ReadingSource interface {
	Start() error
	Shutdown() error
	Snapshot() []coordinator.SynchronizedReading
	Latest() (coordinator.SynchronizedReading, error)
	ActiveProviders() []device.ProviderID
	ProviderStates() map[device.ProviderID]string
	Diagnostics() map[string]string
	Interval() time.Duration
	BufferWrapped() bool
}
