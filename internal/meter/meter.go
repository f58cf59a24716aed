// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

// Package meter is the measurement façade: it records named markers on the
// hot path and correlates them with the buffered energy time series on
// demand.
package meter

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/SMART-Dal/codegreen/internal/coordinator"
	"github.com/SMART-Dal/codegreen/internal/timing"
)

var (
	// ErrShutdown is returned by operations invoked after Shutdown
	ErrShutdown = errors.New("meter is shut down")

	// ErrMarkerNotFound is returned by EnergyBetween for unknown markers
	ErrMarkerNotFound = errors.New("marker not found")

	// ErrRequiredProvider is returned at construction when a required
	// provider failed to initialize
	ErrRequiredProvider = errors.New("required provider failed to initialize")
)

// Meter owns the timer and the coordinator. Construction starts the
// background polling; Shutdown (or nothing worse than process exit) stops
// it. All application goroutines may call Mark concurrently.
type Meter struct {
	logger *slog.Logger
	timer  *timing.Timer
	source ReadingSource

	bracketWindow time.Duration

	scopesMu     sync.Mutex
	scopes       []*MarkScope
	defaultScope *MarkScope

	checkpointGroup singleflight.Group

	shutdown     atomic.Bool
	droppedMarks atomic.Uint64
	warnings     atomic.Uint64
}

// New constructs a meter over the given timer and reading source and starts
// the background polling. If any required provider failed to initialize the
// construction fails and the source is shut down.
func New(timer *timing.Timer, source ReadingSource, applyOpts ...OptionFn) (*Meter, error) {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	m := &Meter{
		logger:        opts.logger.With("service", "meter"),
		timer:         timer,
		source:        source,
		bracketWindow: opts.bracketWindow,
	}
	if m.bracketWindow <= 0 {
		m.bracketWindow = 10 * source.Interval()
	}
	m.defaultScope = newMarkScope(m)
	m.scopes = []*MarkScope{m.defaultScope}

	if err := source.Start(); err != nil {
		return nil, fmt.Errorf("failed to start measurement: %w", err)
	}

	if len(opts.required) > 0 {
		states := source.ProviderStates()
		for _, id := range opts.required {
			if states[id] != "healthy" {
				_ = source.Shutdown()
				return nil, fmt.Errorf("%w: %s (%s)", ErrRequiredProvider, id, states[id])
			}
		}
	}

	return m, nil
}

// Mark records a marker through the shared scope and returns its canonical
// name. For contention-free marking from multiple goroutines use Scope.
func (m *Meter) Mark(name string) string {
	return m.defaultScope.Mark(name)
}

// Scope creates a marking scope for a single goroutine.
func (m *Meter) Scope() *MarkScope {
	s := newMarkScope(m)
	m.scopesMu.Lock()
	m.scopes = append(m.scopes, s)
	m.scopesMu.Unlock()
	return s
}

// Reset begins a new measurement session: all markers and ordinals are
// cleared. Buffered readings are kept.
func (m *Meter) Reset() {
	m.scopesMu.Lock()
	defer m.scopesMu.Unlock()
	for _, s := range m.scopes {
		s.reset()
	}
}

// ReadNow returns the most recent synchronized reading.
func (m *Meter) ReadNow() (coordinator.SynchronizedReading, error) {
	if m.isShutdown() {
		return coordinator.SynchronizedReading{}, ErrShutdown
	}
	return m.source.Latest()
}

// markers merges all scopes, sorted by timestamp
func (m *Meter) markers() []Marker {
	m.scopesMu.Lock()
	scopes := make([]*MarkScope, len(m.scopes))
	copy(scopes, m.scopes)
	m.scopesMu.Unlock()

	var all []Marker
	for _, s := range scopes {
		all = append(all, s.drain()...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp < all[j].Timestamp
	})
	return all
}

// Checkpoints correlates every marker with the buffered readings.
// Concurrent callers share one computation. Checkpoints stays usable after
// Shutdown and then correlates against the final buffer snapshot.
func (m *Meter) Checkpoints() []CorrelatedCheckpoint {
	v, _, _ := m.checkpointGroup.Do("checkpoints", func() (any, error) {
		return m.computeCheckpoints(), nil
	})
	return v.([]CorrelatedCheckpoint)
}

func (m *Meter) computeCheckpoints() []CorrelatedCheckpoint {
	readings := m.source.Snapshot()
	markers := m.markers()

	corr := newCorrelator(readings, m.bracketWindow, m.timer.ConfidenceFactor(), m.source.BufferWrapped())

	out := make([]CorrelatedCheckpoint, 0, len(markers))
	for _, mk := range markers {
		out = append(out, corr.checkpoint(mk))
	}
	return out
}

// EnergyBetween returns the energy consumed between two markers, by
// canonical name. A negative interval (possible on wrap-adjacent
// interpolation) is clamped to zero and counted in diagnostics.
func (m *Meter) EnergyBetween(nameA, nameB string) (float64, error) {
	checkpoints := m.Checkpoints()

	var a, b *CorrelatedCheckpoint
	for i := range checkpoints {
		switch checkpoints[i].Name {
		case nameA:
			a = &checkpoints[i]
		case nameB:
			b = &checkpoints[i]
		}
	}
	if a == nil {
		return 0, fmt.Errorf("%w: %s", ErrMarkerNotFound, nameA)
	}
	if b == nil {
		return 0, fmt.Errorf("%w: %s", ErrMarkerNotFound, nameB)
	}

	delta := b.CumulativeJoules - a.CumulativeJoules
	if delta < 0 {
		m.warnings.Add(1)
		m.logger.Warn("negative interval energy clamped to zero",
			"from", nameA, "to", nameB, "delta_joules", delta)
		return 0, nil
	}
	return delta, nil
}

// Diagnostics merges coordinator and meter state into a flat string map.
func (m *Meter) Diagnostics() map[string]string {
	d := m.source.Diagnostics()

	m.scopesMu.Lock()
	scopes := len(m.scopes)
	markerCount := 0
	for _, s := range m.scopes {
		s.mu.Lock()
		markerCount += len(s.markers)
		s.mu.Unlock()
	}
	m.scopesMu.Unlock()

	d["meter.scopes"] = strconv.Itoa(scopes)
	d["meter.markers"] = strconv.Itoa(markerCount)
	d["meter.dropped_marks"] = strconv.FormatUint(m.droppedMarks.Load(), 10)
	d["meter.correlation_warnings"] = strconv.FormatUint(m.warnings.Load(), 10)
	d["meter.bracket_window"] = m.bracketWindow.String()
	d["meter.shutdown"] = strconv.FormatBool(m.isShutdown())
	return d
}

func (m *Meter) isShutdown() bool {
	return m.shutdown.Load()
}

// Shutdown stops the polling loop first; the final buffer window stays
// readable so outstanding Checkpoints calls complete. Idempotent.
func (m *Meter) Shutdown() error {
	if !m.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	return m.source.Shutdown()
}
