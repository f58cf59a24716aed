// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

package timing

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// Timestamp is a monotonic nanosecond count since an arbitrary process-local
// epoch. It is strictly non-decreasing within a process.
type Timestamp = uint64

// Source identifies the clock backing a Timer, best first.
type Source int

const (
	SourceCycleCounter Source = iota
	SourceRawMonotonic
	SourceMonotonic
	SourceRealtime
)

func (s Source) String() string {
	switch s {
	case SourceCycleCounter:
		return "cycle-counter"
	case SourceRawMonotonic:
		return "raw-monotonic"
	case SourceMonotonic:
		return "monotonic"
	case SourceRealtime:
		return "realtime"
	default:
		return "unknown"
	}
}

// minCalibration is the minimum sampling window used to calibrate the cycle
// counter against the kernel monotonic clock.
const minCalibration = 10 * time.Millisecond

// Timer produces monotonic nanosecond timestamps from the best available
// clock source. The source is selected once at construction and the
// cycle-to-nanosecond ratio, if any, is frozen for the process lifetime.
type Timer struct {
	source       Source
	clockID      int32
	resolutionNs float64

	// cycle counter calibration, fixed after New
	nsPerCycle float64
	cycleBase  uint64
	nsBase     uint64

	// last issued timestamp, used to keep Now strictly increasing
	last atomic.Uint64
}

type Opts struct {
	logger     *slog.Logger
	procfsPath string
	forceClock bool // skip the cycle counter even when available
}

func DefaultOpts() Opts {
	return Opts{
		logger:     slog.Default(),
		procfsPath: procfs.DefaultMountPoint,
	}
}

type OptionFn func(*Opts)

func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) { o.logger = logger }
}

func WithProcFSPath(path string) OptionFn {
	return func(o *Opts) { o.procfsPath = path }
}

// WithoutCycleCounter forces kernel clock sources; used by tests and by
// hosts with unstable TSC detection.
func WithoutCycleCounter() OptionFn {
	return func(o *Opts) { o.forceClock = true }
}

// NewTimer selects a clock source, preferring the invariant cycle counter,
// then the raw monotonic clock, then the standard monotonic clock and the
// wall clock as last resort.
func NewTimer(applyOpts ...OptionFn) (*Timer, error) {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	logger := opts.logger.With("service", "timer")

	t := &Timer{}

	if !opts.forceClock && invariantCycleCounter(opts.procfsPath) {
		if err := t.calibrateCycleCounter(); err == nil {
			t.source = SourceCycleCounter
			logger.Info("Selected clock source", "source", t.source,
				"ns_per_cycle", t.nsPerCycle)
			return t, nil
		} else {
			logger.Debug("cycle counter calibration failed", "error", err)
		}
	}

	for _, candidate := range []struct {
		source  Source
		clockID int32
	}{
		{SourceRawMonotonic, rawMonotonicClockID},
		{SourceMonotonic, unix.CLOCK_MONOTONIC},
		{SourceRealtime, unix.CLOCK_REALTIME},
	} {
		var ts unix.Timespec
		if err := unix.ClockGettime(candidate.clockID, &ts); err != nil {
			logger.Debug("clock source unusable", "source", candidate.source, "error", err)
			continue
		}
		t.source = candidate.source
		t.clockID = candidate.clockID
		t.resolutionNs = clockResolution(candidate.clockID)
		logger.Info("Selected clock source", "source", t.source,
			"resolution_ns", t.resolutionNs)
		return t, nil
	}

	return nil, fmt.Errorf("no usable clock source")
}

// invariantCycleCounter reports whether the CPU advertises a constant,
// non-stop TSC.
func invariantCycleCounter(procfsPath string) bool {
	if !cycleCounterSupported() {
		return false
	}

	fs, err := procfs.NewFS(procfsPath)
	if err != nil {
		return false
	}
	infos, err := fs.CPUInfo()
	if err != nil || len(infos) == 0 {
		return false
	}

	constant, nonstop := false, false
	for _, flag := range infos[0].Flags {
		switch flag {
		case "constant_tsc":
			constant = true
		case "nonstop_tsc":
			nonstop = true
		}
	}
	return constant && nonstop
}

// calibrateCycleCounter samples the cycle counter against the kernel
// monotonic clock over at least minCalibration and freezes the ratio.
func (t *Timer) calibrateCycleCounter() error {
	startNs, err := clockNs(unix.CLOCK_MONOTONIC)
	if err != nil {
		return err
	}
	startCycles := readCycleCounter()

	time.Sleep(minCalibration)

	endNs, err := clockNs(unix.CLOCK_MONOTONIC)
	if err != nil {
		return err
	}
	endCycles := readCycleCounter()

	if endCycles <= startCycles || endNs <= startNs {
		return fmt.Errorf("cycle counter did not advance during calibration")
	}

	ratio := float64(endNs-startNs) / float64(endCycles-startCycles)
	// sanity window: 0.01 ns/cycle (100 GHz) .. 10 ns/cycle (100 MHz)
	if ratio < 0.01 || ratio > 10 {
		return fmt.Errorf("implausible cycle ratio %f ns/cycle", ratio)
	}

	t.nsPerCycle = ratio
	t.cycleBase = endCycles
	t.nsBase = endNs
	t.resolutionNs = ratio
	return nil
}

// Now returns the current monotonic timestamp. Successive calls never go
// backwards and never return the same value twice.
func (t *Timer) Now() Timestamp {
	var now uint64
	if t.source == SourceCycleCounter {
		cycles := readCycleCounter()
		now = t.nsBase + uint64(float64(cycles-t.cycleBase)*t.nsPerCycle)
	} else {
		ns, err := clockNs(t.clockID)
		if err != nil {
			// a selected clock cannot fail on subsequent reads; fall back
			// to the last issued value so the clamp below advances it
			ns = t.last.Load()
		}
		now = ns
	}

	for {
		last := t.last.Load()
		if now <= last {
			now = last + 1
		}
		if t.last.CompareAndSwap(last, now) {
			return now
		}
	}
}

// Resolution returns the best-effort granularity of the selected source in
// nanoseconds.
func (t *Timer) Resolution() float64 {
	return t.resolutionNs
}

// Source returns the selected clock source.
func (t *Timer) Source() Source {
	return t.source
}

// ConfidenceFactor is multiplied into checkpoint confidence. The wall-clock
// fallback halves it since the epoch is not monotonic across adjustments.
func (t *Timer) ConfidenceFactor() float64 {
	if t.source == SourceRealtime {
		return 0.5
	}
	return 1.0
}

func clockNs(clockID int32) (uint64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(clockID, &ts); err != nil {
		return 0, err
	}
	return uint64(ts.Sec)*1_000_000_000 + uint64(ts.Nsec), nil
}

func clockResolution(clockID int32) float64 {
	var res unix.Timespec
	if err := unix.ClockGetres(clockID, &res); err != nil {
		return 1.0
	}
	ns := float64(res.Sec)*1e9 + float64(res.Nsec)
	if ns <= 0 {
		return 1.0
	}
	return ns
}
