// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

// Package stdout periodically logs the latest synchronized reading in a
// human-readable form.
package stdout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sort"
	"time"

	"k8s.io/utils/clock"

	"github.com/SMART-Dal/codegreen/internal/coordinator"
	"github.com/SMART-Dal/codegreen/internal/device"
	"github.com/SMART-Dal/codegreen/internal/service"
)

// PowerDataProvider is the slice of the coordinator this exporter reads
type PowerDataProvider interface {
	Latest() (coordinator.SynchronizedReading, error)
}

type Opts struct {
	logger   *slog.Logger
	out      io.Writer
	clock    clock.WithTicker
	interval time.Duration
}

// DefaultOpts returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:   slog.Default(),
		out:      os.Stdout,
		clock:    clock.RealClock{},
		interval: time.Second,
	}
}

// OptionFn is a function that sets one or more options in Opts
type OptionFn func(*Opts)

// WithLogger sets the logger for the exporter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) { o.logger = logger }
}

// WithWriter sets the output destination
func WithWriter(w io.Writer) OptionFn {
	return func(o *Opts) { o.out = w }
}

// WithClock sets the clock driving the report cadence
func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) { o.clock = c }
}

// WithInterval sets the report cadence
func WithInterval(d time.Duration) OptionFn {
	return func(o *Opts) { o.interval = d }
}

// Exporter writes a one-line power summary on a fixed cadence
type Exporter struct {
	logger   *slog.Logger
	source   PowerDataProvider
	out      io.Writer
	clock    clock.WithTicker
	interval time.Duration
}

var _ service.Runner = (*Exporter)(nil)

// NewExporter creates a stdout exporter over the given data source
func NewExporter(source PowerDataProvider, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	return &Exporter{
		logger:   opts.logger.With("service", "stdout"),
		source:   source,
		out:      opts.out,
		clock:    opts.clock,
		interval: opts.interval,
	}
}

func (e *Exporter) Name() string {
	return "stdout"
}

func (e *Exporter) Run(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			e.report()
		}
	}
}

func (e *Exporter) report() {
	sr, err := e.source.Latest()
	if err != nil {
		e.logger.Debug("no reading to report", "error", err)
		return
	}

	ids := make([]device.ProviderID, 0, len(sr.Readings))
	for id := range sr.Readings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fmt.Fprintf(e.out, "total=%.3fJ", sr.TotalEnergy.Joules())
	for _, id := range ids {
		r := sr.Readings[id]
		if !r.Valid {
			fmt.Fprintf(e.out, " %s=invalid", id)
			continue
		}
		if watts := r.Power.Watts(); !math.IsNaN(watts) {
			fmt.Fprintf(e.out, " %s=%.3fJ(%.1fW)", id, r.Energy.Joules(), watts)
		} else {
			fmt.Fprintf(e.out, " %s=%.3fJ", id, r.Energy.Joules())
		}
	}
	fmt.Fprintln(e.out)
}
