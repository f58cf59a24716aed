// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

const (
	// DefaultInterval is the target poll period
	DefaultInterval = time.Millisecond

	// MinInterval and MaxInterval bound the legal poll period
	MinInterval = time.Millisecond
	MaxInterval = 100 * time.Millisecond

	// DefaultBufferCapacity is 2^17 synchronized readings
	DefaultBufferCapacity = 131072

	// DefaultPollTimeout is the per-provider per-poll deadline
	DefaultPollTimeout = 100 * time.Millisecond

	// DefaultRestartInterval is the minimum wait between restart attempts
	// for a given provider
	DefaultRestartInterval = 5 * time.Second

	// DefaultFailureThreshold is the number of consecutive invalid polls
	// that marks a provider unhealthy
	DefaultFailureThreshold = 5
)

type Opts struct {
	logger           *slog.Logger
	clock            clock.WithTicker
	interval         time.Duration
	bufferCapacity   int
	pollTimeout      time.Duration
	autoRestart      bool
	restartInterval  time.Duration
	failureThreshold int
}

// DefaultOpts returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:           slog.Default(),
		clock:            clock.RealClock{},
		interval:         DefaultInterval,
		bufferCapacity:   DefaultBufferCapacity,
		pollTimeout:      DefaultPollTimeout,
		autoRestart:      true,
		restartInterval:  DefaultRestartInterval,
		failureThreshold: DefaultFailureThreshold,
	}
}

// OptionFn is a function that sets one or more options in Opts
type OptionFn func(*Opts)

// WithLogger sets the logger for the Coordinator
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the clock driving the tick loop
func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithInterval sets the poll period, clamped to the legal range
func WithInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		if d < MinInterval {
			d = MinInterval
		}
		if d > MaxInterval {
			d = MaxInterval
		}
		o.interval = d
	}
}

// WithBufferCapacity sets the ring buffer size, rounded up to a power of two
func WithBufferCapacity(n int) OptionFn {
	return func(o *Opts) {
		if n > 0 {
			o.bufferCapacity = n
		}
	}
}

// WithPollTimeout sets the per-provider per-poll deadline
func WithPollTimeout(d time.Duration) OptionFn {
	return func(o *Opts) {
		if d > 0 {
			o.pollTimeout = d
		}
	}
}

// WithAutoRestart enables or disables restarting unhealthy providers
func WithAutoRestart(enabled bool) OptionFn {
	return func(o *Opts) {
		o.autoRestart = enabled
	}
}

// WithRestartInterval sets the minimum backoff between restart attempts
func WithRestartInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		if d > 0 {
			o.restartInterval = d
		}
	}
}

// WithFailureThreshold sets the consecutive-failure count that marks a
// provider unhealthy
func WithFailureThreshold(n int) OptionFn {
	return func(o *Opts) {
		if n > 0 {
			o.failureThreshold = n
		}
	}
}
