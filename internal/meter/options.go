// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"log/slog"
	"time"

	"github.com/SMART-Dal/codegreen/internal/device"
)

type Opts struct {
	logger        *slog.Logger
	bracketWindow time.Duration
	required      []device.ProviderID
}

// DefaultOpts returns a new Opts with defaults set. A zero bracket window
// resolves to 10x the coordinator's poll interval at construction.
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
	}
}

// OptionFn is a function that sets one or more options in Opts
type OptionFn func(*Opts)

// WithLogger sets the logger for the Meter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithBracketWindow sets the maximum reading gap treated as full confidence
func WithBracketWindow(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.bracketWindow = d
	}
}

// WithRequiredProviders lists providers whose failure fails construction
func WithRequiredProviders(ids []device.ProviderID) OptionFn {
	return func(o *Opts) {
		o.required = ids
	}
}
