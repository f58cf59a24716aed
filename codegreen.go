// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

// Package codegreen attributes energy consumption to named regions of an
// instrumented program. A background goroutine polls hardware energy
// counters on a fixed cadence while the application stamps markers with
// sub-microsecond cost; on demand the two streams are correlated into
// per-marker energy attributions.
package codegreen

import (
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/ptr"

	"github.com/SMART-Dal/codegreen/internal/coordinator"
	"github.com/SMART-Dal/codegreen/internal/device"
	"github.com/SMART-Dal/codegreen/internal/meter"
	"github.com/SMART-Dal/codegreen/internal/timing"
)

// Re-exported core types
type (
	Marker               = meter.Marker
	CorrelatedCheckpoint = meter.CorrelatedCheckpoint
	MarkScope            = meter.MarkScope
	SynchronizedReading  = coordinator.SynchronizedReading
	EnergyReading        = device.EnergyReading
	EnergyProvider       = device.EnergyProvider
	ProviderID           = device.ProviderID
	ProviderSpec         = device.Spec
	ProviderFactory      = device.Factory
)

var (
	ErrShutdown         = meter.ErrShutdown
	ErrMarkerNotFound   = meter.ErrMarkerNotFound
	ErrRequiredProvider = meter.ErrRequiredProvider
)

// Config enumerates the recognized measurement options.
// Zero values resolve to the documented defaults.
type Config struct {
	// MeasurementInterval is the target poll period (default 1ms,
	// legal range 1ms - 100ms)
	MeasurementInterval time.Duration

	// BufferCapacity is the ring buffer size (default 131072, rounded up
	// to a power of two)
	BufferCapacity int

	// BracketWindow is the maximum reading gap for full-confidence
	// interpolation (default 10x MeasurementInterval)
	BracketWindow time.Duration

	// ProviderPollTimeout is the per-provider per-poll deadline
	// (default 100ms)
	ProviderPollTimeout time.Duration

	// AutoRestartUnhealthy restarts providers that exceeded the failure
	// threshold (default true; see RestartInterval)
	AutoRestartUnhealthy *bool

	// RestartInterval is the minimum wait between restart attempts for a
	// given provider (default 5s)
	RestartInterval time.Duration

	// PreferredProviders are resolved through the provider registry;
	// those that fail to initialize are disabled with a logged warning
	PreferredProviders []ProviderID

	// RequiredProviders fail construction when unavailable
	RequiredProviders []ProviderID

	// Providers are pre-built instances, used in addition to the resolved
	// ids above
	Providers []EnergyProvider

	// Logger defaults to slog.Default()
	Logger *slog.Logger
}

// Handle is the public measurement surface. It is created by Measure and
// must be shut down when measurement ends; Shutdown is idempotent.
type Handle struct {
	*meter.Meter
}

// Measure constructs the meter and starts background polling. Construction
// fails when no provider initializes or a required one is missing.
func Measure(cfg Config) (*Handle, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timer, err := timing.NewTimer(timing.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to construct timer: %w", err)
	}

	providers := append([]EnergyProvider{}, cfg.Providers...)
	seen := map[ProviderID]bool{}
	for _, p := range providers {
		seen[p.Spec().ProviderID] = true
	}
	for _, id := range append(append([]ProviderID{}, cfg.PreferredProviders...), cfg.RequiredProviders...) {
		if seen[id] {
			continue
		}
		seen[id] = true
		p := device.Create(id, logger)
		if p == nil {
			if required(cfg.RequiredProviders, id) {
				return nil, fmt.Errorf("%w: no factory for %s", ErrRequiredProvider, id)
			}
			logger.Warn("no provider factory for id, skipping", "provider", id)
			continue
		}
		providers = append(providers, p)
	}

	coordOpts := []coordinator.OptionFn{
		coordinator.WithLogger(logger),
		coordinator.WithAutoRestart(ptr.Deref(cfg.AutoRestartUnhealthy, true)),
	}
	if cfg.MeasurementInterval > 0 {
		coordOpts = append(coordOpts, coordinator.WithInterval(cfg.MeasurementInterval))
	}
	if cfg.BufferCapacity > 0 {
		coordOpts = append(coordOpts, coordinator.WithBufferCapacity(cfg.BufferCapacity))
	}
	if cfg.ProviderPollTimeout > 0 {
		coordOpts = append(coordOpts, coordinator.WithPollTimeout(cfg.ProviderPollTimeout))
	}
	if cfg.RestartInterval > 0 {
		coordOpts = append(coordOpts, coordinator.WithRestartInterval(cfg.RestartInterval))
	}

	coord := coordinator.NewCoordinator(timer, providers, coordOpts...)

	meterOpts := []meter.OptionFn{
		meter.WithLogger(logger),
		meter.WithRequiredProviders(cfg.RequiredProviders),
	}
	if cfg.BracketWindow > 0 {
		meterOpts = append(meterOpts, meter.WithBracketWindow(cfg.BracketWindow))
	}

	m, err := meter.New(timer, coord, meterOpts...)
	if err != nil {
		return nil, err
	}
	return &Handle{Meter: m}, nil
}

func required(ids []ProviderID, id ProviderID) bool {
	for _, r := range ids {
		if r == id {
			return true
		}
	}
	return false
}

// RegisterProvider installs an external provider factory under an id
// prefix, e.g. "tpu." claiming "tpu.0".
func RegisterProvider(prefix string, factory ProviderFactory) {
	device.Register(prefix, factory)
}
