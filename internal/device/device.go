// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

// Package device abstracts hardware energy sources behind the EnergyProvider
// contract. A provider produces cumulative, wrap-corrected energy readings
// for one hardware component; everything above it (coordination, buffering,
// correlation) is hardware agnostic.
package device

import (
	"context"
	"fmt"
	"time"

	"github.com/SMART-Dal/codegreen/internal/timing"
)

// ProviderID is a short stable string naming a provider instance,
// e.g. "cpu.package.0" or "gpu.0".
type ProviderID = string

// Domain is a sub-component key within a provider
type Domain = string

const (
	DomainPackage Domain = "package"
	DomainCore    Domain = "core"
	DomainDRAM    Domain = "dram"
	DomainUncore  Domain = "uncore"
	DomainPSys    Domain = "psys"
)

// HardwareType classifies the component a provider measures
type HardwareType string

const (
	HardwareCPU       HardwareType = "cpu"
	HardwareGPU       HardwareType = "gpu"
	HardwareSynthetic HardwareType = "synthetic"
)

// Capabilities flags optional readings a provider can supply besides energy
type Capabilities struct {
	Temperature bool
	Frequency   bool
	PowerLimit  bool
}

// Spec describes a provider instance. It is fixed after Init and equivalent
// across repeated Init calls.
type Spec struct {
	ProviderID ProviderID
	Hardware   HardwareType
	Vendor     string
	Domains    []Domain

	// MinPollInterval is the fastest cadence the hardware tolerates
	MinPollInterval time.Duration

	// CounterBits is the width of the underlying raw counter
	CounterBits uint

	// EnergyResolution is joules per counter LSB
	EnergyResolution float64

	// OverheadPercent is the typical cost of one poll relative to the
	// component's idle draw
	OverheadPercent float64

	Capabilities Capabilities
}

// EnergyReading is one poll result. Energy is cumulative since Init with
// counter wraps already corrected; Power is derived from the previous
// interval and NaN on the first reading. Invalid readings keep a best-effort
// timestamp and must be skipped, not dropped, by consumers.
type EnergyReading struct {
	Timestamp timing.Timestamp
	Energy    Energy
	Power     Power

	// PerDomain is empty when the provider is unitary
	PerDomain map[Domain]Energy

	UncertaintyPercent float64
	CounterWrapped     bool
	Valid              bool
}

// EnergyProvider produces cumulative energy readings for one hardware
// component. Poll must complete in bounded wall time and never panics;
// transient failures are reported as invalid readings. Init and Shutdown
// are idempotent.
type EnergyProvider interface {
	Name() string
	Init(ctx context.Context) error
	Poll(ctx context.Context) EnergyReading
	Shutdown() error
	Spec() Spec
}

// InitError wraps a provider initialization failure
type InitError struct {
	Provider ProviderID
	Err      error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("provider %s failed to initialize: %v", e.Provider, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// counterBits returns the width of the smallest counter that can hold max
func counterBits(max uint64) uint {
	bits := uint(0)
	for max > 0 {
		bits++
		max >>= 1
	}
	return bits
}
