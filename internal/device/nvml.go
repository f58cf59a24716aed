// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/SMART-Dal/codegreen/internal/timing"
)

// nvmlUncertaintyPercent reflects the board-level power sensor accuracy
// NVIDIA documents (±5 W on a ~100 W scale) plus sampling error.
const nvmlUncertaintyPercent = 5.0

// NVMLProvider measures one NVIDIA GPU. The hardware exposes instantaneous
// power only, so cumulative energy is produced by trapezoidal integration of
// the power samples taken on each poll.
type NVMLProvider struct {
	logger *slog.Logger
	id     ProviderID
	index  int
	now    NowFunc

	nvml   nvmlLib
	device nvmlDeviceHandle

	integrator *powerIntegrator
	spec       Spec

	initialized bool

	prevValid  bool
	prevEnergy Energy
	prevTs     timing.Timestamp
}

var _ EnergyProvider = (*NVMLProvider)(nil)

type NVMLOptionFn func(*NVMLProvider)

// WithNVMLLogger sets the logger for the provider
func WithNVMLLogger(logger *slog.Logger) NVMLOptionFn {
	return func(p *NVMLProvider) {
		p.logger = logger.With("provider", p.id)
	}
}

// WithNVMLLib injects an NVML backend (tests)
func WithNVMLLib(lib nvmlLib) NVMLOptionFn {
	return func(p *NVMLProvider) {
		p.nvml = lib
	}
}

// WithNVMLNow sets the timestamp source
func WithNVMLNow(now NowFunc) NVMLOptionFn {
	return func(p *NVMLProvider) {
		p.now = now
	}
}

// NewNVMLProvider creates a power-integrated provider for GPU index.
func NewNVMLProvider(index int, opts ...NVMLOptionFn) *NVMLProvider {
	p := &NVMLProvider{
		id:     ProviderID(fmt.Sprintf("gpu.%d", index)),
		index:  index,
		now:    defaultNow,
		nvml:   newRealNvmlLib(),
	}
	p.logger = slog.Default().With("provider", p.id)
	for _, opt := range opts {
		opt(p)
	}
	p.spec.ProviderID = p.id
	return p
}

func (p *NVMLProvider) Name() string {
	return "nvml-gpu"
}

// Init brings up NVML and resolves the device handle. Idempotent.
func (p *NVMLProvider) Init(ctx context.Context) error {
	if p.initialized {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return &InitError{Provider: p.id, Err: err}
	}

	if ret := p.nvml.Init(); ret != nvml.SUCCESS {
		return &InitError{Provider: p.id, Err: fmt.Errorf("nvml init: %s", p.nvml.ErrorString(ret))}
	}

	count, ret := p.nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		_ = p.nvml.Shutdown()
		return &InitError{Provider: p.id, Err: fmt.Errorf("device count: %s", p.nvml.ErrorString(ret))}
	}
	if p.index >= count {
		_ = p.nvml.Shutdown()
		return &InitError{Provider: p.id, Err: fmt.Errorf("device index %d out of range (%d devices)", p.index, count)}
	}

	device, ret := p.nvml.DeviceGetHandleByIndex(p.index)
	if ret != nvml.SUCCESS {
		_ = p.nvml.Shutdown()
		return &InitError{Provider: p.id, Err: fmt.Errorf("device handle: %s", p.nvml.ErrorString(ret))}
	}
	p.device = device

	name := "unknown"
	if n, ret := device.GetName(); ret == nvml.SUCCESS {
		name = n
	}

	_, plRet := device.GetEnforcedPowerLimit()
	_, tRet := device.GetTemperature(nvml.TEMPERATURE_GPU)

	p.spec = Spec{
		ProviderID: p.id,
		Hardware:   HardwareGPU,
		Vendor:     "nvidia",
		Domains:    nil, // unitary

		// NVML power refresh granularity; polling faster reads duplicates
		MinPollInterval: 10 * time.Millisecond,

		// integrated in software, no raw counter to wrap
		CounterBits:      64,
		EnergyResolution: 1e-6,
		OverheadPercent:  0.5,
		Capabilities: Capabilities{
			Temperature: tRet == nvml.SUCCESS,
			PowerLimit:  plRet == nvml.SUCCESS,
		},
	}

	if p.integrator == nil {
		p.integrator = newPowerIntegrator(DefaultIntegratorSamples)
	} else {
		// keep accumulated energy across restarts
		p.integrator.Reseed()
	}

	p.prevValid = false
	p.initialized = true
	p.logger.Info("Initialized provider", "device", name)
	return nil
}

// Poll samples instantaneous power and folds it into the integral.
func (p *NVMLProvider) Poll(ctx context.Context) EnergyReading {
	ts := p.now()

	if !p.initialized {
		return EnergyReading{Timestamp: ts, Power: Power(math.NaN())}
	}
	if err := ctx.Err(); err != nil {
		p.prevValid = false
		return EnergyReading{Timestamp: ts, Power: Power(math.NaN())}
	}

	milliWatts, ret := p.device.GetPowerUsage()
	if ret != nvml.SUCCESS {
		p.logger.Debug("power read failed", "error", p.nvml.ErrorString(ret))
		p.prevValid = false
		return EnergyReading{Timestamp: ts, Power: Power(math.NaN())}
	}

	cumulative := p.integrator.Add(ts, float64(milliWatts)/1000.0)

	reading := EnergyReading{
		Timestamp:          ts,
		Energy:             cumulative,
		Power:              Power(math.NaN()),
		UncertaintyPercent: nvmlUncertaintyPercent,
		Valid:              true,
	}

	if p.prevValid && ts > p.prevTs {
		dt := float64(ts-p.prevTs) / 1e9
		reading.Power = PowerFromWatts((cumulative.Joules() - p.prevEnergy.Joules()) / dt)
	}
	p.prevValid = true
	p.prevEnergy = cumulative
	p.prevTs = ts

	return reading
}

func (p *NVMLProvider) Shutdown() error {
	if !p.initialized {
		return nil
	}
	p.initialized = false
	p.prevValid = false
	p.device = nil
	if ret := p.nvml.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("nvml shutdown: %s", p.nvml.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProvider) Spec() Spec {
	return p.spec
}
