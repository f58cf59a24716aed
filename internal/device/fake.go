// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/SMART-Dal/codegreen/internal/timing"
)

// NOTE: This fake provider is not intended for production measurements. It
// backs the test suite and lets the daemon run on hosts without RAPL or
// NVML access.

// FakeProvider simulates a cumulative-energy counter of configurable width
// fed by a randomized power draw. The simulated raw counter wraps exactly
// like hardware, so the full unwrap path is exercised.
type FakeProvider struct {
	logger *slog.Logger
	id     ProviderID
	now    NowFunc

	domains        []Domain
	counterMax     uint64
	counterBits    uint
	resolution     float64 // joules per LSB
	basePowerWatts float64
	jitter         float64
	rng            *rand.Rand
	resetThreshold time.Duration

	raw             uint64
	lastTs          timing.Timestamp
	unwrapper       *counterUnwrapper
	pendingFailures int

	initialized bool

	prevValid  bool
	prevEnergy Energy
	prevTs     timing.Timestamp
}

var _ EnergyProvider = (*FakeProvider)(nil)

type FakeOptFn func(*FakeProvider)

// WithFakeLogger sets the logger for the fake provider
func WithFakeLogger(logger *slog.Logger) FakeOptFn {
	return func(p *FakeProvider) {
		p.logger = logger.With("provider", p.id)
	}
}

// WithFakeNow sets the timestamp source
func WithFakeNow(now NowFunc) FakeOptFn {
	return func(p *FakeProvider) {
		p.now = now
	}
}

// WithFakeCounterBits sets the width of the simulated raw counter
func WithFakeCounterBits(bits uint) FakeOptFn {
	return func(p *FakeProvider) {
		p.counterBits = bits
		if bits >= 64 {
			p.counterMax = ^uint64(0)
		} else {
			p.counterMax = 1<<bits - 1
		}
	}
}

// WithFakeResolution sets joules per counter LSB
func WithFakeResolution(joulesPerLSB float64) FakeOptFn {
	return func(p *FakeProvider) {
		p.resolution = joulesPerLSB
	}
}

// WithFakeBasePower sets the mean simulated draw in watts
func WithFakeBasePower(watts float64) FakeOptFn {
	return func(p *FakeProvider) {
		p.basePowerWatts = watts
	}
}

// WithFakeJitter sets the relative randomness of the draw; 0 makes the
// provider fully deterministic
func WithFakeJitter(f float64) FakeOptFn {
	return func(p *FakeProvider) {
		p.jitter = f
	}
}

// WithFakeSeed seeds the power randomness
func WithFakeSeed(seed int64) FakeOptFn {
	return func(p *FakeProvider) {
		p.rng = rand.New(rand.NewSource(seed))
	}
}

// WithFakeDomains sets the reported domains
func WithFakeDomains(domains []Domain) FakeOptFn {
	return func(p *FakeProvider) {
		p.domains = domains
	}
}

// WithFakeResetThreshold overrides the wrap/reset disambiguation window
func WithFakeResetThreshold(d time.Duration) FakeOptFn {
	return func(p *FakeProvider) {
		p.resetThreshold = d
	}
}

// NewFakeProvider creates a synthetic provider named id.
func NewFakeProvider(id ProviderID, opts ...FakeOptFn) *FakeProvider {
	p := &FakeProvider{
		id:             id,
		now:            defaultNow,
		domains:        []Domain{DomainPackage, DomainCore, DomainDRAM},
		counterMax:     ^uint64(0),
		counterBits:    64,
		resolution:     1e-6,
		basePowerWatts: 45.0,
		jitter:         0.2,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		resetThreshold: DefaultResetThreshold,
	}
	p.logger = slog.Default().With("provider", id)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *FakeProvider) Name() string {
	return "fake-provider"
}

func (p *FakeProvider) Init(ctx context.Context) error {
	if p.initialized {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return &InitError{Provider: p.id, Err: err}
	}

	p.unwrapper = newCounterUnwrapper(p.counterMax, p.resetThreshold)
	p.lastTs = 0
	p.prevValid = false
	p.initialized = true
	return nil
}

// InjectFailures makes the next n polls return invalid readings
func (p *FakeProvider) InjectFailures(n int) {
	p.pendingFailures = n
}

func (p *FakeProvider) Poll(ctx context.Context) EnergyReading {
	ts := p.now()

	if !p.initialized || ctx.Err() != nil {
		return EnergyReading{Timestamp: ts, Power: Power(math.NaN())}
	}
	if p.pendingFailures > 0 {
		p.pendingFailures--
		p.prevValid = false
		return EnergyReading{Timestamp: ts, Power: Power(math.NaN())}
	}

	// advance the simulated raw counter by draw × elapsed
	if p.lastTs != 0 && ts > p.lastTs {
		watts := p.basePowerWatts
		if p.jitter > 0 {
			watts += (p.rng.Float64() - 0.5) * p.jitter * p.basePowerWatts
		}
		dtSeconds := float64(ts-p.lastTs) / 1e9
		units := uint64(watts * dtSeconds / p.resolution)
		if p.counterMax == ^uint64(0) {
			p.raw += units
		} else {
			p.raw = (p.raw + units) % (p.counterMax + 1)
		}
	}
	p.lastTs = ts

	total, wrapped := p.unwrapper.Update(p.raw, ts)
	cumulative := EnergyFromJoules(float64(total) * p.resolution)

	perDomain := make(map[Domain]Energy, len(p.domains))
	for i, d := range p.domains {
		// deterministic split: first domain carries the remainder
		share := cumulative / Energy(len(p.domains))
		if i == 0 {
			share = cumulative - share*Energy(len(p.domains)-1)
		}
		perDomain[d] = share
	}

	reading := EnergyReading{
		Timestamp:          ts,
		Energy:             cumulative,
		Power:              Power(math.NaN()),
		PerDomain:          perDomain,
		UncertaintyPercent: 0,
		CounterWrapped:     wrapped,
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

func (p *FakeProvider) Shutdown() error {
	p.initialized = false
	p.prevValid = false
	return nil
}

func (p *FakeProvider) Spec() Spec {
	return Spec{
		ProviderID:       p.id,
		Hardware:         HardwareSynthetic,
		Vendor:           "codegreen",
		Domains:          p.domains,
		MinPollInterval:  time.Millisecond,
		CounterBits:      p.counterBits,
		EnergyResolution: p.resolution,
		OverheadPercent:  0,
	}
}
