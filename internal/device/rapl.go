// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs/sysfs"

	"github.com/SMART-Dal/codegreen/internal/timing"
)

const (
	// DefaultRaplProviderID names the package-level CPU provider instance
	DefaultRaplProviderID ProviderID = "cpu.package.0"

	defaultSysFSPath = "/sys"

	// raplUncertaintyPercent is the typical accuracy of the RAPL energy
	// model on post-Haswell parts
	raplUncertaintyPercent = 2.0
)

// NowFunc supplies provider-side timestamps. Providers capture the
// timestamp immediately before touching hardware.
type NowFunc func() timing.Timestamp

var defaultTimer = sync.OnceValue(func() *timing.Timer {
	t, err := timing.NewTimer()
	if err != nil {
		panic(fmt.Sprintf("no usable clock source: %v", err))
	}
	return t
})

func defaultNow() timing.Timestamp {
	return defaultTimer().Now()
}

// raplZone is the mockable slice of sysfs.RaplZone used by RaplProvider
type raplZone interface {
	Name() string
	Index() int
	EnergyMicrojoules() (uint64, error)
	MaxMicrojoules() uint64
}

// sysfsRaplZone adapts sysfs.RaplZone to raplZone
type sysfsRaplZone struct {
	zone sysfs.RaplZone
}

func (s sysfsRaplZone) Name() string { return s.zone.Name }

func (s sysfsRaplZone) Index() int { return s.zone.Index }

func (s sysfsRaplZone) EnergyMicrojoules() (uint64, error) {
	return s.zone.GetEnergyMicrojoules()
}

func (s sysfsRaplZone) MaxMicrojoules() uint64 { return s.zone.MaxMicrojoules }

// RaplProvider reads the cumulative µJ counters the powercap subsystem
// exposes for the CPU package and its subdomains. Each zone is unwrapped
// independently against its own max_energy_range_uj boundary.
type RaplProvider struct {
	logger    *slog.Logger
	id        ProviderID
	sysfsPath string
	now       NowFunc

	zones          []raplZone
	unwrappers     []*counterUnwrapper
	spec           Spec
	resetThreshold time.Duration

	initialized bool

	prevValid  bool
	prevEnergy Energy
	prevTs     timing.Timestamp
}

var _ EnergyProvider = (*RaplProvider)(nil)

type RaplOptionFn func(*RaplProvider)

// WithRaplLogger sets the logger for the provider
func WithRaplLogger(logger *slog.Logger) RaplOptionFn {
	return func(p *RaplProvider) {
		p.logger = logger.With("provider", p.id)
	}
}

// WithRaplZones injects zones directly, bypassing sysfs discovery (tests)
func WithRaplZones(zones []raplZone) RaplOptionFn {
	return func(p *RaplProvider) {
		p.zones = zones
	}
}

// WithRaplNow sets the timestamp source
func WithRaplNow(now NowFunc) RaplOptionFn {
	return func(p *RaplProvider) {
		p.now = now
	}
}

// WithRaplResetThreshold overrides the wrap/reset disambiguation window
func WithRaplResetThreshold(d time.Duration) RaplOptionFn {
	return func(p *RaplProvider) {
		p.resetThreshold = d
	}
}

// NewRaplProvider creates a CPU package energy provider backed by the
// powercap sysfs tree rooted at sysfsPath.
func NewRaplProvider(sysfsPath string, opts ...RaplOptionFn) *RaplProvider {
	if sysfsPath == "" {
		sysfsPath = defaultSysFSPath
	}
	p := &RaplProvider{
		logger:         slog.Default().With("provider", DefaultRaplProviderID),
		id:             DefaultRaplProviderID,
		sysfsPath:      sysfsPath,
		now:            defaultNow,
		resetThreshold: DefaultResetThreshold,
	}
	for _, opt := range opts {
		opt(p)
	}
	// the id is known before Init; the rest of the Spec after
	p.spec.ProviderID = p.id
	return p
}

func (p *RaplProvider) Name() string {
	return "rapl-powercap"
}

// Init discovers the powercap zones and validates that at least one of them
// is readable. It is idempotent.
func (p *RaplProvider) Init(ctx context.Context) error {
	if p.initialized {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return &InitError{Provider: p.id, Err: err}
	}

	if p.zones == nil {
		fs, err := sysfs.NewFS(p.sysfsPath)
		if err != nil {
			return &InitError{Provider: p.id, Err: err}
		}
		raplZones, err := sysfs.GetRaplZones(fs)
		if err != nil {
			return &InitError{Provider: p.id, Err: fmt.Errorf("powercap zone discovery: %w", err)}
		}
		for _, z := range raplZones {
			p.zones = append(p.zones, sysfsRaplZone{zone: z})
		}
	}

	if len(p.zones) == 0 {
		return &InitError{Provider: p.id, Err: fmt.Errorf("no powercap energy zones found")}
	}

	// one readable zone is enough to proceed
	if _, err := p.zones[0].EnergyMicrojoules(); err != nil {
		return &InitError{Provider: p.id, Err: fmt.Errorf("zone %s unreadable: %w", p.zones[0].Name(), err)}
	}

	p.unwrappers = make([]*counterUnwrapper, len(p.zones))
	maxRange := uint64(0)
	domains := make([]Domain, 0, len(p.zones))
	seen := map[Domain]bool{}
	for i, z := range p.zones {
		p.unwrappers[i] = newCounterUnwrapper(z.MaxMicrojoules(), p.resetThreshold)
		if z.MaxMicrojoules() > maxRange {
			maxRange = z.MaxMicrojoules()
		}
		d := zoneDomain(z.Name())
		if !seen[d] {
			seen[d] = true
			domains = append(domains, d)
		}
	}

	p.spec = Spec{
		ProviderID:       p.id,
		Hardware:         HardwareCPU,
		Vendor:           "intel-rapl",
		Domains:          domains,
		MinPollInterval:  time.Millisecond,
		CounterBits:      counterBits(maxRange),
		EnergyResolution: 1e-6, // µJ counters
		OverheadPercent:  0.1,
		Capabilities:     Capabilities{PowerLimit: true},
	}

	p.prevValid = false
	p.initialized = true
	p.logger.Info("Initialized provider", "zones", len(p.zones), "domains", domains)
	return nil
}

// Poll reads every zone once. The timestamp is captured before the first
// hardware access; any zone read error invalidates the whole reading.
func (p *RaplProvider) Poll(ctx context.Context) EnergyReading {
	ts := p.now()

	if !p.initialized {
		p.prevValid = false
		return EnergyReading{Timestamp: ts, Power: Power(math.NaN())}
	}

	perDomain := make(map[Domain]Energy, len(p.spec.Domains))
	var packageTotal, psysTotal, allTotal Energy
	sawPsys := false
	wrapped := false

	for i, z := range p.zones {
		if err := ctx.Err(); err != nil {
			p.logger.Debug("poll deadline hit mid-read", "zone", z.Name(), "error", err)
			p.prevValid = false
			return EnergyReading{Timestamp: ts, Power: Power(math.NaN())}
		}

		raw, err := z.EnergyMicrojoules()
		if err != nil {
			p.logger.Debug("zone read failed", "zone", z.Name(), "error", err)
			p.prevValid = false
			return EnergyReading{Timestamp: ts, Power: Power(math.NaN())}
		}

		total, w := p.unwrappers[i].Update(raw, ts)
		wrapped = wrapped || w

		e := Energy(total)
		d := zoneDomain(z.Name())
		perDomain[d] += e
		allTotal += e
		switch d {
		case DomainPSys:
			sawPsys = true
			psysTotal += e
		case DomainPackage:
			packageTotal += e
		}
	}

	// psys covers the whole SoC when present; otherwise the package rails
	// are the authoritative total (core/dram/uncore overlap them)
	cumulative := packageTotal
	if sawPsys {
		cumulative = psysTotal
	} else if cumulative == 0 {
		cumulative = allTotal
	}

	reading := EnergyReading{
		Timestamp:          ts,
		Energy:             cumulative,
		Power:              Power(math.NaN()),
		PerDomain:          perDomain,
		UncertaintyPercent: raplUncertaintyPercent,
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

func (p *RaplProvider) Shutdown() error {
	if !p.initialized {
		return nil
	}
	p.initialized = false
	p.prevValid = false
	return nil
}

func (p *RaplProvider) Spec() Spec {
	return p.spec
}

// zoneDomain maps a powercap zone name ("package-0", "core", "psys", …) to
// its canonical domain key
func zoneDomain(name string) Domain {
	name = strings.ToLower(name)
	switch {
	case strings.HasPrefix(name, "package"):
		return DomainPackage
	case strings.HasPrefix(name, "core"), strings.HasPrefix(name, "pp0"):
		return DomainCore
	case strings.HasPrefix(name, "dram"):
		return DomainDRAM
	case strings.HasPrefix(name, "uncore"), strings.HasPrefix(name, "pp1"):
		return DomainUncore
	case strings.HasPrefix(name, "psys"):
		return DomainPSys
	default:
		return Domain(name)
	}
}
