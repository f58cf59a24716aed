// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SMART-Dal/codegreen/internal/timing"
)

// fakeZone is a scriptable raplZone
type fakeZone struct {
	name    string
	index   int
	max     uint64
	values  []uint64
	pos     int
	readErr error
}

func (z *fakeZone) Name() string { return z.name }

func (z *fakeZone) Index() int { return z.index }

func (z *fakeZone) MaxMicrojoules() uint64 { return z.max }

func (z *fakeZone) EnergyMicrojoules() (uint64, error) {
	if z.readErr != nil {
		return 0, z.readErr
	}
	v := z.values[z.pos]
	if z.pos < len(z.values)-1 {
		z.pos++
	}
	return v, nil
}

// tickingNow returns a NowFunc advancing by step per call
func tickingNow(start timing.Timestamp, step uint64) NowFunc {
	ts := start
	return func() timing.Timestamp {
		ts += step
		return ts
	}
}

func newTestRapl(t *testing.T, zones []raplZone) *RaplProvider {
	t.Helper()
	p := NewRaplProvider("",
		WithRaplZones(zones),
		WithRaplNow(tickingNow(0, uint64(time.Millisecond))),
	)
	require.NoError(t, p.Init(context.Background()))
	// Init reads the first zone once to probe it; rewind the scripts so the
	// first Poll reads each zone's first value
	for _, z := range zones {
		if fz, ok := z.(*fakeZone); ok {
			fz.pos = 0
		}
	}
	return p
}

func TestRaplInit(t *testing.T) {
	pkg := &fakeZone{name: "package-0", max: 1 << 32, values: []uint64{0}}
	dram := &fakeZone{name: "dram", index: 1, max: 1 << 32, values: []uint64{0}}
	p := newTestRapl(t, []raplZone{pkg, dram})

	spec := p.Spec()
	assert.Equal(t, DefaultRaplProviderID, spec.ProviderID)
	assert.Equal(t, HardwareCPU, spec.Hardware)
	assert.ElementsMatch(t, []Domain{DomainPackage, DomainDRAM}, spec.Domains)
	assert.Equal(t, uint(33), spec.CounterBits)

	// Init is idempotent and the Spec is unchanged
	require.NoError(t, p.Init(context.Background()))
	assert.Equal(t, spec, p.Spec())
}

func TestRaplInitNoZones(t *testing.T) {
	p := NewRaplProvider("", WithRaplZones([]raplZone{}))
	err := p.Init(context.Background())
	require.Error(t, err)

	var initErr *InitError
	assert.ErrorAs(t, err, &initErr)
}

func TestRaplPollCumulativeEnergy(t *testing.T) {
	pkg := &fakeZone{name: "package-0", max: 1 << 32,
		values: []uint64{1_000_000, 3_000_000, 6_000_000}}
	p := newTestRapl(t, []raplZone{pkg})

	ctx := context.Background()

	r1 := p.Poll(ctx)
	require.True(t, r1.Valid)
	assert.Equal(t, 0.0, r1.Energy.Joules(), "first poll is the baseline")
	assert.True(t, math.IsNaN(r1.Power.Watts()), "no power on first reading")

	r2 := p.Poll(ctx)
	require.True(t, r2.Valid)
	assert.InDelta(t, 2.0, r2.Energy.Joules(), 1e-9)
	assert.False(t, math.IsNaN(r2.Power.Watts()))
	assert.Greater(t, r2.Timestamp, r1.Timestamp)

	r3 := p.Poll(ctx)
	assert.InDelta(t, 5.0, r3.Energy.Joules(), 1e-9)
	assert.InDelta(t, 3.0/0.001, r3.Power.Watts(), 1.0, "3 J over 1 ms")
}

func TestRaplPollWrap(t *testing.T) {
	max := uint64(10_000_000)
	pkg := &fakeZone{name: "package-0", max: max,
		values: []uint64{9_000_000, 500_000}}
	p := newTestRapl(t, []raplZone{pkg})

	ctx := context.Background()
	p.Poll(ctx)
	r := p.Poll(ctx)

	require.True(t, r.Valid)
	assert.True(t, r.CounterWrapped)
	// (10_000_000 - 9_000_000) + 500_000 + 1 µJ
	assert.InDelta(t, 1.500001, r.Energy.Joules(), 1e-9)
}

func TestRaplPollMonotonicAcrossWraps(t *testing.T) {
	pkg := &fakeZone{name: "package-0", max: 2_000_000,
		values: []uint64{1_500_000, 1_900_000, 100_000, 900_000, 50_000}}
	p := newTestRapl(t, []raplZone{pkg})

	ctx := context.Background()
	prev := Energy(0)
	for i := 0; i < 5; i++ {
		r := p.Poll(ctx)
		require.True(t, r.Valid)
		assert.GreaterOrEqual(t, r.Energy, prev, "poll %d decreased", i)
		prev = r.Energy
	}
}

func TestRaplPollReadFailure(t *testing.T) {
	pkg := &fakeZone{name: "package-0", max: 1 << 32, values: []uint64{1000}}
	p := newTestRapl(t, []raplZone{pkg})

	r := p.Poll(context.Background())
	require.True(t, r.Valid)

	pkg.readErr = fmt.Errorf("transient failure")
	r = p.Poll(context.Background())
	assert.False(t, r.Valid)
	assert.NotZero(t, r.Timestamp, "invalid readings keep a best-effort timestamp")
}

func TestRaplPollCancelledContext(t *testing.T) {
	pkg := &fakeZone{name: "package-0", max: 1 << 32, values: []uint64{1000}}
	p := newTestRapl(t, []raplZone{pkg})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := p.Poll(ctx)
	assert.False(t, r.Valid)
}

func TestRaplPerDomain(t *testing.T) {
	pkg := &fakeZone{name: "package-0", max: 1 << 32, values: []uint64{0, 4_000_000}}
	core := &fakeZone{name: "core", index: 1, max: 1 << 32, values: []uint64{0, 1_000_000}}
	dram := &fakeZone{name: "dram", index: 2, max: 1 << 32, values: []uint64{0, 500_000}}
	p := newTestRapl(t, []raplZone{pkg, core, dram})

	ctx := context.Background()
	p.Poll(ctx)
	r := p.Poll(ctx)

	require.True(t, r.Valid)
	assert.InDelta(t, 4.0, r.Energy.Joules(), 1e-9, "package rail is the total")
	assert.InDelta(t, 4.0, r.PerDomain[DomainPackage].Joules(), 1e-9)
	assert.InDelta(t, 1.0, r.PerDomain[DomainCore].Joules(), 1e-9)
	assert.InDelta(t, 0.5, r.PerDomain[DomainDRAM].Joules(), 1e-9)
}

func TestRaplShutdownIdempotent(t *testing.T) {
	pkg := &fakeZone{name: "package-0", max: 1 << 32, values: []uint64{0}}
	p := newTestRapl(t, []raplZone{pkg})

	assert.NoError(t, p.Shutdown())
	assert.NoError(t, p.Shutdown())
}

func TestZoneDomain(t *testing.T) {
	assert.Equal(t, DomainPackage, zoneDomain("package-0"))
	assert.Equal(t, DomainPackage, zoneDomain("Package-1"))
	assert.Equal(t, DomainCore, zoneDomain("core"))
	assert.Equal(t, DomainCore, zoneDomain("pp0"))
	assert.Equal(t, DomainUncore, zoneDomain("pp1"))
	assert.Equal(t, DomainDRAM, zoneDomain("dram"))
	assert.Equal(t, DomainPSys, zoneDomain("psys"))
	assert.Equal(t, Domain("mmio"), zoneDomain("mmio"))
}
