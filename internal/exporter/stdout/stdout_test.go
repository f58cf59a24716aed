// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/SMART-Dal/codegreen/internal/coordinator"
	"github.com/SMART-Dal/codegreen/internal/device"
)

type stubProvider struct {
	reading coordinator.SynchronizedReading
	err     error
}

func (s *stubProvider) Latest() (coordinator.SynchronizedReading, error) {
	return s.reading, s.err
}

func TestReport(t *testing.T) {
	src := &stubProvider{reading: coordinator.SynchronizedReading{
		Timestamp:   1_000_000,
		TotalEnergy: 12 * device.Joule,
		Readings: map[device.ProviderID]device.EnergyReading{
			"fake.0": {Energy: 12 * device.Joule, Power: 60 * device.Watt, Valid: true},
			"gpu.0":  {Power: device.Power(math.NaN()), Valid: false},
		},
	}}

	buf := &bytes.Buffer{}
	e := NewExporter(src, WithWriter(buf))
	e.report()

	out := buf.String()
	assert.Contains(t, out, "total=12.000J")
	assert.Contains(t, out, "fake.0=12.000J(60.0W)")
	assert.Contains(t, out, "gpu.0=invalid")
}

func TestReportNoData(t *testing.T) {
	src := &stubProvider{err: coordinator.ErrNoReadings}
	buf := &bytes.Buffer{}
	e := NewExporter(src, WithWriter(buf))
	e.report()

	assert.Empty(t, buf.String())
}
