// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, time.Millisecond, cfg.Measurement.Interval)
	assert.Equal(t, 131072, cfg.Measurement.BufferCapacity)
	assert.Equal(t, 100*time.Millisecond, cfg.Measurement.PollTimeout)
	assert.True(t, cfg.Measurement.AutoRestart)
	assert.Equal(t, 5*time.Second, cfg.Measurement.RestartInterval)
	assert.Equal(t, []string{"cpu.package.0"}, cfg.Providers.Preferred)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	yaml := `
log:
  level: debug
  format: json
measurement:
  interval: 5ms
  bufferCapacity: 1024
  bracketWindow: 50ms
providers:
  preferred: [fake.0, gpu.0]
  required: [fake.0]
exporter:
  prometheus:
    enabled: true
    listenAddress: ":9100"
`
	cfg, err := Load(strings.NewReader(yaml))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 5*time.Millisecond, cfg.Measurement.Interval)
	assert.Equal(t, 1024, cfg.Measurement.BufferCapacity)
	assert.Equal(t, 50*time.Millisecond, cfg.Measurement.BracketWindow)
	assert.Equal(t, []string{"fake.0", "gpu.0"}, cfg.Providers.Preferred)
	assert.Equal(t, []string{"fake.0"}, cfg.Providers.Required)
	assert.True(t, cfg.Exporter.Prometheus.Enabled)
	assert.Equal(t, ":9100", cfg.Exporter.Prometheus.ListenAddress)

	// unspecified fields keep defaults
	assert.Equal(t, 100*time.Millisecond, cfg.Measurement.PollTimeout)
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(strings.NewReader("log: ["))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tt := []struct {
		name   string
		mutate func(*Config)
		errStr string
	}{
		{
			name:   "bad log level",
			mutate: func(c *Config) { c.Log.Level = "verbose" },
			errStr: "invalid log level",
		},
		{
			name:   "bad log format",
			mutate: func(c *Config) { c.Log.Format = "xml" },
			errStr: "invalid log format",
		},
		{
			name:   "interval too small",
			mutate: func(c *Config) { c.Measurement.Interval = 100 * time.Microsecond },
			errStr: "outside legal range",
		},
		{
			name:   "interval too large",
			mutate: func(c *Config) { c.Measurement.Interval = time.Second },
			errStr: "outside legal range",
		},
		{
			name:   "zero buffer",
			mutate: func(c *Config) { c.Measurement.BufferCapacity = 0 },
			errStr: "buffer capacity",
		},
		{
			name: "no providers",
			mutate: func(c *Config) {
				c.Providers.Preferred = nil
				c.Providers.Required = nil
			},
			errStr: "at least one provider",
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errStr)
		})
	}
}

func TestFlagsOverrideConfig(t *testing.T) {
	app := kingpin.New("test", "")
	updater := RegisterFlags(app)

	_, err := app.Parse([]string{
		"--log.level=debug",
		"--measurement.interval=10ms",
		"--providers.preferred=fake.0",
	})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Log.Format = "json" // from a config file; not overridden by flags

	require.NoError(t, updater(cfg))
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format, "unset flags do not override")
	assert.Equal(t, 10*time.Millisecond, cfg.Measurement.Interval)
	assert.Equal(t, []string{"fake.0"}, cfg.Providers.Preferred)
}

func TestFlagsUnsetKeepConfig(t *testing.T) {
	app := kingpin.New("test", "")
	updater := RegisterFlags(app)

	_, err := app.Parse([]string{})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Measurement.Interval = 7 * time.Millisecond

	require.NoError(t, updater(cfg))
	assert.Equal(t, 7*time.Millisecond, cfg.Measurement.Interval)
}

func TestFromFileMissing(t *testing.T) {
	_, err := FromFile("/nonexistent/codegreen.yaml")
	assert.Error(t, err)
}

func TestStringRoundTrips(t *testing.T) {
	cfg := DefaultConfig()
	s := cfg.String()
	assert.Contains(t, s, "level: info")

	parsed, err := Load(strings.NewReader(s))
	require.NoError(t, err)
	assert.Equal(t, cfg.Measurement.Interval, parsed.Measurement.Interval)
}
