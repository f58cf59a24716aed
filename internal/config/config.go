// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}

	Measurement struct {
		Interval        time.Duration `yaml:"interval"`
		BufferCapacity  int           `yaml:"bufferCapacity"`
		BracketWindow   time.Duration `yaml:"bracketWindow"`
		PollTimeout     time.Duration `yaml:"pollTimeout"`
		AutoRestart     bool          `yaml:"autoRestartUnhealthy"`
		RestartInterval time.Duration `yaml:"restartInterval"`
	}

	Providers struct {
		Preferred []string `yaml:"preferred"`
		Required  []string `yaml:"required"`
		SysFS     string   `yaml:"sysfs"`
	}

	Exporter struct {
		Stdout     StdoutExporter     `yaml:"stdout"`
		Prometheus PrometheusExporter `yaml:"prometheus"`
	}

	StdoutExporter struct {
		Enabled bool `yaml:"enabled"`
	}

	PrometheusExporter struct {
		Enabled       bool   `yaml:"enabled"`
		ListenAddress string `yaml:"listenAddress"`
	}

	Config struct {
		Log         Log         `yaml:"log"`
		Measurement Measurement `yaml:"measurement"`
		Providers   Providers   `yaml:"providers"`
		Exporter    Exporter    `yaml:"exporter"`
	}
)

const (
	// Flags
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	IntervalFlag       = "measurement.interval"
	BufferCapacityFlag = "measurement.buffer-capacity"
	BracketWindowFlag  = "measurement.bracket-window"

	ProvidersFlag         = "providers.preferred"
	RequiredProvidersFlag = "providers.required"

	StdoutExporterFlag       = "exporter.stdout"
	PrometheusExporterFlag   = "exporter.prometheus"
	PrometheusListenAddrFlag = "exporter.prometheus.listen-address"
)

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	return &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Measurement: Measurement{
			Interval:        time.Millisecond,
			BufferCapacity:  131072,
			BracketWindow:   0, // 10x interval when unset
			PollTimeout:     100 * time.Millisecond,
			AutoRestart:     true,
			RestartInterval: 5 * time.Second,
		},
		Providers: Providers{
			Preferred: []string{"cpu.package.0"},
			SysFS:     "/sys",
		},
		Exporter: Exporter{
			Stdout: StdoutExporter{Enabled: true},
			Prometheus: PrometheusExporter{
				Enabled:       false,
				ListenAddress: "localhost:28282",
			},
		},
	}
}

// Load loads configuration from an io.Reader
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromFile loads configuration from a file
func FromFile(filePath string) (*Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return Load(file)
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(strings.ToLower(c.Log.Level))
	c.Log.Format = strings.TrimSpace(strings.ToLower(c.Log.Format))
	c.Providers.SysFS = strings.TrimSpace(c.Providers.SysFS)
	for i, p := range c.Providers.Preferred {
		c.Providers.Preferred[i] = strings.TrimSpace(p)
	}
	for i, p := range c.Providers.Required {
		c.Providers.Required[i] = strings.TrimSpace(p)
	}
}

// Validate checks the configuration for invalid combinations
func (c *Config) Validate() error {
	var errs []string

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
	}

	if c.Measurement.Interval < time.Millisecond || c.Measurement.Interval > 100*time.Millisecond {
		errs = append(errs, fmt.Sprintf("measurement interval %s outside legal range [1ms, 100ms]", c.Measurement.Interval))
	}
	if c.Measurement.BufferCapacity <= 0 {
		errs = append(errs, "buffer capacity must be positive")
	}
	if c.Measurement.PollTimeout <= 0 {
		errs = append(errs, "poll timeout must be positive")
	}
	if len(c.Providers.Preferred) == 0 && len(c.Providers.Required) == 0 {
		errs = append(errs, "at least one provider must be configured")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with the kingpin app and
// returns a ConfigUpdaterFn that applies parsed flags over the config, as
// command line arguments override config file settings.
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	// track flags that were explicitly set
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		flagsSet = map[string]bool{}

		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	// Logging
	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")

	// Measurement
	interval := app.Flag(IntervalFlag, "Poll interval (1ms - 100ms)").Default("1ms").Duration()
	bufferCapacity := app.Flag(BufferCapacityFlag, "Ring buffer capacity (power of two)").Default("131072").Int()
	bracketWindow := app.Flag(BracketWindowFlag, "Full-confidence interpolation window").Default("0s").Duration()

	// Providers
	preferred := app.Flag(ProvidersFlag, "Preferred provider ids").Strings()
	required := app.Flag(RequiredProvidersFlag, "Required provider ids (construction fails without them)").Strings()

	// Exporters
	stdoutEnabled := app.Flag(StdoutExporterFlag, "Enable stdout exporter").Default("true").Bool()
	promEnabled := app.Flag(PrometheusExporterFlag, "Enable prometheus exporter").Default("false").Bool()
	promListen := app.Flag(PrometheusListenAddrFlag, "Prometheus listen address").Default("localhost:28282").String()

	return func(cfg *Config) error {
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}
		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}
		if flagsSet[IntervalFlag] {
			cfg.Measurement.Interval = *interval
		}
		if flagsSet[BufferCapacityFlag] {
			cfg.Measurement.BufferCapacity = *bufferCapacity
		}
		if flagsSet[BracketWindowFlag] {
			cfg.Measurement.BracketWindow = *bracketWindow
		}
		if flagsSet[ProvidersFlag] {
			cfg.Providers.Preferred = *preferred
		}
		if flagsSet[RequiredProvidersFlag] {
			cfg.Providers.Required = *required
		}
		if flagsSet[StdoutExporterFlag] {
			cfg.Exporter.Stdout.Enabled = *stdoutEnabled
		}
		if flagsSet[PrometheusExporterFlag] {
			cfg.Exporter.Prometheus.Enabled = *promEnabled
		}
		if flagsSet[PrometheusListenAddrFlag] {
			cfg.Exporter.Prometheus.ListenAddress = *promListen
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func (c *Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<invalid config: %v>", err)
	}
	return string(out)
}
