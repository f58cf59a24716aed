// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

// codegreen runs the measurement backend as a standalone daemon: it polls
// the configured energy providers and exposes the readings through the
// stdout and prometheus exporters until terminated.
package main

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/alecthomas/kingpin/v2"

	"github.com/SMART-Dal/codegreen/internal/config"
	"github.com/SMART-Dal/codegreen/internal/coordinator"
	"github.com/SMART-Dal/codegreen/internal/device"
	"github.com/SMART-Dal/codegreen/internal/exporter/prometheus"
	"github.com/SMART-Dal/codegreen/internal/exporter/stdout"
	"github.com/SMART-Dal/codegreen/internal/logger"
	"github.com/SMART-Dal/codegreen/internal/service"
	"github.com/SMART-Dal/codegreen/internal/timing"
	"github.com/SMART-Dal/codegreen/internal/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	app := kingpin.New(version.AppName, "Native energy measurement backend")
	app.Version(version.Info().Version)

	configFile := app.Flag("config.file", "Path to the configuration file").String()
	updateConfig := config.RegisterFlags(app)

	if _, err := app.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg := config.DefaultConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.FromFile(*configFile); err != nil {
			return err
		}
	}
	if err := updateConfig(cfg); err != nil {
		return err
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	log.Info("Starting codegreen",
		"version", version.Info().Version,
		"go", version.Info().GoVersion,
	)
	log.Debug("Loaded configuration", "config", cfg.String())

	timer, err := timing.NewTimer(timing.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to construct timer: %w", err)
	}

	var providers []device.EnergyProvider
	for _, id := range cfg.Providers.Preferred {
		p := device.Create(id, log)
		if p == nil {
			log.Warn("no provider factory for id, skipping", "provider", id)
			continue
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return fmt.Errorf("no providers configured")
	}

	coord := coordinator.NewCoordinator(timer, providers,
		coordinator.WithLogger(log),
		coordinator.WithInterval(cfg.Measurement.Interval),
		coordinator.WithBufferCapacity(cfg.Measurement.BufferCapacity),
		coordinator.WithPollTimeout(cfg.Measurement.PollTimeout),
		coordinator.WithAutoRestart(cfg.Measurement.AutoRestart),
		coordinator.WithRestartInterval(cfg.Measurement.RestartInterval),
	)

	services := []service.Service{
		coord,
		service.NewSignalHandler(os.Interrupt, syscall.SIGTERM),
	}
	if cfg.Exporter.Stdout.Enabled {
		services = append(services, stdout.NewExporter(coord, stdout.WithLogger(log)))
	}
	if cfg.Exporter.Prometheus.Enabled {
		services = append(services, prometheus.NewExporter(coord,
			prometheus.WithLogger(log),
			prometheus.WithListenAddress(cfg.Exporter.Prometheus.ListenAddress),
		))
	}

	if err := service.Init(log, services); err != nil {
		return err
	}

	// enforce required providers after initialization
	states := coord.ProviderStates()
	for _, id := range cfg.Providers.Required {
		if states[id] != "healthy" {
			_ = coord.Shutdown()
			return fmt.Errorf("required provider %s is %s", id, states[id])
		}
	}

	err = service.Run(context.Background(), log, services)
	if err != nil {
		log.Error("codegreen terminated with error", "error", err)
		return err
	}

	log.Info("codegreen terminated")
	return nil
}
