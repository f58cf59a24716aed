// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

// Package prometheus exports the latest power data and coordinator health
// over a /metrics endpoint.
package prometheus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SMART-Dal/codegreen/internal/service"
)

type Opts struct {
	logger          *slog.Logger
	listenAddress   string
	debugCollectors map[string]bool
}

// DefaultOpts returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:        slog.Default(),
		listenAddress: "localhost:28282",
		debugCollectors: map[string]bool{
			"go": true,
		},
	}
}

// OptionFn is a function that sets one or more options in Opts
type OptionFn func(*Opts)

// WithLogger sets the logger for the exporter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithListenAddress sets the address of the metrics endpoint
func WithListenAddress(addr string) OptionFn {
	return func(o *Opts) {
		o.listenAddress = addr
	}
}

// WithDebugCollectors enables additional runtime collectors by name
func WithDebugCollectors(names []string) OptionFn {
	return func(o *Opts) {
		for _, name := range names {
			o.debugCollectors[name] = true
		}
	}
}

// Exporter serves power data to Prometheus
type Exporter struct {
	logger          *slog.Logger
	source          PowerDataProvider
	registry        *prom.Registry
	listenAddress   string
	debugCollectors map[string]bool
	server          *http.Server
}

var _ service.Runner = (*Exporter)(nil)

// NewExporter creates a new Exporter over the given data source
func NewExporter(source PowerDataProvider, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		source:          source,
		logger:          opts.logger.With("service", "prometheus"),
		listenAddress:   opts.listenAddress,
		debugCollectors: opts.debugCollectors,
		registry:        prom.NewRegistry(),
	}
}

func (e *Exporter) Name() string {
	return "prometheus"
}

func collectorForName(name string) (prom.Collector, error) {
	switch name {
	case "go":
		return collectors.NewGoCollector(), nil
	case "process":
		return collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}), nil
	default:
		return nil, fmt.Errorf("unknown debug collector: %s", name)
	}
}

func (e *Exporter) Init() error {
	e.registry.MustRegister(NewPowerCollector(e.source, e.logger))

	for name, enabled := range e.debugCollectors {
		if !enabled {
			continue
		}
		c, err := collectorForName(name)
		if err != nil {
			return fmt.Errorf("failed to create debug collector: %w", err)
		}
		e.registry.MustRegister(c)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	e.server = &http.Server{
		Addr:              e.listenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

func (e *Exporter) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("Serving metrics", "address", e.listenAddress)
		errCh <- e.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return e.server.Shutdown(shutdownCtx)
	}
}

func (e *Exporter) Shutdown() error {
	if e.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := e.server.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
