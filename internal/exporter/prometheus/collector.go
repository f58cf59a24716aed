// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"log/slog"
	"math"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/SMART-Dal/codegreen/internal/coordinator"
	"github.com/SMART-Dal/codegreen/internal/device"
)

const namespace = "codegreen"

// PowerDataProvider is the slice of the coordinator the collector reads
type PowerDataProvider interface {
	Latest() (coordinator.SynchronizedReading, error)
	ActiveProviders() []device.ProviderID
	Diagnostics() map[string]string
}

// PowerCollector exposes the latest synchronized reading and the
// coordinator counters. The provider and total series of one scrape come
// from a single tick, so they are mutually consistent; the counters come
// from a separate Diagnostics read.
type PowerCollector struct {
	source PowerDataProvider
	logger *slog.Logger

	providerJoulesDesc *prometheus.Desc
	providerWattsDesc  *prometheus.Desc
	domainJoulesDesc   *prometheus.Desc
	totalJoulesDesc    *prometheus.Desc

	ticksDesc       *prometheus.Desc
	missedTicksDesc *prometheus.Desc
	bufferFillDesc  *prometheus.Desc
	wrappedDesc     *prometheus.Desc
}

// NewPowerCollector creates a collector over the given source
func NewPowerCollector(source PowerDataProvider, logger *slog.Logger) *PowerCollector {
	return &PowerCollector{
		source: source,
		logger: logger.With("collector", "power"),

		providerJoulesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "provider", "joules_total"),
			"Cumulative energy per provider in joules",
			[]string{"provider"}, nil),
		providerWattsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "provider", "watts"),
			"Instantaneous power per provider in watts",
			[]string{"provider"}, nil),
		domainJoulesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "domain", "joules_total"),
			"Cumulative energy per provider domain in joules",
			[]string{"provider", "domain"}, nil),
		totalJoulesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "node", "joules_total"),
			"Cumulative energy across all providers in joules",
			nil, nil),

		ticksDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "coordinator", "ticks_total"),
			"Completed polling ticks",
			nil, nil),
		missedTicksDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "coordinator", "missed_ticks_total"),
			"Tick boundaries skipped because the loop overran",
			nil, nil),
		bufferFillDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "coordinator", "buffer_fill"),
			"Live entries in the reading buffer",
			nil, nil),
		wrappedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "coordinator", "buffer_wrapped"),
			"1 when the reading buffer has overwritten entries",
			nil, nil),
	}
}

// Describe implements the prometheus.Collector interface
func (c *PowerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.providerJoulesDesc
	ch <- c.providerWattsDesc
	ch <- c.domainJoulesDesc
	ch <- c.totalJoulesDesc
	ch <- c.ticksDesc
	ch <- c.missedTicksDesc
	ch <- c.bufferFillDesc
	ch <- c.wrappedDesc
}

// Collect implements the prometheus.Collector interface
func (c *PowerCollector) Collect(ch chan<- prometheus.Metric) {
	sr, err := c.source.Latest()
	if err == nil {
		ch <- prometheus.MustNewConstMetric(c.totalJoulesDesc,
			prometheus.CounterValue, sr.TotalEnergy.Joules())

		for id, r := range sr.Readings {
			if !r.Valid {
				continue
			}
			ch <- prometheus.MustNewConstMetric(c.providerJoulesDesc,
				prometheus.CounterValue, r.Energy.Joules(), string(id))
			if watts := r.Power.Watts(); !math.IsNaN(watts) {
				ch <- prometheus.MustNewConstMetric(c.providerWattsDesc,
					prometheus.GaugeValue, watts, string(id))
			}
			for domain, e := range r.PerDomain {
				ch <- prometheus.MustNewConstMetric(c.domainJoulesDesc,
					prometheus.CounterValue, e.Joules(), string(id), string(domain))
			}
		}
	} else {
		c.logger.Debug("no reading available for scrape", "error", err)
	}

	d := c.source.Diagnostics()
	c.emitCounter(ch, c.ticksDesc, d["tick_count"])
	c.emitCounter(ch, c.missedTicksDesc, d["missed_ticks"])
	c.emitGauge(ch, c.bufferFillDesc, d["buffer.fill"])

	wrapped := 0.0
	if d["buffer.wrapped"] == "true" {
		wrapped = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.wrappedDesc, prometheus.GaugeValue, wrapped)
}

func (c *PowerCollector) emitCounter(ch chan<- prometheus.Metric, desc *prometheus.Desc, v string) {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, f)
	}
}

func (c *PowerCollector) emitGauge(ch chan<- prometheus.Metric, desc *prometheus.Desc, v string) {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, f)
	}
}
