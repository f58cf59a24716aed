// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

// Package coordinator owns the energy providers and drives the background
// polling loop that feeds the ring buffer. One dedicated goroutine polls;
// snapshot reads are safe from any goroutine.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/SMART-Dal/codegreen/internal/device"
	"github.com/SMART-Dal/codegreen/internal/ringbuf"
	"github.com/SMART-Dal/codegreen/internal/timing"
)

// ErrNoReadings is returned by Latest when no tick completed in time
var ErrNoReadings = errors.New("no readings available")

// ErrNoProviders is returned by Init when every provider failed to
// initialize
var ErrNoProviders = errors.New("no providers initialized")

// managedProvider pairs a provider with its health bookkeeping. Owned
// exclusively by the polling goroutine after Init.
type managedProvider struct {
	id       device.ProviderID
	provider device.EnergyProvider

	state               providerState
	consecutiveFailures int
	lastRestartAttempt  time.Time
	restarts            uint64
}

// Coordinator owns providers, polls them on a fixed cadence, and maintains
// the synchronized-reading ring buffer.
type Coordinator struct {
	logger *slog.Logger
	timer  *timing.Timer
	clock  clock.WithTicker

	interval         time.Duration
	pollTimeout      time.Duration
	autoRestart      bool
	restartInterval  time.Duration
	failureThreshold int

	providers []*managedProvider
	buffer    *ringbuf.Buffer[SynchronizedReading]

	latest atomic.Pointer[SynchronizedReading]
	dataCh chan struct{}

	tickCount   atomic.Uint64
	missedTicks atomic.Uint64
	lastTickTs  atomic.Uint64

	// stateMu guards provider state reads from other goroutines
	// (ActiveProviders, Diagnostics) against the polling goroutine
	stateMu sync.RWMutex

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	initialized bool
}

// NewCoordinator creates a coordinator owning the given providers. The
// timer is shared with the meter so marker and reading timestamps come from
// the same epoch.
func NewCoordinator(timer *timing.Timer, providers []device.EnergyProvider, applyOpts ...OptionFn) *Coordinator {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	c := &Coordinator{
		logger:           opts.logger.With("service", "coordinator"),
		timer:            timer,
		clock:            opts.clock,
		interval:         opts.interval,
		pollTimeout:      opts.pollTimeout,
		autoRestart:      opts.autoRestart,
		restartInterval:  opts.restartInterval,
		failureThreshold: opts.failureThreshold,
		buffer:           ringbuf.New[SynchronizedReading](opts.bufferCapacity),
		dataCh:           make(chan struct{}, 1),
	}

	for _, p := range providers {
		c.providers = append(c.providers, &managedProvider{
			id:       p.Spec().ProviderID,
			provider: p,
		})
	}
	return c
}

func (c *Coordinator) Name() string {
	return "coordinator"
}

// Init initializes all providers in parallel. Providers that fail are
// disabled but do not fail Init unless none succeed.
func (c *Coordinator) Init() error {
	if c.initialized {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.pollTimeout*10)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, mp := range c.providers {
		mp := mp
		g.Go(func() error {
			if err := mp.provider.Init(gctx); err != nil {
				c.logger.Warn("provider failed to initialize, disabling",
					"provider", mp.id, "error", err)
				mp.state = providerDisabled
				return nil
			}
			// ids may only be known after Init for discovered hardware
			mp.id = mp.provider.Spec().ProviderID
			mp.state = providerHealthy
			c.logger.Info("provider initialized", "provider", mp.id)
			return nil
		})
	}
	_ = g.Wait()

	if len(c.ActiveProviders()) == 0 {
		return ErrNoProviders
	}

	c.initialized = true
	return nil
}

// Run executes the polling loop until ctx is cancelled. One tick fires
// immediately so Latest has data as soon as possible.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("Polling loop running", "interval", c.interval)

	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	c.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Polling loop terminated")
			return nil
		case <-ticker.C():
			c.tick(ctx)
		}
	}
}

// Start launches the polling loop in its own goroutine. Idempotent.
func (c *Coordinator) Start() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return nil
	}
	if err := c.Init(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go func() {
		defer close(c.done)
		_ = c.Run(ctx)
	}()
	return nil
}

// Stop signals the polling loop to exit and joins it. Idempotent.
func (c *Coordinator) Stop() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if !c.running {
		return nil
	}
	c.cancel()
	<-c.done
	c.running = false
	return nil
}

// Shutdown stops the loop and shuts down every provider.
func (c *Coordinator) Shutdown() error {
	if err := c.Stop(); err != nil {
		return err
	}

	var retErr error
	for _, mp := range c.providers {
		if err := mp.provider.Shutdown(); err != nil {
			c.logger.Error("provider shutdown failed", "provider", mp.id, "error", err)
			retErr = err
		}
	}
	return retErr
}

// tick performs one polling round: stamp, poll sequentially, push.
func (c *Coordinator) tick(ctx context.Context) {
	t := c.timer.Now()

	c.accountMissedTicks(t)

	readings := make(map[device.ProviderID]device.EnergyReading, len(c.providers))
	var total device.Energy

	for _, mp := range c.providers {
		if mp.state == providerDisabled {
			continue
		}
		if mp.state == providerUnhealthy {
			readings[mp.id] = device.EnergyReading{
				Timestamp: t,
				Power:     device.Power(math.NaN()),
			}
			continue
		}

		pollCtx, cancel := context.WithTimeout(ctx, c.pollTimeout)
		started := c.clock.Now()
		r := mp.provider.Poll(pollCtx)
		cancel()
		elapsed := c.clock.Since(started)

		if elapsed > c.pollTimeout {
			c.logger.Warn("provider poll exceeded deadline",
				"provider", mp.id, "elapsed", elapsed)
			r.Valid = false
		}

		c.stateMu.Lock()
		if r.Valid {
			mp.consecutiveFailures = 0
		} else {
			mp.consecutiveFailures++
			if mp.consecutiveFailures >= c.failureThreshold {
				mp.state = providerUnhealthy
				c.logger.Warn("provider marked unhealthy",
					"provider", mp.id, "failures", mp.consecutiveFailures)
			}
		}
		c.stateMu.Unlock()

		readings[mp.id] = r
		if r.Valid {
			total += r.Energy
		}

		if ctx.Err() != nil {
			return
		}
	}

	sr := &SynchronizedReading{
		Timestamp:   t,
		Readings:    readings,
		TotalEnergy: total,
	}
	c.buffer.Push(sr)
	c.latest.Store(sr)
	c.tickCount.Add(1)
	c.lastTickTs.Store(t)
	c.signalNewData()

	if c.autoRestart {
		c.restartUnhealthy(ctx)
	}
}

func (c *Coordinator) accountMissedTicks(t timing.Timestamp) {
	last := c.lastTickTs.Load()
	if last == 0 || t <= last {
		return
	}
	gap := time.Duration(t - last)
	if gap > c.interval+c.interval/2 {
		c.missedTicks.Add(uint64(gap/c.interval) - 1)
	}
}

// restartUnhealthy attempts to reinitialize unhealthy providers without
// blocking the next tick: the combined deadline is interval/4.
func (c *Coordinator) restartUnhealthy(ctx context.Context) {
	now := c.clock.Now()

	var due []*managedProvider
	c.stateMu.RLock()
	for _, mp := range c.providers {
		if mp.state != providerUnhealthy {
			continue
		}
		if !mp.lastRestartAttempt.IsZero() && now.Sub(mp.lastRestartAttempt) < c.restartInterval {
			continue
		}
		due = append(due, mp)
	}
	c.stateMu.RUnlock()

	if len(due) == 0 {
		return
	}

	restartCtx, cancel := context.WithTimeout(ctx, c.interval/4)
	defer cancel()

	for _, mp := range due {
		mp.lastRestartAttempt = now
		_ = mp.provider.Shutdown()
		if err := mp.provider.Init(restartCtx); err != nil {
			c.logger.Debug("provider restart failed", "provider", mp.id, "error", err)
			continue
		}
		c.stateMu.Lock()
		mp.state = providerHealthy
		mp.consecutiveFailures = 0
		mp.restarts++
		c.stateMu.Unlock()
		c.logger.Info("provider restarted", "provider", mp.id)

		if restartCtx.Err() != nil {
			return
		}
	}
}

func (c *Coordinator) signalNewData() {
	select {
	case c.dataCh <- struct{}{}:
	default:
	}
}

// DataChannel signals whenever a new tick lands
func (c *Coordinator) DataChannel() <-chan struct{} {
	return c.dataCh
}

// Snapshot returns a copy of the current ring buffer window, ascending by
// timestamp.
func (c *Coordinator) Snapshot() []SynchronizedReading {
	return c.buffer.Snapshot()
}

// Latest returns the most recent tick, blocking up to twice the poll
// interval when no tick has landed yet.
func (c *Coordinator) Latest() (SynchronizedReading, error) {
	if sr := c.latest.Load(); sr != nil {
		return sr.Clone(), nil
	}

	select {
	case <-c.dataCh:
		if sr := c.latest.Load(); sr != nil {
			return sr.Clone(), nil
		}
		return SynchronizedReading{}, ErrNoReadings
	case <-c.clock.After(2 * c.interval):
		return SynchronizedReading{}, ErrNoReadings
	}
}

// ActiveProviders lists the healthy providers, sorted by id
func (c *Coordinator) ActiveProviders() []device.ProviderID {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	var out []device.ProviderID
	for _, mp := range c.providers {
		if mp.state == providerHealthy {
			out = append(out, mp.id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ProviderStates reports every owned provider's health
func (c *Coordinator) ProviderStates() map[device.ProviderID]string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	out := make(map[device.ProviderID]string, len(c.providers))
	for _, mp := range c.providers {
		out[mp.id] = mp.state.String()
	}
	return out
}

// Interval returns the configured poll period
func (c *Coordinator) Interval() time.Duration {
	return c.interval
}

// BufferWrapped reports whether the ring buffer has overwritten entries
func (c *Coordinator) BufferWrapped() bool {
	return c.buffer.Wrapped()
}

// Diagnostics reports coordinator state as a flat string map.
func (c *Coordinator) Diagnostics() map[string]string {
	d := map[string]string{
		"timer.source":        c.timer.Source().String(),
		"timer.resolution_ns": fmt.Sprintf("%g", c.timer.Resolution()),
		"tick_count":          strconv.FormatUint(c.tickCount.Load(), 10),
		"missed_ticks":        strconv.FormatUint(c.missedTicks.Load(), 10),
		"buffer.fill":         strconv.Itoa(c.buffer.Len()),
		"buffer.capacity":     strconv.Itoa(c.buffer.Capacity()),
		"buffer.wrapped":      strconv.FormatBool(c.buffer.Wrapped()),
		"buffer.pushes":       strconv.FormatUint(c.buffer.Pushes(), 10),
		"buffer.wrap_count":   strconv.FormatUint(c.buffer.Pushes()/uint64(c.buffer.Capacity()), 10),
	}

	d["active_providers"] = strings.Join(c.ActiveProviders(), ",")

	c.stateMu.RLock()
	for _, mp := range c.providers {
		d["provider."+string(mp.id)+".state"] = mp.state.String()
		d["provider."+string(mp.id)+".restarts"] = strconv.FormatUint(mp.restarts, 10)
	}
	c.stateMu.RUnlock()

	return d
}
