// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package topology

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/galvani-project/galvani/internal/bus"
	"github.com/galvani-project/galvani/internal/device"
	"github.com/galvani-project/galvani/internal/service"
)

// Announcer publishes diagnostics; the record bus satisfies it.
type Announcer interface {
	Announce(d bus.Diagnostic)
}

// Provider owns the current topology snapshot. Discovery runs once at
// startup and again on a slow cadence; every refresh builds a complete new
// snapshot and swaps it in atomically, so readers are never exposed to a
// half-applied rediscovery and a failed refresh leaves the previous
// topology fully intact.
type Provider struct {
	logger    *slog.Logger
	clock     clock.WithTicker
	interval  time.Duration
	meter     device.Meter
	scanner   CoreScanner
	announcer Announcer

	snapshot atomic.Pointer[Topology]
}

var (
	_ service.Initializer = (*Provider)(nil)
	_ service.Runner      = (*Provider)(nil)
)

// ProviderOptionFn configures a Provider.
type ProviderOptionFn func(*Provider)

func WithLogger(logger *slog.Logger) ProviderOptionFn {
	return func(p *Provider) { p.logger = logger }
}

func WithClock(c clock.WithTicker) ProviderOptionFn {
	return func(p *Provider) { p.clock = c }
}

// WithRefreshInterval sets the rediscovery cadence. Zero disables
// periodic refresh; the startup topology then stands for the process
// lifetime.
func WithRefreshInterval(d time.Duration) ProviderOptionFn {
	return func(p *Provider) { p.interval = d }
}

func WithCoreScanner(s CoreScanner) ProviderOptionFn {
	return func(p *Provider) { p.scanner = s }
}

// WithAnnouncer routes refresh failures onto the diagnostic channel.
func WithAnnouncer(a Announcer) ProviderOptionFn {
	return func(p *Provider) { p.announcer = a }
}

// NewProvider builds a topology provider over the given meter.
func NewProvider(meter device.Meter, opts ...ProviderOptionFn) *Provider {
	p := &Provider{
		logger:   slog.Default(),
		clock:    clock.RealClock{},
		interval: 0,
		meter:    meter,
	}
	for _, apply := range opts {
		apply(p)
	}
	p.logger = p.logger.With("service", "topology")
	return p
}

func (p *Provider) Name() string {
	return "topology"
}

// Init runs the initial discovery. Failure here is fatal: an agent that
// cannot see a single power domain has nothing to measure.
func (p *Provider) Init() error {
	topo, err := p.discover()
	if err != nil {
		return fmt.Errorf("topology discovery: %w", err)
	}
	p.snapshot.Store(topo)
	p.logger.Info("Topology discovered", "sockets", len(topo.Sockets), "domains", len(topo.Domains()), "cpus", topo.CPUCount())
	return nil
}

// Run refreshes the topology on the configured cadence until ctx ends.
func (p *Provider) Run(ctx context.Context) error {
	if p.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			p.Refresh()
		}
	}
}

// Refresh rediscovers the topology wholesale. On failure the previous
// snapshot stays in place and the failure is surfaced as a diagnostic.
func (p *Provider) Refresh() error {
	topo, err := p.discover()
	if err != nil {
		p.logger.Warn("Topology refresh failed, keeping previous topology", "error", err)
		if p.announcer != nil {
			p.announcer.Announce(bus.Diagnostic{
				Kind:    bus.DiagRefreshFailed,
				Message: fmt.Sprintf("topology refresh: %v", err),
			})
		}
		return err
	}
	p.snapshot.Store(topo)
	p.logger.Debug("Topology refreshed", "sockets", len(topo.Sockets), "domains", len(topo.Domains()))
	return nil
}

// Snapshot returns the current topology. The returned value is immutable;
// callers may hold it across a refresh and keep reading consistent data.
// Nil before Init.
func (p *Provider) Snapshot() *Topology {
	return p.snapshot.Load()
}

func (p *Provider) discover() (*Topology, error) {
	domains, err := p.meter.Domains()
	if err != nil {
		return nil, fmt.Errorf("enumerating power domains: %w", err)
	}

	var cores []Core
	if p.scanner != nil {
		cores, err = p.scanner.Cores()
		if err != nil {
			// Domains alone still allow sampling; only attribution
			// degrades without cores.
			p.logger.Warn("Core scan failed, topology will carry no cores", "error", err)
			cores = nil
		}
	}
	return New(domains, cores)
}
