// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

// Package attribution decides which workload, if any, a power domain's
// draw belongs to. Attribution is exclusive-or-shared: a domain is billed
// to a workload only when that workload was the sole activity observed on
// the domain's socket, and anything less certain is marked shared rather
// than estimated.
package attribution

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/galvani-project/galvani/internal/bus"
	"github.com/galvani-project/galvani/internal/device"
	"github.com/galvani-project/galvani/internal/resource"
	"github.com/galvani-project/galvani/internal/service"
	"github.com/galvani-project/galvani/internal/topology"
)

const defaultRefreshInterval = 5 * time.Second

// Informer is the slice of the workload informer the tracker drives. The
// tracker is the informer's only caller, per the informer's single
// goroutine contract.
type Informer interface {
	Refresh() error
	Workloads() *resource.Workloads
}

// TopologySource yields the current hardware snapshot.
type TopologySource interface {
	Snapshot() *topology.Topology
}

// Announcer publishes diagnostics; the record bus satisfies it.
type Announcer interface {
	Announce(d bus.Diagnostic)
}

// Tracker maintains the attribution index. Each refresh walks the
// workload informer, rebuilds the index from scratch and swaps it in
// atomically; Attribute is safe to call from the sampling goroutine at
// any time and never sees a half-built index.
type Tracker struct {
	logger    *slog.Logger
	clock     clock.WithTicker
	interval  time.Duration
	informer  Informer
	topo      TopologySource
	announcer Announcer

	index atomic.Pointer[index]
}

var (
	_ service.Initializer = (*Tracker)(nil)
	_ service.Runner      = (*Tracker)(nil)
)

// OptionFn configures a Tracker.
type OptionFn func(*Tracker)

func WithLogger(logger *slog.Logger) OptionFn {
	return func(t *Tracker) { t.logger = logger }
}

func WithClock(c clock.WithTicker) OptionFn {
	return func(t *Tracker) { t.clock = c }
}

// WithRefreshInterval sets the workload walk cadence. Zero disables
// periodic refresh, leaving only the startup index.
func WithRefreshInterval(d time.Duration) OptionFn {
	return func(t *Tracker) { t.interval = d }
}

// WithAnnouncer routes refresh failures onto the diagnostic channel.
func WithAnnouncer(a Announcer) OptionFn {
	return func(t *Tracker) { t.announcer = a }
}

// NewTracker builds a tracker over the workload informer and topology.
func NewTracker(informer Informer, topo TopologySource, opts ...OptionFn) (*Tracker, error) {
	if informer == nil {
		return nil, fmt.Errorf("no workload informer specified")
	}
	if topo == nil {
		return nil, fmt.Errorf("no topology source specified")
	}
	t := &Tracker{
		logger:   slog.Default(),
		clock:    clock.RealClock{},
		interval: defaultRefreshInterval,
		informer: informer,
		topo:     topo,
	}
	for _, apply := range opts {
		apply(t)
	}
	t.logger = t.logger.With("service", "attribution")
	return t, nil
}

func (t *Tracker) Name() string {
	return "attribution"
}

// Init primes the index with one workload walk. The walk doubles as the
// delta baseline, so the first periodic refresh already sees per-interval
// CPU time. Failure is not fatal: records simply go out unattributed
// until a refresh succeeds.
func (t *Tracker) Init() error {
	if err := t.Refresh(); err != nil {
		t.logger.Warn("Initial workload walk failed, starting unattributed", "error", err)
	}
	return nil
}

// Run refreshes the index on the configured cadence until ctx ends.
func (t *Tracker) Run(ctx context.Context) error {
	if t.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			t.Refresh()
		}
	}
}

// Refresh rebuilds the index from a fresh workload walk. On failure the
// previous index stays in place and the failure is surfaced as a
// diagnostic.
func (t *Tracker) Refresh() error {
	started := t.clock.Now()
	if err := t.informer.Refresh(); err != nil {
		t.logger.Warn("Workload walk failed, keeping previous attribution", "error", err)
		if t.announcer != nil {
			t.announcer.Announce(bus.Diagnostic{
				Kind:    bus.DiagRefreshFailed,
				Message: fmt.Sprintf("attribution refresh: %v", err),
			})
		}
		return err
	}

	ix := buildIndex(t.topo.Snapshot(), t.informer.Workloads())
	t.index.Store(ix)
	t.logger.Debug("Attribution refreshed", "attributed.sockets", len(ix.sockets), "duration", t.clock.Since(started))
	return nil
}

// Attribute resolves the attribution for a domain, nil when nothing is
// known. The returned value is immutable and shared between records.
func (t *Tracker) Attribute(d device.Domain) *bus.Attribution {
	ix := t.index.Load()
	if ix == nil {
		return nil
	}
	return ix.attribute(d)
}
