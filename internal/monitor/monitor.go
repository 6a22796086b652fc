// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

// Package monitor drives the sampling loop. Every tick it reads each
// enabled domain's energy counter, derives the interval's consumed energy
// and average power, and publishes one immutable record per domain on the
// bus. All readers are owned by the single sampling goroutine.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/galvani-project/galvani/internal/bus"
	"github.com/galvani-project/galvani/internal/device"
	"github.com/galvani-project/galvani/internal/service"
	"github.com/galvani-project/galvani/internal/topology"
)

// TopologySource yields the hardware snapshot sampling is based on.
type TopologySource interface {
	Snapshot() *topology.Topology
}

// Attributor resolves the workload a domain's draw belongs to, nil when
// nothing is known. Consulted once per record at construction time.
type Attributor interface {
	Attribute(d device.Domain) *bus.Attribution
}

// Publisher is the bus surface the monitor produces into.
type Publisher interface {
	Publish(records []bus.Record)
	Announce(d bus.Diagnostic)
}

// domainState is one domain's sampling state, touched only by the
// sampling goroutine.
type domainState struct {
	domain device.Domain
	reader device.EnergyReader

	prev     device.Sample
	primed   bool
	faults   int // consecutive
	disabled bool
}

// PowerMonitor samples the domain set discovered at startup. Domains that
// appear through a later topology refresh are picked up on restart, which
// keeps exactly one reader per domain for the process lifetime.
type PowerMonitor struct {
	logger         *slog.Logger
	clock          clock.WithTicker
	interval       time.Duration
	faultThreshold int
	ceiling        device.Power
	readTimeout    time.Duration

	meter      device.Meter
	topo       TopologySource
	publisher  Publisher
	attributor Attributor

	domains       []*domainState
	rollupSockets []int // sockets without a package domain, ascending
}

var (
	_ service.Initializer = (*PowerMonitor)(nil)
	_ service.Runner      = (*PowerMonitor)(nil)
	_ service.Shutdowner  = (*PowerMonitor)(nil)
)

// NewPowerMonitor builds the sampling engine over meter, reading the
// domain set from topo and publishing onto pub.
func NewPowerMonitor(meter device.Meter, topo TopologySource, pub Publisher, applyOpts ...OptionFn) (*PowerMonitor, error) {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	if meter == nil {
		return nil, fmt.Errorf("no meter specified")
	}
	if topo == nil {
		return nil, fmt.Errorf("no topology source specified")
	}
	if pub == nil {
		return nil, fmt.Errorf("no publisher specified")
	}
	if opts.interval <= 0 {
		return nil, fmt.Errorf("sampling interval must be positive, got %s", opts.interval)
	}

	return &PowerMonitor{
		logger:         opts.logger.With("service", "monitor"),
		clock:          opts.clock,
		interval:       opts.interval,
		faultThreshold: opts.faultThreshold,
		ceiling:        opts.ceiling,
		readTimeout:    opts.readTimeout,
		meter:          meter,
		topo:           topo,
		publisher:      pub,
		attributor:     opts.attributor,
	}, nil
}

func (pm *PowerMonitor) Name() string {
	return "monitor"
}

// Init opens one reader per discovered domain and wraps each with the
// per-read deadline guard.
func (pm *PowerMonitor) Init() error {
	snapshot := pm.topo.Snapshot()
	if snapshot == nil {
		return fmt.Errorf("no topology available")
	}

	domains := snapshot.Domains()
	pm.domains = make([]*domainState, 0, len(domains))
	for _, d := range domains {
		reader, err := pm.meter.Reader(d)
		if err != nil {
			closeErr := pm.closeReaders()
			pm.domains = nil
			return errors.Join(fmt.Errorf("opening reader for %s: %w", d.ID, err), closeErr)
		}
		pm.domains = append(pm.domains, &domainState{
			domain: d,
			reader: device.NewDeadlineReader(reader, pm.readTimeout),
		})
	}

	pm.rollupSockets = pm.rollupSockets[:0]
	for i := range snapshot.Sockets {
		s := &snapshot.Sockets[i]
		if len(s.Domains) == 0 {
			continue
		}
		if _, ok := s.PackageDomain(); !ok {
			pm.rollupSockets = append(pm.rollupSockets, s.ID)
		}
	}

	pm.logger.Info("Sampling initialized",
		"domains", len(pm.domains),
		"rollup.sockets", len(pm.rollupSockets),
		"interval", pm.interval,
	)
	return nil
}

// Run samples on the configured cadence until ctx ends. The immediate
// first tick primes every baseline so the first full interval already
// produces records.
func (pm *PowerMonitor) Run(ctx context.Context) error {
	pm.tick()

	ticker := pm.clock.NewTicker(pm.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			pm.tick()
		}
	}
}

// Shutdown releases every reader handle.
func (pm *PowerMonitor) Shutdown() error {
	err := pm.closeReaders()
	pm.domains = nil
	return err
}

func (pm *PowerMonitor) closeReaders() error {
	var errs error
	for _, st := range pm.domains {
		if err := st.reader.Close(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("closing reader for %s: %w", st.domain.ID, err))
		}
	}
	return errs
}

// socketRollup accumulates one socket's emitted records for the synthetic
// socket-N record.
type socketRollup struct {
	energy device.Energy
	power  device.Power
	start  time.Time
	end    time.Time
}

// tick runs one sampling pass over all enabled domains. Failures are
// per-domain: a faulted domain never stops the others.
func (pm *PowerMonitor) tick() {
	var batch []bus.Record
	rollups := map[int]*socketRollup{}

	for _, st := range pm.domains {
		if st.disabled {
			continue
		}

		sample, err := st.reader.Read()
		if err != nil {
			// Baseline stays put so the next good read averages
			// across the gap.
			pm.faultDomain(st, err)
			continue
		}

		prev, primed := st.prev, st.primed
		st.prev, st.primed = sample, true

		if !primed {
			st.faults = 0
			continue
		}

		elapsed := sample.At.Sub(prev.At)
		if elapsed <= 0 {
			st.faults = 0
			pm.logger.Warn("Clock anomaly, re-baselining domain", "domain", st.domain.ID, "elapsed", elapsed)
			pm.publisher.Announce(bus.Diagnostic{
				Kind:    bus.DiagClockAnomaly,
				Domain:  st.domain.ID,
				Message: fmt.Sprintf("non-positive sampling interval %s", elapsed),
				At:      sample.At,
			})
			continue
		}

		energy := wrapDelta(prev.Raw, sample.Raw, st.domain.MaxEnergy)
		power := energy.PowerOver(elapsed)
		if pm.ceiling > 0 && power > pm.ceiling {
			// The baseline has already advanced, so only this
			// interval is lost.
			pm.faultDomain(st, fmt.Errorf("computed %s exceeds ceiling %s", power, pm.ceiling))
			continue
		}
		st.faults = 0

		rec := bus.Record{
			Domain:      st.domain.ID,
			Kind:        st.domain.Kind,
			Socket:      st.domain.Socket,
			Attribution: pm.attribute(st.domain),
			Power:       power,
			Energy:      energy,
			Start:       prev.At,
			End:         sample.At,
		}
		batch = append(batch, rec)
		pm.accumulate(rollups, rec)
	}

	batch = pm.appendRollups(batch, rollups)
	if len(batch) > 0 {
		pm.publisher.Publish(batch)
	}
}

// faultDomain counts one fault against a domain and disables it at the
// threshold, announcing the demotion exactly once.
func (pm *PowerMonitor) faultDomain(st *domainState, cause error) {
	st.faults++
	if errors.Is(cause, device.ErrReadTimeout) {
		pm.publisher.Announce(bus.Diagnostic{
			Kind:    bus.DiagReadStalled,
			Domain:  st.domain.ID,
			Message: cause.Error(),
		})
	}
	pm.logger.Warn("Domain faulted", "domain", st.domain.ID, "fault.count", st.faults, "error", cause)

	if pm.faultThreshold <= 0 || st.faults < pm.faultThreshold || st.disabled {
		return
	}
	st.disabled = true
	pm.logger.Warn("Domain disabled", "domain", st.domain.ID, "faults", st.faults)
	pm.publisher.Announce(bus.Diagnostic{
		Kind:    bus.DiagDomainDisabled,
		Domain:  st.domain.ID,
		Message: fmt.Sprintf("disabled after %d consecutive faults: %v", st.faults, cause),
	})
}

// accumulate folds one emitted record into its socket's rollup. Psys is
// excluded: it spans the platform, not one socket's power planes.
func (pm *PowerMonitor) accumulate(rollups map[int]*socketRollup, rec bus.Record) {
	if rec.Kind == device.KindPsys {
		return
	}
	r, ok := rollups[rec.Socket]
	if !ok {
		r = &socketRollup{start: rec.Start, end: rec.End}
		rollups[rec.Socket] = r
	}
	r.energy += rec.Energy
	r.power += rec.Power
	if rec.Start.Before(r.start) {
		r.start = rec.Start
	}
	if rec.End.After(r.end) {
		r.end = rec.End
	}
}

// appendRollups emits a synthetic socket-N record, the sum of the
// socket's emitted records, for every socket without a package domain.
func (pm *PowerMonitor) appendRollups(batch []bus.Record, rollups map[int]*socketRollup) []bus.Record {
	for _, socket := range pm.rollupSockets {
		r, ok := rollups[socket]
		if !ok {
			continue
		}
		d := device.Domain{
			ID:     fmt.Sprintf("socket-%d", socket),
			Kind:   device.KindSocket,
			Socket: socket,
		}
		batch = append(batch, bus.Record{
			Domain:      d.ID,
			Kind:        d.Kind,
			Socket:      socket,
			Attribution: pm.attribute(d),
			Power:       r.power,
			Energy:      r.energy,
			Start:       r.start,
			End:         r.end,
		})
	}
	return batch
}

func (pm *PowerMonitor) attribute(d device.Domain) *bus.Attribution {
	if pm.attributor == nil {
		return nil
	}
	return pm.attributor.Attribute(d)
}
