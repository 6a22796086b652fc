// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

// Package qemu feeds attributed power back to virtual machines. For every
// VM-attributed record stream it maintains a powercap-shaped surrogate tree
// under a shared directory, so an agent inside the guest reads its own energy
// with the ordinary guest meter and no privileged device access.
package qemu

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/galvani-project/galvani/internal/bus"
	"github.com/galvani-project/galvani/internal/device"
	"github.com/galvani-project/galvani/internal/service"
)

// DefaultEnergyRange matches the 2^32 * energy-unit range typical of package
// RAPL registers, so the surrogate counter wraps the way real ones do.
const DefaultEnergyRange = device.Energy(262143328850)

// Broker is the bus surface the exporter consumes from.
type Broker interface {
	Subscribe(sub bus.Subscriber, opts ...bus.SubscribeOption) (*bus.Handle, error)
	Unsubscribe(h *bus.Handle)
}

// vmChannel is one guest's accumulating counter. The directory is fixed at
// first sight; a VM rename keeps the original tree so the guest's mount
// stays valid.
type vmChannel struct {
	dir   string
	total device.Energy
	seen  time.Time
}

// Exporter mirrors VM-attributed energy into per-guest surrogate trees.
// It subscribes with the blocking policy: the counters are accumulators and
// a dropped batch would silently understate a guest's energy.
type Exporter struct {
	logger      *slog.Logger
	broker      Broker
	clock       clock.PassiveClock
	root        string
	energyRange device.Energy
	staleness   time.Duration
	queueDepth  int
	handle      *bus.Handle

	mu  sync.Mutex
	vms map[string]*vmChannel
}

var (
	_ service.Initializer = (*Exporter)(nil)
	_ service.Shutdowner  = (*Exporter)(nil)
	_ bus.Subscriber      = (*Exporter)(nil)
)

type Opts struct {
	logger      *slog.Logger
	clock       clock.PassiveClock
	energyRange device.Energy
	staleness   time.Duration
	queueDepth  int
}

// DefaultOpts returns a new Opts with defaults set.
func DefaultOpts() Opts {
	return Opts{
		logger:      slog.Default(),
		clock:       clock.RealClock{},
		energyRange: DefaultEnergyRange,
		staleness:   5 * time.Minute,
	}
}

// OptionFn sets one or more options in the Opts struct.
type OptionFn func(*Opts)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the clock used for staleness pruning.
func WithClock(c clock.PassiveClock) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithEnergyRange sets the advertised wrap range of the surrogate counters.
func WithEnergyRange(r device.Energy) OptionFn {
	return func(o *Opts) {
		o.energyRange = r
	}
}

// WithStaleness sets how long an unseen VM keeps its tree. Zero or negative
// disables pruning.
func WithStaleness(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.staleness = d
	}
}

// WithQueueDepth overrides the bus default depth for the subscription.
func WithQueueDepth(depth int) OptionFn {
	return func(o *Opts) {
		o.queueDepth = depth
	}
}

// NewExporter builds the guest channel over the shared directory root.
func NewExporter(broker Broker, root string, applyOpts ...OptionFn) (*Exporter, error) {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	if broker == nil {
		return nil, fmt.Errorf("no broker specified")
	}
	if root == "" {
		return nil, fmt.Errorf("no channel root specified")
	}

	return &Exporter{
		logger:      opts.logger.With("service", "qemu"),
		broker:      broker,
		clock:       opts.clock,
		root:        root,
		energyRange: opts.energyRange,
		staleness:   opts.staleness,
		queueDepth:  opts.queueDepth,
		vms:         map[string]*vmChannel{},
	}, nil
}

func (e *Exporter) Name() string {
	return "qemu"
}

func (e *Exporter) Init() error {
	if err := os.MkdirAll(e.root, 0o755); err != nil {
		return fmt.Errorf("creating guest channel root %s: %w", e.root, err)
	}

	handle, err := e.broker.Subscribe(e,
		bus.WithPolicy(bus.PolicyBlock),
		bus.WithDepth(e.queueDepth),
	)
	if err != nil {
		return fmt.Errorf("subscribing to record bus: %w", err)
	}
	e.handle = handle

	e.logger.Info("Guest channel initialized", "root", e.root)
	return nil
}

// Shutdown unsubscribes but leaves the trees in place: guests may still hold
// the share mounted and a vanished counter reads as an error, not as zero.
func (e *Exporter) Shutdown() error {
	if e.handle != nil {
		e.broker.Unsubscribe(e.handle)
		e.handle = nil
	}
	return nil
}

// OnRecords folds one batch into the per-VM accumulators. Only package and
// rollup records count; sub-package planes overlap them and would bill the
// same energy twice.
func (e *Exporter) OnRecords(records []bus.Record) error {
	type sighting struct {
		attr   *bus.Attribution
		energy device.Energy
	}
	batch := map[string]*sighting{}
	for _, rec := range records {
		if rec.Attribution == nil || rec.Attribution.Kind != bus.WorkloadVM {
			continue
		}
		if rec.Kind != device.KindPackage && rec.Kind != device.KindSocket {
			continue
		}
		s, ok := batch[rec.Attribution.ID]
		if !ok {
			s = &sighting{attr: rec.Attribution}
			batch[rec.Attribution.ID] = s
		}
		s.energy += rec.Energy
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	var errs []error
	for id, s := range batch {
		ch, err := e.channelFor(id, s.attr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ch.total += s.energy
		if e.energyRange > 0 {
			ch.total %= e.energyRange
		}
		ch.seen = now
		if err := e.writeEnergy(ch); err != nil {
			errs = append(errs, fmt.Errorf("updating guest channel for %s: %w", id, err))
		}
	}

	e.prune(now)
	return errors.Join(errs...)
}

func (e *Exporter) OnDiagnostic(d bus.Diagnostic) error {
	return nil
}

// channelFor returns the VM's channel, building the tree on first sight.
func (e *Exporter) channelFor(id string, attr *bus.Attribution) (*vmChannel, error) {
	if ch, ok := e.vms[id]; ok {
		return ch, nil
	}

	label := dirLabel(attr)
	if label == "" {
		return nil, fmt.Errorf("vm %q has no usable channel name", id)
	}

	zone := filepath.Join(e.root, label, "intel-rapl:0")
	if err := os.MkdirAll(zone, 0o755); err != nil {
		return nil, fmt.Errorf("creating guest channel for %s: %w", id, err)
	}
	if err := writeCounterFile(filepath.Join(zone, "name"), "package-0"); err != nil {
		return nil, fmt.Errorf("creating guest channel for %s: %w", id, err)
	}
	rangeUJ := strconv.FormatUint(e.energyRange.MicroJoules(), 10)
	if err := writeCounterFile(filepath.Join(zone, "max_energy_range_uj"), rangeUJ); err != nil {
		return nil, fmt.Errorf("creating guest channel for %s: %w", id, err)
	}

	ch := &vmChannel{dir: filepath.Join(e.root, label)}
	e.vms[id] = ch
	e.logger.Info("Guest channel created", "vm", label, "id", id)
	return ch, nil
}

func (e *Exporter) writeEnergy(ch *vmChannel) error {
	path := filepath.Join(ch.dir, "intel-rapl:0", "energy_uj")
	return writeCounterFile(path, strconv.FormatUint(ch.total.MicroJoules(), 10))
}

// prune removes trees of VMs unseen for a full staleness window, usually
// guests that were shut down or migrated away.
func (e *Exporter) prune(now time.Time) {
	if e.staleness <= 0 {
		return
	}
	for id, ch := range e.vms {
		if now.Sub(ch.seen) <= e.staleness {
			continue
		}
		if err := os.RemoveAll(ch.dir); err != nil {
			e.logger.Warn("Failed to remove stale guest channel", "dir", ch.dir, "err", err)
			continue
		}
		delete(e.vms, id)
		e.logger.Info("Guest channel pruned", "dir", ch.dir)
	}
}

// writeCounterFile replaces path atomically so a guest mid-read never sees a
// torn value.
func writeCounterFile(path, value string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(value+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// dirLabel picks the guest-visible directory name. Slashes are flattened so
// a hostile VM name cannot escape the channel root.
func dirLabel(attr *bus.Attribution) string {
	label := attr.Name
	if label == "" {
		label = attr.ID
	}
	label = strings.ReplaceAll(label, string(os.PathSeparator), "_")
	if label == "." || label == ".." {
		return ""
	}
	return label
}
