// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"math/rand"
	"sync"

	"k8s.io/utils/clock"
)

// ScriptStep is one scripted reader outcome: either a raw counter value or
// an error.
type ScriptStep struct {
	Raw Energy
	Err error
}

// ScriptedReader replays a fixed sequence of outcomes and then repeats the
// final one. It backs tests and the fake meter; production meters never
// construct it.
type ScriptedReader struct {
	mu    sync.Mutex
	steps []ScriptStep
	pos   int
	clk   clock.PassiveClock
}

var _ EnergyReader = (*ScriptedReader)(nil)

func NewScriptedReader(clk clock.PassiveClock, steps ...ScriptStep) *ScriptedReader {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &ScriptedReader{steps: steps, clk: clk}
}

func (r *ScriptedReader) Read() (Sample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.steps) == 0 {
		return Sample{}, fmt.Errorf("scripted reader has no steps")
	}
	step := r.steps[r.pos]
	if r.pos < len(r.steps)-1 {
		r.pos++
	}
	if step.Err != nil {
		return Sample{}, step.Err
	}
	return Sample{Raw: step.Raw, At: r.clk.Now()}, nil
}

func (r *ScriptedReader) Close() error {
	return nil
}

// fakeMaxEnergy matches the 2^32 * energy-unit range typical of package
// RAPL registers, so synthetic counters wrap the way real ones do.
const fakeMaxEnergy = Energy(262143328850)

// fakeMeter fabricates a small topology with randomly walking counters.
// It exists for development on machines without RAPL access; selection is
// always explicit via configuration.
type fakeMeter struct {
	opts    meterOpts
	sockets int

	mu       sync.Mutex
	counters map[string]*fakeCounter
}

var _ Meter = (*fakeMeter)(nil)

type fakeCounter struct {
	mu   sync.Mutex
	raw  Energy
	step Energy
	clk  clock.PassiveClock
}

func (c *fakeCounter) Read() (Sample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	jitter := Energy(rand.Int63n(int64(c.step)/2 + 1))
	c.raw = (c.raw + c.step + jitter) % fakeMaxEnergy
	return Sample{Raw: c.raw, At: c.clk.Now()}, nil
}

func (c *fakeCounter) Close() error {
	return nil
}

// NewFakeMeter builds a synthetic meter with the given socket count. Each
// socket exposes package, core and dram domains.
func NewFakeMeter(sockets int, opts ...OptionFn) (Meter, error) {
	o := defaultMeterOpts()
	for _, apply := range opts {
		apply(&o)
	}
	if sockets < 1 {
		return nil, fmt.Errorf("fake meter needs at least one socket, got %d", sockets)
	}
	return &fakeMeter{
		opts:     o,
		sockets:  sockets,
		counters: map[string]*fakeCounter{},
	}, nil
}

func (m *fakeMeter) Name() string {
	return "fake"
}

func (m *fakeMeter) Init() error {
	m.opts.logger.Info("Fake meter initialized", "sockets", m.sockets)
	return nil
}

func (m *fakeMeter) Domains() ([]Domain, error) {
	var domains []Domain
	for s := 0; s < m.sockets; s++ {
		for _, kind := range []DomainKind{KindPackage, KindCore, KindDRAM} {
			if !m.opts.wantKind(kind) {
				continue
			}
			domains = append(domains, Domain{
				ID:        fmt.Sprintf("%s-%d", kind, s),
				Kind:      kind,
				Socket:    s,
				MaxEnergy: m.opts.modulus(kind, fakeMaxEnergy),
			})
		}
	}
	return domains, nil
}

func (m *fakeMeter) Reader(d Domain) (EnergyReader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[d.ID]; ok {
		return c, nil
	}

	// Roughly 30W package draw at one-second ticks, with smaller core and
	// dram shares.
	var step Energy
	switch d.Kind {
	case KindCore:
		step = 12 * Joule
	case KindDRAM:
		step = 5 * Joule
	default:
		step = 30 * Joule
	}
	c := &fakeCounter{
		raw:  Energy(rand.Int63n(int64(fakeMaxEnergy))),
		step: step,
		clk:  m.opts.clock,
	}
	m.counters[d.ID] = c
	return c, nil
}

func (m *fakeMeter) Shutdown() error {
	return nil
}
