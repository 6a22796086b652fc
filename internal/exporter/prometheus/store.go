// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/galvani-project/galvani/internal/bus"
	"github.com/galvani-project/galvani/internal/device"
)

type domainSeries struct {
	kind   device.DomainKind
	socket int
	watts  device.Power
	joules device.Energy // accumulated across intervals
	seen   time.Time
}

type workloadKey struct {
	domain string
	kind   bus.WorkloadKind
	id     string
}

type workloadSeries struct {
	name   string
	socket int
	watts  device.Power
	seen   time.Time
}

// store is the bus subscriber behind the scrape endpoint. It keeps the
// last-known value per series so a scrape reads cached state instead of
// the sampling path. Series fall out once no record refreshed them within
// the staleness window.
type store struct {
	clock     clock.PassiveClock
	staleness time.Duration

	mu        sync.RWMutex
	domains   map[string]*domainSeries
	workloads map[workloadKey]*workloadSeries
	diags     map[bus.DiagnosticKind]uint64
}

var _ bus.Subscriber = (*store)(nil)

func newStore(clk clock.PassiveClock, staleness time.Duration) *store {
	return &store{
		clock:     clk,
		staleness: staleness,
		domains:   map[string]*domainSeries{},
		workloads: map[workloadKey]*workloadSeries{},
		diags:     map[bus.DiagnosticKind]uint64{},
	}
}

func (s *store) Name() string {
	return "prometheus"
}

func (s *store) OnRecords(records []bus.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		d, ok := s.domains[rec.Domain]
		if !ok {
			d = &domainSeries{kind: rec.Kind, socket: rec.Socket}
			s.domains[rec.Domain] = d
		}
		d.watts = rec.Power
		d.joules += rec.Energy
		d.seen = rec.End

		if rec.Attribution == nil {
			continue
		}
		key := workloadKey{domain: rec.Domain, kind: rec.Attribution.Kind, id: rec.Attribution.ID}
		w, ok := s.workloads[key]
		if !ok {
			w = &workloadSeries{socket: rec.Socket}
			s.workloads[key] = w
		}
		w.name = rec.Attribution.Name
		w.watts = rec.Power
		w.seen = rec.End
	}

	s.prune(s.clock.Now())
	return nil
}

func (s *store) OnDiagnostic(d bus.Diagnostic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diags[d.Kind]++
	return nil
}

// prune drops series that stopped refreshing: disabled domains and exited
// workloads disappear from scrapes instead of freezing at their last
// value. Diagnostic counters are never pruned.
func (s *store) prune(now time.Time) {
	if s.staleness <= 0 {
		return
	}
	for id, d := range s.domains {
		if now.Sub(d.seen) > s.staleness {
			delete(s.domains, id)
		}
	}
	for key, w := range s.workloads {
		if now.Sub(w.seen) > s.staleness {
			delete(s.workloads, key)
		}
	}
}

// fresh reports whether a series updated at seen is still inside the
// staleness window.
func (s *store) fresh(now, seen time.Time) bool {
	return s.staleness <= 0 || now.Sub(seen) <= s.staleness
}
