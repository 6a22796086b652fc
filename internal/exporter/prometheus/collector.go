// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"strconv"

	prom "github.com/prometheus/client_golang/prometheus"
)

const (
	galvaniNS     = "galvani"
	nodeNameLabel = "node_name"
)

// powerCollector turns the store's cached series into scrape output.
// Collection is read-only under the store's lock; a concurrent record
// batch waits, a scrape never blocks the bus delivery goroutine for long.
type powerCollector struct {
	store *store

	domainWatts   *prom.Desc
	domainJoules  *prom.Desc
	workloadWatts *prom.Desc
	diagnostics   *prom.Desc
}

var _ prom.Collector = (*powerCollector)(nil)

func newPowerCollector(store *store, nodeName string) *powerCollector {
	constLabels := prom.Labels{nodeNameLabel: nodeName}
	return &powerCollector{
		store: store,

		domainWatts: prom.NewDesc(
			prom.BuildFQName(galvaniNS, "", "domain_watts"),
			"Average power draw of a hardware power domain over the last sampling interval in watts",
			[]string{"domain", "kind", "socket"}, constLabels),

		domainJoules: prom.NewDesc(
			prom.BuildFQName(galvaniNS, "", "domain_joules_total"),
			"Energy consumed by a hardware power domain since the agent started in joules",
			[]string{"domain", "kind", "socket"}, constLabels),

		workloadWatts: prom.NewDesc(
			prom.BuildFQName(galvaniNS, "", "workload_watts"),
			"Power draw attributed to a workload on a power domain in watts",
			[]string{"kind", "id", "name", "domain", "socket"}, constLabels),

		diagnostics: prom.NewDesc(
			prom.BuildFQName(galvaniNS, "", "diagnostics_total"),
			"Health events observed on the record bus by kind",
			[]string{"kind"}, constLabels),
	}
}

// socketLabel renders a socket id; node-scope records carry no socket.
func socketLabel(socket int) string {
	if socket < 0 {
		return ""
	}
	return strconv.Itoa(socket)
}

func (c *powerCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.domainWatts
	ch <- c.domainJoules
	ch <- c.workloadWatts
	ch <- c.diagnostics
}

func (c *powerCollector) Collect(ch chan<- prom.Metric) {
	now := c.store.clock.Now()

	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	for id, d := range c.store.domains {
		if !c.store.fresh(now, d.seen) {
			continue
		}
		socket := socketLabel(d.socket)
		ch <- prom.MustNewConstMetric(
			c.domainWatts,
			prom.GaugeValue,
			d.watts.Watts(),
			id, string(d.kind), socket,
		)
		ch <- prom.MustNewConstMetric(
			c.domainJoules,
			prom.CounterValue,
			d.joules.Joules(),
			id, string(d.kind), socket,
		)
	}

	for key, w := range c.store.workloads {
		if !c.store.fresh(now, w.seen) {
			continue
		}
		ch <- prom.MustNewConstMetric(
			c.workloadWatts,
			prom.GaugeValue,
			w.watts.Watts(),
			string(key.kind), key.id, w.name, key.domain, socketLabel(w.socket),
		)
	}

	for kind, count := range c.store.diags {
		ch <- prom.MustNewConstMetric(
			c.diagnostics,
			prom.CounterValue,
			float64(count),
			string(kind),
		)
	}
}
