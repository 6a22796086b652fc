// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/galvani-project/galvani/internal/version"
)

// buildInfoCollector exposes galvani_build_info. Build metadata never changes
// at runtime, so the collector holds a single pre-labeled descriptor.
type buildInfoCollector struct {
	desc *prom.Desc
}

func newBuildInfoCollector() *buildInfoCollector {
	info := version.Info()
	return &buildInfoCollector{
		desc: prom.NewDesc(
			prom.BuildFQName(galvaniNS, "build", "info"),
			"A metric with a constant '1' value labeled with version information",
			nil,
			prom.Labels{
				"arch":      info.GoArch,
				"branch":    info.GitBranch,
				"revision":  info.GitCommit,
				"version":   info.Version,
				"goversion": info.GoVersion,
			},
		),
	}
}

func (c *buildInfoCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.desc
}

func (c *buildInfoCollector) Collect(ch chan<- prom.Metric) {
	ch <- prom.MustNewConstMetric(c.desc, prom.GaugeValue, 1)
}
