// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/prometheus/procfs/sysfs"
)

// guestMeter reads surrogate energy counters exposed to a virtual machine
// by the agent running on its hypervisor. The tree mimics the powercap
// layout (one "intel-rapl:S[:D]" directory per domain with name, energy_uj
// and max_energy_range_uj files) but lives under an ordinary shared
// directory instead of /sys, so a guest needs no privileged device access.
type guestMeter struct {
	opts meterOpts
	root string
}

var _ Meter = (*guestMeter)(nil)

// NewGuestMeter builds a meter over the surrogate tree rooted at root.
func NewGuestMeter(root string, opts ...OptionFn) (Meter, error) {
	o := defaultMeterOpts()
	for _, apply := range opts {
		apply(&o)
	}
	if root == "" {
		return nil, fmt.Errorf("guest counter root must not be empty")
	}
	return &guestMeter{opts: o, root: root}, nil
}

// GuestAvailable reports whether root holds at least one surrogate zone.
func GuestAvailable(root string) bool {
	entries, err := os.ReadDir(root)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "intel-rapl:") {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), "energy_uj")); err == nil {
			return true
		}
	}
	return false
}

func (m *guestMeter) Name() string {
	return "guest"
}

func (m *guestMeter) Init() error {
	domains, err := m.Domains()
	if err != nil {
		return err
	}
	if len(domains) == 0 {
		return fmt.Errorf("no surrogate energy counters under %s", m.root)
	}
	m.opts.logger.Info("Guest meter initialized", "domains", len(domains), "root", m.root)
	return nil
}

func (m *guestMeter) Domains() ([]Domain, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("scanning surrogate counters under %s: %w", m.root, err)
	}

	seen := map[string]int{}
	var domains []Domain
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "intel-rapl:") {
			continue
		}
		zonePath := filepath.Join(m.root, e.Name())
		nameBytes, err := os.ReadFile(filepath.Join(zonePath, "name"))
		if err != nil {
			continue
		}
		kind, err := ParseDomainKind(strings.TrimSpace(string(nameBytes)))
		if err != nil {
			m.opts.logger.Debug("Skipping surrogate zone", "zone", zonePath, "err", err)
			continue
		}
		if !m.opts.wantKind(kind) {
			continue
		}
		socket, err := socketFromZonePath(zonePath)
		if err != nil {
			continue
		}

		// The hypervisor advertises the accumulator's wrap range; older
		// writers omit it and the modulus stays unknown unless overridden.
		var max Energy
		if raw, err := os.ReadFile(filepath.Join(zonePath, "max_energy_range_uj")); err == nil {
			var uj uint64
			if _, err := fmt.Sscanf(strings.TrimSpace(string(raw)), "%d", &uj); err == nil {
				max = Energy(uj)
			}
		}

		id := fmt.Sprintf("%s-%d", kind, socket)
		if n := seen[id]; n > 0 {
			id = fmt.Sprintf("%s.%d", id, n)
		}
		seen[fmt.Sprintf("%s-%d", kind, socket)]++

		domains = append(domains, Domain{
			ID:        id,
			Kind:      kind,
			Socket:    socket,
			Path:      zonePath,
			MaxEnergy: m.opts.modulus(kind, max),
		})
	}

	sort.Slice(domains, func(i, j int) bool {
		if domains[i].Socket != domains[j].Socket {
			return domains[i].Socket < domains[j].Socket
		}
		return kindRank(domains[i].Kind) < kindRank(domains[j].Kind)
	})
	return domains, nil
}

func (m *guestMeter) Reader(d Domain) (EnergyReader, error) {
	if d.Path == "" {
		return nil, fmt.Errorf("domain %s has no surrogate zone path", d.ID)
	}
	zone := sysfs.RaplZone{Name: string(d.Kind), Index: d.Socket, Path: d.Path, MaxMicrojoules: d.MaxEnergy.MicroJoules()}
	return &raplReader{zone: zone, opts: &m.opts}, nil
}

func (m *guestMeter) Shutdown() error {
	return nil
}
