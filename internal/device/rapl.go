// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/prometheus/procfs/sysfs"
)

// raplMeter reads Intel RAPL (and compatible) energy counters through the
// kernel powercap interface. Each powercap zone with a recognized name
// becomes one Domain; the mmio mirror zones are skipped so a package is
// never counted twice.
type raplMeter struct {
	opts      meterOpts
	sysfsPath string
	fs        sysfs.FS

	zones map[string]sysfs.RaplZone // domain ID -> powercap zone
}

var _ Meter = (*raplMeter)(nil)

// NewRaplMeter builds a powercap-backed meter rooted at sysfsPath
// (normally /sys).
func NewRaplMeter(sysfsPath string, opts ...OptionFn) (Meter, error) {
	o := defaultMeterOpts()
	for _, apply := range opts {
		apply(&o)
	}
	fs, err := sysfs.NewFS(sysfsPath)
	if err != nil {
		return nil, fmt.Errorf("sysfs at %s: %w", sysfsPath, err)
	}
	return &raplMeter{
		opts:      o,
		sysfsPath: sysfsPath,
		fs:        fs,
		zones:     map[string]sysfs.RaplZone{},
	}, nil
}

// RaplAvailable reports whether the powercap RAPL interface exists under
// sysfsPath. Used by meter selection at startup.
func RaplAvailable(sysfsPath string) bool {
	fs, err := sysfs.NewFS(sysfsPath)
	if err != nil {
		return false
	}
	zones, err := sysfs.GetRaplZones(fs)
	return err == nil && len(zones) > 0
}

func (m *raplMeter) Name() string {
	return "rapl"
}

// Init scans the powercap tree and probes read access to every counter
// file, so running without the needed privileges fails at startup instead
// of disabling every domain one fault threshold later. The probe opens the
// file but never reads the register.
func (m *raplMeter) Init() error {
	domains, err := m.Domains()
	if err != nil {
		return err
	}
	if len(domains) == 0 {
		return fmt.Errorf("powercap interface at %s exposes no readable RAPL domain", m.sysfsPath)
	}
	for _, d := range domains {
		f, err := os.Open(energyPath(d.Path))
		if err != nil {
			return fmt.Errorf("energy counter for %s not accessible: %w", d.ID, err)
		}
		_ = f.Close()
	}
	m.opts.logger.Info("RAPL meter initialized", "domains", len(domains), "sysfs", m.sysfsPath)
	return nil
}

// Domains enumerates powercap zones and maps them onto socket-scoped
// domains. Zone names carry the kind ("package-0", "core", "dram"); the
// zone directory name carries the socket index ("intel-rapl:1:0"). Unknown
// zone names are logged and skipped rather than failing discovery.
func (m *raplMeter) Domains() ([]Domain, error) {
	zones, err := sysfs.GetRaplZones(m.fs)
	if err != nil {
		return nil, fmt.Errorf("scanning powercap zones: %w", err)
	}

	seen := map[string]int{}
	m.zones = map[string]sysfs.RaplZone{}
	var domains []Domain
	for _, z := range zones {
		if strings.Contains(z.Path, "-mmio") {
			continue // mmio zones mirror the MSR-backed ones
		}
		kind, err := ParseDomainKind(z.Name)
		if err != nil {
			m.opts.logger.Debug("Skipping powercap zone", "zone", z.Path, "err", err)
			continue
		}
		if !m.opts.wantKind(kind) {
			continue
		}
		socket, err := socketFromZonePath(z.Path)
		if err != nil {
			m.opts.logger.Debug("Skipping powercap zone", "zone", z.Path, "err", err)
			continue
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
			Path:      z.Path,
			MaxEnergy: m.opts.modulus(kind, Energy(z.MaxMicrojoules)),
		})
		m.zones[id] = z
	}

	sort.Slice(domains, func(i, j int) bool {
		if domains[i].Socket != domains[j].Socket {
			return domains[i].Socket < domains[j].Socket
		}
		if domains[i].Kind != domains[j].Kind {
			return kindRank(domains[i].Kind) < kindRank(domains[j].Kind)
		}
		return domains[i].ID < domains[j].ID
	})
	return domains, nil
}

func kindRank(k DomainKind) int {
	for i, known := range KnownDomainKinds {
		if known == k {
			return i
		}
	}
	return len(KnownDomainKinds)
}

func (m *raplMeter) Reader(d Domain) (EnergyReader, error) {
	zone, ok := m.zones[d.ID]
	if !ok {
		// Reader requested for a domain from an older discovery pass.
		if d.Path == "" {
			return nil, fmt.Errorf("domain %s has no powercap zone", d.ID)
		}
		zone = sysfs.RaplZone{Name: string(d.Kind), Index: d.Socket, Path: d.Path, MaxMicrojoules: d.MaxEnergy.MicroJoules()}
	}
	return &raplReader{zone: zone, opts: &m.opts}, nil
}

func (m *raplMeter) Shutdown() error {
	return nil
}

func energyPath(zonePath string) string {
	return zonePath + "/energy_uj"
}

// raplReader reads one powercap zone's energy_uj file. The kernel performs
// the open/read/close per call, so there is no handle to hold between
// ticks.
type raplReader struct {
	zone sysfs.RaplZone
	opts *meterOpts
}

var _ EnergyReader = (*raplReader)(nil)

func (r *raplReader) Read() (Sample, error) {
	uj, err := r.zone.GetEnergyMicrojoules()
	if err != nil {
		return Sample{}, fmt.Errorf("reading %s: %w", energyPath(r.zone.Path), err)
	}
	return Sample{Raw: Energy(uj), At: r.opts.clock.Now()}, nil
}

func (r *raplReader) Close() error {
	return nil
}
