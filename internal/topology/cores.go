// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package topology

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/procfs/sysfs"
)

// CoreScanner enumerates physical cores. The sysfs scanner serves bare
// metal and guests alike; static scanners back the fake meter and tests.
type CoreScanner interface {
	Cores() ([]Core, error)
}

type sysfsCoreScanner struct {
	fs sysfs.FS
}

// NewSysfsCoreScanner scans core topology from sysfs (cpu topology
// directories under devices/system/cpu).
func NewSysfsCoreScanner(sysfsPath string) (CoreScanner, error) {
	fs, err := sysfs.NewFS(sysfsPath)
	if err != nil {
		return nil, fmt.Errorf("sysfs at %s: %w", sysfsPath, err)
	}
	return &sysfsCoreScanner{fs: fs}, nil
}

func (s *sysfsCoreScanner) Cores() ([]Core, error) {
	cpus, err := s.fs.CPUs()
	if err != nil {
		return nil, fmt.Errorf("listing cpus: %w", err)
	}

	type coreKey struct{ socket, core int }
	seen := map[coreKey]struct{}{}
	var cores []Core
	for _, cpu := range cpus {
		topo, err := cpu.Topology()
		if err != nil {
			// Offline CPUs expose no topology directory.
			continue
		}
		socket, err := strconv.Atoi(strings.TrimSpace(topo.PhysicalPackageID))
		if err != nil {
			return nil, fmt.Errorf("cpu %s: bad physical_package_id: %w", cpu.Number(), err)
		}
		coreID, err := strconv.Atoi(strings.TrimSpace(topo.CoreID))
		if err != nil {
			return nil, fmt.Errorf("cpu %s: bad core_id: %w", cpu.Number(), err)
		}
		key := coreKey{socket, coreID}
		if _, dup := seen[key]; dup {
			// Hyperthread sibling of a core already recorded.
			continue
		}
		siblings, err := parseCPUList(topo.ThreadSiblingsList)
		if err != nil {
			return nil, fmt.Errorf("cpu %s: %w", cpu.Number(), err)
		}
		seen[key] = struct{}{}
		cores = append(cores, Core{ID: coreID, Socket: socket, CPUs: siblings})
	}

	sort.Slice(cores, func(i, j int) bool {
		if cores[i].Socket != cores[j].Socket {
			return cores[i].Socket < cores[j].Socket
		}
		return cores[i].ID < cores[j].ID
	})
	return cores, nil
}

// StaticCoreScanner returns the same cores on every scan. The fake meter
// pairs with it to fabricate a full topology.
func StaticCoreScanner(cores []Core) CoreScanner {
	return staticScanner(cores)
}

type staticScanner []Core

func (s staticScanner) Cores() ([]Core, error) {
	out := make([]Core, len(s))
	copy(out, s)
	return out, nil
}

// SyntheticCores fabricates coresPerSocket dual-thread cores per socket,
// numbered the way Linux numbers SMT siblings (second thread offset by the
// total core count).
func SyntheticCores(sockets, coresPerSocket int) []Core {
	total := sockets * coresPerSocket
	cores := make([]Core, 0, total)
	for s := 0; s < sockets; s++ {
		for c := 0; c < coresPerSocket; c++ {
			id := s*coresPerSocket + c
			cores = append(cores, Core{
				ID:     c,
				Socket: s,
				CPUs:   []int{id, id + total},
			})
		}
	}
	return cores
}
