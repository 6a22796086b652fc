// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package topology

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/galvani-project/galvani/internal/device"
)

// Core is one physical core and the logical CPUs scheduled onto it.
type Core struct {
	ID     int
	Socket int
	CPUs   []int // hyperthread siblings, ascending
}

// Socket is one physical package with the power domains it exposes and the
// cores it owns.
type Socket struct {
	ID      int
	Domains []device.Domain
	Cores   []Core
}

// PackageDomain returns the socket's package-kind domain, if the hardware
// exposes one.
func (s *Socket) PackageDomain() (device.Domain, bool) {
	for _, d := range s.Domains {
		if d.Kind == device.KindPackage {
			return d, true
		}
	}
	return device.Domain{}, false
}

// Topology is an immutable snapshot of the machine's power-relevant
// hardware. Refreshes build a whole new value; holders of an old snapshot
// keep reading it unchanged.
type Topology struct {
	Sockets []Socket

	cpuToCore map[int]Core
	domains   []device.Domain
}

// New assembles a topology from discovered domains and cores. Every core
// and domain lands on exactly one socket; sockets appear ascending by id.
// It fails when no domain is readable, since an agent without a single
// power domain cannot measure anything.
func New(domains []device.Domain, cores []Core) (*Topology, error) {
	if len(domains) == 0 {
		return nil, fmt.Errorf("no readable power domain discovered")
	}

	bySocket := map[int]*Socket{}
	socket := func(id int) *Socket {
		s, ok := bySocket[id]
		if !ok {
			s = &Socket{ID: id}
			bySocket[id] = s
		}
		return s
	}

	seen := map[string]struct{}{}
	for _, d := range domains {
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("duplicate power domain id %q", d.ID)
		}
		seen[d.ID] = struct{}{}
		s := socket(d.Socket)
		s.Domains = append(s.Domains, d)
	}
	for _, c := range cores {
		s := socket(c.Socket)
		s.Cores = append(s.Cores, c)
	}

	ids := make([]int, 0, len(bySocket))
	for id := range bySocket {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	t := &Topology{
		Sockets:   make([]Socket, 0, len(ids)),
		cpuToCore: map[int]Core{},
	}
	for _, id := range ids {
		s := bySocket[id]
		sort.Slice(s.Cores, func(i, j int) bool { return s.Cores[i].ID < s.Cores[j].ID })
		t.Sockets = append(t.Sockets, *s)
		t.domains = append(t.domains, s.Domains...)
		for _, c := range s.Cores {
			for _, cpu := range c.CPUs {
				t.cpuToCore[cpu] = c
			}
		}
	}
	return t, nil
}

// Domains lists every domain across all sockets, socket-ascending.
func (t *Topology) Domains() []device.Domain {
	return t.domains
}

// Socket returns the socket with the given id.
func (t *Topology) Socket(id int) (*Socket, bool) {
	for i := range t.Sockets {
		if t.Sockets[i].ID == id {
			return &t.Sockets[i], true
		}
	}
	return nil, false
}

// CoreForCPU maps a logical CPU number to its physical core.
func (t *Topology) CoreForCPU(cpu int) (Core, bool) {
	c, ok := t.cpuToCore[cpu]
	return c, ok
}

// CPUCount is the number of logical CPUs known to the topology.
func (t *Topology) CPUCount() int {
	return len(t.cpuToCore)
}

func (t *Topology) String() string {
	return fmt.Sprintf("%d sockets, %d domains, %d cpus", len(t.Sockets), len(t.domains), len(t.cpuToCore))
}

// parseCPUList expands a sysfs cpulist string such as "0-3,8,10-11" into
// the CPU numbers it names.
func parseCPUList(list string) ([]int, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, nil
	}
	var cpus []int
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err := strconv.Atoi(lo)
			if err != nil {
				return nil, fmt.Errorf("cpulist %q: %w", list, err)
			}
			end, err := strconv.Atoi(hi)
			if err != nil {
				return nil, fmt.Errorf("cpulist %q: %w", list, err)
			}
			if end < start {
				return nil, fmt.Errorf("cpulist %q: descending range", list)
			}
			for cpu := start; cpu <= end; cpu++ {
				cpus = append(cpus, cpu)
			}
			continue
		}
		cpu, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("cpulist %q: %w", list, err)
		}
		cpus = append(cpus, cpu)
	}
	sort.Ints(cpus)
	return cpus, nil
}
