// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package attribution

import (
	"strconv"

	"github.com/galvani-project/galvani/internal/bus"
	"github.com/galvani-project/galvani/internal/device"
	"github.com/galvani-project/galvani/internal/resource"
	"github.com/galvani-project/galvani/internal/topology"
)

// ident keys one billable workload: a container, a VM, or a bare process.
type ident struct {
	kind bus.WorkloadKind
	id   string
}

type ownership int

const (
	ownerNone ownership = iota
	ownerExclusive
	ownerShared
)

// index is one immutable attribution snapshot. Ownership is decided per
// socket: the single workload observed on every active core owns the
// socket's domains, any disagreement yields the shared marker, and a
// socket without observed activity stays unattributed.
type index struct {
	sockets map[int]*bus.Attribution
}

var emptyIndex = &index{}

// attribute resolves the attribution for one domain. Platform-wide
// domains (psys, BMC platform) are never attributed since they include
// draw no CPU workload can own.
func (ix *index) attribute(d device.Domain) *bus.Attribution {
	switch d.Kind {
	case device.KindPsys, device.KindPlatform:
		return nil
	}
	return ix.sockets[d.Socket]
}

// buildIndex derives socket ownership from each workload's last-scheduled
// CPU. Only workloads that consumed CPU since the previous refresh vote.
func buildIndex(topo *topology.Topology, wl *resource.Workloads) *index {
	if topo == nil || wl == nil {
		return emptyIndex
	}

	// One vote per CPU. Two workloads last seen on the same CPU contend
	// for it, which poisons the whole core.
	votes := map[int]ident{}
	contended := map[int]bool{}
	for _, p := range wl.Processes {
		if p.CPUTimeDelta <= 0 {
			continue
		}
		id := workloadIdent(p)
		if prev, ok := votes[p.CPU]; ok {
			if prev != id {
				contended[p.CPU] = true
			}
			continue
		}
		votes[p.CPU] = id
	}
	if len(votes) == 0 {
		return emptyIndex
	}

	// Activity on a CPU the topology cannot place could have run on any
	// socket, so no exclusive claim is safe this interval.
	orphaned := false
	for cpu := range votes {
		if _, ok := topo.CoreForCPU(cpu); !ok {
			orphaned = true
			break
		}
	}

	ix := &index{sockets: map[int]*bus.Attribution{}}
	shared := &bus.Attribution{Kind: bus.WorkloadShared}
	for _, s := range topo.Sockets {
		owner, state := socketOwner(&s, votes, contended)
		switch {
		case state == ownerNone:
		case state == ownerShared || orphaned:
			ix.sockets[s.ID] = shared
		default:
			ix.sockets[s.ID] = resolveAttribution(wl, owner)
		}
	}
	return ix
}

// socketOwner reduces a socket's cores to one owner. A single shared or
// foreign-owned core makes the whole socket shared.
func socketOwner(s *topology.Socket, votes map[int]ident, contended map[int]bool) (ident, ownership) {
	var owner ident
	state := ownerNone
	for _, core := range s.Cores {
		coreOwner, coreState := coreOwnerOf(core, votes, contended)
		switch coreState {
		case ownerNone:
			continue
		case ownerShared:
			return ident{}, ownerShared
		}
		if state == ownerNone {
			owner, state = coreOwner, ownerExclusive
			continue
		}
		if coreOwner != owner {
			return ident{}, ownerShared
		}
	}
	return owner, state
}

// coreOwnerOf reports the single workload observed across a core's
// logical siblings, if there is exactly one.
func coreOwnerOf(core topology.Core, votes map[int]ident, contended map[int]bool) (ident, ownership) {
	var owner ident
	state := ownerNone
	for _, cpu := range core.CPUs {
		if contended[cpu] {
			return ident{}, ownerShared
		}
		id, ok := votes[cpu]
		if !ok {
			continue
		}
		if state == ownerNone {
			owner, state = id, ownerExclusive
			continue
		}
		if id != owner {
			return ident{}, ownerShared
		}
	}
	return owner, state
}

// workloadIdent keys the billable identity of a process: its container or
// VM when it belongs to one, the process itself otherwise.
func workloadIdent(p *resource.Process) ident {
	switch {
	case p.Type == resource.ContainerProcess && p.Container != nil:
		return ident{kind: bus.WorkloadContainer, id: p.Container.ID}
	case p.Type == resource.VMProcess && p.VirtualMachine != nil:
		return ident{kind: bus.WorkloadVM, id: p.VirtualMachine.ID}
	}
	return ident{kind: bus.WorkloadProcess, id: strconv.Itoa(p.PID)}
}

// resolveAttribution fills the attribution from the rolled-up workload
// maps, which carry names the per-process views may lack.
func resolveAttribution(wl *resource.Workloads, id ident) *bus.Attribution {
	attr := &bus.Attribution{Kind: id.kind, ID: id.id}
	switch id.kind {
	case bus.WorkloadContainer:
		if c, ok := wl.Containers[id.id]; ok {
			attr.Name = c.Name
		}
	case bus.WorkloadVM:
		if vm, ok := wl.VMs[id.id]; ok {
			attr.Name = vm.Name
		}
	case bus.WorkloadProcess:
		if pid, err := strconv.Atoi(id.id); err == nil {
			if p, ok := wl.Processes[pid]; ok {
				attr.Name = p.Comm
			}
		}
	}
	return attr
}
