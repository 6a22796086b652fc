// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package attribution

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galvani-project/galvani/internal/bus"
	"github.com/galvani-project/galvani/internal/device"
	"github.com/galvani-project/galvani/internal/resource"
	"github.com/galvani-project/galvani/internal/topology"
)

// testTopo builds sockets of dual-thread cores: with two sockets of two
// cores, socket 0 holds CPUs {0,1,4,5} and socket 1 holds {2,3,6,7}.
func testTopo(t *testing.T, sockets, coresPerSocket int) *topology.Topology {
	t.Helper()
	domains := make([]device.Domain, 0, sockets)
	for s := 0; s < sockets; s++ {
		domains = append(domains, device.Domain{
			ID:     fmt.Sprintf("package-%d", s),
			Kind:   device.KindPackage,
			Socket: s,
		})
	}
	topo, err := topology.New(domains, topology.SyntheticCores(sockets, coresPerSocket))
	require.NoError(t, err)
	return topo
}

func packageDomain(socket int) device.Domain {
	return device.Domain{
		ID:     fmt.Sprintf("package-%d", socket),
		Kind:   device.KindPackage,
		Socket: socket,
	}
}

func hostProc(pid, cpu int, delta float64) *resource.Process {
	return &resource.Process{
		PID:          pid,
		Comm:         fmt.Sprintf("proc-%d", pid),
		Type:         resource.RegularProcess,
		CPU:          cpu,
		CPUTimeDelta: delta,
	}
}

func containerProc(pid, cpu int, delta float64, id string) *resource.Process {
	return &resource.Process{
		PID:          pid,
		Comm:         "container-app",
		Type:         resource.ContainerProcess,
		Container:    &resource.Container{ID: id},
		CPU:          cpu,
		CPUTimeDelta: delta,
	}
}

func workloadsOf(procs ...*resource.Process) *resource.Workloads {
	wl := &resource.Workloads{
		Processes:  map[int]*resource.Process{},
		Containers: map[string]*resource.Container{},
		VMs:        map[string]*resource.VirtualMachine{},
	}
	for _, p := range procs {
		wl.Processes[p.PID] = p
		if p.Container != nil {
			wl.Containers[p.Container.ID] = p.Container
		}
		if p.VirtualMachine != nil {
			wl.VMs[p.VirtualMachine.ID] = p.VirtualMachine
		}
	}
	return wl
}

func TestBuildIndexExclusiveOwnership(t *testing.T) {
	topo := testTopo(t, 2, 2)

	t.Run("Sole workload on a socket owns its domains", func(t *testing.T) {
		wl := workloadsOf(
			containerProc(100, 0, 1.0, "ctnr-1"),
			containerProc(101, 1, 2.0, "ctnr-1"),
		)
		wl.Containers["ctnr-1"].Name = "web"

		ix := buildIndex(topo, wl)

		attr := ix.attribute(packageDomain(0))
		require.NotNil(t, attr)
		assert.Equal(t, bus.WorkloadContainer, attr.Kind)
		assert.Equal(t, "ctnr-1", attr.ID)
		assert.Equal(t, "web", attr.Name, "name comes from the rolled-up view")

		assert.Nil(t, ix.attribute(packageDomain(1)), "idle socket stays unattributed")
	})

	t.Run("Idle cores do not block exclusivity", func(t *testing.T) {
		ix := buildIndex(topo, workloadsOf(containerProc(100, 0, 1.0, "ctnr-1")))

		attr := ix.attribute(packageDomain(0))
		require.NotNil(t, attr)
		assert.Equal(t, "ctnr-1", attr.ID)
	})

	t.Run("Both hyperthreads of one core, same workload", func(t *testing.T) {
		// CPUs 0 and 4 are siblings on socket 0.
		ix := buildIndex(topo, workloadsOf(
			containerProc(100, 0, 1.0, "ctnr-1"),
			containerProc(101, 4, 1.0, "ctnr-1"),
		))

		attr := ix.attribute(packageDomain(0))
		require.NotNil(t, attr)
		assert.Equal(t, bus.WorkloadContainer, attr.Kind)
	})

	t.Run("Bare process identity", func(t *testing.T) {
		ix := buildIndex(topo, workloadsOf(hostProc(42, 2, 1.0)))

		attr := ix.attribute(packageDomain(1))
		require.NotNil(t, attr)
		assert.Equal(t, bus.WorkloadProcess, attr.Kind)
		assert.Equal(t, "42", attr.ID)
		assert.Equal(t, "proc-42", attr.Name)
	})

	t.Run("VM identity", func(t *testing.T) {
		vm := &resource.VirtualMachine{ID: "vm-uuid", Name: "guest-a", Hypervisor: resource.KVMHypervisor}
		proc := &resource.Process{
			PID:            300,
			Comm:           "qemu-kvm",
			Type:           resource.VMProcess,
			VirtualMachine: vm,
			CPU:            3,
			CPUTimeDelta:   1.0,
		}
		ix := buildIndex(topo, workloadsOf(proc))

		attr := ix.attribute(packageDomain(1))
		require.NotNil(t, attr)
		assert.Equal(t, bus.WorkloadVM, attr.Kind)
		assert.Equal(t, "vm-uuid", attr.ID)
		assert.Equal(t, "guest-a", attr.Name)
	})
}

func TestBuildIndexSharedFallback(t *testing.T) {
	topo := testTopo(t, 2, 2)

	t.Run("Two workloads on one socket", func(t *testing.T) {
		ix := buildIndex(topo, workloadsOf(
			containerProc(100, 0, 1.0, "ctnr-1"),
			containerProc(200, 1, 1.0, "ctnr-2"),
		))

		attr := ix.attribute(packageDomain(0))
		require.NotNil(t, attr)
		assert.Equal(t, bus.WorkloadShared, attr.Kind)
	})

	t.Run("Hyperthread siblings split between workloads", func(t *testing.T) {
		// CPUs 1 and 5 share a core; two workloads interleaved on one
		// core cannot be separated.
		ix := buildIndex(topo, workloadsOf(
			containerProc(100, 1, 1.0, "ctnr-1"),
			hostProc(42, 5, 1.0),
		))

		attr := ix.attribute(packageDomain(0))
		require.NotNil(t, attr)
		assert.Equal(t, bus.WorkloadShared, attr.Kind)
	})

	t.Run("Contended CPU poisons the socket", func(t *testing.T) {
		ix := buildIndex(topo, workloadsOf(
			containerProc(100, 0, 1.0, "ctnr-1"),
			hostProc(42, 0, 1.0),
		))

		attr := ix.attribute(packageDomain(0))
		require.NotNil(t, attr)
		assert.Equal(t, bus.WorkloadShared, attr.Kind)
	})

	t.Run("Same workload from two processes is not contention", func(t *testing.T) {
		ix := buildIndex(topo, workloadsOf(
			containerProc(100, 0, 1.0, "ctnr-1"),
			containerProc(101, 0, 1.0, "ctnr-1"),
		))

		attr := ix.attribute(packageDomain(0))
		require.NotNil(t, attr)
		assert.Equal(t, bus.WorkloadContainer, attr.Kind)
		assert.Equal(t, "ctnr-1", attr.ID)
	})

	t.Run("Activity on unmapped CPU forbids exclusive claims", func(t *testing.T) {
		// CPU 64 exists on the machine but not in the scanned topology.
		ix := buildIndex(topo, workloadsOf(
			containerProc(100, 0, 1.0, "ctnr-1"),
			hostProc(42, 64, 1.0),
		))

		attr := ix.attribute(packageDomain(0))
		require.NotNil(t, attr)
		assert.Equal(t, bus.WorkloadShared, attr.Kind, "the unplaced workload could be anywhere")
		assert.Nil(t, ix.attribute(packageDomain(1)), "a socket with no observed activity still claims nothing")
	})

	t.Run("Sockets are independent", func(t *testing.T) {
		ix := buildIndex(topo, workloadsOf(
			containerProc(100, 0, 1.0, "ctnr-1"),
			containerProc(200, 2, 1.0, "ctnr-2"),
			hostProc(42, 3, 1.0),
		))

		attr0 := ix.attribute(packageDomain(0))
		require.NotNil(t, attr0)
		assert.Equal(t, "ctnr-1", attr0.ID)

		attr1 := ix.attribute(packageDomain(1))
		require.NotNil(t, attr1)
		assert.Equal(t, bus.WorkloadShared, attr1.Kind)
	})
}

func TestBuildIndexEdgeCases(t *testing.T) {
	topo := testTopo(t, 1, 2)

	t.Run("Zero-delta workloads do not vote", func(t *testing.T) {
		ix := buildIndex(topo, workloadsOf(
			containerProc(100, 0, 1.0, "ctnr-1"),
			hostProc(42, 1, 0),
		))

		attr := ix.attribute(packageDomain(0))
		require.NotNil(t, attr)
		assert.Equal(t, "ctnr-1", attr.ID)
	})

	t.Run("No activity yields an empty index", func(t *testing.T) {
		ix := buildIndex(topo, workloadsOf(hostProc(42, 0, 0)))
		assert.Nil(t, ix.attribute(packageDomain(0)))
	})

	t.Run("Nil topology or workloads", func(t *testing.T) {
		assert.Nil(t, buildIndex(nil, workloadsOf()).attribute(packageDomain(0)))
		assert.Nil(t, buildIndex(topo, nil).attribute(packageDomain(0)))
	})

	t.Run("Topology without cores attributes nothing", func(t *testing.T) {
		bare, err := topology.New([]device.Domain{packageDomain(0)}, nil)
		require.NoError(t, err)

		ix := buildIndex(bare, workloadsOf(containerProc(100, 0, 1.0, "ctnr-1")))
		assert.Nil(t, ix.attribute(packageDomain(0)))
	})

	t.Run("Platform-wide domains are never attributed", func(t *testing.T) {
		ix := buildIndex(topo, workloadsOf(containerProc(100, 0, 1.0, "ctnr-1")))
		require.NotNil(t, ix.attribute(packageDomain(0)))

		psys := device.Domain{ID: "psys", Kind: device.KindPsys, Socket: 0}
		assert.Nil(t, ix.attribute(psys))

		platform := device.Domain{ID: "platform", Kind: device.KindPlatform, Socket: -1}
		assert.Nil(t, ix.attribute(platform))
	})

	t.Run("Socket rollup domains follow socket ownership", func(t *testing.T) {
		ix := buildIndex(topo, workloadsOf(containerProc(100, 0, 1.0, "ctnr-1")))

		rollup := device.Domain{ID: "socket-0", Kind: device.KindSocket, Socket: 0}
		attr := ix.attribute(rollup)
		require.NotNil(t, attr)
		assert.Equal(t, "ctnr-1", attr.ID)
	})
}
