// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package resource

type ProcessType string

const (
	UnknownProcess   ProcessType = ""
	RegularProcess   ProcessType = "regular"
	ContainerProcess ProcessType = "container"
	VMProcess        ProcessType = "vm"
)

type Process struct {
	// static
	PID  int
	Comm string
	Exe  string
	Type ProcessType

	Container      *Container
	VirtualMachine *VirtualMachine

	// dynamic, updated each refresh
	CPU          int     // logical CPU the process was last scheduled on
	CPUTotalTime float64 // total cpu seconds used by the process
	CPUTimeDelta float64 // cpu seconds used since the last refresh
}

// Container is the per-container rollup of its member processes.
type Container struct {
	ID      string
	Name    string
	Runtime ContainerRuntime

	// dynamic, updated each refresh
	CPUTotalTime float64
	CPUTimeDelta float64
	CPUs         []int // logical CPUs its processes were last seen on
}

type ContainerRuntime string

const (
	UnknownRuntime    ContainerRuntime = "unknown"
	DockerRuntime     ContainerRuntime = "docker"
	ContainerDRuntime ContainerRuntime = "containerd"
	CrioRuntime       ContainerRuntime = "crio"
	PodmanRuntime     ContainerRuntime = "podman"
	KubePodsRuntime   ContainerRuntime = "kubernetes"
)

// Clone copies the container identity without its usage tracking.
func (c *Container) Clone() *Container {
	if c == nil {
		return nil
	}
	return &Container{
		ID:      c.ID,
		Name:    c.Name,
		Runtime: c.Runtime,
	}
}

// VirtualMachine is the hypervisor process seen from the host side.
type VirtualMachine struct {
	ID         string
	Name       string
	Hypervisor Hypervisor

	// dynamic, updated each refresh
	CPUTotalTime float64
	CPUTimeDelta float64
	CPUs         []int
}

type Hypervisor string

const (
	UnknownHypervisor Hypervisor = "unknown"
	QEMUHypervisor    Hypervisor = "qemu"
	KVMHypervisor     Hypervisor = "kvm"
)

// Clone copies the VM identity without its usage tracking.
func (vm *VirtualMachine) Clone() *VirtualMachine {
	if vm == nil {
		return nil
	}
	return &VirtualMachine{
		ID:         vm.ID,
		Name:       vm.Name,
		Hypervisor: vm.Hypervisor,
	}
}

// appendCPU adds cpu to the list unless it is already there. Workloads
// touch a handful of CPUs between refreshes, so a linear scan beats a map.
func appendCPU(cpus []int, cpu int) []int {
	for _, c := range cpus {
		if c == cpu {
			return cpus
		}
	}
	return append(cpus, cpu)
}
