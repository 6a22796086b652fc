// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"k8s.io/utils/clock"

	"github.com/galvani-project/galvani/internal/service"
)

// Node aggregates host-wide usage over the last refresh interval.
type Node struct {
	ProcessTotalCPUTimeDelta float64 // sum of all running processes' deltas
	CPUUsageRatio            float64
}

// Workloads is the set of running workloads observed by one refresh. The
// maps are rebuilt per refresh; the informer's single caller reads them
// between refreshes only.
type Workloads struct {
	Processes  map[int]*Process
	Containers map[string]*Container
	VMs        map[string]*VirtualMachine
}

// Informer enumerates the host's workloads and their CPU usage. It is not
// concurrency-safe: one goroutine drives Refresh and reads the results.
type Informer interface {
	service.Initializer

	// Refresh rescans procfs and recomputes per-workload CPU deltas.
	Refresh() error

	Node() *Node
	Workloads() *Workloads
}

type resourceInformer struct {
	logger *slog.Logger
	fs     allProcReader
	clock  clock.Clock

	node      *Node
	workloads *Workloads

	// caches carry identity and usage totals across refreshes
	procCache      map[int]*Process
	containerCache map[string]*Container
	vmCache        map[string]*VirtualMachine
}

var _ Informer = (*resourceInformer)(nil)

// NewInformer creates a procfs-backed workload informer.
func NewInformer(opts ...OptionFn) (*resourceInformer, error) {
	opt := defaultOptions()
	for _, fn := range opts {
		fn(opt)
	}

	if opt.procReader == nil && opt.procFSPath != "" {
		reader, err := NewProcFSReader(opt.procFSPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create procfs reader: %w", err)
		}
		opt.procReader = reader
	}
	if opt.procReader == nil {
		return nil, errors.New("no procfs reader specified")
	}

	return &resourceInformer{
		logger: opt.logger.With("service", "resource-informer"),
		fs:     opt.procReader,
		clock:  opt.clock,

		node: &Node{},
		workloads: &Workloads{
			Processes:  map[int]*Process{},
			Containers: map[string]*Container{},
			VMs:        map[string]*VirtualMachine{},
		},

		procCache:      map[int]*Process{},
		containerCache: map[string]*Container{},
		vmCache:        map[string]*VirtualMachine{},
	}, nil
}

func (ri *resourceInformer) Name() string {
	return "resource-informer"
}

func (ri *resourceInformer) Init() error {
	// ensure procfs is accessible before the refresh loop starts
	if _, err := ri.fs.AllProcs(); err != nil {
		return fmt.Errorf("failed to access procfs: %w", err)
	}
	ri.logger.Info("Resource informer initialized")
	return nil
}

func (ri *resourceInformer) Refresh() error {
	started := ri.clock.Now()

	procs, err := ri.fs.AllProcs()
	if err != nil {
		return fmt.Errorf("failed to get processes: %w", err)
	}

	running := &Workloads{
		Processes:  make(map[int]*Process, len(procs)),
		Containers: map[string]*Container{},
		VMs:        map[string]*VirtualMachine{},
	}

	var refreshErrs error
	for _, p := range procs {
		proc, err := ri.updateProcessCache(p)
		if err != nil {
			if os.IsNotExist(err) {
				// exited between the listing and the read
				continue
			}
			refreshErrs = errors.Join(refreshErrs, err)
			continue
		}
		running.Processes[proc.PID] = proc

		switch proc.Type {
		case ContainerProcess:
			ri.rollupContainer(running.Containers, proc)
		case VMProcess:
			ri.rollupVM(running.VMs, proc)
		}
	}

	// Drop exited workloads from the caches and total up the interval.
	totalDelta := float64(0)
	for pid, proc := range ri.procCache {
		if _, ok := running.Processes[pid]; ok {
			totalDelta += proc.CPUTimeDelta
			continue
		}
		delete(ri.procCache, pid)
	}
	for id := range ri.containerCache {
		if _, ok := running.Containers[id]; !ok {
			delete(ri.containerCache, id)
		}
	}
	for id := range ri.vmCache {
		if _, ok := running.VMs[id]; !ok {
			delete(ri.vmCache, id)
		}
	}

	usage, err := ri.fs.CPUUsageRatio()
	if err != nil {
		return fmt.Errorf("failed to get procfs usage: %w", err)
	}
	ri.node.ProcessTotalCPUTimeDelta = totalDelta
	ri.node.CPUUsageRatio = usage
	ri.workloads = running

	ri.logger.Debug("Workloads refreshed",
		"processes", len(running.Processes),
		"containers", len(running.Containers),
		"vms", len(running.VMs),
		"duration", ri.clock.Since(started))

	return refreshErrs
}

func (ri *resourceInformer) Node() *Node {
	return ri.node
}

func (ri *resourceInformer) Workloads() *Workloads {
	return ri.workloads
}

// updateProcessCache refreshes the cached entry for proc, creating it on
// first sight, and returns it.
func (ri *resourceInformer) updateProcessCache(proc procInfo) (*Process, error) {
	pid := proc.PID()
	if cached, ok := ri.procCache[pid]; ok {
		err := populateProcessFields(cached, proc)
		return cached, err
	}

	p := &Process{PID: pid}
	if err := populateProcessFields(p, proc); err != nil {
		return nil, err
	}
	ri.procCache[pid] = p
	return p, nil
}

// rollupContainer folds proc's usage into its container. The first member
// process seen in a refresh resets the container's interval state; later
// members accumulate onto it.
func (ri *resourceInformer) rollupContainer(running map[string]*Container, proc *Process) {
	c := proc.Container
	cached, ok := ri.containerCache[c.ID]
	if !ok {
		cached = c.Clone()
		ri.containerCache[c.ID] = cached
	}

	if _, seen := running[c.ID]; !seen {
		cached.CPUTimeDelta = 0
		cached.CPUs = cached.CPUs[:0]
	}
	cached.CPUTimeDelta += proc.CPUTimeDelta
	cached.CPUTotalTime += proc.CPUTimeDelta
	cached.CPUs = appendCPU(cached.CPUs, proc.CPU)
	if cached.Name == "" {
		cached.Name = c.Name
	}

	running[c.ID] = cached
}

// rollupVM folds proc's usage into its VM. A guest is a single qemu
// process, so usage is an assignment rather than a sum.
func (ri *resourceInformer) rollupVM(running map[string]*VirtualMachine, proc *Process) {
	vm := proc.VirtualMachine
	if vm == nil {
		panic(fmt.Sprintf("process %d (%s) typed as vm without vm info", proc.PID, proc.Comm))
	}

	cached, ok := ri.vmCache[vm.ID]
	if !ok {
		cached = vm.Clone()
		ri.vmCache[vm.ID] = cached
	}
	cached.CPUTimeDelta = proc.CPUTimeDelta
	cached.CPUTotalTime = proc.CPUTotalTime
	cached.CPUs = appendCPU(cached.CPUs[:0], proc.CPU)

	running[vm.ID] = cached
}

// populateProcessFields refreshes p from a live procfs entry. Identity
// fields are re-read only for new processes, after an exec (comm change),
// or when the process actually consumed CPU since the last refresh.
func populateProcessFields(p *Process, proc procInfo) error {
	seconds, cpu, err := proc.CPUStat()
	if err != nil {
		return err
	}
	p.CPUTimeDelta = seconds - p.CPUTotalTime
	p.CPUTotalTime = seconds
	p.CPU = cpu

	if known := p.Comm != ""; known && p.CPUTimeDelta <= 1e-12 {
		return nil
	}

	comm, err := proc.Comm()
	if err != nil {
		return fmt.Errorf("failed to get process comm: %w", err)
	}
	commChanged := comm != p.Comm
	p.Comm = comm

	exe, err := proc.Executable()
	if err != nil {
		return fmt.Errorf("failed to get process executable: %w", err)
	}
	p.Exe = exe

	if p.Type == UnknownProcess || commChanged {
		kind, container, vm, err := classifyProcess(proc)
		if err != nil {
			return fmt.Errorf("failed to detect process type: %w", err)
		}
		p.Type = kind
		p.Container = container
		p.VirtualMachine = vm
	}
	return nil
}

// classifyProcess decides whether a process belongs to a container, hosts a
// VM, or is a plain host process. Container wins over VM: a hypervisor
// running inside a container (kata-style) is accounted to the container
// that cgroup-owns it.
func classifyProcess(proc procInfo) (ProcessType, *Container, *VirtualMachine, error) {
	container, cErr := containerFromProc(proc)
	if cErr == nil && container != nil {
		return ContainerProcess, container, nil, nil
	}

	vm, vErr := vmFromProc(proc)
	if vErr == nil && vm != nil {
		return VMProcess, nil, vm, nil
	}

	if err := errors.Join(cErr, vErr); err != nil {
		return UnknownProcess, nil, nil, err
	}
	return RegularProcess, nil, nil, nil
}
