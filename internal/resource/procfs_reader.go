// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// cGroup holds only the cgroup path, which is all container detection needs.
type cGroup struct {
	Path string
}

// procInfo wraps the methods of procfs.Proc the informer consumes, so tests
// can substitute mocks.
type procInfo interface {
	PID() int
	Comm() (string, error)
	Executable() (string, error)
	Cgroups() ([]cGroup, error)
	Environ() ([]string, error)
	CmdLine() ([]string, error)

	// CPUStat returns the total cpu seconds consumed and the logical CPU
	// the process last ran on, both from one stat read.
	CPUStat() (seconds float64, cpu int, err error)
}

// procWrapper adapts procfs.Proc, which exposes PID as a field rather than
// a method.
type procWrapper struct {
	proc procfs.Proc
}

var _ procInfo = (*procWrapper)(nil)

func (p *procWrapper) PID() int {
	return p.proc.PID
}

func (p *procWrapper) Comm() (string, error) {
	return p.proc.Comm()
}

func (p *procWrapper) Executable() (string, error) {
	return p.proc.Executable()
}

func (p *procWrapper) Cgroups() ([]cGroup, error) {
	cgs, err := p.proc.Cgroups()
	if err != nil {
		return nil, fmt.Errorf("failed to get process cgroups: %w", err)
	}
	out := make([]cGroup, len(cgs))
	for i, cg := range cgs {
		out[i] = cGroup{Path: cg.Path}
	}
	return out, nil
}

func (p *procWrapper) Environ() ([]string, error) {
	return p.proc.Environ()
}

func (p *procWrapper) CmdLine() ([]string, error) {
	return p.proc.CmdLine()
}

// userHZ is the kernel's clock tick rate, hardcoded the same way procfs
// hardcodes it.
const userHZ = 100

func (p *procWrapper) CPUStat() (float64, int, error) {
	st, err := p.proc.Stat()
	if err != nil {
		return 0, 0, err
	}
	return float64(st.UTime+st.STime) / userHZ, int(st.Processor), nil
}

// WrapProc exposes a procfs.Proc through the procInfo interface.
func WrapProc(proc procfs.Proc) procInfo {
	return &procWrapper{proc: proc}
}

// allProcReader is the process enumeration surface the informer runs on.
type allProcReader interface {
	AllProcs() ([]procInfo, error)

	// CPUUsageRatio returns the node-wide active-over-total CPU ratio
	// since the previous call.
	CPUUsageRatio() (float64, error)
}

type procFSReader struct {
	fs       procfs.FS
	prevStat procfs.CPUStat
}

// NewProcFSReader reads processes from the procfs mounted at procfsPath.
func NewProcFSReader(procfsPath string) (*procFSReader, error) {
	fs, err := procfs.NewFS(procfsPath)
	if err != nil {
		return nil, err
	}
	return &procFSReader{fs: fs}, nil
}

func (r *procFSReader) AllProcs() ([]procInfo, error) {
	procs, err := r.fs.AllProcs()
	if err != nil {
		return nil, err
	}
	out := make([]procInfo, len(procs))
	for i, proc := range procs {
		out[i] = WrapProc(proc)
	}
	return out, nil
}

// CPUUsageRatio computes active over total jiffies since the previous call,
// where active excludes idle and iowait. The first call primes the baseline
// and reports zero.
func (r *procFSReader) CPUUsageRatio() (float64, error) {
	stat, err := r.fs.Stat()
	if err != nil {
		return 0, err
	}

	prev := r.prevStat
	curr := stat.CPUTotal
	r.prevStat = curr

	if prev == (procfs.CPUStat{}) {
		return 0, nil
	}

	idle := (curr.Idle - prev.Idle) + (curr.Iowait - prev.Iowait)
	total := (curr.User - prev.User) + (curr.Nice - prev.Nice) +
		(curr.System - prev.System) + (curr.IRQ - prev.IRQ) +
		(curr.SoftIRQ - prev.SoftIRQ) + (curr.Steal - prev.Steal) + idle
	if total <= 0 {
		return 0, nil
	}
	return (total - idle) / total, nil
}
