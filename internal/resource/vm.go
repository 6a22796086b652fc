// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"fmt"
	"hash/fnv"
	"path/filepath"
	"regexp"
	"strings"
)

// qemuExePattern matches the hypervisor binaries that carry guests:
// qemu-system-<arch> and the RHEL-style qemu-kvm.
var qemuExePattern = regexp.MustCompile(`^qemu-(system-\w+|kvm)$`)

// vmFromProc reports the virtual machine a process hosts, or nil when the
// process is not a hypervisor.
func vmFromProc(proc procInfo) (*VirtualMachine, error) {
	cmdline, err := proc.CmdLine()
	if err != nil {
		return nil, fmt.Errorf("failed to get process cmdline: %w", err)
	}
	if len(cmdline) == 0 {
		// kernel threads have an empty cmdline
		return nil, nil
	}

	exe := filepath.Base(cmdline[0])
	if !qemuExePattern.MatchString(exe) {
		return nil, nil
	}

	vm := &VirtualMachine{
		Hypervisor: hypervisorFromCmdline(exe, cmdline),
		Name:       qemuGuestName(cmdline),
		ID:         qemuUUID(cmdline),
	}

	// Libvirt always passes -uuid; hand-started guests may not. Fall back
	// to the name, then to a digest of the invocation, so the ID is stable
	// across refreshes either way.
	if vm.ID == "" {
		vm.ID = vm.Name
	}
	if vm.ID == "" {
		vm.ID = cmdlineDigest(cmdline)
	}
	if vm.Name == "" {
		vm.Name = fmt.Sprintf("%s-%.8s", vm.Hypervisor, vm.ID)
	}
	return vm, nil
}

func hypervisorFromCmdline(exe string, cmdline []string) Hypervisor {
	if exe == "qemu-kvm" {
		return KVMHypervisor
	}
	for _, arg := range cmdline {
		if arg == "-enable-kvm" || strings.Contains(arg, "accel=kvm") {
			return KVMHypervisor
		}
	}
	return QEMUHypervisor
}

// qemuGuestName extracts the guest name from -name, which libvirt passes as
// "guest=<name>,debug-threads=on" and plain qemu as a bare string.
func qemuGuestName(cmdline []string) string {
	for i, arg := range cmdline {
		if arg != "-name" || i+1 >= len(cmdline) {
			continue
		}
		value := cmdline[i+1]
		for _, part := range strings.Split(value, ",") {
			if name, ok := strings.CutPrefix(part, "guest="); ok {
				return name
			}
		}
		if !strings.Contains(value, "=") {
			return value
		}
	}
	return ""
}

func qemuUUID(cmdline []string) string {
	for i, arg := range cmdline {
		if arg == "-uuid" && i+1 < len(cmdline) {
			return cmdline[i+1]
		}
	}
	return ""
}

func cmdlineDigest(cmdline []string) string {
	h := fnv.New64a()
	for _, arg := range cmdline {
		h.Write([]byte(arg))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
