// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"strconv"
	"strings"
)

// DomainKind classifies a power domain by the hardware unit it covers.
type DomainKind string

const (
	KindPackage DomainKind = "package"
	KindCore    DomainKind = "core"
	KindUncore  DomainKind = "uncore"
	KindDRAM    DomainKind = "dram"
	KindPsys    DomainKind = "psys"

	// KindPlatform is node-level power reported by an out-of-band source
	// such as a BMC. It never appears in the socket topology.
	KindPlatform DomainKind = "platform"

	// KindSocket marks the synthetic per-socket rollup emitted when a
	// socket exposes no package domain of its own.
	KindSocket DomainKind = "socket"
)

// KnownDomainKinds lists the kinds that can occur in a discovered topology,
// in rollup order.
var KnownDomainKinds = []DomainKind{KindPackage, KindCore, KindUncore, KindDRAM, KindPsys}

// ParseDomainKind maps a RAPL zone name such as "package-0", "core" or
// "dram" to its kind. Unrecognized names are rejected so that a new kernel
// zone type surfaces as a discovery log line instead of a mislabeled record.
func ParseDomainKind(zoneName string) (DomainKind, error) {
	name := strings.ToLower(strings.TrimSpace(zoneName))
	if idx := strings.IndexByte(name, '-'); idx > 0 {
		name = name[:idx]
	}
	switch DomainKind(name) {
	case KindPackage, KindCore, KindUncore, KindDRAM, KindPsys:
		return DomainKind(name), nil
	}
	return "", fmt.Errorf("unknown power domain name %q", zoneName)
}

// Domain describes one readable power domain: where it lives in the socket
// topology and how its counter behaves. Domains are immutable values built
// during discovery; the counter itself is only touched through a Reader.
type Domain struct {
	// ID is unique within one discovery pass, e.g. "package-0" or "dram-1".
	ID string

	Kind   DomainKind
	Socket int

	// Path addresses the underlying counter for the meter that discovered
	// this domain (a powercap zone directory for RAPL, a directory in the
	// surrogate tree for guests, empty for synthetic meters).
	Path string

	// MaxEnergy is the counter's wrap modulus: the value at which the
	// hardware register rolls over to zero. Zero means unknown; deltas
	// across a wrap are then unrecoverable and reported as zero.
	MaxEnergy Energy
}

func (d Domain) String() string {
	return d.ID
}

// socketFromZonePath extracts the socket index from a powercap zone
// directory name such as "intel-rapl:1" or "intel-rapl:1:0".
func socketFromZonePath(path string) (int, error) {
	base := path
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	parts := strings.Split(base, ":")
	if len(parts) < 2 {
		return 0, fmt.Errorf("zone path %q carries no socket index", path)
	}
	socket, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("zone path %q: bad socket index: %w", path, err)
	}
	return socket, nil
}
