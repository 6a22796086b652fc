// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"fmt"
	"time"

	"github.com/galvani-project/galvani/internal/device"
)

// WorkloadKind classifies the workload a record is attributed to.
type WorkloadKind string

const (
	WorkloadProcess   WorkloadKind = "process"
	WorkloadContainer WorkloadKind = "container"
	WorkloadVM        WorkloadKind = "vm"

	// WorkloadShared marks power that several workloads drew from the
	// same domain during the interval. It is an explicit "cannot tell",
	// never an estimate.
	WorkloadShared WorkloadKind = "shared"
)

// Attribution ties a record to one workload identity.
type Attribution struct {
	Kind WorkloadKind
	ID   string
	Name string
}

func (a Attribution) String() string {
	if a.Name != "" {
		return fmt.Sprintf("%s/%s", a.Kind, a.Name)
	}
	return fmt.Sprintf("%s/%s", a.Kind, a.ID)
}

// Record is one power measurement over one interval. Records are immutable
// values; whoever holds one owns its copy and no component retains history.
// Consumers must not assume a fixed cadence since ticks may be skipped
// under load.
type Record struct {
	// Domain identifies the measured power domain ("package-0",
	// "socket-1", "platform").
	Domain string
	Kind   device.DomainKind

	// Socket is the owning socket, -1 for node-scope records.
	Socket int

	// Attribution is nil for plain hardware-domain records.
	Attribution *Attribution

	// Power is the average draw over [Start, End]; Energy is the raw
	// consumed energy in the same interval.
	Power  device.Power
	Energy device.Energy

	Start time.Time
	End   time.Time
}

func (r Record) String() string {
	return fmt.Sprintf("%s %s over %s", r.Domain, r.Power, r.End.Sub(r.Start))
}

// DiagnosticKind classifies a health event.
type DiagnosticKind string

const (
	// DiagDomainDisabled reports a domain demoted after consecutive read
	// failures. Emitted exactly once per demotion.
	DiagDomainDisabled DiagnosticKind = "domain-disabled"

	// DiagClockAnomaly reports a non-positive sampling interval.
	DiagClockAnomaly DiagnosticKind = "clock-anomaly"

	// DiagReadStalled reports a counter read that hit its deadline.
	DiagReadStalled DiagnosticKind = "read-stalled"

	// DiagRefreshFailed reports a topology or attribution refresh that
	// kept the previous snapshot.
	DiagRefreshFailed DiagnosticKind = "refresh-failed"

	// DiagSubscriberDropped reports records discarded for a drop-newest
	// subscriber whose queue was full.
	DiagSubscriberDropped DiagnosticKind = "subscriber-dropped"

	// DiagSubscriberRemoved reports a subscriber auto-unsubscribed after
	// repeated delivery failures.
	DiagSubscriberRemoved DiagnosticKind = "subscriber-removed"
)

// Diagnostic is a structured health event. Diagnostics travel on the same
// bus as records so every exporter can surface agent health without a side
// channel.
type Diagnostic struct {
	Kind       DiagnosticKind
	Domain     string
	Subscriber string
	Message    string
	At         time.Time
}

func (d Diagnostic) String() string {
	switch {
	case d.Domain != "":
		return fmt.Sprintf("%s(%s): %s", d.Kind, d.Domain, d.Message)
	case d.Subscriber != "":
		return fmt.Sprintf("%s(%s): %s", d.Kind, d.Subscriber, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.Kind, d.Message)
}

// Subscriber consumes records and diagnostics from the bus. Callbacks run
// on the subscription's own delivery goroutine; a callback error counts
// toward the failure limit and repeated failures remove the subscriber.
type Subscriber interface {
	Name() string
	OnRecords(batch []Record) error
	OnDiagnostic(d Diagnostic) error
}
