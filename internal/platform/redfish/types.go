// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package redfish

import (
	"time"

	"github.com/galvani-project/galvani/internal/device"
)

type (
	Energy = device.Energy
	Power  = device.Power
)

// SourceType names the Redfish API a reading came from.
type SourceType string

const (
	// PowerSupplySource is PowerSubsystem -> PowerSupplies (modern API).
	PowerSupplySource SourceType = "PowerSupply"
	// PowerControlSource is Power -> PowerControl (deprecated API).
	PowerControlSource SourceType = "PowerControl"
)

// PowerAPIStrategy is the API the reader settled on during Init.
type PowerAPIStrategy string

const (
	UnknownStrategy        PowerAPIStrategy = ""
	PowerSubsystemStrategy PowerAPIStrategy = "PowerSubsystem"
	PowerStrategy          PowerAPIStrategy = "Power"
)

// Reading is one power measurement from a supply or control entry.
type Reading struct {
	SourceID   string
	SourceName string
	SourceType SourceType
	Power      Power
}

// Chassis groups the readings of one BMC chassis.
type Chassis struct {
	ID       string
	Readings []Reading
}

// PowerReading is one collection pass over all chassis.
type PowerReading struct {
	Timestamp time.Time
	Chassis   []Chassis
}

// Total sums every reading across all chassis.
func (pr *PowerReading) Total() Power {
	var total Power
	for _, ch := range pr.Chassis {
		for _, r := range ch.Readings {
			total += r.Power
		}
	}
	return total
}

// Clone deep-copies the reading for safe concurrent use.
func (pr *PowerReading) Clone() *PowerReading {
	if pr == nil {
		return nil
	}

	ret := *pr
	ret.Chassis = make([]Chassis, len(pr.Chassis))
	for i, chassis := range pr.Chassis {
		ret.Chassis[i] = Chassis{
			ID:       chassis.ID,
			Readings: make([]Reading, len(chassis.Readings)),
		}
		copy(ret.Chassis[i].Readings, chassis.Readings)
	}
	return &ret
}
