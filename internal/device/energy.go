// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"time"
)

// Energy is an amount of consumed energy counted in MicroJoules, matching
// the native unit of RAPL-style accumulating counters. The zero value means
// no energy. Use Joules, MilliJoules or MicroJoules for unit conversion.
type Energy uint64

const (
	MicroJoule Energy = 1
	MilliJoule        = 1000 * MicroJoule
	Joule             = 1000 * MilliJoule
)

func (e Energy) MicroJoules() uint64 {
	return uint64(e)
}

func (e Energy) MilliJoules() float64 {
	return float64(e) / float64(MilliJoule)
}

func (e Energy) Joules() float64 {
	return float64(e) / float64(Joule)
}

func (e Energy) String() string {
	return fmt.Sprintf("%.2fJ", e.Joules())
}

// PowerOver normalizes an energy delta accumulated over d to average power.
// It returns 0 for non-positive durations; callers treat that case as a
// clock anomaly before ever calling this.
func (e Energy) PowerOver(d time.Duration) Power {
	if d <= 0 {
		return 0
	}
	// MicroJoules per second are MicroWatts, so only the elapsed time
	// needs converting.
	return Power(float64(e) / d.Seconds())
}

// Power is a power draw counted in MicroWatts.
type Power float64

const (
	MicroWatt Power = 1.0
	MilliWatt       = 1000 * MicroWatt
	Watt            = 1000 * MilliWatt
)

func (p Power) MicroWatts() float64 {
	return float64(p)
}

func (p Power) MilliWatts() float64 {
	return float64(p / MilliWatt)
}

func (p Power) Watts() float64 {
	return float64(p / Watt)
}

func (p Power) String() string {
	return fmt.Sprintf("%.2fW", p.Watts())
}
