// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"log/slog"

	"k8s.io/utils/clock"

	"github.com/galvani-project/galvani/internal/service"
)

// Meter is one measurement backend: it discovers the power domains the
// host exposes and hands out a counter reader per domain. Discovery never
// touches the energy registers themselves, so it stays cheap and
// idempotent; reading is the reader's job.
//
// Exactly one meter is selected at startup (bare metal, guest or fake) and
// exactly one reader is created per domain for the process lifetime.
type Meter interface {
	service.Initializer
	service.Shutdowner

	// Domains enumerates the readable power domains. The result is a
	// fresh slice of immutable values on every call.
	Domains() ([]Domain, error)

	// Reader opens the counter behind d. Callers own the returned reader
	// and must Close it.
	Reader(d Domain) (EnergyReader, error)
}

// OptionFn configures a meter.
type OptionFn func(*meterOpts)

type meterOpts struct {
	logger    *slog.Logger
	clock     clock.PassiveClock
	overrides map[DomainKind]Energy
	kinds     []DomainKind
}

func defaultMeterOpts() meterOpts {
	return meterOpts{
		logger: slog.Default(),
		clock:  clock.RealClock{},
	}
}

// WithLogger sets the logger used by the meter.
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *meterOpts) {
		o.logger = logger
	}
}

// WithClock sets the clock that timestamps samples.
func WithClock(c clock.PassiveClock) OptionFn {
	return func(o *meterOpts) {
		o.clock = c
	}
}

// WithModulusOverrides replaces the discovered wrap modulus for the given
// domain kinds. Used where the kernel reports a max_energy_range_uj that
// does not match the register's real wrap behavior.
func WithModulusOverrides(overrides map[DomainKind]Energy) OptionFn {
	return func(o *meterOpts) {
		o.overrides = overrides
	}
}

// WithDomainKinds restricts discovery to the listed kinds. Empty means all.
func WithDomainKinds(kinds []DomainKind) OptionFn {
	return func(o *meterOpts) {
		o.kinds = kinds
	}
}

func (o *meterOpts) wantKind(k DomainKind) bool {
	if len(o.kinds) == 0 {
		return true
	}
	for _, want := range o.kinds {
		if want == k {
			return true
		}
	}
	return false
}

func (o *meterOpts) modulus(k DomainKind, discovered Energy) Energy {
	if override, ok := o.overrides[k]; ok && override > 0 {
		return override
	}
	return discovered
}
