// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/galvani-project/galvani/internal/device"
)

// Opts holds the sampling engine's tunables.
type Opts struct {
	logger         *slog.Logger
	clock          clock.WithTicker
	interval       time.Duration
	faultThreshold int
	ceiling        device.Power
	readTimeout    time.Duration
	attributor     Attributor
}

// DefaultOpts returns the sampling defaults.
func DefaultOpts() Opts {
	return Opts{
		logger:         slog.Default(),
		clock:          clock.RealClock{},
		interval:       5 * time.Second,
		faultThreshold: 5,
		readTimeout:    500 * time.Millisecond,
	}
}

// OptionFn mutates sampling options.
type OptionFn func(*Opts)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the clock used for the sampling cadence.
func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithInterval sets the sampling interval.
func WithInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = d
	}
}

// WithFaultThreshold sets how many consecutive faults disable a domain.
// Zero or negative disables the demotion entirely.
func WithFaultThreshold(n int) OptionFn {
	return func(o *Opts) {
		o.faultThreshold = n
	}
}

// WithPowerCeiling sets the plausibility ceiling for a single domain's
// computed power. Zero accepts any value.
func WithPowerCeiling(p device.Power) OptionFn {
	return func(o *Opts) {
		o.ceiling = p
	}
}

// WithReadTimeout bounds a single counter read. Zero or negative reads
// without a deadline.
func WithReadTimeout(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.readTimeout = d
	}
}

// WithAttributor sets the workload resolver consulted per record.
func WithAttributor(a Attributor) OptionFn {
	return func(o *Opts) {
		o.attributor = a
	}
}
