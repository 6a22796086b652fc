// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"log/slog"
	"os"

	"k8s.io/utils/clock"
)

// Options configures the informer.
type Options struct {
	logger     *slog.Logger
	clock      clock.Clock
	procFSPath string
	procReader allProcReader
}

// OptionFn configures one Options field.
type OptionFn func(*Options)

// WithProcFSPath selects the procfs mount to scan.
func WithProcFSPath(path string) OptionFn {
	return func(o *Options) {
		o.procFSPath = path
	}
}

// WithProcReader replaces the procfs reader, mainly for tests.
func WithProcReader(r allProcReader) OptionFn {
	return func(o *Options) {
		o.procReader = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Options) {
		o.logger = logger
	}
}

// WithClock sets the clock implementation.
func WithClock(c clock.Clock) OptionFn {
	return func(o *Options) {
		o.clock = c
	}
}

func defaultOptions() *Options {
	return &Options{
		logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
		clock:  &clock.RealClock{},
	}
}
