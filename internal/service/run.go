// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"log/slog"
	"os"

	"github.com/oklog/run"
)

// Run drives every Runner in its own actor of one run group and blocks
// until the first one returns. The remaining actors are then interrupted
// through the shared context and shut down if they implement Shutdowner.
func Run(outer context.Context, logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	ctx, cancel := context.WithCancel(outer)
	defer cancel()

	var g run.Group
	for _, s := range services {
		runner, ok := s.(Runner)
		if !ok {
			logger.Debug("Service has no run loop", "service", s.Name())
			continue
		}

		g.Add(func() error {
			logger.Info("Running service", "service", s.Name())
			return runner.Run(ctx)
		}, func(cause error) {
			cancel()
			unwind(logger, s, cause)
		})
	}

	return g.Run()
}

// unwind logs why a service left the group and tears it down when it holds
// resources.
func unwind(logger *slog.Logger, s Service, cause error) {
	if cause != nil {
		logger.Warn("Service terminated", "service", s.Name(), "reason", cause)
	}
	down, ok := s.(Shutdowner)
	if !ok {
		return
	}
	logger.Info("Shutting down service", "service", s.Name())
	if err := down.Shutdown(); err != nil {
		logger.Warn("Service shutdown failed", "service", s.Name(), "error", err)
	}
}
