// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"fmt"
	"log/slog"
	"os"
)

// Init initializes every service that implements Initializer, in order.
// When one fails, the services initialized before it are shut down again in
// reverse order and the first error is returned, so a failed startup never
// leaks handles.
func Init(logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	initialized := make([]Service, 0, len(services))
	for _, s := range services {
		ini, ok := s.(Initializer)
		if !ok {
			logger.Debug("Service needs no initialization", "service", s.Name())
			continue
		}

		logger.Info("Initializing service", "service", s.Name())
		if err := ini.Init(); err != nil {
			rollback(logger, initialized)
			return fmt.Errorf("initializing %s: %w", s.Name(), err)
		}
		initialized = append(initialized, s)
	}
	return nil
}

func rollback(logger *slog.Logger, initialized []Service) {
	logger.Info("Rolling back initialized services")
	for i := len(initialized) - 1; i >= 0; i-- {
		s := initialized[i]
		down, ok := s.(Shutdowner)
		if !ok {
			continue
		}
		if err := down.Shutdown(); err != nil {
			logger.Error("Service shutdown failed during rollback", "service", s.Name(), "error", err)
		}
	}
}
