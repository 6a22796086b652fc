// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
)

// SignalHandler is a Runner that completes when one of the registered
// signals arrives, which unwinds the whole run group.
type SignalHandler struct {
	signals []os.Signal
	logger  *slog.Logger
}

func NewSignalHandler(logger *slog.Logger, signals ...os.Signal) *SignalHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalHandler{
		signals: signals,
		logger:  logger.With("service", "signal-handler"),
	}
}

func (sh *SignalHandler) Name() string {
	return "signal-handler"
}

func (sh *SignalHandler) Run(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, sh.signals...)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		sh.logger.Info("Received signal, shutting down", "signal", sig.String())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
