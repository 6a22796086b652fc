// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package service

import "context"

// Service is anything the agent wires into its lifecycle.
type Service interface {
	Name() string
}

// Initializer is a service with a startup phase that can fail.
type Initializer interface {
	Service
	Init() error
}

// Runner is a service with a blocking main loop. Run must return when ctx
// is cancelled.
type Runner interface {
	Service
	Run(ctx context.Context) error
}

// Shutdowner is a service that releases resources at teardown.
type Shutdowner interface {
	Service
	Shutdown() error
}
