// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

package service

import "context"

// Service is the minimal interface all long-lived components implement
type Service interface {
	// Name returns the name of the service
	Name() string
}

// Initializer is implemented by services that need a setup step before Run.
// Init is not required to be thread safe.
type Initializer interface {
	Service
	Init() error
}

// Runner is implemented by services that block for the lifetime of the
// process. Run must return when ctx is cancelled.
type Runner interface {
	Service
	Run(ctx context.Context) error
}

// Shutdowner is implemented by services that hold resources to release.
// Shutdown must be idempotent.
type Shutdowner interface {
	Service
	Shutdown() error
}
