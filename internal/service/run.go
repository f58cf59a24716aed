// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"log/slog"
	"os"

	"github.com/oklog/run"
)

// Run runs all services that implement the Runner interface and blocks until
// the first of them returns. Remaining services are shut down in response.
func Run(outer context.Context, logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	logger.Info("Running all services")
	ctx, cancel := context.WithCancel(outer)
	defer cancel()

	var g run.Group

	for _, s := range services {
		runner, ok := s.(Runner)
		if !ok {
			logger.Debug("skipping service", "service", s.Name(),
				"reason", "service does not implement Runner")
			continue
		}

		svc := s
		r := runner
		g.Add(
			func() error {
				logger.Info("Running service", "service", svc.Name())
				return r.Run(ctx)
			},
			func(err error) {
				cancel()
				if err != nil {
					logger.Warn("service terminated", "service", svc.Name(), "reason", err)
				}

				shutdowner, ok := svc.(Shutdowner)
				if !ok {
					return
				}

				logger.Info("shutting down", "service", svc.Name())
				if shutdownErr := shutdowner.Shutdown(); shutdownErr != nil {
					logger.Warn("service shutdown failed with error", "service", svc.Name(), "error", shutdownErr)
				}
			},
		)
	}

	return g.Run()
}
