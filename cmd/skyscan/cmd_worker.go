// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/skyscan/services/scanner/config"
	"github.com/AleutianAI/skyscan/services/scanner/worker"
)

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, logs, err := setup("worker")
	if err != nil {
		return err
	}
	defer logs.Close()
	logger := logs.Slog()

	if cfg.Transport.Kind != config.TransportJetStream {
		return errors.New("remote workers need transport.kind: jetstream")
	}
	if workerCount >= 0 {
		cfg.Worker.PoolSize = workerCount
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec, err := cfg.Oracle(logger)
	if err != nil {
		return err
	}
	broker, err := newBroker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	settings := cfg.WorkerSettings()
	settings.ID = workerID
	pool := &worker.Pool{
		Size:   cfg.Worker.PoolSize,
		ScanID: scanID,
		Broker: broker,
		Oracle: rec,
		Config: settings,
		Logger: logger,
	}
	logger.Info("workers starting",
		slog.String("scan_id", scanID),
		slog.Int("workers", pool.Size),
		slog.String("oracle", cfg.Worker.Oracle))

	if err := pool.Run(ctx); err != nil {
		return err
	}
	logger.Info("workers stopped")
	return nil
}
