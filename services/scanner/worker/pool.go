// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package worker

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/skyscan/services/scanner/oracle"
	"github.com/AleutianAI/skyscan/services/scanner/transport"
)

// Pool runs Size workers against one scan's task subject.
type Pool struct {
	Size   int
	ScanID string
	Broker transport.Broker
	Oracle oracle.Reconstructor
	Config Config
	Logger *slog.Logger
}

// Run starts the workers and blocks until all of them stop.
//
// Each worker has its own subscription, so the transport load-balances
// tasks across them.
func (p *Pool) Run(ctx context.Context) error {
	if p.Size < 1 {
		return fmt.Errorf("%w: pool size must be at least 1", ErrInvalidConfig)
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.Size; i++ {
		sub, err := p.Broker.Subscribe(ctx, transport.TasksSubject(p.ScanID))
		if err != nil {
			return fmt.Errorf("subscribe worker %d: %w", i, err)
		}
		cfg := p.Config
		if cfg.ID != "" {
			cfg.ID = fmt.Sprintf("%s-%d", cfg.ID, i)
		}
		w, err := New(cfg, sub, p.Broker, p.Oracle, logger)
		if err != nil {
			_ = sub.Close()
			return err
		}
		g.Go(func() error {
			defer sub.Close()
			return w.Run(ctx)
		})
	}

	logger.Info("worker pool running", slog.Int("size", p.Size), slog.String("scan_id", p.ScanID))
	return g.Wait()
}
