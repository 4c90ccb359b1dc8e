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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/skyscan/pkg/ux"
	"github.com/AleutianAI/skyscan/services/scanner"
	"github.com/AleutianAI/skyscan/services/scanner/config"
	"github.com/AleutianAI/skyscan/services/scanner/export"
	"github.com/AleutianAI/skyscan/services/scanner/oracle"
	"github.com/AleutianAI/skyscan/services/scanner/progress"
	"github.com/AleutianAI/skyscan/services/scanner/telemetry"
	"github.com/AleutianAI/skyscan/services/scanner/transport"
)

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, logs, err := setup("coordinator")
	if err != nil {
		return err
	}
	defer logs.Close()
	logger := logs.Slog()

	if workerCount >= 0 {
		cfg.Worker.PoolSize = workerCount
	}
	if serverAddr != "" {
		cfg.Server.Addr = serverAddr
	}
	if cfg.Worker.PoolSize == 0 && cfg.Transport.Kind == config.TransportMemory {
		return errors.New("a memory transport needs local workers: set --workers or use jetstream")
	}

	event, err := config.LoadEvent(eventPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	broker, err := newBroker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	var rec oracle.Reconstructor
	if cfg.Worker.PoolSize > 0 {
		if rec, err = cfg.Oracle(logger); err != nil {
			return err
		}
	}

	id := scanID
	if id == "" {
		id = scanner.NewScanID(event.EventID)
	}
	scan, err := scanner.New(scanner.Config{
		ScanID:           id,
		Planner:          cfg.Planner(),
		Dispatch:         cfg.Dispatch(),
		Collect:          cfg.Collect(),
		LocalWorkers:     cfg.Worker.PoolSize,
		Worker:           cfg.WorkerSettings(),
		ProgressInterval: cfg.Scan.ProgressInterval,
	}, scanner.Deps{
		Event:  event,
		Broker: broker,
		Store:  st.pixels,
		Oracle: rec,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	out := printer(cmd)
	out.Title("skyscan")
	out.Field("event", event.EventID)
	out.Field("scan id", scan.ID())

	srvCtx, stopServer := context.WithCancel(ctx)
	srvDone := make(chan error, 1)
	if cfg.Server.Addr != "" && scan.Reporter() != nil {
		srv := progress.NewServer(cfg.Server.Addr, scan.Reporter(), scan.Cache(), logger).
			WithMetrics(providers.MetricsHandler())
		out.Field("progress", "http://"+displayAddr(cfg.Server.Addr)+"/v1/scan/status")
		go func() { srvDone <- srv.Run(srvCtx) }()
	} else {
		srvDone <- nil
	}

	report, runErr := scan.Run(ctx)
	stopServer()
	if err := <-srvDone; err != nil {
		logger.Warn("progress server stopped with error", slog.String("error", err.Error()))
	}

	if js, ok := broker.(*transport.JetStream); ok && report.Complete {
		if err := js.DeleteScan(context.WithoutCancel(ctx), scan.ID()); err != nil {
			logger.Warn("failed to delete scan consumers", slog.String("error", err.Error()))
		}
	}

	printReport(out, report)

	if exportDest != "" && runErr == nil {
		if err := writeExport(context.WithoutCancel(ctx), exportDest, export.Build(event, scan.Cache()), logger); err != nil {
			return err
		}
		out.Success("exported to " + exportDest)
	}
	return runErr
}

func printReport(out *ux.Printer, r scanner.Report) {
	switch {
	case r.Complete:
		out.Success(fmt.Sprintf("scan complete: %d pixels in %s", r.Committed, r.Duration.Round(time.Second)))
	case r.TimedOut:
		out.Warning(fmt.Sprintf("no results for too long: %d pixels incomplete", len(r.Incomplete)))
	default:
		out.Warning(fmt.Sprintf("scan stopped: %d pixels committed, rerun to resume", r.Committed))
	}

	rows := make([][]string, 0, len(r.PerNSide))
	for _, lvl := range r.PerNSide {
		best := "-"
		if lvl.Best != nil {
			best = fmt.Sprintf("%d (%s)", lvl.Best.Key.Pixel, lvl.Best.LLH)
		}
		rows = append(rows, []string{
			strconv.FormatUint(uint64(lvl.NSide), 10),
			strconv.Itoa(lvl.Committed),
			strconv.Itoa(lvl.Failed),
			strconv.Itoa(lvl.Pending),
			best,
		})
	}
	out.Table([]string{"nside", "committed", "failed", "pending", "best"}, rows)

	if r.Best != nil {
		out.Field("best", fmt.Sprintf("%s llh=%s", r.Best.Key, r.Best.LLH))
	}
	out.Field("resumed", strconv.Itoa(r.Resumed))
	out.Field("fallbacks", strconv.Itoa(r.Stats.Fallbacks))
}

func writeExport(ctx context.Context, dest string, result export.ScanResult, logger *slog.Logger) error {
	sink, release, err := newSink(ctx, dest, logger)
	if err != nil {
		return err
	}
	defer release()
	return sink.Write(ctx, result)
}

// displayAddr turns ":8087" into "localhost:8087".
func displayAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}
