// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collect

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("skyscan.collect")
	meter  = otel.Meter("skyscan.collect")
)

var (
	resultsReceived metric.Int64Counter
	pixelsCommitted metric.Int64Counter
	pixelsPending   metric.Int64Gauge

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		resultsReceived, err = meter.Int64Counter(
			"skyscan_results_received_total",
			metric.WithDescription("Task results received by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		pixelsCommitted, err = meter.Int64Counter(
			"skyscan_pixels_committed_total",
			metric.WithDescription("Pixels committed to the result cache"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		pixelsPending, err = meter.Int64Gauge(
			"skyscan_pixels_pending_quorum",
			metric.WithDescription("Pixels with some but not all variations"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordResult(ctx context.Context, scanID, outcome string) {
	if err := initMetrics(); err != nil {
		return
	}
	resultsReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scan_id", scanID),
		attribute.String("outcome", outcome),
	))
}

func recordCommit(ctx context.Context, scanID string, nside uint32, fallback bool, pending int) {
	if err := initMetrics(); err != nil {
		return
	}
	scan := attribute.String("scan_id", scanID)
	pixelsCommitted.Add(ctx, 1, metric.WithAttributes(
		scan,
		attribute.Int("nside", int(nside)),
		attribute.Bool("fallback", fallback),
	))
	pixelsPending.Record(ctx, int64(pending), metric.WithAttributes(scan))
}
