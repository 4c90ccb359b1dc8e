// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("skyscan.dispatch")
	meter  = otel.Meter("skyscan.dispatch")
)

var (
	tasksPublished metric.Int64Counter
	roundsTotal    metric.Int64Counter
	pixelsInFlight metric.Int64Gauge

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		tasksPublished, err = meter.Int64Counter(
			"skyscan_tasks_published_total",
			metric.WithDescription("Tasks published to workers"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		roundsTotal, err = meter.Int64Counter(
			"skyscan_dispatch_rounds_total",
			metric.WithDescription("Dispatch rounds by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		pixelsInFlight, err = meter.Int64Gauge(
			"skyscan_pixels_in_flight",
			metric.WithDescription("Pixels with tasks issued and no committed result"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordRound(ctx context.Context, scanID string, submitted, inFlight int) {
	if err := initMetrics(); err != nil {
		return
	}
	scan := attribute.String("scan_id", scanID)
	outcome := "idle"
	if submitted > 0 {
		outcome = "submitted"
		tasksPublished.Add(ctx, int64(submitted), metric.WithAttributes(scan))
	}
	roundsTotal.Add(ctx, 1, metric.WithAttributes(scan, attribute.String("outcome", outcome)))
	pixelsInFlight.Record(ctx, int64(inFlight), metric.WithAttributes(scan))
}
