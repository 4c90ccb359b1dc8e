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
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("skyscan.worker")
	meter  = otel.Meter("skyscan.worker")
)

var (
	tasksTotal   metric.Int64Counter
	taskDuration metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		tasksTotal, err = meter.Int64Counter(
			"skyscan_worker_tasks_total",
			metric.WithDescription("Tasks handled by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		taskDuration, err = meter.Float64Histogram(
			"skyscan_worker_task_duration_seconds",
			metric.WithDescription("Oracle time per task"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordTask(ctx context.Context, outcome string, d time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	tasksTotal.Add(ctx, 1, attrs)
	if d > 0 {
		taskDuration.Record(ctx, d.Seconds(), attrs)
	}
}
