// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package worker executes reconstruction tasks.
//
// A Worker is stateless across tasks: everything it needs arrives in the
// Task, and everything it produces leaves in the TaskResult. Workers can
// be added or killed at any time; a task whose worker dies is redelivered
// by the transport once its ack deadline passes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/skyscan/services/scanner/oracle"
	"github.com/AleutianAI/skyscan/services/scanner/skymap"
	"github.com/AleutianAI/skyscan/services/scanner/telemetry"
	"github.com/AleutianAI/skyscan/services/scanner/transport"
)

// ErrInvalidConfig is returned by New for unusable settings.
var ErrInvalidConfig = errors.New("invalid worker config")

// Publisher sends results.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Config controls one worker.
type Config struct {
	// ID names the worker in results and logs. Empty generates one.
	ID string `json:"id" yaml:"id"`

	// HeartbeatInterval is how often a running task's delivery is marked
	// in progress. It must be well below the transport's ack wait.
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
}

// DefaultConfig returns a heartbeat of one minute.
func DefaultConfig() Config {
	return Config{HeartbeatInterval: time.Minute}
}

// Worker pulls tasks, runs the oracle and publishes results.
//
// Thread Safety: A Worker processes one task at a time; run several
// Workers for parallelism.
type Worker struct {
	id        string
	cfg       Config
	tasks     transport.Subscription
	publisher Publisher
	oracle    oracle.Reconstructor
	logger    *slog.Logger
}

// New builds a Worker consuming tasks and publishing through publisher.
func New(cfg Config, tasks transport.Subscription, publisher Publisher, rec oracle.Reconstructor, logger *slog.Logger) (*Worker, error) {
	if tasks == nil || publisher == nil || rec == nil {
		return nil, fmt.Errorf("%w: subscription, publisher and oracle are required", ErrInvalidConfig)
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("%w: heartbeat_interval must be positive", ErrInvalidConfig)
	}
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.NewString()[:8]
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		id:        cfg.ID,
		cfg:       cfg,
		tasks:     tasks,
		publisher: publisher,
		oracle:    rec,
		logger:    logger.With(slog.String("component", "worker"), slog.String("worker_id", cfg.ID)),
	}, nil
}

// ID returns the worker's identifier.
func (w *Worker) ID() string {
	return w.id
}

// Run processes tasks until ctx ends or the subscription closes.
//
// Outputs:
//
//	error - nil when ctx ended or the transport closed; a publish failure
//	        otherwise.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")
	defer w.logger.Info("worker stopped")

	for {
		d, err := w.tasks.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return fmt.Errorf("receive task: %w", err)
		}
		if err := w.Handle(ctx, d); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Handle processes one delivery.
//
// Description:
//
//	A task that cannot be decoded is acked and logged; redelivering it
//	would never succeed. Otherwise the oracle runs while a heartbeat keeps
//	the delivery owned, the result is published, and only then is the task
//	acked. An oracle failure becomes a result without a likelihood.
//
// Outputs:
//
//	error - Publish failure, or ctx.Err() when cancelled mid-task. In both
//	        cases the task is left to the transport for redelivery.
func (w *Worker) Handle(ctx context.Context, d transport.Delivery) error {
	task, err := skymap.DecodeTask(d.Data())
	if err != nil {
		w.logger.Error("dropping malformed task", slog.String("error", err.Error()))
		recordTask(ctx, "malformed", 0)
		if ackErr := d.Ack(ctx); ackErr != nil {
			w.logger.Warn("ack failed", slog.String("error", ackErr.Error()))
		}
		return nil
	}

	ctx, span := tracer.Start(ctx, "Worker.Handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("skyscan.scan_id", task.ScanID),
		attribute.String("skyscan.pixel", task.Key.String()),
		attribute.Int("skyscan.variation", int(task.Variation)),
		attribute.Int64("skyscan.delivery", int64(d.NumDelivered())),
	)
	logger := telemetry.LoggerWithTrace(ctx, w.logger).With(
		slog.String("pixel", task.Key.String()),
		slog.Int("variation", int(task.Variation)))

	start := time.Now()
	fit := w.reconstruct(ctx, d, task, logger)
	runtime := time.Since(start)

	if err := ctx.Err(); err != nil {
		w.release(d, logger)
		return err
	}

	data, err := skymap.EncodeTaskResult(skymap.TaskResult{
		ScanID:    task.ScanID,
		Key:       task.Key,
		Variation: task.Variation,
		Fit:       fit,
		WorkerID:  w.id,
		Runtime:   runtime,
	})
	if err != nil {
		w.release(d, logger)
		return err
	}
	if err := w.publisher.Publish(ctx, transport.ResultsSubject(task.ScanID), data); err != nil {
		telemetry.RecordError(span, err)
		w.release(d, logger)
		return fmt.Errorf("publish result %s/%d: %w", task.Key, task.Variation, err)
	}

	if err := d.Ack(ctx); err != nil {
		// The result is out; a redelivered copy is dropped by the collector.
		logger.Warn("ack failed after publish", slog.String("error", err.Error()))
	}

	outcome := "ok"
	if !fit.LLH.IsSet() {
		outcome = "failed"
	}
	recordTask(ctx, outcome, runtime)
	logger.Debug("task done",
		slog.String("llh", fit.LLH.String()),
		slog.Duration("runtime", runtime))
	return nil
}

// reconstruct runs the oracle with a heartbeat alongside it.
func (w *Worker) reconstruct(ctx context.Context, d transport.Delivery, task skymap.Task, logger *slog.Logger) skymap.FitResult {
	hbCtx, stop := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(hbCtx, d, logger)
	}()
	defer func() {
		stop()
		<-hbDone
	}()

	fit, err := w.oracle.Reconstruct(ctx, oracle.RequestFromTask(task))
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("reconstruction failed", slog.String("error", err.Error()))
		}
		return skymap.FitResult{LLH: skymap.NoLLH()}
	}
	return fit
}

func (w *Worker) heartbeat(ctx context.Context, d transport.Delivery, logger *slog.Logger) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.InProgress(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("heartbeat failed", slog.String("error", err.Error()))
			}
		}
	}
}

// release hands an unfinished task back to the transport.
func (w *Worker) release(d transport.Delivery, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Nak(ctx); err != nil && !errors.Is(err, transport.ErrAcked) {
		logger.Warn("nak failed", slog.String("error", err.Error()))
	}
}
