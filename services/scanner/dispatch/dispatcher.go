// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch turns planner output into published tasks.
//
// The Dispatcher owns the only scheduling state of a scan: the set of
// pixels whose tasks are out with workers. Everything else it needs is
// recomputed from the ResultCache every round, so a restarted dispatcher
// starts with an empty set and loses nothing.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/skyscan/services/scanner/pixel"
	"github.com/AleutianAI/skyscan/services/scanner/skymap"
	"github.com/AleutianAI/skyscan/services/scanner/transport"
)

// ErrInvalidConfig is returned by New for unusable settings.
var ErrInvalidConfig = errors.New("invalid dispatcher config")

// Config controls pacing and backpressure.
type Config struct {
	// InFlightCeiling caps tasks out with workers. Each pixel costs
	// NumVariations tasks, so the ceiling must be at least that.
	InFlightCeiling int `json:"in_flight_ceiling" yaml:"in_flight_ceiling"`

	// VariationDistance is the seed offset in metres.
	VariationDistance float64 `json:"variation_distance_m" yaml:"variation_distance_m"`

	// RoundInterval is the minimum spacing between rounds.
	RoundInterval time.Duration `json:"round_interval" yaml:"round_interval"`

	// IdleWait bounds how long an idle round waits for a commit.
	IdleWait time.Duration `json:"idle_wait" yaml:"idle_wait"`
}

// DefaultConfig returns the dispatcher defaults for a pool of poolSize
// workers with 2x overcommit.
func DefaultConfig(poolSize int) Config {
	if poolSize < 1 {
		poolSize = 1
	}
	ceiling := poolSize * 2
	if ceiling < skymap.NumVariations {
		ceiling = skymap.NumVariations
	}
	return Config{
		InFlightCeiling:   ceiling,
		VariationDistance: DefaultVariationDistance,
		RoundInterval:     100 * time.Millisecond,
		IdleWait:          5 * time.Second,
	}
}

// Validate checks the ceiling and durations.
func (c Config) Validate() error {
	if c.InFlightCeiling < skymap.NumVariations {
		return fmt.Errorf("%w: in_flight_ceiling %d is below one pixel (%d tasks)",
			ErrInvalidConfig, c.InFlightCeiling, skymap.NumVariations)
	}
	if c.VariationDistance < 0 {
		return fmt.Errorf("%w: variation distance must not be negative", ErrInvalidConfig)
	}
	if c.RoundInterval < 0 || c.IdleWait <= 0 {
		return fmt.Errorf("%w: round_interval must be >= 0 and idle_wait > 0", ErrInvalidConfig)
	}
	return nil
}

// Planner is the part of the planner the dispatcher uses.
type Planner interface {
	Plan(view skymap.View) []skymap.PixelKey
}

// Publisher is the part of a broker the dispatcher uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Flush(ctx context.Context) error
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	ScanID    string
	Event     skymap.EventContext
	BaseNSide uint32
	Cache     skymap.View
	Planner   Planner
	Publisher Publisher
	// Commits wakes an idle dispatcher when the collector commits a pixel.
	// May be nil; the idle wait then always runs to IdleWait.
	Commits <-chan skymap.PixelKey
	Logger  *slog.Logger
}

// Dispatcher issues tasks round by round.
//
// Description:
//
//	Each round prunes committed pixels from the in-process set, asks the
//	planner for work, drops pixels already in process and publishes
//	NumVariations tasks for as many of the rest as the in-flight ceiling
//	allows. When a round submits nothing, the dispatcher flushes the
//	publisher and waits for a commit or IdleWait. It stops when the plan
//	is empty and nothing is in process.
//
// Thread Safety: Run must be called from one goroutine. InFlight and
// InProcess may be called concurrently.
type Dispatcher struct {
	cfg        Config
	deps       Deps
	frame      *pixel.Frame
	variations VariationTable
	limiter    *rate.Limiter
	logger     *slog.Logger
	subject    string
	now        func() time.Time

	mu        sync.Mutex
	inProcess map[skymap.PixelKey]time.Time
}

// New validates cfg and deps and builds a Dispatcher.
func New(cfg Config, deps Deps) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.ScanID == "":
		return nil, fmt.Errorf("%w: scan id is required", ErrInvalidConfig)
	case deps.Cache == nil, deps.Planner == nil, deps.Publisher == nil:
		return nil, fmt.Errorf("%w: cache, planner and publisher are required", ErrInvalidConfig)
	}
	if err := pixel.ValidateNSide(deps.BaseNSide); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.RoundInterval > 0 {
		limit = rate.Every(cfg.RoundInterval)
	}

	return &Dispatcher{
		cfg:        cfg,
		deps:       deps,
		frame:      pixel.NewFrame(deps.Event.Detector, deps.Event.MJD),
		variations: NewVariationTable(cfg.VariationDistance),
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger.With(slog.String("component", "dispatcher"), slog.String("scan_id", deps.ScanID)),
		subject:    transport.TasksSubject(deps.ScanID),
		now:        time.Now,
		inProcess:  make(map[skymap.PixelKey]time.Time),
	}, nil
}

// Run dispatches until the scan is complete or ctx ends.
//
// Outputs:
//
//	error - nil on completion; ctx.Err() on cancellation; a publish
//	        failure otherwise.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started",
		slog.Int("in_flight_ceiling", d.cfg.InFlightCeiling),
		slog.Float64("lst", d.frame.LST()))

	for {
		if err := d.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			// The next token lies past the deadline.
			<-ctx.Done()
			return ctx.Err()
		}

		submitted, done, err := d.Round(ctx)
		if err != nil {
			return err
		}
		if done {
			d.logger.Info("dispatch complete: no work left and nothing in flight")
			return nil
		}
		if submitted > 0 {
			continue
		}

		if err := d.deps.Publisher.Flush(ctx); err != nil {
			return fmt.Errorf("flush publisher: %w", err)
		}
		if err := d.idle(ctx); err != nil {
			return err
		}
	}
}

// Round performs one dispatch round.
//
// Outputs:
//
//	submitted - Pixels whose tasks were published this round.
//	done - True when the plan is empty and nothing is in process.
//	error - Publish or encode failure.
func (d *Dispatcher) Round(ctx context.Context) (submitted int, done bool, err error) {
	ctx, span := tracer.Start(ctx, "Dispatcher.Round")
	defer span.End()

	d.mu.Lock()
	for key := range d.inProcess {
		if d.deps.Cache.Has(key) {
			delete(d.inProcess, key)
		}
	}
	inFlight := len(d.inProcess)
	d.mu.Unlock()

	plan := d.deps.Planner.Plan(d.deps.Cache)
	if len(plan) == 0 && inFlight == 0 {
		span.SetAttributes(attribute.Bool("skyscan.done", true))
		return 0, true, nil
	}

	capacity := (d.cfg.InFlightCeiling - skymap.NumVariations*inFlight) / skymap.NumVariations
	deferred := 0
	for _, key := range plan {
		if d.isInProcess(key) {
			continue
		}
		if capacity <= 0 {
			deferred++
			continue
		}
		if err := d.submit(ctx, key); err != nil {
			span.RecordError(err)
			return submitted, false, err
		}
		capacity--
		submitted++
	}

	d.mu.Lock()
	inFlight = len(d.inProcess)
	d.mu.Unlock()

	span.SetAttributes(
		attribute.Int("skyscan.planned", len(plan)),
		attribute.Int("skyscan.submitted", submitted),
		attribute.Int("skyscan.deferred", deferred),
		attribute.Int("skyscan.in_flight", inFlight),
	)
	recordRound(ctx, d.deps.ScanID, submitted*skymap.NumVariations, inFlight)
	if submitted > 0 {
		d.logger.Debug("dispatch round",
			slog.Int("planned", len(plan)),
			slog.Int("submitted", submitted),
			slog.Int("deferred", deferred),
			slog.Int("in_flight", inFlight))
	}
	return submitted, false, nil
}

// submit publishes the NumVariations tasks of one pixel.
func (d *Dispatcher) submit(ctx context.Context, key skymap.PixelKey) error {
	seed := SeedFor(d.deps.Cache, d.deps.Event, d.deps.BaseNSide, key)
	dir := pixel.DirectionOf(key.NSide, key.Pixel, d.frame)
	issued := d.now()

	for v := skymap.Variation(0); v < skymap.NumVariations; v++ {
		task := skymap.Task{
			ScanID:           d.deps.ScanID,
			EventID:          d.deps.Event.EventID,
			Key:              key,
			Variation:        v,
			Seed:             d.variations.Apply(seed, v),
			Direction:        dir,
			Geometry:         d.deps.Event.Geometry,
			MJD:              d.deps.Event.MJD,
			ExcludedChannels: d.deps.Event.ExcludedChannels,
			Issued:           issued,
		}
		data, err := skymap.EncodeTask(task)
		if err != nil {
			return err
		}
		if err := d.deps.Publisher.Publish(ctx, d.subject, data); err != nil {
			return fmt.Errorf("publish task %s/%d: %w", key, v, err)
		}
	}

	d.mu.Lock()
	d.inProcess[key] = issued
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) isInProcess(key skymap.PixelKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inProcess[key]
	return ok
}

// idle blocks until a commit arrives, IdleWait passes or ctx ends.
func (d *Dispatcher) idle(ctx context.Context) error {
	timer := time.NewTimer(d.cfg.IdleWait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case _, ok := <-d.deps.Commits:
		if !ok {
			d.deps.Commits = nil
		}
		d.drainCommits()
		return nil
	}
}

func (d *Dispatcher) drainCommits() {
	for {
		select {
		case _, ok := <-d.deps.Commits:
			if !ok {
				d.deps.Commits = nil
				return
			}
		default:
			return
		}
	}
}

// InFlight returns the number of pixels in process.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inProcess)
}

// InProcess returns the in-process pixels and their issue times.
func (d *Dispatcher) InProcess() map[skymap.PixelKey]time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[skymap.PixelKey]time.Time, len(d.inProcess))
	for k, v := range d.inProcess {
		out[k] = v
	}
	return out
}
