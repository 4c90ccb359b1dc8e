// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scanner runs one adaptive sky scan for one event.
//
// # Data flow
//
//	Planner -> Dispatcher -> tasks -> Workers -> oracle
//	        <- Collector  <- results <-
//	Collector -> ResultCache (-> PixelStore) -> Planner
//
// The Scan wires these pieces together and runs the dispatcher and the
// collector (and optionally a local worker pool) until the planner has no
// work left and nothing is in flight.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/skyscan/pkg/validation"
	"github.com/AleutianAI/skyscan/services/scanner/collect"
	"github.com/AleutianAI/skyscan/services/scanner/dispatch"
	"github.com/AleutianAI/skyscan/services/scanner/oracle"
	"github.com/AleutianAI/skyscan/services/scanner/planner"
	"github.com/AleutianAI/skyscan/services/scanner/progress"
	"github.com/AleutianAI/skyscan/services/scanner/skymap"
	"github.com/AleutianAI/skyscan/services/scanner/transport"
	"github.com/AleutianAI/skyscan/services/scanner/worker"
)

// ErrInvalidConfig is returned by New when the scan cannot start.
var ErrInvalidConfig = errors.New("invalid scan config")

// commitBuffer sizes the commit notification channel. Notifications only
// wake the dispatcher, so losing some when it is busy is harmless.
const commitBuffer = 64

// Config holds the tunables of one scan.
type Config struct {
	// ScanID scopes transport subjects. Empty generates one.
	ScanID string

	Planner  planner.Config
	Dispatch dispatch.Config
	Collect  collect.Config

	// LocalWorkers runs this many workers in-process. 0 relies on remote
	// workers subscribed to the same broker.
	LocalWorkers int
	Worker       worker.Config

	// ProgressInterval is the period of progress snapshots. 0 disables
	// the reporter.
	ProgressInterval time.Duration
}

// Deps are the collaborators of a Scan.
type Deps struct {
	Event  skymap.EventContext
	Broker transport.Broker
	// Store makes results durable and the scan resumable. Nil keeps
	// results in memory only.
	Store skymap.Persister
	// Oracle is required when LocalWorkers > 0.
	Oracle oracle.Reconstructor
	Logger *slog.Logger
	// Rand seeds the planner's base-level shuffle. Nil picks a random seed.
	Rand *rand.Rand
}

// Report summarises a finished scan.
type Report struct {
	ScanID  string `json:"scan_id"`
	EventID string `json:"event_id"`

	// Complete is true when the planner ran out of work with nothing in
	// flight.
	Complete bool `json:"complete"`
	// TimedOut is true when the collector heard nothing for
	// results_timeout.
	TimedOut bool `json:"timed_out"`

	// Resumed is how many pixels were loaded from the store at start.
	Resumed   int `json:"resumed"`
	Committed int `json:"committed"`

	// Incomplete lists pixels with a partial quorum and their variation
	// counts.
	Incomplete map[skymap.PixelKey]int `json:"-"`

	Duration time.Duration         `json:"duration"`
	PerNSide []planner.LevelStatus `json:"per_nside"`
	Best     *skymap.PixelResult   `json:"best,omitempty"`
	Stats    collect.Stats         `json:"stats"`
}

// Scan is one event's scan.
//
// Thread Safety: Run must be called once. Cache, Snapshot and Reporter may
// be used concurrently with Run.
type Scan struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	cache      *skymap.ResultCache
	planner    *planner.Planner
	dispatcher *dispatch.Dispatcher
	collector  *collect.Collector
	reporter   *progress.Reporter
	commits    chan skymap.PixelKey

	started time.Time
}

// NewScanID returns "<event_id>-<8 hex>" with the event ID mapped onto
// the subject-safe alphabet.
func NewScanID(eventID string) string {
	token := validation.SubjectToken(eventID)
	if len(token) > 119 {
		token = token[:119]
	}
	return token + "-" + uuid.NewString()[:8]
}

// New validates the configuration and wires the scan. No work is issued.
//
// Outputs:
//
//	*Scan - Ready to Run.
//	error - ErrInvalidConfig, or a component's own validation error.
func New(cfg Config, deps Deps) (*Scan, error) {
	if deps.Event.EventID == "" {
		return nil, fmt.Errorf("%w: event id is required", ErrInvalidConfig)
	}
	if deps.Broker == nil {
		return nil, fmt.Errorf("%w: broker is required", ErrInvalidConfig)
	}
	if cfg.LocalWorkers < 0 {
		return nil, fmt.Errorf("%w: local workers must not be negative", ErrInvalidConfig)
	}
	if cfg.LocalWorkers > 0 && deps.Oracle == nil {
		return nil, fmt.Errorf("%w: local workers need an oracle", ErrInvalidConfig)
	}
	if cfg.ScanID == "" {
		cfg.ScanID = NewScanID(deps.Event.EventID)
	}
	if err := validation.ValidateScanID(cfg.ScanID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("scan_id", cfg.ScanID), slog.String("event_id", deps.Event.EventID))
	deps.Logger = logger

	p, err := planner.New(cfg.Planner, deps.Rand)
	if err != nil {
		return nil, err
	}

	cache := skymap.NewResultCache(deps.Event.EventID, deps.Store)
	commits := make(chan skymap.PixelKey, commitBuffer)

	d, err := dispatch.New(cfg.Dispatch, dispatch.Deps{
		ScanID:    cfg.ScanID,
		Event:     deps.Event,
		BaseNSide: cfg.Planner.BaseNSide,
		Cache:     cache,
		Planner:   p,
		Publisher: deps.Broker,
		Commits:   commits,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	c, err := collect.New(cfg.Collect, collect.Deps{
		ScanID:  cfg.ScanID,
		Cache:   cache,
		Commits: commits,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	s := &Scan{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		cache:      cache,
		planner:    p,
		dispatcher: d,
		collector:  c,
		commits:    commits,
	}
	if cfg.ProgressInterval > 0 {
		s.reporter = progress.NewReporter(s, cfg.ProgressInterval, logger)
	}
	return s, nil
}

// ID returns the scan ID.
func (s *Scan) ID() string { return s.cfg.ScanID }

// Cache returns the scan's result cache.
func (s *Scan) Cache() *skymap.ResultCache { return s.cache }

// Reporter returns the progress reporter, or nil when disabled.
func (s *Scan) Reporter() *progress.Reporter { return s.reporter }

// Run resumes from the store and scans until done.
//
// Description:
//
//	Loads committed pixels, subscribes to results, then runs the
//	dispatcher, the collector, the local workers and the reporter under
//	one errgroup. When the dispatcher finishes the collector is stopped;
//	when the collector stops everything else is. A results timeout ends
//	the scan with TimedOut set and the partial pixels logged as warnings.
//
// Outputs:
//
//	Report - Always filled, also on error.
//	error - ctx.Err(), a store failure, or another fatal component error.
//	        A results timeout is not an error.
func (s *Scan) Run(ctx context.Context) (Report, error) {
	s.started = time.Now()
	report := Report{ScanID: s.cfg.ScanID, EventID: s.deps.Event.EventID}

	resumed, err := s.cache.Load(ctx)
	if err != nil {
		return s.finish(report), fmt.Errorf("resume scan: %w", err)
	}
	report.Resumed = resumed
	s.logger.Info("scan starting",
		slog.Int("resumed", resumed),
		slog.Uint64("base_nside", uint64(s.cfg.Planner.BaseNSide)),
		slog.Uint64("max_nside", uint64(s.cfg.Planner.MaxNSide)),
		slog.Int("in_flight_ceiling", s.cfg.Dispatch.InFlightCeiling),
		slog.Int("local_workers", s.cfg.LocalWorkers))

	results, err := s.deps.Broker.Subscribe(ctx, transport.ResultsSubject(s.cfg.ScanID))
	if err != nil {
		return s.finish(report), fmt.Errorf("subscribe results: %w", err)
	}
	defer results.Close()
	s.collector.Bind(results)

	g, gctx := errgroup.WithContext(ctx)
	collectCtx, stopCollect := context.WithCancel(gctx)
	defer stopCollect()
	workCtx, stopWork := context.WithCancel(gctx)
	defer stopWork()

	g.Go(func() error {
		defer stopCollect()
		return s.dispatcher.Run(gctx)
	})

	g.Go(func() error {
		defer stopWork()
		err := s.collector.Run(collectCtx)
		if errors.Is(err, context.Canceled) && gctx.Err() == nil {
			return nil
		}
		return err
	})

	if s.cfg.LocalWorkers > 0 {
		pool := &worker.Pool{
			Size:   s.cfg.LocalWorkers,
			ScanID: s.cfg.ScanID,
			Broker: s.deps.Broker,
			Oracle: s.deps.Oracle,
			Config: s.cfg.Worker,
			Logger: s.logger,
		}
		g.Go(func() error { return pool.Run(workCtx) })
	}

	if s.reporter != nil {
		g.Go(func() error { return s.reporter.Run(workCtx) })
	}

	err = g.Wait()
	switch {
	case err == nil:
		report.Complete = true
	case errors.Is(err, collect.ErrResultsTimeout):
		report.TimedOut = true
		err = nil
	}

	report = s.finish(report)
	s.logOutcome(report)
	return report, err
}

// finish fills the fields derived from the final cache state.
func (s *Scan) finish(r Report) Report {
	r.Committed = s.cache.Len()
	r.Incomplete = s.collector.Incomplete()
	r.Duration = time.Since(s.started)
	r.PerNSide = s.planner.Progress(s.cache)
	r.Best = finestBest(r.PerNSide)
	r.Stats = s.collector.Stats()
	return r
}

func (s *Scan) logOutcome(r Report) {
	for _, key := range s.collector.IncompleteKeys() {
		s.logger.Warn("pixel incomplete",
			slog.String("pixel", key.String()),
			slog.Int("variations", r.Incomplete[key]),
			slog.Int("quorum", skymap.NumVariations))
	}
	attrs := []any{
		slog.Bool("complete", r.Complete),
		slog.Bool("timed_out", r.TimedOut),
		slog.Int("committed", r.Committed),
		slog.Int("incomplete", len(r.Incomplete)),
		slog.Duration("duration", r.Duration),
	}
	if r.Best != nil {
		attrs = append(attrs,
			slog.String("best_pixel", r.Best.Key.String()),
			slog.String("best_llh", r.Best.LLH.String()))
	}
	if r.Complete {
		s.logger.Info("scan finished", attrs...)
	} else {
		s.logger.Warn("scan finished with warnings", attrs...)
	}
}

// Snapshot implements progress.Source.
func (s *Scan) Snapshot() progress.Snapshot {
	levels := s.planner.Progress(s.cache)
	now := time.Now()
	var elapsed time.Duration
	if !s.started.IsZero() {
		elapsed = now.Sub(s.started)
	}
	return progress.Snapshot{
		ScanID:        s.cfg.ScanID,
		EventID:       s.deps.Event.EventID,
		Time:          now,
		Elapsed:       elapsed,
		Committed:     s.cache.Len(),
		InFlight:      s.dispatcher.InFlight(),
		PendingQuorum: len(s.collector.Incomplete()),
		Levels:        levels,
		Best:          finestBest(levels),
	}
}

// finestBest returns the best pixel of the finest level that has one.
func finestBest(levels []planner.LevelStatus) *skymap.PixelResult {
	for i := len(levels) - 1; i >= 0; i-- {
		if levels[i].Best != nil {
			return levels[i].Best
		}
	}
	return nil
}
