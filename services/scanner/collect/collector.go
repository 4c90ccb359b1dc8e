// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package collect turns worker results into committed pixels.
//
// The Collector is the single writer of the ResultCache. It holds the
// results of each pixel until all NumVariations variations are in, picks
// the best one and commits it. Partial quorums live only in memory; a
// restarted scan re-issues those pixels.
package collect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/skyscan/services/scanner/skymap"
	"github.com/AleutianAI/skyscan/services/scanner/transport"
)

var (
	// ErrInvalidVariation is returned for a result whose variation index is
	// outside the offset table. It is a defect in the producer.
	ErrInvalidVariation = errors.New("variation index out of range")

	// ErrResultsTimeout is returned by Run when no result arrived for the
	// configured timeout.
	ErrResultsTimeout = errors.New("no results within timeout")

	// ErrInvalidConfig is returned by New for unusable settings.
	ErrInvalidConfig = errors.New("invalid collector config")
)

// Cache is the part of the ResultCache the collector needs.
type Cache interface {
	Has(key skymap.PixelKey) bool
	Put(ctx context.Context, result skymap.PixelResult) error
}

// Config controls the collector.
type Config struct {
	// ResultsTimeout ends Run when nothing arrives for this long.
	// Zero disables it.
	ResultsTimeout time.Duration `json:"results_timeout" yaml:"results_timeout"`
}

// Deps are the collaborators of a Collector.
type Deps struct {
	ScanID string
	Cache  Cache
	// Results is the subscription on the scan's result subject. Only Run
	// needs it.
	Results transport.Subscription
	// Commits receives each committed key. Sends never block; a full
	// channel drops the notification.
	Commits chan<- skymap.PixelKey
	Logger  *slog.Logger
}

// Outcome says what Add did with a result.
type Outcome int

const (
	// Pending means the result was recorded and the pixel awaits more.
	Pending Outcome = iota
	// Committed means the result completed the quorum.
	Committed
	// Late means the pixel was already committed; the result was dropped.
	Late
	// Foreign means the result belongs to another scan and was dropped.
	Foreign
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	case Late:
		return "late"
	case Foreign:
		return "foreign"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Stats counts what the collector has seen.
type Stats struct {
	Received  int `json:"received"`
	Committed int `json:"committed"`
	Fallbacks int `json:"fallbacks"`
	Late      int `json:"late"`
	Foreign   int `json:"foreign"`
	Malformed int `json:"malformed"`
	Failed    int `json:"failed_fits"`
}

// Collector aggregates results and commits pixels at quorum.
//
// Thread Safety: Add and Run must be called from one goroutine. Incomplete
// and Stats may be called concurrently.
type Collector struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[skymap.PixelKey]*aggregate
	arrival uint64
	stats   Stats
}

// New validates cfg and deps and builds a Collector.
func New(cfg Config, deps Deps) (*Collector, error) {
	if cfg.ResultsTimeout < 0 {
		return nil, fmt.Errorf("%w: results_timeout must not be negative", ErrInvalidConfig)
	}
	if deps.ScanID == "" || deps.Cache == nil {
		return nil, fmt.Errorf("%w: scan id and cache are required", ErrInvalidConfig)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With(slog.String("component", "collector"), slog.String("scan_id", deps.ScanID)),
		now:     time.Now,
		pending: make(map[skymap.PixelKey]*aggregate),
	}, nil
}

// Add folds one result into its pixel's aggregate.
//
// Description:
//
//	Results from another scan and results for pixels already in the cache
//	are dropped. Otherwise the result is recorded under its variation;
//	when all variations are present the best result is committed to the
//	cache and a notification is sent on Commits.
//
// Outputs:
//
//	Outcome - What happened to the result.
//	error - ErrInvalidVariation for a bad index; any Put error, including
//	        skymap.ErrAlreadyPresent, is returned wrapped and is fatal.
func (c *Collector) Add(ctx context.Context, r skymap.TaskResult) (Outcome, error) {
	if r.ScanID != c.deps.ScanID {
		c.count(func(s *Stats) { s.Foreign++ })
		c.logger.Warn("dropping result from another scan",
			slog.String("result_scan_id", r.ScanID),
			slog.String("pixel", r.Key.String()))
		recordResult(ctx, c.deps.ScanID, Foreign.String())
		return Foreign, nil
	}
	if !r.Variation.Valid() {
		return Pending, fmt.Errorf("%w: pixel %s variation %d", ErrInvalidVariation, r.Key, r.Variation)
	}

	if c.deps.Cache.Has(r.Key) {
		c.count(func(s *Stats) { s.Late++ })
		c.logger.Debug("dropping late result for committed pixel",
			slog.String("pixel", r.Key.String()),
			slog.Int("variation", int(r.Variation)))
		recordResult(ctx, c.deps.ScanID, Late.String())
		return Late, nil
	}

	c.mu.Lock()
	c.stats.Received++
	if !r.Fit.LLH.IsSet() {
		c.stats.Failed++
	}
	agg, ok := c.pending[r.Key]
	if !ok {
		agg = &aggregate{}
		c.pending[r.Key] = agg
	}
	c.arrival++
	if agg.offer(r, c.arrival) {
		c.logger.Debug("repeated variation improved held result",
			slog.String("pixel", r.Key.String()),
			slog.Int("variation", int(r.Variation)))
	}
	if !agg.complete() {
		c.mu.Unlock()
		recordResult(ctx, c.deps.ScanID, Pending.String())
		return Pending, nil
	}
	win, fallback := agg.best()
	c.mu.Unlock()

	return c.commit(ctx, r.Key, win, fallback)
}

func (c *Collector) commit(ctx context.Context, key skymap.PixelKey, win skymap.TaskResult, fallback bool) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "Collector.commit")
	defer span.End()
	span.SetAttributes(
		attribute.String("skyscan.pixel", key.String()),
		attribute.Bool("skyscan.fallback", fallback),
	)

	result := pixelResult(win, fallback, c.now())
	if err := c.deps.Cache.Put(ctx, result); err != nil {
		span.RecordError(err)
		return Pending, fmt.Errorf("commit pixel %s: %w", key, err)
	}

	c.mu.Lock()
	delete(c.pending, key)
	c.stats.Committed++
	if fallback {
		c.stats.Fallbacks++
	}
	pending := len(c.pending)
	c.mu.Unlock()

	if fallback {
		c.logger.Warn("no variation converged, kept first result",
			slog.String("pixel", key.String()))
	}
	c.logger.Debug("pixel committed",
		slog.String("pixel", key.String()),
		slog.String("llh", result.LLH.String()),
		slog.Int("variation", int(result.Variation)))
	recordResult(ctx, c.deps.ScanID, Committed.String())
	recordCommit(ctx, c.deps.ScanID, key.NSide, fallback, pending)

	if c.deps.Commits != nil {
		select {
		case c.deps.Commits <- key:
		default:
		}
	}
	return Committed, nil
}

// Bind attaches the subscription Run consumes. It must be called before
// Run when Deps.Results was not set.
func (c *Collector) Bind(results transport.Subscription) {
	c.deps.Results = results
}

// Run consumes Deps.Results until ctx ends or the results timeout fires.
//
// Outputs:
//
//	error - ctx.Err() on cancellation; ErrResultsTimeout on silence;
//	        fatal Add errors; transport errors other than timeouts.
func (c *Collector) Run(ctx context.Context) error {
	if c.deps.Results == nil {
		return fmt.Errorf("%w: results subscription is required", ErrInvalidConfig)
	}
	last := c.now()

	for {
		next, cancel := c.nextContext(ctx, last)
		d, err := c.deps.Results.Next(next)
		cancel()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, context.DeadlineExceeded) {
				c.logger.Warn("results timeout",
					slog.Duration("timeout", c.cfg.ResultsTimeout),
					slog.Int("pending_pixels", len(c.Incomplete())))
				return ErrResultsTimeout
			}
			return fmt.Errorf("receive result: %w", err)
		}
		last = c.now()

		r, err := skymap.DecodeTaskResult(d.Data())
		if err != nil {
			c.count(func(s *Stats) { s.Malformed++ })
			c.logger.Error("dropping malformed result", slog.String("error", err.Error()))
			recordResult(ctx, c.deps.ScanID, "malformed")
			if ackErr := d.Ack(ctx); ackErr != nil && !errors.Is(ackErr, transport.ErrAcked) {
				c.logger.Warn("ack failed", slog.String("error", ackErr.Error()))
			}
			continue
		}

		if _, err := c.Add(ctx, r); err != nil {
			return err
		}
		if err := d.Ack(ctx); err != nil && !errors.Is(err, transport.ErrAcked) {
			c.logger.Warn("ack failed",
				slog.String("pixel", r.Key.String()),
				slog.String("error", err.Error()))
		}
	}
}

func (c *Collector) nextContext(ctx context.Context, last time.Time) (context.Context, context.CancelFunc) {
	if c.cfg.ResultsTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, last.Add(c.cfg.ResultsTimeout))
}

// Incomplete returns the pixels holding a partial quorum and how many
// variations each has.
func (c *Collector) Incomplete() map[skymap.PixelKey]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[skymap.PixelKey]int, len(c.pending))
	for k, agg := range c.pending {
		out[k] = agg.count
	}
	return out
}

// IncompleteKeys returns the Incomplete keys in (nside, pixel) order.
func (c *Collector) IncompleteKeys() []skymap.PixelKey {
	m := c.Incomplete()
	keys := make([]skymap.PixelKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// Stats returns a snapshot of the counters.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Collector) count(fn func(*Stats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}
