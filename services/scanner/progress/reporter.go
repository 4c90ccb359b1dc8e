// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package progress publishes periodic scan snapshots to logs, subscribers
// and an HTTP surface.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/skyscan/services/scanner/planner"
	"github.com/AleutianAI/skyscan/services/scanner/skymap"
)

// Snapshot is the state of a scan at one instant.
type Snapshot struct {
	ScanID  string        `json:"scan_id"`
	EventID string        `json:"event_id"`
	Time    time.Time     `json:"time"`
	Elapsed time.Duration `json:"elapsed"`

	Committed     int `json:"committed"`
	InFlight      int `json:"in_flight"`
	PendingQuorum int `json:"pending_quorum"`

	// Rate is committed pixels per second since the previous snapshot.
	Rate float64 `json:"rate"`

	Levels []planner.LevelStatus `json:"levels"`
	// Best is the best pixel at the finest level that has one.
	Best *skymap.PixelResult `json:"best,omitempty"`
	Done bool                `json:"done"`
}

// Source produces snapshots.
type Source interface {
	Snapshot() Snapshot
}

// SourceFunc adapts a function to Source.
type SourceFunc func() Snapshot

// Snapshot calls f.
func (f SourceFunc) Snapshot() Snapshot { return f() }

// subscriberBuffer is the per-subscriber backlog; older snapshots are
// dropped when a subscriber falls behind.
const subscriberBuffer = 4

// Reporter samples a Source on a ticker.
//
// Thread Safety: Safe for concurrent use. Run must be called once.
type Reporter struct {
	src      Source
	interval time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	latest Snapshot
	subs   map[chan Snapshot]struct{}
}

// NewReporter returns a Reporter sampling src every interval.
func NewReporter(src Source, interval time.Duration, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reporter{
		src:      src,
		interval: interval,
		logger:   logger.With(slog.String("component", "progress")),
		subs:     make(map[chan Snapshot]struct{}),
	}
}

// Run samples until ctx ends, then publishes one final snapshot and
// closes every subscription.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Sample()
	for {
		select {
		case <-ctx.Done():
			r.Sample()
			r.closeAll()
			return nil
		case <-ticker.C:
			r.Sample()
		}
	}
}

// Sample takes a snapshot now, logs it and fans it out.
func (r *Reporter) Sample() Snapshot {
	snap := r.src.Snapshot()

	r.mu.Lock()
	prev := r.latest
	if !prev.Time.IsZero() {
		if dt := snap.Time.Sub(prev.Time).Seconds(); dt > 0 {
			snap.Rate = float64(snap.Committed-prev.Committed) / dt
		}
	}
	r.latest = snap
	for ch := range r.subs {
		select {
		case ch <- snap:
		default:
			// Drop the oldest to make room for the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
	r.mu.Unlock()

	attrs := []any{
		slog.Int("committed", snap.Committed),
		slog.Int("in_flight", snap.InFlight),
		slog.Int("pending_quorum", snap.PendingQuorum),
		slog.Float64("pixels_per_s", snap.Rate),
		slog.Duration("elapsed", snap.Elapsed),
	}
	if snap.Best != nil {
		attrs = append(attrs,
			slog.String("best_pixel", snap.Best.Key.String()),
			slog.String("best_llh", snap.Best.LLH.String()))
	}
	r.logger.Info("scan progress", attrs...)
	return snap
}

// Latest returns the most recent snapshot.
func (r *Reporter) Latest() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

// Subscribe returns a channel of snapshots and a function that ends the
// subscription. The channel closes when the Reporter stops.
func (r *Reporter) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subscriberBuffer)
	r.mu.Lock()
	if r.subs == nil {
		close(ch)
		r.mu.Unlock()
		return ch, func() {}
	}
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if _, ok := r.subs[ch]; ok {
				delete(r.subs, ch)
				close(ch)
			}
		})
	}
}

func (r *Reporter) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.subs {
		close(ch)
	}
	r.subs = nil
}
