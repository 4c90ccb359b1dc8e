// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scanner

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/skyscan/services/scanner/collect"
	"github.com/AleutianAI/skyscan/services/scanner/dispatch"
	"github.com/AleutianAI/skyscan/services/scanner/oracle"
	"github.com/AleutianAI/skyscan/services/scanner/pixel"
	"github.com/AleutianAI/skyscan/services/scanner/planner"
	"github.com/AleutianAI/skyscan/services/scanner/skymap"
	"github.com/AleutianAI/skyscan/services/scanner/storage/badger"
	"github.com/AleutianAI/skyscan/services/scanner/transport"
	"github.com/AleutianAI/skyscan/services/scanner/worker"
)

func testEvent() skymap.EventContext {
	return skymap.EventContext{
		EventID:  "run1-evt2",
		MJD:      60200.125,
		Geometry: "gcd/test",
		Seed:     skymap.Vertex{Position: skymap.Vector3{X: 30, Y: -10, Z: -200}, Time: 9800, Energy: 4e4},
		Detector: skymap.DetectorSite{LatitudeDeg: -89.99, LongitudeDeg: -63.45, AzimuthOffsetDeg: 90},
	}
}

func testConfig(workers int) Config {
	d := dispatch.DefaultConfig(workers)
	d.RoundInterval = 0
	d.InFlightCeiling = 8 * skymap.NumVariations
	d.IdleWait = 200 * time.Millisecond
	return Config{
		ScanID: "scan-test",
		Planner: planner.Config{
			BaseNSide:  2,
			MaxNSide:   8,
			Threshold:  planner.DefaultThreshold,
			BestPixels: 2,
		},
		Dispatch:     d,
		Collect:      collect.Config{ResultsTimeout: 10 * time.Second},
		LocalWorkers: workers,
		Worker:       worker.Config{HeartbeatInterval: time.Second},
	}
}

func openStore(t *testing.T, cfg badger.Config) *badger.PixelStore {
	t.Helper()
	db, err := badger.OpenDB(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := badger.NewPixelStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newBroker(t *testing.T) *transport.Memory {
	t.Helper()
	b := transport.NewMemory(transport.DefaultOptions(), nil)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestNew_Validates(t *testing.T) {
	broker := newBroker(t)

	_, err := New(testConfig(1), Deps{Broker: broker, Oracle: oracle.DefaultSynthetic()})
	assert.ErrorIs(t, err, ErrInvalidConfig, "event id required")

	_, err = New(testConfig(1), Deps{Event: testEvent(), Oracle: oracle.DefaultSynthetic()})
	assert.ErrorIs(t, err, ErrInvalidConfig, "broker required")

	_, err = New(testConfig(2), Deps{Event: testEvent(), Broker: broker})
	assert.ErrorIs(t, err, ErrInvalidConfig, "local workers need an oracle")

	cfg := testConfig(1)
	cfg.Planner.MaxNSide = 1
	_, err = New(cfg, Deps{Event: testEvent(), Broker: broker, Oracle: oracle.DefaultSynthetic()})
	assert.ErrorIs(t, err, planner.ErrInvalidConfig)

	cfg = testConfig(1)
	cfg.Dispatch.InFlightCeiling = 3
	_, err = New(cfg, Deps{Event: testEvent(), Broker: broker, Oracle: oracle.DefaultSynthetic()})
	assert.ErrorIs(t, err, dispatch.ErrInvalidConfig)

	cfg = testConfig(1)
	cfg.ScanID = ""
	s, err := New(cfg, Deps{Event: testEvent(), Broker: broker, Oracle: oracle.DefaultSynthetic()})
	require.NoError(t, err)
	assert.Regexp(t, `^run1-evt2-[0-9a-f]{8}$`, s.ID())

	cfg = testConfig(1)
	cfg.ScanID = "scan.with.dots"
	_, err = New(cfg, Deps{Event: testEvent(), Broker: broker, Oracle: oracle.DefaultSynthetic()})
	assert.ErrorIs(t, err, ErrInvalidConfig, "scan ids are single subject tokens")
}

func TestNewScanID(t *testing.T) {
	assert.Regexp(t, `^IC2023_10_01-[0-9a-f]{8}$`, NewScanID("IC2023.10.01"))
	assert.NotEqual(t, NewScanID("evt"), NewScanID("evt"))

	long := NewScanID(strings.Repeat("x", 200))
	assert.Len(t, long, 128)
}

func TestScan_RunsToCompletion(t *testing.T) {
	event := testEvent()
	store := openStore(t, badger.InMemoryConfig())
	synthetic := oracle.DefaultSynthetic()
	synthetic.FailZenith = 2.6

	cfg := testConfig(4)
	cfg.ProgressInterval = 50 * time.Millisecond
	s, err := New(cfg, Deps{
		Event:  event,
		Broker: newBroker(t),
		Store:  store,
		Oracle: synthetic,
		Rand:   rand.New(rand.NewPCG(1, 2)),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	report, err := s.Run(ctx)
	require.NoError(t, err)

	assert.True(t, report.Complete)
	assert.False(t, report.TimedOut)
	assert.Empty(t, report.Incomplete)
	assert.Zero(t, report.Resumed)
	assert.Equal(t, s.Cache().Len(), report.Committed)

	cache := s.Cache()
	assert.Len(t, cache.Get(2), int(pixel.NPix(2)), "base level fully covered")
	assert.Empty(t, mustPlanner(t, cfg.Planner).Plan(cache), "nothing left to refine")

	// Every refined pixel descends from a committed parent.
	for _, nside := range []uint32{4, 8} {
		for pix := range cache.Get(nside) {
			parent := skymap.PixelKey{NSide: nside / 2, Pixel: pixel.Downgrade(nside, pix)}
			assert.True(t, cache.Has(parent), "parent of %d/%d", nside, pix)
		}
	}

	fallbacks := 0
	for _, nside := range cache.NSides() {
		for _, r := range cache.Get(nside) {
			if r.Fallback {
				fallbacks++
				assert.False(t, r.LLH.IsSet())
			}
		}
	}
	assert.Positive(t, fallbacks, "failure region produced fallback pixels")

	require.NotNil(t, report.Best)
	assert.Equal(t, uint32(8), report.Best.Key.NSide)
	frame := pixel.NewFrame(event.Detector, event.MJD)
	dir := pixel.DirectionOf(report.Best.Key.NSide, report.Best.Key.Pixel, frame)
	assert.Less(t, oracle.Angle(dir, synthetic.Truth), 0.3, "best pixel sits near the true direction")

	stored, err := store.Count(ctx, event.EventID)
	require.NoError(t, err)
	assert.Equal(t, report.Committed, stored, "every committed pixel is durable")

	snap := s.Reporter().Latest()
	assert.Equal(t, "scan-test", snap.ScanID)
	assert.Len(t, snap.Levels, 3)
}

func TestScan_ResumesFromStore(t *testing.T) {
	ctx := context.Background()
	event := testEvent()
	store := openStore(t, badger.Config{Path: t.TempDir(), SyncWrites: true})

	preset := skymap.PixelResult{
		Key:         skymap.PixelKey{NSide: 2, Pixel: 7},
		LLH:         skymap.SomeLLH(123456),
		CompletedAt: time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, store.PersistOne(ctx, event.EventID, preset))
	require.NoError(t, store.PersistOne(ctx, event.EventID, skymap.PixelResult{
		Key: skymap.PixelKey{NSide: 2, Pixel: 8}, LLH: skymap.NoLLH(), Fallback: true,
	}))

	s, err := New(testConfig(2), Deps{Event: event, Broker: newBroker(t), Store: store, Oracle: oracle.DefaultSynthetic()})
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	report, err := s.Run(runCtx)
	require.NoError(t, err)
	assert.True(t, report.Complete)
	assert.Equal(t, 2, report.Resumed)

	got, ok := s.Cache().Lookup(preset.Key)
	require.True(t, ok)
	v, _ := got.LLH.Value()
	assert.Equal(t, 123456.0, v, "resumed pixel was not recomputed")
	assert.Len(t, s.Cache().Get(2), int(pixel.NPix(2)))
}

func TestScan_ResultsTimeoutReportsIncomplete(t *testing.T) {
	broker := newBroker(t)
	cfg := testConfig(0)
	cfg.Dispatch = dispatch.DefaultConfig(7)
	cfg.Dispatch.IdleWait = 50 * time.Millisecond
	cfg.Collect.ResultsTimeout = 300 * time.Millisecond

	s, err := New(cfg, Deps{Event: testEvent(), Broker: broker})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// A remote worker that only ever answers three variations.
	go func() {
		tasks, err := broker.Subscribe(ctx, transport.TasksSubject(cfg.ScanID))
		if err != nil {
			return
		}
		defer tasks.Close()
		for {
			d, err := tasks.Next(ctx)
			if err != nil {
				return
			}
			task, err := skymap.DecodeTask(d.Data())
			_ = d.Ack(ctx)
			if err != nil || task.Variation >= 3 {
				continue
			}
			data, _ := skymap.EncodeTaskResult(skymap.TaskResult{
				ScanID:    task.ScanID,
				Key:       task.Key,
				Variation: task.Variation,
				Fit:       skymap.FitResult{LLH: skymap.SomeLLH(1)},
			})
			_ = broker.Publish(ctx, transport.ResultsSubject(task.ScanID), data)
		}
	}()

	report, err := s.Run(ctx)
	require.NoError(t, err)
	assert.False(t, report.Complete)
	assert.True(t, report.TimedOut)
	assert.Zero(t, report.Committed)
	require.Len(t, report.Incomplete, 2, "ceiling of 14 tasks admits two pixels")
	for key, n := range report.Incomplete {
		assert.Equal(t, 3, n, key.String())
	}
}

// brokenStore accepts loads but fails every write.
type brokenStore struct{}

func (brokenStore) PersistOne(context.Context, string, skymap.PixelResult) error {
	return errors.New("disk full")
}

func (brokenStore) LoadAll(context.Context, string) ([]skymap.PixelResult, error) {
	return nil, nil
}

func TestScan_StoreFailureIsFatal(t *testing.T) {
	s, err := New(testConfig(2), Deps{
		Event:  testEvent(),
		Broker: newBroker(t),
		Store:  brokenStore{},
		Oracle: oracle.DefaultSynthetic(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	report, err := s.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.False(t, report.Complete)
	assert.Zero(t, report.Committed)
}

func mustPlanner(t *testing.T, cfg planner.Config) *planner.Planner {
	t.Helper()
	p, err := planner.New(cfg, nil)
	require.NoError(t, err)
	return p
}
