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
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/skyscan/services/scanner/skymap"
	"github.com/AleutianAI/skyscan/services/scanner/transport"
)

const scanID = "scan-1"

var key = skymap.PixelKey{NSide: 8, Pixel: 42}

func taskResult(v skymap.Variation, llh float64) skymap.TaskResult {
	return skymap.TaskResult{
		ScanID:    scanID,
		Key:       key,
		Variation: v,
		Fit: skymap.FitResult{
			LLH:          skymap.SomeLLH(llh),
			Vertex:       skymap.Vertex{Time: float64(v)},
			EnergyInside: 100 * float64(v),
			EnergyTotal:  200 * float64(v),
		},
	}
}

func newCollector(t *testing.T, cache Cache, commits chan skymap.PixelKey) *Collector {
	t.Helper()
	c, err := New(Config{}, Deps{ScanID: scanID, Cache: cache, Commits: commits})
	require.NoError(t, err)
	return c
}

// failingCache rejects every Put.
type failingCache struct{ err error }

func (f failingCache) Has(skymap.PixelKey) bool { return false }
func (f failingCache) Put(context.Context, skymap.PixelResult) error {
	return f.err
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{ResultsTimeout: -time.Second}, Deps{ScanID: scanID, Cache: skymap.NewResultCache("e", nil)})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestAdd_QuorumSelectsFirstMinimum(t *testing.T) {
	ctx := context.Background()
	cache := skymap.NewResultCache("evt", nil)
	commits := make(chan skymap.PixelKey, 1)
	c := newCollector(t, cache, commits)

	llhs := []float64{math.NaN(), 12.4, 9.9, math.NaN(), 15.0, 9.9, math.NaN()}
	for i, llh := range llhs {
		out, err := c.Add(ctx, taskResult(skymap.Variation(i), llh))
		require.NoError(t, err)
		if i < len(llhs)-1 {
			assert.Equal(t, Pending, out)
			assert.False(t, cache.Has(key), "no commit before quorum")
		} else {
			assert.Equal(t, Committed, out)
		}
	}

	got, ok := cache.Lookup(key)
	require.True(t, ok)
	v, set := got.LLH.Value()
	require.True(t, set)
	assert.Equal(t, 9.9, v)
	assert.Equal(t, skymap.Variation(2), got.Variation, "first occurrence wins ties")
	assert.Equal(t, 200.0, got.EnergyInside)
	assert.Equal(t, 400.0, got.EnergyTotal)
	assert.Equal(t, 2.0, got.Vertex.Time)
	assert.False(t, got.Fallback)
	assert.False(t, got.CompletedAt.IsZero())

	assert.Equal(t, key, <-commits)
	assert.Empty(t, c.Incomplete())
	assert.Equal(t, 3, c.Stats().Failed)
}

func TestAdd_TieBreakFollowsArrivalNotIndex(t *testing.T) {
	ctx := context.Background()
	cache := skymap.NewResultCache("evt", nil)
	c := newCollector(t, cache, nil)

	order := []skymap.Variation{6, 5, 4, 3, 2, 1, 0}
	for _, v := range order {
		llh := 50.0
		if v == 1 || v == 4 {
			llh = 7.5
		}
		_, err := c.Add(ctx, taskResult(v, llh))
		require.NoError(t, err)
	}

	got, ok := cache.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, skymap.Variation(4), got.Variation, "variation 4 arrived before 1")
}

func TestAdd_AllFailedFallsBackToFirstArrival(t *testing.T) {
	ctx := context.Background()
	cache := skymap.NewResultCache("evt", nil)
	c := newCollector(t, cache, nil)

	for _, v := range []skymap.Variation{3, 0, 1, 2, 4, 5, 6} {
		_, err := c.Add(ctx, taskResult(v, math.NaN()))
		require.NoError(t, err)
	}

	got, ok := cache.Lookup(key)
	require.True(t, ok)
	assert.False(t, got.LLH.IsSet())
	assert.True(t, got.Fallback)
	assert.Equal(t, skymap.Variation(3), got.Variation)
	assert.Equal(t, 1, c.Stats().Fallbacks)
}

func TestAdd_DuplicateVariationNeverCountsTwice(t *testing.T) {
	ctx := context.Background()
	cache := skymap.NewResultCache("evt", nil)
	c := newCollector(t, cache, nil)

	for i := 0; i < 10; i++ {
		_, err := c.Add(ctx, taskResult(0, 30))
		require.NoError(t, err)
	}
	assert.Equal(t, map[skymap.PixelKey]int{key: 1}, c.Incomplete())

	_, err := c.Add(ctx, taskResult(0, 3))
	require.NoError(t, err)
	_, err = c.Add(ctx, taskResult(0, 40))
	require.NoError(t, err)

	for v := skymap.Variation(1); v < skymap.NumVariations; v++ {
		_, err := c.Add(ctx, taskResult(v, 10))
		require.NoError(t, err)
	}
	got, ok := cache.Lookup(key)
	require.True(t, ok)
	v, _ := got.LLH.Value()
	assert.Equal(t, 3.0, v, "strictly better duplicate replaced the held value")
	assert.Equal(t, skymap.Variation(0), got.Variation)
}

func TestAdd_InvalidVariation(t *testing.T) {
	c := newCollector(t, skymap.NewResultCache("evt", nil), nil)

	_, err := c.Add(context.Background(), taskResult(7, 1))
	assert.ErrorIs(t, err, ErrInvalidVariation)

	_, err = c.Add(context.Background(), taskResult(-1, 1))
	assert.ErrorIs(t, err, ErrInvalidVariation)
}

func TestAdd_LateAndForeignResultsDropped(t *testing.T) {
	ctx := context.Background()
	cache := skymap.NewResultCache("evt", nil)
	require.NoError(t, cache.Put(ctx, skymap.PixelResult{Key: key, LLH: skymap.SomeLLH(1)}))
	c := newCollector(t, cache, nil)

	out, err := c.Add(ctx, taskResult(3, 0.5))
	require.NoError(t, err)
	assert.Equal(t, Late, out)

	foreign := taskResult(3, 0.5)
	foreign.ScanID = "other"
	foreign.Key = skymap.PixelKey{NSide: 8, Pixel: 1}
	out, err = c.Add(ctx, foreign)
	require.NoError(t, err)
	assert.Equal(t, Foreign, out)

	assert.Empty(t, c.Incomplete())
	stats := c.Stats()
	assert.Equal(t, 1, stats.Late)
	assert.Equal(t, 1, stats.Foreign)
	assert.Zero(t, stats.Received)

	got, _ := cache.Lookup(key)
	v, _ := got.LLH.Value()
	assert.Equal(t, 1.0, v)
}

func TestAdd_PutFailureIsFatal(t *testing.T) {
	ctx := context.Background()

	t.Run("already present", func(t *testing.T) {
		c := newCollector(t, failingCache{err: skymap.ErrAlreadyPresent}, nil)
		var err error
		for v := skymap.Variation(0); v < skymap.NumVariations; v++ {
			_, err = c.Add(ctx, taskResult(v, 1))
		}
		assert.ErrorIs(t, err, skymap.ErrAlreadyPresent)
	})

	t.Run("store unreachable", func(t *testing.T) {
		storeDown := errors.New("store unreachable")
		c := newCollector(t, failingCache{err: storeDown}, nil)
		var err error
		for v := skymap.Variation(0); v < skymap.NumVariations; v++ {
			_, err = c.Add(ctx, taskResult(v, 1))
		}
		assert.ErrorIs(t, err, storeDown)
		assert.Equal(t, map[skymap.PixelKey]int{key: 7}, c.Incomplete())
	})
}

func TestAdd_CommitNotificationNeverBlocks(t *testing.T) {
	ctx := context.Background()
	cache := skymap.NewResultCache("evt", nil)
	commits := make(chan skymap.PixelKey)
	c := newCollector(t, cache, commits)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for v := skymap.Variation(0); v < skymap.NumVariations; v++ {
			_, _ = c.Add(ctx, taskResult(v, 1))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Add blocked on an unread commit channel")
	}
	assert.True(t, cache.Has(key))
}

func TestRun(t *testing.T) {
	broker := transport.NewMemory(transport.DefaultOptions(), nil)
	defer broker.Close()
	ctx := context.Background()
	subject := transport.ResultsSubject(scanID)

	sub, err := broker.Subscribe(ctx, subject)
	require.NoError(t, err)

	cache := skymap.NewResultCache("evt", nil)
	c, err := New(Config{ResultsTimeout: 200 * time.Millisecond}, Deps{
		ScanID:  scanID,
		Cache:   cache,
		Results: sub,
	})
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, subject, []byte("not json")))
	for v := skymap.Variation(0); v < skymap.NumVariations; v++ {
		data, err := skymap.EncodeTaskResult(taskResult(v, float64(20-v)))
		require.NoError(t, err)
		require.NoError(t, broker.Publish(ctx, subject, data))
	}
	partial := taskResult(0, 5)
	partial.Key = skymap.PixelKey{NSide: 16, Pixel: 9}
	data, err := skymap.EncodeTaskResult(partial)
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, subject, data))

	err = c.Run(ctx)
	assert.ErrorIs(t, err, ErrResultsTimeout)

	got, ok := cache.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, skymap.Variation(6), got.Variation)
	assert.Equal(t, []skymap.PixelKey{partial.Key}, c.IncompleteKeys())
	assert.Equal(t, 1, c.Stats().Malformed)

	ready, inflight := broker.Depth(subject)
	assert.Zero(t, ready)
	assert.Zero(t, inflight, "every delivery acked")
}

func TestRun_Cancelled(t *testing.T) {
	broker := transport.NewMemory(transport.DefaultOptions(), nil)
	defer broker.Close()
	sub, err := broker.Subscribe(context.Background(), transport.ResultsSubject(scanID))
	require.NoError(t, err)

	c, err := New(Config{}, Deps{ScanID: scanID, Cache: skymap.NewResultCache("evt", nil), Results: sub})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Run(ctx), context.DeadlineExceeded)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "committed", Committed.String())
	assert.Equal(t, "outcome(9)", Outcome(9).String())
}
