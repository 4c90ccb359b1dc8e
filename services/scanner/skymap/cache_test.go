// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package skymap

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memPersister is a map-backed Persister for cache tests.
type memPersister struct {
	mu      sync.Mutex
	records map[PixelKey]PixelResult
	failOn  error
	writes  int
}

func newMemPersister() *memPersister {
	return &memPersister{records: make(map[PixelKey]PixelResult)}
}

func (p *memPersister) PersistOne(_ context.Context, _ string, r PixelResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOn != nil {
		return p.failOn
	}
	if _, ok := p.records[r.Key]; ok {
		return ErrAlreadyPresent
	}
	p.records[r.Key] = r
	p.writes++
	return nil
}

func (p *memPersister) LoadAll(_ context.Context, _ string) ([]PixelResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOn != nil {
		return nil, p.failOn
	}
	out := make([]PixelResult, 0, len(p.records))
	for _, r := range p.records {
		out = append(out, r)
	}
	return out, nil
}

func result(nside uint32, pix uint64, llh float64) PixelResult {
	return PixelResult{Key: PixelKey{NSide: nside, Pixel: pix}, LLH: SomeLLH(llh)}
}

func TestResultCache_PutIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	cache := NewResultCache("evt", nil)

	require.NoError(t, cache.Put(ctx, result(8, 3, 10.5)))
	err := cache.Put(ctx, result(8, 3, 1.0))

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyPresent))

	got, ok := cache.Lookup(PixelKey{NSide: 8, Pixel: 3})
	require.True(t, ok)
	v, _ := got.LLH.Value()
	assert.Equal(t, 10.5, v, "first value must stay intact")
	assert.Equal(t, 1, cache.Len())
}

func TestResultCache_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	cache := NewResultCache("evt", nil)
	require.NoError(t, cache.Put(ctx, result(8, 1, 1)))

	level := cache.Get(8)
	delete(level, 1)

	assert.True(t, cache.Has(PixelKey{NSide: 8, Pixel: 1}))
	assert.Empty(t, cache.Get(16))
}

func TestResultCache_PersistsBeforeVisible(t *testing.T) {
	ctx := context.Background()
	p := newMemPersister()
	cache := NewResultCache("evt", p)

	require.NoError(t, cache.Put(ctx, result(8, 1, 1)))
	assert.Equal(t, 1, p.writes)

	p.failOn = errors.New("disk gone")
	err := cache.Put(ctx, result(8, 2, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk gone")
	assert.False(t, cache.Has(PixelKey{NSide: 8, Pixel: 2}), "failed persist must not be visible")
}

func TestResultCache_LoadResumes(t *testing.T) {
	ctx := context.Background()
	p := newMemPersister()
	first := NewResultCache("evt", p)
	require.NoError(t, first.Put(ctx, result(8, 1, 1)))
	require.NoError(t, first.Put(ctx, result(16, 7, 2)))

	second := NewResultCache("evt", p)
	n, err := second.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uint32{8, 16}, second.NSides())

	n, err = second.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "reloading adds nothing")
}

func TestResultCache_LoadWithoutPersister(t *testing.T) {
	n, err := NewResultCache("evt", nil).Load(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLLH(t *testing.T) {
	t.Run("nan collapses to unset", func(t *testing.T) {
		assert.False(t, SomeLLH(math.NaN()).IsSet())
		assert.False(t, SomeLLH(math.Inf(1)).IsSet())
	})

	t.Run("ordering", func(t *testing.T) {
		assert.True(t, SomeLLH(1).Less(SomeLLH(2)))
		assert.False(t, SomeLLH(2).Less(SomeLLH(2)))
		assert.True(t, SomeLLH(1e9).Less(NoLLH()))
		assert.False(t, NoLLH().Less(SomeLLH(1)))
		assert.False(t, NoLLH().Less(NoLLH()))
	})

	t.Run("json null", func(t *testing.T) {
		data, err := NoLLH().MarshalJSON()
		require.NoError(t, err)
		assert.Equal(t, "null", string(data))

		var l LLH
		require.NoError(t, l.UnmarshalJSON([]byte("12.5")))
		v, ok := l.Value()
		assert.True(t, ok)
		assert.Equal(t, 12.5, v)

		require.NoError(t, l.UnmarshalJSON([]byte("null")))
		assert.False(t, l.IsSet())
	})
}

func TestCodec(t *testing.T) {
	t.Run("task round trip", func(t *testing.T) {
		in := Task{ScanID: "s", Key: PixelKey{NSide: 8, Pixel: 700}, Variation: 6,
			Seed: Vertex{Position: Vector3{X: 1}, Time: 10, Energy: 1e4}}
		data, err := EncodeTask(in)
		require.NoError(t, err)
		out, err := DecodeTask(data)
		require.NoError(t, err)
		assert.Equal(t, in.Key, out.Key)
		assert.Equal(t, in.Seed, out.Seed)
	})

	t.Run("task rejects bad variation", func(t *testing.T) {
		_, err := DecodeTask([]byte(`{"key":{"nside":8,"pixel":1},"variation":7}`))
		assert.ErrorIs(t, err, ErrMalformedMessage)
	})

	t.Run("result rejects garbage", func(t *testing.T) {
		_, err := DecodeTaskResult([]byte(`not json`))
		assert.ErrorIs(t, err, ErrMalformedMessage)
	})

	t.Run("failed fit survives as unset", func(t *testing.T) {
		data, err := EncodeTaskResult(TaskResult{Key: PixelKey{NSide: 8, Pixel: 1}, Fit: FitResult{LLH: NoLLH()}})
		require.NoError(t, err)
		out, err := DecodeTaskResult(data)
		require.NoError(t, err)
		assert.False(t, out.Fit.LLH.IsSet())
	})
}
