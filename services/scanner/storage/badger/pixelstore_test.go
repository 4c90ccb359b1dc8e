// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/skyscan/services/scanner/skymap"
)

func openStore(t *testing.T, cfg Config) (*DB, *PixelStore) {
	t.Helper()
	db, err := OpenDB(cfg)
	require.NoError(t, err)
	store, err := NewPixelStore(db)
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
		db.Close()
	})
	return db, store
}

func pixelResult(nside uint32, pix uint64, llh skymap.LLH) skymap.PixelResult {
	return skymap.PixelResult{
		Key:         skymap.PixelKey{NSide: nside, Pixel: pix},
		LLH:         llh,
		Vertex:      skymap.Vertex{Position: skymap.Vector3{X: 1, Y: 2, Z: 3}, Time: 9800, Energy: 2e4},
		Variation:   3,
		CompletedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestOpenDB_RequiresPath(t *testing.T) {
	_, err := OpenDB(Config{})
	assert.ErrorIs(t, err, ErrPathRequired)

	_, err = OpenDB(Config{InMemory: true, GCDiscardRatio: 2})
	assert.Error(t, err)
}

func TestDB_CloseIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.GCInterval = time.Millisecond
	db, err := OpenDB(cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.Path, db.Path())
	assert.False(t, db.InMemory())

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
}

func TestDB_WithTxnCancelled(t *testing.T) {
	db, _ := openStore(t, InMemoryConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, db.WithTxn(ctx, nil), context.Canceled)
	assert.ErrorIs(t, db.WithReadTxn(ctx, nil), context.Canceled)
}

func TestPixelStore_WriteIfAbsent(t *testing.T) {
	ctx := context.Background()
	_, store := openStore(t, InMemoryConfig())

	require.NoError(t, store.PersistOne(ctx, "evt", pixelResult(8, 42, skymap.SomeLLH(10))))
	err := store.PersistOne(ctx, "evt", pixelResult(8, 42, skymap.SomeLLH(1)))
	assert.ErrorIs(t, err, skymap.ErrAlreadyPresent)

	all, err := store.LoadAll(ctx, "evt")
	require.NoError(t, err)
	require.Len(t, all, 1)
	v, ok := all[0].LLH.Value()
	require.True(t, ok)
	assert.Equal(t, 10.0, v, "first write wins")
}

func TestPixelStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	_, store := openStore(t, InMemoryConfig())

	in := pixelResult(16, 3071, skymap.NoLLH())
	in.Fallback = true
	in.EnergyInside, in.EnergyTotal = 1.5e4, 2.5e4
	in.Payload = bytes.Repeat([]byte("fit-payload "), 200)
	require.NoError(t, store.PersistOne(ctx, "evt", in))

	out, err := store.LoadNSide(ctx, "evt", 16)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, in.Key, out[0].Key)
	assert.False(t, out[0].LLH.IsSet(), "unset llh survives storage")
	assert.Equal(t, in.Vertex, out[0].Vertex)
	assert.Equal(t, in.Variation, out[0].Variation)
	assert.True(t, out[0].Fallback)
	assert.Equal(t, in.Payload, out[0].Payload)
	assert.True(t, in.CompletedAt.Equal(out[0].CompletedAt))
}

func TestPixelStore_PrefixScans(t *testing.T) {
	ctx := context.Background()
	_, store := openStore(t, InMemoryConfig())

	for _, k := range []skymap.PixelKey{{NSide: 8, Pixel: 700}, {NSide: 8, Pixel: 2}, {NSide: 16, Pixel: 1}, {NSide: 128, Pixel: 5}} {
		require.NoError(t, store.PersistOne(ctx, "alpha", pixelResult(k.NSide, k.Pixel, skymap.SomeLLH(1))))
	}
	require.NoError(t, store.PersistOne(ctx, "beta", pixelResult(8, 2, skymap.SomeLLH(1))))
	require.NoError(t, store.PersistOne(ctx, "alpha0", pixelResult(8, 2, skymap.SomeLLH(1))))

	all, err := store.LoadAll(ctx, "alpha")
	require.NoError(t, err)
	keys := make([]skymap.PixelKey, 0, len(all))
	for _, r := range all {
		keys = append(keys, r.Key)
	}
	assert.Equal(t, []skymap.PixelKey{
		{NSide: 8, Pixel: 2}, {NSide: 8, Pixel: 700}, {NSide: 16, Pixel: 1}, {NSide: 128, Pixel: 5},
	}, keys, "key layout sorts by nside then pixel")

	level, err := store.LoadNSide(ctx, "alpha", 8)
	require.NoError(t, err)
	assert.Len(t, level, 2)

	n, err := store.Count(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	events, err := store.Events(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "alpha0", "beta"}, events)
}

func TestPixelStore_RejectsBadEventID(t *testing.T) {
	ctx := context.Background()
	_, store := openStore(t, InMemoryConfig())

	assert.ErrorIs(t, store.PersistOne(ctx, "", pixelResult(8, 1, skymap.NoLLH())), ErrInvalidEventID)
	_, err := store.LoadAll(ctx, "a/b")
	assert.ErrorIs(t, err, ErrInvalidEventID)
}

func TestPixelStore_ResumeAcrossReopen(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.GCInterval = 0

	db, err := OpenDB(cfg)
	require.NoError(t, err)
	store, err := NewPixelStore(db)
	require.NoError(t, err)
	cache := skymap.NewResultCache("evt", store)
	require.NoError(t, cache.Put(ctx, pixelResult(8, 1, skymap.SomeLLH(3))))
	require.NoError(t, cache.Put(ctx, pixelResult(16, 9, skymap.SomeLLH(4))))
	require.NoError(t, store.Close())
	require.NoError(t, db.Close())

	_, store = openStore(t, cfg)
	resumed := skymap.NewResultCache("evt", store)
	n, err := resumed.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, resumed.Has(skymap.PixelKey{NSide: 16, Pixel: 9}))

	err = resumed.Put(ctx, pixelResult(8, 1, skymap.SomeLLH(0)))
	assert.ErrorIs(t, err, skymap.ErrAlreadyPresent)
}
