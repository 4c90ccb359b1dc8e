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
	"fmt"
	"sort"
	"sync"
)

// Persister is the durable side of the ResultCache.
//
// Implementations must provide write-if-absent semantics for PersistOne and
// return ErrAlreadyPresent (wrapped or bare) when the key exists.
type Persister interface {
	// PersistOne durably writes a single pixel result.
	PersistOne(ctx context.Context, eventID string, result PixelResult) error

	// LoadAll returns every stored result for the event.
	LoadAll(ctx context.Context, eventID string) ([]PixelResult, error)
}

// View is the read-only face of the ResultCache handed to the planner,
// the dispatcher and the reporters.
type View interface {
	Get(nside uint32) map[uint64]PixelResult
	Lookup(key PixelKey) (PixelResult, bool)
	Has(key PixelKey) bool
	Len() int
	NSides() []uint32
}

// ResultCache is the authoritative, append-only map of committed pixels.
//
// Description:
//
//	Entries are never deleted or overwritten. When a Persister is attached,
//	every Put writes one durable record synchronously before the entry
//	becomes visible, so a restart loses at most uncommitted work.
//
// Thread Safety:
//
//	Safe for concurrent readers. Put is intended for a single writer (the
//	collector) but is still serialised internally.
type ResultCache struct {
	eventID   string
	persister Persister

	mu     sync.RWMutex
	levels map[uint32]map[uint64]PixelResult
	count  int
}

var _ View = (*ResultCache)(nil)

// NewResultCache creates an empty cache for one event.
//
// Inputs:
//
//	eventID - Event the cache belongs to; used as the durable key prefix.
//	persister - Durable store. May be nil for a purely in-memory cache.
//
// Outputs:
//
//	*ResultCache - Empty cache.
func NewResultCache(eventID string, persister Persister) *ResultCache {
	return &ResultCache{
		eventID:   eventID,
		persister: persister,
		levels:    make(map[uint32]map[uint64]PixelResult),
	}
}

// EventID returns the event this cache belongs to.
func (c *ResultCache) EventID() string {
	return c.eventID
}

// Load fills the cache from the persister.
//
// Description:
//
//	Used on resume. Records already present in memory are skipped, so
//	calling Load twice is harmless. Without a persister this is a no-op.
//
// Outputs:
//
//	int - Number of results added.
//	error - Non-nil if the store cannot be read.
func (c *ResultCache) Load(ctx context.Context) (int, error) {
	if ctx == nil {
		return 0, ErrNilContext
	}
	if c.persister == nil {
		return 0, nil
	}
	results, err := c.persister.LoadAll(ctx, c.eventID)
	if err != nil {
		return 0, fmt.Errorf("load results for %s: %w", c.eventID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	added := 0
	for _, r := range results {
		if c.insertLocked(r) {
			added++
		}
	}
	return added, nil
}

// Put commits a pixel result. Write-once.
//
// Description:
//
//	Fails with ErrAlreadyPresent if the key already has a result; the first
//	value stays intact. With a persister, the durable write happens first
//	and any store error is returned without touching memory.
//
// Inputs:
//
//	ctx - Context for the durable write.
//	result - The result to commit; result.Key identifies the pixel.
//
// Outputs:
//
//	error - ErrAlreadyPresent, a store error, or nil.
func (c *ResultCache) Put(ctx context.Context, result PixelResult) error {
	if ctx == nil {
		return ErrNilContext
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.levels[result.Key.NSide][result.Key.Pixel]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyPresent, result.Key)
	}
	if c.persister != nil {
		if err := c.persister.PersistOne(ctx, c.eventID, result); err != nil {
			return fmt.Errorf("persist %s: %w", result.Key, err)
		}
	}
	c.insertLocked(result)
	return nil
}

func (c *ResultCache) insertLocked(r PixelResult) bool {
	level, ok := c.levels[r.Key.NSide]
	if !ok {
		level = make(map[uint64]PixelResult)
		c.levels[r.Key.NSide] = level
	}
	if _, exists := level[r.Key.Pixel]; exists {
		return false
	}
	level[r.Key.Pixel] = r
	c.count++
	return true
}

// Get returns a copy of all results at nside; empty if unseen.
func (c *ResultCache) Get(nside uint32) map[uint64]PixelResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	level := c.levels[nside]
	out := make(map[uint64]PixelResult, len(level))
	for pix, r := range level {
		out[pix] = r
	}
	return out
}

// Lookup returns the result for key, if committed.
func (c *ResultCache) Lookup(key PixelKey) (PixelResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.levels[key.NSide][key.Pixel]
	return r, ok
}

// Has reports whether key is committed.
func (c *ResultCache) Has(key PixelKey) bool {
	_, ok := c.Lookup(key)
	return ok
}

// Len returns the number of committed pixels across all resolutions.
func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count
}

// NSides returns the resolutions present, ascending.
func (c *ResultCache) NSides() []uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]uint32, 0, len(c.levels))
	for nside := range c.levels {
		out = append(out, nside)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
