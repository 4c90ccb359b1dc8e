// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package planner decides which pixels still need scanning.
//
// The planner looks only at committed results. It has no memory between
// calls: the same cache contents always yield the same set of work, which
// is what makes a restarted scan pick up exactly where it stopped.
package planner

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/AleutianAI/skyscan/services/scanner/pixel"
	"github.com/AleutianAI/skyscan/services/scanner/skymap"
)

// DefaultThreshold is the default refinement threshold on 2·|Δllh|.
const DefaultThreshold = 4000

// ErrInvalidConfig is returned by New for unusable resolution settings.
var ErrInvalidConfig = errors.New("invalid planner config")

// Config controls refinement.
type Config struct {
	// BaseNSide is the coarsest resolution; it is always scanned in full.
	BaseNSide uint32 `json:"base_nside" yaml:"base_nside"`

	// MaxNSide is the finest resolution the planner will ever request.
	MaxNSide uint32 `json:"max_nside" yaml:"max_nside"`

	// Threshold is compared against 2·|llh_a − llh_b| for neighbouring
	// pixels. It is an operational knob, not a calibrated confidence level.
	Threshold float64 `json:"threshold" yaml:"threshold"`

	// BestPixels additionally refines the N best pixels of every level.
	// 0 disables it.
	BestPixels int `json:"best_pixels" yaml:"best_pixels"`
}

// Validate checks resolutions and threshold.
func (c Config) Validate() error {
	if err := pixel.ValidateNSide(c.BaseNSide); err != nil {
		return fmt.Errorf("%w: base_nside: %v", ErrInvalidConfig, err)
	}
	if err := pixel.ValidateNSide(c.MaxNSide); err != nil {
		return fmt.Errorf("%w: max_nside: %v", ErrInvalidConfig, err)
	}
	if c.MaxNSide < c.BaseNSide {
		return fmt.Errorf("%w: max_nside %d below base_nside %d", ErrInvalidConfig, c.MaxNSide, c.BaseNSide)
	}
	if math.IsNaN(c.Threshold) || c.Threshold < 0 {
		return fmt.Errorf("%w: threshold must be a non-negative number", ErrInvalidConfig)
	}
	if c.BestPixels < 0 {
		return fmt.Errorf("%w: best_pixels must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Levels returns every resolution from base to max, ascending.
func (c Config) Levels() []uint32 {
	var out []uint32
	for n := c.BaseNSide; n != 0 && n <= c.MaxNSide; n *= 2 {
		out = append(out, n)
	}
	return out
}

// Planner computes outstanding work from a cache view.
//
// Thread Safety: Safe for concurrent use. The only mutable field is the
// shuffle source, which is guarded.
type Planner struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

// New validates cfg and returns a planner. A nil rng gets a random seed.
func New(cfg Config, rng *rand.Rand) (*Planner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Planner{cfg: cfg, rng: rng}, nil
}

// Config returns the planner's configuration.
func (p *Planner) Config() Config {
	return p.cfg
}

// Plan returns the pixels that still need a result.
//
// Description:
//
//	While any base pixel is missing, only the missing base pixels are
//	returned, in random order. After that, every level below MaxNSide is
//	examined: a pixel and a neighbour whose likelihoods differ by
//	2·|a−b| > Threshold are both marked, and each marked pixel contributes
//	its four children at the next level. Pixels without a likelihood never
//	take part in a comparison. The union of children not yet committed is
//	returned sorted by (nside, pixel). An empty result means the scan is
//	finished.
//
// Inputs:
//
//	view - Committed results. Read only.
//
// Outputs:
//
//	[]skymap.PixelKey - Outstanding work; nil when converged.
func (p *Planner) Plan(view skymap.View) []skymap.PixelKey {
	if missing := p.missingBase(view); len(missing) > 0 {
		p.mu.Lock()
		p.rng.Shuffle(len(missing), func(i, j int) {
			missing[i], missing[j] = missing[j], missing[i]
		})
		p.mu.Unlock()
		return missing
	}

	var work []skymap.PixelKey
	for _, nside := range p.cfg.Levels() {
		if nside >= p.cfg.MaxNSide {
			break
		}
		level := view.Get(nside)
		for pix := range p.marked(nside, level) {
			for _, child := range pixel.Upgrade(nside, pix) {
				key := skymap.PixelKey{NSide: nside * 2, Pixel: child}
				if !view.Has(key) {
					work = append(work, key)
				}
			}
		}
	}

	sort.Slice(work, func(i, j int) bool { return work[i].Less(work[j]) })
	return work
}

func (p *Planner) missingBase(view skymap.View) []skymap.PixelKey {
	base := p.cfg.BaseNSide
	level := view.Get(base)
	npix := pixel.NPix(base)
	if uint64(len(level)) >= npix {
		return nil
	}
	missing := make([]skymap.PixelKey, 0, npix-uint64(len(level)))
	for pix := uint64(0); pix < npix; pix++ {
		if _, ok := level[pix]; !ok {
			missing = append(missing, skymap.PixelKey{NSide: base, Pixel: pix})
		}
	}
	return missing
}

// marked returns the pixels of one level that need refinement.
func (p *Planner) marked(nside uint32, level map[uint64]skymap.PixelResult) map[uint64]struct{} {
	out := make(map[uint64]struct{})
	for pix, res := range level {
		a, ok := res.LLH.Value()
		if !ok {
			continue
		}
		for _, nb := range pixel.Neighbours(nside, pix) {
			other, present := level[nb]
			if !present {
				continue
			}
			b, ok := other.LLH.Value()
			if !ok {
				continue
			}
			if 2*math.Abs(a-b) > p.cfg.Threshold {
				out[pix] = struct{}{}
				out[nb] = struct{}{}
			}
		}
	}

	if p.cfg.BestPixels > 0 {
		for _, pix := range bestPixels(level, p.cfg.BestPixels) {
			out[pix] = struct{}{}
		}
	}
	return out
}

// bestPixels returns up to n pixels with the lowest likelihood, ties broken
// by pixel index.
func bestPixels(level map[uint64]skymap.PixelResult, n int) []uint64 {
	type cand struct {
		pix uint64
		llh float64
	}
	cands := make([]cand, 0, len(level))
	for pix, res := range level {
		if v, ok := res.LLH.Value(); ok {
			cands = append(cands, cand{pix: pix, llh: v})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].llh != cands[j].llh {
			return cands[i].llh < cands[j].llh
		}
		return cands[i].pix < cands[j].pix
	})
	if len(cands) > n {
		cands = cands[:n]
	}
	out := make([]uint64, len(cands))
	for i, c := range cands {
		out[i] = c.pix
	}
	return out
}
