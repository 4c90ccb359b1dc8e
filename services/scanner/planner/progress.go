// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package planner

import (
	"github.com/AleutianAI/skyscan/services/scanner/pixel"
	"github.com/AleutianAI/skyscan/services/scanner/skymap"
)

// LevelStatus summarises one resolution of a scan.
type LevelStatus struct {
	NSide uint32 `json:"nside"`
	// Committed pixels at this level.
	Committed int `json:"committed"`
	// Failed is the number of committed pixels without a likelihood.
	Failed int `json:"failed"`
	// Pending is the number of pixels the planner still wants here.
	Pending int `json:"pending"`
	// Total is 12·nside², the size of the full level.
	Total uint64 `json:"total"`
	// Best is the lowest-likelihood pixel so far, if any.
	Best *skymap.PixelResult `json:"best,omitempty"`
}

// Progress reports per-level counts for every configured resolution.
func (p *Planner) Progress(view skymap.View) []LevelStatus {
	pending := make(map[uint32]int)
	for _, k := range p.Plan(view) {
		pending[k.NSide]++
	}

	levels := p.cfg.Levels()
	out := make([]LevelStatus, 0, len(levels))
	for _, nside := range levels {
		st := LevelStatus{NSide: nside, Total: pixel.NPix(nside), Pending: pending[nside]}
		for _, res := range view.Get(nside) {
			st.Committed++
			if !res.LLH.IsSet() {
				st.Failed++
				continue
			}
			if st.Best == nil || res.LLH.Less(st.Best.LLH) ||
				(!st.Best.LLH.Less(res.LLH) && res.Key.Pixel < st.Best.Key.Pixel) {
				best := res
				st.Best = &best
			}
		}
		out = append(out, st)
	}
	return out
}
