// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"github.com/AleutianAI/skyscan/services/scanner/pixel"
	"github.com/AleutianAI/skyscan/services/scanner/skymap"
)

// DefaultVariationDistance is the seed position offset in metres.
const DefaultVariationDistance = 20.0

// VariationTable holds the seed position offsets, one per variation:
// the unshifted seed, then ±d along x, y and z.
type VariationTable [skymap.NumVariations]skymap.Vector3

// NewVariationTable builds the table for offset distance d.
func NewVariationTable(d float64) VariationTable {
	return VariationTable{
		{},
		{X: d},
		{X: -d},
		{Y: d},
		{Y: -d},
		{Z: d},
		{Z: -d},
	}
}

// Apply returns seed shifted by the offset of variation v.
func (t VariationTable) Apply(seed skymap.Vertex, v skymap.Variation) skymap.Vertex {
	out := seed
	out.Position = seed.Position.Add(t[v])
	return out
}

// SeedFor derives the starting vertex for a pixel.
//
// Description:
//
//	Base-level pixels use the event seed. Finer pixels walk up the parent
//	chain to the nearest committed ancestor. If that ancestor has a
//	likelihood, its fitted vertex is the seed; if its fit failed, the
//	event seed is used instead so a failed geometry never propagates.
//	With no committed ancestor at all the event seed is used.
//
// Inputs:
//
//	view - Committed results.
//	event - Event context supplying the fallback seed.
//	baseNSide - Coarsest resolution of the scan.
//	key - Pixel to seed.
//
// Outputs:
//
//	skymap.Vertex - The seed before variation offsets.
func SeedFor(view skymap.View, event skymap.EventContext, baseNSide uint32, key skymap.PixelKey) skymap.Vertex {
	nside, pix := key.NSide, key.Pixel
	for nside > baseNSide && nside > 1 {
		pix = pixel.Downgrade(nside, pix)
		nside /= 2
		res, ok := view.Lookup(skymap.PixelKey{NSide: nside, Pixel: pix})
		if !ok {
			continue
		}
		if res.LLH.IsSet() {
			return res.Vertex
		}
		return event.Seed
	}
	return event.Seed
}
