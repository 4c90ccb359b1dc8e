// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pixel

// Offsets of the eight compass neighbours in face-local (x, y):
// SW, W, NW, N, NE, E, SE, S.
var (
	xOffset = [8]int64{-1, -1, 0, 1, 1, 1, 0, -1}
	yOffset = [8]int64{0, 1, 1, 1, 0, -1, -1, -1}
)

// faceArray[d][f] is the face reached from face f when stepping off it in
// direction d (0..8, 4 = stay); -1 where no face exists (a 3-face corner).
var faceArray = [9][12]int64{
	{8, 9, 10, 11, -1, -1, -1, -1, 10, 11, 8, 9}, // S
	{5, 6, 7, 4, 8, 9, 10, 11, 9, 10, 11, 8},     // SE
	{-1, -1, -1, -1, 5, 6, 7, 4, -1, -1, -1, -1}, // E
	{4, 5, 6, 7, 11, 8, 9, 10, 11, 8, 9, 10},     // SW
	{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11},       // centre
	{1, 2, 3, 0, 0, 1, 2, 3, 5, 6, 7, 4},         // NE
	{-1, -1, -1, -1, 7, 4, 5, 6, -1, -1, -1, -1}, // W
	{3, 0, 1, 2, 3, 0, 1, 2, 4, 5, 6, 7},         // NW
	{2, 3, 0, 1, -1, -1, -1, -1, 0, 1, 2, 3},     // N
}

// swapArray[d][f>>2] says how coordinates transform when crossing into the
// neighbouring face: bit 0 flips x, bit 1 flips y, bit 2 swaps x and y.
var swapArray = [9][3]int64{
	{0, 0, 3}, // S
	{0, 0, 6}, // SE
	{0, 0, 0}, // E
	{0, 0, 5}, // SW
	{0, 0, 0}, // centre
	{5, 0, 0}, // NE
	{0, 0, 0}, // W
	{6, 0, 0}, // NW
	{3, 0, 0}, // N
}

// Neighbours returns the ring indices of the pixels adjacent to pix
// (sharing an edge or a corner).
//
// Most pixels have 8 neighbours; pixels touching a corner where only three
// base faces meet have 7. The result never contains pix itself or
// duplicates.
func Neighbours(nside uint32, pix uint64) []uint64 {
	n := int64(nside)
	ix, iy, face := ring2xyf(n, int64(pix))

	out := make([]uint64, 0, 8)
	seen := make(map[uint64]struct{}, 8)
	add := func(p int64) {
		up := uint64(p)
		if up == pix {
			return
		}
		if _, ok := seen[up]; ok {
			return
		}
		seen[up] = struct{}{}
		out = append(out, up)
	}

	for i := 0; i < 8; i++ {
		x := ix + xOffset[i]
		y := iy + yOffset[i]
		if x >= 0 && x < n && y >= 0 && y < n {
			add(xyf2ring(n, x, y, face))
			continue
		}

		dir := int64(4)
		if x < 0 {
			x += n
			dir--
		} else if x >= n {
			x -= n
			dir++
		}
		if y < 0 {
			y += n
			dir -= 3
		} else if y >= n {
			y -= n
			dir += 3
		}

		f := faceArray[dir][face]
		if f < 0 {
			continue
		}
		swap := swapArray[dir][face>>2]
		if swap&1 != 0 {
			x = n - x - 1
		}
		if swap&2 != 0 {
			y = n - y - 1
		}
		if swap&4 != 0 {
			x, y = y, x
		}
		add(xyf2ring(n, x, y, f))
	}
	return out
}
