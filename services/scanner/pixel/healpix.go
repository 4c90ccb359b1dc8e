// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pixel implements the hierarchical sky pixelization the scanner
// works on.
//
// The sphere is divided with HEALPix: 12 base faces, each split into
// nside×nside equal-area cells. Two index orderings exist:
//
//   - ring: pixels numbered along iso-latitude rings (used for storage,
//     direction lookup and everything outside this package)
//   - nested: pixels numbered along a quad-tree per face (used for the
//     parent/child arithmetic: children of nested p at 2·nside are 4p..4p+3)
//
// All functions are pure. Callers validate nside once with ValidateNSide;
// the arithmetic functions assume valid inputs.
package pixel

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
)

// MaxNSide is the largest resolution whose indices fit the arithmetic.
const MaxNSide = 1 << 29

// ErrInvalidNSide is returned for resolutions that are not a power of two
// in [1, MaxNSide].
var ErrInvalidNSide = errors.New("nside must be a power of two")

// Face layout tables: ring number and longitude offset of each base face.
var (
	jrll = [12]int64{2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4}
	jpll = [12]int64{1, 3, 5, 7, 0, 2, 4, 6, 1, 3, 5, 7}
)

// ValidateNSide checks that nside is usable.
func ValidateNSide(nside uint32) error {
	if nside == 0 || nside&(nside-1) != 0 || nside > MaxNSide {
		return fmt.Errorf("%w: got %d", ErrInvalidNSide, nside)
	}
	return nil
}

// NPix returns the number of pixels at nside: 12·nside².
func NPix(nside uint32) uint64 {
	n := uint64(nside)
	return 12 * n * n
}

func order(nside uint32) int {
	return bits.TrailingZeros32(nside)
}

// Ring2Nest converts a ring index to a nested index at the same nside.
func Ring2Nest(nside uint32, pix uint64) uint64 {
	ix, iy, face := ring2xyf(int64(nside), int64(pix))
	return xyf2nest(nside, ix, iy, face)
}

// Nest2Ring converts a nested index to a ring index at the same nside.
func Nest2Ring(nside uint32, pix uint64) uint64 {
	ix, iy, face := nest2xyf(nside, pix)
	return uint64(xyf2ring(int64(nside), ix, iy, face))
}

// Upgrade returns the four children of a ring pixel at 2·nside, as ring
// indices in nested sub-order.
func Upgrade(nside uint32, pix uint64) [4]uint64 {
	base := Ring2Nest(nside, pix) << 2
	var out [4]uint64
	for i := uint64(0); i < 4; i++ {
		out[i] = Nest2Ring(nside*2, base+i)
	}
	return out
}

// Downgrade returns the parent ring pixel at nside/2. nside must be ≥ 2.
func Downgrade(nside uint32, pix uint64) uint64 {
	return Nest2Ring(nside/2, Ring2Nest(nside, pix)>>2)
}

// Ang returns the centre of a ring pixel as colatitude theta ∈ [0, π] and
// longitude phi ∈ [0, 2π), radians.
func Ang(nside uint32, pix uint64) (theta, phi float64) {
	n := int64(nside)
	p := int64(pix)
	npix := 12 * n * n
	ncap := 2 * n * (n - 1)
	fact2 := 4.0 / float64(npix)
	var z float64

	switch {
	case p < ncap:
		iring := (1 + isqrt(1+2*p)) >> 1
		iphi := (p + 1) - 2*iring*(iring-1)
		z = 1 - float64(iring*iring)*fact2
		phi = (float64(iphi) - 0.5) * (math.Pi / 2) / float64(iring)
	case p < npix-ncap:
		nl4 := 4 * n
		ip := p - ncap
		tmp := ip / nl4
		iring := tmp + n
		iphi := ip - nl4*tmp + 1
		fodd := 0.5
		if (iring+n)&1 == 1 {
			fodd = 1
		}
		z = float64(2*n-iring) * 2 * float64(n) * fact2
		phi = (float64(iphi) - fodd) * math.Pi / float64(2*n)
	default:
		ip := npix - p
		iring := (1 + isqrt(2*ip-1)) >> 1
		iphi := 4*iring + 1 - (ip - 2*iring*(iring-1))
		z = float64(iring*iring)*fact2 - 1
		phi = (float64(iphi) - 0.5) * (math.Pi / 2) / float64(iring)
	}
	return math.Acos(math.Max(-1, math.Min(1, z))), phi
}

// ring2xyf decomposes a ring index into face-local coordinates.
func ring2xyf(n, pix int64) (ix, iy, face int64) {
	nl2 := 2 * n
	npix := 12 * n * n
	ncap := 2 * n * (n - 1)
	var iring, iphi, kshift, nr int64

	switch {
	case pix < ncap:
		iring = (1 + isqrt(1+2*pix)) >> 1
		iphi = (pix + 1) - 2*iring*(iring-1)
		nr = iring
		face = (iphi - 1) / nr
	case pix < npix-ncap:
		ip := pix - ncap
		tmp := ip / (4 * n)
		iring = tmp + n
		iphi = ip - tmp*4*n + 1
		kshift = (iring + n) & 1
		nr = n
		ire := tmp + 1
		irm := nl2 + 1 - tmp
		ifm := (iphi - (ire >> 1) + n - 1) / n
		ifp := (iphi - (irm >> 1) + n - 1) / n
		switch {
		case ifp == ifm:
			face = ifp | 4
		case ifp < ifm:
			face = ifp
		default:
			face = ifm + 8
		}
	default:
		ip := npix - pix
		iring = (1 + isqrt(2*ip-1)) >> 1
		iphi = 4*iring + 1 - (ip - 2*iring*(iring-1))
		nr = iring
		iring = 2*nl2 - iring
		face = (iphi-1)/nr + 8
	}

	irt := iring - jrll[face]*n + 1
	ipt := 2*iphi - jpll[face]*nr - kshift - 1
	if ipt >= nl2 {
		ipt -= 8 * n
	}
	return (ipt - irt) >> 1, (-ipt - irt) >> 1, face
}

// xyf2ring composes a ring index from face-local coordinates.
func xyf2ring(n, ix, iy, face int64) int64 {
	nl4 := 4 * n
	npix := 12 * n * n
	ncap := 2 * n * (n - 1)
	jr := jrll[face]*n - ix - iy - 1

	var nr, nBefore, kshift int64
	switch {
	case jr < n:
		nr = jr
		nBefore = 2 * nr * (nr - 1)
	case jr > 3*n:
		nr = nl4 - jr
		nBefore = npix - 2*(nr+1)*nr
	default:
		nr = n
		nBefore = ncap + (jr-n)*nl4
		kshift = (jr - n) & 1
	}

	jp := (jpll[face]*nr + ix - iy + 1 + kshift) / 2
	if jp > nl4 {
		jp -= nl4
	} else if jp < 1 {
		jp += nl4
	}
	return nBefore + jp - 1
}

func nest2xyf(nside uint32, pix uint64) (ix, iy, face int64) {
	shift := uint(2 * order(nside))
	face = int64(pix >> shift)
	local := pix & ((uint64(1) << shift) - 1)
	return int64(compactBits(local)), int64(compactBits(local >> 1)), face
}

func xyf2nest(nside uint32, ix, iy, face int64) uint64 {
	shift := uint(2 * order(nside))
	return uint64(face)<<shift + spreadBits(uint64(ix)) + spreadBits(uint64(iy))<<1
}

// spreadBits moves bit i of v to bit 2i.
func spreadBits(v uint64) uint64 {
	var out uint64
	for i := uint(0); v != 0; i++ {
		out |= (v & 1) << (2 * i)
		v >>= 1
	}
	return out
}

// compactBits is the inverse of spreadBits on the even bits of v.
func compactBits(v uint64) uint64 {
	var out uint64
	for i := uint(0); v != 0; i++ {
		out |= (v & 1) << i
		v >>= 2
	}
	return out
}

func isqrt(v int64) int64 {
	r := int64(math.Sqrt(float64(v) + 0.5))
	for r*r > v {
		r--
	}
	for (r+1)*(r+1) <= v {
		r++
	}
	return r
}
