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

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/AleutianAI/skyscan/services/scanner/skymap"
)

// mjdToJD converts a Modified Julian Date to a Julian Date.
const mjdToJD = 2400000.5

// j2000 is the Julian Date of the J2000.0 epoch.
const j2000 = 2451545.0

// Frame rotates equatorial sky directions into the detector frame at one
// instant.
//
// Description:
//
//	The local frame has z pointing to the zenith and x pointing to local
//	north rotated by the site's azimuth offset. The rotation is
//
//	    R = Rz(π − offset) · Ry(lat − π/2) · Rz(−LST)
//
//	where LST is the Earth rotation angle at the event time plus the site
//	longitude. The only time dependence of a pixel's direction is through
//	LST.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type Frame struct {
	rot *mat.Dense
	lst float64
}

// NewFrame builds the detector frame for a site at an event time.
//
// Inputs:
//
//	site - Detector location and grid orientation.
//	mjd - Event time as a Modified Julian Date.
//
// Outputs:
//
//	*Frame - The rotation, ready for Direction and Sky.
func NewFrame(site skymap.DetectorSite, mjd float64) *Frame {
	lat := site.LatitudeDeg * math.Pi / 180
	lon := site.LongitudeDeg * math.Pi / 180
	offset := site.AzimuthOffsetDeg * math.Pi / 180
	lst := normAngle(earthRotationAngle(mjd+mjdToJD) + lon)

	var tmp, rot mat.Dense
	tmp.Mul(rotY(lat-math.Pi/2), rotZ(-lst))
	rot.Mul(rotZ(math.Pi-offset), &tmp)

	return &Frame{rot: &rot, lst: lst}
}

// LST returns the local sidereal angle used by the frame, radians.
func (f *Frame) LST() float64 {
	return f.lst
}

// Direction converts equatorial (ra, dec) in radians to the detector frame.
func (f *Frame) Direction(ra, dec float64) skymap.Direction {
	eq := mat.NewVecDense(3, []float64{
		math.Cos(dec) * math.Cos(ra),
		math.Cos(dec) * math.Sin(ra),
		math.Sin(dec),
	})
	var local mat.VecDense
	local.MulVec(f.rot, eq)

	return skymap.Direction{
		Zenith:  math.Acos(clamp(local.AtVec(2))),
		Azimuth: normAngle(math.Atan2(local.AtVec(1), local.AtVec(0))),
	}
}

// Sky converts a detector-frame direction back to equatorial (ra, dec).
func (f *Frame) Sky(dir skymap.Direction) (ra, dec float64) {
	local := mat.NewVecDense(3, []float64{
		math.Sin(dir.Zenith) * math.Cos(dir.Azimuth),
		math.Sin(dir.Zenith) * math.Sin(dir.Azimuth),
		math.Cos(dir.Zenith),
	})
	var eq mat.VecDense
	eq.MulVec(f.rot.T(), local)

	return normAngle(math.Atan2(eq.AtVec(1), eq.AtVec(0))), math.Asin(clamp(eq.AtVec(2)))
}

// RADec returns the equatorial coordinates of a ring pixel centre.
func RADec(nside uint32, pix uint64) (ra, dec float64) {
	theta, phi := Ang(nside, pix)
	return phi, math.Pi/2 - theta
}

// DirectionOf returns the detector-frame direction of a ring pixel centre.
func DirectionOf(nside uint32, pix uint64, frame *Frame) skymap.Direction {
	ra, dec := RADec(nside, pix)
	return frame.Direction(ra, dec)
}

// earthRotationAngle returns the Earth rotation angle (IAU 2000) for a
// Julian Date, radians.
func earthRotationAngle(jd float64) float64 {
	tu := jd - j2000
	turns := 0.7790572732640 + 1.00273781191135448*tu
	return 2 * math.Pi * (turns - math.Floor(turns))
}

func rotZ(a float64) *mat.Dense {
	c, s := math.Cos(a), math.Sin(a)
	return mat.NewDense(3, 3, []float64{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	})
}

func rotY(a float64) *mat.Dense {
	c, s := math.Cos(a), math.Sin(a)
	return mat.NewDense(3, 3, []float64{
		c, 0, s,
		0, 1, 0,
		-s, 0, c,
	})
}

func normAngle(a float64) float64 {
	a = math.Mod(a, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a
}

func clamp(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}
