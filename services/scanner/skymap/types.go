// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package skymap holds the scan's data model: pixel keys, tasks, results and
// the write-once ResultCache that every other scanner package reads.
//
// # Ownership
//
// The ResultCache is the only state shared between the dispatcher and the
// collector. The collector is its single writer; everything else reads.
// Tasks and results are plain values that cross process boundaries as JSON
// (see codec.go).
package skymap

import (
	"fmt"
	"math"
	"time"
)

// NumVariations is the quorum: every pixel is reconstructed from this many
// seed variations before it is committed.
const NumVariations = 7

// PixelKey identifies one sky cell at one resolution.
//
// Pixel is a HEALPix ring-scheme index at NSide.
type PixelKey struct {
	NSide uint32 `json:"nside"`
	Pixel uint64 `json:"pixel"`
}

// String renders "nside/pixel".
func (k PixelKey) String() string {
	return fmt.Sprintf("%d/%d", k.NSide, k.Pixel)
}

// Less orders keys by resolution, then by pixel index.
func (k PixelKey) Less(other PixelKey) bool {
	if k.NSide != other.NSide {
		return k.NSide < other.NSide
	}
	return k.Pixel < other.Pixel
}

// Vector3 is a detector-frame position in metres.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Add returns v+o.
func (v Vector3) Add(o Vector3) Vector3 {
	return Vector3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z}
}

// Norm returns the Euclidean length of v.
func (v Vector3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Vertex is an interaction hypothesis: where, when and how energetic.
type Vertex struct {
	Position Vector3 `json:"position"`
	// Time in nanoseconds, detector clock.
	Time float64 `json:"time"`
	// Energy in GeV.
	Energy float64 `json:"energy"`
}

// Direction is an arrival direction in the detector frame, radians.
type Direction struct {
	Zenith  float64 `json:"zenith"`
	Azimuth float64 `json:"azimuth"`
}

// Variation indexes the fixed seed-offset table (0..NumVariations-1).
type Variation int

// Valid reports whether v is inside the offset table.
func (v Variation) Valid() bool {
	return v >= 0 && int(v) < NumVariations
}

// Task is one reconstruction request: one pixel, one seed variation.
type Task struct {
	ScanID    string    `json:"scan_id"`
	EventID   string    `json:"event_id"`
	Key       PixelKey  `json:"key"`
	Variation Variation `json:"variation"`
	Seed      Vertex    `json:"seed"`
	Direction Direction `json:"direction"`
	// Geometry and MJD are copied from the EventContext so workers need
	// nothing but the task.
	Geometry string  `json:"geometry"`
	MJD      float64 `json:"mjd"`
	// ExcludedChannels are sensor channels the oracle must ignore.
	ExcludedChannels []string  `json:"excluded_channels,omitempty"`
	Issued           time.Time `json:"issued"`
}

// FitResult is what the reconstruction oracle returns for one seed.
type FitResult struct {
	LLH          LLH     `json:"llh"`
	Vertex       Vertex  `json:"vertex"`
	EnergyInside float64 `json:"energy_inside"`
	EnergyTotal  float64 `json:"energy_total"`
	// Payload is opaque to the scheduler and stored verbatim.
	Payload []byte `json:"payload,omitempty"`
}

// TaskResult is a worker's answer for one Task.
type TaskResult struct {
	ScanID    string        `json:"scan_id"`
	Key       PixelKey      `json:"key"`
	Variation Variation     `json:"variation"`
	Fit       FitResult     `json:"fit"`
	WorkerID  string        `json:"worker_id,omitempty"`
	Runtime   time.Duration `json:"runtime"`
}

// PixelResult is the committed, canonical answer for a PixelKey.
//
// Vertex carries the winning fit's vertex so finer resolutions can be
// seeded from it. Fallback is true when no variation produced a likelihood
// and the first-arriving result was kept.
type PixelResult struct {
	Key          PixelKey  `json:"key"`
	LLH          LLH       `json:"llh"`
	EnergyInside float64   `json:"energy_inside"`
	EnergyTotal  float64   `json:"energy_total"`
	Vertex       Vertex    `json:"vertex"`
	Variation    Variation `json:"variation"`
	Fallback     bool      `json:"fallback,omitempty"`
	Payload      []byte    `json:"payload,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

// DetectorSite locates the detector on Earth for sky-frame conversion.
type DetectorSite struct {
	// LatitudeDeg is geodetic latitude, degrees north.
	LatitudeDeg float64 `json:"latitude_deg" yaml:"latitude_deg" validate:"gte=-90,lte=90"`
	// LongitudeDeg is degrees east.
	LongitudeDeg float64 `json:"longitude_deg" yaml:"longitude_deg" validate:"gte=-180,lte=180"`
	// AzimuthOffsetDeg rotates the detector grid relative to local north.
	AzimuthOffsetDeg float64 `json:"azimuth_offset_deg" yaml:"azimuth_offset_deg"`
}

// EventContext is the fixed per-event seed, established once at scan start.
//
// All downstream components treat it as read-only.
type EventContext struct {
	EventID string `json:"event_id" yaml:"event_id" validate:"required"`
	Run     uint64 `json:"run" yaml:"run"`
	Event   uint64 `json:"event" yaml:"event"`
	// MJD is the event time as a Modified Julian Date.
	MJD  float64 `json:"mjd" yaml:"mjd" validate:"gt=0"`
	Seed Vertex  `json:"seed" yaml:"seed"`
	// Geometry references the detector/calibration context the oracle loads.
	Geometry         string       `json:"geometry" yaml:"geometry" validate:"required"`
	Detector         DetectorSite `json:"detector" yaml:"detector"`
	ExcludedChannels []string     `json:"excluded_channels,omitempty" yaml:"excluded_channels"`
}
