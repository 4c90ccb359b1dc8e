// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package export writes a scan's committed pixels out as one document.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/AleutianAI/skyscan/services/scanner/pixel"
	"github.com/AleutianAI/skyscan/services/scanner/skymap"
)

// PixelRecord is one committed pixel in an export.
type PixelRecord struct {
	Pixel        uint64           `json:"pixel"`
	LLH          skymap.LLH       `json:"llh"`
	EnergyInside float64          `json:"energy_inside"`
	EnergyTotal  float64          `json:"energy_total"`
	Vertex       skymap.Vertex    `json:"vertex"`
	Variation    skymap.Variation `json:"variation"`
	Fallback     bool             `json:"fallback,omitempty"`
	CompletedAt  time.Time        `json:"completed_at"`
}

// Best locates the best-fit pixel on the sky and in the detector.
type Best struct {
	Key       skymap.PixelKey  `json:"key"`
	LLH       skymap.LLH       `json:"llh"`
	RADeg     float64          `json:"ra_deg"`
	DecDeg    float64          `json:"dec_deg"`
	Direction skymap.Direction `json:"direction"`
	Vertex    skymap.Vertex    `json:"vertex"`
}

// ScanResult is the exported document.
type ScanResult struct {
	EventID     string    `json:"event_id"`
	Run         uint64    `json:"run"`
	Event       uint64    `json:"event"`
	MJD         float64   `json:"mjd"`
	GeneratedAt time.Time `json:"generated_at"`

	// NSides maps each resolution to its pixels in ascending order.
	NSides map[uint32][]PixelRecord `json:"nsides"`
	Best   *Best                    `json:"best,omitempty"`
}

// Sink stores a ScanResult somewhere.
type Sink interface {
	Write(ctx context.Context, result ScanResult) error
}

// Build assembles the export from the committed pixels.
//
// Best is the minimum likelihood at the finest resolution that has one.
func Build(event skymap.EventContext, view skymap.View) ScanResult {
	out := ScanResult{
		EventID:     event.EventID,
		Run:         event.Run,
		Event:       event.Event,
		MJD:         event.MJD,
		GeneratedAt: time.Now().UTC(),
		NSides:      make(map[uint32][]PixelRecord),
	}

	var best *skymap.PixelResult
	for _, nside := range view.NSides() {
		level := view.Get(nside)
		records := make([]PixelRecord, 0, len(level))
		var levelBest *skymap.PixelResult
		for pix, r := range level {
			records = append(records, PixelRecord{
				Pixel:        pix,
				LLH:          r.LLH,
				EnergyInside: r.EnergyInside,
				EnergyTotal:  r.EnergyTotal,
				Vertex:       r.Vertex,
				Variation:    r.Variation,
				Fallback:     r.Fallback,
				CompletedAt:  r.CompletedAt,
			})
			if !r.LLH.IsSet() {
				continue
			}
			if levelBest == nil || r.LLH.Less(levelBest.LLH) ||
				(!levelBest.LLH.Less(r.LLH) && pix < levelBest.Key.Pixel) {
				levelBest = &r
			}
		}
		sort.Slice(records, func(i, j int) bool { return records[i].Pixel < records[j].Pixel })
		out.NSides[nside] = records
		if levelBest != nil {
			best = levelBest
		}
	}

	if best != nil {
		ra, dec := pixel.RADec(best.Key.NSide, best.Key.Pixel)
		frame := pixel.NewFrame(event.Detector, event.MJD)
		out.Best = &Best{
			Key:       best.Key,
			LLH:       best.LLH,
			RADeg:     ra * 180 / math.Pi,
			DecDeg:    dec * 180 / math.Pi,
			Direction: frame.Direction(ra, dec),
			Vertex:    best.Vertex,
		}
	}
	return out
}

// Encode writes r as indented JSON, zstd-compressed when compress is set.
func Encode(w io.Writer, r ScanResult, compress bool) error {
	if !compress {
		return encodeJSON(w, r)
	}
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if err := encodeJSON(zw, r); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

// Decode reads a document written by Encode.
func Decode(rd io.Reader, compressed bool) (ScanResult, error) {
	var out ScanResult
	if compressed {
		zr, err := zstd.NewReader(rd)
		if err != nil {
			return out, fmt.Errorf("create zstd reader: %w", err)
		}
		defer zr.Close()
		rd = zr
	}
	if err := json.NewDecoder(rd).Decode(&out); err != nil {
		return out, fmt.Errorf("decode scan result: %w", err)
	}
	return out, nil
}

// Compressed reports whether a destination name asks for zstd.
func Compressed(name string) bool {
	return strings.HasSuffix(name, ".zst")
}

func encodeJSON(w io.Writer, r ScanResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode scan result: %w", err)
	}
	return nil
}
