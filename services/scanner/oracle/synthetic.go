// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/AleutianAI/skyscan/services/scanner/skymap"
)

// Synthetic is a deterministic stand-in for a real reconstruction.
//
// Description:
//
//	The likelihood is a bowl around a true direction:
//
//	    llh = Floor + Scale·α² + PositionWeight·|seed − true vertex|
//
//	where α is the angle between the requested and the true direction.
//	The position term makes seed variations matter, so variation choice
//	is visible in results. Directions with zenith above FailZenith do not
//	converge. Latency, if set, is spent honouring ctx.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type Synthetic struct {
	Truth          skymap.Direction `json:"truth" yaml:"truth"`
	TrueVertex     skymap.Vertex    `json:"true_vertex" yaml:"true_vertex"`
	Floor          float64          `json:"floor" yaml:"floor"`
	Scale          float64          `json:"scale" yaml:"scale"`
	PositionWeight float64          `json:"position_weight" yaml:"position_weight"`
	// FailZenith, when positive, is the zenith above which fits fail.
	FailZenith float64       `json:"fail_zenith" yaml:"fail_zenith"`
	Latency    time.Duration `json:"latency" yaml:"latency"`
}

// DefaultSynthetic returns a surface steep enough that an nside-8 base
// scan refines around the truth with the default threshold.
func DefaultSynthetic() Synthetic {
	return Synthetic{
		Truth:          skymap.Direction{Zenith: 1.1, Azimuth: 2.3},
		TrueVertex:     skymap.Vertex{Time: 10000, Energy: 5e4},
		Floor:          1000,
		Scale:          2e5,
		PositionWeight: 0.5,
	}
}

type syntheticPayload struct {
	Angle float64 `json:"angle"`
}

// Reconstruct evaluates the surface at the request.
func (s Synthetic) Reconstruct(ctx context.Context, req Request) (skymap.FitResult, error) {
	if s.Latency > 0 {
		t := time.NewTimer(s.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return skymap.FitResult{}, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return skymap.FitResult{}, err
	}
	if s.FailZenith > 0 && req.Direction.Zenith > s.FailZenith {
		return skymap.FitResult{}, fmt.Errorf("%w: zenith %.3f", ErrNotConverged, req.Direction.Zenith)
	}

	alpha := Angle(req.Direction, s.Truth)
	offset := req.Seed.Position.Add(skymap.Vector3{
		X: -s.TrueVertex.Position.X,
		Y: -s.TrueVertex.Position.Y,
		Z: -s.TrueVertex.Position.Z,
	}).Norm()
	llh := s.Floor + s.Scale*alpha*alpha + s.PositionWeight*offset

	payload, err := json.Marshal(syntheticPayload{Angle: alpha})
	if err != nil {
		return skymap.FitResult{}, fmt.Errorf("encode payload: %w", err)
	}

	fitted := s.TrueVertex
	fitted.Position = skymap.Vector3{
		X: (req.Seed.Position.X + s.TrueVertex.Position.X) / 2,
		Y: (req.Seed.Position.Y + s.TrueVertex.Position.Y) / 2,
		Z: (req.Seed.Position.Z + s.TrueVertex.Position.Z) / 2,
	}
	energy := s.TrueVertex.Energy * math.Cos(math.Min(alpha, math.Pi/2))
	return skymap.FitResult{
		LLH:          skymap.SomeLLH(llh),
		Vertex:       fitted,
		EnergyInside: energy,
		EnergyTotal:  s.TrueVertex.Energy,
		Payload:      payload,
	}, nil
}

// Angle returns the great-circle angle between two directions, radians.
func Angle(a, b skymap.Direction) float64 {
	cos := math.Cos(a.Zenith)*math.Cos(b.Zenith) +
		math.Sin(a.Zenith)*math.Sin(b.Zenith)*math.Cos(a.Azimuth-b.Azimuth)
	return math.Acos(math.Max(-1, math.Min(1, cos)))
}
