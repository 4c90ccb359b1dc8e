// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package oracle defines the reconstruction capability workers call.
//
// The scheduler never looks inside a fit: it needs a likelihood, a fitted
// vertex and an opaque payload. Anything that can produce those for a seed
// is a Reconstructor.
package oracle

import (
	"context"
	"errors"

	"github.com/AleutianAI/skyscan/services/scanner/skymap"
)

// ErrNotConverged reports a fit that ran but did not converge.
var ErrNotConverged = errors.New("reconstruction did not converge")

// Request is one seeded reconstruction.
type Request struct {
	EventID  string  `json:"event_id"`
	Geometry string  `json:"geometry"`
	MJD      float64 `json:"mjd"`

	// Direction is the fixed arrival direction of the pixel.
	Direction skymap.Direction `json:"direction"`

	// Seed is the starting vertex for the minimiser.
	Seed skymap.Vertex `json:"seed"`

	ExcludedChannels []string `json:"excluded_channels,omitempty"`
}

// RequestFromTask builds the oracle request for a task.
func RequestFromTask(t skymap.Task) Request {
	return Request{
		EventID:          t.EventID,
		Geometry:         t.Geometry,
		MJD:              t.MJD,
		Direction:        t.Direction,
		Seed:             t.Seed,
		ExcludedChannels: t.ExcludedChannels,
	}
}

// Reconstructor runs one fit.
//
// Implementations must be safe to retry with the same request and safe for
// concurrent use. Any error is treated by the worker as a failed fit.
type Reconstructor interface {
	Reconstruct(ctx context.Context, req Request) (skymap.FitResult, error)
}

// Func adapts a function to Reconstructor.
type Func func(ctx context.Context, req Request) (skymap.FitResult, error)

// Reconstruct calls f.
func (f Func) Reconstruct(ctx context.Context, req Request) (skymap.FitResult, error) {
	return f(ctx, req)
}
