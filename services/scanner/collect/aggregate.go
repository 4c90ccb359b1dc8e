// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collect

import (
	"time"

	"github.com/AleutianAI/skyscan/services/scanner/skymap"
)

// slot is one variation's answer and the order it arrived in.
type slot struct {
	result  skymap.TaskResult
	arrival uint64
	filled  bool
}

// aggregate collects the variations of one pixel until quorum.
type aggregate struct {
	slots [skymap.NumVariations]slot
	count int
}

// offer records r. A repeated variation replaces the held result only if
// its likelihood is strictly better; it is never counted twice.
func (a *aggregate) offer(r skymap.TaskResult, arrival uint64) (replaced bool) {
	s := &a.slots[r.Variation]
	if !s.filled {
		*s = slot{result: r, arrival: arrival, filled: true}
		a.count++
		return false
	}
	if r.Fit.LLH.Less(s.result.Fit.LLH) {
		*s = slot{result: r, arrival: arrival, filled: true}
		return true
	}
	return false
}

func (a *aggregate) complete() bool {
	return a.count == skymap.NumVariations
}

// best picks the winning variation: the smallest set likelihood, earliest
// arrival on ties. With no likelihood set at all the earliest arrival wins
// and fallback is true.
func (a *aggregate) best() (win skymap.TaskResult, fallback bool) {
	var (
		chosen *slot
		first  *slot
	)
	for i := range a.slots {
		s := &a.slots[i]
		if !s.filled {
			continue
		}
		if first == nil || s.arrival < first.arrival {
			first = s
		}
		if !s.result.Fit.LLH.IsSet() {
			continue
		}
		if chosen == nil {
			chosen = s
			continue
		}
		v, _ := s.result.Fit.LLH.Value()
		cur, _ := chosen.result.Fit.LLH.Value()
		if v < cur || (v == cur && s.arrival < chosen.arrival) {
			chosen = s
		}
	}
	if chosen == nil {
		return first.result, true
	}
	return chosen.result, false
}

// pixelResult converts the winning task result into the committed record.
func pixelResult(win skymap.TaskResult, fallback bool, now time.Time) skymap.PixelResult {
	return skymap.PixelResult{
		Key:          win.Key,
		LLH:          win.Fit.LLH,
		EnergyInside: win.Fit.EnergyInside,
		EnergyTotal:  win.Fit.EnergyTotal,
		Vertex:       win.Fit.Vertex,
		Variation:    win.Variation,
		Fallback:     fallback,
		Payload:      win.Fit.Payload,
		CompletedAt:  now,
	}
}
