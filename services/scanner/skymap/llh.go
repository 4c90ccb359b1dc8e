// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package skymap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// LLH is an optional negative log-likelihood.
//
// Description:
//
//	A failed reconstruction has no likelihood. LLH makes that state
//	explicit instead of encoding it as NaN, so comparisons against a
//	missing value are a compile-time question (Value's ok result) rather
//	than a property of IEEE NaN ordering.
//
//	The zero value is "no likelihood".
//
// Thread Safety: Immutable value type.
type LLH struct {
	value float64
	ok    bool
}

// SomeLLH returns a set likelihood. NaN and ±Inf collapse to NoLLH.
func SomeLLH(v float64) LLH {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return LLH{}
	}
	return LLH{value: v, ok: true}
}

// NoLLH returns the unset likelihood of a failed fit.
func NoLLH() LLH {
	return LLH{}
}

// Value returns the likelihood and whether it is set.
func (l LLH) Value() (float64, bool) {
	return l.value, l.ok
}

// IsSet reports whether the fit produced a likelihood.
func (l LLH) IsSet() bool {
	return l.ok
}

// Float returns the value, or NaN when unset. Only for display and export.
func (l LLH) Float() float64 {
	if !l.ok {
		return math.NaN()
	}
	return l.value
}

// Less reports whether l is a strictly better fit than other.
//
// Set values order before unset ones; two unset values are equal.
func (l LLH) Less(other LLH) bool {
	switch {
	case l.ok && other.ok:
		return l.value < other.value
	case l.ok:
		return true
	default:
		return false
	}
}

// String renders the value or "none".
func (l LLH) String() string {
	if !l.ok {
		return "none"
	}
	return strconv.FormatFloat(l.value, 'g', -1, 64)
}

// MarshalJSON encodes an unset likelihood as null.
func (l LLH) MarshalJSON() ([]byte, error) {
	if !l.ok {
		return []byte("null"), nil
	}
	return json.Marshal(l.value)
}

// UnmarshalJSON accepts a number or null.
func (l *LLH) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*l = NoLLH()
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decode llh: %w", err)
	}
	*l = SomeLLH(v)
	return nil
}
