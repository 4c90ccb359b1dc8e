// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateEventID(t *testing.T) {
	valid := []string{"evt-1", "Run00130000_Evt42", "IC191001A", "2023.10.01:17", "e"}
	for _, id := range valid {
		assert.NoError(t, ValidateEventID(id), id)
	}

	invalid := []string{"", "a/b", "../etc", "-lead", ".hidden", "has space", "star*", strings.Repeat("x", maxIDLength+1)}
	for _, id := range invalid {
		assert.Error(t, ValidateEventID(id), id)
	}
}

func TestValidateScanID(t *testing.T) {
	for _, id := range []string{"scan-1", "evt_1-0a1b2c3d", "S"} {
		assert.NoError(t, ValidateScanID(id), id)
	}
	for _, id := range []string{"", "a.b", "a>", "a*", "_x", "a b", strings.Repeat("s", maxIDLength+1)} {
		assert.Error(t, ValidateScanID(id), id)
	}
}

func TestSubjectToken(t *testing.T) {
	tests := map[string]string{
		"evt-1":          "evt-1",
		"2023.10.01:17":  "2023_10_01_17",
		"Run130000_Ev42": "Run130000_Ev42",
		"-x":             "e-x",
		"":               "e",
	}
	for in, want := range tests {
		got := SubjectToken(in)
		assert.Equal(t, want, got, in)
		assert.NoError(t, ValidateScanID(got), in)
	}
}
