// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
		ok   bool
	}{
		{"rich", ModeRich, true},
		{"PLAIN", ModePlain, true},
		{"machine", ModePlain, true},
		{"", ModeRich, false},
		{"fancy", ModeRich, false},
	}
	for _, tt := range tests {
		got, ok := ParseMode(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
	}
}

func TestDetectMode(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	defer f.Close()

	t.Setenv("SKYSCAN_OUTPUT", "")
	assert.Equal(t, ModePlain, DetectMode(f), "a regular file is not a terminal")
	assert.Equal(t, ModePlain, DetectMode(nil))

	t.Setenv("SKYSCAN_OUTPUT", "rich")
	assert.Equal(t, ModeRich, DetectMode(f))
}

func TestPrinter_Plain(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModePlain)

	p.Title("ignored")
	p.Success("done")
	p.Warning("slow")
	p.Error("bad")
	p.Field("event", "evt-1")
	p.Table([]string{"nside", "committed"}, [][]string{{"8", "768"}, {"16", "12"}})

	assert.Equal(t,
		"OK: done\nWARN: slow\nERROR: bad\nevent\tevt-1\nnside\tcommitted\n8\t768\n16\t12\n",
		buf.String())
}

func TestPrinter_RichTable(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeRich)
	p.Table([]string{"nside", "committed"}, [][]string{{"8", "768"}})

	out := buf.String()
	assert.Contains(t, out, "nside")
	assert.Contains(t, out, "768")
	assert.Contains(t, out, "╭")
}

func TestProgressBar(t *testing.T) {
	assert.Equal(t, "3/4", ProgressBar(ModePlain, 3, 4, 10))
	assert.Equal(t, "0/0", ProgressBar(ModeRich, 0, 0, 10))
	assert.Contains(t, ProgressBar(ModeRich, 3, 4, 8), "75%")
	assert.Contains(t, ProgressBar(ModeRich, 9, 4, 8), "100%")
}
