// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/skyscan/pkg/ux"
	"github.com/AleutianAI/skyscan/services/scanner/pixel"
	"github.com/AleutianAI/skyscan/services/scanner/skymap"
)

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, logs, err := setup("status")
	if err != nil {
		return err
	}
	defer logs.Close()

	st, err := openStore(cfg, logs.Slog())
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	out := printer(cmd)

	if len(args) == 0 {
		events, err := st.pixels.Events(ctx)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(events))
		for _, ev := range events {
			n, err := st.pixels.Count(ctx, ev)
			if err != nil {
				return err
			}
			rows = append(rows, []string{ev, strconv.Itoa(n)})
		}
		out.Title("stored events")
		out.Table([]string{"event", "pixels"}, rows)
		return nil
	}

	cache := skymap.NewResultCache(args[0], st.pixels)
	n, err := cache.Load(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		out.Warning("no stored pixels for " + args[0])
		return nil
	}
	out.Title("event " + args[0])
	out.Table([]string{"nside", "committed", "coverage", "failed", "best pixel", "best llh"}, statusRows(cache, out.Mode()))
	return nil
}

// statusRows summarises each stored resolution.
func statusRows(view skymap.View, mode ux.Mode) [][]string {
	var rows [][]string
	for _, nside := range view.NSides() {
		level := view.Get(nside)
		failed := 0
		var best *skymap.PixelResult
		for _, r := range level {
			if !r.LLH.IsSet() {
				failed++
				continue
			}
			if best == nil || r.LLH.Less(best.LLH) ||
				(!best.LLH.Less(r.LLH) && r.Key.Pixel < best.Key.Pixel) {
				best = &r
			}
		}
		bestPix, bestLLH := "-", "-"
		if best != nil {
			bestPix = strconv.FormatUint(best.Key.Pixel, 10)
			bestLLH = fmt.Sprintf("%.3f", best.LLH.Float())
		}
		rows = append(rows, []string{
			strconv.FormatUint(uint64(nside), 10),
			strconv.Itoa(len(level)),
			ux.ProgressBar(mode, len(level), int(pixel.NPix(nside)), 20),
			strconv.Itoa(failed),
			bestPix,
			bestLLH,
		})
	}
	return rows
}
