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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/skyscan/services/scanner/config"
	"github.com/AleutianAI/skyscan/services/scanner/export"
	"github.com/AleutianAI/skyscan/services/scanner/skymap"
)

func runExport(cmd *cobra.Command, _ []string) error {
	cfg, logs, err := setup("export")
	if err != nil {
		return err
	}
	defer logs.Close()
	logger := logs.Slog()

	event, err := config.LoadEvent(eventPath)
	if err != nil {
		return err
	}
	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	cache := skymap.NewResultCache(event.EventID, st.pixels)
	n, err := cache.Load(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no stored pixels for event %s", event.EventID)
	}

	if err := writeExport(ctx, exportDest, export.Build(event, cache), logger); err != nil {
		return err
	}
	printer(cmd).Success(fmt.Sprintf("exported %d pixels to %s", n, exportDest))
	return nil
}
