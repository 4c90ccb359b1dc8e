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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath string
	outputMode string

	eventPath      string
	scanID         string
	workerCount    int
	workerID       string
	exportDest     string
	gcsCredentials string
	serverAddr     string

	rootCmd = &cobra.Command{
		Use:   "skyscan",
		Short: "Adaptive hierarchical sky scans over a reconstruction oracle",
		Long: `skyscan evaluates a reconstruction likelihood over HEALPix pixels,
refining the most promising regions at finer resolutions. Results are
written once per pixel to a durable store, so an interrupted scan resumes
where it stopped.`,
		SilenceUsage: true,
	}

	scanCmd = &cobra.Command{
		Use:   "scan",
		Short: "Run or resume the scan of one event",
		Args:  cobra.NoArgs,
		RunE:  runScan, // Defined in cmd_scan.go
	}

	workerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Serve tasks of a running scan over JetStream",
		Args:  cobra.NoArgs,
		RunE:  runWorker, // Defined in cmd_worker.go
	}

	statusCmd = &cobra.Command{
		Use:   "status [event-id]",
		Short: "Show stored scan progress; without an event, list events",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus, // Defined in cmd_status.go
	}

	exportCmd = &cobra.Command{
		Use:   "export",
		Short: "Export an event's committed pixels to a file or GCS",
		Args:  cobra.NoArgs,
		RunE:  runExport, // Defined in cmd_export.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to a YAML or JSON configuration file (SKYSCAN_* env vars override it)")
	rootCmd.PersistentFlags().StringVar(&outputMode, "output", "",
		"Output style: rich or plain (default: rich on a terminal)")

	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().StringVarP(&eventPath, "event", "e", "", "Path to the event description (YAML or JSON)")
	scanCmd.Flags().StringVar(&scanID, "scan-id", "", "Scan ID shared with remote workers (default: <event_id>-<random>)")
	scanCmd.Flags().IntVarP(&workerCount, "workers", "w", -1, "Local workers (default: worker.pool_size)")
	scanCmd.Flags().StringVar(&exportDest, "export", "", "Write results here when done: a path or gs://bucket/object")
	scanCmd.Flags().StringVar(&gcsCredentials, "gcs-credentials", "", "Service account key for gs:// exports")
	scanCmd.Flags().StringVar(&serverAddr, "addr", "", "Progress server address (default: server.addr)")
	_ = scanCmd.MarkFlagRequired("event")

	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().StringVar(&scanID, "scan-id", "", "Scan to serve")
	workerCmd.Flags().IntVarP(&workerCount, "workers", "w", -1, "Workers in this process (default: worker.pool_size)")
	workerCmd.Flags().StringVar(&workerID, "id", "", "Worker ID prefix (default: random)")
	_ = workerCmd.MarkFlagRequired("scan-id")

	rootCmd.AddCommand(statusCmd)

	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVarP(&eventPath, "event", "e", "", "Path to the event description (YAML or JSON)")
	exportCmd.Flags().StringVarP(&exportDest, "out", "o", "", "Destination: a path (.zst compresses) or gs://bucket/object")
	exportCmd.Flags().StringVar(&gcsCredentials, "gcs-credentials", "", "Service account key for gs:// exports")
	_ = exportCmd.MarkFlagRequired("event")
	_ = exportCmd.MarkFlagRequired("out")
}
