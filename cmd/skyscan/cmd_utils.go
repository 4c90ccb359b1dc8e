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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/skyscan/pkg/logging"
	"github.com/AleutianAI/skyscan/pkg/ux"
	"github.com/AleutianAI/skyscan/services/scanner/config"
	"github.com/AleutianAI/skyscan/services/scanner/export"
	"github.com/AleutianAI/skyscan/services/scanner/storage/badger"
	"github.com/AleutianAI/skyscan/services/scanner/transport"
)

// printer returns the output printer for cmd, honouring --output.
func printer(cmd *cobra.Command) *ux.Printer {
	mode := ux.DetectMode(os.Stdout)
	if m, ok := ux.ParseMode(outputMode); ok {
		mode = m
	}
	return ux.NewPrinter(cmd.OutOrStdout(), mode)
}

// setup loads configuration and opens the service logger.
func setup(service string) (config.Config, *logging.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logging.New(cfg.Logging(service)), nil
}

// store is an opened pixel database.
type store struct {
	db     *badger.DB
	pixels *badger.PixelStore
}

func openStore(cfg config.Config, logger *slog.Logger) (*store, error) {
	bcfg := cfg.Badger()
	bcfg.Logger = logger
	db, err := badger.OpenDB(bcfg)
	if err != nil {
		return nil, fmt.Errorf("open result store: %w", err)
	}
	pixels, err := badger.NewPixelStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &store{db: db, pixels: pixels}, nil
}

func (s *store) Close() error {
	return errors.Join(s.pixels.Close(), s.db.Close())
}

// newBroker connects the configured transport.
func newBroker(ctx context.Context, cfg config.Config, logger *slog.Logger) (transport.Broker, error) {
	switch cfg.Transport.Kind {
	case config.TransportJetStream:
		return transport.NewJetStream(ctx, cfg.JetStream(), logger)
	default:
		return transport.NewMemory(cfg.TransportOptions(), logger), nil
	}
}

// newSink returns the export sink for dest and a release func.
func newSink(ctx context.Context, dest string, logger *slog.Logger) (export.Sink, func() error, error) {
	if !strings.HasPrefix(dest, "gs://") {
		return export.FileSink{Path: dest}, func() error { return nil }, nil
	}
	bucket, object, err := parseGCSURL(dest)
	if err != nil {
		return nil, nil, err
	}
	sink, err := export.NewGCSSink(ctx, bucket, object, gcsCredentials, logger)
	if err != nil {
		return nil, nil, err
	}
	return sink, sink.Close, nil
}

// parseGCSURL splits gs://bucket/object.
func parseGCSURL(u string) (bucket, object string, err error) {
	bucket, object, ok := strings.Cut(strings.TrimPrefix(u, "gs://"), "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("invalid GCS destination %q: want gs://bucket/object", u)
	}
	return bucket, object, nil
}
