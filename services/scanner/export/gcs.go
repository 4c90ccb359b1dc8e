// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSSink uploads the export to a Google Cloud Storage object.
type GCSSink struct {
	client *storage.Client
	bucket string
	object string
	logger *slog.Logger
}

// NewGCSSink creates a sink for gs://bucket/object.
//
// Inputs:
//
//	ctx - Context for client creation.
//	bucket, object - Destination. A ".zst" object name compresses.
//	credentialsFile - Service account key. Empty uses application
//	    default credentials.
//	opts - Extra client options.
func NewGCSSink(ctx context.Context, bucket, object, credentialsFile string, logger *slog.Logger, opts ...option.ClientOption) (*GCSSink, error) {
	if bucket == "" || object == "" {
		return nil, errors.New("gcs bucket and object are required")
	}
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not readable at %s: %w", credentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS storage client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GCSSink{client: client, bucket: bucket, object: object, logger: logger}, nil
}

// Write implements Sink.
func (s *GCSSink) Write(ctx context.Context, r ScanResult) error {
	w := s.client.Bucket(s.bucket).Object(s.object).NewWriter(ctx)
	w.ContentType = "application/json"
	if Compressed(s.object) {
		w.ContentType = "application/zstd"
	}
	w.CacheControl = "no-cache, no-store, must-revalidate"

	if err := Encode(w, r, Compressed(s.object)); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload gs://%s/%s: %w", s.bucket, s.object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish upload gs://%s/%s: %w", s.bucket, s.object, err)
	}
	s.logger.Info("export uploaded",
		slog.String("bucket", s.bucket),
		slog.String("object", s.object),
		slog.String("event_id", r.EventID))
	return nil
}

// Close releases the storage client.
func (s *GCSSink) Close() error {
	return s.client.Close()
}
