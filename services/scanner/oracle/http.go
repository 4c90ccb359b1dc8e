// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/skyscan/services/scanner/skymap"
)

var tracer = otel.Tracer("skyscan.oracle.http")

// maxResponseBytes bounds a reconstruction service reply.
const maxResponseBytes = 64 << 20

// HTTPClient calls an external reconstruction service.
//
// The service receives a Request as JSON on POST {BaseURL}/v1/reconstruct
// and answers with a fitResponse. A non-2xx status or converged=false is a
// failed fit.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

type fitResponse struct {
	Converged    bool          `json:"converged"`
	LLH          skymap.LLH    `json:"llh"`
	Vertex       skymap.Vertex `json:"vertex"`
	EnergyInside float64       `json:"energy_inside"`
	EnergyTotal  float64       `json:"energy_total"`
	Payload      []byte        `json:"payload,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// NewHTTPClient returns a client for baseURL with a per-call timeout.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *slog.Logger) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, errors.New("oracle base url is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		logger:     logger.With(slog.String("component", "oracle.http")),
	}, nil
}

// Reconstruct posts req and decodes the fit.
func (c *HTTPClient) Reconstruct(ctx context.Context, req Request) (skymap.FitResult, error) {
	ctx, span := tracer.Start(ctx, "HTTPClient.Reconstruct")
	defer span.End()
	span.SetAttributes(
		attribute.String("skyscan.event_id", req.EventID),
		attribute.Float64("skyscan.zenith", req.Direction.Zenith),
		attribute.Float64("skyscan.azimuth", req.Direction.Azimuth),
	)

	fail := func(err error) (skymap.FitResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return skymap.FitResult{}, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fail(fmt.Errorf("marshal reconstruct request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/reconstruct", bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Errorf("create reconstruct request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn("reconstruction call failed", slog.String("error", err.Error()))
		return fail(fmt.Errorf("reconstruction call failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fail(fmt.Errorf("read reconstruct response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("reconstruction service returned an error",
			slog.Int("status_code", resp.StatusCode),
			slog.String("response", truncate(string(respBody), 512)))
		return fail(fmt.Errorf("reconstruction failed with status %d", resp.StatusCode))
	}

	var fit fitResponse
	if err := json.Unmarshal(respBody, &fit); err != nil {
		return fail(fmt.Errorf("parse reconstruct response: %w", err))
	}
	if !fit.Converged || !fit.LLH.IsSet() {
		msg := fit.Error
		if msg == "" {
			msg = "no likelihood"
		}
		return fail(fmt.Errorf("%w: %s", ErrNotConverged, msg))
	}

	return skymap.FitResult{
		LLH:          fit.LLH,
		Vertex:       fit.Vertex,
		EnergyInside: fit.EnergyInside,
		EnergyTotal:  fit.EnergyTotal,
		Payload:      fit.Payload,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
