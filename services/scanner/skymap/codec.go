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
	"encoding/json"
	"fmt"
)

// EncodeTask serialises a Task for the transport.
func EncodeTask(t Task) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task %s/%d: %w", t.Key, t.Variation, err)
	}
	return data, nil
}

// DecodeTask parses a transport payload into a Task.
//
// Returns ErrMalformedMessage for undecodable payloads, zero nside or a
// variation outside the offset table.
func DecodeTask(data []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("%w: task: %v", ErrMalformedMessage, err)
	}
	if t.Key.NSide == 0 {
		return Task{}, fmt.Errorf("%w: task without nside", ErrMalformedMessage)
	}
	if !t.Variation.Valid() {
		return Task{}, fmt.Errorf("%w: task variation %d", ErrMalformedMessage, t.Variation)
	}
	return t, nil
}

// EncodeTaskResult serialises a TaskResult for the transport.
func EncodeTaskResult(r TaskResult) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode result %s/%d: %w", r.Key, r.Variation, err)
	}
	return data, nil
}

// DecodeTaskResult parses a transport payload into a TaskResult.
//
// Variation range is not checked here: an out-of-range variation on the
// result channel is a defect the collector must see and report.
func DecodeTaskResult(data []byte) (TaskResult, error) {
	var r TaskResult
	if err := json.Unmarshal(data, &r); err != nil {
		return TaskResult{}, fmt.Errorf("%w: result: %v", ErrMalformedMessage, err)
	}
	if r.Key.NSide == 0 {
		return TaskResult{}, fmt.Errorf("%w: result without nside", ErrMalformedMessage)
	}
	return r, nil
}
