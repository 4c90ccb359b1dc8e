// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"os"

	"github.com/AleutianAI/skyscan/pkg/validation"
	"github.com/AleutianAI/skyscan/services/scanner/skymap"
)

// LoadEvent reads an event context from a YAML or JSON file.
//
// Outputs:
//
//	skymap.EventContext - The validated event.
//	error - Unreadable file, parse failure, or ErrInvalidConfig.
func LoadEvent(path string) (skymap.EventContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return skymap.EventContext{}, fmt.Errorf("read event file: %w", err)
	}
	var ev skymap.EventContext
	if err := decode(path, data, &ev); err != nil {
		return skymap.EventContext{}, err
	}
	if err := ValidateEvent(ev); err != nil {
		return skymap.EventContext{}, err
	}
	return ev, nil
}

// ValidateEvent checks the event's struct tags and its identifier.
func ValidateEvent(ev skymap.EventContext) error {
	if err := validate.Struct(ev); err != nil {
		return fmt.Errorf("%w: event: %w", ErrInvalidConfig, err)
	}
	if err := validation.ValidateEventID(ev.EventID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
