// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks identifiers that become storage keys and
// message subjects.
//
// Event IDs prefix every stored pixel key; scan IDs are a token of every
// transport subject. Both must stay inside a conservative alphabet so a
// user-supplied ID can never reach into another event's keys or match a
// wildcard subscription.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// maxIDLength bounds both kinds of identifier.
const maxIDLength = 128

// eventIDPattern allows letters, digits and . _ : - after an alphanumeric.
var eventIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)

// scanIDPattern is a single NATS subject token: no dots or wildcards.
var scanIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidateEventID checks an event identifier.
//
// Example:
//
//	if err := validation.ValidateEventID(ev.EventID); err != nil {
//	    return fmt.Errorf("load event: %w", err)
//	}
func ValidateEventID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("event id cannot be empty")
	case len(id) > maxIDLength:
		return fmt.Errorf("event id is %d characters, max %d", len(id), maxIDLength)
	case !eventIDPattern.MatchString(id):
		return fmt.Errorf("invalid event id %q (letters, digits and . _ : - only)", id)
	}
	return nil
}

// ValidateScanID checks a scan identifier.
func ValidateScanID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("scan id cannot be empty")
	case len(id) > maxIDLength:
		return fmt.Errorf("scan id is %d characters, max %d", len(id), maxIDLength)
	case !scanIDPattern.MatchString(id):
		return fmt.Errorf("invalid scan id %q (letters, digits, _ and - only)", id)
	}
	return nil
}

// SubjectToken maps an event ID onto the scan ID alphabet, so a scan ID
// can be derived from any valid event ID.
func SubjectToken(eventID string) string {
	token := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, eventID)
	if token == "" || token[0] == '_' || token[0] == '-' {
		token = "e" + token
	}
	return token
}
