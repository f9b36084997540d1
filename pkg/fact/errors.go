// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fact

import "errors"

// Sentinel errors for fact and schema-registry operations.
var (
	// ErrIncompatibleSchema is returned when a batch or snapshot carries
	// a schema version this build does not understand. Fatal before
	// validation ever runs.
	ErrIncompatibleSchema = errors.New("incompatible fact schema version")

	// ErrInvalidSchema is returned when a custom fact schema fails
	// structural validation at registration time.
	ErrInvalidSchema = errors.New("invalid custom fact schema")

	// ErrDuplicateSchema is returned when registering a discriminant
	// that is already registered in this run's registry.
	ErrDuplicateSchema = errors.New("duplicate custom fact schema")
)
