// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store owns the immutable fact set for one governance run.
//
// The store is a two-phase state machine: Building accepts Append calls
// and assigns dense integer IDs in insertion order; Freeze constructs the
// three query indexes (type, spatial, flow) in a single O(n) pass and
// makes the store permanently read-only.
//
// # Thread Safety
//
// The store is NOT safe for concurrent use during building. After
// Freeze() it is an immutable snapshot: all reads are safe from any
// number of goroutines with no synchronization.
package store

import "errors"

// Sentinel errors for store operations.
var (
	// ErrStoreFrozen is returned when attempting to modify a frozen store.
	ErrStoreFrozen = errors.New("store is frozen and cannot be modified")

	// ErrStoreBuilding is returned when querying a store that has not
	// been frozen yet.
	ErrStoreBuilding = errors.New("store is still building")

	// ErrMaxFactsExceeded is returned when the store is at capacity.
	ErrMaxFactsExceeded = errors.New("maximum fact count exceeded")

	// ErrEdgeEndpointMissing is returned when a causal edge references
	// a fact ID outside the stored range.
	ErrEdgeEndpointMissing = errors.New("causal edge endpoint not found")

	// ErrBuildCancelled is returned when a build is cancelled via context.
	ErrBuildCancelled = errors.New("build cancelled")
)
