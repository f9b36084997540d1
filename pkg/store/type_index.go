// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import "github.com/AleutianAI/strata/pkg/fact"

// TypeIndex groups fact IDs by their type discriminant.
//
// Insertion order is preserved within each bucket so that type-filtered
// scans are deterministic. Custom facts are additionally bucketed by
// their payload discriminant.
//
// # Thread Safety
//
// Writes during build only, reads after Freeze().
type TypeIndex struct {
	// byType is an array indexed by fact.Type for cache-friendly access.
	byType [fact.NumTypes][]fact.ID

	// byDiscriminant buckets TypeCustom facts by payload discriminant.
	byDiscriminant map[string][]fact.ID
}

// newTypeIndex creates an empty type index.
func newTypeIndex() *TypeIndex {
	return &TypeIndex{
		byDiscriminant: make(map[string][]fact.ID),
	}
}

// add indexes one fact. Build phase only.
func (ix *TypeIndex) add(f *fact.Fact) {
	if f.Type >= 0 && f.Type < fact.NumTypes {
		ix.byType[f.Type] = append(ix.byType[f.Type], f.ID)
	}
	if f.Type == fact.TypeCustom && f.Custom != nil {
		ix.byDiscriminant[f.Custom.Discriminant] = append(ix.byDiscriminant[f.Custom.Discriminant], f.ID)
	}
}

// IDs returns the fact IDs of the given type in insertion order.
//
// Returns a defensive copy to prevent external mutation.
func (ix *TypeIndex) IDs(t fact.Type) []fact.ID {
	if t < 0 || t >= fact.NumTypes {
		return []fact.ID{}
	}
	ids := ix.byType[t]
	out := make([]fact.ID, len(ids))
	copy(out, ids)
	return out
}

// CustomIDs returns the IDs of custom facts with the given discriminant
// in insertion order. Returns a defensive copy.
func (ix *TypeIndex) CustomIDs(discriminant string) []fact.ID {
	ids := ix.byDiscriminant[discriminant]
	out := make([]fact.ID, len(ids))
	copy(out, ids)
	return out
}

// Count returns the number of facts of the given type.
//
// O(1); the planner uses these counts as its selectivity estimate.
func (ix *TypeIndex) Count(t fact.Type) int {
	if t < 0 || t >= fact.NumTypes {
		return 0
	}
	return len(ix.byType[t])
}

// CustomCount returns the number of custom facts with the discriminant.
func (ix *TypeIndex) CustomCount(discriminant string) int {
	return len(ix.byDiscriminant[discriminant])
}
