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

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// FlowID is an opaque identifier scoping one taint/data-flow chain.
//
// Any fact that consumes a FlowID must correspond to at least one fact
// that produces it within the same batch; the validator enforces this.
type FlowID string

// FlowFactory mints FlowIDs unique per extractor and run.
//
// # Thread Safety
//
// Safe for concurrent use; the sequence counter is atomic.
type FlowFactory struct {
	extractor string
	run       string
	seq       atomic.Uint64
}

// NewFlowFactory creates a factory scoped to one extractor.
//
// The run component is a random UUID, so IDs from separate runs of the
// same extractor never collide.
func NewFlowFactory(extractor string) *FlowFactory {
	return &FlowFactory{
		extractor: extractor,
		run:       uuid.NewString(),
	}
}

// Next returns the next FlowID for this extractor+run.
func (f *FlowFactory) Next() FlowID {
	n := f.seq.Add(1)
	return FlowID(fmt.Sprintf("%s/%s/%d", f.extractor, f.run, n))
}

// RandomFlowID returns a globally unique FlowID with no extractor scope.
func RandomFlowID() FlowID {
	return FlowID(uuid.NewString())
}

// CausalEdge is an explicit directed edge between two facts of a flow,
// declared by an extractor to place a sanitizer between the source and
// sink it guards.
//
// From and To are positions within the batch's fact slice, which become
// the facts' store IDs (the store assigns IDs in insertion order).
type CausalEdge struct {
	// From is the batch position of the edge's source fact.
	From ID

	// To is the batch position of the edge's target fact.
	To ID
}

// Batch is a finalized, versioned set of facts crossing the input
// boundary, produced by extractors or decoded from a snapshot.
type Batch struct {
	// SchemaVersion is the fact schema the batch was produced under.
	SchemaVersion uint16

	// Facts are the fact records in extraction order.
	Facts []Fact

	// Edges are explicit causal edges between facts, by batch position.
	Edges []CausalEdge
}

// NewBatch returns an empty batch stamped with the current schema version.
func NewBatch() *Batch {
	return &Batch{SchemaVersion: SchemaVersion}
}
