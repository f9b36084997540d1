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

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/strata/pkg/fact"
)

// Default configuration values.
const (
	// DefaultMaxFacts is the default maximum number of facts a store can hold.
	DefaultMaxFacts = 5_000_000
)

var buildTracer = otel.Tracer("store.build")

// State represents the lifecycle state of the store.
type State int

const (
	// StateBuilding indicates the store is accepting Append calls.
	StateBuilding State = iota

	// StateFrozen indicates the store is read-only with all indexes built.
	StateFrozen
)

// String returns the string representation of the State.
func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateFrozen:
		return "frozen"
	default:
		return "unknown"
	}
}

// Options configures Store behavior and limits.
type Options struct {
	// MaxFacts is the maximum number of facts the store can hold.
	// Default: 5,000,000
	MaxFacts int
}

// DefaultOptions returns sensible defaults for store configuration.
func DefaultOptions() Options {
	return Options{MaxFacts: DefaultMaxFacts}
}

// Option is a functional option for configuring Store.
type Option func(*Options)

// WithMaxFacts sets the maximum number of facts the store can hold.
func WithMaxFacts(n int) Option {
	return func(o *Options) {
		o.MaxFacts = n
	}
}

// Store owns the immutable set of facts for one analysis run.
//
// Lifecycle:
//
//  1. Create with New()
//  2. Fill with Append() and AddCausalEdge() calls
//  3. Call Freeze() to build the indexes and finalize
//  4. Query with Get(), Types(), Spatial(), Flow()
//
// Or use Build() to do all four steps from a validated batch.
type Store struct {
	facts []fact.Fact
	edges []fact.CausalEdge

	types   *TypeIndex
	spatial *SpatialIndex
	flow    *FlowIndex

	// canonical maps each fact ID to the lowest ID carrying the same
	// observation. Built at Freeze; nil while building.
	canonical []fact.ID

	state State
	opts  Options

	// BuiltAtMilli is the Unix timestamp in milliseconds when Freeze()
	// was called. Zero if the store has not been frozen.
	BuiltAtMilli int64
}

// New creates an empty store in the Building state.
func New(opts ...Option) *Store {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Store{
		facts: make([]fact.Fact, 0),
		state: StateBuilding,
		opts:  options,
	}
}

// Build constructs a frozen store from a validated batch.
//
// # Description
//
// Appends every fact of the batch in order (IDs equal batch positions),
// registers the batch's causal edges, and freezes. The batch must have
// passed validation first; Build performs no integrity checks of its own
// beyond capacity and edge-range limits.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	batch - The validated fact batch.
//	opts - Optional configuration options.
//
// Outputs:
//
//	*Store - The frozen store.
//	error - Non-nil on capacity overflow, bad edge endpoint, or cancel.
func Build(ctx context.Context, batch *fact.Batch, opts ...Option) (*Store, error) {
	st := New(opts...)
	for i := range batch.Facts {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBuildCancelled, err)
		}
		if _, err := st.Append(batch.Facts[i]); err != nil {
			return nil, err
		}
	}
	for _, e := range batch.Edges {
		if err := st.AddCausalEdge(e); err != nil {
			return nil, err
		}
	}
	if err := st.Freeze(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

// State returns the current lifecycle state of the store.
func (s *Store) State() State {
	return s.state
}

// IsFrozen returns true if the store is in read-only mode.
func (s *Store) IsFrozen() bool {
	return s.state == StateFrozen
}

// Len returns the number of facts in the store.
func (s *Store) Len() int {
	return len(s.facts)
}

// Append adds a fact and assigns the next dense ID.
//
// Outputs:
//
//	fact.ID - The assigned ID (equal to the insertion position).
//	error - ErrStoreFrozen or ErrMaxFactsExceeded.
func (s *Store) Append(f fact.Fact) (fact.ID, error) {
	if s.state == StateFrozen {
		return 0, ErrStoreFrozen
	}
	if len(s.facts) >= s.opts.MaxFacts {
		return 0, ErrMaxFactsExceeded
	}
	id := fact.ID(len(s.facts))
	f.ID = id
	s.facts = append(s.facts, f)
	return id, nil
}

// AddCausalEdge records an explicit flow edge between two stored facts.
//
// Errors:
//
//	ErrStoreFrozen - Store has been frozen.
//	ErrEdgeEndpointMissing - Either endpoint is outside the stored range.
func (s *Store) AddCausalEdge(e fact.CausalEdge) error {
	if s.state == StateFrozen {
		return ErrStoreFrozen
	}
	if e.From < 0 || int(e.From) >= len(s.facts) || e.To < 0 || int(e.To) >= len(s.facts) {
		return fmt.Errorf("%w: %d -> %d", ErrEdgeEndpointMissing, e.From, e.To)
	}
	s.edges = append(s.edges, e)
	return nil
}

// Freeze transitions the store to read-only mode and builds all three
// indexes in a single pass over the facts.
//
// # Thread Safety
//
// After Freeze() returns, the store can be read from multiple
// goroutines concurrently with no synchronization. The operation is
// irreversible.
func (s *Store) Freeze(ctx context.Context) error {
	_, span := buildTracer.Start(ctx, "store.Freeze")
	defer span.End()

	if s.state == StateFrozen {
		span.SetStatus(codes.Error, ErrStoreFrozen.Error())
		return ErrStoreFrozen
	}

	types := newTypeIndex()
	spatial := newSpatialIndex()
	canonical := make([]fact.ID, len(s.facts))
	byContent := make(map[string]fact.ID, len(s.facts))
	for i := range s.facts {
		types.add(&s.facts[i])
		spatial.add(&s.facts[i])
		key := contentKey(&s.facts[i])
		first, ok := byContent[key]
		if !ok {
			first = fact.ID(i)
			byContent[key] = first
		}
		canonical[i] = first
	}
	spatial.freeze()

	s.types = types
	s.spatial = spatial
	s.canonical = canonical
	s.flow = buildFlowIndex(s.facts, s.edges)
	s.state = StateFrozen
	s.BuiltAtMilli = time.Now().UnixMilli()

	span.SetAttributes(
		attribute.Int("fact_count", len(s.facts)),
		attribute.Int("causal_edge_count", len(s.edges)),
		attribute.Int("file_count", spatial.FileCount()),
	)
	span.SetStatus(codes.Ok, "")
	return nil
}

// Canonical returns the representative ID for all facts content-equal
// to id: the lowest ID carrying the same observation. A fact without
// duplicates is its own representative. Before Freeze, and for IDs
// outside the stored range, ids map to themselves.
func (s *Store) Canonical(id fact.ID) fact.ID {
	if s.canonical == nil || id < 0 || int(id) >= len(s.canonical) {
		return id
	}
	return s.canonical[id]
}

// contentKey serializes every field of a fact except its ID, so that
// re-inserted duplicates of one observation share a single identity.
func contentKey(f *fact.Fact) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d\x00%s\x00%d\x00%g", f.Type, f.Flow, f.FlowRole, f.Confidence)
	if f.Location != nil {
		fmt.Fprintf(&b, "\x00%s\x00%d:%d:%d:%d",
			f.Location.Path, f.Location.Line, f.Location.Column,
			f.Location.EndLine, f.Location.EndColumn)
	}
	fmt.Fprintf(&b, "\x00%s\x00%s\x00%g",
		f.Provenance.Source, f.Provenance.Version, f.Provenance.Confidence)
	if f.Custom != nil {
		fmt.Fprintf(&b, "\x00%s", f.Custom.Discriminant)
		for _, field := range f.Custom.Data {
			fmt.Fprintf(&b, "\x00%s=%v", field.Key, field.Value)
		}
	}
	return b.String()
}

// Get retrieves a fact by its dense ID. O(1).
func (s *Store) Get(id fact.ID) (fact.Fact, bool) {
	if id < 0 || int(id) >= len(s.facts) {
		return fact.Fact{}, false
	}
	return s.facts[id], true
}

// Facts returns an iterator over all facts in insertion order.
//
// Example:
//
//	for _, f := range st.Facts() {
//	    fmt.Println(f.Type)
//	}
func (s *Store) Facts() func(yield func(fact.ID, fact.Fact) bool) {
	return func(yield func(fact.ID, fact.Fact) bool) {
		for i := range s.facts {
			if !yield(fact.ID(i), s.facts[i]) {
				return
			}
		}
	}
}

// Types returns the type index. Frozen stores only; nil while building.
func (s *Store) Types() *TypeIndex {
	return s.types
}

// Spatial returns the spatial index. Frozen stores only; nil while building.
func (s *Store) Spatial() *SpatialIndex {
	return s.spatial
}

// Flow returns the flow index. Frozen stores only; nil while building.
func (s *Store) Flow() *FlowIndex {
	return s.flow
}

// Stats contains statistics about a frozen store.
type Stats struct {
	// FactCount is the total number of facts.
	FactCount int

	// CausalEdgeCount is the number of explicit causal edges.
	CausalEdgeCount int

	// FactsByType maps each fact type to its count.
	FactsByType map[fact.Type]int

	// FileCount is the number of files with located facts.
	FileCount int

	// State is the current store state.
	State State

	// BuiltAtMilli is when Freeze() was called (0 if not frozen).
	BuiltAtMilli int64
}

// Stats returns statistics about the store. Frozen stores only.
func (s *Store) Stats() (Stats, error) {
	if s.state != StateFrozen {
		return Stats{}, ErrStoreBuilding
	}
	byType := make(map[fact.Type]int)
	for t := fact.Type(0); t < fact.NumTypes; t++ {
		if count := s.types.Count(t); count > 0 {
			byType[t] = count
		}
	}
	return Stats{
		FactCount:       len(s.facts),
		CausalEdgeCount: len(s.edges),
		FactsByType:     byType,
		FileCount:       s.spatial.FileCount(),
		State:           s.state,
		BuiltAtMilli:    s.BuiltAtMilli,
	}, nil
}
