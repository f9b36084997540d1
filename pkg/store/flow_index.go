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
	"sort"

	"github.com/AleutianAI/strata/pkg/fact"
)

// FlowIndex is a directed graph over fact IDs connected by shared flow
// identifiers and explicit causal edges.
//
// The backing structure is dense integer adjacency indexed by the
// store's own fact IDs, not pointer-linked nodes, so traversal is
// cache-friendly and ownership stays trivial.
//
// Edge synthesis: for each FlowID, producer facts gain edges to consumer
// facts of the same flow, unless at least one explicit causal edge
// touches that flow's facts — in that case the declared causal edges
// alone define the flow's paths. This lets an extractor place a
// sanitizer on (or off) specific paths without the synthesized direct
// edge bypassing it.
//
// # Thread Safety
//
// Built once during Freeze(); all queries are read-only and safe for
// unsynchronized concurrent use afterwards.
type FlowIndex struct {
	out [][]int32
	in  [][]int32
}

// buildFlowIndex constructs the flow graph for a frozen fact slice.
func buildFlowIndex(facts []fact.Fact, edges []fact.CausalEdge) *FlowIndex {
	n := len(facts)
	ix := &FlowIndex{
		out: make([][]int32, n),
		in:  make([][]int32, n),
	}

	// Group flow participants by FlowID.
	type flowGroup struct {
		producers []int32
		consumers []int32
		explicit  bool
	}
	groups := make(map[fact.FlowID]*flowGroup)
	flowOf := make([]fact.FlowID, n)
	for i := range facts {
		f := &facts[i]
		if f.Flow == "" {
			continue
		}
		flowOf[i] = f.Flow
		g := groups[f.Flow]
		if g == nil {
			g = &flowGroup{}
			groups[f.Flow] = g
		}
		switch f.EffectiveFlowRole() {
		case fact.FlowRoleProduces:
			g.producers = append(g.producers, int32(i))
		case fact.FlowRoleConsumes:
			g.consumers = append(g.consumers, int32(i))
		}
	}

	// Explicit causal edges always apply, and mark their flows as
	// explicitly routed.
	for _, e := range edges {
		if e.From < 0 || int(e.From) >= n || e.To < 0 || int(e.To) >= n {
			continue
		}
		ix.addEdge(int32(e.From), int32(e.To))
		for _, end := range [2]fact.ID{e.From, e.To} {
			if flow := flowOf[end]; flow != "" {
				if g := groups[flow]; g != nil {
					g.explicit = true
				}
			}
		}
	}

	// Synthesize producer→consumer edges for implicitly routed flows.
	for _, g := range groups {
		if g.explicit {
			continue
		}
		for _, p := range g.producers {
			for _, c := range g.consumers {
				ix.addEdge(p, c)
			}
		}
	}

	for id := range ix.out {
		sortAdjacency(ix.out[id])
		sortAdjacency(ix.in[id])
	}
	return ix
}

// addEdge inserts a directed edge, skipping self-loops and duplicates.
func (ix *FlowIndex) addEdge(from, to int32) {
	if from == to {
		return
	}
	for _, existing := range ix.out[from] {
		if existing == to {
			return
		}
	}
	ix.out[from] = append(ix.out[from], to)
	ix.in[to] = append(ix.in[to], from)
}

func sortAdjacency(adj []int32) {
	sort.Slice(adj, func(i, j int) bool { return adj[i] < adj[j] })
}

// Out returns the direct successors of id. The returned slice is the
// internal adjacency run; callers must not modify it.
func (ix *FlowIndex) Out(id fact.ID) []int32 {
	if int(id) >= len(ix.out) || id < 0 {
		return nil
	}
	return ix.out[id]
}

// ReachableFrom returns all facts transitively connected to id via
// outgoing edges, in ascending ID order. The start fact is excluded.
func (ix *FlowIndex) ReachableFrom(id fact.ID) []fact.ID {
	if int(id) >= len(ix.out) || id < 0 {
		return []fact.ID{}
	}
	visited := make([]bool, len(ix.out))
	visited[id] = true
	queue := []int32{int32(id)}
	var result []fact.ID
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range ix.out[cur] {
			if visited[next] {
				continue
			}
			visited[next] = true
			result = append(result, fact.ID(next))
			queue = append(queue, next)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	if result == nil {
		result = []fact.ID{}
	}
	return result
}

// ShortestPath returns the shortest edge path from a to b inclusive.
//
// Outputs:
//
//	[]fact.ID - Node sequence including both endpoints. Nil if no path.
//	bool - True if a path exists. a == b yields the single-node path.
func (ix *FlowIndex) ShortestPath(a, b fact.ID) ([]fact.ID, bool) {
	n := len(ix.out)
	if int(a) >= n || int(b) >= n || a < 0 || b < 0 {
		return nil, false
	}
	if a == b {
		return []fact.ID{a}, true
	}
	parent := make([]int32, n)
	for i := range parent {
		parent[i] = -1
	}
	parent[a] = int32(a)
	queue := []int32{int32(a)}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		// Neighbors are visited in ascending ID order, making the
		// returned path deterministic among equal-length paths.
		for _, next := range ix.out[cur] {
			if parent[next] != -1 {
				continue
			}
			parent[next] = cur
			if next == int32(b) {
				return ix.assemblePath(parent, a, b), true
			}
			queue = append(queue, next)
		}
	}
	return nil, false
}

func (ix *FlowIndex) assemblePath(parent []int32, a, b fact.ID) []fact.ID {
	var reversed []fact.ID
	for cur := int32(b); ; cur = parent[cur] {
		reversed = append(reversed, fact.ID(cur))
		if cur == int32(a) {
			break
		}
	}
	path := make([]fact.ID, len(reversed))
	for i, id := range reversed {
		path[len(path)-1-i] = id
	}
	return path
}

// ReachableAvoiding reports whether b is reachable from a without
// passing through any intermediate node for which avoid returns true.
// The endpoints themselves are never tested against avoid.
func (ix *FlowIndex) ReachableAvoiding(a, b fact.ID, avoid func(fact.ID) bool) bool {
	n := len(ix.out)
	if int(a) >= n || int(b) >= n || a < 0 || b < 0 {
		return false
	}
	if a == b {
		return true
	}
	visited := make([]bool, n)
	visited[a] = true
	queue := []int32{int32(a)}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range ix.out[cur] {
			if visited[next] {
				continue
			}
			if next == int32(b) {
				return true
			}
			if avoid(fact.ID(next)) {
				continue
			}
			visited[next] = true
			queue = append(queue, next)
		}
	}
	return false
}

// OnEveryPath reports whether every path from a to b passes through a
// node for which blocker returns true. False when no path exists at all.
func (ix *FlowIndex) OnEveryPath(a, b fact.ID, blocker func(fact.ID) bool) bool {
	if _, connected := ix.ShortestPath(a, b); !connected {
		return false
	}
	return !ix.ReachableAvoiding(a, b, blocker)
}
