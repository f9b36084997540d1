// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package plan turns a rule's predicate tree into an execution plan
// against a frozen store.
//
// Index selection uses a fixed priority heuristic: FlowIndex for
// reachability constraints, SpatialIndex for pinned or proximate
// locations, TypeIndex otherwise. Conjunction children are ordered
// most-selective-first using the store's per-type fact counts, subject
// to variable-dependency order; a type with zero facts short-circuits
// its whole conjunction without visiting other leaves.
package plan

import (
	"errors"
	"fmt"
	"sort"

	"github.com/AleutianAI/strata/pkg/fact"
	"github.com/AleutianAI/strata/pkg/rule"
	"github.com/AleutianAI/strata/pkg/store"
)

// Sentinel errors for planning.
var (
	// ErrStoreNotFrozen is returned when planning against a building store.
	ErrStoreNotFrozen = errors.New("cannot plan against an unfrozen store")

	// ErrUnboundVariable is returned when a leaf requires a variable no
	// reachable sibling binds (including Not introducing fresh variables
	// into its enclosing scope).
	ErrUnboundVariable = errors.New("unbound variable")
)

// Source identifies which index a leaf probes.
type Source int

const (
	// SourceType probes the TypeIndex (the cheapest index).
	SourceType Source = iota

	// SourceSpatial probes the SpatialIndex.
	SourceSpatial

	// SourceFlow probes the FlowIndex.
	SourceFlow
)

// String returns the string representation of the Source.
func (s Source) String() string {
	switch s {
	case SourceSpatial:
		return "spatial"
	case SourceFlow:
		return "flow"
	default:
		return "type"
	}
}

// LeafPlan is one scheduled Exists probe.
type LeafPlan struct {
	// Exists is the underlying predicate leaf.
	Exists *rule.Exists

	// Source is the chosen index.
	Source Source

	// Estimate is the expected candidate count (type cardinality).
	Estimate int
}

// Node is one node of the execution plan, mirroring the predicate tree
// with conjunction children reordered and leaves annotated.
type Node struct {
	Leaf *LeafPlan
	And  []Node
	Or   []Node
	Not  *Node

	// Empty marks a conjunction proven unsatisfiable at plan time
	// (some required type has zero facts). The evaluator returns no
	// rows without visiting children.
	Empty bool
}

// ExecutionPlan is a planned rule predicate ready for evaluation.
type ExecutionPlan struct {
	// Root is the plan tree root.
	Root Node

	// Leaves is the total number of Exists probes in the plan.
	Leaves int
}

// Plan compiles a predicate tree into an execution plan.
//
// Inputs:
//
//	st - The frozen store the plan will run against.
//	root - The rule's predicate tree.
//
// Outputs:
//
//	*ExecutionPlan - The compiled plan.
//	error - ErrStoreNotFrozen, ErrUnboundVariable, or a structural error.
func Plan(st *store.Store, root rule.Node) (*ExecutionPlan, error) {
	if !st.IsFrozen() {
		return nil, ErrStoreNotFrozen
	}
	if err := root.Validate(); err != nil {
		return nil, err
	}

	p := &planner{st: st}
	node, err := p.compile(root, map[string]bool{})
	if err != nil {
		return nil, err
	}
	return &ExecutionPlan{Root: node, Leaves: p.leaves}, nil
}

type planner struct {
	st     *store.Store
	leaves int
}

// compile plans one node given the variables bound on entry. The bound
// set is mutated to include variables the node produces.
func (p *planner) compile(n rule.Node, bound map[string]bool) (Node, error) {
	switch {
	case n.Exists != nil:
		leaf, err := p.compileLeaf(n.Exists, bound)
		if err != nil {
			return Node{}, err
		}
		return Node{Leaf: leaf}, nil

	case len(n.And) > 0:
		return p.compileAnd(n.And, bound)

	case len(n.Or) > 0:
		out := Node{}
		// Each alternative starts from the same entry scope. Only
		// variables bound by every branch survive the union.
		var survived map[string]bool
		for _, child := range n.Or {
			branchBound := copyBound(bound)
			compiled, err := p.compile(child, branchBound)
			if err != nil {
				return Node{}, err
			}
			out.Or = append(out.Or, compiled)
			produced := diffBound(branchBound, bound)
			if survived == nil {
				survived = produced
			} else {
				survived = intersectBound(survived, produced)
			}
		}
		for v := range survived {
			bound[v] = true
		}
		return out, nil

	default: // Not
		// Negation is evaluated in the sibling scope and must not leak
		// variables outward; its internal bindings are local.
		inner := copyBound(bound)
		compiled, err := p.compile(*n.Not, inner)
		if err != nil {
			return Node{}, err
		}
		return Node{Not: &compiled}, nil
	}
}

// compileAnd orders conjunction children most-selective-first while
// respecting variable dependencies, then compiles them in that order.
func (p *planner) compileAnd(children []rule.Node, bound map[string]bool) (Node, error) {
	type pending struct {
		node     rule.Node
		estimate int
		requires []string
		index    int
		negation bool
	}

	items := make([]*pending, len(children))
	for i, child := range children {
		items[i] = &pending{
			node:     child,
			estimate: p.estimate(child),
			requires: requiredVars(child),
			index:    i,
			negation: child.Not != nil,
		}
	}

	// A positive leaf over an empty type proves the conjunction
	// unsatisfiable; skip compiling anything.
	for _, it := range items {
		if it.node.Exists != nil && it.estimate == 0 {
			return Node{Empty: true}, nil
		}
	}

	out := Node{}
	remaining := items
	for len(remaining) > 0 {
		// Pick the satisfiable candidate with the smallest estimate;
		// negations wait until every positive child is scheduled.
		sort.SliceStable(remaining, func(i, j int) bool {
			if remaining[i].negation != remaining[j].negation {
				return !remaining[i].negation
			}
			if remaining[i].estimate != remaining[j].estimate {
				return remaining[i].estimate < remaining[j].estimate
			}
			return remaining[i].index < remaining[j].index
		})

		picked := -1
		for i, it := range remaining {
			if satisfiable(it.requires, bound) {
				picked = i
				break
			}
		}
		if picked < 0 {
			return Node{}, fmt.Errorf("%w: %v", ErrUnboundVariable, remaining[0].requires)
		}

		compiled, err := p.compile(remaining[picked].node, bound)
		if err != nil {
			return Node{}, err
		}
		out.And = append(out.And, compiled)
		remaining = append(remaining[:picked], remaining[picked+1:]...)
	}
	return out, nil
}

// compileLeaf chooses an index and validates the leaf's requirements.
func (p *planner) compileLeaf(e *rule.Exists, bound map[string]bool) (*LeafPlan, error) {
	if e.ReachableFrom != "" && !bound[e.ReachableFrom] {
		return nil, fmt.Errorf("%w: reachable_from %q", ErrUnboundVariable, e.ReachableFrom)
	}
	if e.Near != nil && !bound[e.Near.Var] {
		return nil, fmt.Errorf("%w: near %q", ErrUnboundVariable, e.Near.Var)
	}

	leaf := &LeafPlan{
		Exists:   e,
		Source:   p.chooseSource(e, bound),
		Estimate: p.cardinality(e),
	}

	// Variables this leaf binds become available to later leaves.
	for variable := range e.Bind {
		bound[variable] = true
	}
	p.leaves++
	return leaf, nil
}

// chooseSource applies the fixed index priority: flow, then spatial,
// then type.
func (p *planner) chooseSource(e *rule.Exists, bound map[string]bool) Source {
	if e.ReachableFrom != "" {
		return SourceFlow
	}
	if e.Near != nil {
		return SourceSpatial
	}
	if pinsLocation(e.Where) {
		return SourceSpatial
	}
	// A location variable already bound by an earlier leaf turns this
	// leaf's bind into an equality probe the spatial index answers.
	for variable, field := range e.Bind {
		if field == rule.BindLocation && bound[variable] {
			return SourceSpatial
		}
	}
	return SourceType
}

// pinsLocation reports whether the constraints fix a (path, line) point
// or window the spatial index can serve directly.
func pinsLocation(where []rule.Constraint) bool {
	var hasPath, hasLine bool
	for _, c := range where {
		if c.Field == rule.FieldPath && c.Op == rule.OpEq {
			hasPath = true
		}
		if c.Field == rule.FieldLine {
			switch c.Op {
			case rule.OpEq, rule.OpLt, rule.OpLe, rule.OpGt, rule.OpGe:
				hasLine = true
			}
		}
	}
	return hasPath && hasLine
}

// cardinality returns the store's fact count for the leaf's type.
func (p *planner) cardinality(e *rule.Exists) int {
	if e.Type == fact.TypeCustom && e.Discriminant != "" {
		return p.st.Types().CustomCount(e.Discriminant)
	}
	return p.st.Types().Count(e.Type)
}

// estimate scores a whole child node for conjunction ordering.
func (p *planner) estimate(n rule.Node) int {
	switch {
	case n.Exists != nil:
		return p.cardinality(n.Exists)
	case len(n.And) > 0:
		// A conjunction narrows to at most its smallest member.
		best := -1
		for _, child := range n.And {
			if e := p.estimate(child); best < 0 || e < best {
				best = e
			}
		}
		return best
	case len(n.Or) > 0:
		total := 0
		for _, child := range n.Or {
			total += p.estimate(child)
		}
		return total
	default:
		return 0
	}
}

// requiredVars lists variables a node needs bound before it can run.
// Bind entries are not requirements: an unbound Bind variable is
// produced rather than consumed.
func requiredVars(n rule.Node) []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(rule.Node, map[string]bool)
	walk = func(node rule.Node, local map[string]bool) {
		if node.Exists != nil {
			e := node.Exists
			if e.ReachableFrom != "" && !local[e.ReachableFrom] && !seen[e.ReachableFrom] {
				seen[e.ReachableFrom] = true
				out = append(out, e.ReachableFrom)
			}
			if e.Near != nil && !local[e.Near.Var] && !seen[e.Near.Var] {
				seen[e.Near.Var] = true
				out = append(out, e.Near.Var)
			}
			for variable := range e.Bind {
				local[variable] = true
			}
			return
		}
		for _, child := range node.And {
			walk(child, local)
		}
		for _, child := range node.Or {
			branch := copyBound(local)
			walk(child, branch)
		}
		if node.Not != nil {
			walk(*node.Not, copyBound(local))
		}
	}
	walk(n, map[string]bool{})
	sort.Strings(out)
	return out
}

// satisfiable reports whether all of a child's requirements are bound.
func satisfiable(requires []string, bound map[string]bool) bool {
	for _, v := range requires {
		if !bound[v] {
			return false
		}
	}
	return true
}

func copyBound(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func diffBound(after, before map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for k := range after {
		if !before[k] {
			out[k] = true
		}
	}
	return out
}

func intersectBound(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for k := range a {
		if b[k] {
			out[k] = true
		}
	}
	return out
}
