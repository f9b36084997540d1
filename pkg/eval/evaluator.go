// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package eval executes rule plans against a frozen store and produces
// findings.
//
// Evaluation is binding-row based: each row carries the variables bound
// so far plus the evidence facts that bound them. Conjunction children
// run in plan order, each extending the surviving rows; disjunction
// unions branch rows; negation keeps rows whose child matches nothing.
package eval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/strata/pkg/fact"
	"github.com/AleutianAI/strata/pkg/plan"
	"github.com/AleutianAI/strata/pkg/rule"
	"github.com/AleutianAI/strata/pkg/store"
)

// Sentinel errors for rule evaluation.
var (
	// ErrCandidateBudget is returned when a rule scans more candidate
	// facts than its configured budget allows.
	ErrCandidateBudget = errors.New("candidate budget exceeded")
)

// row is one partial match: variable bindings plus supporting evidence.
type row struct {
	vars     map[string]any
	evidence []fact.ID
}

// extend returns a copy of the row with one more matched fact and its
// variable bindings. The receiver is never mutated; sibling candidates
// branch from the same parent row.
func (r row) extend(vars map[string]any, id fact.ID) row {
	nv := make(map[string]any, len(r.vars)+len(vars))
	for k, v := range r.vars {
		nv[k] = v
	}
	for k, v := range vars {
		nv[k] = v
	}
	ev := make([]fact.ID, len(r.evidence), len(r.evidence)+1)
	copy(ev, r.evidence)
	return row{vars: nv, evidence: append(ev, id)}
}

// signature is a canonical key for deduplicating rows across Or branches.
func (r row) signature() string {
	keys := make([]string, 0, len(r.vars))
	for k := range r.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v;", k, r.vars[k])
	}
	ids := make([]fact.ID, len(r.evidence))
	copy(ids, r.evidence)
	for _, id := range canonicalEvidence(ids) {
		fmt.Fprintf(&b, "#%d", id)
	}
	return b.String()
}

// evaluator runs one rule's plan. Not safe for concurrent use; the
// engine gives each rule its own evaluator.
type evaluator struct {
	st     *store.Store
	budget int // max candidate facts scanned, 0 = unlimited

	scanned    int
	maxCandSet int
}

func newEvaluator(st *store.Store, budget int) *evaluator {
	return &evaluator{st: st, budget: budget}
}

// eval evaluates a plan node over the input rows.
func (ev *evaluator) eval(ctx context.Context, n plan.Node, rows []row) ([]row, error) {
	if n.Empty {
		return nil, nil
	}
	switch {
	case n.Leaf != nil:
		return ev.evalLeaf(ctx, n.Leaf, rows)

	case len(n.And) > 0:
		current := rows
		for i := range n.And {
			var err error
			current, err = ev.eval(ctx, n.And[i], current)
			if err != nil {
				return nil, err
			}
			if len(current) == 0 {
				return nil, nil
			}
		}
		return current, nil

	case len(n.Or) > 0:
		seen := make(map[string]bool)
		var out []row
		for i := range n.Or {
			branch, err := ev.eval(ctx, n.Or[i], rows)
			if err != nil {
				return nil, err
			}
			for _, r := range branch {
				sig := r.signature()
				if !seen[sig] {
					seen[sig] = true
					out = append(out, r)
				}
			}
		}
		return out, nil

	case n.Not != nil:
		// A row survives negation when the negated subtree matches
		// nothing under that row's bindings.
		var out []row
		for _, r := range rows {
			matched, err := ev.eval(ctx, *n.Not, []row{r})
			if err != nil {
				return nil, err
			}
			if len(matched) == 0 {
				out = append(out, r)
			}
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: empty plan node", rule.ErrMalformedRule)
	}
}

// evalLeaf extends each input row with every fact matching the leaf.
func (ev *evaluator) evalLeaf(ctx context.Context, leaf *plan.LeafPlan, rows []row) ([]row, error) {
	var out []row
	for _, r := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		candidates := ev.candidates(leaf, r)
		if len(candidates) > ev.maxCandSet {
			ev.maxCandSet = len(candidates)
		}
		for _, id := range candidates {
			ev.scanned++
			if ev.budget > 0 && ev.scanned > ev.budget {
				return nil, fmt.Errorf("%w: scanned %d facts", ErrCandidateBudget, ev.scanned)
			}
			f, ok := ev.st.Get(id)
			if !ok {
				continue
			}
			if !admit(leaf.Exists, &f) {
				continue
			}
			extended, ok := bindRow(leaf.Exists, &f, r)
			if !ok {
				continue
			}
			out = append(out, extended)
		}
	}
	return out, nil
}

// candidates returns the IDs the leaf's chosen index yields for a row.
// The index narrows the scan; admit still checks every condition, so a
// coarse candidate set affects cost only.
func (ev *evaluator) candidates(leaf *plan.LeafPlan, r row) []fact.ID {
	e := leaf.Exists
	switch leaf.Source {
	case plan.SourceFlow:
		origin, ok := r.vars[e.ReachableFrom].(fact.ID)
		if !ok {
			return nil
		}
		return ev.st.Flow().ReachableFrom(origin)

	case plan.SourceSpatial:
		if e.Near != nil {
			loc, ok := r.vars[e.Near.Var].(fact.SourceLocation)
			if !ok {
				return nil
			}
			return ev.st.Spatial().Near(loc.Path, loc.Line, e.Near.Radius)
		}
		if path, lo, hi, ok := pinnedWindow(e.Where); ok {
			return ev.st.Spatial().Window(path, lo, hi)
		}
		if loc, ok := boundLocation(e, r); ok {
			return ev.st.Spatial().At(loc.Path, loc.Line)
		}
		return ev.typeCandidates(e)

	default:
		return ev.typeCandidates(e)
	}
}

func (ev *evaluator) typeCandidates(e *rule.Exists) []fact.ID {
	if e.Type == fact.TypeCustom && e.Discriminant != "" {
		return ev.st.Types().CustomIDs(e.Discriminant)
	}
	return ev.st.Types().IDs(e.Type)
}

// boundLocation finds a location variable of the leaf already bound in
// the row, checking variables in sorted order for determinism.
func boundLocation(e *rule.Exists, r row) (fact.SourceLocation, bool) {
	vars := make([]string, 0, len(e.Bind))
	for v, field := range e.Bind {
		if field == rule.BindLocation {
			vars = append(vars, v)
		}
	}
	sort.Strings(vars)
	for _, v := range vars {
		if loc, ok := r.vars[v].(fact.SourceLocation); ok {
			return loc, true
		}
	}
	return fact.SourceLocation{}, false
}

// pinnedWindow derives a spatial window from path/line constraints.
func pinnedWindow(where []rule.Constraint) (path string, lo, hi int, ok bool) {
	lo, hi = 1, 1<<30
	var hasPath, hasLine bool
	for _, c := range where {
		switch {
		case c.Field == rule.FieldPath && c.Op == rule.OpEq:
			if s, isStr := c.Value.(string); isStr {
				path = s
				hasPath = true
			}
		case c.Field == rule.FieldLine:
			v, isInt := toInt(c.Value)
			if !isInt {
				continue
			}
			switch c.Op {
			case rule.OpEq:
				lo, hi = v, v
				hasLine = true
			case rule.OpLt:
				hi = min(hi, v-1)
				hasLine = true
			case rule.OpLe:
				hi = min(hi, v)
				hasLine = true
			case rule.OpGt:
				lo = max(lo, v+1)
				hasLine = true
			case rule.OpGe:
				lo = max(lo, v)
				hasLine = true
			}
		}
	}
	return path, lo, hi, hasPath && hasLine
}

// admit checks type, discriminant and all field constraints.
func admit(e *rule.Exists, f *fact.Fact) bool {
	if f.Type != e.Type {
		return false
	}
	if e.Type == fact.TypeCustom && e.Discriminant != "" {
		if f.Custom == nil || f.Custom.Discriminant != e.Discriminant {
			return false
		}
	}
	for _, c := range e.Where {
		if !matchConstraint(f, c) {
			return false
		}
	}
	return true
}

// bindRow applies the leaf's Bind map to a matched fact. A variable
// already bound in the row becomes an equality test instead of a fresh
// binding; any mismatch rejects the candidate.
func bindRow(e *rule.Exists, f *fact.Fact, r row) (row, bool) {
	if len(e.Bind) == 0 {
		return r.extend(nil, f.ID), true
	}

	vars := make([]string, 0, len(e.Bind))
	for v := range e.Bind {
		vars = append(vars, v)
	}
	sort.Strings(vars)

	fresh := make(map[string]any, len(vars))
	for _, v := range vars {
		value, ok := bindValue(e.Bind[v], f)
		if !ok {
			return row{}, false
		}
		if existing, bound := r.vars[v]; bound {
			if !valueEq(existing, value) {
				return row{}, false
			}
			continue
		}
		fresh[v] = value
	}
	return r.extend(fresh, f.ID), true
}

// bindValue extracts the bound value for one BindField. Facts lacking
// the field (no location, no flow) do not match the leaf.
func bindValue(field rule.BindField, f *fact.Fact) (any, bool) {
	switch field {
	case rule.BindFlow:
		if f.Flow == "" {
			return nil, false
		}
		return f.Flow, true
	case rule.BindPath:
		if f.Location == nil {
			return nil, false
		}
		return f.Location.Path, true
	case rule.BindFact:
		return f.ID, true
	default: // BindLocation
		if f.Location == nil {
			return nil, false
		}
		return *f.Location, true
	}
}

// matchConstraint evaluates one field constraint against a fact.
// Constraints on absent fields (no location, no flow, missing custom
// key) never match.
func matchConstraint(f *fact.Fact, c rule.Constraint) bool {
	got, ok := fieldValue(f, c.Field)
	if !ok {
		return false
	}
	switch c.Op {
	case rule.OpEq:
		return valueEq(got, c.Value)
	case rule.OpNe:
		return !valueEq(got, c.Value)
	case rule.OpIn:
		for _, want := range c.Values {
			if valueEq(got, want) {
				return true
			}
		}
		return false
	case rule.OpPrefix:
		gs, gok := got.(string)
		ws, wok := c.Value.(string)
		return gok && wok && strings.HasPrefix(gs, ws)
	default:
		return compareOrdered(c.Op, got, c.Value)
	}
}

// fieldValue resolves a constraint field name against a fact.
func fieldValue(f *fact.Fact, field string) (any, bool) {
	switch field {
	case rule.FieldPath:
		if f.Location == nil {
			return nil, false
		}
		return f.Location.Path, true
	case rule.FieldLine:
		if f.Location == nil {
			return nil, false
		}
		return int64(f.Location.Line), true
	case rule.FieldConfidence:
		return f.Confidence, true
	case rule.FieldFlow:
		if f.Flow == "" {
			return nil, false
		}
		return string(f.Flow), true
	case rule.FieldSource:
		return f.Provenance.Source, true
	default:
		if strings.HasPrefix(field, rule.DataFieldPrefix) && f.Custom != nil {
			v, ok := f.Custom.Get(strings.TrimPrefix(field, rule.DataFieldPrefix))
			if !ok {
				return nil, false
			}
			if n, isInt := toInt(v); isInt {
				return int64(n), true
			}
			return v, true
		}
		return nil, false
	}
}

// valueEq compares two scalars, treating all numeric types as one
// domain so YAML-decoded comparands match fact fields.
func valueEq(a, b any) bool {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		return af == bf
	}
	return a == b
}

// compareOrdered handles lt/le/gt/ge over numbers and strings.
func compareOrdered(op rule.Op, got, want any) bool {
	if gf, gok := toFloat(got); gok {
		wf, wok := toFloat(want)
		if !wok {
			return false
		}
		switch op {
		case rule.OpLt:
			return gf < wf
		case rule.OpLe:
			return gf <= wf
		case rule.OpGt:
			return gf > wf
		case rule.OpGe:
			return gf >= wf
		}
		return false
	}
	gs, gok := got.(string)
	ws, wok := want.(string)
	if !gok || !wok {
		return false
	}
	switch op {
	case rule.OpLt:
		return gs < ws
	case rule.OpLe:
		return gs <= ws
	case rule.OpGt:
		return gs > ws
	case rule.OpGe:
		return gs >= ws
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}

// suppressed reports whether a row's evidence contains a taint
// source/sink pair on the same flow whose every path is sanitized.
func (ev *evaluator) suppressed(r row) bool {
	var sources, sinks []fact.Fact
	for _, id := range r.evidence {
		f, ok := ev.st.Get(id)
		if !ok || f.Flow == "" {
			continue
		}
		switch f.Type {
		case fact.TypeTaintSource:
			sources = append(sources, f)
		case fact.TypeTaintSink:
			sinks = append(sinks, f)
		}
	}
	for _, s := range sources {
		for _, k := range sinks {
			if s.Flow != k.Flow {
				continue
			}
			if ev.st.Flow().OnEveryPath(s.ID, k.ID, ev.isSanitization) {
				return true
			}
		}
	}
	return false
}

func (ev *evaluator) isSanitization(id fact.ID) bool {
	f, ok := ev.st.Get(id)
	return ok && f.Type == fact.TypeSanitization
}

// EvaluateRule plans and evaluates a single rule.
//
// Inputs:
//
//	ctx - Carries cancellation and the rule's deadline.
//	st - The frozen store to evaluate against.
//	r - The rule to evaluate.
//	budget - Max candidate facts to scan (0 = unlimited).
//
// Outputs:
//
//	[]Finding - Deduplicated findings in stable order.
//	RuleStats - Work counters for diagnostics.
//	error - Planning errors, ErrCandidateBudget, or ctx errors.
func EvaluateRule(ctx context.Context, st *store.Store, r rule.Rule, budget int) ([]Finding, RuleStats, error) {
	stats := RuleStats{RuleID: r.ID}

	p, err := plan.Plan(st, r.Predicate)
	if err != nil {
		return nil, stats, fmt.Errorf("plan rule %s: %w", r.ID, err)
	}

	ev := newEvaluator(st, budget)
	rows, err := ev.eval(ctx, p.Root, []row{{vars: map[string]any{}}})
	stats.FactsScanned = ev.scanned
	stats.CandidateSetSize = ev.maxCandSet
	if err != nil {
		return nil, stats, err
	}

	seen := make(map[string]bool)
	var findings []Finding
	for _, rw := range rows {
		if ev.suppressed(rw) {
			continue
		}
		evidence := canonicalEvidence(canonicalIDs(st, rw.evidence))
		fp := fingerprint(r.ID, evidence)
		if seen[fp] {
			continue
		}
		seen[fp] = true

		var loc *fact.SourceLocation
		for _, id := range evidence {
			if f, ok := st.Get(id); ok && f.Location != nil {
				l := *f.Location
				loc = &l
				break
			}
		}
		findings = append(findings, Finding{
			RuleID:      r.ID,
			Severity:    r.Severity,
			Message:     r.Message,
			Location:    loc,
			Evidence:    evidence,
			Fingerprint: fp,
		})
	}
	SortFindings(findings)
	stats.Findings = len(findings)
	return findings, stats, nil
}
