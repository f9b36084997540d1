// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rule defines declarative correlation rules over fact sets.
//
// A rule's condition is a predicate tree: Exists leaves (one fact must
// match) combined with And, Or and Not. Variables bound inside Exists
// leaves are the sole join mechanism — reusing a variable name across
// sibling leaves under the same And forces equality of the bound values.
package rule

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/strata/pkg/fact"
)

// Sentinel errors for rule construction and loading.
var (
	// ErrMalformedRule is returned when a rule file or node fails to parse.
	ErrMalformedRule = errors.New("malformed rule")

	// ErrUnknownField is returned for a constraint on an unknown field.
	ErrUnknownField = errors.New("unknown constraint field")
)

// Severity ranks a rule's findings. Higher values are more severe.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// severityNames maps Severity values to their string representations.
var severityNames = map[Severity]string{
	SeverityInfo:     "info",
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

// String returns the string representation of the Severity.
func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "info"
}

// ParseSeverity resolves a severity name, defaulting to info.
func ParseSeverity(name string) (Severity, bool) {
	for s, n := range severityNames {
		if n == name {
			return s, true
		}
	}
	return SeverityInfo, false
}

// Op is a field constraint operator.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpIn
	OpPrefix
)

// opNames maps Op values to their rule-file spellings.
var opNames = map[Op]string{
	OpEq:     "eq",
	OpNe:     "ne",
	OpLt:     "lt",
	OpLe:     "le",
	OpGt:     "gt",
	OpGe:     "ge",
	OpIn:     "in",
	OpPrefix: "prefix",
}

// String returns the string representation of the Op.
func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return "eq"
}

// ParseOp resolves an operator spelling.
func ParseOp(name string) (Op, bool) {
	for o, n := range opNames {
		if n == name {
			return o, true
		}
	}
	return OpEq, false
}

// Well-known constraint fields. Custom payload fields are addressed as
// "data.<key>".
const (
	FieldPath       = "path"
	FieldLine       = "line"
	FieldConfidence = "confidence"
	FieldFlow       = "flow"
	FieldSource     = "source"
	DataFieldPrefix = "data."
)

// Constraint restricts one field of a candidate fact.
type Constraint struct {
	// Field names the constrained field (path, line, confidence, flow,
	// source, or data.<key>).
	Field string

	// Op is the comparison operator.
	Op Op

	// Value is the comparand for scalar operators.
	Value any

	// Values holds the allowed set for OpIn.
	Values []any
}

// BindField selects which part of a matched fact a variable captures.
type BindField int

const (
	// BindLocation captures the fact's SourceLocation value.
	BindLocation BindField = iota

	// BindFlow captures the fact's FlowID.
	BindFlow

	// BindPath captures the fact's file path.
	BindPath

	// BindFact captures the fact's dense ID.
	BindFact
)

// bindNames maps BindField values to their rule-file spellings.
var bindNames = map[BindField]string{
	BindLocation: "location",
	BindFlow:     "flow",
	BindPath:     "path",
	BindFact:     "fact",
}

// String returns the string representation of the BindField.
func (b BindField) String() string {
	if name, ok := bindNames[b]; ok {
		return name
	}
	return "location"
}

// ParseBindField resolves a bind-field spelling.
func ParseBindField(name string) (BindField, bool) {
	for b, n := range bindNames {
		if n == name {
			return b, true
		}
	}
	return BindLocation, false
}

// Near constrains a candidate's location to lie within Radius lines of
// the location already bound to Var.
type Near struct {
	// Var is the variable holding the reference location.
	Var string

	// Radius is the maximum absolute line distance.
	Radius int
}

// Exists requires at least one fact matching the given type, field
// constraints and relational constraints. Matching facts extend the
// current binding row via Bind.
type Exists struct {
	// Type is the required fact type.
	Type fact.Type

	// Discriminant narrows TypeCustom facts to one external schema.
	// Ignored for closed types.
	Discriminant string

	// Where are the field constraints, all of which must hold.
	Where []Constraint

	// Bind maps variable names to the fact field they capture. A
	// variable already bound in the row forces equality instead.
	Bind map[string]BindField

	// ReachableFrom names a variable holding a fact ID; the candidate
	// must be flow-reachable from that fact.
	ReachableFrom string

	// Near constrains the candidate near a bound location variable.
	Near *Near
}

// Node is one predicate tree node. Exactly one of the four branches is
// set; And/Or hold at least one child each.
type Node struct {
	Exists *Exists
	And    []Node
	Or     []Node
	Not    *Node
}

// Kind returns a short description of which branch is set, for errors.
func (n *Node) Kind() string {
	switch {
	case n.Exists != nil:
		return "exists"
	case len(n.And) > 0:
		return "and"
	case len(n.Or) > 0:
		return "or"
	case n.Not != nil:
		return "not"
	default:
		return "empty"
	}
}

// Validate checks the node is structurally sound (exactly one branch,
// no empty conjunctions).
func (n *Node) Validate() error {
	set := 0
	if n.Exists != nil {
		set++
	}
	if len(n.And) > 0 {
		set++
	}
	if len(n.Or) > 0 {
		set++
	}
	if n.Not != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: node must have exactly one of exists/and/or/not, has %d", ErrMalformedRule, set)
	}
	for i := range n.And {
		if err := n.And[i].Validate(); err != nil {
			return err
		}
	}
	for i := range n.Or {
		if err := n.Or[i].Validate(); err != nil {
			return err
		}
	}
	if n.Not != nil {
		return n.Not.Validate()
	}
	return nil
}

// Rule correlates facts into findings.
type Rule struct {
	// ID is the stable rule identifier.
	ID string

	// Severity ranks the rule's findings.
	Severity Severity

	// Message is the finding message template.
	Message string

	// Enabled indicates if the rule is active.
	Enabled bool

	// Predicate is the rule's condition tree.
	Predicate Node
}
