// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rule

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/strata/pkg/fact"
)

// YAML document shapes. The rule language surface is out of scope of
// the engine; this loader is a direct encoding of the predicate tree,
// not a textual DSL.

type ruleFileYAML struct {
	Rules []ruleYAML `yaml:"rules"`
}

type ruleYAML struct {
	ID       string    `yaml:"id"`
	Severity string    `yaml:"severity"`
	Message  string    `yaml:"message"`
	Enabled  *bool     `yaml:"enabled"`
	When     *nodeYAML `yaml:"when"`
}

type nodeYAML struct {
	Exists *existsYAML `yaml:"exists"`
	And    []nodeYAML  `yaml:"and"`
	Or     []nodeYAML  `yaml:"or"`
	Not    *nodeYAML   `yaml:"not"`
}

type existsYAML struct {
	Type          string            `yaml:"type"`
	Discriminant  string            `yaml:"discriminant"`
	Where         []constraintYAML  `yaml:"where"`
	Bind          map[string]string `yaml:"bind"`
	ReachableFrom string            `yaml:"reachable_from"`
	Near          *nearYAML         `yaml:"near"`
}

type constraintYAML struct {
	Field  string `yaml:"field"`
	Op     string `yaml:"op"`
	Value  any    `yaml:"value"`
	Values []any  `yaml:"values"`
}

type nearYAML struct {
	Var    string `yaml:"var"`
	Radius int    `yaml:"radius"`
}

// LoadFile loads rules from a YAML file.
//
// Inputs:
//
//	path - Path to the rules file (e.g. .strata/rules.yml).
//
// Outputs:
//
//	[]Rule - The parsed rules in file order.
//	error - Non-nil if reading or parsing failed.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return Parse(data)
}

// Parse parses rules from YAML content.
func Parse(data []byte) ([]Rule, error) {
	var file ruleFileYAML
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRule, err)
	}

	rules := make([]Rule, 0, len(file.Rules))
	for i, ry := range file.Rules {
		r, err := decodeRule(ry)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, ry.ID, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func decodeRule(ry ruleYAML) (Rule, error) {
	if ry.ID == "" {
		return Rule{}, fmt.Errorf("%w: missing id", ErrMalformedRule)
	}
	if ry.When == nil {
		return Rule{}, fmt.Errorf("%w: missing when clause", ErrMalformedRule)
	}
	severity, _ := ParseSeverity(ry.Severity)

	node, err := decodeNode(*ry.When)
	if err != nil {
		return Rule{}, err
	}
	if err := node.Validate(); err != nil {
		return Rule{}, err
	}

	enabled := true
	if ry.Enabled != nil {
		enabled = *ry.Enabled
	}
	return Rule{
		ID:        ry.ID,
		Severity:  severity,
		Message:   ry.Message,
		Enabled:   enabled,
		Predicate: node,
	}, nil
}

func decodeNode(ny nodeYAML) (Node, error) {
	var node Node
	if ny.Exists != nil {
		exists, err := decodeExists(*ny.Exists)
		if err != nil {
			return Node{}, err
		}
		node.Exists = exists
	}
	for _, child := range ny.And {
		decoded, err := decodeNode(child)
		if err != nil {
			return Node{}, err
		}
		node.And = append(node.And, decoded)
	}
	for _, child := range ny.Or {
		decoded, err := decodeNode(child)
		if err != nil {
			return Node{}, err
		}
		node.Or = append(node.Or, decoded)
	}
	if ny.Not != nil {
		decoded, err := decodeNode(*ny.Not)
		if err != nil {
			return Node{}, err
		}
		node.Not = &decoded
	}
	return node, nil
}

func decodeExists(ey existsYAML) (*Exists, error) {
	typ, ok := fact.ParseType(ey.Type)
	if !ok {
		return nil, fmt.Errorf("%w: unknown fact type %q", ErrMalformedRule, ey.Type)
	}

	exists := &Exists{
		Type:          typ,
		Discriminant:  ey.Discriminant,
		ReachableFrom: ey.ReachableFrom,
	}

	for _, cy := range ey.Where {
		op, ok := ParseOp(cy.Op)
		if !ok && cy.Op != "" {
			return nil, fmt.Errorf("%w: unknown operator %q", ErrMalformedRule, cy.Op)
		}
		exists.Where = append(exists.Where, Constraint{
			Field:  cy.Field,
			Op:     op,
			Value:  normalizeScalar(cy.Value),
			Values: normalizeScalars(cy.Values),
		})
	}

	if len(ey.Bind) > 0 {
		exists.Bind = make(map[string]BindField, len(ey.Bind))
		for variable, fieldName := range ey.Bind {
			field, ok := ParseBindField(fieldName)
			if !ok {
				return nil, fmt.Errorf("%w: unknown bind field %q", ErrMalformedRule, fieldName)
			}
			exists.Bind[variable] = field
		}
	}

	if ey.Near != nil {
		if ey.Near.Var == "" || ey.Near.Radius < 0 {
			return nil, fmt.Errorf("%w: near requires var and non-negative radius", ErrMalformedRule)
		}
		exists.Near = &Near{Var: ey.Near.Var, Radius: ey.Near.Radius}
	}
	return exists, nil
}

// normalizeScalar widens YAML scalars so constraint comparison sees
// consistent types (int → int64).
func normalizeScalar(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	default:
		return v
	}
}

func normalizeScalars(vs []any) []any {
	if vs == nil {
		return nil
	}
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = normalizeScalar(v)
	}
	return out
}

// DefaultRules returns the built-in governance rule set.
//
// These mirror the checks most organizations start with: unsanitized
// taint flows, secrets in source, and vulnerable code lacking coverage.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:       "taint-flow-unsanitized",
			Severity: SeverityCritical,
			Message:  "Untrusted data reaches a sensitive sink",
			Enabled:  true,
			Predicate: Node{And: []Node{
				{Exists: &Exists{Type: fact.TypeTaintSource, Bind: map[string]BindField{"f": BindFlow}}},
				{Exists: &Exists{Type: fact.TypeTaintSink, Bind: map[string]BindField{"f": BindFlow}}},
			}},
		},
		{
			ID:       "secret-in-source",
			Severity: SeverityCritical,
			Message:  "Credential material committed to source",
			Enabled:  true,
			Predicate: Node{
				Exists: &Exists{Type: fact.TypeSecretExposure},
			},
		},
		{
			ID:       "vulnerability-untested",
			Severity: SeverityHigh,
			Message:  "Vulnerable code has no test coverage nearby",
			Enabled:  true,
			Predicate: Node{And: []Node{
				{Exists: &Exists{Type: fact.TypeVulnerability, Bind: map[string]BindField{"l": BindLocation}}},
				{Exists: &Exists{Type: fact.TypeUncoveredLine, Bind: map[string]BindField{"l": BindLocation}}},
			}},
		},
		{
			ID:       "deprecated-api-usage",
			Severity: SeverityLow,
			Message:  "Call into a deprecated API",
			Enabled:  true,
			Predicate: Node{
				Exists: &Exists{Type: fact.TypeDeprecatedUsage},
			},
		},
	}
}
