// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fact defines the atomic observation model for a governance run.
//
// A Fact is an independently-verifiable observation about the analyzed
// codebase: a taint source, an uncovered line, a vulnerable dependency.
// Facts are produced by external extractors, batched, validated once, and
// then never mutated for the remainder of the run.
//
// # Ownership Model
//
// Facts are value types. The store assigns dense integer IDs in insertion
// order; a Fact's ID field is zero until the store has accepted it.
//
// # Extension
//
// The Type enum is closed. New fact domains plug in through the Custom
// variant: an arbitrary discriminant plus an order-preserving field list,
// optionally validated against a per-run schema Registry.
package fact

import "fmt"

// SchemaVersion is the fact batch schema this build understands.
// Batches carrying any other version are rejected before validation.
const SchemaVersion uint16 = 3

// ID is a dense integer fact identifier assigned by the store in
// insertion order. Valid IDs are in [0, store.Len()).
type ID int32

// Type is the closed fact-type discriminant.
type Type int

const (
	// TypeUnknown indicates an unrecognized fact type.
	TypeUnknown Type = iota

	// TypeTaintSource marks a point where untrusted data enters a flow.
	TypeTaintSource

	// TypeTaintSink marks a point where flow data reaches a sensitive operation.
	TypeTaintSink

	// TypeSanitization marks a sanitizer sitting on a data flow.
	TypeSanitization

	// TypeVulnerability is a security finding from a scanner.
	TypeVulnerability

	// TypeDependency is a declared third-party dependency.
	TypeDependency

	// TypeUncoveredLine is a line with no test coverage.
	TypeUncoveredLine

	// TypeCodeOwner is ownership metadata for a path.
	TypeCodeOwner

	// TypeSecretExposure is a credential or token found in source.
	TypeSecretExposure

	// TypeLicenseUsage is license metadata for a dependency or file.
	TypeLicenseUsage

	// TypeDeadCode is an unreachable or unreferenced symbol.
	TypeDeadCode

	// TypeComplexityHotspot is a function exceeding complexity thresholds.
	TypeComplexityHotspot

	// TypeTestCase is a discovered test and its subject.
	TypeTestCase

	// TypeAPIEndpoint is an exposed API route or handler.
	TypeAPIEndpoint

	// TypeConfigSetting is a configuration key read by the code.
	TypeConfigSetting

	// TypeBuildTarget is a build unit (package, module, target).
	TypeBuildTarget

	// TypeDeprecatedUsage is a call into a deprecated API.
	TypeDeprecatedUsage

	// TypeCustom is the open escape hatch for externally-defined schemas.
	TypeCustom

	// NumTypes is the total number of fact types (for array sizing).
	NumTypes
)

// typeNames maps Type values to their wire/string representations.
var typeNames = map[Type]string{
	TypeUnknown:           "unknown",
	TypeTaintSource:       "taint_source",
	TypeTaintSink:         "taint_sink",
	TypeSanitization:      "sanitization",
	TypeVulnerability:     "vulnerability",
	TypeDependency:        "dependency",
	TypeUncoveredLine:     "uncovered_line",
	TypeCodeOwner:         "code_owner",
	TypeSecretExposure:    "secret_exposure",
	TypeLicenseUsage:      "license_usage",
	TypeDeadCode:          "dead_code",
	TypeComplexityHotspot: "complexity_hotspot",
	TypeTestCase:          "test_case",
	TypeAPIEndpoint:       "api_endpoint",
	TypeConfigSetting:     "config_setting",
	TypeBuildTarget:       "build_target",
	TypeDeprecatedUsage:   "deprecated_usage",
	TypeCustom:            "custom",
}

// typesByName is the reverse of typeNames, built once at init.
var typesByName = func() map[string]Type {
	m := make(map[string]Type, len(typeNames))
	for t, name := range typeNames {
		m[name] = t
	}
	return m
}()

// String returns the string representation of the Type.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseType resolves a wire name ("taint_source") to its Type.
//
// Outputs:
//
//	Type - The parsed type, TypeUnknown if the name is not recognized.
//	bool - True if the name was recognized.
func ParseType(name string) (Type, bool) {
	t, ok := typesByName[name]
	return t, ok
}

// FlowRole describes how a fact participates in a data flow.
type FlowRole int

const (
	// FlowRoleNone indicates the fact carries no flow semantics.
	FlowRoleNone FlowRole = iota

	// FlowRoleProduces indicates the fact produces its FlowID (a source).
	FlowRoleProduces

	// FlowRoleConsumes indicates the fact consumes its FlowID (a sink).
	FlowRoleConsumes

	// FlowRoleOnPath indicates the fact sits on the flow (a sanitizer
	// or intermediate hop).
	FlowRoleOnPath
)

// String returns the string representation of the FlowRole.
func (r FlowRole) String() string {
	switch r {
	case FlowRoleProduces:
		return "produces"
	case FlowRoleConsumes:
		return "consumes"
	case FlowRoleOnPath:
		return "on_path"
	default:
		return "none"
	}
}

// SourceLocation is a project-relative source position.
//
// Line is 1-indexed and never zero on a valid fact. Column, EndLine and
// EndColumn are optional; zero means absent. The struct is intentionally
// flat and comparable so locations can be used directly as join values.
type SourceLocation struct {
	// Path is the project-relative file path, forward-slash separated.
	Path string

	// Line is the 1-indexed start line.
	Line int

	// Column is the optional 1-indexed start column (0 = absent).
	Column int

	// EndLine is the optional 1-indexed end line (0 = absent).
	EndLine int

	// EndColumn is the optional 1-indexed end column (0 = absent).
	EndColumn int
}

// String returns "path:line" or "path:line:col".
func (l SourceLocation) String() string {
	if l.Column > 0 {
		return fmt.Sprintf("%s:%d:%d", l.Path, l.Line, l.Column)
	}
	return fmt.Sprintf("%s:%d", l.Path, l.Line)
}

// Provenance identifies the extractor that produced a fact.
//
// Provenance is ranking/filtering metadata only; correctness never
// depends on it.
type Provenance struct {
	// Source is the extractor identifier (e.g. "semgrep", "coverage").
	Source string

	// Version is the extractor version string.
	Version string

	// Confidence is the extractor's confidence in [0, 1].
	Confidence float64
}

// Field is one key/value entry of a Custom fact payload.
//
// Fields are kept as an ordered list rather than a map so that custom
// payloads round-trip byte-identically through snapshots.
type Field struct {
	// Key is the field name.
	Key string

	// Value is the field value. Must be a comparable scalar
	// (string, int64, float64, bool) for join semantics to hold.
	Value any
}

// CustomPayload carries the data of a TypeCustom fact.
type CustomPayload struct {
	// Discriminant names the external schema this payload claims.
	Discriminant string

	// Data is the ordered field list.
	Data []Field
}

// Get returns the value of the named field.
func (p *CustomPayload) Get(key string) (any, bool) {
	for _, f := range p.Data {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// Fact is one atomic observation about the analyzed codebase.
//
// Invariant: a Fact is created once per run and never mutated after the
// store accepts it.
type Fact struct {
	// ID is the dense store-assigned identifier. Zero until stored.
	ID ID

	// Type is the fact-type discriminant.
	Type Type

	// Location is the optional source position.
	Location *SourceLocation

	// Provenance identifies the producing extractor.
	Provenance Provenance

	// Confidence is the fact-level confidence in [0, 1].
	Confidence float64

	// Flow is the data-flow identifier, empty if the fact is not part
	// of a flow.
	Flow FlowID

	// FlowRole describes how the fact participates in Flow. Derived
	// from Type when left as FlowRoleNone on a flow-carrying fact.
	FlowRole FlowRole

	// Custom is the open payload, non-nil iff Type == TypeCustom.
	Custom *CustomPayload
}

// EffectiveFlowRole returns the fact's flow role, deriving it from the
// fact type when the extractor left it unset.
func (f *Fact) EffectiveFlowRole() FlowRole {
	if f.Flow == "" {
		return FlowRoleNone
	}
	if f.FlowRole != FlowRoleNone {
		return f.FlowRole
	}
	switch f.Type {
	case TypeTaintSource:
		return FlowRoleProduces
	case TypeTaintSink:
		return FlowRoleConsumes
	case TypeSanitization:
		return FlowRoleOnPath
	default:
		return FlowRoleOnPath
	}
}

// Discriminant returns the type discriminant string used by the type
// index: the closed type name, or the custom payload discriminant for
// TypeCustom facts.
func (f *Fact) Discriminant() string {
	if f.Type == TypeCustom && f.Custom != nil {
		return f.Custom.Discriminant
	}
	return f.Type.String()
}
