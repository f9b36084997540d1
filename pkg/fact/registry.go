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
	"sort"

	"github.com/go-playground/validator/v10"
)

// FieldKind is the declared type of a custom schema field.
type FieldKind string

const (
	FieldKindString FieldKind = "string"
	FieldKindInt    FieldKind = "int"
	FieldKindFloat  FieldKind = "float"
	FieldKindBool   FieldKind = "bool"
)

// FieldSpec declares one field of a custom fact schema.
type FieldSpec struct {
	// Name is the field key.
	Name string `yaml:"name" validate:"required"`

	// Kind is the expected value type.
	Kind FieldKind `yaml:"kind" validate:"required,oneof=string int float bool"`

	// Required marks the field as mandatory on every fact.
	Required bool `yaml:"required"`
}

// Schema declares the shape of one external fact domain, keyed by the
// Custom payload discriminant.
type Schema struct {
	// Discriminant is the custom fact discriminant this schema governs.
	Discriminant string `yaml:"discriminant" validate:"required"`

	// Version is the schema version string.
	Version string `yaml:"version" validate:"required"`

	// Fields are the declared fields.
	Fields []FieldSpec `yaml:"fields" validate:"dive"`
}

// Warning is a non-fatal custom-schema validation note. Warned facts
// remain stored and queryable; they are merely unvalidated.
type Warning struct {
	// FactIndex is the batch position of the offending fact.
	FactIndex int

	// Discriminant is the custom discriminant involved.
	Discriminant string

	// Reason is a human-readable explanation.
	Reason string
}

// String returns the warning as a single log-friendly line.
func (w Warning) String() string {
	return fmt.Sprintf("fact %d (%s): %s", w.FactIndex, w.Discriminant, w.Reason)
}

// Registry holds the custom fact schemas for one run.
//
// # Description
//
// The registry is an explicit per-run object threaded through validation
// as an argument; there is deliberately no process-wide registration.
//
// # Thread Safety
//
// NOT safe for concurrent registration. Register all schemas before the
// run starts; Check is read-only and safe for concurrent use afterwards.
type Registry struct {
	validate *validator.Validate
	schemas  map[string]Schema
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{
		validate: validator.New(),
		schemas:  make(map[string]Schema),
	}
}

// Register adds a custom fact schema to the registry.
//
// Inputs:
//
//	s - The schema to register.
//
// Errors:
//
//	ErrInvalidSchema - The schema fails structural validation.
//	ErrDuplicateSchema - The discriminant is already registered.
func (r *Registry) Register(s Schema) error {
	if err := r.validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if _, exists := r.schemas[s.Discriminant]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSchema, s.Discriminant)
	}
	r.schemas[s.Discriminant] = s
	return nil
}

// Lookup returns the registered schema for a discriminant.
func (r *Registry) Lookup(discriminant string) (Schema, bool) {
	s, ok := r.schemas[discriminant]
	return s, ok
}

// Discriminants returns the registered discriminants in sorted order.
func (r *Registry) Discriminants() []string {
	out := make([]string, 0, len(r.schemas))
	for d := range r.schemas {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Check runs the opt-in custom-schema pass over a batch.
//
// # Description
//
// Every TypeCustom fact is checked against its registered schema. An
// unknown discriminant, a missing required field, or a field of the
// wrong kind each produce a Warning. Nothing here is fatal: the facts
// stay stored and queryable regardless.
//
// Outputs:
//
//	[]Warning - One entry per violation, in batch order. Nil if clean.
func (r *Registry) Check(batch *Batch) []Warning {
	var warnings []Warning
	for i := range batch.Facts {
		f := &batch.Facts[i]
		if f.Type != TypeCustom || f.Custom == nil {
			continue
		}
		schema, ok := r.schemas[f.Custom.Discriminant]
		if !ok {
			warnings = append(warnings, Warning{
				FactIndex:    i,
				Discriminant: f.Custom.Discriminant,
				Reason:       "no schema registered for discriminant",
			})
			continue
		}
		warnings = append(warnings, checkFields(i, f.Custom, schema)...)
	}
	return warnings
}

// checkFields validates one custom payload against its schema.
func checkFields(factIndex int, payload *CustomPayload, schema Schema) []Warning {
	var warnings []Warning
	for _, spec := range schema.Fields {
		value, present := payload.Get(spec.Name)
		if !present {
			if spec.Required {
				warnings = append(warnings, Warning{
					FactIndex:    factIndex,
					Discriminant: payload.Discriminant,
					Reason:       fmt.Sprintf("missing required field %q", spec.Name),
				})
			}
			continue
		}
		if !kindMatches(spec.Kind, value) {
			warnings = append(warnings, Warning{
				FactIndex:    factIndex,
				Discriminant: payload.Discriminant,
				Reason:       fmt.Sprintf("field %q: expected %s, got %T", spec.Name, spec.Kind, value),
			})
		}
	}
	return warnings
}

// kindMatches reports whether a payload value satisfies a declared kind.
func kindMatches(kind FieldKind, value any) bool {
	switch kind {
	case FieldKindString:
		_, ok := value.(string)
		return ok
	case FieldKindInt:
		switch value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		}
		return false
	case FieldKindFloat:
		switch value.(type) {
		case float32, float64:
			return true
		}
		return false
	case FieldKindBool:
		_, ok := value.(bool)
		return ok
	default:
		return false
	}
}
