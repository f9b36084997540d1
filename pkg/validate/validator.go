// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validate gates raw fact batches before any index is built.
//
// Validation is a hard gate, not a recoverable step: any violation
// aborts the run, and partially-validated data is never queried. The
// entry point is a pure function with no side effects besides the
// returned error.
package validate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/strata/pkg/fact"
)

// Sentinel errors wrapped by ValidationError, usable with errors.Is.
var (
	// ErrDanglingFlowReference indicates a fact consumes a FlowID that
	// no fact in the batch produces.
	ErrDanglingFlowReference = errors.New("dangling flow reference")

	// ErrInvalidLocation indicates a zero line number or a path that
	// escapes the project root.
	ErrInvalidLocation = errors.New("invalid source location")

	// ErrInvalidConfidence indicates a confidence outside [0, 1].
	ErrInvalidConfidence = errors.New("confidence out of range")
)

// ValidationError describes the first integrity violation found in a
// batch. It wraps one of the sentinel errors above.
type ValidationError struct {
	// FactIndex is the batch position of the offending fact.
	FactIndex int

	// Detail is a human-readable explanation.
	Detail string

	err error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("fact %d: %s: %s", e.FactIndex, e.err, e.Detail)
}

// Unwrap exposes the sentinel for errors.Is.
func (e *ValidationError) Unwrap() error {
	return e.err
}

// Validate checks the referential and structural integrity of a batch.
//
// # Description
//
// Checks, in order:
//
//  1. Schema version compatibility.
//  2. Every consumed FlowID has at least one producer in the batch.
//  3. Every location has Line > 0 and stays inside the project root.
//  4. Every confidence (fact-level and provenance) is in [0, 1].
//
// The first violation is returned; nothing is mutated.
//
// Outputs:
//
//	error - Nil if the batch is well-formed. fact.ErrIncompatibleSchema
//	        or a *ValidationError otherwise.
func Validate(batch *fact.Batch) error {
	if batch.SchemaVersion != fact.SchemaVersion {
		return fmt.Errorf("%w: batch has v%d, engine expects v%d",
			fact.ErrIncompatibleSchema, batch.SchemaVersion, fact.SchemaVersion)
	}

	produced := make(map[fact.FlowID]bool)
	for i := range batch.Facts {
		f := &batch.Facts[i]
		if f.Flow != "" && f.EffectiveFlowRole() == fact.FlowRoleProduces {
			produced[f.Flow] = true
		}
	}

	for i := range batch.Facts {
		f := &batch.Facts[i]

		if f.Flow != "" && f.EffectiveFlowRole() == fact.FlowRoleConsumes && !produced[f.Flow] {
			return &ValidationError{
				FactIndex: i,
				Detail:    fmt.Sprintf("flow %q has no producer", f.Flow),
				err:       ErrDanglingFlowReference,
			}
		}

		if f.Location != nil {
			if reason, ok := checkLocation(f.Location); !ok {
				return &ValidationError{
					FactIndex: i,
					Detail:    reason,
					err:       ErrInvalidLocation,
				}
			}
		}

		if f.Confidence < 0 || f.Confidence > 1 {
			return &ValidationError{
				FactIndex: i,
				Detail:    fmt.Sprintf("fact confidence %g", f.Confidence),
				err:       ErrInvalidConfidence,
			}
		}
		if p := f.Provenance.Confidence; p < 0 || p > 1 {
			return &ValidationError{
				FactIndex: i,
				Detail:    fmt.Sprintf("provenance confidence %g", p),
				err:       ErrInvalidConfidence,
			}
		}
	}
	return nil
}

// checkLocation verifies a location is 1-indexed and confined to the
// project root.
func checkLocation(loc *fact.SourceLocation) (string, bool) {
	if loc.Line <= 0 {
		return fmt.Sprintf("line %d is not 1-indexed", loc.Line), false
	}
	if loc.EndLine != 0 && loc.EndLine < loc.Line {
		return fmt.Sprintf("end line %d before start line %d", loc.EndLine, loc.Line), false
	}
	if loc.Path == "" {
		return "empty path", false
	}
	if strings.HasPrefix(loc.Path, "/") || strings.HasPrefix(loc.Path, "\\") {
		return fmt.Sprintf("path %q is absolute", loc.Path), false
	}
	if len(loc.Path) > 1 && loc.Path[1] == ':' {
		return fmt.Sprintf("path %q is absolute", loc.Path), false
	}
	for _, segment := range strings.Split(loc.Path, "/") {
		if segment == ".." {
			return fmt.Sprintf("path %q escapes the project root", loc.Path), false
		}
	}
	return "", true
}
