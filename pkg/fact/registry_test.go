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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sbomSchema() Schema {
	return Schema{
		Discriminant: "sbom_component",
		Version:      "1.0",
		Fields: []FieldSpec{
			{Name: "purl", Kind: FieldKindString, Required: true},
			{Name: "direct", Kind: FieldKindBool},
		},
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(sbomSchema()))

	_, ok := r.Lookup("sbom_component")
	assert.True(t, ok)
	assert.Equal(t, []string{"sbom_component"}, r.Discriminants())
}

func TestRegistry_RegisterRejectsInvalid(t *testing.T) {
	r := NewRegistry()

	err := r.Register(Schema{Discriminant: "", Version: "1.0"})
	require.ErrorIs(t, err, ErrInvalidSchema)

	err = r.Register(Schema{
		Discriminant: "x",
		Version:      "1.0",
		Fields:       []FieldSpec{{Name: "f", Kind: "tuple"}},
	})
	require.ErrorIs(t, err, ErrInvalidSchema)
}

func TestRegistry_RegisterRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(sbomSchema()))
	require.ErrorIs(t, r.Register(sbomSchema()), ErrDuplicateSchema)
}

func TestRegistry_CheckWarnsUnknownDiscriminant(t *testing.T) {
	r := NewRegistry()
	batch := NewBatch()
	batch.Facts = append(batch.Facts, Fact{
		Type:   TypeCustom,
		Custom: &CustomPayload{Discriminant: "mystery"},
	})

	warnings := r.Check(batch)
	require.Len(t, warnings, 1)
	assert.Equal(t, 0, warnings[0].FactIndex)
	assert.Equal(t, "mystery", warnings[0].Discriminant)
}

func TestRegistry_CheckValidatesFields(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(sbomSchema()))

	batch := NewBatch()
	batch.Facts = append(batch.Facts,
		// Valid payload: no warnings.
		Fact{Type: TypeCustom, Custom: &CustomPayload{
			Discriminant: "sbom_component",
			Data:         []Field{{Key: "purl", Value: "pkg:pypi/flask@2.0"}, {Key: "direct", Value: true}},
		}},
		// Missing required purl.
		Fact{Type: TypeCustom, Custom: &CustomPayload{
			Discriminant: "sbom_component",
			Data:         []Field{{Key: "direct", Value: false}},
		}},
		// Wrong kind for direct.
		Fact{Type: TypeCustom, Custom: &CustomPayload{
			Discriminant: "sbom_component",
			Data:         []Field{{Key: "purl", Value: "pkg:pypi/jinja2@3.1"}, {Key: "direct", Value: "yes"}},
		}},
		// Closed-type facts are not checked at all.
		Fact{Type: TypeVulnerability},
	)

	warnings := r.Check(batch)
	require.Len(t, warnings, 2)
	assert.Equal(t, 1, warnings[0].FactIndex)
	assert.Contains(t, warnings[0].Reason, "purl")
	assert.Equal(t, 2, warnings[1].FactIndex)
	assert.Contains(t, warnings[1].Reason, "direct")
}
