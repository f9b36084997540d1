// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/strata/pkg/fact"
)

func sampleBatch() *fact.Batch {
	b := fact.NewBatch()
	b.Facts = append(b.Facts,
		fact.Fact{
			Type:       fact.TypeTaintSource,
			Location:   &fact.SourceLocation{Path: "app/views.py", Line: 10, Column: 4},
			Provenance: fact.Provenance{Source: "semgrep", Version: "1.60", Confidence: 0.8},
			Confidence: 0.9,
			Flow:       "sg/run1/1",
		},
		fact.Fact{
			Type:       fact.TypeTaintSink,
			Location:   &fact.SourceLocation{Path: "app/db.py", Line: 33, EndLine: 35},
			Confidence: 1.0,
			Flow:       "sg/run1/1",
			FlowRole:   fact.FlowRoleConsumes,
		},
		fact.Fact{
			Type: fact.TypeCustom,
			Custom: &fact.CustomPayload{
				Discriminant: "sbom_component",
				Data: []fact.Field{
					{Key: "purl", Value: "pkg:pypi/flask@2.0"},
					{Key: "depth", Value: int64(2)},
					{Key: "direct", Value: true},
					{Key: "score", Value: 7.5},
				},
			},
		},
	)
	b.Edges = append(b.Edges, fact.CausalEdge{From: 0, To: 1})
	return b
}

func TestSnapshot_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleBatch()))

	r, err := NewReader(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, fact.SchemaVersion, r.SchemaVersion())
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 1, r.EdgeCount())

	got, err := r.Batch()
	require.NoError(t, err)
	want := sampleBatch()

	require.Len(t, got.Facts, 3)
	for i := range want.Facts {
		want.Facts[i].ID = fact.ID(i) // IDs are positional in a snapshot
		assert.Equal(t, want.Facts[i], got.Facts[i], "fact %d", i)
	}
	assert.Equal(t, want.Edges, got.Edges)
}

func TestSnapshot_RandomAccess(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleBatch()))

	r, err := NewReader(buf.Bytes())
	require.NoError(t, err)

	// Decode the last record without touching the others.
	f, err := r.Fact(2)
	require.NoError(t, err)
	assert.Equal(t, fact.TypeCustom, f.Type)
	require.NotNil(t, f.Custom)
	assert.Equal(t, "sbom_component", f.Custom.Discriminant)

	v, ok := f.Custom.Get("depth")
	require.True(t, ok)
	assert.Equal(t, int64(2), v, "integers must come back widened to int64")

	_, err = r.Fact(3)
	assert.ErrorIs(t, err, ErrCorrupted)
	_, err = r.Fact(-1)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestSnapshot_EmptyBatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, fact.NewBatch()))

	r, err := NewReader(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.EdgeCount())

	got, err := r.Batch()
	require.NoError(t, err)
	assert.Empty(t, got.Facts)
	assert.Empty(t, got.Edges)
}

func TestSnapshot_BadMagic(t *testing.T) {
	_, err := NewReader([]byte("GIF89a not a snapshot at all, honest"))
	assert.ErrorIs(t, err, ErrBadMagic)

	_, err = NewReader([]byte("ST"))
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestSnapshot_IncompatibleSchema(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleBatch()))

	data := buf.Bytes()
	binary.LittleEndian.PutUint16(data[4:6], fact.SchemaVersion+1)

	_, err := NewReader(data)
	assert.ErrorIs(t, err, fact.ErrIncompatibleSchema)
}

func TestSnapshot_TruncatedFile(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleBatch()))

	data := buf.Bytes()
	_, err := NewReader(data[:len(data)-8])
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestSnapshot_FileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facts.strf")
	require.NoError(t, WriteFile(path, sampleBatch()))

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, got.Facts, 3)
	assert.Len(t, got.Edges, 1)
	assert.Equal(t, fact.SchemaVersion, got.SchemaVersion)
}

func TestSnapshot_ReadFileMissing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "absent.strf"))
	assert.Error(t, err)
}
