// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package report

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/strata/pkg/eval"
	"github.com/AleutianAI/strata/pkg/fact"
	"github.com/AleutianAI/strata/pkg/rule"
)

func sampleResult() *eval.Result {
	return &eval.Result{
		Findings: []eval.Finding{
			{
				RuleID:      "taint-flow-unsanitized",
				Severity:    rule.SeverityCritical,
				Message:     "Untrusted data reaches a sensitive sink",
				Location:    &fact.SourceLocation{Path: "app/views.py", Line: 10, Column: 4},
				Evidence:    []fact.ID{0, 3},
				Fingerprint: "deadbeefdeadbeef",
			},
			{
				RuleID:      "deprecated-api-usage",
				Severity:    rule.SeverityLow,
				Message:     "Call into a deprecated API",
				Evidence:    []fact.ID{7},
				Fingerprint: "cafecafecafecafe",
			},
		},
		Diagnostics: []eval.Diagnostic{
			{RuleID: "slow-rule", Message: "candidate budget exceeded"},
		},
	}
}

func TestToSARIF(t *testing.T) {
	report, err := ToSARIF(sampleResult(), rule.DefaultRules())
	require.NoError(t, err)
	require.Len(t, report.Runs, 1)

	run := report.Runs[0]
	assert.Equal(t, "strata", run.Tool.Driver.Name)
	require.Len(t, run.Results, 2)
	assert.Len(t, run.Tool.Driver.Rules, 2)

	first := run.Results[0]
	assert.Equal(t, "taint-flow-unsanitized", *first.RuleID)
	assert.Equal(t, "error", *first.Level)
	assert.Equal(t, "deadbeefdeadbeef", first.PartialFingerprints["strata/v1"])
	require.Len(t, first.Locations, 1)
	phys := first.Locations[0].PhysicalLocation
	assert.Equal(t, "app/views.py", *phys.ArtifactLocation.URI)
	assert.Equal(t, 10, *phys.Region.StartLine)
	assert.Equal(t, 4, *phys.Region.StartColumn)

	second := run.Results[1]
	assert.Equal(t, "note", *second.Level)
	assert.Empty(t, second.Locations, "unlocated finding has no location block")
}

func TestWriteSARIF_ValidJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSARIF(&buf, sampleResult(), rule.DefaultRules()))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "2.1.0", doc["version"])
	assert.Contains(t, buf.String(), "incompleteRules")
	assert.Contains(t, buf.String(), "slow-rule")
}

func TestToSARIF_EmptyResult(t *testing.T) {
	report, err := ToSARIF(&eval.Result{}, nil)
	require.NoError(t, err)
	require.Len(t, report.Runs, 1)
	assert.Empty(t, report.Runs[0].Results)
}

func TestToSarifLevel(t *testing.T) {
	assert.Equal(t, "error", toSarifLevel(rule.SeverityCritical))
	assert.Equal(t, "error", toSarifLevel(rule.SeverityHigh))
	assert.Equal(t, "warning", toSarifLevel(rule.SeverityMedium))
	assert.Equal(t, "note", toSarifLevel(rule.SeverityLow))
	assert.Equal(t, "note", toSarifLevel(rule.SeverityInfo))
}
