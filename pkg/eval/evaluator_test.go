// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package eval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/strata/pkg/fact"
	"github.com/AleutianAI/strata/pkg/rule"
	"github.com/AleutianAI/strata/pkg/store"
)

// freeze builds a frozen store from a batch.
func freeze(t *testing.T, b *fact.Batch) *store.Store {
	t.Helper()
	st, err := store.Build(context.Background(), b)
	require.NoError(t, err)
	return st
}

func taintBatch() *fact.Batch {
	b := fact.NewBatch()
	b.Facts = append(b.Facts,
		fact.Fact{Type: fact.TypeTaintSource, Flow: "f1",
			Location: &fact.SourceLocation{Path: "app/views.py", Line: 10}},
		fact.Fact{Type: fact.TypeTaintSink, Flow: "f1",
			Location: &fact.SourceLocation{Path: "app/db.py", Line: 40}},
		fact.Fact{Type: fact.TypeTaintSource, Flow: "f2",
			Location: &fact.SourceLocation{Path: "app/api.py", Line: 5}},
	)
	return b
}

func flowJoinRule() rule.Rule {
	return rule.Rule{
		ID:       "taint-to-sink",
		Severity: rule.SeverityCritical,
		Message:  "tainted data reaches sink",
		Enabled:  true,
		Predicate: rule.Node{And: []rule.Node{
			{Exists: &rule.Exists{Type: fact.TypeTaintSource, Bind: map[string]rule.BindField{"f": rule.BindFlow}}},
			{Exists: &rule.Exists{Type: fact.TypeTaintSink, Bind: map[string]rule.BindField{"f": rule.BindFlow}}},
		}},
	}
}

func TestEvaluateRule_FlowJoin(t *testing.T) {
	st := freeze(t, taintBatch())

	findings, stats, err := EvaluateRule(context.Background(), st, flowJoinRule(), 0)
	require.NoError(t, err)

	// Only f1 has both a source and a sink; f2's source joins nothing.
	require.Len(t, findings, 1)
	assert.Equal(t, []fact.ID{0, 1}, findings[0].Evidence)
	assert.Equal(t, rule.SeverityCritical, findings[0].Severity)
	require.NotNil(t, findings[0].Location)
	assert.Equal(t, "app/views.py", findings[0].Location.Path)
	assert.Positive(t, stats.FactsScanned)
}

func TestEvaluateRule_SuppressedWhenSanitizedOnEveryPath(t *testing.T) {
	b := fact.NewBatch()
	b.Facts = append(b.Facts,
		fact.Fact{Type: fact.TypeTaintSource, Flow: "f1",
			Location: &fact.SourceLocation{Path: "a.py", Line: 1}},
		fact.Fact{Type: fact.TypeSanitization, Flow: "f1",
			Location: &fact.SourceLocation{Path: "a.py", Line: 5}},
		fact.Fact{Type: fact.TypeTaintSink, Flow: "f1",
			Location: &fact.SourceLocation{Path: "a.py", Line: 9}},
	)
	b.Edges = append(b.Edges,
		fact.CausalEdge{From: 0, To: 1},
		fact.CausalEdge{From: 1, To: 2},
	)
	st := freeze(t, b)

	findings, _, err := EvaluateRule(context.Background(), st, flowJoinRule(), 0)
	require.NoError(t, err)
	assert.Empty(t, findings, "fully sanitized flow must not fire")
}

func TestEvaluateRule_NotSuppressedWithBypassPath(t *testing.T) {
	b := fact.NewBatch()
	b.Facts = append(b.Facts,
		fact.Fact{Type: fact.TypeTaintSource, Flow: "f1",
			Location: &fact.SourceLocation{Path: "a.py", Line: 1}},
		fact.Fact{Type: fact.TypeSanitization, Flow: "f1",
			Location: &fact.SourceLocation{Path: "a.py", Line: 5}},
		fact.Fact{Type: fact.TypeTaintSink, Flow: "f1",
			Location: &fact.SourceLocation{Path: "a.py", Line: 9}},
	)
	b.Edges = append(b.Edges,
		fact.CausalEdge{From: 0, To: 1},
		fact.CausalEdge{From: 1, To: 2},
		fact.CausalEdge{From: 0, To: 2}, // unsanitized bypass
	)
	st := freeze(t, b)

	findings, _, err := EvaluateRule(context.Background(), st, flowJoinRule(), 0)
	require.NoError(t, err)
	require.Len(t, findings, 1)
}

func TestEvaluateRule_LocationJoin(t *testing.T) {
	b := fact.NewBatch()
	b.Facts = append(b.Facts,
		fact.Fact{Type: fact.TypeVulnerability,
			Location: &fact.SourceLocation{Path: "app/auth.py", Line: 20}},
		fact.Fact{Type: fact.TypeUncoveredLine,
			Location: &fact.SourceLocation{Path: "app/auth.py", Line: 20}},
		fact.Fact{Type: fact.TypeVulnerability,
			Location: &fact.SourceLocation{Path: "app/other.py", Line: 7}},
	)
	st := freeze(t, b)

	r := rule.Rule{
		ID: "vuln-uncovered", Severity: rule.SeverityHigh, Enabled: true,
		Predicate: rule.Node{And: []rule.Node{
			{Exists: &rule.Exists{Type: fact.TypeVulnerability, Bind: map[string]rule.BindField{"l": rule.BindLocation}}},
			{Exists: &rule.Exists{Type: fact.TypeUncoveredLine, Bind: map[string]rule.BindField{"l": rule.BindLocation}}},
		}},
	}
	findings, _, err := EvaluateRule(context.Background(), st, r, 0)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, []fact.ID{0, 1}, findings[0].Evidence)
}

func TestEvaluateRule_NearQuery(t *testing.T) {
	b := fact.NewBatch()
	b.Facts = append(b.Facts,
		fact.Fact{Type: fact.TypeAPIEndpoint,
			Location: &fact.SourceLocation{Path: "app/api.py", Line: 100}},
		fact.Fact{Type: fact.TypeUncoveredLine,
			Location: &fact.SourceLocation{Path: "app/api.py", Line: 103}},
		fact.Fact{Type: fact.TypeUncoveredLine,
			Location: &fact.SourceLocation{Path: "app/api.py", Line: 200}},
	)
	st := freeze(t, b)

	r := rule.Rule{
		ID: "endpoint-uncovered", Severity: rule.SeverityMedium, Enabled: true,
		Predicate: rule.Node{And: []rule.Node{
			{Exists: &rule.Exists{Type: fact.TypeAPIEndpoint, Bind: map[string]rule.BindField{"l": rule.BindLocation}}},
			{Exists: &rule.Exists{Type: fact.TypeUncoveredLine, Near: &rule.Near{Var: "l", Radius: 5}}},
		}},
	}
	findings, _, err := EvaluateRule(context.Background(), st, r, 0)
	require.NoError(t, err)

	// Only the uncovered line within 5 lines matches.
	require.Len(t, findings, 1)
	assert.Equal(t, []fact.ID{0, 1}, findings[0].Evidence)
}

func TestEvaluateRule_ReachableFrom(t *testing.T) {
	b := fact.NewBatch()
	b.Facts = append(b.Facts,
		fact.Fact{Type: fact.TypeTaintSource, Flow: "f1",
			Location: &fact.SourceLocation{Path: "a.py", Line: 1}},
		fact.Fact{Type: fact.TypeTaintSink, Flow: "f1",
			Location: &fact.SourceLocation{Path: "a.py", Line: 9}},
		fact.Fact{Type: fact.TypeTaintSink, Flow: "f9",
			Location: &fact.SourceLocation{Path: "b.py", Line: 2}},
	)
	st := freeze(t, b)

	r := rule.Rule{
		ID: "reach", Severity: rule.SeverityHigh, Enabled: true,
		Predicate: rule.Node{And: []rule.Node{
			{Exists: &rule.Exists{Type: fact.TypeTaintSource, Bind: map[string]rule.BindField{"s": rule.BindFact}}},
			{Exists: &rule.Exists{Type: fact.TypeTaintSink, ReachableFrom: "s"}},
		}},
	}
	findings, _, err := EvaluateRule(context.Background(), st, r, 0)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, []fact.ID{0, 1}, findings[0].Evidence)
}

func TestEvaluateRule_Negation(t *testing.T) {
	b := fact.NewBatch()
	b.Facts = append(b.Facts,
		fact.Fact{Type: fact.TypeVulnerability,
			Location: &fact.SourceLocation{Path: "a.py", Line: 1}},
	)
	st := freeze(t, b)

	// Vulnerability with no test case anywhere fires.
	r := rule.Rule{
		ID: "vuln-untested", Severity: rule.SeverityHigh, Enabled: true,
		Predicate: rule.Node{And: []rule.Node{
			{Exists: &rule.Exists{Type: fact.TypeVulnerability}},
			{Not: &rule.Node{Exists: &rule.Exists{Type: fact.TypeTestCase}}},
		}},
	}
	findings, _, err := EvaluateRule(context.Background(), st, r, 0)
	require.NoError(t, err)
	require.Len(t, findings, 1)

	// Adding a test case anywhere defeats the negation.
	b2 := fact.NewBatch()
	b2.Facts = append(b2.Facts,
		fact.Fact{Type: fact.TypeVulnerability,
			Location: &fact.SourceLocation{Path: "a.py", Line: 1}},
		fact.Fact{Type: fact.TypeTestCase,
			Location: &fact.SourceLocation{Path: "a_test.py", Line: 1}},
	)
	st2 := freeze(t, b2)
	findings, _, err = EvaluateRule(context.Background(), st2, r, 0)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestEvaluateRule_OrDeduplicates(t *testing.T) {
	b := fact.NewBatch()
	b.Facts = append(b.Facts,
		fact.Fact{Type: fact.TypeSecretExposure, Confidence: 0.9,
			Location: &fact.SourceLocation{Path: "cfg.py", Line: 3}},
	)
	st := freeze(t, b)

	// Both alternatives match the same fact; one finding results.
	r := rule.Rule{
		ID: "secret", Severity: rule.SeverityCritical, Enabled: true,
		Predicate: rule.Node{Or: []rule.Node{
			{Exists: &rule.Exists{Type: fact.TypeSecretExposure}},
			{Exists: &rule.Exists{Type: fact.TypeSecretExposure, Where: []rule.Constraint{
				{Field: rule.FieldConfidence, Op: rule.OpGe, Value: 0.5},
			}}},
		}},
	}
	findings, _, err := EvaluateRule(context.Background(), st, r, 0)
	require.NoError(t, err)
	assert.Len(t, findings, 1)
}

func TestEvaluateRule_DuplicateFactsShareIdentity(t *testing.T) {
	b := fact.NewBatch()
	secret := fact.Fact{Type: fact.TypeSecretExposure,
		Provenance: fact.Provenance{Source: "scanner", Version: "1"},
		Location:   &fact.SourceLocation{Path: "cfg/settings.py", Line: 2}}
	b.Facts = append(b.Facts, secret, secret)
	st := freeze(t, b)

	r := rule.Rule{
		ID: "secret", Severity: rule.SeverityCritical, Enabled: true,
		Predicate: rule.Node{Exists: &rule.Exists{Type: fact.TypeSecretExposure}},
	}
	findings, _, err := EvaluateRule(context.Background(), st, r, 0)
	require.NoError(t, err)

	// The duplicate insertion must not mint a second identity.
	require.Len(t, findings, 1)
	assert.Equal(t, []fact.ID{0}, findings[0].Evidence)

	// The same holds when duplicates enter through a join: both source
	// copies pair with the sink, but the rows are one observation.
	b2 := fact.NewBatch()
	src := fact.Fact{Type: fact.TypeTaintSource, Flow: "f1",
		Location: &fact.SourceLocation{Path: "app/views.py", Line: 10}}
	b2.Facts = append(b2.Facts, src, src,
		fact.Fact{Type: fact.TypeTaintSink, Flow: "f1",
			Location: &fact.SourceLocation{Path: "app/db.py", Line: 40}},
	)
	st2 := freeze(t, b2)
	findings, _, err = EvaluateRule(context.Background(), st2, flowJoinRule(), 0)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, []fact.ID{0, 2}, findings[0].Evidence)
}

func TestEvaluateRule_Constraints(t *testing.T) {
	b := fact.NewBatch()
	b.Facts = append(b.Facts,
		fact.Fact{Type: fact.TypeVulnerability, Confidence: 0.95,
			Provenance: fact.Provenance{Source: "semgrep"},
			Location:   &fact.SourceLocation{Path: "app/auth.py", Line: 12}},
		fact.Fact{Type: fact.TypeVulnerability, Confidence: 0.40,
			Provenance: fact.Provenance{Source: "semgrep"},
			Location:   &fact.SourceLocation{Path: "app/auth.py", Line: 30}},
		fact.Fact{Type: fact.TypeVulnerability, Confidence: 0.99,
			Provenance: fact.Provenance{Source: "codeql"},
			Location:   &fact.SourceLocation{Path: "vendor/lib.py", Line: 2}},
	)
	st := freeze(t, b)

	r := rule.Rule{
		ID: "confident-app-vuln", Severity: rule.SeverityHigh, Enabled: true,
		Predicate: rule.Node{Exists: &rule.Exists{
			Type: fact.TypeVulnerability,
			Where: []rule.Constraint{
				{Field: rule.FieldConfidence, Op: rule.OpGe, Value: 0.9},
				{Field: rule.FieldPath, Op: rule.OpPrefix, Value: "app/"},
				{Field: rule.FieldSource, Op: rule.OpIn, Values: []any{"semgrep", "bandit"}},
			},
		}},
	}
	findings, _, err := EvaluateRule(context.Background(), st, r, 0)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, []fact.ID{0}, findings[0].Evidence)
}

func TestEvaluateRule_CustomDataConstraint(t *testing.T) {
	b := fact.NewBatch()
	b.Facts = append(b.Facts,
		fact.Fact{Type: fact.TypeCustom, Custom: &fact.CustomPayload{
			Discriminant: "sbom_component",
			Data: []fact.Field{
				{Key: "license", Value: "GPL-3.0"},
				{Key: "direct", Value: true},
			},
		}},
		fact.Fact{Type: fact.TypeCustom, Custom: &fact.CustomPayload{
			Discriminant: "sbom_component",
			Data:         []fact.Field{{Key: "license", Value: "MIT"}},
		}},
		fact.Fact{Type: fact.TypeCustom, Custom: &fact.CustomPayload{
			Discriminant: "other_schema",
			Data:         []fact.Field{{Key: "license", Value: "GPL-3.0"}},
		}},
	)
	st := freeze(t, b)

	r := rule.Rule{
		ID: "copyleft", Severity: rule.SeverityMedium, Enabled: true,
		Predicate: rule.Node{Exists: &rule.Exists{
			Type:         fact.TypeCustom,
			Discriminant: "sbom_component",
			Where: []rule.Constraint{
				{Field: "data.license", Op: rule.OpIn, Values: []any{"GPL-3.0", "AGPL-3.0"}},
			},
		}},
	}
	findings, _, err := EvaluateRule(context.Background(), st, r, 0)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, []fact.ID{0}, findings[0].Evidence)
}

func TestEvaluateRule_PinnedWindowConstraint(t *testing.T) {
	b := fact.NewBatch()
	b.Facts = append(b.Facts,
		fact.Fact{Type: fact.TypeDeadCode,
			Location: &fact.SourceLocation{Path: "app/x.py", Line: 5}},
		fact.Fact{Type: fact.TypeDeadCode,
			Location: &fact.SourceLocation{Path: "app/x.py", Line: 50}},
		fact.Fact{Type: fact.TypeDeadCode,
			Location: &fact.SourceLocation{Path: "app/y.py", Line: 5}},
	)
	st := freeze(t, b)

	r := rule.Rule{
		ID: "dead-early", Severity: rule.SeverityInfo, Enabled: true,
		Predicate: rule.Node{Exists: &rule.Exists{
			Type: fact.TypeDeadCode,
			Where: []rule.Constraint{
				{Field: rule.FieldPath, Op: rule.OpEq, Value: "app/x.py"},
				{Field: rule.FieldLine, Op: rule.OpLe, Value: int64(10)},
			},
		}},
	}
	findings, _, err := EvaluateRule(context.Background(), st, r, 0)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, []fact.ID{0}, findings[0].Evidence)
}

func TestEvaluateRule_CandidateBudget(t *testing.T) {
	st := freeze(t, taintBatch())

	_, stats, err := EvaluateRule(context.Background(), st, flowJoinRule(), 1)
	assert.ErrorIs(t, err, ErrCandidateBudget)
	assert.GreaterOrEqual(t, stats.FactsScanned, 1)
}

func TestEvaluateRule_CancelledContext(t *testing.T) {
	st := freeze(t, taintBatch())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := EvaluateRule(ctx, st, flowJoinRule(), 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEvaluateRule_Deterministic(t *testing.T) {
	b := taintBatch()
	b.Facts = append(b.Facts,
		fact.Fact{Type: fact.TypeTaintSink, Flow: "f2",
			Location: &fact.SourceLocation{Path: "app/api.py", Line: 77}},
	)
	st := freeze(t, b)

	first, _, err := EvaluateRule(context.Background(), st, flowJoinRule(), 0)
	require.NoError(t, err)
	require.Len(t, first, 2)

	for i := 0; i < 10; i++ {
		again, _, err := EvaluateRule(context.Background(), st, flowJoinRule(), 0)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSortFindings_Order(t *testing.T) {
	loc := func(path string, line int) *fact.SourceLocation {
		return &fact.SourceLocation{Path: path, Line: line}
	}
	findings := []Finding{
		{RuleID: "b", Severity: rule.SeverityLow, Location: loc("a.py", 1), Fingerprint: "1"},
		{RuleID: "a", Severity: rule.SeverityCritical, Location: loc("z.py", 9), Fingerprint: "2"},
		{RuleID: "a", Severity: rule.SeverityCritical, Location: loc("a.py", 5), Fingerprint: "3"},
		{RuleID: "c", Severity: rule.SeverityCritical, Location: loc("a.py", 5), Fingerprint: "4"},
	}
	SortFindings(findings)

	assert.Equal(t, "3", findings[0].Fingerprint) // critical, a.py:5, rule a
	assert.Equal(t, "4", findings[1].Fingerprint) // critical, a.py:5, rule c
	assert.Equal(t, "2", findings[2].Fingerprint) // critical, z.py
	assert.Equal(t, "1", findings[3].Fingerprint) // low last
}

func TestFingerprint_Stable(t *testing.T) {
	a := fingerprint("r1", []fact.ID{1, 2, 3})
	b := fingerprint("r1", []fact.ID{1, 2, 3})
	c := fingerprint("r2", []fact.ID{1, 2, 3})
	d := fingerprint("r1", []fact.ID{1, 2})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
}
