// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package report renders evaluation results for external consumers.
//
// The primary format is SARIF 2.1.0, the interchange format CI systems
// and code hosts ingest natively.
package report

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/owenrumney/go-sarif/v2/sarif"

	"github.com/AleutianAI/strata/pkg/eval"
	"github.com/AleutianAI/strata/pkg/rule"
)

const (
	toolName = "strata"
	toolURI  = "https://github.com/AleutianAI/strata"
)

// ToSARIF converts an engine result into a SARIF report.
//
// Rule metadata comes from the rule set; findings become results with
// the finding's fingerprint as a partial fingerprint so code hosts can
// track findings across commits. Diagnostics for rules that could not
// complete are attached as run properties.
//
// Inputs:
//
//	result - The engine run result.
//	rules - The rule set the run evaluated (for descriptions).
//
// Outputs:
//
//	*sarif.Report - The SARIF document.
//	error - Non-nil if the SARIF skeleton could not be created.
func ToSARIF(result *eval.Result, rules []rule.Rule) (*sarif.Report, error) {
	report, err := sarif.New(sarif.Version210)
	if err != nil {
		return nil, fmt.Errorf("create sarif report: %w", err)
	}

	run := sarif.NewRunWithInformationURI(toolName, toolURI)

	byID := make(map[string]rule.Rule, len(rules))
	for _, r := range rules {
		byID[r.ID] = r
	}

	added := make(map[string]bool)
	for _, f := range result.Findings {
		if !added[f.RuleID] {
			added[f.RuleID] = true
			r := byID[f.RuleID]
			run.AddRule(f.RuleID).
				WithDescription(r.Message).
				WithDefaultConfiguration(&sarif.ReportingConfiguration{
					Level: toSarifLevel(f.Severity),
				})
		}

		res := sarif.NewRuleResult(f.RuleID).
			WithMessage(sarif.NewTextMessage(f.Message)).
			WithLevel(toSarifLevel(f.Severity))
		res.PartialFingerprints = map[string]interface{}{
			"strata/v1": f.Fingerprint,
		}

		if f.Location != nil {
			region := sarif.NewRegion().WithStartLine(f.Location.Line)
			if f.Location.Column > 0 {
				region = region.WithStartColumn(f.Location.Column)
			}
			if f.Location.EndLine > 0 {
				region = region.WithEndLine(f.Location.EndLine)
			}
			res.WithLocations([]*sarif.Location{
				sarif.NewLocation().WithPhysicalLocation(
					sarif.NewPhysicalLocation().
						WithArtifactLocation(sarif.NewArtifactLocation().WithUri(f.Location.Path)).
						WithRegion(region),
				),
			})
		}

		evidence := make([]string, len(f.Evidence))
		for i, id := range f.Evidence {
			evidence[i] = strconv.Itoa(int(id))
		}
		res.AttachPropertyBag(&sarif.PropertyBag{Properties: map[string]interface{}{
			"evidence": strings.Join(evidence, ","),
		}})

		run.AddResult(res)
	}

	if len(result.Diagnostics) > 0 {
		incomplete := make([]interface{}, len(result.Diagnostics))
		for i, d := range result.Diagnostics {
			incomplete[i] = map[string]interface{}{
				"ruleId":  d.RuleID,
				"message": d.Message,
			}
		}
		run.AttachPropertyBag(&sarif.PropertyBag{Properties: map[string]interface{}{
			"incompleteRules": incomplete,
		}})
	}

	report.AddRun(run)
	return report, nil
}

// WriteSARIF renders an engine result as SARIF to w.
func WriteSARIF(w io.Writer, result *eval.Result, rules []rule.Rule) error {
	report, err := ToSARIF(result, rules)
	if err != nil {
		return err
	}
	if err := report.PrettyWrite(w); err != nil {
		return fmt.Errorf("write sarif report: %w", err)
	}
	return nil
}

// WriteSARIFFile renders an engine result as SARIF to a file.
func WriteSARIFFile(path string, result *eval.Result, rules []rule.Rule) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create sarif file: %w", err)
	}
	if err := WriteSARIF(f, result, rules); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// toSarifLevel maps rule severities onto SARIF result levels.
func toSarifLevel(s rule.Severity) string {
	switch s {
	case rule.SeverityCritical, rule.SeverityHigh:
		return "error"
	case rule.SeverityMedium:
		return "warning"
	default:
		return "note"
	}
}
