// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/strata/pkg/eval"
	"github.com/AleutianAI/strata/pkg/report"
	"github.com/AleutianAI/strata/pkg/rule"
	"github.com/AleutianAI/strata/pkg/snapshot"
	"github.com/AleutianAI/strata/pkg/store"
	"github.com/AleutianAI/strata/pkg/validate"
)

// errFindingsAboveThreshold drives the CI gate exit code.
var errFindingsAboveThreshold = errors.New("findings at or above the failure threshold")

var (
	evaluateCmd = &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate governance rules against a fact snapshot",
		Long: `Loads a fact snapshot, validates and indexes it, evaluates the
rule set and writes the findings. With --fail-on, the command exits
with status 2 when any finding meets the given severity, which makes
it usable as a CI gate.`,
		RunE: runEvaluate,
	}

	snapshotPath string
	rulesPath    string
	outputPath   string
	failOn       string
	parallelism  int
	ruleTimeout  time.Duration
	budget       int
)

func init() {
	evaluateCmd.Flags().StringVar(&snapshotPath, "snapshot", "", "fact snapshot file (required)")
	evaluateCmd.Flags().StringVar(&rulesPath, "rules", "", "rules YAML file (default: built-in rules)")
	evaluateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "SARIF output file (default: stdout)")
	evaluateCmd.Flags().StringVar(&failOn, "fail-on", "", "exit 2 when findings reach this severity (info|low|medium|high|critical)")
	evaluateCmd.Flags().IntVar(&parallelism, "parallelism", 0, "max rules evaluated concurrently (default: GOMAXPROCS)")
	evaluateCmd.Flags().DurationVar(&ruleTimeout, "rule-timeout", 30*time.Second, "per-rule deadline (0 disables)")
	evaluateCmd.Flags().IntVar(&budget, "budget", 0, "per-rule candidate fact budget (0 disables)")
	_ = evaluateCmd.MarkFlagRequired("snapshot")

	rootCmd.AddCommand(evaluateCmd)
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rules, err := loadRules(rulesPath)
	if err != nil {
		return err
	}

	st, err := loadStore(ctx, snapshotPath)
	if err != nil {
		return err
	}

	engine := eval.NewEngine(eval.Options{
		Parallelism:     parallelism,
		RuleTimeout:     ruleTimeout,
		CandidateBudget: budget,
		Logger:          appLog,
	})
	result, err := engine.Run(ctx, st, rules)
	if err != nil {
		return fmt.Errorf("evaluate rules: %w", err)
	}

	if outputPath != "" {
		if err := report.WriteSARIFFile(outputPath, result, rules); err != nil {
			return err
		}
		appLog.Info("report written", "path", outputPath, "findings", len(result.Findings))
	} else {
		if err := report.WriteSARIF(os.Stdout, result, rules); err != nil {
			return err
		}
	}

	for _, d := range result.Diagnostics {
		appLog.Warn("rule incomplete", "rule_id", d.RuleID, "reason", d.Message)
	}

	if failOn != "" {
		threshold, ok := rule.ParseSeverity(failOn)
		if !ok {
			return fmt.Errorf("unknown --fail-on severity %q", failOn)
		}
		for _, f := range result.Findings {
			if f.Severity >= threshold {
				return fmt.Errorf("%w: %s (%s)", errFindingsAboveThreshold, f.RuleID, f.Severity)
			}
		}
	}
	return nil
}

// loadRules loads the rule file, or the built-in set when none given.
func loadRules(path string) ([]rule.Rule, error) {
	if path == "" {
		return rule.DefaultRules(), nil
	}
	rules, err := rule.LoadFile(path)
	if err != nil {
		return nil, err
	}
	appLog.Debug("rules loaded", "path", path, "count", len(rules))
	return rules, nil
}

// loadStore reads a snapshot, validates the batch and freezes a store.
func loadStore(ctx context.Context, path string) (*store.Store, error) {
	batch, err := snapshot.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if err := validate.Validate(batch); err != nil {
		return nil, fmt.Errorf("validate snapshot: %w", err)
	}

	st, err := store.Build(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("build store: %w", err)
	}

	stats, err := st.Stats()
	if err != nil {
		return nil, err
	}
	appLog.Debug("store built",
		"facts", stats.FactCount,
		"edges", stats.CausalEdgeCount,
		"files", stats.FileCount,
	)
	return st, nil
}
