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
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/strata/pkg/logging"
	"github.com/AleutianAI/strata/pkg/rule"
	"github.com/AleutianAI/strata/pkg/store"
)

var (
	engineTracer = otel.Tracer("eval.engine")
	engineMeter  = otel.Meter("eval.engine")
)

// RuleStats records the work one rule performed.
type RuleStats struct {
	// RuleID identifies the rule.
	RuleID string

	// FactsScanned is the number of candidate facts examined.
	FactsScanned int

	// CandidateSetSize is the largest single candidate set drawn from
	// an index.
	CandidateSetSize int

	// Findings is the number of findings produced.
	Findings int

	// Duration is the rule's wall-clock evaluation time.
	Duration time.Duration

	// TimedOut is true if the rule hit its deadline or budget and its
	// results were discarded.
	TimedOut bool
}

// Diagnostic reports a rule that could not complete. The run itself
// still succeeds; incomplete rules are surfaced, not fatal.
type Diagnostic struct {
	// RuleID identifies the affected rule.
	RuleID string

	// Message describes why the rule did not complete.
	Message string
}

// Result is the outcome of one engine run.
type Result struct {
	// Findings are all findings across rules, deduplicated by
	// fingerprint and in stable sorted order.
	Findings []Finding

	// Diagnostics lists rules that were skipped or cut short.
	Diagnostics []Diagnostic

	// Stats holds per-rule work counters, keyed by rule ID.
	Stats map[string]RuleStats

	// Duration is the whole run's wall-clock time.
	Duration time.Duration
}

// Options configures an engine run.
type Options struct {
	// Parallelism caps concurrently evaluated rules.
	// Default: runtime.GOMAXPROCS(0).
	Parallelism int

	// RuleTimeout is the per-rule deadline. Zero disables it.
	RuleTimeout time.Duration

	// CandidateBudget caps candidate facts scanned per rule.
	// Zero disables it.
	CandidateBudget int

	// Logger receives run progress. Default: logging.Default().
	Logger *logging.Logger
}

// Engine evaluates rule sets against frozen stores.
//
// # Thread Safety
//
// Engine is safe for concurrent use; each Run carries its own state.
type Engine struct {
	opts Options
	log  *logging.Logger

	rulesEvaluated metric.Int64Counter
	findingsTotal  metric.Int64Counter
}

// NewEngine creates an Engine with the given options.
func NewEngine(opts Options) *Engine {
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.GOMAXPROCS(0)
	}
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}

	rulesEvaluated, _ := engineMeter.Int64Counter("strata.rules.evaluated",
		metric.WithDescription("Rules evaluated, by outcome"))
	findingsTotal, _ := engineMeter.Int64Counter("strata.findings.total",
		metric.WithDescription("Findings produced across runs"))

	return &Engine{
		opts:           opts,
		log:            log,
		rulesEvaluated: rulesEvaluated,
		findingsTotal:  findingsTotal,
	}
}

// Run evaluates every enabled rule against the store.
//
// Rules run independently: a rule that times out, blows its candidate
// budget, or fails to plan contributes a Diagnostic and the run moves
// on. When the run context's deadline expires mid-run, findings already
// collected are kept and every unfinished rule surfaces as a
// Diagnostic; only explicit cancellation aborts the run. Output order
// is deterministic regardless of scheduling.
//
// Inputs:
//
//	ctx - Cancels the whole run.
//	st - The frozen store to evaluate.
//	rules - The rule set; disabled rules are skipped.
//
// Outputs:
//
//	*Result - Findings, diagnostics and per-rule stats.
//	error - store.ErrStoreBuilding for an unfrozen store, or explicit
//	cancellation.
func (e *Engine) Run(ctx context.Context, st *store.Store, rules []rule.Rule) (*Result, error) {
	if !st.IsFrozen() {
		return nil, store.ErrStoreBuilding
	}
	start := time.Now()

	ctx, span := engineTracer.Start(ctx, "engine.run")
	defer span.End()
	span.SetAttributes(
		attribute.Int("rule_count", len(rules)),
		attribute.Int("parallelism", e.opts.Parallelism),
	)

	result := &Result{Stats: make(map[string]RuleStats, len(rules))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Parallelism)

	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		r := r
		g.Go(func() error {
			findings, stats, err := e.runRule(gctx, st, r)
			mu.Lock()
			defer mu.Unlock()
			result.Stats[r.ID] = stats
			if err != nil {
				// Explicit cancellation stops the run. Deadlines,
				// budgets and planning failures become diagnostics, so
				// rules that finished keep their findings.
				if errors.Is(err, context.Canceled) {
					return err
				}
				result.Diagnostics = append(result.Diagnostics, Diagnostic{
					RuleID:  r.ID,
					Message: err.Error(),
				})
				return nil
			}
			result.Findings = append(result.Findings, findings...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("engine run: %w", err)
	}

	result.Findings = dedupeFindings(result.Findings)
	SortFindings(result.Findings)
	sortDiagnostics(result.Diagnostics)
	result.Duration = time.Since(start)

	e.findingsTotal.Add(ctx, int64(len(result.Findings)))
	span.SetAttributes(
		attribute.Int("finding_count", len(result.Findings)),
		attribute.Int("diagnostic_count", len(result.Diagnostics)),
	)
	span.SetStatus(codes.Ok, "")

	e.log.Info("rule run complete",
		"rules", len(rules),
		"findings", len(result.Findings),
		"diagnostics", len(result.Diagnostics),
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result, nil
}

// runRule evaluates one rule under its own deadline.
func (e *Engine) runRule(ctx context.Context, st *store.Store, r rule.Rule) ([]Finding, RuleStats, error) {
	ctx, span := engineTracer.Start(ctx, "engine.rule")
	defer span.End()
	span.SetAttributes(attribute.String("rule_id", r.ID))

	if e.opts.RuleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.RuleTimeout)
		defer cancel()
	}

	start := time.Now()
	findings, stats, err := EvaluateRule(ctx, st, r, e.opts.CandidateBudget)
	stats.Duration = time.Since(start)

	outcome := "ok"
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCandidateBudget):
		stats.TimedOut = true
		outcome = "cut_short"
		e.log.Warn("rule cut short",
			"rule_id", r.ID,
			"facts_scanned", stats.FactsScanned,
			"error", err.Error(),
		)
		span.SetStatus(codes.Error, err.Error())
	case err != nil:
		outcome = "error"
		span.SetStatus(codes.Error, err.Error())
	default:
		span.SetAttributes(attribute.Int("findings", len(findings)))
		span.SetStatus(codes.Ok, "")
	}
	e.rulesEvaluated.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))

	return findings, stats, err
}

// dedupeFindings removes cross-rule duplicates by fingerprint while
// preserving input order.
func dedupeFindings(findings []Finding) []Finding {
	seen := make(map[string]bool, len(findings))
	out := findings[:0]
	for _, f := range findings {
		if seen[f.Fingerprint] {
			continue
		}
		seen[f.Fingerprint] = true
		out = append(out, f)
	}
	return out
}

func sortDiagnostics(diags []Diagnostic) {
	sort.Slice(diags, func(i, j int) bool { return diags[i].RuleID < diags[j].RuleID })
}
