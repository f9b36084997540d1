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
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/strata/pkg/fact"
	"github.com/AleutianAI/strata/pkg/snapshot"
	"github.com/AleutianAI/strata/pkg/store"
	"github.com/AleutianAI/strata/pkg/validate"
)

var (
	inspectCmd = &cobra.Command{
		Use:   "inspect",
		Short: "Show the contents of a fact snapshot",
		Long: `Loads a snapshot, validates it, builds the indexed store and
prints fact counts by type plus flow and file statistics.`,
		RunE: runInspect,
	}

	inspectSnapshotPath string
)

func init() {
	inspectCmd.Flags().StringVar(&inspectSnapshotPath, "snapshot", "", "fact snapshot file (required)")
	_ = inspectCmd.MarkFlagRequired("snapshot")

	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	batch, err := snapshot.ReadFile(inspectSnapshotPath)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if err := validate.Validate(batch); err != nil {
		return fmt.Errorf("validate snapshot: %w", err)
	}

	st, err := store.Build(ctx, batch)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}
	stats, err := st.Stats()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Snapshot: %s (schema v%d)\n", inspectSnapshotPath, batch.SchemaVersion)
	fmt.Fprintf(out, "Facts:    %d\n", stats.FactCount)
	fmt.Fprintf(out, "Edges:    %d\n", stats.CausalEdgeCount)
	fmt.Fprintf(out, "Files:    %d\n", stats.FileCount)

	types := make([]fact.Type, 0, len(stats.FactsByType))
	for t := range stats.FactsByType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, t := range types {
		fmt.Fprintf(out, "  %-20s %d\n", t.String(), stats.FactsByType[t])
	}
	return nil
}
