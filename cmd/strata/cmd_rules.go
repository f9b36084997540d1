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
	"fmt"

	"github.com/spf13/cobra"
)

var (
	rulesCmd = &cobra.Command{
		Use:   "rules",
		Short: "List and validate a rule set",
		Long: `Parses a rules file and prints each rule's id, severity and
enabled state. Without --rules, shows the built-in rule set. A parse
or structural error exits non-zero, so this doubles as a lint step.`,
		RunE: runRules,
	}

	rulesFilePath string
)

func init() {
	rulesCmd.Flags().StringVar(&rulesFilePath, "rules", "", "rules YAML file (default: built-in rules)")

	rootCmd.AddCommand(rulesCmd)
}

func runRules(cmd *cobra.Command, args []string) error {
	rules, err := loadRules(rulesFilePath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, r := range rules {
		state := "enabled"
		if !r.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(out, "%-30s %-8s %-8s %s\n", r.ID, r.Severity, state, r.Message)
	}
	fmt.Fprintf(out, "%d rules\n", len(rules))
	return nil
}
