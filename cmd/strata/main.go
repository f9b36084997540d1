// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command strata evaluates governance rules over extracted code facts.
//
// The typical pipeline: extractors write a fact snapshot, then
//
//	strata evaluate --snapshot facts.strf --rules rules.yml --output out.sarif
//
// loads it, builds the indexed store, runs every enabled rule and
// renders the findings as SARIF.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AleutianAI/strata/pkg/logging"
)

var (
	rootCmd = &cobra.Command{
		Use:   "strata",
		Short: "A governance engine over static analysis facts",
		Long: `Strata ingests fact snapshots produced by static analysis
extractors, indexes them, and evaluates declarative correlation rules
across tool boundaries: taint flows, coverage, ownership, SBOM data
and anything published through a custom fact schema.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	verbose bool
	quiet   bool
	logJSON bool
	logDir  string
	appLog  *logging.Logger
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress log output on stderr")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "write stderr logs as JSON")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "also write JSON logs to this directory")

	viper.SetEnvPrefix("STRATA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, key := range []string{"verbose", "quiet", "log-json", "log-dir"} {
		_ = viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(key))
	}

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level := logging.LevelInfo
	if viper.GetBool("verbose") {
		level = logging.LevelDebug
	}
	appLog = logging.New(logging.Config{
		Level:   level,
		Service: "strata",
		JSON:    viper.GetBool("log-json"),
		Quiet:   viper.GetBool("quiet"),
		LogDir:  viper.GetString("log-dir"),
	})
}

func main() {
	defer func() {
		if appLog != nil {
			appLog.Close()
		}
	}()
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errFindingsAboveThreshold) {
			fmt.Fprintln(os.Stderr, err)
			if appLog != nil {
				appLog.Close()
			}
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		if appLog != nil {
			appLog.Close()
		}
		os.Exit(1)
	}
}
