// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/jontk/leaseq"
	"github.com/jontk/leaseq/pkg/config"
	"github.com/jontk/leaseq/pkg/logging"
	"github.com/spf13/cobra"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = ""
	Commit    = ""

	// Global flags
	homeFlag   string
	logFormat  string
	debugFlag  bool

	rootCmd = &cobra.Command{
		Use:     "leaseq",
		Short:   "A filesystem-coordinated task queue for scientific computing sessions",
		Long: `leaseq queues shell commands ("tasks") against a "lease" - either the
always-on local host or an external batch-system allocation - and runs
each task exactly once, using nothing but atomic directory renames on a
shared filesystem for coordination.`,
		Version: Version,
	}
)

func init() {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildTime)

	rootCmd.PersistentFlags().StringVar(&homeFlag, "home", "", "mailbox home directory (env: LEASEQ_HOME)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log output format: text or json (env: LEASEQ_LOG_FORMAT)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug-level logging")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(leaseCmd)
	rootCmd.AddCommand(runnerCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(docsCmd)
}

// loadConfig resolves configuration the same way every command does:
// --home (if given) takes priority over LEASEQ_HOME, then config.Load
// applies the documented env-var defaults.
func loadConfig() (*config.Config, error) {
	if homeFlag != "" {
		if err := os.Setenv("LEASEQ_HOME", homeFlag); err != nil {
			return nil, fmt.Errorf("set LEASEQ_HOME: %w", err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, userErrf("%s (set --home or LEASEQ_HOME)", err)
	}
	if debugFlag {
		cfg.Debug = true
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) logging.Logger {
	format := logging.FormatText
	switch logFormat {
	case "json":
		format = logging.FormatJSON
	case "text", "":
		if os.Getenv("LEASEQ_LOG_FORMAT") == "json" {
			format = logging.FormatJSON
		}
	}
	level := loggingLevel(cfg.Debug)
	return logging.NewLogger(&logging.Config{
		Level:   level,
		Format:  format,
		Output:  os.Stderr,
		Version: Version,
	})
}

func pathsFromConfig(cfg *config.Config) leaseq.Paths {
	return leaseq.NewPaths(cfg.Home)
}

func main() {
	os.Exit(run())
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		var ece *exitCodeError
		if asExitCodeError(err, &ece) {
			return ece.code
		}
		var ue *userError
		if asUserError(err, &ue) {
			fmt.Fprintln(os.Stderr, "error:", ue.err)
			return 1
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}
	return 0
}
