// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/jontk/leaseq/internal/snapshot"
	"github.com/jontk/leaseq/internal/tui"
	"github.com/spf13/cobra"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Open the live terminal dashboard over every registered lease",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		paths := pathsFromConfig(cfg)
		reader := snapshot.New(paths)
		app := tui.New(paths, reader)
		if err := app.Run(); err != nil {
			return fmt.Errorf("terminal UI: %w", err)
		}
		return nil
	},
}
