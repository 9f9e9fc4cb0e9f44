// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/toeirei/keyfleet/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the keyfleet configuration file",
	}

	var system bool
	saveCmd := &cobra.Command{
		Use:   "save",
		Short: "Write the effective configuration to the standard location",
		Long: `Persists the currently loaded configuration (defaults, config file, env
and flags merged) as keyfleet.yaml in the user config directory, or the
system-wide location with --system.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteConfigFile(&cfg, system); err != nil {
				return err
			}
			scope := "user"
			if system {
				scope = "system"
			}
			fmt.Printf("Configuration saved (%s scope).\n", scope)
			return nil
		},
	}
	saveCmd.Flags().BoolVar(&system, "system", false, "write to the system-wide config location")

	cmd.AddCommand(saveCmd)
	return cmd
}
