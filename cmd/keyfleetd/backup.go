// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

// backup.go implements zstd-compressed JSON export/import of the full
// engine state, plus storage maintenance.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"
	"github.com/toeirei/keyfleet/internal/db"
	"github.com/toeirei/keyfleet/internal/model"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export or restore the full engine state",
	}
	cmd.AddCommand(newBackupExportCmd())
	cmd.AddCommand(newBackupImportCmd())
	return cmd
}

func newBackupExportCmd() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a compressed backup to a file or stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := db.ExportDataForBackup()
			if err != nil {
				return fmt.Errorf("export failed: %w", err)
			}

			var w io.Writer = os.Stdout
			if outFile != "" {
				f, err := os.OpenFile(outFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				w = f
			}

			if err := writeBackup(data, w); err != nil {
				return err
			}
			if outFile != "" {
				fmt.Fprintf(os.Stderr, "Backup written to %s\n", outFile)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "output file (default stdout)")
	return cmd
}

func newBackupImportCmd() *cobra.Command {
	var inFile string
	var yes bool

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Restore engine state from a backup, replacing current contents",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("import replaces all current data; re-run with --yes to confirm")
			}

			var r io.Reader = os.Stdin
			if inFile != "" {
				f, err := os.Open(inFile)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				r = f
			}

			data, err := readBackup(r)
			if err != nil {
				return err
			}
			if err := db.ImportDataFromBackup(data); err != nil {
				return fmt.Errorf("import failed: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Restored %d hosts, %d users, %d keys, %d mappings, %d deployments\n",
				len(data.Hosts), len(data.Users), len(data.SSHKeys), len(data.Mappings), len(data.Deployments))
			return nil
		},
	}

	cmd.Flags().StringVarP(&inFile, "in", "i", "", "input file (default stdin)")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the destructive restore")
	return cmd
}

// writeBackup encodes the payload as zstd-compressed indented JSON.
func writeBackup(data *model.BackupData, w io.Writer) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer func() { _ = zw.Close() }()

	enc := json.NewEncoder(zw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("encode backup: %w", err)
	}
	return zw.Close()
}

// readBackup decodes a zstd-compressed JSON backup payload.
func readBackup(r io.Reader) (*model.BackupData, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	var data model.BackupData
	if err := json.NewDecoder(zr).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode backup: %w", err)
	}
	return &data, nil
}

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database utilities",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "maintenance",
		Short: "Run storage maintenance (vacuum, optimize, integrity check)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := db.RunDBMaintenance(cfg.Database.Type, cfg.Database.DSN); err != nil {
				return err
			}
			fmt.Println("Maintenance completed.")
			return nil
		},
	})

	return cmd
}
