// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

// main.go sets up the command-line interface for the KeyFleet daemon using
// the Cobra library: the root command, the engine run loop, and the admin
// subcommands for queue and fleet management.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/toeirei/keyfleet/buildvars"
	"github.com/toeirei/keyfleet/internal/config"
	"github.com/toeirei/keyfleet/internal/db"
	"github.com/toeirei/keyfleet/internal/deploy"
	"github.com/toeirei/keyfleet/internal/engine"
	"github.com/toeirei/keyfleet/internal/logging"
	"github.com/toeirei/keyfleet/internal/metrics"
	"github.com/toeirei/keyfleet/internal/notify"
	"github.com/toeirei/keyfleet/internal/state"
	"golang.org/x/term"
)

var (
	cfgFile string
	cfg     config.Config
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Cobra already printed the error.
		os.Exit(1)
	}
}

// newRootCmd creates and configures the root cobra command. Tests create
// fresh instances for isolation.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keyfleetd",
		Short: "KeyFleet reconciles authorized_keys files across a host fleet.",
		Long: `KeyFleet is the deployment engine behind a central SSH key registry.
The database holds the desired state: users, their public keys, and which
remote accounts they may reach. keyfleetd drains a durable apply queue and
rewrites each account's authorized_keys file over SFTP, exactly and
atomically, recording every attempt in a generation-numbered ledger.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(cmd, cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			logging.SetDebug(cfg.Debug)
			db.SetDebug(cfg.Debug)
			if err := db.InitDB(cfg.Database.Type, cfg.Database.DSN); err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			return nil
		},
	}

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newHostCmd())
	cmd.AddCommand(newUserCmd())
	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newMappingCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newEnqueueCmd())
	cmd.AddCommand(newEnqueueAllCmd())
	cmd.AddCommand(newRevokeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newQueueCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newTrustHostCmd())
	cmd.AddCommand(newBackupCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newConfigCmd())

	cmd.Version = buildvars.VersionOrDefault("dev")

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is the user or system keyfleet.yaml)")
	cmd.PersistentFlags().String("database.type", "", "database type (sqlite, postgres, mysql)")
	cmd.PersistentFlags().String("database.dsn", "", "database connection string (DSN)")
	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	return cmd
}

// newRunCmd starts the reconciliation engine and blocks until interrupted.
func newRunCmd() *cobra.Command {
	var askPassphrase bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the reconciliation engine",
		Long: `Starts the worker pool that drains the apply queue, the lease sweeper,
and (if configured) the Prometheus metrics listener. Runs until SIGINT or
SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			applier, err := buildApplier(askPassphrase)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Metrics.Addr != "" {
				srv := metrics.NewServer(cfg.Metrics.Addr)
				go func() {
					logging.L.Info("metrics listening", "addr", cfg.Metrics.Addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logging.L.Error("metrics server failed", "error", err)
					}
				}()
				defer func() { _ = srv.Close() }()
			}

			eng := engine.New(cfg.Engine, applier, notify.LogNotifier{})
			return eng.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&askPassphrase, "ask-passphrase", false, "prompt for the deploy key passphrase at startup")
	return cmd
}

// buildApplier loads the deploy key and assembles the SFTP applier.
func buildApplier(askPassphrase bool) (deploy.Applier, error) {
	var privateKey string
	if cfg.Deploy.PrivateKeyPath != "" {
		data, err := os.ReadFile(cfg.Deploy.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read deploy key %s: %w", cfg.Deploy.PrivateKeyPath, err)
		}
		privateKey = string(data)
	}

	if askPassphrase {
		if err := promptPassphrase(); err != nil {
			return nil, err
		}
	}

	return &deploy.SSHApplier{
		PrivateKey:     privateKey,
		ConnectTimeout: cfg.Deploy.ConnectTimeout,
		OpTimeout:      cfg.Deploy.OpTimeout,
		Paths:          cfg.Deploy.Paths,
	}, nil
}

// promptPassphrase reads the deploy key passphrase from the terminal into
// the in-memory cache. Workers consume and wipe copies of it per use.
func promptPassphrase() error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("--ask-passphrase requires an interactive terminal")
	}
	fmt.Fprint(os.Stderr, "Deploy key passphrase: ")
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to read passphrase: %w", err)
	}
	state.PassphraseCache.Set(pass)
	for i := range pass {
		pass[i] = 0
	}
	return nil
}
