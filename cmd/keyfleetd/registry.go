// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

// registry.go implements the seeding subcommands for the inventory tables:
// hosts, users, public keys and mappings. They exist so a fleet can be
// bootstrapped and inspected from the CLI without touching the database
// directly; the portal normally owns these tables.
package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/toeirei/keyfleet/internal/db"
	"github.com/toeirei/keyfleet/internal/model"
	"github.com/toeirei/keyfleet/internal/render"
	"github.com/toeirei/keyfleet/internal/sshkey"
)

func newHostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Manage fleet hosts",
	}

	var osFamily string
	addCmd := &cobra.Command{
		Use:   "add <hostname> <address>",
		Short: "Register a managed host",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := db.AddHost(args[0], args[1], osFamily)
			if err != nil {
				return err
			}
			fmt.Printf("Added host %s (id %d)\n", args[0], id)
			return nil
		},
	}
	addCmd.Flags().StringVar(&osFamily, "os", "linux", "OS family of the host (linux, bsd, darwin)")

	cmd.AddCommand(addCmd)
	return cmd
}

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage key owners",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <username>",
		Short: "Register a key owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := db.AddUser(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Added user %s (id %d)\n", args[0], id)
			return nil
		},
	})
	return cmd
}

// buildKeyRecord validates a raw authorized_keys line and assembles the key
// row for it. The line is stored in canonical form (algorithm, data, comment)
// so rendered files do not depend on the operator's pasted whitespace.
func buildKeyRecord(userID int, rawKey, options string, expiresAt *time.Time) (model.SSHKey, error) {
	if err := sshkey.Validate(rawKey); err != nil {
		return model.SSHKey{}, fmt.Errorf("rejected public key: %w", err)
	}
	algorithm, keyData, comment, err := sshkey.Parse(rawKey)
	if err != nil {
		return model.SSHKey{}, err
	}
	fingerprint, err := sshkey.Fingerprint(rawKey)
	if err != nil {
		return model.SSHKey{}, err
	}

	publicKey := algorithm + " " + keyData
	if comment != "" {
		publicKey += " " + comment
	}

	return model.SSHKey{
		UserID:      userID,
		PublicKey:   publicKey,
		Algorithm:   algorithm,
		BitLength:   sshkey.BitLength(algorithm),
		Comment:     comment,
		Fingerprint: fingerprint,
		Options:     options,
		Status:      model.KeyStatusActive,
		ExpiresAt:   expiresAt,
	}, nil
}

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage public keys",
	}

	var options string
	var expires string
	addCmd := &cobra.Command{
		Use:   "add <username> <authorized-keys-line>",
		Short: "Register a public key for a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := db.GetUserByUsername(args[0])
			if err != nil {
				return err
			}
			if user == nil {
				return fmt.Errorf("unknown user %q", args[0])
			}

			var expiresAt *time.Time
			if expires != "" {
				t, err := time.Parse(time.RFC3339, expires)
				if err != nil {
					return fmt.Errorf("invalid --expires %q: %w", expires, err)
				}
				expiresAt = &t
			}

			key, err := buildKeyRecord(user.ID, args[1], options, expiresAt)
			if err != nil {
				return err
			}
			id, err := db.AddSSHKey(key)
			if err != nil {
				return err
			}
			fmt.Printf("Added %s key (id %d, %d bits) for %s\n", key.Algorithm, id, key.BitLength, user.Username)
			fmt.Printf("Fingerprint: %s\n", key.Fingerprint)
			return nil
		},
	}
	addCmd.Flags().StringVar(&options, "options", "", "authorized_keys options to prefix the key with")
	addCmd.Flags().StringVar(&expires, "expires", "", "expiry timestamp (RFC 3339)")

	cmd.AddCommand(addCmd)
	return cmd
}

func newMappingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mapping",
		Short: "Manage user-to-host account mappings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <username> <hostname> <remote-user>",
		Short: "Map a user's keys onto a remote account",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := db.GetUserByUsername(args[0])
			if err != nil {
				return err
			}
			if user == nil {
				return fmt.Errorf("unknown user %q", args[0])
			}
			host, err := db.GetHostByHostname(args[1])
			if err != nil {
				return err
			}
			if host == nil {
				return fmt.Errorf("unknown host %q", args[1])
			}
			id, err := db.AddMapping(user.ID, host.ID, args[2])
			if err != nil {
				return err
			}
			fmt.Printf("Added mapping %d: %s -> %s@%s\n", id, user.Username, args[2], host.Hostname)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "disable <mapping-id>",
		Short: "Stop reconciling a mapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setMappingStatus(args[0], model.MappingStatusDisabled)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "enable <mapping-id>",
		Short: "Resume reconciling a mapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setMappingStatus(args[0], model.MappingStatusActive)
		},
	})

	return cmd
}

func setMappingStatus(arg, status string) error {
	id, err := strconv.Atoi(arg)
	if err != nil {
		return fmt.Errorf("invalid mapping id %q", arg)
	}
	if err := db.SetMappingStatus(id, status); err != nil {
		return err
	}
	fmt.Printf("Mapping %d is now %s\n", id, status)
	return nil
}

// newVerifyCmd reads the remote authorized_keys file for a mapping and
// compares its checksum against the rendered desired state. It never writes;
// drift is reported and left for the queue to fix.
func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <mapping-id>",
		Short: "Compare a mapping's remote file against desired state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mappingID, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid mapping id %q", args[0])
			}
			mapping, err := db.GetMapping(mappingID)
			if err != nil {
				return err
			}
			if mapping == nil {
				return fmt.Errorf("unknown mapping %d", mappingID)
			}
			host, err := db.GetHost(mapping.HostID)
			if err != nil {
				return err
			}
			if host == nil {
				return fmt.Errorf("mapping %d references missing host %d", mappingID, mapping.HostID)
			}

			keys, err := db.ListActiveKeysForUser(mapping.UserID, time.Now().UTC())
			if err != nil {
				return err
			}
			desired := render.AuthorizedKeys(keys)

			applier, err := buildApplier(false)
			if err != nil {
				return err
			}
			remote, err := applier.Read(*host, mapping.RemoteUsername)
			if err != nil {
				return err
			}
			remoteChecksum := render.Checksum(remote)

			if remoteChecksum == desired.Checksum {
				fmt.Printf("Mapping %d is in sync (%d keys, checksum %s)\n", mappingID, desired.KeyCount, desired.Checksum)
				return nil
			}
			fmt.Printf("Mapping %d has drifted\n", mappingID)
			fmt.Printf("  desired: %s (%d keys)\n", desired.Checksum, desired.KeyCount)
			fmt.Printf("  remote:  %s\n", remoteChecksum)
			return nil
		},
	}
	return cmd
}
