// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

// admin.go implements the operator-facing subcommands: enqueueing work,
// emergency revocation, queue inspection and host trust management.
package main

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/toeirei/keyfleet/internal/db"
	"github.com/toeirei/keyfleet/internal/deploy"
	"github.com/toeirei/keyfleet/internal/engine"
	"github.com/toeirei/keyfleet/internal/model"
	"github.com/toeirei/keyfleet/internal/notify"
	"golang.org/x/crypto/ssh"
)

// parsePriority maps a priority name to its queue value.
func parsePriority(s string) (int, error) {
	switch strings.ToLower(s) {
	case "routine":
		return model.PriorityRoutine, nil
	case "user":
		return model.PriorityUser, nil
	case "emergency":
		return model.PriorityEmergency, nil
	default:
		return 0, fmt.Errorf("unknown priority %q (routine, user, emergency)", s)
	}
}

func newEnqueueCmd() *cobra.Command {
	var priority string

	cmd := &cobra.Command{
		Use:   "enqueue <mapping-id>",
		Short: "Enqueue a reconciliation for one mapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mappingID, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid mapping id %q", args[0])
			}
			prio, err := parsePriority(priority)
			if err != nil {
				return err
			}
			id, err := engine.EnqueueApply(mappingID, prio)
			if err != nil {
				return err
			}
			fmt.Printf("Enqueued apply %s for mapping %d (priority %s)\n", id, mappingID, priority)
			return nil
		},
	}

	cmd.Flags().StringVar(&priority, "priority", "user", "queue priority (routine, user, emergency)")
	return cmd
}

func newEnqueueAllCmd() *cobra.Command {
	var priority string
	var hostname string

	cmd := &cobra.Command{
		Use:   "enqueue-all",
		Short: "Enqueue a reconciliation for every active mapping",
		RunE: func(cmd *cobra.Command, args []string) error {
			prio, err := parsePriority(priority)
			if err != nil {
				return err
			}
			hostID := 0
			if hostname != "" {
				host, err := db.GetHostByHostname(hostname)
				if err != nil {
					return err
				}
				if host == nil {
					return fmt.Errorf("unknown host %q", hostname)
				}
				hostID = host.ID
			}
			n, err := engine.EnqueueApplyAll(hostID, prio)
			if err != nil {
				return err
			}
			fmt.Printf("Enqueued %d mappings (priority %s)\n", n, priority)
			return nil
		},
	}

	cmd.Flags().StringVar(&priority, "priority", "routine", "queue priority (routine, user, emergency)")
	cmd.Flags().StringVar(&hostname, "host", "", "restrict to one host")
	return cmd
}

func newRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-fingerprint <sha256-hex>",
		Short: "Emergency-revoke every key matching a fingerprint",
		Long: `Marks all keys with the given SHA-256 fingerprint as revoked and enqueues
a highest-priority apply for every affected mapping. The revocation is
durable immediately; the fleet converges as workers drain the queue.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := engine.EnqueueEmergencyRevoke(args[0], notify.LogNotifier{})
			if err != nil {
				return err
			}
			if summary.RevokedCount == 0 {
				fmt.Printf("No keys matched fingerprint %s\n", summary.Fingerprint)
				return nil
			}
			fmt.Printf("Revoked %d key(s) for %s\n", summary.RevokedCount, strings.Join(summary.AffectedUsers, ", "))
			fmt.Printf("Enqueued %d emergency apply job(s)\n", summary.EnqueuedJobs)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depth and fleet summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			counts, err := db.CountQueueByStatus()
			if err != nil {
				return err
			}
			hosts, err := db.GetAllHosts()
			if err != nil {
				return err
			}

			fmt.Println("Apply queue:")
			statuses := make([]string, 0, len(counts))
			for s := range counts {
				statuses = append(statuses, s)
			}
			sort.Strings(statuses)
			if len(statuses) == 0 {
				fmt.Println("  (empty)")
			}
			for _, s := range statuses {
				fmt.Printf("  %-10s %d\n", s, counts[s])
			}

			fmt.Printf("\nManaged hosts (%d):\n", len(hosts))
			for _, h := range hosts {
				seen := "never"
				if h.LastSeenAt != nil {
					seen = h.LastSeenAt.Format(time.RFC3339)
				}
				fmt.Printf("  %-24s %-24s last seen %s\n", h.Hostname, h.Address, seen)
			}
			return nil
		},
	}
}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the apply queue",
	}

	var olderThan time.Duration
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished queue items older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := db.PruneFinishedItems(time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Printf("Pruned %d finished item(s)\n", n)
			return nil
		},
	}
	pruneCmd.Flags().DurationVar(&olderThan, "older-than", 168*time.Hour, "retention window for finished items")

	cancelCmd := &cobra.Command{
		Use:   "cancel <item-id>",
		Short: "Cancel a queued item before it starts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := db.CancelQueuedItem(args[0], time.Now(), "cancelled by operator")
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("item %s is not queued (already running or finished)", args[0])
			}
			fmt.Printf("Cancelled %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(pruneCmd)
	cmd.AddCommand(cancelCmd)
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <hostname>",
		Short: "Show the deployment ledger for a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := db.GetHostByHostname(args[0])
			if err != nil {
				return err
			}
			if host == nil {
				return fmt.Errorf("unknown host %q", args[0])
			}
			deps, err := db.ListDeploymentsForHost(host.ID, limit)
			if err != nil {
				return err
			}
			if len(deps) == 0 {
				fmt.Printf("No deployments recorded for %s\n", host.Hostname)
				return nil
			}
			for _, d := range deps {
				errNote := ""
				if d.Error != "" {
					errNote = " error=" + d.Error
				}
				fmt.Printf("gen %-4d mapping %-4d %-9s keys=%-3d checksum=%.12s %s%s\n",
					d.Generation, d.UserHostAccountID, d.Status, d.KeyCount, d.Checksum,
					d.StartedAt.Format(time.RFC3339), errNote)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to show")
	return cmd
}

func newTrustHostCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust-host <hostname[:port]>",
		Short: "Fetch and pin a host's public key",
		Long: `Connects to the host, shows its public key fingerprint, and stores the key
as trusted. Deployments refuse to talk to hosts whose key is unknown or has
changed, so new hosts must be trusted explicitly with this command.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]
			hostname := target
			if h, _, err := net.SplitHostPort(target); err == nil {
				hostname = h
			}

			key, err := deploy.GetRemoteHostKey(target)
			if err != nil {
				return err
			}

			fmt.Printf("Host: %s\n", hostname)
			fmt.Printf("Key type: %s\n", key.Type())
			fmt.Printf("Fingerprint: %s\n", ssh.FingerprintSHA256(key))

			if existing, err := db.GetKnownHostKey(hostname); err == nil {
				presented := string(ssh.MarshalAuthorizedKey(key))
				if existing == presented {
					fmt.Println("Key is already trusted.")
					return nil
				}
				return fmt.Errorf("a different key is already pinned for %s; refusing to replace it automatically", hostname)
			}

			if err := db.AddKnownHostKey(hostname, string(ssh.MarshalAuthorizedKey(key))); err != nil {
				return fmt.Errorf("failed to store host key: %w", err)
			}
			fmt.Println("Host key pinned.")
			return nil
		},
	}
}
