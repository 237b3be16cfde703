// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jontk/leaseq"
	"github.com/jontk/leaseq/internal/batch"
	"github.com/jontk/leaseq/internal/registry"
	"github.com/jontk/leaseq/internal/snapshot"
	"github.com/jontk/leaseq/pkg/logging"
	"github.com/spf13/cobra"
)

var leaseCmd = &cobra.Command{
	Use:   "lease",
	Short: "Manage leases (the local host or an external batch allocation)",
}

func init() {
	leaseCmd.AddCommand(leaseStatusCmd, leaseCreateCmd, leaseReleaseCmd, leaseListCmd, leaseDefaultCmd, leaseGCCmd, leaseWatchCmd)
}

// --- status ---

var leaseStatusCmd = &cobra.Command{
	Use:   "status [LEASE_ID]",
	Short: "Show a lease's nodes, liveness, and queue depth",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		paths := pathsFromConfig(cfg)
		leaseID, err := resolveLeaseArg(paths, args)
		if err != nil {
			return err
		}

		reader := snapshot.New(paths)
		snap, err := reader.LeaseSnapshot(leaseID)
		if err != nil {
			return fmt.Errorf("snapshot lease %s: %w", leaseID, err)
		}
		printLeaseStatus(snap)
		return nil
	},
}

func resolveLeaseArg(paths leaseq.Paths, args []string) (leaseq.LeaseID, error) {
	if len(args) == 1 {
		return leaseq.LeaseID(args[0]), nil
	}
	host, err := leaseq.LocalHostShortname()
	if err != nil {
		return "", fmt.Errorf("resolve local hostname: %w", err)
	}
	return registry.New(paths).ResolveDefault(host)
}

func printLeaseStatus(snap snapshot.LeaseSnapshot) {
	fmt.Printf("lease %s (%s, %s)\n", snap.LeaseID, snap.Meta.Type, snap.Meta.Mode)
	if len(snap.Nodes) == 0 {
		fmt.Println("  no nodes observed yet")
		return
	}
	fmt.Printf("  %-14s %-9s %-10s %-8s %-8s %s\n", "NODE", "LIVENESS", "RUNNING", "INBOX", "CLAIMED", "LOST?")
	for _, n := range snap.Nodes {
		running := "-"
		if n.RunningTaskID != nil {
			running = string(*n.RunningTaskID)
		}
		fmt.Printf("  %-14s %-9s %-10s %-8d %-8d %d\n",
			n.Node, colorizeLiveness(n.Liveness), running, n.InboxCount, n.ClaimedCount, len(n.LostCandidates))
	}
}

func colorizeLiveness(l leaseq.Liveness) string {
	switch l {
	case leaseq.LivenessOK:
		return color.GreenString("%-9s", "OK")
	case leaseq.LivenessStale:
		return color.YellowString("%-9s", "STALE")
	case leaseq.LivenessBlackhole:
		return color.New(color.FgRed, color.Bold).Sprintf("%-9s", "BLACKHOLE")
	default:
		return color.RedString("%-9s", "UNKNOWN")
	}
}

// --- create ---

var (
	leaseCreateNodes       int
	leaseCreateTime        string
	leaseCreatePartition   string
	leaseCreateQOS         string
	leaseCreateAccount     string
	leaseCreateConstraint  string
	leaseCreateReservation string
	leaseCreateGPUsPerNode int
	leaseCreateName        string
)

var leaseCreateCmd = &cobra.Command{
	Use:   "create [-- PASSTHROUGH_ARGS...]",
	Short: "Submit an external-batch keeper job and register the resulting lease",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		paths := pathsFromConfig(cfg)
		log := newLogger(cfg)

		adapter := batch.New(paths, cfg, log)
		spec := leaseq.BatchCreateSpec{
			Nodes:           leaseCreateNodes,
			Time:            leaseCreateTime,
			Partition:       leaseCreatePartition,
			QOS:             leaseCreateQOS,
			Account:         leaseCreateAccount,
			Constraint:      leaseCreateConstraint,
			Reservation:     leaseCreateReservation,
			GPUsPerNode:     leaseCreateGPUsPerNode,
			PassthroughArgs: args,
			Name:            leaseCreateName,
		}
		leaseID, err := adapter.Create(cmd.Context(), spec)
		if err != nil {
			return fmt.Errorf("create lease: %w", err)
		}
		fmt.Printf("lease %s created\n", leaseID)
		return nil
	},
}

func init() {
	leaseCreateCmd.Flags().IntVar(&leaseCreateNodes, "nodes", 1, "number of nodes to allocate")
	leaseCreateCmd.Flags().StringVar(&leaseCreateTime, "time", "", "wall-clock time limit, e.g. 02:00:00")
	leaseCreateCmd.Flags().StringVar(&leaseCreatePartition, "partition", "", "batch-system partition")
	leaseCreateCmd.Flags().StringVar(&leaseCreateQOS, "qos", "", "quality of service")
	leaseCreateCmd.Flags().StringVar(&leaseCreateAccount, "account", "", "accounting account")
	leaseCreateCmd.Flags().StringVar(&leaseCreateConstraint, "constraint", "", "node feature constraint")
	leaseCreateCmd.Flags().StringVar(&leaseCreateReservation, "reservation", "", "reservation name")
	leaseCreateCmd.Flags().IntVar(&leaseCreateGPUsPerNode, "gpus-per-node", 0, "GPUs to request per node")
	leaseCreateCmd.Flags().StringVar(&leaseCreateName, "name", "", "keeper job name")
}

// --- release ---

var leaseReleaseCmd = &cobra.Command{
	Use:   "release LEASE_ID",
	Short: "Cancel an external-batch lease's keeper job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		paths := pathsFromConfig(cfg)
		log := newLogger(cfg)
		adapter := batch.New(paths, cfg, log)
		leaseID := leaseq.LeaseID(args[0])
		if err := adapter.Release(cmd.Context(), leaseID); err != nil {
			return fmt.Errorf("release lease %s: %w", leaseID, err)
		}
		fmt.Printf("lease %s released\n", leaseID)
		return nil
	},
}

// --- list ---

var leaseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered leases",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		paths := pathsFromConfig(cfg)
		reg := registry.New(paths)
		leases, err := reg.List()
		if err != nil {
			return fmt.Errorf("list leases: %w", err)
		}
		idx, err := reg.Load()
		if err != nil {
			return fmt.Errorf("load registry: %w", err)
		}

		ids := make([]leaseq.LeaseID, 0, len(leases))
		for id := range leases {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		fmt.Printf("%-24s %-10s %s\n", "LEASE ID", "DEFAULT", "CREATED")
		for _, id := range ids {
			def := ""
			if id == idx.DefaultLeaseID {
				def = "*"
			}
			created := time.Unix(leases[id].CreatedAt, 0).Format(time.RFC3339)
			fmt.Printf("%-24s %-10s %s\n", id, def, created)
		}
		return nil
	},
}

// --- default ---

var leaseDefaultCmd = &cobra.Command{
	Use:   "default LEASE_ID",
	Short: "Set the default lease used when --lease is omitted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		paths := pathsFromConfig(cfg)
		leaseID := leaseq.LeaseID(args[0])
		if err := registry.New(paths).SetDefault(leaseID); err != nil {
			return userErrf("set default lease %s: %s", leaseID, err)
		}
		fmt.Printf("default lease is now %s\n", leaseID)
		return nil
	},
}

// --- gc ---

var leaseGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Forget external leases whose keeper job ended and have no zombie tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		paths := pathsFromConfig(cfg)
		log := newLogger(cfg)
		reg := registry.New(paths)
		reader := snapshot.New(paths)
		adapter := batch.New(paths, cfg, log)

		leases, err := reg.List()
		if err != nil {
			return fmt.Errorf("list leases: %w", err)
		}

		forgotten := 0
		for id := range leases {
			if id.IsLocal() {
				continue
			}
			probe := adapter.Probe(cmd.Context(), id)
			if !probe.State.Terminal() {
				continue
			}
			snap, err := reader.LeaseSnapshot(id)
			if err != nil {
				continue
			}
			if hasZombies(snap) {
				continue
			}
			if err := reg.Forget(id); err != nil {
				return fmt.Errorf("forget lease %s: %w", id, err)
			}
			fmt.Printf("forgot lease %s (%s)\n", id, probe.State)
			forgotten++
		}
		if forgotten == 0 {
			fmt.Println("nothing to collect")
		}
		return nil
	},
}

func hasZombies(snap snapshot.LeaseSnapshot) bool {
	for _, n := range snap.Nodes {
		if n.ClaimedCount > 0 {
			return true
		}
	}
	return false
}

// --- watch ---

var leaseWatchNodes []string

var leaseWatchCmd = &cobra.Command{
	Use:   "watch LEASE_ID",
	Short: "Stream external-batch state changes for a lease until interrupted",
	Long: `Watch polls the external-batch adapter for LEASE_ID's keeper job
state and prints a line every time it changes. It only applies to
external leases; the local lease has no batch-system state to poll.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		leaseID := leaseq.LeaseID(args[0])
		if leaseID.IsLocal() {
			return userErrf("lease %s is local; it has no external-batch state to watch", leaseID)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		paths := pathsFromConfig(cfg)
		adapter := batch.New(paths, cfg, logging.NoOpLogger{})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		events := adapter.WatchStates(ctx, []leaseq.LeaseID{leaseID})
		fmt.Printf("watching %s (ctrl-c to stop)\n", leaseID)
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				fmt.Printf("[%s] %s -> %s\n", ev.EventTime.Format(time.RFC3339), ev.Previous, ev.Current)
			}
		}
	},
}

func init() {
	leaseWatchCmd.Flags().StringSliceVar(&leaseWatchNodes, "node", nil, "unused; reserved for a future per-node watch")
	_ = leaseWatchNodes
}
