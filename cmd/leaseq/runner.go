// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jontk/leaseq"
	"github.com/jontk/leaseq/internal/registry"
	"github.com/jontk/leaseq/internal/runner"
	"github.com/jontk/leaseq/internal/snapshot"
	"github.com/jontk/leaseq/pkg/metrics"
	"github.com/spf13/cobra"
)

var runnerCmd = &cobra.Command{
	Use:   "runner",
	Short: "Run and manage the per-node worker process",
}

func init() {
	runnerCmd.AddCommand(runnerStartCmd, runnerStopCmd, runnerStatusCmd)
	for _, c := range []*cobra.Command{runnerStopCmd, runnerStatusCmd} {
		c.Flags().StringVar(&runnerLease, "lease", "", "lease id (defaults to the registry's default lease)")
		c.Flags().StringVar(&runnerNode, "node", "", "node name (defaults to this host's shortname)")
	}
}

var (
	runnerLease       string
	runnerNode        string
	runnerMetricsAddr string
)

var runnerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the worker loop for a (lease, node) lane in the foreground",
	Long: `Start claims tasks from the lane's inbox, runs them one at a time, and
keeps a heartbeat fresh until interrupted. It blocks; run it under a
process supervisor (systemd, the keeper script a batch lease submits,
tmux) rather than backgrounding it by hand.`,
	RunE: runRunnerStart,
}

func init() {
	runnerStartCmd.Flags().StringVar(&runnerLease, "lease", "", "lease id (defaults to the registry's default lease)")
	runnerStartCmd.Flags().StringVar(&runnerNode, "node", "", "node name (defaults to this host's shortname)")
	runnerStartCmd.Flags().StringVar(&runnerMetricsAddr, "metrics-addr", "", "if set, serve Prometheus /metrics on this address while running")
}

func runRunnerStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	paths := pathsFromConfig(cfg)
	log := newLogger(cfg)

	leaseID, node, err := resolveRunnerTarget(paths, runnerLease, runnerNode)
	if err != nil {
		return err
	}

	pidPath := paths.PidFile(leaseID, node)
	if err := writePidFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	var metricsSrv *http.Server
	if runnerMetricsAddr != "" {
		metricsSrv = metrics.Serve(runnerMetricsAddr)
		log.Info("serving metrics", "addr", runnerMetricsAddr)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metrics.Shutdown(ctx, metricsSrv)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := runner.New(paths, leaseID, node, cfg, log, Version)
	log.Info("runner starting", "lease_id", string(leaseID), "node", node)
	if err := r.Run(ctx); err != nil {
		return fmt.Errorf("runner exited: %w", err)
	}
	log.Info("runner stopped", "lease_id", string(leaseID), "node", node)
	return nil
}

var runnerStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal a running runner process to shut down",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		paths := pathsFromConfig(cfg)
		leaseID, node, err := resolveRunnerTarget(paths, runnerLease, runnerNode)
		if err != nil {
			return err
		}
		pid, err := readPidFile(paths.PidFile(leaseID, node))
		if err != nil {
			return userErrf("no running runner found for %s/%s: %s", leaseID, node, err)
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("find process %d: %w", pid, err)
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("signal process %d: %w", pid, err)
		}
		fmt.Printf("sent SIGTERM to runner pid %d (%s/%s)\n", pid, leaseID, node)
		return nil
	},
}

var runnerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether a runner process is alive and its last heartbeat",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		paths := pathsFromConfig(cfg)
		leaseID, node, err := resolveRunnerTarget(paths, runnerLease, runnerNode)
		if err != nil {
			return err
		}

		alive := false
		if pid, err := readPidFile(paths.PidFile(leaseID, node)); err == nil {
			if proc, err := os.FindProcess(pid); err == nil {
				alive = proc.Signal(syscall.Signal(0)) == nil
			}
		}

		reader := snapshot.New(paths)
		snap, err := reader.LeaseSnapshot(leaseID)
		if err != nil {
			return fmt.Errorf("snapshot lease %s: %w", leaseID, err)
		}
		for _, n := range snap.Nodes {
			if n.Node != node {
				continue
			}
			fmt.Printf("process: %s\n", aliveLabel(alive))
			fmt.Printf("liveness: %s (heartbeat age %ds)\n", n.Liveness, n.HeartbeatAge)
			fmt.Printf("inbox: %d pending, %d claimed\n", n.InboxCount, n.ClaimedCount)
			return nil
		}
		fmt.Printf("process: %s\n", aliveLabel(alive))
		fmt.Println("no heartbeat observed yet for this node")
		return nil
	},
}

func aliveLabel(alive bool) string {
	if alive {
		return "running"
	}
	return "not running"
}

// resolveRunnerTarget fills in a lease id (from the registry default)
// and defaults node to this host's shortname, the common path for a
// single-workstation local lease (spec.md §4.1).
func resolveRunnerTarget(paths leaseq.Paths, leaseFlag, nodeFlag string) (leaseq.LeaseID, string, error) {
	leaseID := leaseq.LeaseID(leaseFlag)
	host, err := leaseq.LocalHostShortname()
	if err != nil {
		return "", "", fmt.Errorf("resolve local hostname: %w", err)
	}
	if leaseID == "" {
		resolved, err := registry.New(paths).ResolveDefault(host)
		if err != nil {
			return "", "", fmt.Errorf("resolve default lease: %w", err)
		}
		leaseID = resolved
	}

	node := nodeFlag
	if node == "" {
		node = host
	}
	return leaseID, node, nil
}

func writePidFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
