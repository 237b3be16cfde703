// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jontk/leaseq"
	"github.com/jontk/leaseq/internal/codec"
	"github.com/jontk/leaseq/internal/mailbox"
	"github.com/jontk/leaseq/internal/registry"
	"github.com/spf13/cobra"
)

var (
	submitLease          string
	submitNode           string
	submitCwd            string
	submitEnv            []string
	submitGPUs           string
	submitIdempotencyKey string
	submitForce          bool
)

var submitCmd = &cobra.Command{
	Use:   "submit -- COMMAND [ARGS...]",
	Short: "Submit a task to a lease/node lane",
	Long: `Submit queues a shell command against a lease's node lane. The command
must follow a literal "--" so its own flags are never parsed by leaseq.

  leaseq submit --lease local:h1 -- echo hello
  leaseq submit --lease 123456 --node h2 --gpus 2 -- python train.py`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitLease, "lease", "", "lease id (defaults to the registry's default lease)")
	submitCmd.Flags().StringVar(&submitNode, "node", "", "target node (defaults to this host for a local lease)")
	submitCmd.Flags().StringVar(&submitCwd, "cwd", "", "working directory for the command (default: unset)")
	submitCmd.Flags().StringArrayVar(&submitEnv, "env", nil, "environment variable KEY=VALUE (repeatable)")
	submitCmd.Flags().StringVar(&submitGPUs, "gpus", "0", `GPU count, or "all" to claim every GPU leaseq can detect`)
	submitCmd.Flags().StringVar(&submitIdempotencyKey, "idempotency-key", "", "stable key identifying this intended execution (default: random)")
	submitCmd.Flags().BoolVar(&submitForce, "force", false, "submit even if the target node's heartbeat is BLACKHOLE")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	paths := pathsFromConfig(cfg)
	reg := registry.New(paths)

	leaseID, node, err := resolveLeaseAndNode(reg, submitLease, submitNode)
	if err != nil {
		return err
	}

	env, err := parseEnvFlags(submitEnv)
	if err != nil {
		return err
	}

	gpus, err := normalizeGPUs(submitGPUs)
	if err != nil {
		return err
	}

	if !submitForce {
		if err := checkNodeNotBlackhole(paths, leaseID, node); err != nil {
			return err
		}
	}

	var cwd *string
	if submitCwd != "" {
		cwd = &submitCwd
	}

	idempotencyKey := submitIdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	lane := mailbox.NewLane(paths, leaseID, node)
	seq, err := lane.NextSeq()
	if err != nil {
		return fmt.Errorf("allocate sequence number: %w", err)
	}

	spec := leaseq.TaskSpec{
		TaskID:         leaseq.NewTaskID(),
		IdempotencyKey: idempotencyKey,
		LeaseID:        leaseID,
		TargetNode:     node,
		Seq:            seq,
		UUID:           uuid.NewString(),
		CreatedAt:      time.Now().Unix(),
		Cwd:            cwd,
		Env:            env,
		GPUs:           gpus,
		Command:        strings.Join(args, " "),
	}

	if err := lane.Submit(spec); err != nil {
		return fmt.Errorf("submit task: %w", err)
	}

	fmt.Printf("task %s submitted to %s/%s (seq %d)\n", spec.TaskID, leaseID, node, seq)
	return nil
}

// resolveLeaseAndNode fills in a lease id (from the registry default
// when not given) and a node (from the lease's own host shortname when
// it names the local lease and none was given).
func resolveLeaseAndNode(reg *registry.Registry, leaseFlag, nodeFlag string) (leaseq.LeaseID, string, error) {
	leaseID := leaseq.LeaseID(leaseFlag)
	if leaseID == "" {
		host, err := leaseq.LocalHostShortname()
		if err != nil {
			return "", "", fmt.Errorf("resolve local hostname: %w", err)
		}
		resolved, err := reg.ResolveDefault(host)
		if err != nil {
			return "", "", fmt.Errorf("resolve default lease: %w", err)
		}
		leaseID = resolved
	}

	node := nodeFlag
	if node == "" {
		if !leaseID.IsLocal() {
			return "", "", userErrf("--node is required for an external lease")
		}
		node = leaseID.HostShortname()
	}
	return leaseID, node, nil
}

// checkNodeNotBlackhole refuses a submission against a node whose
// heartbeat has gone BLACKHOLE (spec.md §4.4: a heartbeat stale past
// BlackholeAfterSeconds means the node may never come back to drain its
// lane). A missing or unparsable heartbeat is not itself a reason to
// refuse — only an observed, badly stale one is.
func checkNodeNotBlackhole(paths leaseq.Paths, leaseID leaseq.LeaseID, node string) error {
	data, err := os.ReadFile(paths.HeartbeatFile(leaseID, node))
	if err != nil {
		return nil
	}
	hb, _, err := codec.Decode[leaseq.Heartbeat](data)
	if err != nil {
		return nil
	}
	if hb.IsBlackhole(time.Now().Unix()) {
		return userErrf("node %s/%s heartbeat is BLACKHOLE (last seen %ds ago); pass --force to submit anyway", leaseID, node, time.Now().Unix()-hb.Ts)
	}
	return nil
}

func parseEnvFlags(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, userErrf("invalid --env %q, want KEY=VALUE", kv)
		}
		env[k] = v
	}
	return env, nil
}

// normalizeGPUs turns a --gpus value into the non-negative integer
// TaskSpec.GPUs expects, resolving "all" against nvidia-smi's device
// listing (falling back to LEASEQ_GPU_COUNT for hosts without it on
// PATH, e.g. a Slurm login node issuing the submission remotely).
func normalizeGPUs(raw string) (int, error) {
	if raw == "" || raw == "0" {
		return 0, nil
	}
	if raw != "all" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, userErrf("invalid --gpus %q, want a non-negative integer or \"all\"", raw)
		}
		return n, nil
	}

	out, err := exec.Command("nvidia-smi", "-L").Output()
	if err != nil {
		if v := os.Getenv("LEASEQ_GPU_COUNT"); v != "" {
			n, err := strconv.Atoi(v)
			if err == nil && n >= 0 {
				return n, nil
			}
		}
		return 0, userErrf(`cannot normalize --gpus all: nvidia-smi unavailable and LEASEQ_GPU_COUNT unset`)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	count := 0
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count, nil
}
