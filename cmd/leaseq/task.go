// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/jontk/leaseq"
	"github.com/jontk/leaseq/internal/codec"
	"github.com/jontk/leaseq/internal/fsio"
	"github.com/jontk/leaseq/internal/mailbox"
	"github.com/jontk/leaseq/internal/snapshot"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and control individual tasks",
}

func init() {
	taskCmd.AddCommand(taskListCmd, taskCancelCmd, taskLogsCmd, taskRetryCmd)
}

// --- list ---

var (
	taskListLease string
	taskListNode  string
	taskListState string
)

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks in a lease, optionally filtered by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		if taskListLease == "" {
			return userErrf("--lease is required")
		}
		if taskListState != "" && !validTaskState(taskListState) {
			return userErrf("invalid --state %q (want pending, running, done, failed, or stuck)", taskListState)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		paths := pathsFromConfig(cfg)
		rows, err := listTasks(paths, leaseq.LeaseID(taskListLease), taskListNode, taskListState)
		if err != nil {
			return err
		}
		printTaskRows(rows)
		return nil
	},
}

func init() {
	taskListCmd.Flags().StringVar(&taskListLease, "lease", "", "lease id (required)")
	taskListCmd.Flags().StringVar(&taskListNode, "node", "", "restrict to one node")
	taskListCmd.Flags().StringVar(&taskListState, "state", "", "filter by state: pending, running, done, failed, stuck")
}

func validTaskState(s string) bool {
	switch s {
	case "pending", "running", "done", "failed", "stuck":
		return true
	default:
		return false
	}
}

type taskRow struct {
	State   string
	TaskID  leaseq.TaskID
	Node    string
	Command string
	Detail  string
}

// listTasks derives a per-task listing from the same on-disk data the
// snapshot reader summarizes, since spec.md's CLI surface wants
// individual task rows rather than the reader's per-node counts.
func listTasks(paths leaseq.Paths, leaseID leaseq.LeaseID, nodeFilter, stateFilter string) ([]taskRow, error) {
	reader := snapshot.New(paths)
	snap, err := reader.LeaseSnapshot(leaseID)
	if err != nil {
		return nil, fmt.Errorf("snapshot lease %s: %w", leaseID, err)
	}

	var rows []taskRow
	for _, node := range snap.Nodes {
		if nodeFilter != "" && node.Node != nodeFilter {
			continue
		}

		inboxNames, err := fsio.ListDir(paths.InboxDir(leaseID, node.Node))
		if err != nil {
			return nil, err
		}
		for _, name := range inboxNames {
			_, taskID, _, err := leaseq.ParseSpecFilename(name)
			if err != nil {
				continue
			}
			spec, _ := readSpec(paths.InboxDir(leaseID, node.Node) + "/" + name)
			rows = append(rows, taskRow{State: "pending", TaskID: taskID, Node: node.Node, Command: commandOf(spec)})
		}

		claimedNames, err := fsio.ListDir(paths.ClaimedDir(leaseID, node.Node))
		if err != nil {
			return nil, err
		}
		lost := make(map[leaseq.TaskID]bool, len(node.LostCandidates))
		for _, id := range node.LostCandidates {
			lost[id] = true
		}
		for _, name := range claimedNames {
			_, taskID, _, err := leaseq.ParseSpecFilename(name)
			if err != nil {
				continue
			}
			state := "running"
			if lost[taskID] {
				state = "stuck"
			}
			spec, _ := readSpec(paths.ClaimedDir(leaseID, node.Node) + "/" + name)
			rows = append(rows, taskRow{State: state, TaskID: taskID, Node: node.Node, Command: commandOf(spec)})
		}

		for _, result := range node.RecentDone {
			state := "done"
			if result.Outcome != leaseq.OutcomeOK {
				state = "failed"
			}
			rows = append(rows, taskRow{
				State:  state,
				TaskID: result.TaskID,
				Node:   node.Node,
				Detail: string(result.Outcome),
			})
		}
	}

	if stateFilter != "" {
		filtered := rows[:0]
		for _, r := range rows {
			if r.State == stateFilter {
				filtered = append(filtered, r)
			}
		}
		rows = filtered
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].TaskID < rows[j].TaskID })
	return rows, nil
}

func readSpec(path string) (*leaseq.TaskSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	spec, _, err := codec.Decode[leaseq.TaskSpec](data)
	if err != nil {
		return nil, err
	}
	return &spec, nil
}

func commandOf(spec *leaseq.TaskSpec) string {
	if spec == nil {
		return ""
	}
	return spec.Command
}

func printTaskRows(rows []taskRow) {
	if len(rows) == 0 {
		fmt.Println("no tasks")
		return
	}
	fmt.Printf("%-18s %-9s %-12s %s\n", "TASK ID", "STATE", "NODE", "COMMAND/DETAIL")
	for _, r := range rows {
		label := r.Command
		if label == "" {
			label = r.Detail
		}
		fmt.Printf("%-18s %-9s %-12s %s\n", r.TaskID, colorizeState(r.State), r.Node, label)
	}
}

func colorizeState(state string) string {
	switch state {
	case "done":
		return color.GreenString("%-9s", "OK")
	case "running":
		return color.CyanString("%-9s", "RUNNING")
	case "pending":
		return color.YellowString("%-9s", "PENDING")
	case "failed":
		return color.RedString("%-9s", "FAILED")
	case "stuck":
		return color.RedString("%-9s", "LOST?")
	default:
		return state
	}
}

// --- cancel ---

var taskCancelLease string

var taskCancelCmd = &cobra.Command{
	Use:   "cancel TASK_ID",
	Short: "Cancel a running or queued task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if taskCancelLease == "" {
			return userErrf("--lease is required")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		paths := pathsFromConfig(cfg)
		taskID := leaseq.TaskID(args[0])

		reader := snapshot.New(paths)
		detail, err := reader.TaskDetail(leaseq.LeaseID(taskCancelLease), taskID)
		if err != nil {
			return fmt.Errorf("look up task %s: %w", taskID, err)
		}
		if detail == nil {
			return userErrf("task %s not found in lease %s", taskID, taskCancelLease)
		}

		lane := mailbox.NewLane(paths, leaseq.LeaseID(taskCancelLease), detail.Node)
		if err := mailbox.PublishCancel(lane, taskID); err != nil {
			return fmt.Errorf("publish cancel: %w", err)
		}
		fmt.Printf("cancel requested for task %s on %s\n", taskID, detail.Node)
		return nil
	},
}

func init() {
	taskCancelCmd.Flags().StringVar(&taskCancelLease, "lease", "", "lease id (required)")
}

// --- logs ---

var (
	taskLogsLease  string
	taskLogsFollow bool
	taskLogsStderr bool
)

var taskLogsCmd = &cobra.Command{
	Use:   "logs TASK_ID",
	Short: "Show or follow a task's captured output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if taskLogsLease == "" {
			return userErrf("--lease is required")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		paths := pathsFromConfig(cfg)
		taskID := leaseq.TaskID(args[0])
		return tailTaskLogs(paths, leaseq.LeaseID(taskLogsLease), taskID, taskLogsFollow, taskLogsStderr)
	},
}

func init() {
	taskLogsCmd.Flags().StringVar(&taskLogsLease, "lease", "", "lease id (required)")
	taskLogsCmd.Flags().BoolVarP(&taskLogsFollow, "follow", "f", false, "keep tailing the log as it grows")
	taskLogsCmd.Flags().BoolVar(&taskLogsStderr, "stderr", false, "show stderr instead of stdout")
}

// tailTaskLogs implements "leaseq logs" and "leaseq logs --follow" with
// one code path (spec.md §12): poll-read new bytes at the same cadence
// the TUI uses, and once the task's result lands, propagate its own
// exit code to the caller if --follow was requested.
func tailTaskLogs(paths leaseq.Paths, leaseID leaseq.LeaseID, taskID leaseq.TaskID, follow, wantStderr bool) error {
	reader := snapshot.New(paths)
	detail, err := reader.TaskDetail(leaseID, taskID)
	if err != nil {
		return fmt.Errorf("look up task %s: %w", taskID, err)
	}
	if detail == nil {
		return userErrf("task %s not found in lease %s", taskID, leaseID)
	}

	path := detail.StdoutPath
	if wantStderr {
		path = detail.StderrPath
	}

	var offset int64
	for {
		chunk, err := snapshot.Tail(path, offset)
		if err != nil {
			return fmt.Errorf("tail %s: %w", path, err)
		}
		if chunk.Text != "" {
			fmt.Print(chunk.Text)
		}
		offset = chunk.NextOffset

		detail, err = reader.TaskDetail(leaseID, taskID)
		if err != nil {
			return fmt.Errorf("look up task %s: %w", taskID, err)
		}
		if detail != nil && detail.Result != nil {
			// Drain whatever was appended between the last tail and the
			// result landing, then stop (or propagate the exit code).
			final, err := snapshot.Tail(path, offset)
			if err == nil && final.Text != "" {
				fmt.Print(final.Text)
			}
			if follow {
				return &exitCodeError{code: detail.Result.ExitCode}
			}
			return nil
		}
		if !follow {
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
}

// --- retry ---

var taskRetryLease string

var taskRetryCmd = &cobra.Command{
	Use:   "retry TASK_ID",
	Short: "Resubmit a new task for one that ended FAILED or MALFORMED",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if taskRetryLease == "" {
			return userErrf("--lease is required")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		paths := pathsFromConfig(cfg)
		leaseID := leaseq.LeaseID(taskRetryLease)
		taskID := leaseq.TaskID(args[0])

		reader := snapshot.New(paths)
		detail, err := reader.TaskDetail(leaseID, taskID)
		if err != nil {
			return fmt.Errorf("look up task %s: %w", taskID, err)
		}
		if detail == nil || detail.Spec == nil {
			return userErrf("task %s not found in lease %s", taskID, leaseID)
		}
		if detail.Result == nil || (detail.Result.Outcome != leaseq.OutcomeFailed && detail.Result.Outcome != leaseq.OutcomeMalformed) {
			return userErrf("task %s is not in a retryable state (FAILED or MALFORMED)", taskID)
		}

		lane := mailbox.NewLane(paths, leaseID, detail.Node)
		seq, err := lane.NextSeq()
		if err != nil {
			return fmt.Errorf("allocate sequence number: %w", err)
		}

		newSpec := leaseq.TaskSpec{
			TaskID:         leaseq.NewTaskID(),
			IdempotencyKey: nextRetryKey(detail.Spec.IdempotencyKey),
			LeaseID:        leaseID,
			TargetNode:     detail.Node,
			Seq:            seq,
			UUID:           uuid.NewString(),
			CreatedAt:      time.Now().Unix(),
			Cwd:            detail.Spec.Cwd,
			Env:            detail.Spec.Env,
			GPUs:           detail.Spec.GPUs,
			Command:        detail.Spec.Command,
		}
		if err := lane.Submit(newSpec); err != nil {
			return fmt.Errorf("submit retry: %w", err)
		}
		fmt.Printf("task %s resubmitted as %s (seq %d)\n", taskID, newSpec.TaskID, seq)
		return nil
	},
}

func init() {
	taskRetryCmd.Flags().StringVar(&taskRetryLease, "lease", "", "lease id (required)")
}

var retrySuffixPattern = regexp.MustCompile(`^(.*)-retry-(\d+)$`)

// nextRetryKey suffixes key with an incrementing retry counter, bumping
// an existing one instead of stacking suffixes on a key that has
// already been retried.
func nextRetryKey(key string) string {
	if m := retrySuffixPattern.FindStringSubmatch(key); m != nil {
		n, err := strconv.Atoi(m[2])
		if err == nil {
			return fmt.Sprintf("%s-retry-%d", m[1], n+1)
		}
	}
	return key + "-retry-1"
}
