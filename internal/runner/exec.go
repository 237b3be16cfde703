// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/jontk/leaseq"
	"github.com/jontk/leaseq/internal/mailbox"
	"github.com/jontk/leaseq/pkg/metrics"
	"github.com/jontk/leaseq/pkg/retry"
)

// publishBackoff bounds the backoff used to retry a failed result
// publish (spec.md §4.5: "errors during result publish are retried with
// backoff"). The strategy is config-selectable (LEASEQ_RETRY_BACKOFF);
// every choice is capped well under a poll interval so a string of
// failures doesn't stall the loop indefinitely. Exponential is the
// default and the one spec.md names explicitly.
func publishBackoff(strategy string) retry.BackoffStrategy {
	switch strategy {
	case "linear":
		return &retry.LinearBackoff{
			InitialDelay: 50 * time.Millisecond,
			Increment:    100 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Jitter:       0.2,
			MaxAttempts:  5,
		}
	case "fibonacci":
		return &retry.FibonacciBackoff{
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			MaxAttempts:  5,
		}
	case "constant":
		return &retry.ConstantBackoff{
			Delay:       200 * time.Millisecond,
			MaxAttempts: 5,
		}
	default:
		return &retry.ExponentialBackoff{
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
			Jitter:       0.2,
			MaxAttempts:  5,
		}
	}
}

// cancelGrace is the window between SIGTERM and SIGKILL for a canceled
// task (spec.md §4.4, §5: "~10 s grace period").
const cancelGrace = 10 * time.Second

// taskCompletion is handed from the goroutine executing a task back to
// the main loop, which is the only goroutine allowed to commit results
// (keeping the single-writer discipline even with the async spawn).
type taskCompletion struct {
	claimed *mailbox.ClaimedTask
	result  leaseq.TaskResult
	event   leaseq.EventLine
}

// cancelState coordinates a pending SIGTERM->SIGKILL escalation for one
// running task.
type cancelState struct {
	mu        sync.Mutex
	requested bool
	timer     *time.Timer
	pid       *os.Process
}

// claimAndStart claims the next spec off this lane and, if successful,
// either commits a terminal result synchronously (malformed spec,
// duplicate idempotency key) or starts asynchronous execution. It
// returns whether any work was picked up this iteration.
func (r *Runner) claimAndStart(ctx context.Context) (bool, error) {
	claimed, err := r.lane.ClaimNext()
	if err != nil {
		return false, err
	}
	if claimed == nil {
		return false, nil
	}

	if claimed.ParseErr == nil && claimed.Spec.TargetNode != r.node {
		claimed.ParseErr = fmt.Errorf("spec targets node %q but was claimed on lane %q", claimed.Spec.TargetNode, r.node)
	}

	taskID := claimed.Spec.TaskID
	if claimed.ParseErr != nil {
		// The spec couldn't be parsed at all; fall back to the
		// filename's task id component so the result still lands
		// under the right name.
		if _, fromName, _, perr := leaseq.ParseSpecFilename(claimed.Filename); perr == nil {
			taskID = fromName
		}
	}
	_ = r.lane.AppendEvent(leaseq.EventLine{Tag: leaseq.EventClaimed, TaskID: taskID, Node: r.node, Ts: time.Now().Unix()})
	metrics.TasksClaimed.WithLabelValues(r.node).Inc()

	if claimed.ParseErr != nil {
		r.commitMalformed(claimed, taskID)
		return true, nil
	}

	spec := claimed.Spec
	r.mu.Lock()
	dup := r.seen[spec.IdempotencyKey]
	r.mu.Unlock()
	if dup {
		r.commitSkippedDup(claimed)
		return true, nil
	}

	if err := r.lane.Ack(spec.TaskID); err != nil {
		r.log.Error("ack publish failed", "task_id", string(spec.TaskID), "error", err.Error())
	}

	r.startExecution(ctx, claimed)
	return true, nil
}

// commitMalformed handles a TaskSpec that failed to parse (spec.md §4.5
// step 5, §7 MalformedRecord): committed as DONE(MALFORMED) with the
// sentinel exit code, never spawned.
func (r *Runner) commitMalformed(claimed *mailbox.ClaimedTask, taskID leaseq.TaskID) {
	now := time.Now().Unix()
	stderrPath := r.lane.Paths.StderrLog(r.lease, taskID)
	preamble := fmt.Sprintf("leaseq: malformed task spec: %v\n", claimed.ParseErr)
	if err := os.MkdirAll(r.lane.Paths.LogsDir(r.lease), 0o755); err == nil {
		_ = os.WriteFile(stderrPath, []byte(preamble), 0o644)
	}

	result := leaseq.TaskResult{
		TaskID:     taskID,
		Node:       r.node,
		StartedAt:  now,
		FinishedAt: now,
		ExitCode:   leaseq.SentinelExitCode,
		StderrPath: stderrPath,
		Outcome:    leaseq.OutcomeMalformed,
	}
	if err := r.lane.CommitDone(result, claimed.Path); err != nil {
		r.log.Error("commit malformed result failed", "task_id", string(taskID), "error", err.Error())
		return
	}
	_ = r.lane.AppendEvent(leaseq.EventLine{Tag: leaseq.EventFailed, TaskID: taskID, Node: r.node, Ts: time.Now().Unix(), Detail: "malformed spec"})
	metrics.TasksCommitted.WithLabelValues(r.node, string(leaseq.OutcomeMalformed)).Inc()
}

// commitSkippedDup handles a claimed task whose idempotency key was
// already committed (spec.md §4.5 step 6): no execution, no logs.
func (r *Runner) commitSkippedDup(claimed *mailbox.ClaimedTask) {
	spec := claimed.Spec
	now := time.Now().Unix()
	result := leaseq.TaskResult{
		TaskID:         spec.TaskID,
		IdempotencyKey: spec.IdempotencyKey,
		Node:           r.node,
		StartedAt:      now,
		FinishedAt:     now,
		Outcome:        leaseq.OutcomeSkippedDup,
	}
	if err := r.lane.CommitDone(result, claimed.Path); err != nil {
		r.log.Error("commit skipped-dup result failed", "task_id", string(spec.TaskID), "error", err.Error())
		return
	}
	_ = r.lane.AppendEvent(leaseq.EventLine{Tag: leaseq.EventSkippedDup, TaskID: spec.TaskID, Node: r.node, Ts: time.Now().Unix()})
	metrics.TasksCommitted.WithLabelValues(r.node, string(leaseq.OutcomeSkippedDup)).Inc()
}

// startExecution opens the task's log files, spawns the child under a
// login shell, and waits for it in a background goroutine. The main
// loop learns of completion via r.completions and is the only goroutine
// that ever commits a result.
func (r *Runner) startExecution(ctx context.Context, claimed *mailbox.ClaimedTask) {
	spec := claimed.Spec
	rt := &runningTask{taskID: spec.TaskID, spec: spec, claimed: claimed, startedAt: time.Now(), cancel: &cancelState{}}
	r.mu.Lock()
	r.running = rt
	r.mu.Unlock()

	go func() {
		result, event := r.runChild(ctx, rt)
		r.completions <- taskCompletion{claimed: claimed, result: result, event: event}
	}()
}

// runChild does the actual spawn-wait-translate work described in
// spec.md §4.5 steps 8-10. It never touches the mailbox directly: the
// caller commits the result from the main loop.
func (r *Runner) runChild(ctx context.Context, rt *runningTask) (leaseq.TaskResult, leaseq.EventLine) {
	spec := rt.spec
	startedAt := time.Now()

	if err := os.MkdirAll(r.lane.Paths.LogsDir(r.lease), 0o755); err != nil {
		return r.spawnFailure(spec, startedAt, err)
	}
	stdoutPath := r.lane.Paths.StdoutLog(r.lease, spec.TaskID)
	stderrPath := r.lane.Paths.StderrLog(r.lease, spec.TaskID)

	stdout, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return r.spawnFailure(spec, startedAt, err)
	}
	defer stdout.Close()
	stderr, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return r.spawnFailure(spec, startedAt, err)
	}
	defer stderr.Close()

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.Command(shell, "-l", "-c", spec.Command)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if spec.Cwd != nil {
		cmd.Dir = *spec.Cwd
	}
	cmd.Env = mergeEnv(os.Environ(), spec.Env)

	if err := cmd.Start(); err != nil {
		return r.spawnFailure(spec, startedAt, err)
	}
	_ = r.lane.AppendEvent(leaseq.EventLine{Tag: leaseq.EventStarted, TaskID: spec.TaskID, Node: r.node, Ts: time.Now().Unix()})

	rt.cancel.mu.Lock()
	rt.cancel.pid = cmd.Process
	alreadyRequested := rt.cancel.requested
	rt.cancel.mu.Unlock()
	if alreadyRequested {
		// A cancel arrived between claim and spawn; honor it now
		// rather than letting the child run unsupervised.
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	waitErr := cmd.Wait()
	finishedAt := time.Now()

	rt.cancel.mu.Lock()
	wasCanceled := rt.cancel.requested
	if rt.cancel.timer != nil {
		rt.cancel.timer.Stop()
	}
	rt.cancel.mu.Unlock()

	exitCode := translateExitStatus(cmd, waitErr)

	outcome := leaseq.OutcomeOK
	eventTag := leaseq.EventFinished
	if wasCanceled {
		outcome = leaseq.OutcomeCancelled
		eventTag = leaseq.EventCancelled
	} else if exitCode != 0 {
		outcome = leaseq.OutcomeFailed
		eventTag = leaseq.EventFailed
	}

	result := leaseq.TaskResult{
		TaskID:         spec.TaskID,
		IdempotencyKey: spec.IdempotencyKey,
		Node:           r.node,
		StartedAt:      startedAt.Unix(),
		FinishedAt:     finishedAt.Unix(),
		ExitCode:       exitCode,
		StdoutPath:     stdoutPath,
		StderrPath:     stderrPath,
		RuntimeSeconds: finishedAt.Sub(startedAt).Seconds(),
		Outcome:        outcome,
	}
	event := leaseq.EventLine{Tag: eventTag, TaskID: spec.TaskID, Node: r.node, Ts: time.Now().Unix()}
	return result, event
}

func (r *Runner) spawnFailure(spec leaseq.TaskSpec, startedAt time.Time, cause error) (leaseq.TaskResult, leaseq.EventLine) {
	stderrPath := r.lane.Paths.StderrLog(r.lease, spec.TaskID)
	preamble := fmt.Sprintf("leaseq: failed to start task: %v\n", cause)
	_ = os.WriteFile(stderrPath, []byte(preamble), 0o644)

	finishedAt := time.Now()
	result := leaseq.TaskResult{
		TaskID:         spec.TaskID,
		IdempotencyKey: spec.IdempotencyKey,
		Node:           r.node,
		StartedAt:      startedAt.Unix(),
		FinishedAt:     finishedAt.Unix(),
		ExitCode:       leaseq.SentinelExitCode,
		StderrPath:     stderrPath,
		RuntimeSeconds: finishedAt.Sub(startedAt).Seconds(),
		Outcome:        leaseq.OutcomeFailed,
	}
	event := leaseq.EventLine{Tag: leaseq.EventFailed, TaskID: spec.TaskID, Node: r.node, Ts: time.Now().Unix(), Detail: "spawn failure"}
	return result, event
}

// commitCompletion is called only from the main loop goroutine: it
// publishes the result, removes the claimed file, appends the event,
// records the idempotency key, and clears r.running.
func (r *Runner) commitCompletion(comp taskCompletion) {
	err := retry.Retry(context.Background(), publishBackoff(r.cfg.RetryBackoff), func() error {
		return r.lane.CommitDone(comp.result, comp.claimed.Path)
	})
	if err != nil {
		r.log.Error("commit task result failed after retries", "task_id", string(comp.result.TaskID), "error", err.Error())
	}
	_ = r.lane.AppendEvent(comp.event)
	metrics.TasksCommitted.WithLabelValues(r.node, string(comp.result.Outcome)).Inc()

	r.mu.Lock()
	r.seen[comp.result.IdempotencyKey] = true
	r.running = nil
	r.mu.Unlock()
}

// translateExitStatus converts the child's wait result into the signed
// exit_code convention of spec.md §3: non-negative for a normal exit,
// -N for termination by signal N.
func translateExitStatus(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState == nil {
		return leaseq.SentinelExitCode
	}
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return cmd.ProcessState.ExitCode()
}

// mergeEnv merges task-specific env on top of the runner's own
// environment, the spec winning on collision (spec.md §4.5 step 9).
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(overrides))
	merged = append(merged, base...)
	for k, v := range overrides {
		merged = append(merged, k+"="+v)
	}
	return merged
}
