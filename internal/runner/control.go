// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"syscall"
	"time"

	"github.com/jontk/leaseq"
)

// processControls enumerates control/<node>/, applies each file's
// effect, and consumes it (spec.md §4.4, §4.5 step 1). A file whose
// body fails to parse is logged and left in place for inspection,
// matching the MalformedRecord policy for non-TaskSpec records.
func (r *Runner) processControls(ctx context.Context) {
	names, err := r.lane.ListControl()
	if err != nil {
		r.log.Error("list control failed", "error", err.Error())
		return
	}

	for _, name := range names {
		cmd, err := r.lane.ReadControl(name)
		if err != nil {
			r.log.Warn("malformed control file left in place", "name", name, "error", err.Error())
			continue
		}

		switch cmd.Verb {
		case leaseq.ControlPause:
			r.setPaused(true)
		case leaseq.ControlResume:
			r.setPaused(false)
		case leaseq.ControlCancel:
			r.handleCancel(cmd.TaskID)
		default:
			r.log.Warn("control conflict: unrecognized verb", "name", name, "verb", string(cmd.Verb))
		}

		if err := r.lane.ConsumeControl(name); err != nil {
			r.log.Error("consume control failed", "name", name, "error", err.Error())
		}
	}
}

// handleCancel implements spec.md §4.4's three cancel cases: the named
// task is running (signal it), pending (short-circuit straight to
// DONE(CANCELLED) without executing), or unknown (ControlConflict,
// logged, no-op).
func (r *Runner) handleCancel(taskID leaseq.TaskID) {
	if rt := r.currentlyRunning(); rt != nil && rt.taskID == taskID {
		r.signalCancel(rt)
		return
	}

	claimed, err := r.lane.ClaimByTaskID(taskID)
	if err != nil {
		r.log.Error("cancel: scan inbox failed", "task_id", string(taskID), "error", err.Error())
		return
	}
	if claimed == nil {
		r.log.Info("control conflict: cancel for unknown task", "task_id", string(taskID))
		return
	}

	now := time.Now().Unix()
	result := leaseq.TaskResult{
		TaskID:         claimed.Spec.TaskID,
		IdempotencyKey: claimed.Spec.IdempotencyKey,
		Node:           r.node,
		StartedAt:      now,
		FinishedAt:     now,
		Outcome:        leaseq.OutcomeCancelled,
	}
	if err := r.lane.CommitDone(result, claimed.Path); err != nil {
		r.log.Error("commit pending-cancel result failed", "task_id", string(taskID), "error", err.Error())
		return
	}
	_ = r.lane.AppendEvent(leaseq.EventLine{Tag: leaseq.EventCancelled, TaskID: claimed.Spec.TaskID, Node: r.node, Ts: time.Now().Unix()})

	// Mark this idempotency key seen immediately, the same way
	// commitCompletion does for an executed task: otherwise a
	// resubmission reusing claimed.Spec.IdempotencyKey within this same
	// runner lifetime would be claimed and run instead of deduped
	// against the CANCELLED record that was just committed.
	r.mu.Lock()
	r.seen[claimed.Spec.IdempotencyKey] = true
	r.mu.Unlock()
}

// signalCancel sends SIGTERM to the running child and schedules a
// SIGKILL after cancelGrace if it hasn't exited by then (spec.md §5).
// The goroutine already blocked in cmd.Wait() observes the exit and
// reports the completion as usual; signalCancel sets cancel.requested
// so runChild knows to report OutcomeCancelled instead of FAILED.
func (r *Runner) signalCancel(rt *runningTask) {
	rt.cancel.mu.Lock()
	already := rt.cancel.requested
	rt.cancel.requested = true
	proc := rt.cancel.pid
	rt.cancel.mu.Unlock()
	if already || proc == nil {
		return
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		r.log.Warn("sigterm failed", "task_id", string(rt.taskID), "error", err.Error())
	}

	rt.cancel.mu.Lock()
	rt.cancel.timer = time.AfterFunc(cancelGrace, func() {
		rt.cancel.mu.Lock()
		p := rt.cancel.pid
		rt.cancel.mu.Unlock()
		if p != nil {
			_ = p.Signal(syscall.SIGKILL)
		}
	})
	rt.cancel.mu.Unlock()
}

