// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package runner implements the per-node worker loop of spec.md §4.5:
// it claims tasks from its lane, deduplicates by idempotency key, spawns
// and supervises the child process, captures logs, and commits results
// and events, while a dedicated goroutine keeps the node's heartbeat
// fresh independent of whatever task is executing.
package runner

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/jontk/leaseq"
	"github.com/jontk/leaseq/internal/mailbox"
	"github.com/jontk/leaseq/pkg/config"
	"github.com/jontk/leaseq/pkg/logging"
	"github.com/jontk/leaseq/pkg/metrics"
)

// Runner is bound to exactly one (lease, node) pair, per spec.md's
// exclusive-per-node mode.
type Runner struct {
	lane    *mailbox.Lane
	lease   leaseq.LeaseID
	node    string
	cfg     *config.Config
	log     logging.Logger
	version string

	mu      sync.Mutex
	paused  bool
	seen    map[string]bool
	running *runningTask

	completions chan taskCompletion
}

// runningTask tracks the one task this node may be executing at a time.
type runningTask struct {
	taskID    leaseq.TaskID
	spec      leaseq.TaskSpec
	claimed   *mailbox.ClaimedTask
	startedAt time.Time
	cancel    *cancelState
}

func New(paths leaseq.Paths, lease leaseq.LeaseID, node string, cfg *config.Config, log logging.Logger, version string) *Runner {
	return &Runner{
		lane:        mailbox.NewLane(paths, lease, node),
		lease:       lease,
		node:        node,
		cfg:         cfg,
		log:         log.With("lease_id", string(lease), "node", node),
		version:     version,
		seen:        make(map[string]bool),
		completions: make(chan taskCompletion, 1),
	}
}

// Run recovers zombies, seeds the idempotency set, starts the liveness
// goroutine, and then loops until ctx is canceled. It returns nil on a
// clean shutdown.
func (r *Runner) Run(ctx context.Context) error {
	recovered, err := r.lane.RecoverZombies()
	if err != nil {
		return err
	}
	for _, taskID := range recovered {
		r.log.Warn("recovered zombie task", "task_id", string(taskID))
	}

	seeded, err := r.lane.SeedIdempotencyKeys()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.seen = seeded
	r.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.heartbeatLoop(ctx)
	}()

	r.loop(ctx)
	wg.Wait()
	return nil
}

func (r *Runner) loop(ctx context.Context) {
	interval := r.cfg.PollIdle
	lastRescan := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r.drainCompletions()
		r.processControls(ctx)

		didWork := false
		if !r.isPaused() && r.currentlyRunning() == nil {
			var err error
			didWork, err = r.claimAndStart(ctx)
			if err != nil {
				r.log.Error("claim failed", "error", err.Error())
			}
		}

		if didWork || r.currentlyRunning() != nil {
			interval = r.cfg.PollBusy
		} else {
			interval = r.cfg.PollIdle
		}

		if time.Since(lastRescan) > r.cfg.RescanInterval {
			lastRescan = time.Now()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		case comp := <-r.completions:
			r.commitCompletion(comp)
		}
	}
}

func (r *Runner) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

func (r *Runner) setPaused(p bool) {
	r.mu.Lock()
	r.paused = p
	r.mu.Unlock()
}

func (r *Runner) currentlyRunning() *runningTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runner) drainCompletions() {
	for {
		select {
		case comp := <-r.completions:
			r.commitCompletion(comp)
		default:
			return
		}
	}
}

// heartbeatLoop rewrites hb/<node>.json at cfg.HeartbeatInterval,
// independent of task execution (spec.md §4.4).
func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	r.publishHeartbeat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.publishHeartbeat()
		}
	}
}

func (r *Runner) publishHeartbeat() {
	pending, err := r.lane.PendingCount()
	if err != nil {
		r.log.Warn("pending count failed", "error", err.Error())
	}

	var runningID *leaseq.TaskID
	if rt := r.currentlyRunning(); rt != nil {
		id := rt.taskID
		runningID = &id
	}

	hb := leaseq.Heartbeat{
		Node:            r.node,
		Ts:              time.Now().Unix(),
		RunningTaskID:   runningID,
		PendingEstimate: pending,
		RunnerPID:       os.Getpid(),
		Version:         r.version,
	}
	if err := r.lane.PublishHeartbeat(hb); err != nil {
		r.log.Error("heartbeat publish failed", "error", err.Error())
		return
	}
	metrics.HeartbeatAge.WithLabelValues(string(r.lease), r.node).Set(0)
}
