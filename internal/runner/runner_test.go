// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jontk/leaseq"
	"github.com/jontk/leaseq/internal/mailbox"
	"github.com/jontk/leaseq/pkg/config"
	"github.com/jontk/leaseq/pkg/logging"
	"github.com/jontk/leaseq/tests/helpers"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		PollIdle:          20 * time.Millisecond,
		PollBusy:          20 * time.Millisecond,
		RescanInterval:    time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
	}
}

func newTestRunner(t *testing.T) (*Runner, leaseq.Paths, leaseq.LeaseID, string) {
	t.Helper()
	paths := helpers.TempPaths(t)
	lease := leaseq.LocalLeaseID("node-a")
	node := "node-a"
	r := New(paths, lease, node, testConfig(), logging.NoOpLogger{}, "test")
	return r, paths, lease, node
}

func submit(t *testing.T, paths leaseq.Paths, lease leaseq.LeaseID, node, idempotencyKey, command string) leaseq.TaskSpec {
	t.Helper()
	lane := mailbox.NewLane(paths, lease, node)
	seq, err := lane.NextSeq()
	require.NoError(t, err)
	spec := leaseq.TaskSpec{
		TaskID:         leaseq.NewTaskID(),
		IdempotencyKey: idempotencyKey,
		LeaseID:        lease,
		TargetNode:     node,
		Seq:            seq,
		UUID:           uuid.NewString(),
		CreatedAt:      time.Now().Unix(),
		Command:        command,
	}
	require.NoError(t, lane.Submit(spec))
	return spec
}

func waitForResult(t *testing.T, paths leaseq.Paths, lease leaseq.LeaseID, node string, taskID leaseq.TaskID, timeout time.Duration) os.FileInfo {
	t.Helper()
	deadline := time.Now().Add(timeout)
	path := paths.DoneDir(lease, node) + "/" + leaseq.ResultFilename(taskID)
	for time.Now().Before(deadline) {
		if info, err := os.Stat(path); err == nil {
			return info
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("result for %s did not appear within %s", taskID, timeout)
	return nil
}

func TestRunnerExecutesTaskAndCommitsOK(t *testing.T) {
	r, paths, lease, node := newTestRunner(t)
	spec := submit(t, paths, lease, node, "key-1", "echo hello")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitForResult(t, paths, lease, node, spec.TaskID, 2*time.Second)

	out, err := os.ReadFile(paths.StdoutLog(lease, spec.TaskID))
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(out))

	events, err := os.ReadFile(paths.EventsFile(lease, node))
	require.NoError(t, err)
	text := string(events)
	require.True(t, strings.Index(text, "CLAIMED") < strings.Index(text, "STARTED"))
	require.True(t, strings.Index(text, "STARTED") < strings.Index(text, "FINISHED"))
}

func TestRunnerSkipsDuplicateIdempotencyKey(t *testing.T) {
	r, paths, lease, node := newTestRunner(t)
	first := submit(t, paths, lease, node, "dup-key", "echo first")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitForResult(t, paths, lease, node, first.TaskID, 2*time.Second)

	second := submit(t, paths, lease, node, "dup-key", "echo second")
	waitForResult(t, paths, lease, node, second.TaskID, 2*time.Second)

	data, err := os.ReadFile(paths.DoneDir(lease, node) + "/" + leaseq.ResultFilename(second.TaskID))
	require.NoError(t, err)
	require.Contains(t, string(data), `"SKIPPED_DUP"`)

	_, err = os.Stat(paths.StdoutLog(lease, second.TaskID))
	require.True(t, os.IsNotExist(err))
}

func TestRunnerCommitsMalformedSpec(t *testing.T) {
	r, paths, lease, node := newTestRunner(t)
	require.NoError(t, os.MkdirAll(paths.InboxDir(lease, node), 0o755))
	taskID := leaseq.NewTaskID()
	name := "000000000001_" + string(taskID) + "_" + uuid.NewString() + ".json"
	require.NoError(t, os.WriteFile(paths.InboxDir(lease, node)+"/"+name, []byte("not-json"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitForResult(t, paths, lease, node, taskID, 2*time.Second)
	data, err := os.ReadFile(paths.DoneDir(lease, node) + "/" + leaseq.ResultFilename(taskID))
	require.NoError(t, err)
	require.Contains(t, string(data), `"MALFORMED"`)
}

func TestRunnerCancelsRunningTask(t *testing.T) {
	r, paths, lease, node := newTestRunner(t)
	spec := submit(t, paths, lease, node, "key-cancel", "sleep 30")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	// Wait until the task is claimed and running before canceling.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && r.currentlyRunning() == nil {
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, r.currentlyRunning())

	lane := mailbox.NewLane(paths, lease, node)
	require.NoError(t, mailbox.PublishCancel(lane, spec.TaskID))

	waitForResult(t, paths, lease, node, spec.TaskID, 12*time.Second)
	data, err := os.ReadFile(paths.DoneDir(lease, node) + "/" + leaseq.ResultFilename(spec.TaskID))
	require.NoError(t, err)
	require.Contains(t, string(data), `"CANCELLED"`)
}

func TestRunnerRecoversZombieOnRestart(t *testing.T) {
	paths := helpers.TempPaths(t)
	lease := leaseq.LocalLeaseID("node-a")
	node := "node-a"
	lane := mailbox.NewLane(paths, lease, node)

	spec := submit(t, paths, lease, node, "key-zombie", "echo zombie")
	claimed, err := lane.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, claimed)

	r := New(paths, lease, node, testConfig(), logging.NoOpLogger{}, "test")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitForResult(t, paths, lease, node, spec.TaskID, 2*time.Second)
	data, err := os.ReadFile(paths.EventsFile(lease, node))
	require.NoError(t, err)
	require.Contains(t, string(data), `"LOST"`)
}
