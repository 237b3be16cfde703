// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package batch

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jontk/leaseq"
	"github.com/jontk/leaseq/internal/registry"
	"github.com/jontk/leaseq/pkg/config"
	"github.com/jontk/leaseq/pkg/logging"
	"github.com/jontk/leaseq/tests/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner scripts canned responses per binary name, recording every
// invocation for assertions, in place of a real scheduler.
type fakeRunner struct {
	responses map[string]fakeResponse
	calls     []fakeCall
}

type fakeResponse struct {
	stdout string
	stderr string
	err    error
}

type fakeCall struct {
	name string
	args []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, string, error) {
	f.calls = append(f.calls, fakeCall{name: name, args: args})
	resp := f.responses[name]
	return resp.stdout, resp.stderr, resp.err
}

func newTestAdapter(t *testing.T, run Runner) (*Adapter, leaseq.Paths) {
	t.Helper()
	paths := helpers.TempPaths(t)
	cfg := &config.Config{BatchProbeInterval: 10 * time.Millisecond}
	a := New(paths, cfg, logging.NoOpLogger{})
	a.run = run
	return a, paths
}

func TestCreateRegistersLeaseFromParsableJobID(t *testing.T) {
	fr := &fakeRunner{responses: map[string]fakeResponse{
		"sbatch": {stdout: "123456\n"},
	}}
	a, paths := newTestAdapter(t, fr)

	leaseID, err := a.Create(context.Background(), leaseq.BatchCreateSpec{
		Nodes: 2, Time: "01:00:00", Partition: "gpu", Name: "leaseq-keeper",
	})
	require.NoError(t, err)
	assert.Equal(t, leaseq.LeaseID("123456"), leaseID)

	reg := registry.New(paths)
	meta, err := reg.Meta(leaseID)
	require.NoError(t, err)
	assert.Equal(t, leaseq.LeaseTypeExternal, meta.Type)
	assert.Equal(t, "leaseq-keeper", meta.Name)

	require.Len(t, fr.calls, 1)
	assert.Equal(t, "sbatch", fr.calls[0].name)
	assert.Contains(t, fr.calls[0].args, "--partition")
}

func TestCreateParsesClusterQualifiedJobID(t *testing.T) {
	fr := &fakeRunner{responses: map[string]fakeResponse{
		"sbatch": {stdout: "123456;cluster1\n"},
	}}
	a, _ := newTestAdapter(t, fr)

	leaseID, err := a.Create(context.Background(), leaseq.BatchCreateSpec{Nodes: 1})
	require.NoError(t, err)
	assert.Equal(t, leaseq.LeaseID("123456"), leaseID)
}

func TestCreateFailsWithoutParsableOutput(t *testing.T) {
	fr := &fakeRunner{responses: map[string]fakeResponse{
		"sbatch": {stdout: "\n"},
	}}
	a, _ := newTestAdapter(t, fr)

	_, err := a.Create(context.Background(), leaseq.BatchCreateSpec{Nodes: 1})
	require.Error(t, err)
}

func TestReleaseInvokesScancelWithLeaseID(t *testing.T) {
	fr := &fakeRunner{responses: map[string]fakeResponse{}}
	a, _ := newTestAdapter(t, fr)

	require.NoError(t, a.Release(context.Background(), leaseq.LeaseID("999")))
	require.Len(t, fr.calls, 1)
	assert.Equal(t, "scancel", fr.calls[0].name)
	assert.Equal(t, []string{"999"}, fr.calls[0].args)
}

func TestProbeParsesSqueueRunningState(t *testing.T) {
	fr := &fakeRunner{responses: map[string]fakeResponse{
		"squeue": {stdout: "RUNNING|01:23:45\n"},
	}}
	a, _ := newTestAdapter(t, fr)

	probe := a.Probe(context.Background(), leaseq.LeaseID("123"))
	assert.Equal(t, leaseq.BatchRunning, probe.State)
	assert.Equal(t, "01:23:45", probe.TimeLeft)
}

func TestProbeFallsBackToSacctWhenSqueueIsEmpty(t *testing.T) {
	fr := &fakeRunner{responses: map[string]fakeResponse{
		"squeue": {stdout: ""},
		"sacct":  {stdout: "CANCELLED by 1001\n"},
	}}
	a, _ := newTestAdapter(t, fr)

	probe := a.Probe(context.Background(), leaseq.LeaseID("123"))
	assert.Equal(t, leaseq.BatchCancelled, probe.State)
}

func TestProbeIsRateLimitedWithinConfiguredWindow(t *testing.T) {
	fr := &fakeRunner{responses: map[string]fakeResponse{
		"squeue": {stdout: "PENDING|\n"},
	}}
	a, _ := newTestAdapter(t, fr)
	a.cfg.BatchProbeInterval = time.Hour

	first := a.Probe(context.Background(), leaseq.LeaseID("123"))
	second := a.Probe(context.Background(), leaseq.LeaseID("123"))
	assert.Equal(t, first, second)
	require.Len(t, fr.calls, 1, "second probe within the rate-limit window must not invoke the CLI again")
}

func TestMapSlurmStateUnknownForUnrecognizedToken(t *testing.T) {
	assert.Equal(t, leaseq.BatchUnknown, mapSlurmState("SOME_FUTURE_STATE"))
}

func TestWatchStatesEmitsChangedWhenProbeResultFlips(t *testing.T) {
	fr := &fakeRunner{responses: map[string]fakeResponse{
		"squeue": {stdout: "PENDING|\n"},
	}}
	a, _ := newTestAdapter(t, fr)
	a.cfg.BatchProbeInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := a.WatchStates(ctx, []leaseq.LeaseID{"123"})

	time.Sleep(15 * time.Millisecond)
	fr.responses["squeue"] = fakeResponse{stdout: "RUNNING|\n"}

	select {
	case e := <-events:
		assert.Equal(t, leaseq.LeaseID("123"), e.Key)
		assert.Equal(t, leaseq.BatchPending, e.Previous)
		assert.Equal(t, leaseq.BatchRunning, e.Current)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected a changed event after the probed state flipped")
	}
}

func TestWriteKeeperScriptEmbedsHomeAndIsExecutable(t *testing.T) {
	paths := helpers.TempPaths(t)
	path, err := writeKeeperScript(paths, leaseq.BatchCreateSpec{Name: "k"})
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.Mode()&0o111 != 0, "keeper script must be executable")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), paths.Home))
}
