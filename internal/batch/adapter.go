// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package batch implements the external-batch lease adapter of spec.md
// §4.7: it shells out to the real sbatch/squeue/sacct/scancel binaries
// as a black-box subprocess collaborator, never reimplementing or
// wrapping them behind a client library.
package batch

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jontk/leaseq"
	"github.com/jontk/leaseq/internal/registry"
	"github.com/jontk/leaseq/pkg/config"
	ctxutil "github.com/jontk/leaseq/pkg/context"
	lqerrors "github.com/jontk/leaseq/pkg/errors"
	"github.com/jontk/leaseq/pkg/logging"
	"github.com/jontk/leaseq/pkg/metrics"
	"github.com/jontk/leaseq/pkg/watch"
)

// probeTimeout is the soft timeout on a single batch-CLI invocation
// (spec.md §5: "bounded by a soft timeout (~30s); on timeout the state
// is reported as UNKNOWN").
const probeTimeout = 30 * time.Second

// Runner executes one batch-system CLI command and captures its output.
// An interface so tests substitute a fake CLI instead of shelling out to
// a real scheduler.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout string, stderr string, err error)
}

// execRunner is the production Runner: os/exec, nothing else.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

type cachedProbe struct {
	probe    leaseq.BatchProbe
	cachedAt time.Time
}

// Adapter is the external-batch lease adapter: Create, Release, and a
// rate-limited Probe, plus the registry registration Create performs on
// a successful submission.
type Adapter struct {
	paths    leaseq.Paths
	registry *registry.Registry
	cfg      *config.Config
	log      logging.Logger
	run      Runner

	mu    sync.Mutex
	cache map[leaseq.LeaseID]cachedProbe
}

func New(paths leaseq.Paths, cfg *config.Config, log logging.Logger) *Adapter {
	return &Adapter{
		paths:    paths,
		registry: registry.New(paths),
		cfg:      cfg,
		log:      log,
		run:      execRunner{},
		cache:    make(map[leaseq.LeaseID]cachedProbe),
	}
}

// Create composes an sbatch invocation from spec, submits a generated
// keeper script, captures the allocated job id via --parsable, and
// registers the resulting external lease.
func (a *Adapter) Create(ctx context.Context, spec leaseq.BatchCreateSpec) (leaseq.LeaseID, error) {
	script, err := writeKeeperScript(a.paths, spec)
	if err != nil {
		return "", lqerrors.NewBatchAdapterError("write keeper script", err)
	}

	ctx, cancel := ctxutil.EnsureTimeout(ctx, ctxutil.DefaultLongTimeout)
	defer cancel()

	args := sbatchArgs(spec, script)
	stdout, stderr, err := a.runTimed(ctx, "sbatch", args...)
	if err != nil {
		err = ctxutil.WrapOpError(err, "sbatch", ctxutil.DefaultLongTimeout)
		return "", lqerrors.NewBatchAdapterError("sbatch submission failed: "+strings.TrimSpace(stderr), err)
	}

	jobID := parseParsableJobID(stdout)
	if jobID == "" {
		return "", lqerrors.NewBatchAdapterError("sbatch produced no parsable job id: "+strings.TrimSpace(stdout), nil)
	}
	leaseID := leaseq.LeaseID(jobID)

	meta := leaseq.LeaseMeta{
		LeaseID:    leaseID,
		Type:       leaseq.LeaseTypeExternal,
		Mode:       leaseq.ModeExclusivePerNode,
		Name:       spec.Name,
		SubmitArgs: sbatchArgsForRecord(args),
	}
	if err := a.registry.Register(meta); err != nil {
		return "", err
	}
	return leaseID, nil
}

// Release cancels the keeper job. Its termination stops the per-node
// runners via normal process-tree signaling; any in-flight claimed
// files become zombies for the next runner start to recover.
func (a *Adapter) Release(ctx context.Context, leaseID leaseq.LeaseID) error {
	ctx, cancel := ctxutil.EnsureTimeout(ctx, ctxutil.DefaultTimeout)
	defer cancel()

	_, stderr, err := a.runTimed(ctx, "scancel", string(leaseID))
	if err != nil {
		err = ctxutil.WrapOpError(err, "scancel", ctxutil.DefaultTimeout)
		return lqerrors.NewBatchAdapterError("scancel failed: "+strings.TrimSpace(stderr), err)
	}
	return nil
}

// Probe returns the lease's current batch state, rate-limited to at
// most one real CLI invocation per cfg.BatchProbeInterval; callers
// within that window get the cached result.
func (a *Adapter) Probe(ctx context.Context, leaseID leaseq.LeaseID) leaseq.BatchProbe {
	a.mu.Lock()
	if cached, ok := a.cache[leaseID]; ok && time.Since(cached.cachedAt) < a.cfg.BatchProbeInterval {
		a.mu.Unlock()
		return cached.probe
	}
	a.mu.Unlock()

	probe := a.probeNow(ctx, leaseID)

	a.mu.Lock()
	a.cache[leaseID] = cachedProbe{probe: probe, cachedAt: time.Now()}
	a.mu.Unlock()
	return probe
}

// runTimedResult bundles a CLI invocation's outputs so runTimed can pass
// it through metrics.ObserveDuration, which only returns a single value.
type runTimedResult struct {
	stdout string
	stderr string
	err    error
}

// runTimed runs one CLI command through a.run and records its duration
// against metrics.BatchProbeDuration, labeled by the binary invoked.
func (a *Adapter) runTimed(ctx context.Context, name string, args ...string) (string, string, error) {
	res := metrics.ObserveDuration(name, func() runTimedResult {
		stdout, stderr, err := a.run.Run(ctx, name, args...)
		return runTimedResult{stdout: stdout, stderr: stderr, err: err}
	})
	return res.stdout, res.stderr, res.err
}

func (a *Adapter) probeNow(ctx context.Context, leaseID leaseq.LeaseID) leaseq.BatchProbe {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	now := time.Now().Unix()
	stdout, _, err := a.runTimed(ctx, "squeue", "-h", "-j", string(leaseID), "-o", "%T|%L")
	if err != nil && ctx.Err() != nil {
		a.log.Warn("batch probe timed out", "lease_id", string(leaseID))
		return leaseq.BatchProbe{State: leaseq.BatchUnknown, ProbedAt: now}
	}
	if line := firstNonEmptyLine(stdout); line != "" {
		state, timeLeft := parseSqueueLine(line)
		return leaseq.BatchProbe{State: state, TimeLeft: timeLeft, ProbedAt: now}
	}

	// The job has left the live queue: fall back to accounting history
	// for its terminal state (squeue only reports pending/running jobs).
	sacctOut, _, err := a.runTimed(ctx, "sacct", "-j", string(leaseID), "-n", "-P", "-o", "State", "--noheader")
	if err != nil && ctx.Err() != nil {
		return leaseq.BatchProbe{State: leaseq.BatchUnknown, ProbedAt: now}
	}
	if line := firstNonEmptyLine(sacctOut); line != "" {
		return leaseq.BatchProbe{State: mapSlurmState(line), ProbedAt: now}
	}
	return leaseq.BatchProbe{State: leaseq.BatchUnknown, ProbedAt: now}
}

// WatchStates polls leaseIDs' batch state at cfg.BatchProbeInterval and
// emits an event whenever one changes. It is the backing poller for the
// "leaseq lease watch" CLI command, which needs push-like notifications
// without this package taking on a subscription model of its own. leaseIDs is fixed for the
// lifetime of the returned channel: leases submitted after Watch is
// called are not picked up.
func (a *Adapter) WatchStates(ctx context.Context, leaseIDs []leaseq.LeaseID) <-chan watch.Event[leaseq.LeaseID, leaseq.BatchState] {
	fetch := func(ctx context.Context) (map[leaseq.LeaseID]leaseq.BatchState, error) {
		states := make(map[leaseq.LeaseID]leaseq.BatchState, len(leaseIDs))
		for _, id := range leaseIDs {
			states[id] = a.Probe(ctx, id).State
		}
		return states, nil
	}
	interval := a.cfg.BatchProbeInterval
	if interval <= 0 {
		interval = watch.DefaultPollInterval
	}
	return watch.NewPoller(fetch).WithInterval(interval).Watch(ctx)
}

func firstNonEmptyLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}

func parseSqueueLine(line string) (leaseq.BatchState, string) {
	parts := strings.SplitN(line, "|", 2)
	state := mapSlurmState(parts[0])
	timeLeft := ""
	if len(parts) == 2 {
		timeLeft = strings.TrimSpace(parts[1])
	}
	return state, timeLeft
}

// mapSlurmState normalizes a raw Slurm job-state token (as reported by
// squeue's %T or sacct's State column, which may carry a trailing
// qualifier like "CANCELLED by 1001") into the adapter's closed
// BatchState vocabulary.
func mapSlurmState(raw string) leaseq.BatchState {
	token := strings.ToUpper(strings.TrimSpace(raw))
	if i := strings.IndexByte(token, ' '); i >= 0 {
		token = token[:i]
	}
	switch token {
	case "PENDING", "CONFIGURING":
		return leaseq.BatchPending
	case "RUNNING", "COMPLETING", "SUSPENDED", "STAGE_OUT", "SIGNALING", "RESIZING":
		return leaseq.BatchRunning
	case "COMPLETED":
		return leaseq.BatchCompleted
	case "CANCELLED", "PREEMPTED", "REVOKED", "STOPPED":
		return leaseq.BatchCancelled
	case "TIMEOUT", "DEADLINE":
		return leaseq.BatchTimeout
	case "FAILED", "NODE_FAIL", "BOOT_FAIL", "OUT_OF_MEMORY":
		return leaseq.BatchCompleted // terminal but not "succeeded"; the mailbox layer, not the scheduler, is the source of task-level success
	default:
		return leaseq.BatchUnknown
	}
}

// sbatchArgs composes the submission invocation from the well-known
// flags named in spec.md §4.7, the caller's pass-through args, and a
// parse-stable flag so the job id can be captured reliably.
func sbatchArgs(spec leaseq.BatchCreateSpec, scriptPath string) []string {
	args := []string{"--parsable"}
	if spec.Nodes > 0 {
		args = append(args, "--nodes", strconv.Itoa(spec.Nodes))
	}
	if spec.Time != "" {
		args = append(args, "--time", spec.Time)
	}
	if spec.Partition != "" {
		args = append(args, "--partition", spec.Partition)
	}
	if spec.QOS != "" {
		args = append(args, "--qos", spec.QOS)
	}
	if spec.Account != "" {
		args = append(args, "--account", spec.Account)
	}
	if spec.Constraint != "" {
		args = append(args, "--constraint", spec.Constraint)
	}
	if spec.Reservation != "" {
		args = append(args, "--reservation", spec.Reservation)
	}
	if spec.GPUsPerNode > 0 {
		args = append(args, "--gpus-per-node", strconv.Itoa(spec.GPUsPerNode))
	}
	if spec.Name != "" {
		args = append(args, "--job-name", spec.Name)
	}
	args = append(args, spec.PassthroughArgs...)
	args = append(args, scriptPath)
	return args
}

// sbatchArgsForRecord drops the script path (the last element) so
// LeaseMeta.SubmitArgs records only the flags a user would recognize as
// "what I asked for", not the generated keeper script's temp path.
func sbatchArgsForRecord(args []string) []string {
	if len(args) == 0 {
		return nil
	}
	return append([]string(nil), args[:len(args)-1]...)
}

// parseParsableJobID extracts the job id from sbatch --parsable output,
// which is "<jobid>" or "<jobid>;<cluster>".
func parseParsableJobID(stdout string) string {
	line := firstNonEmptyLine(stdout)
	if line == "" {
		return ""
	}
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	return line
}
