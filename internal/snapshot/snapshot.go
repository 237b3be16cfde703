// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package snapshot implements the read-only surface of spec.md §4.6:
// deriving queue and liveness state for the CLI and the TUI from the
// same on-disk layout the runner writes, tolerant of the partial
// visibility a shared filesystem can show a reader mid-transition.
package snapshot

import (
	"os"
	"sort"
	"time"

	"github.com/jontk/leaseq"
	"github.com/jontk/leaseq/internal/codec"
	"github.com/jontk/leaseq/internal/fsio"
	"github.com/jontk/leaseq/internal/registry"
	lqerrors "github.com/jontk/leaseq/pkg/errors"
)

// Reader derives snapshots from a mailbox home directory. It keeps no
// state of its own beyond the lost-task grace tracker required by
// spec.md §4.6's partial-visibility policy.
type Reader struct {
	paths    leaseq.Paths
	registry *registry.Registry

	prevClaimed map[string]map[leaseq.TaskID]bool // "<lease>/<node>" -> claimed set as of the previous call
	lostSeen    map[string]int                    // "<lease>/<node>/<task_id>" -> refresh cycles since it vanished from claimed/
}

func New(paths leaseq.Paths) *Reader {
	return &Reader{
		paths:       paths,
		registry:    registry.New(paths),
		prevClaimed: make(map[string]map[leaseq.TaskID]bool),
		lostSeen:    make(map[string]int),
	}
}

// ListLeases returns every registered lease id and its registry entry.
func (s *Reader) ListLeases() (map[leaseq.LeaseID]leaseq.RegistryEntry, error) {
	return s.registry.List()
}

// NodeSnapshot is one node's lane summary within a lease.
type NodeSnapshot struct {
	Node           string
	Heartbeat      *leaseq.Heartbeat
	Liveness       leaseq.Liveness
	HeartbeatAge   int64
	InboxCount     int
	ClaimedCount   int
	RunningTaskID  *leaseq.TaskID
	RecentDone     []leaseq.TaskResult
	LostCandidates []leaseq.TaskID
}

// LeaseSnapshot is the per-lease view consumed by `leaseq lease status`
// and the TUI's lease pane.
type LeaseSnapshot struct {
	LeaseID leaseq.LeaseID
	Meta    leaseq.LeaseMeta
	Nodes   []NodeSnapshot
}

// doneCap bounds how many recent done/ entries a snapshot carries per
// node, so a long-lived lease's snapshot stays cheap to build.
const doneCap = 20

// LeaseSnapshot derives a full snapshot for one lease by scanning every
// node subdirectory it finds under inbox/, claimed/, and done/.
func (s *Reader) LeaseSnapshot(leaseID leaseq.LeaseID) (LeaseSnapshot, error) {
	meta, err := s.registry.Meta(leaseID)
	if err != nil {
		return LeaseSnapshot{}, err
	}

	nodes, err := s.discoverNodes(leaseID)
	if err != nil {
		return LeaseSnapshot{}, err
	}

	snap := LeaseSnapshot{LeaseID: leaseID, Meta: meta}
	now := time.Now().Unix()
	for _, node := range nodes {
		ns, err := s.nodeSnapshot(leaseID, node, now)
		if err != nil {
			return LeaseSnapshot{}, err
		}
		snap.Nodes = append(snap.Nodes, ns)
	}
	return snap, nil
}

func (s *Reader) discoverNodes(leaseID leaseq.LeaseID) ([]string, error) {
	seen := make(map[string]bool)
	for _, dir := range []string{
		s.paths.LeaseDir(leaseID) + "/inbox",
		s.paths.LeaseDir(leaseID) + "/claimed",
		s.paths.LeaseDir(leaseID) + "/done",
	} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, lqerrors.ClassifyFSError("discover nodes", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				seen[e.Name()] = true
			}
		}
	}
	nodes := make([]string, 0, len(seen))
	for n := range seen {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes, nil
}

func (s *Reader) nodeSnapshot(leaseID leaseq.LeaseID, node string, now int64) (NodeSnapshot, error) {
	ns := NodeSnapshot{Node: node, Liveness: leaseq.LivenessUnknown}

	hb, err := s.readHeartbeat(leaseID, node)
	if err != nil {
		return ns, err
	}
	if hb != nil {
		ns.Heartbeat = hb
		ns.HeartbeatAge = now - hb.Ts
		ns.Liveness = hb.Classify(now)
		ns.RunningTaskID = hb.RunningTaskID
	}

	inbox, err := fsio.ListDir(s.paths.InboxDir(leaseID, node))
	if err != nil {
		return ns, lqerrors.ClassifyFSError("list inbox", err)
	}
	ns.InboxCount = len(inbox)

	claimedNames, err := fsio.ListDir(s.paths.ClaimedDir(leaseID, node))
	if err != nil {
		return ns, lqerrors.ClassifyFSError("list claimed", err)
	}
	ns.ClaimedCount = len(claimedNames)

	recent, err := s.recentDone(leaseID, node)
	if err != nil {
		return ns, err
	}
	ns.RecentDone = recent

	ns.LostCandidates = s.classifyLost(leaseID, node, claimedNames, recent)
	return ns, nil
}

func (s *Reader) readHeartbeat(leaseID leaseq.LeaseID, node string) (*leaseq.Heartbeat, error) {
	data, err := os.ReadFile(s.paths.HeartbeatFile(leaseID, node))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, lqerrors.ClassifyFSError("read heartbeat", err)
	}
	hb, _, err := codec.Decode[leaseq.Heartbeat](data)
	if err != nil {
		return nil, nil // malformed heartbeat: readers treat as unknown, not fatal (spec.md §7)
	}
	return &hb, nil
}

func (s *Reader) recentDone(leaseID leaseq.LeaseID, node string) ([]leaseq.TaskResult, error) {
	names, err := fsio.ListDir(s.paths.DoneDir(leaseID, node))
	if err != nil {
		return nil, lqerrors.ClassifyFSError("list done", err)
	}
	sort.Strings(names)
	if len(names) > doneCap {
		names = names[len(names)-doneCap:]
	}

	results := make([]leaseq.TaskResult, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(s.paths.DoneDir(leaseID, node) + "/" + name)
		if err != nil {
			continue
		}
		result, _, err := codec.Decode[leaseq.TaskResult](data)
		if err != nil {
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

// classifyLost implements spec.md §4.6's partial-visibility policy: a
// task seen in claimed/ at snapshot N but absent from both claimed/ and
// done/ at snapshot N+1 is retained and flagged LOST? for at least 2
// refresh cycles before being dropped, compensating for NFS attribute
// caching rather than reporting a zombie the instant it disappears.
func (s *Reader) classifyLost(leaseID leaseq.LeaseID, node string, claimedNames []string, done []leaseq.TaskResult) []leaseq.TaskID {
	const graceCycles = 2
	nodeKey := string(leaseID) + "/" + node

	current := make(map[leaseq.TaskID]bool, len(claimedNames))
	for _, name := range claimedNames {
		if _, id, _, err := leaseq.ParseSpecFilename(name); err == nil {
			current[id] = true
		}
	}
	doneIDs := make(map[leaseq.TaskID]bool, len(done))
	for _, r := range done {
		doneIDs[r.TaskID] = true
	}

	var lost []leaseq.TaskID
	for id := range s.prevClaimed[nodeKey] {
		if current[id] {
			continue // still claimed, nothing to flag
		}
		taskKey := nodeKey + "/" + string(id)
		if doneIDs[id] {
			delete(s.lostSeen, taskKey) // completed normally between snapshots
			continue
		}
		s.lostSeen[taskKey]++
		if s.lostSeen[taskKey] <= graceCycles {
			lost = append(lost, id)
		} else {
			delete(s.lostSeen, taskKey) // past the grace window, stop reporting it
		}
	}
	for id := range current {
		delete(s.lostSeen, nodeKey+"/"+string(id))
	}

	// Candidates still inside the grace window stay in the baseline so
	// the next call counts them again.
	next := make(map[leaseq.TaskID]bool, len(current)+len(lost))
	for id := range current {
		next[id] = true
	}
	for _, id := range lost {
		next[id] = true
	}
	s.prevClaimed[nodeKey] = next
	return lost
}
