// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package mailbox implements the per-node lane state machine of
// spec.md §4.4: the inbox -> claimed -> done lifecycle, the ack and
// append-only event log, zombie recovery, and control-file handling.
// Each exported method performs one step of that lifecycle; callers
// compose them into the runner loop or the snapshot reader.
package mailbox

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jontk/leaseq"
	"github.com/jontk/leaseq/internal/codec"
	"github.com/jontk/leaseq/internal/fsio"
	lqerrors "github.com/jontk/leaseq/pkg/errors"
)

// Lane is the mailbox subtree for one (lease, node) pair.
type Lane struct {
	Paths leaseq.Paths
	Lease leaseq.LeaseID
	Node  string
}

func NewLane(paths leaseq.Paths, lease leaseq.LeaseID, node string) *Lane {
	return &Lane{Paths: paths, Lease: lease, Node: node}
}

// NextSeq scans inbox and claimed for this lane and returns one more
// than the highest seq observed. done/ is listed but does not
// contribute, because result filenames carry no seq; once a lane has
// drained, numbering starts again at 0. The scan is
// advisory: two concurrent submitters may compute the same value, and
// the protocol tolerates the resulting collision (the uuid component of
// the filename still differentiates them).
func (l *Lane) NextSeq() (int64, error) {
	var maxSeq int64 = -1
	for _, dir := range []string{
		l.Paths.InboxDir(l.Lease, l.Node),
		l.Paths.ClaimedDir(l.Lease, l.Node),
	} {
		names, err := fsio.ListDir(dir)
		if err != nil {
			return 0, lqerrors.ClassifyFSError("scan lane for seq", err)
		}
		for _, name := range names {
			seq, _, _, err := leaseq.ParseSpecFilename(name)
			if err != nil {
				continue
			}
			if seq > maxSeq {
				maxSeq = seq
			}
		}
	}
	names, err := fsio.ListDir(l.Paths.DoneDir(l.Lease, l.Node))
	if err != nil {
		return 0, lqerrors.ClassifyFSError("scan done for seq", err)
	}
	_ = names // done/ filenames are <task_id>.result.json, carry no seq; included above only for inbox/claimed
	return maxSeq + 1, nil
}

// Submit publishes spec into inbox/<node>/ via atomic-publish
// (ABSENT -> PENDING, spec.md §4.4). The caller is responsible for
// having assigned Seq and UUID (see NextSeq and NewLane).
func (l *Lane) Submit(spec leaseq.TaskSpec) error {
	data, err := codec.Encode(spec, nil)
	if err != nil {
		return lqerrors.NewFatal("encode task spec", err)
	}
	path := fmt.Sprintf("%s/%s", l.Paths.InboxDir(l.Lease, l.Node), spec.Filename())
	if err := fsio.AtomicPublish(path, data, 0o644); err != nil {
		return lqerrors.ClassifyFSError("publish task spec", err)
	}
	return nil
}

// ClaimedTask pairs a parsed spec with the claimed/ path it now lives at
// and the raw bytes that produced it, so a caller can still commit
// MALFORMED without having understood the payload.
type ClaimedTask struct {
	Spec     leaseq.TaskSpec
	Filename string
	Path     string
	Raw      []byte
	ParseErr error
}

// ClaimNext picks the lexicographically smallest file in inbox/<node>/
// and atomic-renames it into claimed/<node>/ (PENDING -> CLAIMED,
// spec.md §4.4). It returns (nil, nil) when the lane is empty or when
// the rename lost a race (TransientNotFound/AlreadyExists): both are
// non-fatal per spec.md §4.1 and the caller simply continues its loop.
func (l *Lane) ClaimNext() (*ClaimedTask, error) {
	inbox := l.Paths.InboxDir(l.Lease, l.Node)
	names, err := fsio.ListDir(inbox)
	if err != nil {
		return nil, lqerrors.ClassifyFSError("scan inbox", err)
	}
	if len(names) == 0 {
		return nil, nil
	}
	sort.Strings(names)
	name := names[0]

	src := inbox + "/" + name
	dst := l.Paths.ClaimedDir(l.Lease, l.Node) + "/" + name
	if err := fsio.AtomicRename(src, dst); err != nil {
		if err == fsio.TransientNotFound || err == fsio.AlreadyExists {
			return nil, nil
		}
		return nil, lqerrors.ClassifyFSError("claim task", err)
	}

	raw, err := os.ReadFile(dst)
	if err != nil {
		// The file we just renamed disappeared or is unreadable: treat
		// as a parse failure so the caller still commits a terminal
		// result instead of looping forever on it.
		return &ClaimedTask{Filename: name, Path: dst, ParseErr: lqerrors.NewMalformedRecord("read claimed spec", err)}, nil
	}
	spec, _, err := codec.Decode[leaseq.TaskSpec](raw)
	return &ClaimedTask{Spec: spec, Filename: name, Path: dst, Raw: raw, ParseErr: err}, nil
}

// ClaimByTaskID claims a specific pending task out of lane FIFO order,
// used only by cancel handling (spec.md §4.4: a cancel for a still-
// pending task short-circuits straight to DONE(CANCELLED)). Returns
// (nil, nil) if no inbox entry matches taskID.
func (l *Lane) ClaimByTaskID(taskID leaseq.TaskID) (*ClaimedTask, error) {
	inbox := l.Paths.InboxDir(l.Lease, l.Node)
	names, err := fsio.ListDir(inbox)
	if err != nil {
		return nil, lqerrors.ClassifyFSError("scan inbox for cancel", err)
	}

	for _, name := range names {
		_, id, _, err := leaseq.ParseSpecFilename(name)
		if err != nil || id != taskID {
			continue
		}

		src := inbox + "/" + name
		dst := l.Paths.ClaimedDir(l.Lease, l.Node) + "/" + name
		if err := fsio.AtomicRename(src, dst); err != nil {
			if err == fsio.TransientNotFound || err == fsio.AlreadyExists {
				return nil, nil
			}
			return nil, lqerrors.ClassifyFSError("claim for cancel", err)
		}

		raw, err := os.ReadFile(dst)
		if err != nil {
			return &ClaimedTask{Filename: name, Path: dst, ParseErr: lqerrors.NewMalformedRecord("read claimed spec", err)}, nil
		}
		spec, _, err := codec.Decode[leaseq.TaskSpec](raw)
		return &ClaimedTask{Spec: spec, Filename: name, Path: dst, Raw: raw, ParseErr: err}, nil
	}
	return nil, nil
}

// Ack publishes the informational ack/<node>/<task_id>.ack.json record
// (CLAIMED -> ACKED, spec.md §4.4). It is informational only; no state
// transition depends on it.
func (l *Lane) Ack(taskID leaseq.TaskID) error {
	rec := leaseq.AckRecord{TaskID: taskID, Node: l.Node, AckedAt: time.Now().Unix()}
	data, err := codec.Encode(rec, nil)
	if err != nil {
		return lqerrors.NewFatal("encode ack", err)
	}
	path := l.Paths.AckDir(l.Lease, l.Node) + "/" + leaseq.AckFilename(taskID)
	if err := fsio.AtomicPublish(path, data, 0o644); err != nil {
		return lqerrors.ClassifyFSError("publish ack", err)
	}
	return nil
}

// CommitDone publishes the result record (the commit point of
// exactly-once semantics, spec.md §4.4) and then removes the claimed
// file. claimedPath may be empty for a task that never reached claimed/
// (there is none in this protocol, but callers pass "" defensively).
func (l *Lane) CommitDone(result leaseq.TaskResult, claimedPath string) error {
	data, err := codec.Encode(result, nil)
	if err != nil {
		return lqerrors.NewFatal("encode task result", err)
	}
	path := l.Paths.DoneDir(l.Lease, l.Node) + "/" + leaseq.ResultFilename(result.TaskID)
	if err := fsio.AtomicPublish(path, data, 0o644); err != nil {
		return lqerrors.ClassifyFSError("publish task result", err)
	}
	if claimedPath != "" {
		if err := fsio.Remove(claimedPath); err != nil {
			return lqerrors.ClassifyFSError("remove claimed file", err)
		}
	}
	return nil
}

// HasResult reports whether a DONE result already exists for taskID,
// without needing to parse it.
func (l *Lane) HasResult(taskID leaseq.TaskID) (bool, error) {
	path := l.Paths.DoneDir(l.Lease, l.Node) + "/" + leaseq.ResultFilename(taskID)
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, lqerrors.ClassifyFSError("stat result", err)
}

// SeedIdempotencyKeys scans done/<node>/ and returns the set of
// idempotency keys already committed, used to seed the runner's
// in-memory dedup set at startup (spec.md §4.4).
func (l *Lane) SeedIdempotencyKeys() (map[string]bool, error) {
	keys := make(map[string]bool)
	names, err := fsio.ListDir(l.Paths.DoneDir(l.Lease, l.Node))
	if err != nil {
		return nil, lqerrors.ClassifyFSError("scan done for idempotency seed", err)
	}
	for _, name := range names {
		if !strings.HasSuffix(name, ".result.json") {
			continue
		}
		data, err := os.ReadFile(l.Paths.DoneDir(l.Lease, l.Node) + "/" + name)
		if err != nil {
			continue
		}
		result, _, err := codec.Decode[leaseq.TaskResult](data)
		if err != nil {
			continue
		}
		keys[result.IdempotencyKey] = true
	}
	return keys, nil
}

// RecoverZombies returns claimed/<node>/ files with no matching done
// result to inbox/<node>/ and appends a LOST event for each (spec.md
// §4.4, §8 property 4). It is called once at runner startup.
func (l *Lane) RecoverZombies() ([]leaseq.TaskID, error) {
	claimedDir := l.Paths.ClaimedDir(l.Lease, l.Node)
	names, err := fsio.ListDir(claimedDir)
	if err != nil {
		return nil, lqerrors.ClassifyFSError("scan claimed for zombies", err)
	}

	var recovered []leaseq.TaskID
	for _, name := range names {
		_, taskID, _, err := leaseq.ParseSpecFilename(name)
		if err != nil {
			continue
		}
		has, err := l.HasResult(taskID)
		if err != nil {
			return recovered, err
		}
		if has {
			continue
		}

		src := claimedDir + "/" + name
		dst := l.Paths.InboxDir(l.Lease, l.Node) + "/" + name
		if err := fsio.AtomicRename(src, dst); err != nil {
			if err == fsio.TransientNotFound || err == fsio.AlreadyExists {
				continue
			}
			return recovered, lqerrors.ClassifyFSError("recover zombie", err)
		}
		if err := l.AppendEvent(leaseq.EventLine{Tag: leaseq.EventLost, TaskID: taskID, Node: l.Node, Ts: time.Now().Unix()}); err != nil {
			return recovered, err
		}
		recovered = append(recovered, taskID)
	}
	return recovered, nil
}

// AppendEvent appends one line to events/<node>.jsonl. This is the one
// mailbox write that is not atomic-publish: the event log is append-
// only and single-writer by convention (only this node's runner ever
// writes it), so a raw O_APPEND write is safe and matches spec.md §3's
// description of the record kind.
func (l *Lane) AppendEvent(ev leaseq.EventLine) error {
	if err := fsio.EnsureDir(dirOf(l.Paths.EventsFile(l.Lease, l.Node))); err != nil {
		return lqerrors.ClassifyFSError("create events dir", err)
	}
	data, err := codec.Encode(ev, nil)
	if err != nil {
		return lqerrors.NewFatal("encode event", err)
	}
	f, err := os.OpenFile(l.Paths.EventsFile(l.Lease, l.Node), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return lqerrors.ClassifyFSError("open events log", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return lqerrors.ClassifyFSError("append event", err)
	}
	return f.Sync()
}

// ListControl returns pending control files in control/<node>/, sorted,
// excluding the .consumed subtree.
func (l *Lane) ListControl() ([]string, error) {
	names, err := fsio.ListDir(l.Paths.ControlDir(l.Lease, l.Node))
	if err != nil {
		return nil, lqerrors.ClassifyFSError("scan control", err)
	}
	sort.Strings(names)
	return names, nil
}

// ReadControl parses one control file by name.
func (l *Lane) ReadControl(name string) (leaseq.ControlCommand, error) {
	data, err := os.ReadFile(l.Paths.ControlDir(l.Lease, l.Node) + "/" + name)
	if err != nil {
		return leaseq.ControlCommand{}, lqerrors.ClassifyFSError("read control", err)
	}
	cmd, _, err := codec.Decode[leaseq.ControlCommand](data)
	return cmd, err
}

// ConsumeControl renames a control file into control/<node>/.consumed/,
// the single-shot discipline of spec.md §4.4. Consuming an already-
// consumed file is a no-op (idempotent replay, spec.md §8 property 6).
func (l *Lane) ConsumeControl(name string) error {
	src := l.Paths.ControlDir(l.Lease, l.Node) + "/" + name
	dst := l.Paths.ControlConsumedDir(l.Lease, l.Node) + "/" + name
	err := fsio.AtomicRename(src, dst)
	if err == fsio.TransientNotFound || err == fsio.AlreadyExists {
		return nil
	}
	return lqerrors.ClassifyFSError("consume control", err)
}

// PublishCancel writes a cancel control file for taskID.
func PublishCancel(l *Lane, taskID leaseq.TaskID) error {
	cmd := leaseq.ControlCommand{Verb: leaseq.ControlCancel, TaskID: taskID, IssuedAt: time.Now().Unix()}
	return publishControl(l, cmd, leaseq.ControlFilename(leaseq.ControlCancel, string(taskID), uuid.NewString()))
}

// PublishPause writes a pause control file for the lane.
func PublishPause(l *Lane) error {
	cmd := leaseq.ControlCommand{Verb: leaseq.ControlPause, IssuedAt: time.Now().Unix()}
	return publishControl(l, cmd, leaseq.ControlFilename(leaseq.ControlPause, "", uuid.NewString()))
}

// PublishResume writes a resume control file for the lane.
func PublishResume(l *Lane) error {
	cmd := leaseq.ControlCommand{Verb: leaseq.ControlResume, IssuedAt: time.Now().Unix()}
	return publishControl(l, cmd, leaseq.ControlFilename(leaseq.ControlResume, "", uuid.NewString()))
}

func publishControl(l *Lane, cmd leaseq.ControlCommand, filename string) error {
	data, err := codec.Encode(cmd, nil)
	if err != nil {
		return lqerrors.NewFatal("encode control command", err)
	}
	path := l.Paths.ControlDir(l.Lease, l.Node) + "/" + filename
	if err := fsio.AtomicPublish(path, data, 0o644); err != nil {
		return lqerrors.ClassifyFSError("publish control command", err)
	}
	return nil
}

// PublishHeartbeat atomically rewrites hb/<node>.json. Called from the
// runner's dedicated liveness goroutine, independent of task execution
// (spec.md §4.4).
func (l *Lane) PublishHeartbeat(hb leaseq.Heartbeat) error {
	data, err := codec.Encode(hb, nil)
	if err != nil {
		return lqerrors.NewFatal("encode heartbeat", err)
	}
	if err := fsio.AtomicPublish(l.Paths.HeartbeatFile(l.Lease, l.Node), data, 0o644); err != nil {
		return lqerrors.ClassifyFSError("publish heartbeat", err)
	}
	return nil
}

// PendingCount returns the number of specs currently sitting in
// inbox/<node>/, used as the heartbeat's pending_estimate.
func (l *Lane) PendingCount() (int, error) {
	names, err := fsio.ListDir(l.Paths.InboxDir(l.Lease, l.Node))
	if err != nil {
		return 0, lqerrors.ClassifyFSError("count inbox", err)
	}
	return len(names), nil
}

func dirOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "."
	}
	return path[:idx]
}
